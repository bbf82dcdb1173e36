/*
 * Copyright (c) 2021 Gilles Chehade <gilles@poolp.org>
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

// Package tarfile emits and parses ustar headers with the GNU long name and
// long link extensions, the only tar subset segments are built from.
package tarfile

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/objects"
)

const (
	BlockSize = 512

	nameLen = 100
	linkLen = 100
)

const (
	TypeRegular  = '0'
	TypeHardLink = '1'
	TypeSymlink  = '2'
	TypeChar     = '3'
	TypeBlock    = '4'
	TypeDir      = '5'
	TypeFIFO     = '6'

	typeGNULongName = 'L'
	typeGNULongLink = 'K'

	gnuLongLinkName = "././@LongLink"
)

// set-uid/gid/sticky plus the nine permission bits, in tar's own encoding.
const (
	tsuid = 0o4000
	tsgid = 0o2000
	tsvtx = 0o1000
)

// Header is a parsed tar member header, long-name prologue already folded in.
type Header struct {
	Name     string
	Linkname string
	Mode     int64
	Size     int64
	MtimeSec int64
	Typeflag byte
	Uname    string
	Gname    string
}

// TypeFlag maps a FileStat to the tar typeflag. Hard links win over the mode
// bits: LNKTYPE in the tar format means hard link, not symlink.
func TypeFlag(stat *objects.FileStat, isHardLink bool) (byte, error) {
	if isHardLink {
		return TypeHardLink, nil
	}
	switch {
	case stat.IsSymlink():
		return TypeSymlink, nil
	case stat.IsRegular():
		return TypeRegular, nil
	case stat.IsChar():
		return TypeChar, nil
	case stat.IsBlock():
		return TypeBlock, nil
	case stat.IsDir():
		return TypeDir, nil
	case stat.IsFIFO():
		return TypeFIFO, nil
	}
	return 0, fmt.Errorf("%w: tar member mode %s", beakerr.ErrUnsupported, stat.Mode())
}

func modeBits(mode os.FileMode) int64 {
	bits := int64(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		bits |= tsuid
	}
	if mode&os.ModeSetgid != 0 {
		bits |= tsgid
	}
	if mode&os.ModeSticky != 0 {
		bits |= tsvtx
	}
	return bits
}

// longBlocks returns the extra blocks for one overlong field: one GNU header
// block plus 1+len/512 payload blocks.
func longBlocks(n int) int64 {
	return 2 + int64(n)/BlockSize
}

// HeaderSize returns the encoded header length in bytes, without building the
// header. The packer uses it for segment size planning.
func HeaderSize(stat *objects.FileStat, tarpath *fspath.Path, link string, isHardLink bool) int64 {
	if link != "" && isHardLink {
		link = fspath.Lookup(link).UnRoot()
	}
	name := tarpath.UnRoot()
	if stat.IsDir() {
		name += "/"
	}
	blocks := int64(1)
	if len(name) > nameLen {
		blocks += longBlocks(len(name))
	}
	if link != "" && len(link) > linkLen {
		blocks += longBlocks(len(link))
	}
	return blocks * BlockSize
}

// EncodeHeader builds the full header byte sequence for one member: GNU long
// name/link prologues when needed, then the ustar block. Hard-link targets
// are stored un-rooted.
func EncodeHeader(stat *objects.FileStat, tarpath *fspath.Path, link string, isHardLink bool) ([]byte, error) {
	typeflag, err := TypeFlag(stat, isHardLink)
	if err != nil {
		return nil, err
	}
	if link != "" && isHardLink {
		link = fspath.Lookup(link).UnRoot()
	}

	name := tarpath.UnRoot()
	if stat.IsDir() {
		name += "/"
	}

	size := int64(0)
	if stat.IsRegular() {
		size = stat.Size()
	}

	real := emitBlock(name, link, modeBits(stat.Mode()), size, stat.MtimeSec(), typeflag)

	var out bytes.Buffer
	if len(name) > nameLen {
		out.Write(longHeader(real, typeGNULongName, name))
	}
	if len(link) > linkLen {
		out.Write(longHeader(real, typeGNULongLink, link))
	}
	out.Write(real)
	return out.Bytes(), nil
}

// emitBlock fills one 512-byte ustar block. The checksum is computed last,
// over the block with the checksum field set to spaces.
func emitBlock(name, link string, mode, size, mtime int64, typeflag byte) []byte {
	b := make([]byte, BlockSize)

	copy(b[0:nameLen], name)
	octal(b[100:108], mode, 7)
	copy(b[108:116], "0000000\x00")
	copy(b[116:124], "0000000\x00")
	octal(b[124:136], size, 11)
	octal(b[136:148], mtime, 11)
	for i := 148; i < 156; i++ {
		b[i] = ' '
	}
	b[156] = typeflag
	copy(b[157:157+linkLen], link)
	copy(b[257:263], "ustar ")
	copy(b[263:265], " \x00")
	copy(b[265:270], "beak\x00")
	copy(b[297:302], "beak\x00")

	octal(b[148:156], int64(Checksum(b)), 7)
	return b
}

// longHeader builds the GNU prologue for one overlong field: a copy of the
// real header with typeflag L or K, name "././@LongLink", mtime 0 and size
// set to the string length plus its NUL, followed by the NUL-terminated string padded to
// whole blocks.
func longHeader(real []byte, typeflag byte, value string) []byte {
	h := make([]byte, BlockSize)
	copy(h, real)
	for i := 0; i < nameLen; i++ {
		h[i] = 0
	}
	copy(h[0:nameLen], gnuLongLinkName)
	octal(h[136:148], 0, 11)
	h[156] = typeflag
	for i := 157; i < 157+linkLen; i++ {
		h[i] = 0
	}
	octal(h[124:136], int64(len(value)+1), 11)
	for i := 148; i < 156; i++ {
		h[i] = ' '
	}
	octal(h[148:156], int64(Checksum(h)), 7)

	payloadBlocks := 1 + len(value)/BlockSize
	payload := make([]byte, payloadBlocks*BlockSize)
	copy(payload, value)

	out := make([]byte, 0, len(h)+len(payload))
	out = append(out, h...)
	out = append(out, payload...)
	return out
}

// octal writes v as width octal digits followed by a NUL, zero padded.
func octal(dst []byte, v int64, width int) {
	s := strconv.FormatInt(v, 8)
	for len(s) < width {
		s = "0" + s
	}
	copy(dst, s)
	dst[width] = 0
}

// Checksum is the unsigned sum of the 512 header bytes with the checksum
// field treated as spaces.
func Checksum(block []byte) uint32 {
	var sum uint32
	for i, c := range block {
		if i >= 148 && i < 156 {
			c = ' '
		}
		sum += uint32(c)
	}
	return sum
}

// PaddedSize rounds n up to a whole number of blocks.
func PaddedSize(n int64) int64 {
	return (n + BlockSize - 1) / BlockSize * BlockSize
}

func parseOctal(field []byte) (int64, error) {
	s := string(bytes.TrimRight(bytes.TrimLeft(field, " \x00"), " \x00"))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad octal field %q", beakerr.ErrParse, s)
	}
	return v, nil
}

func cstring(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// ParseHeader decodes the header starting at blocks[0], folding in any GNU
// long name/link prologue, and returns the header plus the number of bytes
// consumed. A zero block yields (nil, BlockSize, nil): end of stream.
func ParseHeader(blocks []byte) (*Header, int, error) {
	consumed := 0
	longName := ""
	longLink := ""

	for {
		if len(blocks) < BlockSize {
			return nil, 0, fmt.Errorf("%w: truncated tar header", beakerr.ErrParse)
		}
		b := blocks[:BlockSize]
		if isZeroBlock(b) {
			return nil, consumed + BlockSize, nil
		}

		recorded, err := parseOctal(b[148:156])
		if err != nil {
			return nil, 0, err
		}
		if uint32(recorded) != Checksum(b) {
			return nil, 0, fmt.Errorf("%w: tar header checksum mismatch", beakerr.ErrIntegrity)
		}

		typeflag := b[156]
		if typeflag == typeGNULongName || typeflag == typeGNULongLink {
			size, err := parseOctal(b[124:136])
			if err != nil {
				return nil, 0, err
			}
			payloadBlocks := int(PaddedSize(size)) / BlockSize
			need := BlockSize * (1 + payloadBlocks)
			if len(blocks) < need {
				return nil, 0, fmt.Errorf("%w: truncated GNU long header", beakerr.ErrParse)
			}
			value := cstring(blocks[BlockSize : BlockSize+int(size)])
			if typeflag == typeGNULongName {
				longName = value
			} else {
				longLink = value
			}
			blocks = blocks[need:]
			consumed += need
			continue
		}

		mode, err := parseOctal(b[100:108])
		if err != nil {
			return nil, 0, err
		}
		size, err := parseOctal(b[124:136])
		if err != nil {
			return nil, 0, err
		}
		mtime, err := parseOctal(b[136:148])
		if err != nil {
			return nil, 0, err
		}

		hdr := &Header{
			Name:     cstring(b[0:nameLen]),
			Linkname: cstring(b[157 : 157+linkLen]),
			Mode:     mode,
			Size:     size,
			MtimeSec: mtime,
			Typeflag: typeflag,
			Uname:    cstring(b[265:297]),
			Gname:    cstring(b[297:329]),
		}
		if longName != "" {
			hdr.Name = longName
		}
		if longLink != "" {
			hdr.Linkname = longLink
		}
		switch typeflag {
		case TypeRegular, TypeHardLink, TypeSymlink, TypeChar, TypeBlock, TypeDir, TypeFIFO:
		default:
			return nil, 0, fmt.Errorf("%w: tar typeflag %q", beakerr.ErrUnsupported, typeflag)
		}
		return hdr, consumed + BlockSize, nil
	}
}
