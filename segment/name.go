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

// Package segment encodes and decodes segment file names. The grammar is
// bit-exact and round-trips:
//
//	<type>_<ts_s>.<ts_ns>_<size>_<fp>_<part>.<ext>
//
// with type 's' (payload) or 'z' (index), decimal fields without padding,
// a 64-char lowercase hex fingerprint, and extension "tar" or "gz".
package segment

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/weetmuts/beak/beakerr"
)

type Type byte

const (
	Payload Type = 's'
	Index   Type = 'z'
)

const (
	ExtTar = "tar"
	ExtGz  = "gz"

	fingerprintLen = 64
)

type Name struct {
	Type        Type
	Secs        int64
	Nsecs       int64
	Size        int64
	Fingerprint string
	Part        uint
	Ext         string
}

func (n Name) String() string {
	return fmt.Sprintf("%c_%d.%d_%d_%s_%d.%s",
		n.Type, n.Secs, n.Nsecs, n.Size, n.Fingerprint, n.Part, n.Ext)
}

// IsIndex reports whether the segment holds an index listing.
func (n Name) IsIndex() bool {
	return n.Type == Index
}

func decimal(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty decimal field", beakerr.ErrParse)
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, fmt.Errorf("%w: padded decimal field %q", beakerr.ErrParse, s)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: bad decimal field %q", beakerr.ErrParse, s)
	}
	return v, nil
}

func validFingerprint(s string) bool {
	if len(s) != fingerprintLen {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Parse decodes a segment file name. It fails only on structural mismatch;
// unknown type letters are rejected.
func Parse(s string) (Name, error) {
	var n Name

	dot := strings.LastIndexByte(s, '.')
	if dot < 0 {
		return n, fmt.Errorf("%w: segment name %q has no extension", beakerr.ErrParse, s)
	}
	ext := s[dot+1:]
	if ext != ExtTar && ext != ExtGz {
		return n, fmt.Errorf("%w: segment name extension %q", beakerr.ErrParse, ext)
	}

	fields := strings.Split(s[:dot], "_")
	if len(fields) != 5 {
		return n, fmt.Errorf("%w: segment name %q has %d fields", beakerr.ErrParse, s, len(fields))
	}
	if len(fields[0]) != 1 {
		return n, fmt.Errorf("%w: segment name type %q", beakerr.ErrParse, fields[0])
	}
	typ := Type(fields[0][0])
	if typ != Payload && typ != Index {
		return n, fmt.Errorf("%w: segment name type %q", beakerr.ErrParse, fields[0])
	}

	ts := strings.SplitN(fields[1], ".", 2)
	if len(ts) != 2 {
		return n, fmt.Errorf("%w: segment name timestamp %q", beakerr.ErrParse, fields[1])
	}
	secs, err := decimal(ts[0])
	if err != nil {
		return n, err
	}
	nsecs, err := decimal(ts[1])
	if err != nil {
		return n, err
	}
	size, err := decimal(fields[2])
	if err != nil {
		return n, err
	}
	if !validFingerprint(fields[3]) {
		return n, fmt.Errorf("%w: segment name fingerprint %q", beakerr.ErrParse, fields[3])
	}
	part, err := decimal(fields[4])
	if err != nil {
		return n, err
	}

	n.Type = typ
	n.Secs = secs
	n.Nsecs = nsecs
	n.Size = size
	n.Fingerprint = fields[3]
	n.Part = uint(part)
	n.Ext = ext
	return n, nil
}
