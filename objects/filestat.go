/*
 * Copyright (c) 2023 Gilles Chehade <gilles@poolp.org>
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

package objects

import (
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/vmihailenco/msgpack/v5"
)

// DiskUpdate tells whether a file already present on a destination needs to
// be rewritten there.
type DiskUpdate uint8

const (
	Unchanged DiskUpdate = iota
	Store
)

// FileStat is the portable stat model carried through segments and indexes.
type FileStat struct {
	Lmode      os.FileMode `msgpack:"Mode"`
	Luid       uint32      `msgpack:"Uid"`
	Lgid       uint32      `msgpack:"Gid"`
	Lusername  string      `msgpack:"Username"`
	Lgroupname string      `msgpack:"Groupname"`
	Lsize      int64       `msgpack:"Size"`
	LmtimeSec  int64       `msgpack:"MtimeSec"`
	LmtimeNsec int64       `msgpack:"MtimeNsec"`
	Ldev       uint64      `msgpack:"Dev"`
	Lino       uint64      `msgpack:"Ino"`
	Lnlink     uint64      `msgpack:"Nlink"`

	DiskUpdate DiskUpdate `msgpack:"DiskUpdate"`
}

func (s FileStat) Mode() os.FileMode { return s.Lmode }
func (s FileStat) Uid() uint32       { return s.Luid }
func (s FileStat) Gid() uint32       { return s.Lgid }
func (s FileStat) Username() string  { return s.Lusername }
func (s FileStat) Groupname() string { return s.Lgroupname }
func (s FileStat) Size() int64       { return s.Lsize }
func (s FileStat) MtimeSec() int64   { return s.LmtimeSec }
func (s FileStat) MtimeNsec() int64  { return s.LmtimeNsec }
func (s FileStat) Dev() uint64       { return s.Ldev }
func (s FileStat) Ino() uint64       { return s.Lino }
func (s FileStat) Nlink() uint64     { return s.Lnlink }

func (s FileStat) IsRegular() bool { return s.Lmode.IsRegular() }
func (s FileStat) IsDir() bool     { return s.Lmode.IsDir() }
func (s FileStat) IsSymlink() bool { return s.Lmode&os.ModeSymlink != 0 }
func (s FileStat) IsFIFO() bool    { return s.Lmode&os.ModeNamedPipe != 0 }
func (s FileStat) IsChar() bool {
	return s.Lmode&os.ModeDevice != 0 && s.Lmode&os.ModeCharDevice != 0
}
func (s FileStat) IsBlock() bool {
	return s.Lmode&os.ModeDevice != 0 && s.Lmode&os.ModeCharDevice == 0
}

func (s FileStat) HumanSize() string {
	return humanize.Bytes(uint64(s.Lsize))
}

func (s FileStat) SameSize(o *FileStat) bool {
	return s.Lsize == o.Lsize
}

func (s FileStat) SameMTime(o *FileStat) bool {
	return s.LmtimeSec == o.LmtimeSec && s.LmtimeNsec == o.LmtimeNsec
}

func (s FileStat) SamePermissions(o *FileStat) bool {
	return s.Lmode.Perm() == o.Lmode.Perm()
}

// MtimeAfter reports whether s's mtime is strictly later than o's.
func (s FileStat) MtimeAfter(o *FileStat) bool {
	if s.LmtimeSec != o.LmtimeSec {
		return s.LmtimeSec > o.LmtimeSec
	}
	return s.LmtimeNsec > o.LmtimeNsec
}

func (s FileStat) Serialize() ([]byte, error) {
	return msgpack.Marshal(&s)
}

func FileStatFromBytes(serialized []byte) (*FileStat, error) {
	var s FileStat
	if err := msgpack.Unmarshal(serialized, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// FileStatFromInfo builds a FileStat from an os.FileInfo obtained with Lstat.
// Owner and group names are resolved best-effort; numeric ids always carry.
func FileStatFromInfo(info os.FileInfo) *FileStat {
	s := &FileStat{
		Lmode:     info.Mode(),
		Lsize:     info.Size(),
		LmtimeSec: info.ModTime().Unix(),
	}
	s.LmtimeNsec = int64(info.ModTime().Nanosecond())
	if !s.Lmode.IsRegular() {
		s.Lsize = 0
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		s.Luid = st.Uid
		s.Lgid = st.Gid
		s.Ldev = uint64(st.Dev)
		s.Lino = uint64(st.Ino)
		s.Lnlink = uint64(st.Nlink)
		if u, err := user.LookupId(strconv.FormatUint(uint64(st.Uid), 10)); err == nil {
			s.Lusername = u.Username
		}
		if g, err := user.LookupGroupId(strconv.FormatUint(uint64(st.Gid), 10)); err == nil {
			s.Lgroupname = g.Name
		}
	}
	return s
}

// CheckStat updates DiskUpdate by comparing s against the destination stat.
// A missing destination or any mismatch in permissions, size or mtime means
// the file must be stored.
func (s *FileStat) CheckStat(dst *FileStat) {
	if dst == nil || !s.SamePermissions(dst) || !s.SameSize(dst) || !s.SameMTime(dst) {
		s.DiskUpdate = Store
	} else {
		s.DiskUpdate = Unchanged
	}
}
