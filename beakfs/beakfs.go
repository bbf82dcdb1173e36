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

// Package beakfs serves the forward synthetic tree over FUSE. Segments are
// never materialized: every ReadFile lands in backup.ReadAt, which
// synthesizes the requested slice on the fly.
package beakfs

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/weetmuts/beak/backup"
	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/logger"
	"github.com/weetmuts/beak/objects"
)

type beakFS struct {
	fuseutil.NotImplementedFileSystem

	backup *backup.Backup

	mu          sync.Mutex
	nextInode   fuseops.InodeID
	inodeToPath map[fuseops.InodeID]*fspath.Path
	pathToInode map[*fspath.Path]fuseops.InodeID
}

// NewServer wraps a packed backup as a read-only FUSE server.
func NewServer(b *backup.Backup) fuse.Server {
	fs := &beakFS{
		backup:      b,
		nextInode:   fuseops.RootInodeID,
		inodeToPath: make(map[fuseops.InodeID]*fspath.Path),
		pathToInode: make(map[*fspath.Path]fuseops.InodeID),
	}
	fs.inodeToPath[fuseops.RootInodeID] = fspath.Root()
	fs.pathToInode[fspath.Root()] = fuseops.RootInodeID
	return fuseutil.NewFileSystemServer(fs)
}

// Mount mounts the server read-only and returns the joinable mount.
func Mount(b *backup.Backup, mountpoint string) (*fuse.MountedFileSystem, error) {
	cfg := &fuse.MountConfig{
		ReadOnly: true,
		FSName:   "beakfs",
	}
	return fuse.Mount(mountpoint, NewServer(b), cfg)
}

func (fs *beakFS) inodeFor(path *fspath.Path) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if id, ok := fs.pathToInode[path]; ok {
		return id
	}
	fs.nextInode++
	id := fs.nextInode
	fs.pathToInode[path] = id
	fs.inodeToPath[id] = path
	return id
}

func (fs *beakFS) pathFor(id fuseops.InodeID) (*fspath.Path, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	path, ok := fs.inodeToPath[id]
	return path, ok
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, beakerr.ErrNotFound):
		return fuse.ENOENT
	default:
		return fuse.EIO
	}
}

func attributes(stat *objects.FileStat) fuseops.InodeAttributes {
	mtime := time.Unix(stat.MtimeSec(), stat.MtimeNsec())
	return fuseops.InodeAttributes{
		Nlink: 1,
		Mode:  stat.Mode(),
		Size:  uint64(stat.Size()),
		Atime: mtime,
		Ctime: mtime,
		Mtime: mtime,
		Uid:   uint32(os.Geteuid()),
		Gid:   uint32(os.Getegid()),
	}
}

func (fs *beakFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return nil
}

func (fs *beakFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, ok := fs.pathFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	path := parent.Append(op.Name)

	stat, err := fs.backup.Getattr(path)
	if err != nil {
		return mapError(err)
	}

	op.Entry.Child = fs.inodeFor(path)
	op.Entry.Attributes = attributes(stat)
	return nil
}

func (fs *beakFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	path, ok := fs.pathFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	stat, err := fs.backup.Getattr(path)
	if err != nil {
		return mapError(err)
	}
	op.Attributes = attributes(stat)
	return nil
}

func (fs *beakFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if _, ok := fs.pathFor(op.Inode); !ok {
		return fuse.ENOENT
	}
	return nil
}

func (fs *beakFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	path, ok := fs.pathFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	names, err := fs.backup.Readdir(path)
	if err != nil {
		return mapError(err)
	}

	if op.Offset > fuseops.DirOffset(len(names)) {
		return fuse.EIO
	}

	for i, name := range names[op.Offset:] {
		child := path.Append(name)
		stat, err := fs.backup.Getattr(child)
		if err != nil {
			return mapError(err)
		}
		dtype := fuseutil.DT_File
		if stat.IsDir() {
			dtype = fuseutil.DT_Directory
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: op.Offset + fuseops.DirOffset(i) + 1,
			Inode:  fs.inodeFor(child),
			Name:   name,
			Type:   dtype,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

// OpenFile is a no-op returning success; reads carry all the state they need.
func (fs *beakFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if _, ok := fs.pathFor(op.Inode); !ok {
		return fuse.ENOENT
	}
	return nil
}

func (fs *beakFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	path, ok := fs.pathFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	logger.Trace("fuse", "read %s offset %d size %d", path, op.Offset, len(op.Dst))

	data, err := fs.backup.ReadAt(path, op.Offset, len(op.Dst))
	if err != nil {
		return mapError(err)
	}
	op.BytesRead = copy(op.Dst, data)
	return nil
}
