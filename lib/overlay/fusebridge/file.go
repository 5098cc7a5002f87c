// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fusebridge

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ckennelly/asymmetricfs/lib/overlay"
)

// fileHandle is the FUSE file handle for an open regular file: a thin
// adapter from go-fuse's per-operation interfaces onto one
// overlay.Handle.
type fileHandle struct {
	fsys *overlay.Filesystem
	h    overlay.Handle
}

var (
	_ fs.FileHandle    = (*fileHandle)(nil)
	_ fs.FileReader    = (*fileHandle)(nil)
	_ fs.FileWriter    = (*fileHandle)(nil)
	_ fs.FileFlusher   = (*fileHandle)(nil)
	_ fs.FileReleaser  = (*fileHandle)(nil)
	_ fs.FileFsyncer   = (*fileHandle)(nil)
	_ fs.FileGetattrer = (*fileHandle)(nil)
	_ fs.FileSetattrer = (*fileHandle)(nil)
)

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.fsys.Read(ctx, f.h, dest, off)
	if err != nil {
		return nil, overlay.Errno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.fsys.Write(ctx, f.h, data, off)
	if err != nil {
		return 0, overlay.Errno(err)
	}
	return uint32(n), fs.OK
}

func (f *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return overlay.Errno(f.fsys.Flush(ctx, f.h))
}

func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	return overlay.Errno(f.fsys.Release(ctx, f.h))
}

func (f *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return overlay.Errno(f.fsys.Fsync(ctx, f.h))
}

func (f *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	st, err := f.fsys.Fgetattr(ctx, f.h)
	if err != nil {
		return overlay.Errno(err)
	}
	out.Attr.FromStat(&st)
	return fs.OK
}

func (f *fileHandle) Setattr(ctx context.Context, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if err := f.fsys.Ftruncate(ctx, f.h, int64(size)); err != nil {
			return overlay.Errno(err)
		}
	}
	return f.Getattr(ctx, out)
}
