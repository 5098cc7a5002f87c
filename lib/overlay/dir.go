// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"io/fs"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// DirEntry describes one name returned by ReadDir. Mode carries the raw
// S_IFMT type bits (as syscall.Stat_t.Mode would), not Go's io/fs.FileMode
// bit layout, so callers like lib/overlay/fusebridge can hand it straight
// to a fuse.DirEntry without reinterpreting bits.
type DirEntry struct {
	Name string
	Mode uint32
}

// rawIFMT converts an io/fs.FileMode's type bits to the S_IFMT value the
// same entry would report in struct stat's st_mode.
func rawIFMT(m fs.FileMode) uint32 {
	switch {
	case m&fs.ModeDir != 0:
		return syscall.S_IFDIR
	case m&fs.ModeSymlink != 0:
		return syscall.S_IFLNK
	case m&fs.ModeNamedPipe != 0:
		return syscall.S_IFIFO
	case m&fs.ModeSocket != 0:
		return syscall.S_IFSOCK
	case m&fs.ModeDevice != 0:
		if m&fs.ModeCharDevice != 0 {
			return syscall.S_IFCHR
		}
		return syscall.S_IFBLK
	default:
		return syscall.S_IFREG
	}
}

// Mkdir creates a directory in the backing tree.
func (fsys *Filesystem) Mkdir(rel string, mode os.FileMode) error {
	return syscall.Mkdirat(fsys.rootFd, relname(rel), uint32(mode.Perm()))
}

// Rmdir removes an empty directory from the backing tree.
func (fsys *Filesystem) Rmdir(rel string) error {
	return unix.Unlinkat(fsys.rootFd, relname(rel), unix.AT_REMOVEDIR)
}

// OpenDir opens a directory for ReadDir/ReleaseDir.
func (fsys *Filesystem) OpenDir(rel string) (Handle, error) {
	fd, err := syscall.Openat(fsys.rootFd, relname(rel), syscall.O_RDONLY|syscall.O_DIRECTORY|syscall.O_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	f := os.NewFile(uintptr(fd), rel)

	fsys.mu.Lock()
	h := fsys.allocHandle()
	fsys.dirHandles[h] = &dirEntry{f: f}
	fsys.mu.Unlock()
	return h, nil
}

// ReadDir lists the directory's entries, skipping device, fifo, socket,
// and character-device nodes: an encrypted overlay has no sensible way to
// wrap those inode types.
func (fsys *Filesystem) ReadDir(h Handle) ([]DirEntry, error) {
	fsys.mu.Lock()
	de, ok := fsys.dirHandles[h]
	fsys.mu.Unlock()
	if !ok {
		return nil, syscall.EBADF
	}

	children, err := de.f.ReadDir(-1)
	if err != nil {
		return nil, err
	}

	// os.File.ReadDir never enumerates "." and "..", but callers expect a
	// directory listing to include them regardless of what the underlying
	// readdir primitive returns.
	out := make([]DirEntry, 0, len(children)+2)
	out = append(out,
		DirEntry{Name: ".", Mode: syscall.S_IFDIR},
		DirEntry{Name: "..", Mode: syscall.S_IFDIR},
	)
	for _, c := range children {
		info, err := c.Info()
		if err != nil {
			// The entry raced with a concurrent removal; skip it rather
			// than fail the whole listing.
			continue
		}
		mode := info.Mode()
		if mode&(fs.ModeDevice|fs.ModeCharDevice|fs.ModeNamedPipe|fs.ModeSocket) != 0 {
			continue
		}
		out = append(out, DirEntry{Name: c.Name(), Mode: rawIFMT(mode)})
	}
	return out, nil
}

// ReleaseDir closes a directory handle opened by OpenDir.
func (fsys *Filesystem) ReleaseDir(h Handle) error {
	fsys.mu.Lock()
	de, ok := fsys.dirHandles[h]
	if ok {
		delete(fsys.dirHandles, h)
	}
	fsys.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}
	return de.f.Close()
}
