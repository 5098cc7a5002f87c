// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"context"
	"os"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fstatat stats name relative to dirFd without following a trailing
// symlink, filling a syscall.Stat_t directly. Neither package syscall nor
// golang.org/x/sys/unix exposes an Fstatat that fills a syscall.Stat_t (as
// opposed to unix.Stat_t, which fuse.AttrOut.FromStat cannot take), so this
// calls SYS_NEWFSTATAT directly.
func fstatat(dirFd int, name string) (syscall.Stat_t, error) {
	nameBytes, err := syscall.BytePtrFromString(name)
	if err != nil {
		return syscall.Stat_t{}, err
	}

	var stat syscall.Stat_t
	if _, _, errno := syscall.Syscall6(
		syscall.SYS_NEWFSTATAT,
		uintptr(dirFd),
		uintptr(unsafe.Pointer(nameBytes)),
		uintptr(unsafe.Pointer(&stat)),
		unix.AT_SYMLINK_NOFOLLOW,
		0,
		0); errno != 0 {
		return syscall.Stat_t{}, errno
	}
	return stat, nil
}

// noReadMask clears the three read-permission bits (owner, group, other)
// from a raw st_mode, used to hide that a write-only mount's files are
// readable by anything other than a decrypting reader.
const noReadMask = ^uint32(syscall.S_IRUSR | syscall.S_IRGRP | syscall.S_IROTH)

// maskReadBits clears st.Mode's read-permission bits in write-only mode
// for anything but a directory, per the write-only mount's promise that
// it never discloses plaintext, including the appearance of readability.
func (fs *Filesystem) maskReadBits(st *syscall.Stat_t) {
	if !fs.readWrite && st.Mode&syscall.S_IFMT != syscall.S_IFDIR {
		st.Mode &= noReadMask
	}
}

// Getattr stats a path, substituting the decrypted buffer's logical size
// for a regular file's on-disk (ciphertext) size if the file is currently
// open, decrypting it first if its buffer is not loaded yet. A write-only
// mount never decrypts to serve a stat: it has no business learning a
// plaintext length it may not even hold the key to compute, so it reports
// the ciphertext's on-disk size instead, exactly as it does for a file
// that isn't open at all.
func (fs *Filesystem) Getattr(ctx context.Context, rel string) (syscall.Stat_t, error) {
	st, err := fstatat(fs.rootFd, relname(rel))
	if err != nil {
		return st, err
	}

	if fs.readWrite && st.Mode&syscall.S_IFMT == syscall.S_IFREG {
		fs.mu.Lock()
		state, ok := fs.paths[rel]
		fs.mu.Unlock()
		if ok {
			if size, err := state.Size(ctx); err == nil {
				st.Size = size
			}
		}
	}
	fs.maskReadBits(&st)
	return st, nil
}

// Fgetattr is Getattr for an already-open handle. See Getattr for why the
// decrypted size is only substituted in read-write mode.
func (fs *Filesystem) Fgetattr(ctx context.Context, h Handle) (syscall.Stat_t, error) {
	he, err := fs.lookupHandle(h)
	if err != nil {
		return syscall.Stat_t{}, err
	}

	st, err := fstatat(fs.rootFd, relname(he.path))
	if err != nil {
		return st, err
	}
	if fs.readWrite {
		if size, err := he.state.Size(ctx); err == nil {
			st.Size = size
		}
	}
	fs.maskReadBits(&st)
	return st, nil
}

// Chmod changes a path's permission bits.
func (fs *Filesystem) Chmod(rel string, mode os.FileMode) error {
	return unix.Fchmodat(fs.rootFd, relname(rel), uint32(mode.Perm()), 0)
}

// Chown changes a path's owning user and group. A request to set either to
// root (uid or gid 0) is rejected with EPERM, matching the always-EPERM
// refusal Link gives a caller trying to create a hard link: asymmetricfs
// does not let the mount be used to escalate backing-file ownership to
// root.
func (fs *Filesystem) Chown(rel string, uid, gid int) error {
	if uid == 0 || gid == 0 {
		return syscall.EPERM
	}
	return unix.Fchownat(fs.rootFd, relname(rel), uid, gid, unix.AT_SYMLINK_NOFOLLOW)
}

// Utimens changes a path's access and modification times.
func (fs *Filesystem) Utimens(rel string, atime, mtime time.Time) error {
	times := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return unix.UtimesNanoAt(fs.rootFd, relname(rel), times, unix.AT_SYMLINK_NOFOLLOW)
}

// Access checks whether an operation implied by mask (unix.R_OK, W_OK,
// X_OK, or a combination) is permitted. A write-only overlay denies any
// check that includes read access, unless the path is currently open with
// a state that was created through this mount (O_CREAT present) and is
// not open for append — such a file was never read back from ciphertext,
// so there is nothing a read check would be newly exposing.
func (fs *Filesystem) Access(rel string, mask uint32) error {
	if mask&unix.R_OK != 0 && !fs.readWrite {
		fs.mu.Lock()
		state, ok := fs.paths[rel]
		fs.mu.Unlock()
		if !ok {
			return syscall.EACCES
		}
		flags := state.OpenFlags()
		if flags&syscall.O_APPEND != 0 || flags&syscall.O_CREAT == 0 {
			return syscall.EACCES
		}
	}
	return unix.Faccessat(fs.rootFd, relname(rel), mask, 0)
}

// Statfs reports filesystem-level statistics for the backing directory.
func (fs *Filesystem) Statfs() (syscall.Statfs_t, error) {
	var st syscall.Statfs_t
	err := syscall.Fstatfs(fs.rootFd, &st)
	return st, err
}
