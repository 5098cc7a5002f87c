// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Unlink removes a file or symlink from the backing tree.
func (fs *Filesystem) Unlink(rel string) error {
	return unix.Unlinkat(fs.rootFd, relname(rel), 0)
}

// Rename moves a path within the backing tree, carrying forward any
// currently-open shared decrypted State so in-flight handles keep working
// under the new name.
func (fs *Filesystem) Rename(oldRel, newRel string) error {
	if err := unix.Renameat(fs.rootFd, relname(oldRel), fs.rootFd, relname(newRel)); err != nil {
		return err
	}

	fs.mu.Lock()
	if state, ok := fs.paths[oldRel]; ok {
		delete(fs.paths, oldRel)
		fs.paths[newRel] = state
		for _, he := range fs.handles {
			if he.path == oldRel {
				he.path = newRel
			}
		}
	}
	fs.mu.Unlock()
	return nil
}

// Symlink creates a symbolic link at rel pointing at target.
func (fs *Filesystem) Symlink(target, rel string) error {
	return unix.Symlinkat(target, fs.rootFd, relname(rel))
}

// Readlink returns the target of a symbolic link, growing the read buffer
// until it comfortably holds the whole target.
func (fs *Filesystem) Readlink(rel string) (string, error) {
	for size := 128; size < 1024*1024; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Readlinkat(fs.rootFd, relname(rel), buf)
		if err != nil {
			return "", err
		}
		if n < size {
			return string(buf[:n]), nil
		}
	}
	return "", syscall.ENOMEM
}

// Link always fails with EPERM. asymmetricfs's backing content is not the
// plaintext a hard link's second name would need to see decrypted the same
// way, so hard links are refused rather than silently wrapping only one of
// the two names.
func (fs *Filesystem) Link(oldRel, newRel string) error {
	return syscall.EPERM
}
