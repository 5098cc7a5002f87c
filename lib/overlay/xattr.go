// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// xattrPath resolves rel relative to fs.rootFd into a /proc/self/fd path
// that the xattr syscalls can use directly: Linux has no openat-relative
// (*at) variant of the xattr calls, so an O_PATH descriptor resolved
// through /proc/self/fd is the usual way to keep them from re-walking a
// joined path string. The returned closer must be called once the caller
// is done with the path.
func (fs *Filesystem) xattrPath(rel string) (string, func(), error) {
	fd, err := unix.Openat(fs.rootFd, relname(rel), unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("/proc/self/fd/%d", fd), func() { unix.Close(fd) }, nil
}

// ListXattr lists the extended attribute names set on a path.
func (fs *Filesystem) ListXattr(rel string) ([]string, error) {
	full, done, err := fs.xattrPath(rel)
	if err != nil {
		return nil, err
	}
	defer done()

	size, err := unix.Listxattr(full, nil)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	buf := make([]byte, size)
	n, err := unix.Listxattr(full, buf)
	if err != nil {
		return nil, err
	}
	return splitXattrNames(buf[:n]), nil
}

// GetXattr returns the value of a single extended attribute.
func (fs *Filesystem) GetXattr(rel, name string) ([]byte, error) {
	full, done, err := fs.xattrPath(rel)
	if err != nil {
		return nil, err
	}
	defer done()

	size, err := unix.Getxattr(full, name, nil)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	buf := make([]byte, size)
	n, err := unix.Getxattr(full, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// SetXattr sets an extended attribute on a path.
func (fs *Filesystem) SetXattr(rel, name string, data []byte, flags int) error {
	full, done, err := fs.xattrPath(rel)
	if err != nil {
		return err
	}
	defer done()
	return unix.Setxattr(full, name, data, flags)
}

// RemoveXattr removes an extended attribute from a path.
func (fs *Filesystem) RemoveXattr(rel, name string) error {
	full, done, err := fs.xattrPath(rel)
	if err != nil {
		return err
	}
	defer done()
	return unix.Removexattr(full, name)
}

// splitXattrNames splits the NUL-separated name list unix.Listxattr fills
// into individual strings.
func splitXattrNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
