// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pagebuffer

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// maxZeroScratch caps the size of the reusable zeroed allocation used to
// splice gaps between regions. A single allocation this size is reused and
// looped over rather than sized to the largest possible gap.
const maxZeroScratch = 1 << 20 // 1 MiB

var (
	zeroScratchOnce  sync.Once
	zeroScratchAlloc *Allocation
	zeroScratchErr   error
)

func zeroScratch() (*Allocation, error) {
	zeroScratchOnce.Do(func() {
		zeroScratchAlloc, zeroScratchErr = NewAllocation(maxZeroScratch, 0)
	})
	return zeroScratchAlloc, zeroScratchErr
}

// vmsplice moves p into the pipe or device backing fd without copying,
// via the vmsplice(2) syscall. golang.org/x/sys/unix exposes the syscall
// number and unix.Iovec but does not wrap vmsplice itself, so it is invoked
// directly through Syscall6.
func vmsplice(fd int, p []byte, flags int) (int64, error) {
	if len(p) == 0 {
		return 0, nil
	}

	iov := unix.Iovec{Base: &p[0]}
	iov.SetLen(len(p))

	n, _, errno := unix.Syscall6(unix.SYS_VMSPLICE, uintptr(fd),
		uintptr(unsafe.Pointer(&iov)), 1, uintptr(flags), 0, 0)
	if errno != 0 {
		return int64(n), errno
	}
	return int64(n), nil
}

// zeroSplice writes size zero bytes to fd, looping the reusable zero
// scratch allocation via vmsplice as many times as needed.
func zeroSplice(fd int, size int64, flags int) (int64, error) {
	scratch, err := zeroScratch()
	if err != nil {
		return 0, err
	}

	var written int64
	for written < size {
		chunk := size - written
		if chunk > int64(scratch.Size()) {
			chunk = int64(scratch.Size())
		}
		n, err := vmsplice(fd, scratch.Bytes()[:chunk], flags)
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			break
		}
	}
	return written, nil
}
