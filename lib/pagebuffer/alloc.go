// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pagebuffer

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ckennelly/asymmetricfs/lib/memlock"
)

// pageSize is resolved once at process start, mirroring the C++
// implementation's sysconf(_SC_PAGESIZE) call in page_buffer's constructor.
var pageSize = unix.Getpagesize()

// Allocation is a contiguous, page-aligned region of anonymous memory
// obtained directly from the OS via mmap, optionally locked against swap.
// It is move-only in spirit: callers pass around the *Allocation pointer
// rather than copying its contents, and must call Close exactly once when
// the region is no longer needed.
type Allocation struct {
	data []byte
}

// NewAllocation allocates size bytes of anonymous, read/write memory. size
// must be a positive multiple of the system page size. When policy locks
// per-allocation (memlock.Buffers), the region is mlock'd before return;
// a locking failure is reported as an out-of-memory condition and the
// mapping is released before returning.
func NewAllocation(size int, policy memlock.Policy) (*Allocation, error) {
	if size <= 0 || !isPageMultiple(int64(size)) {
		return nil, fmt.Errorf("pagebuffer: allocation size %d is not a positive multiple of the page size %d", size, pageSize)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("pagebuffer: out of memory: mmap failed: %w", err)
	}

	if policy.LocksPerAllocation() {
		if err := unix.Mlock(data); err != nil {
			_ = unix.Munmap(data)
			return nil, fmt.Errorf("pagebuffer: out of memory: mlock failed: %w", err)
		}
	}

	return &Allocation{data: data}, nil
}

// Bytes returns the allocation's backing memory. The returned slice is
// valid only for the lifetime of the Allocation.
func (a *Allocation) Bytes() []byte {
	return a.data
}

// Size returns the allocation's size in bytes.
func (a *Allocation) Size() int {
	return len(a.data)
}

// Close releases the allocation's memory back to the OS. Safe to call at
// most once; the Allocation must not be used afterward.
func (a *Allocation) Close() error {
	if a.data == nil {
		return nil
	}
	data := a.data
	a.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("pagebuffer: munmap failed: %w", err)
	}
	return nil
}

func roundDownToPage(n int64) int64 {
	p := int64(pageSize)
	return n &^ (p - 1)
}

func roundUpToPage(n int64) int64 {
	p := int64(pageSize)
	return (n + p - 1) &^ (p - 1)
}

func isPageMultiple(n int64) bool {
	return roundDownToPage(n) == n
}
