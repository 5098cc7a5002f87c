// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pagebuffer

import (
	"sort"

	"golang.org/x/sys/unix"

	"github.com/ckennelly/asymmetricfs/lib/memlock"
)

// region pairs a page-aligned Allocation with the byte offset of its first
// page. regions are kept in a slice sorted ascending by base; lookups use
// sort.Search rather than a tree.
type region struct {
	base  int64
	alloc *Allocation
}

// Buffer is a sparse, page-aligned byte buffer. Bytes within the logical
// size that fall outside any allocated region read as zero; Buffer
// allocates backing memory lazily, only for the ranges actually written.
type Buffer struct {
	policy  memlock.Policy
	regions []region
	size    int64
}

// NewBuffer returns an empty Buffer that allocates pages under policy.
func NewBuffer(policy memlock.Policy) *Buffer {
	return &Buffer{policy: policy}
}

// Size reports the buffer's logical size in bytes.
func (b *Buffer) Size() int64 {
	return b.size
}

// Close releases every backing allocation. The Buffer must not be used
// afterward.
func (b *Buffer) Close() error {
	var first error
	for _, r := range b.regions {
		if err := r.alloc.Close(); err != nil && first == nil {
			first = err
		}
	}
	b.regions = nil
	b.size = 0
	return first
}

// Clear releases every backing allocation and resets the logical size to
// zero, without freeing the Buffer itself for reuse.
func (b *Buffer) Clear() error {
	return b.Close()
}

// predecessorIndex returns the index of the last region whose base is <=
// key, or -1 if no such region exists.
func (b *Buffer) predecessorIndex(key int64) int {
	idx := sort.Search(len(b.regions), func(i int) bool {
		return b.regions[i].base > key
	})
	return idx - 1
}

// Resize changes the logical size of the buffer. Growing exposes
// newly-addressable zero bytes without allocating; shrinking releases any
// regions that start at or beyond the new size, while the region (if any)
// straddling the new boundary stays allocated with its bytes past the new
// size zeroed, so a later grow reads them back as zero.
func (b *Buffer) Resize(n int64) error {
	if n < 0 {
		n = 0
	}
	if n >= b.size {
		b.size = n
		return nil
	}

	// Drop regions that start at or beyond the new size.
	cut := sort.Search(len(b.regions), func(i int) bool {
		return b.regions[i].base >= n
	})
	var first error
	for i := cut; i < len(b.regions); i++ {
		if err := b.regions[i].alloc.Close(); err != nil && first == nil {
			first = err
		}
	}
	b.regions = b.regions[:cut]
	if cut > 0 {
		r := b.regions[cut-1]
		if end := r.base + int64(r.alloc.Size()); end > n {
			zero(r.alloc.Bytes()[n-r.base:])
		}
	}
	b.size = n
	return first
}

// Read copies up to len(dst) bytes starting at offset into dst, returning
// the number of bytes copied. Bytes at or beyond the logical size are not
// copied; gaps between regions within range read as zero.
func (b *Buffer) Read(dst []byte, offset int64) int {
	if offset < 0 || offset >= b.size || len(dst) == 0 {
		return 0
	}

	want := int64(len(dst))
	if avail := b.size - offset; want > avail {
		want = avail
	}

	var position int64
	idx := b.predecessorIndex(roundDownToPage(offset))
	if idx < 0 {
		idx = 0
	}

	for ; idx < len(b.regions) && position < want; idx++ {
		r := b.regions[idx]
		regionEnd := r.base + int64(r.alloc.Size())
		if regionEnd <= offset+position {
			continue
		}
		if r.base > offset+position {
			gap := r.base - (offset + position)
			if gap > want-position {
				gap = want - position
			}
			zero(dst[position : position+gap])
			position += gap
			if position >= want {
				break
			}
		}

		internalOffset := offset + position - r.base
		n := int64(r.alloc.Size()) - internalOffset
		if remain := want - position; n > remain {
			n = remain
		}
		copy(dst[position:position+n], r.alloc.Bytes()[internalOffset:internalOffset+n])
		position += n
	}

	if position < want {
		zero(dst[position:want])
		position = want
	}
	return int(position)
}

// Write copies src into the buffer at offset, allocating new pages as
// needed and growing the logical size if the write extends past it.
func (b *Buffer) Write(src []byte, offset int64) error {
	if offset < 0 {
		return unix.EINVAL
	}

	n := int64(len(src))
	var position int64

	for position < n {
		base := roundDownToPage(offset + position)

		idx, err := b.regionAt(base, offset+position, n-position)
		if err != nil {
			return err
		}

		r := &b.regions[idx]
		internalOffset := offset + position - r.base
		length := int64(r.alloc.Size()) - internalOffset
		if remain := n - position; length > remain {
			length = remain
		}

		copy(r.alloc.Bytes()[internalOffset:internalOffset+length], src[position:position+length])
		position += length

		if offset+position > b.size {
			b.size = offset + position
		}
	}

	return nil
}

// regionAt returns the index of the region covering base, allocating a new
// one if none exists. The new allocation spans from base up to the next
// already-existing region's base, or far enough to cover the remainder of
// the pending write (remaining bytes starting at writeOffset), whichever
// comes first.
func (b *Buffer) regionAt(base, writeOffset, remaining int64) (int, error) {
	if idx := b.predecessorIndex(base); idx >= 0 {
		r := b.regions[idx]
		if r.base <= writeOffset && writeOffset < r.base+int64(r.alloc.Size()) {
			return idx, nil
		}
	}

	insertAt := sort.Search(len(b.regions), func(i int) bool {
		return b.regions[i].base > base
	})

	end := roundUpToPage(writeOffset + remaining)
	if insertAt < len(b.regions) && b.regions[insertAt].base < end {
		end = b.regions[insertAt].base
	}

	alloc, err := NewAllocation(int(end-base), b.policy)
	if err != nil {
		return 0, err
	}

	b.regions = append(b.regions, region{})
	copy(b.regions[insertAt+1:], b.regions[insertAt:])
	b.regions[insertAt] = region{base: base, alloc: alloc}
	return insertAt, nil
}

// Splice writes the buffer's full logical contents to fd using vmsplice for
// whole pages backed by a region (or zero-filled gaps, spliced from a
// reusable scratch allocation) and an ordinary write for the final partial
// page. flags are passed through to the underlying vmsplice calls (e.g.
// unix.SPLICE_F_MOVE).
func (b *Buffer) Splice(fd int, flags int) (int64, error) {
	var written int64
	fullPages := roundDownToPage(b.size)

	idx := 0
	for pos := int64(0); pos < fullPages; {
		// Advance to the region (if any) covering pos.
		for idx < len(b.regions) && b.regions[idx].base+int64(b.regions[idx].alloc.Size()) <= pos {
			idx++
		}

		if idx < len(b.regions) && b.regions[idx].base <= pos {
			r := b.regions[idx]
			end := r.base + int64(r.alloc.Size())
			if end > fullPages {
				end = fullPages
			}
			n, err := vmsplice(fd, r.alloc.Bytes()[pos-r.base:end-r.base], flags)
			written += n
			pos += n
			if err != nil {
				return written, err
			}
			continue
		}

		// Gap: splice zeroed pages from scratch, in page-sized chunks.
		gapEnd := fullPages
		if idx < len(b.regions) {
			gapEnd = b.regions[idx].base
			if gapEnd > fullPages {
				gapEnd = fullPages
			}
		}
		n, err := zeroSplice(fd, gapEnd-pos, flags)
		written += n
		pos += n
		if err != nil {
			return written, err
		}
	}

	if fullPages < b.size {
		tail := make([]byte, b.size-fullPages)
		b.Read(tail, fullPages)
		n, err := unix.Write(fd, tail)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
