// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pagebuffer implements a sparse, page-aligned in-memory
// representation of a file's plaintext contents.
//
// A Buffer holds an ordered set of page-aligned Allocations, each a
// mmap-backed, optionally mlock'd region outside the Go heap so it can be
// released deterministically rather than waiting on the garbage collector.
// Reads and writes address the buffer by exact byte offset; gaps between
// allocations, and bytes below the logical size but above the highest
// allocation, read as zero.
//
// Buffer is not safe for concurrent use; callers (lib/openfile, lib/overlay)
// serialize access with their own locking.
package pagebuffer
