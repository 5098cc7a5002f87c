// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memlock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Policy selects how aggressively plaintext page allocations are locked
// against swap. The zero value is None.
type Policy int

const (
	// None performs no memory locking.
	None Policy = iota

	// Buffers locks each page allocation individually (mlock) as it is
	// created.
	Buffers

	// All applies a single process-wide mlockall at startup and performs
	// no further per-allocation locking.
	All
)

// String implements fmt.Stringer and pflag.Value.
func (p Policy) String() string {
	switch p {
	case All:
		return "all"
	case Buffers:
		return "buffers"
	case None:
		return "none"
	default:
		return "none"
	}
}

// Type implements pflag.Value so Policy can be bound directly to a flag.
func (p Policy) Type() string {
	return "memlock.Policy"
}

// Set implements pflag.Value.
func (p *Policy) Set(value string) error {
	switch value {
	case "all":
		*p = All
	case "buffers":
		*p = Buffers
	case "none":
		*p = None
	default:
		return fmt.Errorf("memlock: invalid policy %q (want all, buffers, or none)", value)
	}
	return nil
}

// LocksPerAllocation reports whether individual page allocations under this
// policy should be mlock'd at creation time.
func (p Policy) LocksPerAllocation() bool {
	return p == Buffers
}

// LockAll applies mlockall(MCL_CURRENT|MCL_FUTURE) for the All policy. It is
// a startup action performed once by the outer program (cmd/asymmetricfs),
// never by lib/pagebuffer itself, matching the process-wide nature of
// mlockall versus the per-allocation nature of mlock.
func LockAll() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("memlock: mlockall failed: %w", err)
	}
	return nil
}
