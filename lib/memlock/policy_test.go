// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memlock

import "testing"

func TestPolicySetString(t *testing.T) {
	cases := []struct {
		input string
		want  Policy
	}{
		{"all", All},
		{"buffers", Buffers},
		{"none", None},
	}

	for _, c := range cases {
		var p Policy
		if err := p.Set(c.input); err != nil {
			t.Fatalf("Set(%q) failed: %v", c.input, err)
		}
		if p != c.want {
			t.Errorf("Set(%q) = %v, want %v", c.input, p, c.want)
		}
		if p.String() != c.input {
			t.Errorf("String() = %q, want %q", p.String(), c.input)
		}
	}
}

func TestPolicySetInvalid(t *testing.T) {
	var p Policy
	if err := p.Set("bogus"); err == nil {
		t.Fatal("expected error for invalid policy")
	}
}

func TestLocksPerAllocation(t *testing.T) {
	if !Buffers.LocksPerAllocation() {
		t.Error("Buffers policy should lock per allocation")
	}
	if All.LocksPerAllocation() {
		t.Error("All policy should not lock per allocation (mlockall covers it)")
	}
	if None.LocksPerAllocation() {
		t.Error("None policy should not lock per allocation")
	}
}
