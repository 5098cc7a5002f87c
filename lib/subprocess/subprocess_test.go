// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subprocess

import (
	"bytes"
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
)

func TestOutputEchoesStdin(t *testing.T) {
	out, err := Output(context.Background(), "cat", nil, strings.NewReader("hello, asymmetricfs"))
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if string(out) != "hello, asymmetricfs" {
		t.Fatalf("Output() = %q, want %q", out, "hello, asymmetricfs")
	}
}

func TestOutputNilStdinUsesNullDevice(t *testing.T) {
	out, err := Output(context.Background(), "cat", nil, nil)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("Output() = %q, want empty", out)
	}
}

func TestRunOnlyStandardDescriptorsSurviveExec(t *testing.T) {
	extra, err := os.Open("/dev/null")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer extra.Close()
	leaked := strconv.Itoa(int(extra.Fd()))

	var stdout bytes.Buffer
	if err := Run(context.Background(), "ls", []string{"/proc/self/fd"}, nil, &stdout); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, field := range strings.Fields(stdout.String()) {
		n, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		if field == leaked {
			t.Fatalf("child inherited parent fd %s beyond stdin/stdout/stderr: %s", leaked, stdout.String())
		}
		// fd 3 is ls's own descriptor for reading the /proc/self/fd
		// directory it was asked to list; anything higher would be a
		// real leak from the parent.
		if n > 3 {
			t.Fatalf("child fd %d exceeds stdin/stdout/stderr plus its own directory read: %s", n, stdout.String())
		}
	}
}

func TestRunFailureIncludesStderr(t *testing.T) {
	err := Run(context.Background(), "sh", []string{"-c", "echo boom >&2; exit 3"}, nil, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error from nonzero exit")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("error %q does not include child stderr", err)
	}
}
