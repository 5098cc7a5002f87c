// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subprocess

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Run executes path with args, writing stdin to the child's standard input
// (or connecting it to the null device if stdin is nil) and copying the
// child's standard output to stdout as it arrives. If stdin is an *os.File,
// exec wires it directly into the child without an intermediate pipe,
// which is how callers get the zero-copy stdin path lib/openfile uses
// (through lib/gpgcrypt) when decrypting a backing file that holds exactly
// one armored block.
//
// A nonzero exit status is reported as an error that includes the child's
// captured standard error.
func Run(ctx context.Context, path string, args []string, stdin io.Reader, stdout io.Writer) error {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("subprocess: %s: %w (stderr: %s)", path, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// Output runs path with args and returns everything it wrote to standard
// output. It is a convenience wrapper over Run for callers that want the
// child's entire output buffered rather than streamed.
func Output(ctx context.Context, path string, args []string, stdin io.Reader) ([]byte, error) {
	var stdout bytes.Buffer
	if err := Run(ctx, path, args, stdin, &stdout); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}
