// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package subprocess runs an external command and exchanges a single
// buffer of data with it over its standard input and standard output,
// mirroring the request/response shape lib/gpgcrypt needs when driving a
// gpg-compatible binary: write a plaintext or ciphertext buffer to the
// child's stdin, read its emitted buffer back from stdout, and learn its
// exit status.
//
// It is built on os/exec rather than a raw fork/exec pair; Go's exec
// package already gives a close-on-exec guarantee, so no other descriptor
// leaks into the child.
package subprocess
