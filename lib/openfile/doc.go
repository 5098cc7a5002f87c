// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package openfile tracks the decrypted state of a single regular file
// while it has one or more outstanding FUSE handles.
//
// A State is created the first time a path is opened and shared by every
// subsequent open of the same path until the last handle is released, so
// that concurrent readers and writers against one file see the same
// decrypted buffer rather than decrypting it once per handle. It loads its
// plaintext lazily (on first read, write, or truncate) and re-encrypts it
// back to the backing file only when dirty.
package openfile
