// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package overlay implements the encrypted filesystem's operations against
// a plain backing directory, independent of any particular FUSE binding.
// lib/overlay/fusebridge adapts a Filesystem to go-fuse's high-level node
// API; tests and other callers can drive the same Filesystem directly.
//
// A Filesystem mirrors the backing directory's tree: every directory and
// symlink name it holds matches a corresponding entry in the backing
// directory. Device, fifo, and socket entries of the backing directory are
// left out of directory listings. Regular files are the
// exception — their backing content is an ASCII-armored encrypted
// representation of the plaintext the overlay presents, decrypted and
// re-encrypted through lib/openfile.State on demand.
package overlay
