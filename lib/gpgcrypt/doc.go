// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gpgcrypt drives an external gpg-compatible binary to encrypt and
// decrypt file contents, and to validate that a recipient identifier
// actually names a key the binary can encrypt to.
//
// All interaction with the binary goes through lib/subprocess; this
// package is responsible only for the argument lists and armor framing
// gpg expects, not for process plumbing.
package gpgcrypt
