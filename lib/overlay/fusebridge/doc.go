// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fusebridge adapts a lib/overlay.Filesystem to go-fuse/v2's
// high-level fs API, using its InodeEmbedder/NodeLookuper/FileHandle
// conventions.
//
// There is exactly one node type. Every directory and file the overlay
// presents is represented by the same overlayNode; its logical path is
// recomputed on demand via Inode.Path rather than stored and kept in sync
// by hand, the structure a loopback-shaped filesystem (rather than a
// fixed content-addressed tree) needs.
package fusebridge
