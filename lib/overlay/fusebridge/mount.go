// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fusebridge

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ckennelly/asymmetricfs/lib/overlay"
)

// Options configures a FUSE mount of an overlay.Filesystem.
type Options struct {
	// Filesystem is the already-constructed overlay to expose. Required.
	Filesystem *overlay.Filesystem

	// Mountpoint is the directory the filesystem is mounted onto.
	// Required; created if it does not already exist.
	Mountpoint string

	// FsName and Name label the mount for tools like mount(8) and
	// /proc/mounts. FsName defaults to "asymmetricfs".
	FsName string
	Name   string

	// AllowOther permits users other than the mount's owner to access
	// it, passed through to the kernel as the allow_other mount option.
	AllowOther bool

	// Logger is accepted alongside the other options; Mount does not pass
	// it to the FUSE server, so go-fuse's own diagnostics do not go to it.
	Logger *slog.Logger
}

var defaultTimeout = time.Second

// Mount starts serving opts.Filesystem at opts.Mountpoint and returns the
// running *fuse.Server. Callers are responsible for calling Unmount (or
// Wait) on the returned server.
func Mount(opts Options) (*fuse.Server, error) {
	if opts.Filesystem == nil {
		return nil, fmt.Errorf("fusebridge: Filesystem is required")
	}
	if opts.Mountpoint == "" {
		return nil, fmt.Errorf("fusebridge: Mountpoint is required")
	}

	fsName := opts.FsName
	if fsName == "" {
		fsName = "asymmetricfs"
	}

	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("fusebridge: create mountpoint: %w", err)
	}

	root := newNode(opts.Filesystem)

	server, err := fs.Mount(opts.Mountpoint, root, &fs.Options{
		EntryTimeout:    &defaultTimeout,
		AttrTimeout:     &defaultTimeout,
		NegativeTimeout: &defaultTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     fsName,
			Name:       opts.Name,
			AllowOther: opts.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fusebridge: mount: %w", err)
	}
	return server, nil
}
