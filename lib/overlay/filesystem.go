// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ckennelly/asymmetricfs/lib/memlock"
	"github.com/ckennelly/asymmetricfs/lib/openfile"
)

// Handle identifies one open file or directory handle. Handles are
// allocated from a monotonic counter and never reused within the lifetime
// of a Filesystem, so a stale handle can always be recognized rather than
// accidentally aliasing a newer one.
type Handle uint64

// Options configures a Filesystem.
type Options struct {
	// Root is the backing directory that holds the (encrypted) tree the
	// Filesystem presents decrypted.
	Root string

	// ReadWrite selects whether the overlay permits plaintext reads
	// (--rw) or only accepts writes without ever exposing plaintext back
	// through a read (--wo).
	ReadWrite bool

	// Tool encrypts and decrypts regular file content. Required.
	Tool openfile.Cryptor

	// MemoryLock controls how aggressively decrypted page buffers are
	// locked against swap.
	MemoryLock memlock.Policy

	// Logger receives diagnostic output. Defaults to a stderr text
	// handler at slog.LevelError.
	Logger *slog.Logger
}

// handleEntry is the per-open-call record for a regular file. Several
// handleEntry values may point at the same *openfile.State when a path is
// opened more than once concurrently.
type handleEntry struct {
	path     string
	state    *openfile.State
	readable bool
	writable bool
}

// dirEntry is the per-open-call record for a directory handle.
type dirEntry struct {
	f *os.File
}

// Filesystem implements the encrypted overlay's operations against Root.
// All exported methods are safe for concurrent use.
type Filesystem struct {
	rootPath  string
	rootFd    int
	readWrite bool
	tool      openfile.Cryptor
	policy    memlock.Policy
	logger    *slog.Logger

	mu         sync.Mutex
	nextHandle uint64
	paths      map[string]*openfile.State
	handles    map[Handle]*handleEntry
	dirHandles map[Handle]*dirEntry
}

// New constructs a Filesystem rooted at opts.Root. The root directory is
// opened once, with O_DIRECTORY, and every subsequent operation resolves
// its path relative to that descriptor with an *at syscall rather than by
// re-joining and re-walking a string path — if Root is renamed or
// replaced out from under the mount, already-open handles keep resolving
// against the original directory instead of silently following the new
// one into whatever now occupies that name.
func New(opts Options) (*Filesystem, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("overlay: Root is required")
	}
	if opts.Tool == nil {
		return nil, fmt.Errorf("overlay: Tool is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}

	root := filepath.Clean(opts.Root)
	rootFd, err := unix.Open(root, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("overlay: open root: %w", err)
	}

	return &Filesystem{
		rootPath:   root,
		rootFd:     rootFd,
		readWrite:  opts.ReadWrite,
		tool:       opts.Tool,
		policy:     opts.MemoryLock,
		logger:     logger,
		paths:      make(map[string]*openfile.State),
		handles:    make(map[Handle]*handleEntry),
		dirHandles: make(map[Handle]*dirEntry),
	}, nil
}

// ReadWrite reports whether the overlay was constructed in --rw mode.
func (fs *Filesystem) ReadWrite() bool {
	return fs.readWrite
}

// Close releases the root directory descriptor. It must be called once,
// after every open handle has been released.
func (fs *Filesystem) Close() error {
	return unix.Close(fs.rootFd)
}

// relname maps the empty path FUSE uses for the mount's root node to "."
// and leaves every other relative path untouched, for use as the second
// argument to an *at syscall against fs.rootFd.
func relname(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}

func (fs *Filesystem) allocHandle() Handle {
	fs.nextHandle++
	return Handle(fs.nextHandle)
}

// errno maps an error returned by the standard library or lib/openfile to
// the syscall.Errno a FUSE operation must return, matching the C ABI
// go-fuse expects at its boundary.
func errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var e syscall.Errno
	if errors.As(err, &e) {
		return e
	}
	var pe *os.PathError
	if errors.As(err, &pe) {
		if e, ok := pe.Err.(syscall.Errno); ok {
			return e
		}
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		if e, ok := le.Err.(syscall.Errno); ok {
			return e
		}
	}
	return syscall.EIO
}

// Errno exposes errno mapping to callers outside the package, primarily
// lib/overlay/fusebridge.
func Errno(err error) syscall.Errno {
	return errno(err)
}

// openBacking opens rel relative to fs.rootFd, reporting whether the file
// held no content at the moment it was opened. It is first attempted
// read-write, since the encrypt-on-close flow needs to read back the
// current ciphertext to overwrite it; on EACCES (a write-only-permissioned
// backing directory, for example) it retries with fallbackFlags, the
// caller's originally requested access mode.
func (fs *Filesystem) openBacking(rel string, fallbackFlags int) (*os.File, bool, error) {
	fd, err := syscall.Openat(fs.rootFd, relname(rel), syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err == syscall.EACCES {
		fd, err = syscall.Openat(fs.rootFd, relname(rel), fallbackFlags|syscall.O_CLOEXEC, 0)
	}
	if err != nil {
		return nil, false, err
	}

	var st syscall.Stat_t
	empty := false
	if err := syscall.Fstat(fd, &st); err == nil {
		empty = st.Size == 0
	}
	return os.NewFile(uintptr(fd), rel), empty, nil
}

// Open opens an existing regular file. If another handle already has the
// same path open, the two handles share the same decrypted State.
//
// In write-only mode, read access is granted only if the file held no
// content at the moment it was opened (i.e. the shared State's buffer
// started empty) — opening a pre-existing ciphertext file for read-write
// in --wo mode must never let a later Read decrypt content the mount
// never wrote itself.
func (fs *Filesystem) Open(ctx context.Context, rel string, flags int) (Handle, error) {
	accmode := flags & syscall.O_ACCMODE
	wantRead := accmode == syscall.O_RDONLY || accmode == syscall.O_RDWR
	wantWrite := accmode == syscall.O_WRONLY || accmode == syscall.O_RDWR

	if !fs.readWrite && wantRead && !wantWrite {
		return 0, syscall.EACCES
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, ok := fs.paths[rel]
	if !ok {
		file, empty, err := fs.openBacking(rel, accmode)
		if err != nil {
			return 0, err
		}
		state = openfile.New(file, fs.tool, fs.policy, true, empty, flags)
		fs.paths[rel] = state
	}
	state.Ref()

	readable := wantRead
	if !fs.readWrite {
		readable = readable && state.EmptyAtOpen()
	}

	h := fs.allocHandle()
	fs.handles[h] = &handleEntry{path: rel, state: state, readable: readable, writable: wantWrite}
	return h, nil
}

// Create creates a new regular file, forcing O_EXCL since asymmetricfs has
// no concept of truncating an existing encrypted file open-for-create
// without first decrypting it, and returns a handle to it.
func (fs *Filesystem) Create(ctx context.Context, rel string, flags int, mode os.FileMode) (Handle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	accmode := flags & syscall.O_ACCMODE
	perm := uint32(mode.Perm())
	fd, err := syscall.Openat(fs.rootFd, relname(rel), syscall.O_RDWR|syscall.O_CREAT|syscall.O_EXCL|syscall.O_CLOEXEC, perm)
	if err == syscall.EACCES {
		fd, err = syscall.Openat(fs.rootFd, relname(rel), accmode|syscall.O_CREAT|syscall.O_EXCL|syscall.O_CLOEXEC, perm)
	}
	if err != nil {
		return 0, err
	}
	file := os.NewFile(uintptr(fd), rel)

	state := openfile.New(file, fs.tool, fs.policy, true, true, flags|syscall.O_CREAT)
	state.Ref()
	fs.paths[rel] = state

	h := fs.allocHandle()
	fs.handles[h] = &handleEntry{path: rel, state: state, readable: accmode != syscall.O_WRONLY, writable: true}
	return h, nil
}

// Read copies up to len(dst) decrypted bytes at offset into dst.
func (fs *Filesystem) Read(ctx context.Context, h Handle, dst []byte, offset int64) (int, error) {
	he, err := fs.lookupHandle(h)
	if err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, syscall.EINVAL
	}
	if !he.readable {
		return 0, syscall.EACCES
	}
	return he.state.ReadAt(ctx, dst, offset)
}

// Write writes src into the decrypted buffer at offset.
func (fs *Filesystem) Write(ctx context.Context, h Handle, src []byte, offset int64) (int, error) {
	he, err := fs.lookupHandle(h)
	if err != nil {
		return 0, err
	}
	if !he.writable {
		return 0, syscall.EACCES
	}
	if err := he.state.WriteAt(ctx, src, offset); err != nil {
		return 0, err
	}
	return len(src), nil
}

// Ftruncate resizes the file referenced by an open handle and flushes the
// change to the backing file immediately. A non-zero size in write-only
// mode is refused: growing or shrinking to a specific length other than
// zero requires knowing the current plaintext length, which --wo must
// not expose.
func (fs *Filesystem) Ftruncate(ctx context.Context, h Handle, size int64) error {
	he, err := fs.lookupHandle(h)
	if err != nil {
		return err
	}
	if !he.writable {
		return syscall.EACCES
	}
	if size > 0 && !fs.readWrite {
		return syscall.EACCES
	}
	if err := he.state.Truncate(ctx, size); err != nil {
		return err
	}
	return he.state.Flush(ctx)
}

// Truncate resizes a file by path, whether or not it is currently open.
// See Ftruncate for the write-only, non-zero-size restriction.
func (fs *Filesystem) Truncate(ctx context.Context, rel string, size int64) error {
	if size > 0 && !fs.readWrite {
		return syscall.EACCES
	}

	fs.mu.Lock()
	state, shared := fs.paths[rel]
	if !shared {
		file, empty, err := fs.openBacking(rel, syscall.O_RDWR)
		if err != nil {
			fs.mu.Unlock()
			return err
		}
		state = openfile.New(file, fs.tool, fs.policy, true, empty, syscall.O_RDWR)
	}
	fs.mu.Unlock()

	err := state.Truncate(ctx, size)
	if err == nil {
		err = state.Flush(ctx)
	}
	if !shared {
		if closeErr := state.Close(ctx); err == nil {
			err = closeErr
		}
	}
	return err
}

// Flush persists any pending changes on h without releasing it. FUSE calls
// this once per close(2) of a duplicated descriptor, so it may run more
// than once for a single handle.
func (fs *Filesystem) Flush(ctx context.Context, h Handle) error {
	he, err := fs.lookupHandle(h)
	if err != nil {
		return err
	}
	return he.state.Flush(ctx)
}

// Fsync persists any pending changes on h. asymmetricfs has no separate
// durability story for encrypted content beyond re-encrypting it, so this
// behaves the same as Flush.
func (fs *Filesystem) Fsync(ctx context.Context, h Handle) error {
	return fs.Flush(ctx, h)
}

// Release closes a handle. The shared State is only flushed and closed
// once the last handle referencing it is released.
func (fs *Filesystem) Release(ctx context.Context, h Handle) error {
	fs.mu.Lock()
	he, ok := fs.handles[h]
	if !ok {
		fs.mu.Unlock()
		return syscall.EBADF
	}
	delete(fs.handles, h)

	remaining := he.state.Unref()
	var drained *openfile.State
	if remaining == 0 {
		drained = he.state
		if fs.paths[he.path] == he.state {
			delete(fs.paths, he.path)
		}
	}
	fs.mu.Unlock()

	if drained != nil {
		return drained.Close(ctx)
	}
	return nil
}

func (fs *Filesystem) lookupHandle(h Handle) (*handleEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	he, ok := fs.handles[h]
	if !ok {
		return nil, syscall.EBADF
	}
	return he, nil
}
