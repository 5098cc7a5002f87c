// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/ckennelly/asymmetricfs/lib/memlock"
)

// fakeTool stands in for gpgcrypt.Tool, marking encrypted content with a
// prefix instead of shelling out to a real gpg binary.
type fakeTool struct{}

func (fakeTool) Encrypt(ctx context.Context, src io.Reader, dst io.Writer) error {
	if _, err := dst.Write([]byte("ENC:")); err != nil {
		return err
	}
	_, err := io.Copy(dst, src)
	return err
}

func (fakeTool) Decrypt(ctx context.Context, src io.Reader, dst io.Writer) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(data, []byte("ENC:")) {
		return fmt.Errorf("fakeTool: not encrypted")
	}
	_, err = dst.Write(data[len("ENC:"):])
	return err
}

func newTestFilesystem(t *testing.T, readWrite bool) *Filesystem {
	t.Helper()
	fs, err := New(Options{Root: t.TempDir(), ReadWrite: readWrite, Tool: fakeTool{}, MemoryLock: memlock.None})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fs
}

func TestCreateWriteReleaseReopenRead(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t, true)

	h, err := fs.Create(ctx, "greeting.txt", os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.Write(ctx, h, []byte("hello"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fs.Release(ctx, h); err != nil {
		t.Fatalf("Release: %v", err)
	}

	onDisk, err := os.ReadFile(filepath.Join(fs.rootPath, "greeting.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(onDisk) != "ENC:hello" {
		t.Fatalf("on-disk content = %q, want %q", onDisk, "ENC:hello")
	}

	h2, err := fs.Open(ctx, "greeting.txt", os.O_RDONLY)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fs.Release(ctx, h2)

	dst := make([]byte, 5)
	n, err := fs.Read(ctx, h2, dst, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(dst[:n]) != "hello" {
		t.Fatalf("Read = %q, want %q", dst[:n], "hello")
	}
}

func TestOpenSharesStateAcrossHandles(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t, true)

	h1, err := fs.Create(ctx, "shared.txt", os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.Write(ctx, h1, []byte("first"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	h2, err := fs.Open(ctx, "shared.txt", os.O_RDONLY)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	dst := make([]byte, 5)
	n, err := fs.Read(ctx, h2, dst, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(dst[:n]) != "first" {
		t.Fatalf("Read via second handle = %q, want %q (state should be shared before flush)", dst[:n], "first")
	}

	if err := fs.Release(ctx, h2); err != nil {
		t.Fatalf("Release h2: %v", err)
	}
	if err := fs.Release(ctx, h1); err != nil {
		t.Fatalf("Release h1: %v", err)
	}
}

func TestWriteOnlyFilesystemDeniesRead(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t, false)

	h, err := fs.Create(ctx, "secret.txt", os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer fs.Release(ctx, h)

	if _, err := fs.Write(ctx, h, []byte("payload"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := fs.Read(ctx, h, make([]byte, 4), 0); err != syscall.EACCES {
		t.Fatalf("Read on write-only handle = %v, want EACCES", err)
	}
}

func TestOpenReadOnlyInWriteOnlyFilesystemIsDenied(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t, false)

	if err := os.WriteFile(filepath.Join(fs.rootPath, "existing.txt"), []byte("ENC:x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := fs.Open(ctx, "existing.txt", os.O_RDONLY); err != syscall.EACCES {
		t.Fatalf("Open(O_RDONLY) on write-only filesystem = %v, want EACCES", err)
	}
}

func TestOpenReadWriteOfPreexistingFileInWriteOnlyFilesystemDeniesRead(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t, false)

	if err := os.WriteFile(filepath.Join(fs.rootPath, "existing.txt"), []byte("ENC:secret"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h, err := fs.Open(ctx, "existing.txt", os.O_RDWR)
	if err != nil {
		t.Fatalf("Open(O_RDWR): %v", err)
	}
	defer fs.Release(ctx, h)

	if _, err := fs.Read(ctx, h, make([]byte, 4), 0); err != syscall.EACCES {
		t.Fatalf("Read of pre-existing file opened O_RDWR in write-only mode = %v, want EACCES", err)
	}
}

func TestOpenReadWriteOfFreshlyCreatedFileInWriteOnlyFilesystemAllowsRead(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t, false)

	h, err := fs.Create(ctx, "fresh.txt", os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer fs.Release(ctx, h)

	if _, err := fs.Write(ctx, h, []byte("hello"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dst := make([]byte, 5)
	n, err := fs.Read(ctx, h, dst, 0)
	if err != nil {
		t.Fatalf("Read back freshly created write-only content: %v", err)
	}
	if string(dst[:n]) != "hello" {
		t.Fatalf("Read = %q, want %q", dst[:n], "hello")
	}
}

func TestOpenFallsBackToRequestedModeOnEACCES(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced against root")
	}

	ctx := context.Background()
	fs := newTestFilesystem(t, true)

	path := filepath.Join(fs.rootPath, "writeonly.txt")
	if err := os.WriteFile(path, []byte("ENC:x"), 0o200); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h, err := fs.Open(ctx, "writeonly.txt", os.O_WRONLY)
	if err != nil {
		t.Fatalf("Open(O_WRONLY) against a write-only-permissioned backing file: %v", err)
	}
	defer fs.Release(ctx, h)

	if _, err := fs.Write(ctx, h, []byte("hello"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestReadNegativeOffsetIsEINVAL(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t, true)

	h, err := fs.Create(ctx, "file.txt", os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer fs.Release(ctx, h)

	if _, err := fs.Read(ctx, h, make([]byte, 4), -1); err != syscall.EINVAL {
		t.Fatalf("Read with negative offset = %v, want EINVAL", err)
	}
}

func TestTruncateNonZeroInWriteOnlyFilesystemIsEACCES(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t, false)

	h, err := fs.Create(ctx, "file.txt", os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer fs.Release(ctx, h)

	if _, err := fs.Write(ctx, h, []byte("0123456789"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := fs.Ftruncate(ctx, h, 4); err != syscall.EACCES {
		t.Fatalf("Ftruncate(4) in write-only mode = %v, want EACCES", err)
	}
	if err := fs.Ftruncate(ctx, h, 0); err != nil {
		t.Fatalf("Ftruncate(0) in write-only mode: %v", err)
	}
	if err := fs.Truncate(ctx, "file.txt", 4); err != syscall.EACCES {
		t.Fatalf("Truncate(4) in write-only mode = %v, want EACCES", err)
	}
}

func TestGetattrInWriteOnlyModeDoesNotDecrypt(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t, false)

	h, err := fs.Create(ctx, "file.txt", os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer fs.Release(ctx, h)

	if _, err := fs.Write(ctx, h, []byte("hello"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	st, err := fs.Fgetattr(ctx, h)
	if err != nil {
		t.Fatalf("Fgetattr: %v", err)
	}
	// The buffer is never flushed here, so the on-disk ciphertext is still
	// empty; a write-only Fgetattr must report that rather than decrypting
	// the dirty in-memory buffer to learn its plaintext length.
	if st.Size != 0 {
		t.Fatalf("Fgetattr.Size = %d, want 0 (write-only mode must not decrypt to stat)", st.Size)
	}
}

func TestGetattrInWriteOnlyModeMasksReadBits(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t, false)

	h, err := fs.Create(ctx, "file.txt", os.O_WRONLY, 0o777)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer fs.Release(ctx, h)

	if err := fs.Chmod("file.txt", 0o777); err != nil {
		t.Fatalf("Chmod: %v", err)
	}

	st, err := fs.Getattr(ctx, "file.txt")
	if err != nil {
		t.Fatalf("Getattr: %v", err)
	}
	if got := st.Mode & 0o777; got != 0o333 {
		t.Fatalf("Getattr.Mode&0777 = %#o, want %#o (no-read mask applied in write-only mode)", got, 0o333)
	}

	st2, err := fs.Fgetattr(ctx, h)
	if err != nil {
		t.Fatalf("Fgetattr: %v", err)
	}
	if got := st2.Mode & 0o777; got != 0o333 {
		t.Fatalf("Fgetattr.Mode&0777 = %#o, want %#o (no-read mask applied in write-only mode)", got, 0o333)
	}
}

func TestAccessAllowsReadOfOpenFreshlyCreatedFileInWriteOnlyMode(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t, false)

	h, err := fs.Create(ctx, "fresh.txt", os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer fs.Release(ctx, h)

	if err := fs.Access("fresh.txt", unix.R_OK); err != nil {
		t.Fatalf("Access(R_OK) on a freshly created, still-open write-only file: %v", err)
	}
}

func TestAccessDeniesReadOfPreexistingFileInWriteOnlyMode(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t, false)

	if err := os.WriteFile(filepath.Join(fs.rootPath, "existing.txt"), []byte("ENC:secret"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := fs.Access("existing.txt", unix.R_OK); err != syscall.EACCES {
		t.Fatalf("Access(R_OK) on an unopened write-only file = %v, want EACCES", err)
	}

	h, err := fs.Open(ctx, "existing.txt", os.O_RDWR)
	if err != nil {
		t.Fatalf("Open(O_RDWR): %v", err)
	}
	defer fs.Release(ctx, h)

	if err := fs.Access("existing.txt", unix.R_OK); err != syscall.EACCES {
		t.Fatalf("Access(R_OK) on a reopened pre-existing write-only file = %v, want EACCES", err)
	}
}

func TestChownToRootIsEPERM(t *testing.T) {
	fs := newTestFilesystem(t, true)

	if _, err := fs.Create(context.Background(), "file.txt", os.O_RDWR, 0o600); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := fs.Chown("file.txt", 0, 1000); err != syscall.EPERM {
		t.Fatalf("Chown(uid=0) = %v, want EPERM", err)
	}
	if err := fs.Chown("file.txt", 1000, 0); err != syscall.EPERM {
		t.Fatalf("Chown(gid=0) = %v, want EPERM", err)
	}
}

func TestTruncateByPathPersistsImmediately(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t, true)

	h, err := fs.Create(ctx, "file.txt", os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.Write(ctx, h, []byte("0123456789"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fs.Release(ctx, h); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if err := fs.Truncate(ctx, "file.txt", 4); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	onDisk, err := os.ReadFile(filepath.Join(fs.rootPath, "file.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(onDisk) != "ENC:0123" {
		t.Fatalf("on-disk content = %q, want %q", onDisk, "ENC:0123")
	}
}

func TestRenameCarriesOpenState(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t, true)

	h, err := fs.Create(ctx, "old.txt", os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.Write(ctx, h, []byte("moved"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := fs.Rename("old.txt", "new.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	dst := make([]byte, 5)
	n, err := fs.Read(ctx, h, dst, 0)
	if err != nil {
		t.Fatalf("Read after rename: %v", err)
	}
	if string(dst[:n]) != "moved" {
		t.Fatalf("Read after rename = %q, want %q", dst[:n], "moved")
	}

	if err := fs.Release(ctx, h); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fs.rootPath, "old.txt")); !os.IsNotExist(err) {
		t.Fatalf("old path still exists after rename: %v", err)
	}
}

func TestLinkAlwaysEPERM(t *testing.T) {
	fs := newTestFilesystem(t, true)
	if err := fs.Link("a", "b"); err != syscall.EPERM {
		t.Fatalf("Link() = %v, want EPERM", err)
	}
}

func TestReaddirSkipsEntriesAndIncludesDirs(t *testing.T) {
	fs := newTestFilesystem(t, true)
	if err := fs.Mkdir("sub", 0o700); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(fs.rootPath, "file.txt"), []byte("ENC:x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := syscall.Mkfifo(filepath.Join(fs.rootPath, "pipe"), 0o600); err != nil {
		t.Fatalf("Mkfifo: %v", err)
	}

	h, err := fs.OpenDir(".")
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	defer fs.ReleaseDir(h)

	entries, err := fs.ReadDir(h)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["sub"] || !names["file.txt"] || !names["."] || !names[".."] {
		t.Fatalf("ReadDir missing expected entries: %+v", entries)
	}
	if names["pipe"] {
		t.Fatalf("ReadDir listed a fifo: %+v", entries)
	}
}
