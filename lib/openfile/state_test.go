// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package openfile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ckennelly/asymmetricfs/lib/memlock"
)

// fakeCryptor stands in for gpgcrypt.Tool in tests, marking encrypted
// content with a prefix rather than shelling out to a real gpg binary.
type fakeCryptor struct{}

func (fakeCryptor) Encrypt(ctx context.Context, src io.Reader, dst io.Writer) error {
	if _, err := dst.Write([]byte("ENC:")); err != nil {
		return err
	}
	_, err := io.Copy(dst, src)
	return err
}

func (fakeCryptor) Decrypt(ctx context.Context, src io.Reader, dst io.Writer) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(data, []byte("ENC:")) {
		return fmt.Errorf("fakeCryptor: not encrypted")
	}
	data = data[len("ENC:"):]
	// A real gpg invocation given one complete armored block returns just
	// the plaintext, stripping the armor footer. armoredBlock below tags
	// a fake block the same way so State.load's multi-block loop can be
	// exercised without a real gpg binary.
	data = bytes.TrimSuffix(data, []byte(armorEnd))
	_, err = dst.Write(data)
	return err
}

// armorEnd mirrors gpgcrypt's armor block terminator, letting tests build
// backing files containing more than one concatenated armored block.
const armorEnd = "-----END PGP MESSAGE-----\n"

// armoredBlock wraps plaintext the way fakeCryptor's Encrypt would if it
// produced armor-delimited output, so gpgcrypt.FindBlockEnd can find the
// boundary between it and any block that follows.
func armoredBlock(plaintext string) string {
	return "ENC:" + plaintext + armorEnd
}

func openBacking(t *testing.T) (*os.File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backing")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	return f, path
}

func TestStateWriteFlushPersistsEncryptedContent(t *testing.T) {
	ctx := context.Background()
	file, path := openBacking(t)

	s := New(file, fakeCryptor{}, memlock.None, true, true, 0)

	if err := s.WriteAt(ctx, []byte("hello world"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if !s.Dirty() {
		t.Fatal("expected State to be dirty after a write")
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if s.Dirty() {
		t.Fatal("expected State to be clean after Flush")
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(onDisk) != "ENC:hello world" {
		t.Fatalf("on-disk content = %q, want %q", onDisk, "ENC:hello world")
	}
}

func TestStateLoadDecryptsExistingContent(t *testing.T) {
	ctx := context.Background()
	file, path := openBacking(t)

	if err := os.WriteFile(path, []byte("ENC:already encrypted"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := New(file, fakeCryptor{}, memlock.None, true, false, 0)

	size, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(len("already encrypted")) {
		t.Fatalf("Size() = %d, want %d", size, len("already encrypted"))
	}

	dst := make([]byte, size)
	n, err := s.ReadAt(ctx, dst, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(dst[:n]) != "already encrypted" {
		t.Fatalf("ReadAt = %q, want %q", dst[:n], "already encrypted")
	}
}

func TestStateLoadDecryptsMultipleConcatenatedBlocks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "backing")

	content := armoredBlock("hello ") + armoredBlock("world")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	s := New(file, fakeCryptor{}, memlock.None, true, false, 0)

	size, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	dst := make([]byte, size)
	n, err := s.ReadAt(ctx, dst, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(dst[:n]) != "hello world" {
		t.Fatalf("ReadAt = %q, want %q", dst[:n], "hello world")
	}
}

func TestStateWriteToReadOnlyFails(t *testing.T) {
	ctx := context.Background()
	file, _ := openBacking(t)

	s := New(file, fakeCryptor{}, memlock.None, false, true, 0)
	if err := s.WriteAt(ctx, []byte("nope"), 0); err == nil {
		t.Fatal("expected error writing to a read-only State")
	}
}

func TestStateWriteZeroBytesLeavesStateClean(t *testing.T) {
	ctx := context.Background()
	file, _ := openBacking(t)

	s := New(file, fakeCryptor{}, memlock.None, true, true, 0)
	if err := s.WriteAt(ctx, nil, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if s.Dirty() {
		t.Fatal("expected State to remain clean after a zero-byte write")
	}
}

func TestStateEmptyAtOpen(t *testing.T) {
	file, _ := openBacking(t)

	fresh := New(file, fakeCryptor{}, memlock.None, true, true, 0)
	if !fresh.EmptyAtOpen() {
		t.Fatal("expected EmptyAtOpen() to be true for a newly created file")
	}

	file2, _ := openBacking(t)
	existing := New(file2, fakeCryptor{}, memlock.None, true, false, 0)
	if existing.EmptyAtOpen() {
		t.Fatal("expected EmptyAtOpen() to be false for a pre-existing file")
	}
}

func TestStateRefcounting(t *testing.T) {
	file, _ := openBacking(t)
	s := New(file, fakeCryptor{}, memlock.None, true, true, 0)

	s.Ref()
	s.Ref()
	if n := s.Unref(); n != 1 {
		t.Fatalf("Unref() = %d, want 1", n)
	}
	if n := s.Unref(); n != 0 {
		t.Fatalf("Unref() = %d, want 0", n)
	}
}
