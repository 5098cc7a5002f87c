// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package openfile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ckennelly/asymmetricfs/lib/gpgcrypt"
	"github.com/ckennelly/asymmetricfs/lib/memlock"
	"github.com/ckennelly/asymmetricfs/lib/pagebuffer"
)

// Cryptor is the subset of *gpgcrypt.Tool that State depends on. Tests
// substitute a fake to exercise load/flush behavior without shelling out
// to a real gpg binary.
type Cryptor interface {
	Encrypt(ctx context.Context, src io.Reader, dst io.Writer) error
	Decrypt(ctx context.Context, src io.Reader, dst io.Writer) error
}

// State is the decrypted view of one backing file, shared by every open
// handle against the same path. It is created empty (Fresh) and only
// decrypts the backing file's contents the first time a read, write, or
// truncate actually needs them.
type State struct {
	mu sync.Mutex

	file     *os.File
	tool     Cryptor
	writable bool

	refs        int
	loaded      bool
	dirty       bool
	emptyAtOpen bool
	openFlags   int
	buffer      *pagebuffer.Buffer
}

// New wraps file, the backing encrypted descriptor, in a State. tool
// supplies the recipient set and binary used to encrypt on flush and
// decrypt on load. When writable is false, WriteAt and Truncate report an
// error and Flush does nothing; it reflects how the path was opened, not
// the filesystem's overall --rw/--wo mode. emptyAtOpen should be true when
// the backing file was just created or is known to be zero length, so the
// first access skips decrypting a file that has no content yet. openFlags
// records the raw open(2) flags the handle that created this State was
// opened with (O_CREAT forced for a path created through Create), fixed
// for the State's lifetime the same way emptyAtOpen is.
func New(file *os.File, tool Cryptor, policy memlock.Policy, writable, emptyAtOpen bool, openFlags int) *State {
	s := &State{
		file:        file,
		tool:        tool,
		writable:    writable,
		buffer:      pagebuffer.NewBuffer(policy),
		loaded:      emptyAtOpen,
		emptyAtOpen: emptyAtOpen,
		openFlags:   openFlags,
	}
	return s
}

// EmptyAtOpen reports whether the backing file held no content at the
// moment this State was created. A write-only overlay uses this to allow
// reading back a file it just created itself, while still refusing to
// decrypt a pre-existing file's content back to a reader.
func (s *State) EmptyAtOpen() bool {
	return s.emptyAtOpen
}

// OpenFlags returns the raw open(2) flags the handle that created this
// State was opened with. A write-only overlay's access(2) uses this to
// tell a file created through the mount (O_CREAT present, O_APPEND absent)
// apart from one merely reopened for writing.
func (s *State) OpenFlags() int {
	return s.openFlags
}

// Ref records an additional open handle referencing this State.
func (s *State) Ref() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

// Unref removes one open handle's reference and returns the number
// remaining. Callers should destroy the State (after Close) once this
// reaches zero.
func (s *State) Unref() int {
	s.mu.Lock()
	s.refs--
	n := s.refs
	s.mu.Unlock()
	return n
}

// Writable reports whether this State was opened for writing.
func (s *State) Writable() bool {
	return s.writable
}

// load decrypts the backing file into the in-memory buffer, if it has not
// already been loaded. Callers must hold s.mu.
func (s *State) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}

	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("openfile: stat: %w", err)
	}
	if info.Size() == 0 {
		s.loaded = true
		return nil
	}

	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("openfile: seek: %w", err)
	}

	data, err := io.ReadAll(s.file)
	if err != nil {
		return fmt.Errorf("openfile: read ciphertext: %w", err)
	}

	var plaintext bytes.Buffer
	if end := gpgcrypt.FindBlockEnd(data); end == len(data) || end < 0 {
		// Exactly one armored block spans the whole file (or the file
		// carries no terminator at all and is handed over whole as one
		// block): decrypt straight from the backing descriptor instead of
		// the copy in data, avoiding a second buffered copy for the common
		// case of a file written in one sitting.
		if _, err := s.file.Seek(0, 0); err != nil {
			return fmt.Errorf("openfile: seek: %w", err)
		}
		if err := s.tool.Decrypt(ctx, s.file, &plaintext); err != nil {
			return err
		}
	} else {
		// Several armored blocks were concatenated across earlier
		// flushes (each Flush rewrites the whole file, but a block
		// written before a crash or a concurrent writer can still leave
		// more than one behind). gpg refuses to decrypt more than one
		// block per invocation, so each block gets its own call and the
		// plaintexts are concatenated in block order.
		remaining := data
		for len(remaining) > 0 {
			blockEnd := gpgcrypt.FindBlockEnd(remaining)
			if blockEnd < 0 {
				return fmt.Errorf("openfile: truncated armored block in backing file")
			}
			if err := s.tool.Decrypt(ctx, bytes.NewReader(remaining[:blockEnd]), &plaintext); err != nil {
				return err
			}
			remaining = remaining[blockEnd:]
		}
	}

	if err := s.buffer.Write(plaintext.Bytes(), 0); err != nil {
		return fmt.Errorf("openfile: populate buffer: %w", err)
	}
	s.loaded = true
	return nil
}

// ReadAt copies up to len(dst) decrypted bytes starting at offset into
// dst, loading the backing file first if necessary.
func (s *State) ReadAt(ctx context.Context, dst []byte, offset int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return 0, err
	}
	return s.buffer.Read(dst, offset), nil
}

// WriteAt writes src into the decrypted buffer at offset, marking the
// State dirty so Flush re-encrypts it before the next reader sees it.
func (s *State) WriteAt(ctx context.Context, src []byte, offset int64) error {
	if !s.writable {
		return fmt.Errorf("openfile: write to read-only state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return err
	}
	if err := s.buffer.Write(src, offset); err != nil {
		return err
	}
	if len(src) > 0 {
		s.dirty = true
	}
	return nil
}

// Truncate resizes the decrypted buffer, marking the State dirty.
func (s *State) Truncate(ctx context.Context, size int64) error {
	if !s.writable {
		return fmt.Errorf("openfile: truncate of read-only state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return err
	}
	if err := s.buffer.Resize(size); err != nil {
		return err
	}
	s.dirty = true
	return nil
}

// Size returns the decrypted buffer's current length, loading the backing
// file first if necessary.
func (s *State) Size(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return 0, err
	}
	return s.buffer.Size(), nil
}

// Dirty reports whether the buffer holds changes not yet flushed to the
// backing file.
func (s *State) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// flush re-encrypts the buffer and overwrites the backing file with it.
// Callers must hold s.mu.
func (s *State) flush(ctx context.Context) error {
	if !s.dirty || !s.writable {
		return nil
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("openfile: pipe: %w", err)
	}

	spliceErrCh := make(chan error, 1)
	go func() {
		_, err := s.buffer.Splice(int(pw.Fd()), 0)
		pw.Close()
		spliceErrCh <- err
	}()

	var ciphertext bytes.Buffer
	encryptErr := s.tool.Encrypt(ctx, pr, &ciphertext)
	pr.Close()
	spliceErr := <-spliceErrCh

	if encryptErr != nil {
		return encryptErr
	}
	if spliceErr != nil {
		return fmt.Errorf("openfile: splice plaintext to encryptor: %w", spliceErr)
	}

	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("openfile: truncate backing file: %w", err)
	}
	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("openfile: seek backing file: %w", err)
	}
	if _, err := s.file.Write(ciphertext.Bytes()); err != nil {
		return fmt.Errorf("openfile: write ciphertext: %w", err)
	}

	s.dirty = false
	return nil
}

// Flush re-encrypts the buffer and overwrites the backing file if the
// buffer has unsaved changes. It is a no-op otherwise.
func (s *State) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush(ctx)
}

// Close flushes any pending changes, releases the decrypted buffer's
// memory, and closes the backing descriptor. It must be called exactly
// once, after the last open handle referencing this State is released.
func (s *State) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.flush(ctx)
	if bufErr := s.buffer.Close(); bufErr != nil && err == nil {
		err = bufErr
	}
	if fileErr := s.file.Close(); fileErr != nil && err == nil {
		err = fileErr
	}
	return err
}
