// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gpgcrypt

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ckennelly/asymmetricfs/lib/subprocess"
)

// armorEnd is the line that terminates a single ASCII-armored PGP message
// block. Scanning for it lets lib/openfile find the boundary of one
// ciphertext block without decrypting it first.
const armorEnd = "-----END PGP MESSAGE-----\n"

// Tool drives a gpg-compatible binary to encrypt plaintext to a fixed set
// of recipients and decrypt it back.
type Tool struct {
	// Path is the gpg binary's path, or a bare name resolved via PATH.
	Path string

	// Recipients is the set of public keys plaintext is encrypted to. It
	// must be non-empty for Encrypt to succeed.
	Recipients []Recipient
}

// Encrypt reads plaintext from src and writes an ASCII-armored,
// multi-recipient encrypted block to dst.
func (t *Tool) Encrypt(ctx context.Context, src io.Reader, dst io.Writer) error {
	if len(t.Recipients) == 0 {
		return fmt.Errorf("gpgcrypt: no recipients configured")
	}

	args := []string{"-ae", "--no-tty", "--batch"}
	for _, r := range t.Recipients {
		args = append(args, "-r", string(r))
	}

	if err := subprocess.Run(ctx, t.Path, args, src, dst); err != nil {
		return fmt.Errorf("gpgcrypt: encrypt: %w", err)
	}
	return nil
}

// Decrypt reads an ASCII-armored encrypted block from src and writes the
// recovered plaintext to dst.
func (t *Tool) Decrypt(ctx context.Context, src io.Reader, dst io.Writer) error {
	args := []string{"-d", "--no-tty", "--batch"}
	if err := subprocess.Run(ctx, t.Path, args, src, dst); err != nil {
		return fmt.Errorf("gpgcrypt: decrypt: %w", err)
	}
	return nil
}

// FindBlockEnd returns the offset just past the end of the first armored
// message block within data (including the terminating newline), or -1 if
// data does not contain a complete block. lib/openfile uses this to decide
// whether an encrypted file holds exactly one block, which allows decrypt
// to wire the backing file descriptor directly into gpg's stdin instead of
// copying it through a pipe in chunks.
func FindBlockEnd(data []byte) int {
	idx := bytes.Index(data, []byte(armorEnd))
	if idx < 0 {
		return -1
	}
	return idx + len(armorEnd)
}
