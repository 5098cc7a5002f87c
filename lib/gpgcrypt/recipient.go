// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gpgcrypt

import (
	"context"
	"fmt"
	"io"

	"github.com/ckennelly/asymmetricfs/lib/subprocess"
)

// Recipient identifies a public key gpg should encrypt to: a key id,
// fingerprint, email address, or any other string gpg's -r flag accepts.
type Recipient string

// ValidateRecipient confirms that gpgPath knows about recipient by asking
// it to list the matching key before a --recipient flag is accepted. A
// recipient for which the listing exits nonzero (gpg cannot find it) is
// reported as an error; a recipient matching several keys lists them all
// and is accepted.
func ValidateRecipient(ctx context.Context, gpgPath string, recipient Recipient) error {
	if recipient == "" {
		return fmt.Errorf("gpgcrypt: empty recipient")
	}

	args := []string{"--list-keys", "--batch", "--no-tty", string(recipient)}
	if err := subprocess.Run(ctx, gpgPath, args, nil, io.Discard); err != nil {
		return fmt.Errorf("gpgcrypt: recipient %q is not a known key: %w", recipient, err)
	}
	return nil
}
