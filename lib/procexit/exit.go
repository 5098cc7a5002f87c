// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package procexit

import (
	"fmt"
	"os"
)

// Fatal prints err to standard error and exits the process with status 1.
// It is a no-op if err is nil.
func Fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "asymmetricfs: %v\n", err)
	os.Exit(1)
}
