// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package procexit provides the top-level error-reporting convention used
// by cmd/asymmetricfs's main: print the error to standard error and exit
// with a nonzero status.
package procexit
