// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package isatty reports whether standard output is attached to a terminal,
// backing color.NewColor's "auto" mode.
package isatty

import (
	"os"

	"golang.org/x/sys/unix"
)

// IsTerminal reports whether os.Stdout is a terminal.
func IsTerminal() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), ioctlGetTermios)
	return err == nil
}
