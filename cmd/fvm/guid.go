// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"encoding/hex"
	"fmt"

	"go.fuchsia.dev/fvm/src/storage/fvm/format"
)

// parseGUID parses a 32-character hex string (optionally hyphenated like a
// UUID) into a format.GUID.
func parseGUID(s string) (format.GUID, error) {
	clean := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			continue
		}
		clean = append(clean, s[i])
	}
	raw, err := hex.DecodeString(string(clean))
	if err != nil {
		return format.GUID{}, fmt.Errorf("invalid GUID %q: %w", s, err)
	}
	if len(raw) != 16 {
		return format.GUID{}, fmt.Errorf("GUID %q must decode to 16 bytes, got %d", s, len(raw))
	}
	var g format.GUID
	copy(g[:], raw)
	return g, nil
}
