// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"

	"go.fuchsia.dev/fvm/src/storage/fvm/blockdev"
	"go.fuchsia.dev/fvm/src/storage/fvm/format"
)

const defaultBlockSize = 512

// openDevice opens path for read/write as a blockdev.Device. If create is
// true, the file is created if missing and then truncated (or extended)
// to sizeBytes first.
func openDevice(path string, create bool, sizeBytes int64) (*blockdev.File, func() error, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	if create {
		if err := f.Truncate(sizeBytes); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("truncate %s to %d bytes: %w", path, sizeBytes, err)
		}
	}
	dev, err := blockdev.NewFile(f, defaultBlockSize)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("wrap %s as a block device: %w", path, err)
	}
	return dev, f.Close, nil
}

// probeMetadataSize recovers the per-copy metadata region size from an
// already-formatted device's first block, mirroring the same probe
// package manager does internally for Bind.
func probeMetadataSize(ctx context.Context, dev *blockdev.File) (uint64, error) {
	head := make([]byte, defaultBlockSize)
	if err := dev.ReadAt(ctx, head, 0); err != nil {
		return 0, fmt.Errorf("read superblock: %w", err)
	}
	partitionCount, sliceCount, ok := format.PeekTableSizes(head)
	if !ok {
		return 0, fmt.Errorf("device has no FVM magic")
	}
	return format.MetadataSize(partitionCount, sliceCount, defaultBlockSize), nil
}
