// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package blockdev defines the Device capability every FVM component
// consumes: read/write of fixed-size blocks, flush and an optional trim,
// plus a fake in-memory implementation and a real-file-backed one.
// Modeled on the teacher's thinfs block device split between
// block/fake.Device (an in-memory []byte) and block/file (an *os.File)
// behind one small interface.
package blockdev

import "context"

// Info describes a device's fixed geometry.
type Info struct {
	BlockSize  uint32
	BlockCount uint64
}

// Device is the capability FVM consumes from the environment: a fixed-size
// block device. Implementations for ramdisk-like testing (Memory) and real
// files (File) are provided by this package; production hardware back-ends
// are supplied by the environment (spec §9, "Dynamic dispatch over
// 'device-like' objects ... collapses here to a single block-device
// capability interface").
type Device interface {
	// Info returns the device's block size and block count.
	Info(ctx context.Context) (Info, error)

	// ReadAt reads len(buf)/BlockSize blocks starting at blockOffset into
	// buf. len(buf) must be a multiple of the block size.
	ReadAt(ctx context.Context, buf []byte, blockOffset uint64) error

	// WriteAt writes len(buf)/BlockSize blocks starting at blockOffset
	// from buf. len(buf) must be a multiple of the block size.
	WriteAt(ctx context.Context, buf []byte, blockOffset uint64) error

	// Flush ensures previously written blocks are durable.
	Flush(ctx context.Context) error

	// Trim hints that the given block range is no longer in use. Devices
	// that don't support trim may treat this as a no-op.
	Trim(ctx context.Context, blockOffset, blockCount uint64) error
}
