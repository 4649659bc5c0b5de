// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package blockdev

import (
	"context"
	"sync"

	"go.fuchsia.dev/fvm/src/storage/fvm/fvmerr"
)

// Memory is an in-memory Device, the FVM equivalent of thinfs's
// block/fake.Device: a flat byte slice addressed in fixed-size blocks.
// Useful for tests and for Init/Bind against a throwaway image.
type Memory struct {
	mu        sync.Mutex
	blockSize uint32
	data      []byte

	// FailWriteAfter, if >= 0, lets only the first FailWriteAfter bytes
	// written across all WriteAt calls (counted from the start of the
	// first WriteAt after it is set) actually land; every byte after them
	// is silently dropped. Used to simulate a torn write (spec §8
	// property 5, §4.5 crash semantics).
	FailWriteAfter int64
	writtenBytes   int64
}

// NewMemory allocates a Memory device with the given block size and block
// count, zero-initialized.
func NewMemory(blockSize uint32, blockCount uint64) *Memory {
	return &Memory{
		blockSize:      blockSize,
		data:           make([]byte, uint64(blockSize)*blockCount),
		FailWriteAfter: -1,
	}
}

func (m *Memory) Info(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{BlockSize: m.blockSize, BlockCount: uint64(len(m.data)) / uint64(m.blockSize)}, nil
}

func (m *Memory) bounds(buf []byte, blockOffset uint64) (start, end uint64, err error) {
	if len(buf)%int(m.blockSize) != 0 {
		return 0, 0, fvmerr.New("blockdev.Memory", fvmerr.BadState, nil)
	}
	start = blockOffset * uint64(m.blockSize)
	end = start + uint64(len(buf))
	if end > uint64(len(m.data)) {
		return 0, 0, fvmerr.New("blockdev.Memory", fvmerr.OutOfRange, nil)
	}
	return start, end, nil
}

func (m *Memory) ReadAt(ctx context.Context, buf []byte, blockOffset uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, end, err := m.bounds(buf, blockOffset)
	if err != nil {
		return err
	}
	copy(buf, m.data[start:end])
	return nil
}

func (m *Memory) WriteAt(ctx context.Context, buf []byte, blockOffset uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, end, err := m.bounds(buf, blockOffset)
	if err != nil {
		return err
	}

	if m.FailWriteAfter < 0 {
		copy(m.data[start:end], buf)
		return nil
	}

	for i, b := range buf {
		if m.writtenBytes >= m.FailWriteAfter {
			break
		}
		m.data[start+uint64(i)] = b
		m.writtenBytes++
	}
	return nil
}

func (m *Memory) Flush(ctx context.Context) error { return nil }

func (m *Memory) Trim(ctx context.Context, blockOffset, blockCount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := blockOffset * uint64(m.blockSize)
	end := start + blockCount*uint64(m.blockSize)
	if end > uint64(len(m.data)) {
		return fvmerr.New("blockdev.Memory", fvmerr.OutOfRange, nil)
	}
	for i := start; i < end; i++ {
		m.data[i] = 0
	}
	return nil
}

// Snapshot returns a copy of the underlying bytes, for tests that need to
// assert on raw device contents.
func (m *Memory) Snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}
