// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package blockdev

import (
	"context"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.fuchsia.dev/fvm/src/storage/fvm/fvmerr"
)

func TestMemoryReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(512, 4)

	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i)
	}
	if err := m.WriteAt(ctx, want, 1); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, 512)
	if err := m.ReadAt(ctx, got, 1); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryOutOfRange(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(512, 4)
	buf := make([]byte, 512)
	err := m.ReadAt(ctx, buf, 4)
	if kind, ok := fvmerr.Of(err); !ok || kind != fvmerr.OutOfRange {
		t.Fatalf("ReadAt past end = %v, want OutOfRange", err)
	}
}

func TestMemoryMisalignedBuffer(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(512, 4)
	buf := make([]byte, 10)
	err := m.WriteAt(ctx, buf, 0)
	if kind, ok := fvmerr.Of(err); !ok || kind != fvmerr.BadState {
		t.Fatalf("WriteAt with misaligned buffer = %v, want BadState", err)
	}
}

func TestMemoryTornWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(512, 1)
	m.FailWriteAfter = 100

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = 0xff
	}
	if err := m.WriteAt(ctx, buf, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	snap := m.Snapshot()
	for i := 0; i < 100; i++ {
		if snap[i] != 0xff {
			t.Fatalf("byte %d = %#x, want 0xff (within FailWriteAfter budget)", i, snap[i])
		}
	}
	for i := 100; i < 512; i++ {
		if snap[i] != 0 {
			t.Fatalf("byte %d = %#x, want 0 (write torn after %d bytes)", i, snap[i], m.FailWriteAfter)
		}
	}
}

func TestMemoryTrimZeroes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(512, 2)
	buf := make([]byte, 1024)
	for i := range buf {
		buf[i] = 1
	}
	if err := m.WriteAt(ctx, buf, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := m.Trim(ctx, 0, 1); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	snap := m.Snapshot()
	for i := 0; i < 512; i++ {
		if snap[i] != 0 {
			t.Errorf("trimmed byte %d = %d, want 0", i, snap[i])
		}
	}
	for i := 512; i < 1024; i++ {
		if snap[i] != 1 {
			t.Errorf("untrimmed byte %d = %d, want 1", i, snap[i])
		}
	}
}

func TestFileRoundTripAndFlush(t *testing.T) {
	ctx := context.Background()
	f, err := os.CreateTemp(t.TempDir(), "fvm-blockdev-*.img")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	const blockSize = 512
	const blockCount = 4
	if err := f.Truncate(blockSize * blockCount); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	dev, err := NewFile(f, blockSize)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}

	info, err := dev.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.BlockSize != blockSize || info.BlockCount != blockCount {
		t.Fatalf("Info = %+v, want {%d %d}", info, blockSize, blockCount)
	}

	want := make([]byte, blockSize)
	for i := range want {
		want[i] = byte(i * 3)
	}
	if err := dev.WriteAt(ctx, want, 2); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := dev.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, blockSize)
	if err := dev.ReadAt(ctx, got, 2); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	if err := dev.Trim(ctx, 0, 1); err != nil {
		t.Errorf("Trim: %v", err)
	}
}

func TestNewFileRejectsUnalignedSize(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "fvm-blockdev-*.img")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(513); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if _, err := NewFile(f, 512); err == nil {
		t.Fatal("NewFile with unaligned size succeeded, want error")
	}
}
