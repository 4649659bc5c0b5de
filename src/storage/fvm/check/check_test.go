// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package check

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"go.fuchsia.dev/fvm/src/storage/fvm/blockdev"
	"go.fuchsia.dev/fvm/src/storage/fvm/format"
	"go.fuchsia.dev/fvm/src/storage/fvm/manager"
)

func TestCheckFreshlyInitializedDeviceIsValid(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewMemory(512, 8192)
	mgr, err := manager.Init(ctx, dev, 8, 16, 4096)
	if err != nil {
		t.Fatalf("manager.Init: %v", err)
	}
	info := mgr.QueryManager(ctx)
	metadataSize := format.MetadataSize(info.PartitionSlotCount, info.TotalSliceCount, 512)

	res, err := Check(ctx, dev, metadataSize, Options{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Valid {
		t.Fatalf("Check on a freshly formatted device = %+v, want Valid", res)
	}
}

func TestCheckAfterAllocationsStillValid(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewMemory(512, 8192)
	mgr, err := manager.Init(ctx, dev, 8, 16, 4096)
	if err != nil {
		t.Fatalf("manager.Init: %v", err)
	}
	instance := format.GUID(uuid.New())
	if _, err := mgr.AllocatePartition(ctx, format.GUID{1}, instance, "data", 0, format.FlagInactive); err != nil {
		t.Fatalf("AllocatePartition: %v", err)
	}
	if err := mgr.Extend(ctx, instance, 0, 4); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	info := mgr.QueryManager(ctx)
	metadataSize := format.MetadataSize(info.PartitionSlotCount, info.TotalSliceCount, 512)
	res, err := Check(ctx, dev, metadataSize, Options{VerifyInactiveCopy: true})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Valid {
		t.Fatalf("Check after allocation = %+v, want Valid", res)
	}
}

func TestCheckDetectsNeitherCopyValid(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewMemory(512, 8192)
	mgr, err := manager.Init(ctx, dev, 8, 16, 4096)
	if err != nil {
		t.Fatalf("manager.Init: %v", err)
	}
	info := mgr.QueryManager(ctx)
	metadataSize := format.MetadataSize(info.PartitionSlotCount, info.TotalSliceCount, 512)

	// Corrupt both copies' magic directly on the device: zero the whole
	// first block of each copy (WriteAt requires block-sized buffers).
	zeroBlock := make([]byte, 512)
	if err := dev.WriteAt(ctx, zeroBlock, 0); err != nil {
		t.Fatalf("WriteAt copy A: %v", err)
	}
	if err := dev.WriteAt(ctx, zeroBlock, metadataSize/512); err != nil {
		t.Fatalf("WriteAt copy B: %v", err)
	}

	res, err := Check(ctx, dev, metadataSize, Options{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Valid {
		t.Fatal("Check with both copies corrupted reported Valid")
	}
	if res.ActiveCopy != format.CopyNone {
		t.Errorf("ActiveCopy = %v, want CopyNone", res.ActiveCopy)
	}
}
