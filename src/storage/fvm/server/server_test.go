// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package server

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"go.fuchsia.dev/fvm/src/storage/fvm/blockdev"
	"go.fuchsia.dev/fvm/src/storage/fvm/format"
	"go.fuchsia.dev/fvm/src/storage/fvm/manager"
)

func newTestServer(t *testing.T) (*manager.Manager, *Server, format.GUID) {
	t.Helper()
	ctx := context.Background()
	dev := blockdev.NewMemory(512, 8192)
	mgr, err := manager.Init(ctx, dev, 8, 16, 4096) // slice size 4096 = 8 blocks
	if err != nil {
		t.Fatalf("manager.Init: %v", err)
	}
	instance := format.GUID(uuid.New())
	if _, err := mgr.AllocatePartition(ctx, format.GUID{1}, instance, "data", 0, format.FlagInactive); err != nil {
		t.Fatalf("AllocatePartition: %v", err)
	}
	if err := mgr.Extend(ctx, instance, 0, 3); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	srv := New(mgr, instance, mgr.Device(), 512, 4096)
	return mgr, srv, instance
}

func TestSubmitWriteThenRead(t *testing.T) {
	_, srv, _ := newTestServer(t)
	ctx := context.Background()

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}

	resps := srv.Submit(ctx, []Request{
		{Op: OpWrite, RequestID: 1, VBlockStart: 0, BlockCount: 1, Buffer: data},
	})
	if resps[0].Err != nil {
		t.Fatalf("write Submit: %v", resps[0].Err)
	}

	resps = srv.Submit(ctx, []Request{
		{Op: OpRead, RequestID: 2, VBlockStart: 0, BlockCount: 1},
	})
	if resps[0].Err != nil {
		t.Fatalf("read Submit: %v", resps[0].Err)
	}
	for i, b := range resps[0].Buffer {
		if b != data[i] {
			t.Fatalf("read byte %d = %d, want %d", i, b, data[i])
		}
	}
}

func TestSubmitCrossesSliceBoundary(t *testing.T) {
	_, srv, _ := newTestServer(t)
	ctx := context.Background()

	// blocksPerSlice = 4096/512 = 8; a 10-block request starting at block
	// 4 spans slice 0 (blocks 4-7) and slice 1 (blocks 8-13).
	data := make([]byte, 10*512)
	for i := range data {
		data[i] = byte(i % 251)
	}
	resps := srv.Submit(ctx, []Request{
		{Op: OpWrite, RequestID: 1, VBlockStart: 4, BlockCount: 10, Buffer: data},
	})
	if resps[0].Err != nil {
		t.Fatalf("cross-boundary write: %v", resps[0].Err)
	}

	resps = srv.Submit(ctx, []Request{
		{Op: OpRead, RequestID: 2, VBlockStart: 4, BlockCount: 10},
	})
	if resps[0].Err != nil {
		t.Fatalf("cross-boundary read: %v", resps[0].Err)
	}
	if len(resps[0].Buffer) != len(data) {
		t.Fatalf("read back %d bytes, want %d", len(resps[0].Buffer), len(data))
	}
	for i := range data {
		if resps[0].Buffer[i] != data[i] {
			t.Fatalf("byte %d = %d, want %d", i, resps[0].Buffer[i], data[i])
		}
	}
}

func TestSubmitUnmappedVSliceIsPerRequestError(t *testing.T) {
	_, srv, _ := newTestServer(t)
	ctx := context.Background()

	resps := srv.Submit(ctx, []Request{
		{Op: OpRead, RequestID: 1, VBlockStart: 0, BlockCount: 1},
		{Op: OpRead, RequestID: 2, VBlockStart: 100, BlockCount: 1}, // far beyond the 3 mapped slices
	})
	if resps[0].Err != nil {
		t.Errorf("in-range request failed: %v", resps[0].Err)
	}
	if resps[1].Err == nil {
		t.Error("out-of-range request succeeded, want a per-request error")
	}
}

func TestSubmitAfterCloseFailsFast(t *testing.T) {
	_, srv, _ := newTestServer(t)
	srv.Close()

	resps := srv.Submit(context.Background(), []Request{
		{Op: OpRead, RequestID: 1, VBlockStart: 0, BlockCount: 1},
	})
	if resps[0].Err == nil {
		t.Fatal("Submit after Close succeeded, want ChannelClosed")
	}
}

func TestSubmitAppliesSameGroupInOrder(t *testing.T) {
	_, srv, _ := newTestServer(t)
	ctx := context.Background()

	// Two writes to the same block in the same group-id: spec §6.3 requires
	// these to be applied in submission order, so the final read must
	// always reflect the second write, never the first.
	const groupID = uint32(5)
	first := make([]byte, 512)
	for i := range first {
		first[i] = 0xaa
	}
	second := make([]byte, 512)
	for i := range second {
		second[i] = 0xbb
	}

	for i := 0; i < 20; i++ {
		resps := srv.Submit(ctx, []Request{
			{Op: OpWrite, RequestID: 1, GroupID: groupID, VBlockStart: 0, BlockCount: 1, Buffer: first},
			{Op: OpWrite, RequestID: 2, GroupID: groupID, VBlockStart: 0, BlockCount: 1, Buffer: second},
		})
		if resps[0].Err != nil || resps[1].Err != nil {
			t.Fatalf("grouped writes: %v, %v", resps[0].Err, resps[1].Err)
		}

		resps = srv.Submit(ctx, []Request{
			{Op: OpRead, RequestID: 3, VBlockStart: 0, BlockCount: 1},
		})
		if resps[0].Err != nil {
			t.Fatalf("read after grouped writes: %v", resps[0].Err)
		}
		for j, b := range resps[0].Buffer {
			if b != second[j] {
				t.Fatalf("iteration %d: byte %d = %#x, want %#x (second write should always win within a group)", i, j, b, second[j])
			}
		}
	}
}

func TestSubmitCancelledContext(t *testing.T) {
	_, srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resps := srv.Submit(ctx, []Request{
		{Op: OpRead, RequestID: 1, VBlockStart: 0, BlockCount: 1},
	})
	if resps[0].Err == nil {
		t.Fatal("Submit with an already-cancelled context succeeded, want error")
	}
}
