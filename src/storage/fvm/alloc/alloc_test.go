// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package alloc

import (
	"testing"

	"go.fuchsia.dev/fvm/src/storage/fvm/fvmerr"
)

func TestAllocateDistinctSlices(t *testing.T) {
	a := New(8)
	got, err := a.Allocate(5)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("Allocate(5) returned %d slices", len(got))
	}
	seen := make(map[uint32]bool)
	for _, s := range got {
		if seen[s] {
			t.Fatalf("Allocate returned duplicate slice %d", s)
		}
		seen[s] = true
	}
	if a.AllocatedCount() != 5 {
		t.Errorf("AllocatedCount = %d, want 5", a.AllocatedCount())
	}
}

func TestAllocateOutOfSpace(t *testing.T) {
	a := New(4)
	if _, err := a.Allocate(5); err == nil {
		t.Fatal("Allocate(5) over a 4-slice pool succeeded, want error")
	} else if kind, ok := fvmerr.Of(err); !ok || kind != fvmerr.NoSpace {
		t.Errorf("Allocate(5) error = %v, want NoSpace", err)
	}
	if a.AllocatedCount() != 0 {
		t.Errorf("failed Allocate mutated state: AllocatedCount = %d, want 0", a.AllocatedCount())
	}
}

func TestFreeThenReallocate(t *testing.T) {
	a := New(4)
	got, err := a.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Free(got[0], got[1]); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if a.AllocatedCount() != 2 {
		t.Fatalf("AllocatedCount after Free = %d, want 2", a.AllocatedCount())
	}
	more, err := a.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate after Free: %v", err)
	}
	if len(more) != 2 {
		t.Fatalf("Allocate(2) after Free returned %d slices", len(more))
	}
}

func TestFreeNotAllocated(t *testing.T) {
	a := New(4)
	err := a.Free(0)
	if kind, ok := fvmerr.Of(err); !ok || kind != fvmerr.NotAllocated {
		t.Fatalf("Free on a never-allocated slice = %v, want NotAllocated", err)
	}
}

func TestFreeOutOfRange(t *testing.T) {
	a := New(4)
	err := a.Free(99)
	if kind, ok := fvmerr.Of(err); !ok || kind != fvmerr.OutOfRange {
		t.Fatalf("Free on an out-of-range slice = %v, want OutOfRange", err)
	}
}

func TestAllocatedPlusFreeEqualsTotal(t *testing.T) {
	a := New(16)
	got, err := a.Allocate(10)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Free(got[:3]...); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if a.AllocatedCount()+(a.TotalCount()-a.AllocatedCount()) != a.TotalCount() {
		t.Fatal("allocated + free != total")
	}
	if a.AllocatedCount() != 7 {
		t.Errorf("AllocatedCount = %d, want 7", a.AllocatedCount())
	}
}

func TestRestoreReflectsGivenAllocation(t *testing.T) {
	a := Restore(8, []uint32{1, 3, 5})
	if a.AllocatedCount() != 3 {
		t.Fatalf("AllocatedCount = %d, want 3", a.AllocatedCount())
	}
	if err := a.Free(1, 3, 5); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if a.AllocatedCount() != 0 {
		t.Errorf("AllocatedCount after freeing restored slices = %d, want 0", a.AllocatedCount())
	}
}

func TestSnapshotMatchesAllocation(t *testing.T) {
	a := New(8)
	got, err := a.Allocate(3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	snap := a.Snapshot()
	if len(snap) != len(got) {
		t.Fatalf("Snapshot returned %d entries, want %d", len(snap), len(got))
	}
}
