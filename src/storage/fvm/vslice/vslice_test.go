// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package vslice

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.fuchsia.dev/fvm/src/storage/fvm/alloc"
	"go.fuchsia.dev/fvm/src/storage/fvm/format"
	"go.fuchsia.dev/fvm/src/storage/fvm/fvmerr"
)

func TestExtendThenTranslate(t *testing.T) {
	a := alloc.New(16)
	idx := New(0)

	if err := idx.Extend(a, 0, 4); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	seen := make(map[uint32]bool)
	for v := uint32(0); v < 4; v++ {
		phys, err := idx.Translate(v)
		if err != nil {
			t.Fatalf("Translate(%d): %v", v, err)
		}
		if seen[phys] {
			t.Fatalf("virtual slice %d maps to a physical slice already in use: %d", v, phys)
		}
		seen[phys] = true
	}
	if idx.AllocatedCount() != 4 {
		t.Errorf("AllocatedCount = %d, want 4", idx.AllocatedCount())
	}
}

func TestTranslateHoleIsPerRequestError(t *testing.T) {
	a := alloc.New(16)
	idx := New(0)
	if err := idx.Extend(a, 0, 2); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	_, err := idx.Translate(5)
	if kind, ok := fvmerr.Of(err); !ok || kind != fvmerr.OutOfRange {
		t.Fatalf("Translate on a hole = %v, want OutOfRange", err)
	}
}

func TestExtendOverlapFails(t *testing.T) {
	a := alloc.New(16)
	idx := New(0)
	if err := idx.Extend(a, 0, 4); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	before := a.AllocatedCount()

	err := idx.Extend(a, 2, 4)
	if kind, ok := fvmerr.Of(err); !ok || kind != fvmerr.AlreadyAllocated {
		t.Fatalf("overlapping Extend = %v, want AlreadyAllocated", err)
	}
	if a.AllocatedCount() != before {
		t.Errorf("failed Extend mutated allocator state: AllocatedCount = %d, want %d", a.AllocatedCount(), before)
	}
}

func TestExtendOutOfSpaceLeavesNoPartialMapping(t *testing.T) {
	a := alloc.New(4)
	idx := New(0)

	err := idx.Extend(a, 0, 8)
	if kind, ok := fvmerr.Of(err); !ok || kind != fvmerr.NoSpace {
		t.Fatalf("over-large Extend = %v, want NoSpace", err)
	}
	if idx.AllocatedCount() != 0 {
		t.Errorf("failed Extend left %d virtual slices mapped, want 0", idx.AllocatedCount())
	}
	if a.AllocatedCount() != 0 {
		t.Errorf("failed Extend left %d physical slices allocated, want 0", a.AllocatedCount())
	}
}

func TestShrinkFreesPhysicalSlices(t *testing.T) {
	a := alloc.New(16)
	idx := New(0)
	if err := idx.Extend(a, 0, 8); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if err := idx.Shrink(a, 4, 4); err != nil {
		t.Fatalf("Shrink: %v", err)
	}
	if idx.AllocatedCount() != 4 {
		t.Errorf("AllocatedCount after Shrink = %d, want 4", idx.AllocatedCount())
	}
	if a.AllocatedCount() != 4 {
		t.Errorf("allocator AllocatedCount after Shrink = %d, want 4", a.AllocatedCount())
	}
	for _, v := range []uint32{4, 5, 6, 7} {
		if _, err := idx.Translate(v); err == nil {
			t.Errorf("Translate(%d) after Shrink succeeded, want error", v)
		}
	}
}

func TestShrinkFullyInsideUnmappedSpaceFails(t *testing.T) {
	a := alloc.New(16)
	idx := New(0)
	if err := idx.Extend(a, 0, 2); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	err := idx.Shrink(a, 4, 2)
	if kind, ok := fvmerr.Of(err); !ok || kind != fvmerr.NotAllocated {
		t.Fatalf("Shrink entirely inside unmapped space = %v, want NotAllocated", err)
	}
	if idx.AllocatedCount() != 2 {
		t.Errorf("AllocatedCount after failed Shrink = %d, want 2", idx.AllocatedCount())
	}
}

func TestShrinkOverPartialHoleSkipsUnmapped(t *testing.T) {
	a := alloc.New(16)
	idx := New(0)
	if err := idx.Extend(a, 0, 2); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	// Shrink a range that covers mapped slices 0-1 and unmapped 2-3.
	if err := idx.Shrink(a, 0, 4); err != nil {
		t.Fatalf("Shrink over a partial hole: %v", err)
	}
	if idx.AllocatedCount() != 0 {
		t.Errorf("AllocatedCount after Shrink = %d, want 0", idx.AllocatedCount())
	}
}

func TestQueryRangesCoalesces(t *testing.T) {
	a := alloc.New(16)
	idx := New(0)
	if err := idx.Extend(a, 0, 2); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if err := idx.Extend(a, 5, 2); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if err := idx.Extend(a, 2, 1); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	got := idx.QueryRanges()
	want := []Range{{Start: 0, Count: 3}, {Start: 5, Count: 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("QueryRanges mismatch (-want +got):\n%s", diff)
	}
}

func TestRestoreRebuildsMapping(t *testing.T) {
	a := alloc.New(8)
	idx := New(2)
	if err := idx.Extend(a, 0, 3); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	slices := make([]format.SliceEntry, a.TotalCount())
	idx.WriteInto(slices)

	restored := Restore(2, slices)
	if restored.AllocatedCount() != idx.AllocatedCount() {
		t.Fatalf("Restore AllocatedCount = %d, want %d", restored.AllocatedCount(), idx.AllocatedCount())
	}
	for v := uint32(0); v < 3; v++ {
		wantPhys, err := idx.Translate(v)
		if err != nil {
			t.Fatalf("Translate(%d) on original: %v", v, err)
		}
		gotPhys, err := restored.Translate(v)
		if err != nil {
			t.Fatalf("Translate(%d) on restored: %v", v, err)
		}
		if wantPhys != gotPhys {
			t.Errorf("restored mapping for vslice %d = %d, want %d", v, gotPhys, wantPhys)
		}
	}
}

func TestTranslateOnUninitializedIndex(t *testing.T) {
	idx := New(0)
	if _, err := idx.Translate(0); err == nil {
		t.Fatal("Translate on an empty index succeeded, want error")
	}
}
