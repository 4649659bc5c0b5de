// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package vslice implements the virtual-to-physical slice index for a
// single partition: extend/shrink of a partition's virtual address space
// and translation of a virtual slice number to the physical slice backing
// it. Extend stages every physical allocation speculatively so that a
// mid-extend failure never leaves a partial mapping (original spec
// silent on this; see SPEC_FULL.md's supplemented-feature note, grounded
// on the all-or-nothing semantics of fvm::VPartitionManager::Fvm in
// original_source/system/utest/fvm/fvm.cc).
package vslice

import (
	"go.fuchsia.dev/fvm/src/storage/fvm/alloc"
	"go.fuchsia.dev/fvm/src/storage/fvm/format"
	"go.fuchsia.dev/fvm/src/storage/fvm/fvmerr"
)

// Range is a contiguous run of virtual slices, [Start, Start+Count).
type Range struct {
	Start uint32
	Count uint32
}

// Index is the virtual slice index for one partition: a sparse map from
// virtual slice number to the physical slice backing it.
type Index struct {
	partitionIndex int
	maxVSlice      uint32
	mapping        map[uint32]uint32 // vslice -> physical slice
}

// New returns an empty Index for the partition at partitionIndex (its
// slot in the partition table), bounding virtual slice numbers below
// format.MaxVSlices.
func New(partitionIndex int) *Index {
	return &Index{partitionIndex: partitionIndex, maxVSlice: format.MaxVSlices, mapping: make(map[uint32]uint32)}
}

// Restore rebuilds an Index from the slice table: every entry owned by
// partitionIndex (the partition's slot in the partition table) contributes
// one virtual slice mapping. Used at bind time to reconstruct the
// in-memory index from the on-disk slice table. format.SliceEntry stores
// owner as the table index plus one, since 0 means free (format.go); this
// package hides that offset from callers.
func Restore(partitionIndex int, slices []format.SliceEntry) *Index {
	idx := New(partitionIndex)
	want := uint32(partitionIndex) + 1
	for phys, s := range slices {
		if s.Free() || s.PartitionIndex != want {
			continue
		}
		idx.mapping[s.VSlice] = uint32(phys)
	}
	return idx
}

// Translate returns the physical slice backing vslice, or
// fvmerr.OutOfRange if vslice isn't currently mapped -- the per-request
// hole behavior a block server needs instead of treating a hole as a
// hard error for the whole request (SPEC_FULL.md §3).
func (idx *Index) Translate(vslice uint32) (uint32, error) {
	phys, ok := idx.mapping[vslice]
	if !ok {
		return 0, fvmerr.New("vslice.Translate", fvmerr.OutOfRange, nil)
	}
	return phys, nil
}

// QueryRanges returns the sorted, coalesced list of virtual slice ranges
// currently mapped.
func (idx *Index) QueryRanges() []Range {
	if len(idx.mapping) == 0 {
		return nil
	}
	vslices := make([]uint32, 0, len(idx.mapping))
	for v := range idx.mapping {
		vslices = append(vslices, v)
	}
	// Simple insertion sort is fine: partitions have at most MaxVSlices
	// entries and in practice orders of magnitude fewer.
	for i := 1; i < len(vslices); i++ {
		for j := i; j > 0 && vslices[j-1] > vslices[j]; j-- {
			vslices[j-1], vslices[j] = vslices[j], vslices[j-1]
		}
	}

	var ranges []Range
	for _, v := range vslices {
		if n := len(ranges); n > 0 && ranges[n-1].Start+ranges[n-1].Count == v {
			ranges[n-1].Count++
			continue
		}
		ranges = append(ranges, Range{Start: v, Count: 1})
	}
	return ranges
}

// AllocatedCount returns the number of virtual slices currently mapped.
func (idx *Index) AllocatedCount() int {
	return len(idx.mapping)
}

// WriteInto records idx's mapping into slices, the full-device slice
// table, overwriting only the entries this index owns or has freed since
// the last WriteInto. Physical slices idx no longer maps are cleared to
// the zero (free) entry if they still claim this partition as owner.
func (idx *Index) WriteInto(slices []format.SliceEntry) {
	owner := uint32(idx.partitionIndex) + 1
	for phys := range slices {
		if slices[phys].PartitionIndex == owner {
			slices[phys] = format.SliceEntry{}
		}
	}
	for v, phys := range idx.mapping {
		slices[phys] = format.SliceEntry{PartitionIndex: owner, VSlice: v}
	}
}

// Extend maps count additional virtual slices starting at start to freshly
// allocated physical slices drawn from a. If start..start+count overlaps
// an already-mapped virtual slice, or would exceed the partition's
// MaxVSlices bound, or the allocator can't satisfy the request, Extend
// allocates nothing and the index is left unchanged.
func (idx *Index) Extend(a *alloc.Allocator, start, count uint32) error {
	if count == 0 {
		return nil
	}
	if uint64(start)+uint64(count) > uint64(idx.maxVSlice) {
		return fvmerr.New("vslice.Extend", fvmerr.OutOfRange, nil)
	}
	for v := start; v < start+count; v++ {
		if _, ok := idx.mapping[v]; ok {
			return fvmerr.New("vslice.Extend", fvmerr.AlreadyAllocated, nil)
		}
	}

	phys, err := a.Allocate(int(count))
	if err != nil {
		return fvmerr.New("vslice.Extend", fvmerr.NoSpace, err)
	}

	for i, p := range phys {
		idx.mapping[start+uint32(i)] = p
	}
	return nil
}

// Shrink unmaps count virtual slices starting at start and frees their
// physical slices back to a. Per the "shrink off the end" policy, a range
// that overlaps at least one mapped vslice succeeds and frees only the
// mapped portion; a range entirely inside unmapped space fails with
// fvmerr.NotAllocated rather than silently succeeding.
func (idx *Index) Shrink(a *alloc.Allocator, start, count uint32) error {
	if count == 0 {
		return nil
	}
	var toFree []uint32
	for v := start; v < start+count; v++ {
		if p, ok := idx.mapping[v]; ok {
			toFree = append(toFree, p)
		}
	}
	if len(toFree) == 0 {
		return fvmerr.New("vslice.Shrink", fvmerr.NotAllocated, nil)
	}
	if err := a.Free(toFree...); err != nil {
		return fvmerr.New("vslice.Shrink", fvmerr.NotAllocated, err)
	}
	for v := start; v < start+count; v++ {
		delete(idx.mapping, v)
	}
	return nil
}
