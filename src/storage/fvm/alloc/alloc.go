// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package alloc implements the physical slice allocator: a next-fit sweep
// over a fixed-size bitmap of physical slices, with no promise of
// contiguity between slices handed out in the same call. Modeled on the
// mutex-guarded free-list bookkeeping in the teacher's amber daemon and
// the idle/allocatable split in the blobstore volume allocator, simplified
// down to FVM's single free/allocated bit per physical slice.
package alloc

import (
	"sync"

	"go.fuchsia.dev/fvm/src/storage/fvm/fvmerr"
)

// Allocator tracks which physical slices are in use. It is not itself
// transactional: callers stage Allocate/Free calls against an in-progress
// transaction and either Commit or Rollback the whole batch (see package
// txn), mirroring how the bitmap mutates only in memory until the
// transaction's metadata copy is durably written.
type Allocator struct {
	mu        sync.Mutex
	allocated []bool
	next      int // next-fit cursor
}

// New returns an Allocator over totalCount physical slices, all initially
// free.
func New(totalCount int) *Allocator {
	return &Allocator{allocated: make([]bool, totalCount)}
}

// Restore builds an Allocator whose allocated set is exactly the slices in
// allocatedSlices, for reconstructing allocator state from on-disk
// metadata at bind time.
func Restore(totalCount int, allocatedSlices []uint32) *Allocator {
	a := New(totalCount)
	for _, s := range allocatedSlices {
		a.allocated[s] = true
	}
	return a
}

// TotalCount returns the total number of physical slices this allocator
// manages.
func (a *Allocator) TotalCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

// AllocatedCount returns the number of physical slices currently marked
// allocated.
func (a *Allocator) AllocatedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, b := range a.allocated {
		if b {
			n++
		}
	}
	return n
}

// Allocate returns count free physical slice indices, marking them
// allocated. The returned slices are not guaranteed contiguous: the
// allocator performs a next-fit sweep and simply takes whatever is free.
// On failure (not enough free slices) no state is changed.
func (a *Allocator) Allocate(count int) ([]uint32, error) {
	if count == 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freeCountLocked() < count {
		return nil, fvmerr.New("alloc.Allocate", fvmerr.NoSpace, nil)
	}

	out := make([]uint32, 0, count)
	n := len(a.allocated)
	start := a.next
	for i := 0; i < n && len(out) < count; i++ {
		idx := (start + i) % n
		if !a.allocated[idx] {
			out = append(out, uint32(idx))
		}
	}

	for _, idx := range out {
		a.allocated[idx] = true
	}
	a.next = (int(out[len(out)-1]) + 1) % n
	return out, nil
}

// Free marks the given physical slices free again. Freeing an already-free
// slice is a caller error (fvmerr.NotAllocated): within a single
// uncommitted transaction a slice may only be freed once, matching the
// on-disk slice table's single owner-index-per-slot invariant.
func (a *Allocator) Free(slices ...uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range slices {
		if int(s) >= len(a.allocated) {
			return fvmerr.New("alloc.Free", fvmerr.OutOfRange, nil)
		}
		if !a.allocated[s] {
			return fvmerr.New("alloc.Free", fvmerr.NotAllocated, nil)
		}
	}
	for _, s := range slices {
		a.allocated[s] = false
	}
	return nil
}

func (a *Allocator) freeCountLocked() int {
	n := 0
	for _, b := range a.allocated {
		if !b {
			n++
		}
	}
	return n
}

// Snapshot returns the sorted list of currently allocated physical slice
// indices, for persisting allocator state into the slice table.
func (a *Allocator) Snapshot() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []uint32
	for i, b := range a.allocated {
		if b {
			out = append(out, uint32(i))
		}
	}
	return out
}
