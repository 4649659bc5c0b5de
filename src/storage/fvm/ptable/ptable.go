// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ptable implements the partition table: a fixed-size array of
// slots identifying each partition by type and instance GUID, plus the
// two-phase activate/deactivate upgrade protocol keyed on instance GUID.
// All mutation happens against an in-memory copy staged by a caller-owned
// transaction (package txn); ptable itself performs no I/O.
package ptable

import (
	"go.fuchsia.dev/fvm/src/storage/fvm/format"
	"go.fuchsia.dev/fvm/src/storage/fvm/fvmerr"
)

// Table is the in-memory partition table, a thin view over a
// []format.PartitionEntry slice shared with the enclosing transaction's
// staged metadata.
type Table struct {
	entries []format.PartitionEntry
}

// New wraps entries (typically format.Metadata.Partitions) as a Table. The
// slice is referenced, not copied: mutating methods write through it.
func New(entries []format.PartitionEntry) *Table {
	return &Table{entries: entries}
}

// Entries returns the live partition-table slice.
func (t *Table) Entries() []format.PartitionEntry {
	return t.entries
}

// Create allocates a free slot for a new partition with the given type
// GUID, caller-supplied instance GUID, name and initial flags. Returns the
// new partition's index. instance must not already identify a live entry
// in this table -- Create wires that check through DuplicateInstanceCheck
// rather than leaving callers to race it themselves.
func (t *Table) Create(typeGUID, instance format.GUID, name string, flags format.PartitionFlags) (int, error) {
	if len(name) > format.MaxNameLength {
		return 0, fvmerr.New("ptable.Create", fvmerr.NameTooLong, nil)
	}
	if typeGUID.IsZero() {
		return 0, fvmerr.New("ptable.Create", fvmerr.BadGUID, nil)
	}
	if err := t.DuplicateInstanceCheck(instance); err != nil {
		return 0, fvmerr.New("ptable.Create", fvmerr.DuplicateInstance, err)
	}

	idx := -1
	for i := range t.entries {
		if t.entries[i].Free() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, fvmerr.New("ptable.Create", fvmerr.NoFreeEntry, nil)
	}

	t.entries[idx] = format.PartitionEntry{
		TypeGUID:     typeGUID,
		InstanceGUID: instance,
		Name:         name,
		Flags:        flags,
	}
	return idx, nil
}

// Destroy frees the slot at idx, dropping the partition's identity. It
// does not touch the slice table; callers must free the partition's
// physical slices first (see package vslice).
func (t *Table) Destroy(idx int) error {
	if idx < 0 || idx >= len(t.entries) {
		return fvmerr.New("ptable.Destroy", fvmerr.OutOfRange, nil)
	}
	if t.entries[idx].Free() {
		return fvmerr.New("ptable.Destroy", fvmerr.NotFound, nil)
	}
	t.entries[idx] = format.PartitionEntry{}
	return nil
}

// LookupByInstance returns the index of the partition with the given
// instance GUID.
func (t *Table) LookupByInstance(instance format.GUID) (int, error) {
	for i := range t.entries {
		if t.entries[i].Free() {
			continue
		}
		if t.entries[i].InstanceGUID == instance {
			return i, nil
		}
	}
	return 0, fvmerr.New("ptable.LookupByInstance", fvmerr.NotFound, nil)
}

// Activate runs the upgrade protocol: atomically clears the active flag on
// the entry named by old (if any) and sets it on the entry named by new.
// new must exist -- Activate fails with fvmerr.NotFound if it doesn't; old
// may be absent (e.g. the zero GUID, or any instance no longer in the
// table), in which case only new is activated. old and new naming the same
// entry is a valid idempotent no-op that leaves it active.
func (t *Table) Activate(old, new format.GUID) error {
	newIdx, err := t.LookupByInstance(new)
	if err != nil {
		return fvmerr.New("ptable.Activate", fvmerr.NotFound, err)
	}

	if oldIdx, err := t.LookupByInstance(old); err == nil {
		t.entries[oldIdx].Flags &^= format.FlagActive
		t.entries[oldIdx].Flags |= format.FlagInactive
	}

	t.entries[newIdx].Flags |= format.FlagActive
	t.entries[newIdx].Flags &^= format.FlagInactive
	return nil
}

// DuplicateInstanceCheck reports fvmerr.DuplicateInstance if instance is
// already present in the table. Create calls this itself; it's exported
// separately so callers restoring a partition from an external source
// (e.g. a clone) can check before staging any other mutation.
func (t *Table) DuplicateInstanceCheck(instance format.GUID) error {
	if _, err := t.LookupByInstance(instance); err == nil {
		return fvmerr.New("ptable.DuplicateInstanceCheck", fvmerr.DuplicateInstance, nil)
	}
	return nil
}
