// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package manager implements the FVM volume manager: the entry point that
// binds to a block device, formats it, and serializes every mutating
// partition operation (allocate, extend, shrink, destroy, activate)
// behind a single lock so the in-memory allocator, partition table and
// virtual slice indices never observe each other's half-finished work.
// Modeled on the single-mutex, serialize-everything style of the
// teacher's amber daemon (garnet/go/src/amber/daemon/daemon.go).
package manager

import (
	"context"
	"sync"

	"go.fuchsia.dev/fvm/src/storage/fvm/alloc"
	"go.fuchsia.dev/fvm/src/storage/fvm/blockdev"
	"go.fuchsia.dev/fvm/src/storage/fvm/format"
	"go.fuchsia.dev/fvm/src/storage/fvm/fvmerr"
	"go.fuchsia.dev/fvm/src/storage/fvm/ptable"
	"go.fuchsia.dev/fvm/src/storage/fvm/txn"
	"go.fuchsia.dev/fvm/src/storage/fvm/vslice"
)

// PartitionInfo is the caller-facing view of one partition's state,
// returned by Query.
type PartitionInfo struct {
	Index        int
	TypeGUID     format.GUID
	InstanceGUID format.GUID
	Name         string
	Active       bool
	VSliceRanges []vslice.Range
}

// ManagerInfo is the caller-facing view of the manager's overall state,
// returned by QueryManager.
type ManagerInfo struct {
	SliceSize           uint64
	PartitionSlotCount  int
	TotalSliceCount     int
	AllocatedSliceCount int
	Generation          uint64
}

// Manager binds one FVM instance to one block device. Every method that
// touches manager state, Query and QueryManager included, takes the single
// manager lock, so all of them serialize against each other, the same
// trade FVM's C++ implementation makes by guarding the whole
// VPartitionManager with one mutex.
type Manager struct {
	mu        sync.Mutex
	dev       blockdev.Device
	engine    *txn.Engine
	allocator *alloc.Allocator
	vslices   []*vslice.Index // indexed by partition table slot
}

// Init formats dev as a fresh FVM instance with the given slice size and
// table capacities, then Binds to it. sliceSize and blockSize are
// validated against the device's actual geometry (spec's supplemented
// Init-time validation, grounded on fvm::FormatBlockDevice in
// original_source/system/utest/fvm/fvm.cc): sliceSize must be a multiple
// of the device's block size, and the device must be large enough to
// hold the requested partition and slice table capacities plus their
// two-copy metadata overhead.
func Init(ctx context.Context, dev blockdev.Device, partitionSlotCount, sliceCount int, sliceSize uint64) (*Manager, error) {
	info, err := dev.Info(ctx)
	if err != nil {
		return nil, fvmerr.New("manager.Init", fvmerr.IOError, err)
	}
	if sliceSize == 0 || sliceSize%uint64(info.BlockSize) != 0 {
		return nil, fvmerr.New("manager.Init", fvmerr.BadState, nil)
	}

	metadataSize := format.MetadataSize(partitionSlotCount, sliceCount, uint64(info.BlockSize))
	deviceSize := uint64(info.BlockSize) * info.BlockCount
	usable := format.UsableSliceCount(deviceSize, metadataSize, sliceSize)
	if usable < uint64(sliceCount) {
		return nil, fvmerr.New("manager.Init", fvmerr.DeviceTooSmall, nil)
	}

	if _, err := txn.Init(ctx, dev, partitionSlotCount, sliceCount, sliceSize); err != nil {
		return nil, err
	}
	return Bind(ctx, dev)
}

// Bind opens an existing FVM instance on dev, reconstructing the
// allocator and every partition's virtual slice index from the on-disk
// slice table.
func Bind(ctx context.Context, dev blockdev.Device) (*Manager, error) {
	metadataSize, err := probeMetadataSize(ctx, dev)
	if err != nil {
		return nil, err
	}
	engine, err := txn.Open(ctx, dev, metadataSize)
	if err != nil {
		return nil, err
	}

	mgr := &Manager{dev: dev, engine: engine}
	mgr.reloadFromMetadataLocked()
	return mgr, nil
}

// reloadFromMetadataLocked rebuilds the allocator and every partition's
// virtual slice index from m.engine.Metadata(), discarding whatever those
// structures held before. Used both by Bind (first load) and
// rollbackLocked (reload after a failed mutation). Must be called with
// m.mu held, except during construction in Bind before m is published.
func (m *Manager) reloadFromMetadataLocked() {
	md := m.engine.Metadata()
	var allocated []uint32
	for phys, s := range md.Slices {
		if !s.Free() {
			allocated = append(allocated, uint32(phys))
		}
	}
	m.allocator = alloc.Restore(len(md.Slices), allocated)
	m.vslices = make([]*vslice.Index, len(md.Partitions))
	for i := range md.Partitions {
		m.vslices[i] = vslice.Restore(i, md.Slices)
	}
}

// probeMetadataSize reads the first block to recover the encoded table
// sizes, then computes the exact metadata region length. FVM's
// metadataSize isn't itself stored in the superblock (it's a pure
// function of partition/slice counts and block size), so Bind has to
// decode the cheap fixed-size header first.
func probeMetadataSize(ctx context.Context, dev blockdev.Device) (uint64, error) {
	info, err := dev.Info(ctx)
	if err != nil {
		return 0, fvmerr.New("manager.Bind", fvmerr.IOError, err)
	}
	// One block is always enough to contain the superblock header
	// (format.Size(0, 0) is far smaller than any reasonable block size).
	head := make([]byte, info.BlockSize)
	if err := dev.ReadAt(ctx, head, 0); err != nil {
		return 0, fvmerr.New("manager.Bind", fvmerr.IOError, err)
	}
	partitionCount, sliceCount, ok := format.PeekTableSizes(head)
	if !ok {
		return 0, fvmerr.New("manager.Bind", fvmerr.NoFVM, nil)
	}
	return format.MetadataSize(partitionCount, sliceCount, uint64(info.BlockSize)), nil
}

// AllocatePartition creates a new partition with the given type GUID,
// caller-supplied instance GUID, name and initial flags, and atomically
// maps slice_count virtual slices to it (virtual 0..slice_count-1) in the
// same transaction as the partition-table entry. Returns the new
// partition's index. A failure at either step leaves no trace: the
// partition entry and any slices already allocated toward it are rolled
// back together.
func (m *Manager) AllocatePartition(ctx context.Context, typeGUID, instance format.GUID, name string, sliceCount int, flags format.PartitionFlags) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl := ptable.New(m.engine.Metadata().Partitions)
	idx, err := tbl.Create(typeGUID, instance, name, flags)
	if err != nil {
		return 0, err
	}

	vs := vslice.New(idx)
	if sliceCount > 0 {
		if err := vs.Extend(m.allocator, 0, uint32(sliceCount)); err != nil {
			_ = m.rollbackLocked(ctx)
			return 0, err
		}
		vs.WriteInto(m.engine.Metadata().Slices)
	}

	if err := m.engine.Commit(ctx); err != nil {
		_ = m.rollbackLocked(ctx)
		return 0, err
	}
	m.vslices[idx] = vs
	return idx, nil
}

// Extend maps count additional virtual slices to partition, starting at
// start. Extend is all-or-nothing: a failure (capacity or overlap) never
// leaves a partial mapping.
func (m *Manager) Extend(ctx context.Context, instance format.GUID, start, count uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, vs, err := m.lookupLocked(instance)
	if err != nil {
		return err
	}
	if err := vs.Extend(m.allocator, start, count); err != nil {
		return err
	}
	vs.WriteInto(m.engine.Metadata().Slices)
	if err := m.engine.Commit(ctx); err != nil {
		_ = m.rollbackLocked(ctx)
		return err
	}
	return nil
}

// Shrink unmaps count virtual slices from partition starting at start,
// freeing their physical backing.
func (m *Manager) Shrink(ctx context.Context, instance format.GUID, start, count uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, vs, err := m.lookupLocked(instance)
	if err != nil {
		return err
	}
	if err := vs.Shrink(m.allocator, start, count); err != nil {
		return err
	}
	vs.WriteInto(m.engine.Metadata().Slices)
	if err := m.engine.Commit(ctx); err != nil {
		_ = m.rollbackLocked(ctx)
		return err
	}
	return nil
}

// DestroyPartition frees every virtual slice of partition and its
// partition-table slot.
func (m *Manager) DestroyPartition(ctx context.Context, instance format.GUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, vs, err := m.lookupLocked(instance)
	if err != nil {
		return err
	}
	for _, r := range vs.QueryRanges() {
		if err := vs.Shrink(m.allocator, r.Start, r.Count); err != nil {
			_ = m.rollbackLocked(ctx)
			return err
		}
	}
	vs.WriteInto(m.engine.Metadata().Slices)

	tbl := ptable.New(m.engine.Metadata().Partitions)
	if err := tbl.Destroy(idx); err != nil {
		_ = m.rollbackLocked(ctx)
		return err
	}
	if err := m.engine.Commit(ctx); err != nil {
		_ = m.rollbackLocked(ctx)
		return err
	}
	m.vslices[idx] = vslice.New(idx)
	return nil
}

// Activate runs the upgrade protocol (package ptable): old is demoted (if
// it names a live instance) and new is made active. new must exist; old
// may be absent, including the zero GUID for an initial activation with
// no prior generation. old == new is a valid idempotent no-op.
func (m *Manager) Activate(ctx context.Context, old, new format.GUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl := ptable.New(m.engine.Metadata().Partitions)
	if err := tbl.Activate(old, new); err != nil {
		return err
	}
	if err := m.engine.Commit(ctx); err != nil {
		_ = m.rollbackLocked(ctx)
		return err
	}
	return nil
}

// rollbackLocked discards any mutation staged since the last successful
// Commit: it reloads the transaction engine's metadata from the
// still-active on-disk copy, then rebuilds the allocator and every
// partition's virtual slice index from that reloaded metadata, so no
// stale allocation or mapping state survives a failed operation. Must be
// called with m.mu held.
func (m *Manager) rollbackLocked(ctx context.Context) error {
	if err := m.engine.Rollback(ctx); err != nil {
		return err
	}
	m.reloadFromMetadataLocked()
	return nil
}

// Query returns the current state of the partition identified by
// instance.
func (m *Manager) Query(ctx context.Context, instance format.GUID) (PartitionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, vs, err := m.lookupLocked(instance)
	if err != nil {
		return PartitionInfo{}, err
	}
	p := m.engine.Metadata().Partitions[idx]
	return PartitionInfo{
		Index:        idx,
		TypeGUID:     p.TypeGUID,
		InstanceGUID: p.InstanceGUID,
		Name:         p.Name,
		Active:       p.Flags&format.FlagActive != 0,
		VSliceRanges: vs.QueryRanges(),
	}, nil
}

// QueryManager returns the manager's overall capacity and generation.
func (m *Manager) QueryManager(ctx context.Context) ManagerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb := m.engine.Metadata().Superblock
	return ManagerInfo{
		SliceSize:           sb.SliceSize,
		PartitionSlotCount:  len(m.engine.Metadata().Partitions),
		TotalSliceCount:     m.allocator.TotalCount(),
		AllocatedSliceCount: m.allocator.AllocatedCount(),
		Generation:          sb.Generation,
	}
}

// Translate resolves vslice of the partition identified by instance to
// the physical slice backing it, for the block server (package server).
func (m *Manager) Translate(instance format.GUID, vs uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, idx, err := m.lookupLocked(instance)
	if err != nil {
		return 0, err
	}
	return idx.Translate(vs)
}

// Device returns the block device this manager is bound to, for the
// block server to dispatch physical I/O against.
func (m *Manager) Device() blockdev.Device {
	return m.dev
}

func (m *Manager) lookupLocked(instance format.GUID) (int, *vslice.Index, error) {
	tbl := ptable.New(m.engine.Metadata().Partitions)
	idx, err := tbl.LookupByInstance(instance)
	if err != nil {
		return 0, nil, err
	}
	return idx, m.vslices[idx], nil
}
