// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package txn implements the two-copy commit protocol: stage mutations to
// an in-memory metadata copy, then Commit bumps the generation, encodes
// the copy, writes it to the currently-inactive on-disk slot, flushes the
// device and only then swaps which slot is considered active. A crash at
// any point before the flush completes leaves the previously-active copy
// untouched and still valid; a crash after leaves the new copy valid with
// a higher generation, so PickActive (package format) picks it up
// automatically on the next bind. Modeled on the teacher's archive writer
// (far.Write): build the whole artifact in memory, then perform one
// sequential, checked write.
package txn

import (
	"context"

	"go.fuchsia.dev/fvm/src/storage/fvm/blockdev"
	"go.fuchsia.dev/fvm/src/storage/fvm/format"
	"go.fuchsia.dev/fvm/src/storage/fvm/fvmerr"
)

// Engine owns the on-disk two-copy metadata region and serializes commits
// against it. Only one Engine should be bound to a given device at a
// time; concurrent Engines over the same bytes would race each other's
// generation bump.
type Engine struct {
	dev          blockdev.Device
	metadataSize uint64 // bytes per copy, a multiple of the device's block size
	blockSize    uint32
	active       format.Copy
	current      *format.Metadata
}

// Open reads both metadata copies from dev at block 0 (copy A) and block
// metadataSize/blockSize (copy B), picks the active one via
// format.PickActive, and returns an Engine ready to stage and commit
// further mutations. metadataSize must match what Init used to lay out
// the device.
func Open(ctx context.Context, dev blockdev.Device, metadataSize uint64) (*Engine, error) {
	info, err := dev.Info(ctx)
	if err != nil {
		return nil, fvmerr.New("txn.Open", fvmerr.IOError, err)
	}

	aBuf := make([]byte, metadataSize)
	bBuf := make([]byte, metadataSize)
	blocksPerCopy := metadataSize / uint64(info.BlockSize)

	if err := dev.ReadAt(ctx, aBuf, 0); err != nil {
		return nil, fvmerr.New("txn.Open", fvmerr.IOError, err)
	}
	if err := dev.ReadAt(ctx, bBuf, blocksPerCopy); err != nil {
		return nil, fvmerr.New("txn.Open", fvmerr.IOError, err)
	}

	which, m, ok := format.PickActive(aBuf, bBuf)
	if !ok {
		return nil, fvmerr.New("txn.Open", fvmerr.NoFVM, nil)
	}

	return &Engine{
		dev:          dev,
		metadataSize: metadataSize,
		blockSize:    info.BlockSize,
		active:       which,
		current:      m,
	}, nil
}

// Init formats a fresh device: writes an initial, empty metadata copy
// (generation 1) to both copy A and copy B and returns an Engine bound to
// it. sliceSize and blockSize must be validated by the caller (package
// manager) against the device's actual geometry before calling Init.
func Init(ctx context.Context, dev blockdev.Device, partitionCount, sliceCount int, sliceSize uint64) (*Engine, error) {
	info, err := dev.Info(ctx)
	if err != nil {
		return nil, fvmerr.New("txn.Init", fvmerr.IOError, err)
	}

	metadataSize := format.MetadataSize(partitionCount, sliceCount, uint64(info.BlockSize))
	m := &format.Metadata{
		Superblock: format.Superblock{
			MajorVersion:             format.CurrentMajorVersion,
			MinorVersion:             format.CurrentMinorVersion,
			SliceSize:                sliceSize,
			PartitionTableEntryCount: uint64(partitionCount),
			PhysicalSliceCount:       uint64(sliceCount),
			Generation:               1,
		},
		Partitions: make([]format.PartitionEntry, partitionCount),
		Slices:     make([]format.SliceEntry, sliceCount),
	}

	e := &Engine{dev: dev, metadataSize: metadataSize, blockSize: info.BlockSize, active: format.CopyA, current: m}
	buf := pad(format.Encode(m), metadataSize)
	blocksPerCopy := metadataSize / uint64(info.BlockSize)

	if err := dev.WriteAt(ctx, buf, 0); err != nil {
		return nil, fvmerr.New("txn.Init", fvmerr.IOError, err)
	}
	if err := dev.WriteAt(ctx, buf, blocksPerCopy); err != nil {
		return nil, fvmerr.New("txn.Init", fvmerr.IOError, err)
	}
	if err := dev.Flush(ctx); err != nil {
		return nil, fvmerr.New("txn.Init", fvmerr.IOError, err)
	}
	return e, nil
}

func pad(buf []byte, size uint64) []byte {
	if uint64(len(buf)) == size {
		return buf
	}
	out := make([]byte, size)
	copy(out, buf)
	return out
}

// Metadata returns the currently staged metadata. Callers (package
// manager) mutate its Partitions and Slices slices in place via ptable
// and vslice, then call Commit to make the mutation durable.
func (e *Engine) Metadata() *format.Metadata {
	return e.current
}

// MetadataSize returns the per-copy region size in bytes.
func (e *Engine) MetadataSize() uint64 {
	return e.metadataSize
}

// Commit durably persists the currently staged metadata: bump the
// generation, encode, write to the inactive copy, flush, then flip which
// copy is active. If any step before the final flip fails, the
// previously-active copy is still intact and e's staged state should be
// discarded by the caller (see Rollback).
func (e *Engine) Commit(ctx context.Context) error {
	e.current.Superblock.Generation++
	buf := pad(format.Encode(e.current), e.metadataSize)

	target := e.inactiveBlockOffset()
	if err := e.dev.WriteAt(ctx, buf, target); err != nil {
		e.current.Superblock.Generation--
		return fvmerr.New("txn.Commit", fvmerr.IOError, err)
	}
	if err := e.dev.Flush(ctx); err != nil {
		e.current.Superblock.Generation--
		return fvmerr.New("txn.Commit", fvmerr.IOError, err)
	}

	e.active = e.inactiveCopy()
	return nil
}

// Rollback re-reads the on-disk active copy, discarding any staged
// in-memory mutation that was never committed. Used when a caller-level
// operation fails partway through mutating e.current and wants the
// manager lock released with no partial state retained (spec's rebind
// semantics: "no retained uncommitted state").
func (e *Engine) Rollback(ctx context.Context) error {
	fresh, err := Open(ctx, e.dev, e.metadataSize)
	if err != nil {
		return err
	}
	e.active = fresh.active
	e.current = fresh.current
	return nil
}

func (e *Engine) inactiveCopy() format.Copy {
	if e.active == format.CopyA {
		return format.CopyB
	}
	return format.CopyA
}

func (e *Engine) inactiveBlockOffset() uint64 {
	if e.inactiveCopy() == format.CopyA {
		return 0
	}
	return e.metadataSize / uint64(e.blockSize)
}

// ActiveCopy reports which on-disk copy is currently considered live.
func (e *Engine) ActiveCopy() format.Copy {
	return e.active
}
