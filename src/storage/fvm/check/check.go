// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package check implements the FVM consistency checker: a read-only
// walk of both metadata copies that verifies the structural invariants
// listed in verifyStructure (table bounds, slice ownership, virtual slice
// uniqueness and bound, instance GUID uniqueness, at most one active
// instance per type GUID) and reports every violation it finds rather than stopping at the
// first one, using go.uber.org/multierr to aggregate (a teacher
// dependency pulled from build/sdk/meta/product_bundle_container.go;
// see DESIGN.md).
package check

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"go.fuchsia.dev/fvm/src/storage/fvm/blockdev"
	"go.fuchsia.dev/fvm/src/storage/fvm/format"
)

// Result reports whether a device's FVM metadata is structurally sound.
type Result struct {
	Valid          bool
	ActiveCopy     format.Copy
	Reasons        []string
	InactiveCopyOK bool
}

// Options controls how thoroughly Check runs.
type Options struct {
	// VerifyInactiveCopy also decodes and validates the copy PickActive
	// didn't select, reporting its state in Result.InactiveCopyOK without
	// affecting Result.Valid (an inactive copy is allowed to be stale or
	// even corrupt; only the active copy must be sound).
	VerifyInactiveCopy bool
}

// Check reads both metadata copies from dev and verifies the active one.
// It never writes to dev.
func Check(ctx context.Context, dev blockdev.Device, metadataSize uint64, opts Options) (Result, error) {
	info, err := dev.Info(ctx)
	if err != nil {
		return Result{}, err
	}
	blocksPerCopy := metadataSize / uint64(info.BlockSize)

	aBuf := make([]byte, metadataSize)
	bBuf := make([]byte, metadataSize)
	if err := dev.ReadAt(ctx, aBuf, 0); err != nil {
		return Result{}, err
	}
	if err := dev.ReadAt(ctx, bBuf, blocksPerCopy); err != nil {
		return Result{}, err
	}

	which, m, ok := format.PickActive(aBuf, bBuf)
	if !ok {
		return Result{Valid: false, ActiveCopy: format.CopyNone, Reasons: []string{"neither metadata copy decodes"}}, nil
	}

	var errs error
	for _, reason := range verifyStructure(m) {
		errs = multierr.Append(errs, fmt.Errorf("%s", reason))
	}

	res := Result{ActiveCopy: which, Valid: errs == nil}
	if errs != nil {
		for _, e := range multierr.Errors(errs) {
			res.Reasons = append(res.Reasons, e.Error())
		}
	}

	if opts.VerifyInactiveCopy {
		var inactiveBuf []byte
		if which == format.CopyA {
			inactiveBuf = bBuf
		} else {
			inactiveBuf = aBuf
		}
		inactive, err := format.Decode(inactiveBuf)
		res.InactiveCopyOK = err == nil && len(verifyStructure(inactive)) == 0
	}

	return res, nil
}

// verifyStructure checks invariants Decode doesn't already enforce on its
// own (Decode already rejects bad magic/version/checksum/slice-owner
// range; this re-checks the table lengths and slice-owner range, plus
// cross-table invariants a corrupt but
// internally-consistent buffer could still violate).
func verifyStructure(m *format.Metadata) []string {
	var reasons []string

	if uint64(len(m.Partitions)) != m.Superblock.PartitionTableEntryCount {
		reasons = append(reasons, "partition table length disagrees with superblock count")
	}
	if uint64(len(m.Slices)) != m.Superblock.PhysicalSliceCount {
		reasons = append(reasons, "slice table length disagrees with superblock count")
	}

	ownerVSlices := make(map[uint32]map[uint32]bool)
	for phys, s := range m.Slices {
		if s.Free() {
			continue
		}
		owner := s.PartitionIndex - 1
		if int(owner) >= len(m.Partitions) {
			reasons = append(reasons, fmt.Sprintf("physical slice %d names out-of-range owner %d", phys, owner))
			continue
		}
		if m.Partitions[owner].Free() {
			reasons = append(reasons, fmt.Sprintf("physical slice %d is owned by free partition slot %d", phys, owner))
			continue
		}
		if ownerVSlices[owner] == nil {
			ownerVSlices[owner] = make(map[uint32]bool)
		}
		if ownerVSlices[owner][s.VSlice] {
			reasons = append(reasons, fmt.Sprintf("partition %d has two physical slices mapped to virtual slice %d", owner, s.VSlice))
		}
		ownerVSlices[owner][s.VSlice] = true
		if s.VSlice >= format.MaxVSlices {
			reasons = append(reasons, fmt.Sprintf("partition %d maps virtual slice %d beyond the %d bound", owner, s.VSlice, format.MaxVSlices))
		}
	}

	seenInstance := make(map[format.GUID]bool)
	activeByType := make(map[format.GUID]int)
	for i, p := range m.Partitions {
		if p.Free() {
			continue
		}
		if len(p.Name) > format.MaxNameLength {
			reasons = append(reasons, fmt.Sprintf("partition %d name exceeds %d bytes", i, format.MaxNameLength))
		}
		if seenInstance[p.InstanceGUID] {
			reasons = append(reasons, fmt.Sprintf("partition %d duplicates an instance GUID already seen", i))
		}
		seenInstance[p.InstanceGUID] = true
		if p.Flags&format.FlagActive != 0 {
			activeByType[p.TypeGUID]++
		}
	}
	for typeGUID, count := range activeByType {
		if count > 1 {
			reasons = append(reasons, fmt.Sprintf("type GUID %x has %d simultaneously active instances, want at most 1", typeGUID, count))
		}
	}

	return reasons
}
