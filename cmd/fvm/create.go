// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/google/uuid"

	"go.fuchsia.dev/fvm/command"
	"go.fuchsia.dev/fvm/logger"
	"go.fuchsia.dev/fvm/src/storage/fvm/format"
	"go.fuchsia.dev/fvm/src/storage/fvm/manager"
)

type createCommand struct {
	sizeBytes      int64
	sliceSize      uint64
	partitionSlots int
	partitions     command.StringsFlag
}

func (*createCommand) Name() string     { return "create" }
func (*createCommand) Synopsis() string { return "format a file as a new FVM image" }
func (*createCommand) Usage() string {
	return "create [flags] <image-path>\n\n" +
		"Formats <image-path> as a fresh FVM image, optionally creating and\n" +
		"activating one or more initial partitions.\n"
}

func (c *createCommand) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.sizeBytes, "size", 64<<20, "total image size in bytes")
	f.Uint64Var(&c.sliceSize, "slice-size", 1<<20, "slice size in bytes, must be a multiple of the block size")
	f.IntVar(&c.partitionSlots, "partitions", 16, "number of partition table slots")
	f.Var(&c.partitions, "partition", "create and activate an initial partition, as type:name[:slices] "+
		"(16-byte hex type GUID, slices defaults to 1); may be repeated")
}

// initialPartition is one -partition flag value, parsed.
type initialPartition struct {
	typeGUID   format.GUID
	name       string
	sliceCount int
}

func parseInitialPartition(spec string) (initialPartition, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return initialPartition{}, fmt.Errorf("-partition %q: want type:name[:slices]", spec)
	}
	typeGUID, err := parseGUID(parts[0])
	if err != nil {
		return initialPartition{}, fmt.Errorf("-partition %q: %w", spec, err)
	}
	p := initialPartition{typeGUID: typeGUID, name: parts[1], sliceCount: 1}
	if len(parts) == 3 {
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 0 {
			return initialPartition{}, fmt.Errorf("-partition %q: slices must be a non-negative integer", spec)
		}
		p.sliceCount = n
	}
	return p, nil
}

func (c *createCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		logger.Errorf(ctx, "create: expected exactly one image path argument")
		return subcommands.ExitUsageError
	}
	path := f.Arg(0)

	var initial []initialPartition
	for _, spec := range c.partitions {
		p, err := parseInitialPartition(spec)
		if err != nil {
			logger.Errorf(ctx, "create: %v", err)
			return subcommands.ExitUsageError
		}
		initial = append(initial, p)
	}

	dev, closeDev, err := openDevice(path, true, c.sizeBytes)
	if err != nil {
		logger.Errorf(ctx, "%v", err)
		return subcommands.ExitFailure
	}
	defer closeDev()

	// The slice table's own size depends on how many slices it holds, so
	// size it first against an upper-bound estimate (the whole image is
	// slice space) and then ask UsableSliceCount for the real, slightly
	// smaller count once the two metadata copies are accounted for.
	estimate := int(uint64(c.sizeBytes) / c.sliceSize)
	metadataSize := format.MetadataSize(c.partitionSlots, estimate, defaultBlockSize)
	sliceCount := int(format.UsableSliceCount(uint64(c.sizeBytes), metadataSize, c.sliceSize))
	if sliceCount <= 0 {
		logger.Errorf(ctx, "create: image too small for even one slice at slice-size=%d", c.sliceSize)
		return subcommands.ExitFailure
	}

	mgr, err := manager.Init(ctx, dev, c.partitionSlots, sliceCount, c.sliceSize)
	if err != nil {
		logger.Errorf(ctx, "create: %v", err)
		return subcommands.ExitFailure
	}
	logger.Infof(ctx, "formatted %s: %d partition slots, %d slices of %d bytes", path, c.partitionSlots, sliceCount, c.sliceSize)

	for _, p := range initial {
		instance := format.GUID(uuid.New())
		if _, err := mgr.AllocatePartition(ctx, p.typeGUID, instance, p.name, p.sliceCount, format.FlagInactive); err != nil {
			logger.Errorf(ctx, "create: allocate partition %q: %v", p.name, err)
			return subcommands.ExitFailure
		}
		if err := mgr.Activate(ctx, format.GUID{}, instance); err != nil {
			logger.Errorf(ctx, "create: activate partition %q: %v", p.name, err)
			return subcommands.ExitFailure
		}
		logger.Infof(ctx, "created and activated partition %q, instance %s, %d slices", p.name, fmt.Sprintf("%x", instance), p.sliceCount)
	}

	return subcommands.ExitSuccess
}
