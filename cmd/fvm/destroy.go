// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"

	"go.fuchsia.dev/fvm/logger"
)

type destroyCommand struct{}

func (*destroyCommand) Name() string     { return "destroy" }
func (*destroyCommand) Synopsis() string { return "wipe an FVM image's metadata, leaving slice data untouched" }
func (*destroyCommand) Usage() string {
	return "destroy <image-path>\n\nZeroes both metadata copies on <image-path> so it's no longer recognized as an FVM image. Does not free or overwrite the underlying slice bytes.\n"
}

func (*destroyCommand) SetFlags(*flag.FlagSet) {}

func (*destroyCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		logger.Errorf(ctx, "destroy: expected exactly one image path argument")
		return subcommands.ExitUsageError
	}
	path := f.Arg(0)

	dev, closeDev, err := openDevice(path, false, 0)
	if err != nil {
		logger.Errorf(ctx, "%v", err)
		return subcommands.ExitFailure
	}
	defer closeDev()

	metadataSize, err := probeMetadataSize(ctx, dev)
	if err != nil {
		logger.Errorf(ctx, "destroy: %v", err)
		return subcommands.ExitFailure
	}

	zero := make([]byte, metadataSize)
	blocksPerCopy := metadataSize / defaultBlockSize
	if err := dev.WriteAt(ctx, zero, 0); err != nil {
		logger.Errorf(ctx, "destroy: wipe copy A: %v", err)
		return subcommands.ExitFailure
	}
	if err := dev.WriteAt(ctx, zero, blocksPerCopy); err != nil {
		logger.Errorf(ctx, "destroy: wipe copy B: %v", err)
		return subcommands.ExitFailure
	}
	if err := dev.Flush(ctx); err != nil {
		logger.Errorf(ctx, "destroy: flush: %v", err)
		return subcommands.ExitFailure
	}

	logger.Infof(ctx, "destroyed FVM metadata on %s", path)
	return subcommands.ExitSuccess
}
