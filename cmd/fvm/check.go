// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"

	"github.com/golang/glog"
	"github.com/google/subcommands"

	"go.fuchsia.dev/fvm/logger"
	"go.fuchsia.dev/fvm/src/storage/fvm/check"
)

type checkCommand struct {
	verifyInactive bool
}

func (*checkCommand) Name() string     { return "check" }
func (*checkCommand) Synopsis() string { return "verify an FVM image's metadata consistency" }
func (*checkCommand) Usage() string {
	return "check [flags] <image-path>\n\nReads <image-path>'s metadata and reports any structural inconsistency. Never writes.\n"
}

func (c *checkCommand) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.verifyInactive, "verify-inactive", false, "also validate the inactive metadata copy")
}

func (c *checkCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		logger.Errorf(ctx, "check: expected exactly one image path argument")
		return subcommands.ExitUsageError
	}
	path := f.Arg(0)

	dev, closeDev, err := openDevice(path, false, 0)
	if err != nil {
		logger.Errorf(ctx, "%v", err)
		return subcommands.ExitFailure
	}
	defer closeDev()

	if glog.V(1) {
		glog.Infof("check: probing metadata size for %s", path)
	}
	metadataSize, err := probeMetadataSize(ctx, dev)
	if err != nil {
		logger.Errorf(ctx, "check: %v", err)
		return subcommands.ExitFailure
	}
	if glog.V(1) {
		glog.Infof("check: metadata region is %d bytes per copy", metadataSize)
	}

	res, err := check.Check(ctx, dev, metadataSize, check.Options{VerifyInactiveCopy: c.verifyInactive})
	if err != nil {
		logger.Errorf(ctx, "check: %v", err)
		return subcommands.ExitFailure
	}

	if glog.V(2) {
		glog.Infof("check: active copy %v, %d reasons", res.ActiveCopy, len(res.Reasons))
	}

	if res.Valid {
		logger.Infof(ctx, "%s is consistent (active copy %v)", path, res.ActiveCopy)
		if c.verifyInactive {
			if res.InactiveCopyOK {
				logger.Infof(ctx, "inactive copy also validates")
			} else {
				logger.Warningf(ctx, "inactive copy does not validate (this is not itself a failure)")
			}
		}
		return subcommands.ExitSuccess
	}

	logger.Errorf(ctx, "%s is inconsistent (active copy %v):", path, res.ActiveCopy)
	for _, reason := range res.Reasons {
		logger.Errorf(ctx, "  %s", reason)
	}
	return subcommands.ExitFailure
}
