// Copyright 2019 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package command

import (
	"context"
	"flag"

	"github.com/google/subcommands"
)

// Cancelable wraps a subcommands.Command so that Execute returns as soon as
// its context is canceled, even if the wrapped command's own Execute is
// still running. The wrapped command's goroutine is not killed; it is left
// to finish (or leak) on its own, since Go has no mechanism to preempt it.
func Cancelable(cmd subcommands.Command) subcommands.Command {
	return &cancelable{cmd}
}

type cancelable struct {
	cmd subcommands.Command
}

func (c *cancelable) Name() string     { return c.cmd.Name() }
func (c *cancelable) Usage() string    { return c.cmd.Usage() }
func (c *cancelable) Synopsis() string { return c.cmd.Synopsis() }

func (c *cancelable) SetFlags(f *flag.FlagSet) { c.cmd.SetFlags(f) }

func (c *cancelable) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	done := make(chan subcommands.ExitStatus, 1)
	go func() {
		done <- c.cmd.Execute(ctx, f, args...)
	}()
	select {
	case status := <-done:
		return status
	case <-ctx.Done():
		return subcommands.ExitFailure
	}
}
