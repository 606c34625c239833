// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the zxcv auth daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattyatea/zxcv-sub002/cmd/zxcv-authd/app"
	"github.com/mattyatea/zxcv-sub002/pkg/logger"
)

func main() {
	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
