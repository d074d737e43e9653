// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the Entativa ID daemon and CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/entativa/eid/cmd/eid/app"
	"github.com/entativa/eid/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	// Create a context that is cancelled on SIGINT or SIGTERM so the serve
	// command can shut down cleanly.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
