// Package main is the entry point for the Gafaelfawr server and its
// maintenance commands.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lsst-sqre/gafaelfawr/cmd/gafaelfawr/app"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
)

func main() {
	logger.Initialize()

	// Cancel the command context on SIGINT or SIGTERM so the server
	// shuts down gracefully under Kubernetes.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
