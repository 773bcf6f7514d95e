package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// signalContext cancels on SIGINT or SIGTERM. SIGTERM is the graceful
// shutdown signal under systemd and Kubernetes.
func signalContext(parent context.Context) context.Context {
	ctx, _ := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	return ctx
}
