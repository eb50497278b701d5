package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"matrixci/internal/cli"
	errUtils "matrixci/internal/errors"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first signal cancels the run: running steps are stopped and legs
	// conclude cancelled. A second signal exits immediately.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
		s := <-sigChan
		if sig, ok := s.(syscall.Signal); ok {
			errUtils.OsExit(128 + int(sig))
		}
		errUtils.OsExit(130)
	}()

	errUtils.OsExit(cli.Main(ctx, os.Args[1:], os.Stdout, os.Stderr))
}
