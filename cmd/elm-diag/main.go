package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		if err != errFailed {
			fmt.Fprintf(os.Stderr, "elm-diag: %v\n", err)
		}
		cancel()
		os.Exit(1)
	}
}
