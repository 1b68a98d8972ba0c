package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/butter-bot-machines/scribe/pkg/cmd"
)

var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	// a second signal while shutting down forces the exit
	forced := make(chan os.Signal, 2)
	signal.Notify(forced, shutdownSignals...)
	defer signal.Stop(forced)
	done := make(chan struct{})
	defer close(done)
	go func() {
		received := 0
		for {
			select {
			case <-forced:
				received++
				if received >= 2 {
					fmt.Fprintln(os.Stderr, "forced exit")
					os.Exit(cmd.ExitFatal)
				}
			case <-done:
				return
			}
		}
	}()

	return cmd.NewCLI(os.Stdout, os.Stderr).Run(ctx, os.Args[1:])
}
