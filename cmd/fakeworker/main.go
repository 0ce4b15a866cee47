// Command fakeworker is a scripted worker used by integration tests.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/featbit/vibeguild-sub001/pkg/testharness"
)

func main() {
	os.Exit(run())
}

func run() int {
	worker, prompt, err := testharness.ParseFakeWorker(os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		return 2
	}

	ctx := context.Background()
	if worker.IgnoreTerm {
		signal.Ignore(syscall.SIGTERM)
	} else {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer stop()
	}

	return worker.Run(ctx, prompt)
}
