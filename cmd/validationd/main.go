package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/xrpl-labs/validationd/app/validationd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := validationd.Initialize(ctx)
	if err != nil {
		panic(err)
	}

	app.Start(ctx)
}
