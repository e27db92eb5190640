package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kon-rad/tswriter/internal/app"
	"github.com/kon-rad/tswriter/internal/config"
	"github.com/kon-rad/tswriter/internal/logging"
)

var version = "dev"

func main() {
	for _, arg := range os.Args[1:] {
		switch arg {
		case "--help", "-h":
			config.WriteHelp(os.Stdout, version)
			return
		case "--version":
			fmt.Println(version)
			return
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tswriter: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tswriter: %v\n", err)
		os.Exit(1)
	}

	if err := app.New(cfg, logger, version).Run(ctx); err != nil {
		logger.Error("tswriter stopped with error", "error", err)
		stop()
		os.Exit(1)
	}
}
