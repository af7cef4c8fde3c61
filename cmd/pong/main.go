package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tkjaer/pong/internal/config"
	"github.com/tkjaer/pong/internal/manager"
)

func main() {
	args, err := config.ParseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	logFile, err := config.SetupLogging(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	slog.Debug("Starting pong",
		"destination", args.Destination,
		"port", args.Port,
		"count", args.Count,
		"capture", args.Capture,
	)

	m, err := manager.New(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan error)
	go func() {
		done <- m.Run()
	}()

	select {
	case err = <-done:
	case <-sigChan:
		slog.Debug("Received interrupt signal, stopping...")
		m.Stop()
		err = <-done
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if logFile != nil {
			logFile.Close()
		}
		os.Exit(1)
	}

	slog.Debug("pong completed")
}
