// Package main is the operational surface of the classification engine:
// the worker daemon plus the administrative commands for initializing,
// inspecting, cancelling, resuming, and repairing files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brunoagalliu/ios-phone-checker-sub000/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "phone-checker",
		Short:         "Durable chunked phone classification engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newWorkerCmd(),
		newTickCmd(),
		newInitCmd(),
		newProgressCmd(),
		newActiveCmd(),
		newDownloadCmd(),
		newCancelCmd(),
		newResumeCmd(),
		newRepairCmd(),
	)
	return root
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadConfig builds and validates configuration from the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
