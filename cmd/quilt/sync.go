package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quiltsync/quilt/internal/sync/state"
)

var syncVerbose bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	Long: `Connect to the sync server, pull remote operations, push the queued
local operations, and exit.

The connection is retried with exponential backoff before giving up.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(io.Discard, "", 0)
		if syncVerbose {
			logger = log.New(os.Stderr, "[quilt] ", log.LstdFlags)
		}

		a, err := buildApp(logger, false, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		ctx := context.Background()
		if err := a.engine.Initialize(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing sync: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Connecting to %s...\n", viper.GetString("server"))
		start := time.Now()

		// Retry the connect until the handshake lands or the budget runs out.
		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
		err = backoff.Retry(func() error {
			if err := a.engine.Connect(ctx); err != nil {
				return err
			}
			return waitForState(a.engine.State, state.Connected, 10*time.Second)
		}, policy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting: %v\n", err)
			os.Exit(1)
		}

		if err := a.engine.SyncNow(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		pending, err := a.queue.Size(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pending: %d\n", pending)
		fmt.Printf("   Clock: %v\n", a.engine.Clock())
	},
}

// waitForState polls until current() reaches want or the timeout elapses.
func waitForState(current func() state.State, want state.State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if current() == want {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for state %s (now %s)", want, current())
}

func init() {
	syncCmd.Flags().BoolVarP(&syncVerbose, "verbose", "v", false, "log sync activity to stderr")
	rootCmd.AddCommand(syncCmd)
}
