package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/quiltsync/quilt/internal/sync/state"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch the vault and sync continuously (foreground)",
	Long: `Run the quilt sync daemon in foreground mode.

The daemon will:
  1. Connect to the sync server and perform an initial sync
  2. Watch the vault directory for note changes
  3. Queue, seal, and push local changes as they settle
  4. Apply remote changes back into the vault

Logs rotate under the data directory. Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		dir, err := dataDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		// Rotate daemon logs; mirror to stderr in foreground mode.
		logFile := &lumberjack.Logger{
			Filename:   filepath.Join(dir, "quilt.log"),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		logger := log.New(io.MultiWriter(os.Stderr, logFile), "[quilt] ", log.LstdFlags)

		a, err := buildApp(logger, true, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		a.engine.OnStateChange(func(from, to state.State, event state.Event) {
			logger.Printf("Connection %s -> %s (%s)", from, to, event)
		})
		a.engine.OnError(func(err error) {
			logger.Printf("Sync error: %v", err)
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := a.engine.Initialize(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing sync: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("quilt daemon started (device %s)\n", a.device.DeviceName())
		fmt.Printf("   Data: %s\n", a.dataDir)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		// Start watching (this blocks until signal).
		if err := a.watcher.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}

		logger.Println("Daemon stopped")
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
