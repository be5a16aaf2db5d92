package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/quiltsync/quilt/internal/identity"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Display the current state of the local sync store.

Shows:
  - Store location and size
  - Device identity
  - Pending and permanently-failed operation counts
  - Last successful sync time`,
	Run: func(cmd *cobra.Command, args []string) {
		dir, err := dataDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		dbPath := filepath.Join(dir, "quilt.db")
		info, err := os.Stat(dbPath)
		if os.IsNotExist(err) {
			fmt.Printf("\nSync store not initialized\n")
			fmt.Printf("   Run 'quilt sync' or 'quilt daemon' to create it\n\n")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking store: %v\n", err)
			os.Exit(1)
		}

		db, _, err := openDB()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()
		device, err := identity.Load(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading identity: %v\n", err)
			os.Exit(1)
		}

		pending, err := db.CountOperations(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting operations: %v\n", err)
			os.Exit(1)
		}
		failed, err := db.CountFailed(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting failed operations: %v\n", err)
			os.Exit(1)
		}

		lastSync := "never"
		if value, ok, err := db.GetMeta(ctx, "last_sync"); err == nil && ok {
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
				lastSync = time.UnixMilli(ms).Format("2006-01-02 15:04:05")
			}
		}

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\nQuilt Sync Status\n\n")
		fmt.Printf("Store: %s (%s)\n", dbPath, sizeStr)
		fmt.Printf("Device: %s (%s)\n", device.DeviceName(), device.DeviceID())
		fmt.Printf("Pending: %d\n", pending)
		fmt.Printf("Failed: %d\n", failed)
		fmt.Printf("Last sync: %s\n", lastSync)
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
