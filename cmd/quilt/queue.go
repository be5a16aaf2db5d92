package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the durable operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending operations",
	Run: func(cmd *cobra.Command, args []string) {
		db, _, err := openDB()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		records, err := db.ListOperations(context.Background(), 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing operations: %v\n", err)
			os.Exit(1)
		}

		if len(records) == 0 {
			fmt.Println("Queue is empty")
			return
		}

		fmt.Printf("%d pending operation(s)\n\n", len(records))
		for _, rec := range records {
			queued := time.UnixMilli(rec.Timestamp).Format("2006-01-02 15:04:05")
			fmt.Printf("%-8s %-30s attempts=%d queued=%s\n", rec.Type, rec.EntityID, rec.Attempts, queued)
		}
	},
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List permanently failed operations",
	Run: func(cmd *cobra.Command, args []string) {
		db, _, err := openDB()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		records, err := db.ListFailed(context.Background(), 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing failed operations: %v\n", err)
			os.Exit(1)
		}

		if len(records) == 0 {
			fmt.Println("No failed operations")
			return
		}

		fmt.Printf("%d failed operation(s)\n\n", len(records))
		for _, rec := range records {
			failedAt := time.UnixMilli(rec.FailedAt).Format("2006-01-02 15:04:05")
			fmt.Printf("%-8s %-30s failed=%s reason=%s\n", rec.Type, rec.EntityID, failedAt, rec.Reason)
		}
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueFailedCmd)
	rootCmd.AddCommand(queueCmd)
}
