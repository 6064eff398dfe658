package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Inspect sync logs",
}

var logTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent sync logs for a connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		connectionID, _ := cmd.Flags().GetString("connection")
		limit, _ := cmd.Flags().GetInt("n")
		if connectionID == "" {
			return fmt.Errorf("--connection is required")
		}

		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		logs, err := st.ListSyncLogs(connectionID, limit)
		if err != nil {
			return fmt.Errorf("list sync logs: %w", err)
		}
		if len(logs) == 0 {
			fmt.Println("No sync logs found")
			return nil
		}

		for _, entry := range logs {
			fmt.Printf("%s  found=%-4d sent=%-4d failed=%-4d skipped=%-4d duration=%dms breaker=%s->%s",
				entry.StartedAt.Format(time.RFC3339),
				entry.OrdersFound, entry.OrdersSent, entry.OrdersFailed, entry.OrdersSkippedByLedger,
				entry.DurationMillis, entry.BreakerStateOnEntry, entry.BreakerStateOnExit)
			if entry.ErrorSummary != "" {
				fmt.Printf("  error=%q", entry.ErrorSummary)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	logTailCmd.Flags().String("connection", "", "Connection ID")
	logTailCmd.Flags().IntP("n", "n", 20, "Number of entries to print, most recent first")
	logCmd.AddCommand(logTailCmd)
}
