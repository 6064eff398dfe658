package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orderbridge/poller/pkg/types"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Circuit breaker operator actions",
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset CONNECTION_ID",
	Short: "Clear a connection's breaker fields back to CLOSED",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		conn, err := st.GetConnection(args[0])
		if err != nil {
			return fmt.Errorf("get connection: %w", err)
		}

		conn.BreakerState = types.BreakerClosed
		conn.FailureCount = 0
		conn.HalfOpenSuccesses = 0
		conn.EarliestRetryAt = nil

		if err := st.UpdateBreakerFields(conn); err != nil {
			return fmt.Errorf("reset breaker: %w", err)
		}
		fmt.Printf("Breaker reset to CLOSED for connection %s\n", conn.ID)
		return nil
	},
}

func init() {
	breakerCmd.AddCommand(breakerResetCmd)
}
