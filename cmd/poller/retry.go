package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/orderbridge/poller/pkg/dispatcher"
	"github.com/orderbridge/poller/pkg/types"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Operator actions on queued retry items",
}

var retryLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List retry items for a connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		connectionID, _ := cmd.Flags().GetString("connection")
		if connectionID == "" {
			return fmt.Errorf("--connection is required")
		}

		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		items, err := st.ListRetryItemsByConnection(connectionID)
		if err != nil {
			return fmt.Errorf("list retry items: %w", err)
		}
		if len(items) == 0 {
			fmt.Println("No retry items found")
			return nil
		}

		fmt.Printf("%-36s %-10s %-8s %-8s %s\n", "ID", "ORDER_ID", "STATUS", "ATTEMPT", "NEXT_RETRY_AT")
		for _, item := range items {
			fmt.Printf("%-36s %-10d %-8s %-8d %s\n", item.ID, item.UpstreamOrderID, item.Status, item.Attempt, item.NextRetryAt.Format(time.RFC3339))
		}
		return nil
	},
}

var retryNowCmd = &cobra.Command{
	Use:   "retry-now",
	Short: "Immediately attempt delivery of one retry item, bypassing its backoff schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		connectionID, _ := cmd.Flags().GetString("connection")
		itemID, _ := cmd.Flags().GetString("item")
		if connectionID == "" || itemID == "" {
			return fmt.Errorf("--connection and --item are required")
		}

		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		conn, err := st.GetConnection(connectionID)
		if err != nil {
			return fmt.Errorf("get connection: %w", err)
		}

		items, err := st.ListRetryItemsByConnection(connectionID)
		if err != nil {
			return fmt.Errorf("list retry items: %w", err)
		}
		var item *types.RetryItem
		for _, candidate := range items {
			if candidate.ID == itemID {
				item = candidate
				break
			}
		}
		if item == nil {
			return fmt.Errorf("retry item %s not found for connection %s", itemID, connectionID)
		}

		var envelope types.Envelope
		if err := json.Unmarshal(item.Payload, &envelope); err != nil {
			return fmt.Errorf("unmarshal retry payload: %w", err)
		}

		d := dispatcher.New()
		result, err := d.Send(cmd.Context(), conn.WebhookURL, conn.WebhookSecret, conn.ID, envelope)
		if err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		if !result.OK {
			return fmt.Errorf("webhook rejected delivery: status=%d body=%s", result.StatusCode, result.Body)
		}

		if err := st.MarkSent(conn.ID, item.UpstreamOrderID, item.WriteDate); err != nil {
			return fmt.Errorf("mark ledger: %w", err)
		}
		if err := st.MarkRetrySuccess(item.ID); err != nil {
			return fmt.Errorf("mark retry success: %w", err)
		}

		fmt.Printf("Retry item %s delivered successfully\n", item.ID)
		return nil
	},
}

var retryDiscardCmd = &cobra.Command{
	Use:   "discard ITEM_ID",
	Short: "Discard a retry item without delivering it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DiscardRetryItem(args[0]); err != nil {
			return fmt.Errorf("discard retry item: %w", err)
		}
		fmt.Printf("Retry item discarded: %s\n", args[0])
		return nil
	},
}

func init() {
	retryLsCmd.Flags().String("connection", "", "Connection ID")
	retryNowCmd.Flags().String("connection", "", "Connection ID")
	retryNowCmd.Flags().String("item", "", "Retry item ID")
	retryCmd.AddCommand(retryLsCmd, retryNowCmd, retryDiscardCmd)
}
