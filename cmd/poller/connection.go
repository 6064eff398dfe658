package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/orderbridge/poller/pkg/health"
	"github.com/orderbridge/poller/pkg/types"
	"github.com/orderbridge/poller/pkg/upstream"
)

var connectionCmd = &cobra.Command{
	Use:   "connection",
	Short: "Manage per-tenant connections",
}

var connectionAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		name, _ := cmd.Flags().GetString("name")
		baseURL, _ := cmd.Flags().GetString("base-url")
		database, _ := cmd.Flags().GetString("database")
		username, _ := cmd.Flags().GetString("username")
		apiKey, _ := cmd.Flags().GetString("api-key")
		webhookURL, _ := cmd.Flags().GetString("webhook-url")
		webhookSecret, _ := cmd.Flags().GetString("webhook-secret")
		storeID, _ := cmd.Flags().GetString("store-id")
		clientID, _ := cmd.Flags().GetString("client-id")
		pollInterval, _ := cmd.Flags().GetInt("poll-interval")
		if webhookURL == "" {
			webhookURL = cfg.DefaultWebhookURL
		}

		if name == "" || baseURL == "" || database == "" || webhookURL == "" {
			return fmt.Errorf("--name, --base-url, --database, and --webhook-url are required")
		}

		conn := &types.Connection{
			Name:                name,
			BaseURL:             baseURL,
			Database:            database,
			Username:            username,
			APIKey:              apiKey,
			WebhookURL:          webhookURL,
			WebhookSecret:       webhookSecret,
			StoreID:             storeID,
			ClientID:            clientID,
			PollIntervalSeconds: pollInterval,
			Active:              true,
		}

		if err := st.CreateConnection(conn); err != nil {
			return fmt.Errorf("create connection: %w", err)
		}

		fmt.Printf("Connection created: %s\n", conn.ID)
		return nil
	},
}

var connectionEditCmd = &cobra.Command{
	Use:   "edit CONNECTION_ID",
	Short: "Edit fields on an existing connection",
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

		if v, _ := cmd.Flags().GetString("name"); v != "" {
			conn.Name = v
		}
		if v, _ := cmd.Flags().GetString("base-url"); v != "" {
			conn.BaseURL = v
		}
		if v, _ := cmd.Flags().GetString("webhook-url"); v != "" {
			conn.WebhookURL = v
		}
		if v, _ := cmd.Flags().GetString("webhook-secret"); v != "" {
			conn.WebhookSecret = v
		}
		if v, _ := cmd.Flags().GetString("api-key"); v != "" {
			conn.APIKey = v
		}
		if v, _ := cmd.Flags().GetInt("poll-interval"); v > 0 {
			conn.PollIntervalSeconds = v
		}
		if cmd.Flags().Changed("active") {
			active, _ := cmd.Flags().GetBool("active")
			conn.Active = active
		}

		if err := st.UpdateConnection(conn); err != nil {
			return fmt.Errorf("update connection: %w", err)
		}
		fmt.Printf("Connection updated: %s\n", conn.ID)
		return nil
	},
}

var connectionRmCmd = &cobra.Command{
	Use:   "rm CONNECTION_ID",
	Short: "Delete a connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DeleteConnection(args[0]); err != nil {
			return fmt.Errorf("delete connection: %w", err)
		}
		fmt.Printf("Connection deleted: %s\n", args[0])
		return nil
	},
}

var connectionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		conns, err := st.ListConnections()
		if err != nil {
			return fmt.Errorf("list connections: %w", err)
		}
		if len(conns) == 0 {
			fmt.Println("No connections found")
			return nil
		}

		fmt.Printf("%-36s %-20s %-8s %-10s %s\n", "ID", "NAME", "ACTIVE", "BREAKER", "LAST_SYNC")
		for _, c := range conns {
			lastSync := "<never>"
			if c.LastSyncAt != nil {
				lastSync = c.LastSyncAt.Format(time.RFC3339)
			}
			fmt.Printf("%-36s %-20s %-8t %-10s %s\n", c.ID, truncate(c.Name, 20), c.Active, c.BreakerState, lastSync)
		}
		return nil
	},
}

var connectionTestCmd = &cobra.Command{
	Use:   "test CONNECTION_ID",
	Short: "Run an ad-hoc authentication probe against a connection's upstream",
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

		client := upstream.New(conn.BaseURL, conn.Database, conn.Username, conn.APIKey)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := client.Authenticate(ctx); err != nil {
			return fmt.Errorf("authentication probe failed: %w", err)
		}
		fmt.Printf("Connection %s: authentication OK\n", conn.ID)

		webhookCheck := health.NewHTTPChecker(conn.WebhookURL).
			WithMethod("HEAD").
			WithStatusRange(100, 599) // any response means the endpoint is reachable
		result := webhookCheck.Check(ctx)
		if result.Healthy {
			fmt.Printf("Connection %s: webhook reachable (%s)\n", conn.ID, result.Message)
		} else {
			fmt.Printf("Connection %s: webhook unreachable: %s\n", conn.ID, result.Message)
		}
		return nil
	},
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func init() {
	connectionAddCmd.Flags().String("name", "", "Connection name")
	connectionAddCmd.Flags().String("base-url", "", "Upstream base URL")
	connectionAddCmd.Flags().String("database", "", "Upstream database name")
	connectionAddCmd.Flags().String("username", "", "Upstream username")
	connectionAddCmd.Flags().String("api-key", "", "Upstream API key")
	connectionAddCmd.Flags().String("webhook-url", "", "Destination webhook URL")
	connectionAddCmd.Flags().String("webhook-secret", "", "Webhook shared secret")
	connectionAddCmd.Flags().String("store-id", "", "Downstream store identifier")
	connectionAddCmd.Flags().String("client-id", "", "Downstream client identifier")
	connectionAddCmd.Flags().Int("poll-interval", types.DefaultPollIntervalSeconds, "Poll interval in seconds")

	connectionEditCmd.Flags().String("name", "", "Connection name")
	connectionEditCmd.Flags().String("base-url", "", "Upstream base URL")
	connectionEditCmd.Flags().String("api-key", "", "Upstream API key")
	connectionEditCmd.Flags().String("webhook-url", "", "Destination webhook URL")
	connectionEditCmd.Flags().String("webhook-secret", "", "Webhook shared secret")
	connectionEditCmd.Flags().Int("poll-interval", 0, "Poll interval in seconds")
	connectionEditCmd.Flags().Bool("active", true, "Whether the connection is active")

	connectionCmd.AddCommand(connectionAddCmd, connectionEditCmd, connectionRmCmd, connectionLsCmd, connectionTestCmd)
}
