package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orderbridge/poller/pkg/dispatcher"
	"github.com/orderbridge/poller/pkg/mapper"
	"github.com/orderbridge/poller/pkg/types"
	"github.com/orderbridge/poller/pkg/upstream"
)

var confirmedStates = []interface{}{"sale", "done"}

var orderFields = []string{
	"id", "name", "write_date", "date_order", "state",
	"partner_id", "partner_shipping_id", "amount_total", "note", "client_order_ref", "order_line",
}

// resendCmd re-sends the last N confirmed orders for a connection
// straight to its webhook, bypassing the ledger: an operator action
// that overrides dedupe, not a cycle the Worker would ever run itself.
var resendCmd = &cobra.Command{
	Use:   "resend",
	Short: "Manually re-send the last N confirmed orders for a connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		connectionID, _ := cmd.Flags().GetString("connection")
		count, _ := cmd.Flags().GetInt("count")
		if connectionID == "" {
			return fmt.Errorf("--connection is required")
		}
		if count <= 0 {
			count = 1
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

		client := upstream.New(conn.BaseURL, conn.Database, conn.Username, conn.APIKey)
		ctx := cmd.Context()
		if err := client.EnsureSession(ctx); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}

		records, err := client.SearchRead(ctx, "sale.order",
			[]interface{}{[]interface{}{"state", "in", confirmedStates}},
			orderFields, "write_date desc", count)
		if err != nil {
			return fmt.Errorf("fetch orders: %w", err)
		}

		d := dispatcher.New()
		mapConn := mapper.Connection{ID: conn.ID, Database: conn.Database, StoreID: conn.StoreID, ClientID: conn.ClientID}

		sent := 0
		for _, raw := range records {
			var order types.OrderRecord
			if err := json.Unmarshal(raw, &order); err != nil {
				fmt.Printf("skip: unmarshal order failed: %v\n", err)
				continue
			}

			partner, shipping, err := fetchPartners(ctx, client, order)
			if err != nil {
				fmt.Printf("skip order %s: %v\n", order.Name, err)
				continue
			}

			envelope, err := mapper.Map(mapConn, order, partner, shipping, mapper.Batch{})
			if err != nil {
				fmt.Printf("skip order %s: %v\n", order.Name, err)
				continue
			}

			result, err := d.Send(ctx, conn.WebhookURL, conn.WebhookSecret, conn.ID, envelope)
			if err != nil {
				fmt.Printf("order %s: dispatch error: %v\n", order.Name, err)
				continue
			}
			if !result.OK {
				fmt.Printf("order %s: webhook rejected (status=%d)\n", order.Name, result.StatusCode)
				continue
			}

			fmt.Printf("order %s: resent OK\n", order.Name)
			sent++
		}

		fmt.Printf("%d/%d orders resent\n", sent, len(records))
		return nil
	},
}

var partnerFields = []string{
	"id", "name", "phone", "mobile", "email",
	"street", "street2", "city", "state_name", "zip", "country_code", "sale_order_count",
}

// fetchPartners loads the customer and shipping contacts for one order.
// Resend is an operator utility, not the poll cycle, so it keeps its own
// small prefetch instead of reusing the Worker's concurrent batch path.
func fetchPartners(ctx context.Context, client *upstream.Client, order types.OrderRecord) (types.Partner, types.Partner, error) {
	ids := []int{order.PartnerID}
	if order.PartnerShipID != 0 && order.PartnerShipID != order.PartnerID {
		ids = append(ids, order.PartnerShipID)
	}

	records, err := client.Read(ctx, "res.partner", ids, partnerFields)
	if err != nil {
		return types.Partner{}, types.Partner{}, fmt.Errorf("read partners: %w", err)
	}

	byID := make(map[int]types.Partner, len(records))
	for _, raw := range records {
		var p types.Partner
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		byID[p.ID] = p
	}

	partner, ok := byID[order.PartnerID]
	if !ok {
		return types.Partner{}, types.Partner{}, fmt.Errorf("partner %d not found", order.PartnerID)
	}
	shipping := partner
	if order.PartnerShipID != 0 {
		if s, ok := byID[order.PartnerShipID]; ok {
			shipping = s
		}
	}
	return partner, shipping, nil
}

func init() {
	resendCmd.Flags().String("connection", "", "Connection ID")
	resendCmd.Flags().Int("count", 1, "Number of most recent orders to resend")
}
