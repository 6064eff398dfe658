// Package mapper is the pure upstream-record-to-envelope transform. It
// performs no I/O; the Worker prefetches everything it needs into the
// typed maps this package consumes (spec.md §9's "typed records ...
// validated at the Store/UpstreamClient seam, not sprinkled through the
// engine").
package mapper

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orderbridge/poller/pkg/types"
)

// ErrMissingField is returned when a required upstream field is absent,
// letting the Worker apply the "Mapper data defect" row of spec.md §7
// (skip the order, count as failed, log at WARN, no retry) without
// inspecting error strings.
var ErrMissingField = errors.New("mapper: missing required field")

// Connection carries the per-connection identity fields the envelope
// echoes, kept separate from types.Connection so Map does not need the
// credential fields in scope.
type Connection struct {
	ID       string
	Database string
	StoreID  string
	ClientID string
}

// Batch is everything the Worker prefetched for one order, indexed by
// upstream id the way §4.6 step 6 describes.
type Batch struct {
	Lines           []types.OrderLine
	Products        map[int]types.Product
	Templates       map[int]types.Template
	AttributeValues map[int]types.AttributeValue
}

// Map transforms one confirmed order and its prefetched batch into the
// outbound Envelope. It performs no I/O.
func Map(conn Connection, order types.OrderRecord, partner types.Partner, shipping types.Partner, batch Batch) (types.Envelope, error) {
	if order.Name == "" {
		return types.Envelope{}, fmt.Errorf("%w: order.Name", ErrMissingField)
	}
	if partner.ID == 0 {
		return types.Envelope{}, fmt.Errorf("%w: partner", ErrMissingField)
	}

	dateOrder, err := normalizeDate(order.DateOrder)
	if err != nil {
		return types.Envelope{}, fmt.Errorf("%w: order.DateOrder: %v", ErrMissingField, err)
	}

	items := mapItems(order.ID, conn.Database, batch)

	var note *string
	if order.Note != "" {
		note = &order.Note
	}
	var clientOrderRef *string
	if order.ClientOrderRef != "" {
		clientOrderRef = &order.ClientOrderRef
	}

	envelope := types.Envelope{
		Event:      "order.confirmed",
		ExternalID: fmt.Sprintf("upstream_%s_%d", conn.Database, order.ID),
		Source: types.EnvelopeSource{
			Platform:     "UPSTREAM",
			ConnectionID: conn.ID,
			StoreID:      conn.StoreID,
			ClientID:     conn.ClientID,
		},
		Order: types.EnvelopeOrder{
			PlatformOrderID:     fmt.Sprintf("%d", order.ID),
			PlatformOrderNumber: order.Name,
			DateOrder:           dateOrder,
			FinancialStatus:     financialStatus(order.State),
			Note:                note,
			ClientOrderRef:      clientOrderRef,
			AmountTotal:         order.AmountTotal,
			Tags:                []string{},
			PlatformAttributes: map[string]interface{}{
				"upstream_state":  order.State,
				"client_order_ref": order.ClientOrderRef,
			},
		},
		Customer: types.EnvelopeCustomer{
			Name:        partner.Name,
			Phone:       preferredPhone(partner),
			Email:       partner.Email,
			OrdersCount: partner.OrderCount,
		},
		Shipping: types.EnvelopeShipping{
			Name:     shipping.Name,
			Address1: shipping.Street,
			Address2: shipping.Street2,
			City:     shipping.City,
			Province: shipping.StateName,
			Zip:      shipping.Zip,
			Country:  shipping.CountryISO,
			Phone:    preferredPhone(shipping),
		},
		Items: items,
	}
	return envelope, nil
}

// financialStatus maps the upstream confirmed-order state to the
// envelope's financial_status field. Both confirmed states ("sale",
// "done") are reported as "paid"; the Worker never maps any other state
// (the fetch predicate excludes them).
func financialStatus(state string) string {
	switch state {
	case "sale", "done":
		return "paid"
	default:
		return state
	}
}

func preferredPhone(p types.Partner) string {
	if p.Mobile != "" {
		return p.Mobile
	}
	return p.Phone
}

func normalizeDate(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty date")
	}
	for _, layout := range []string{
		"2006-01-02 15:04:05",
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format("2006-01-02T15:04:05Z"), nil
		}
	}
	return "", fmt.Errorf("unrecognized date format %q", raw)
}

// mapItems builds the envelope's line items: lines with quantity <= 0
// are omitted, SKU follows the fallback chain in spec.md §4.4, and the
// variant label concatenates the product's attribute values in
// upstream-declared order.
func mapItems(orderID int, database string, batch Batch) []types.EnvelopeItem {
	var items []types.EnvelopeItem
	for _, line := range batch.Lines {
		if line.OrderID != orderID {
			continue
		}
		qtyFloat := jsonNumberToFloat(line.ProductUOMQty)
		if qtyFloat <= 0 {
			continue
		}

		product := batch.Products[line.ProductID]
		template := batch.Templates[product.TemplateID]

		items = append(items, types.EnvelopeItem{
			SKU:         deriveSKU(product, template, database),
			Name:        productName(product, template),
			VariantName: variantLabel(product, batch.AttributeValues),
			Quantity:    int(qtyFloat),
			PriceCents:  line.PriceUnit,
		})
	}
	return items
}

// deriveSKU follows the ordered fallback: product's primary code →
// product's barcode → parent template's primary code → synthesized id.
func deriveSKU(product types.Product, template types.Template, database string) string {
	if product.DefaultCode != "" {
		return product.DefaultCode
	}
	if product.Barcode != "" {
		return product.Barcode
	}
	if template.DefaultCode != "" {
		return template.DefaultCode
	}
	return fmt.Sprintf("UPSTREAM-%s-%d", database, product.ID)
}

func productName(product types.Product, template types.Template) string {
	if template.DefaultCode != "" {
		return template.DefaultCode
	}
	return product.DefaultCode
}

// variantLabel joins the product's attribute values in upstream-declared
// order (product.AttributeValueIDs), not re-sorted by any local field.
func variantLabel(product types.Product, attributeValues map[int]types.AttributeValue) string {
	names := make([]string, 0, len(product.AttributeValueIDs))
	for _, id := range product.AttributeValueIDs {
		if av, ok := attributeValues[id]; ok {
			names = append(names, av.Name)
		}
	}
	return joinComma(names)
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func jsonNumberToFloat(n json.Number) float64 {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}
