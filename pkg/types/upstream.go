package types

import "encoding/json"

// The structs below are the typed shape the UpstreamClient's untyped
// search_read/read records are parsed into at the Store/UpstreamClient
// seam (design note in spec.md §9: "explicit typed records ... at
// component boundaries, validated at the Store/UpstreamClient seam, not
// sprinkled through the engine"). The Mapper only ever sees these.

// OrderRecord is one confirmed sales order as read from upstream.
type OrderRecord struct {
	ID             int         `json:"id"`
	Name           string      `json:"name"` // e.g. "S00042"
	WriteDate      string      `json:"write_date"`
	DateOrder      string      `json:"date_order"`
	State          string      `json:"state"` // "sale" | "done"
	PartnerID      int         `json:"partner_id"`
	PartnerShipID  int         `json:"partner_shipping_id"`
	AmountTotal    json.Number `json:"amount_total"`
	Note           string      `json:"note"`
	ClientOrderRef string      `json:"client_order_ref"`
	LineIDs        []int       `json:"order_line"`
}

// Partner is a customer or shipping-address contact.
type Partner struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Mobile     string `json:"mobile"`
	Email      string `json:"email"`
	Street     string `json:"street"`
	Street2    string `json:"street2"`
	City       string `json:"city"`
	StateName  string `json:"state_name"`
	Zip        string `json:"zip"`
	CountryISO string `json:"country_code"`
	OrderCount int    `json:"sale_order_count"`
}

// OrderLine is one sale order line.
type OrderLine struct {
	ID            int         `json:"id"`
	OrderID       int         `json:"order_id"`
	ProductID     int         `json:"product_id"`
	ProductUOMQty json.Number `json:"product_uom_qty"`
	PriceUnit     json.Number `json:"price_unit"`
}

// Product is a product variant.
type Product struct {
	ID                int    `json:"id"`
	DefaultCode       string `json:"default_code"`
	Barcode           string `json:"barcode"`
	TemplateID        int    `json:"product_tmpl_id"`
	AttributeValueIDs []int  `json:"product_template_attribute_value_ids"`
}

// Template is a product template (the parent of one or more variants).
type Template struct {
	ID          int    `json:"id"`
	DefaultCode string `json:"default_code"`
}

// AttributeValue is one product template attribute value (e.g. "Red",
// "Large"), ordered per upstream declaration.
type AttributeValue struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Sequence int    `json:"sequence"`
}
