// Package types holds the domain structs shared by every component of the
// poller: the persisted entities from the data model and the in-memory
// envelope shapes the Mapper produces.
package types

import (
	"encoding/json"
	"time"
)

// BreakerState is the per-connection circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// Valid reports whether s is one of the three defined breaker states.
func (s BreakerState) Valid() bool {
	switch s {
	case BreakerClosed, BreakerOpen, BreakerHalfOpen:
		return true
	}
	return false
}

// Connection is one tenant: upstream credentials, webhook target, cadence,
// and the mutable high-water mark and breaker fields the Worker updates
// every cycle.
type Connection struct {
	ID        string
	Name      string
	BaseURL   string
	Database  string
	Username  string
	APIKey    string // cleartext at this boundary; encrypted at rest by the Store
	SessionID *int   // not written by the engine; the session id is cached only inside upstream.Client

	WebhookURL    string
	WebhookSecret string // cleartext at this boundary; encrypted at rest by the Store
	StoreID       string
	ClientID      string

	PollIntervalSeconds int
	Active              bool

	LastSyncAt *time.Time // nil means uninitialized (seed path)

	BreakerState      BreakerState
	FailureCount      int
	HalfOpenSuccesses int
	EarliestRetryAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DefaultPollIntervalSeconds is used when a connection is created without
// an explicit cadence.
const DefaultPollIntervalSeconds = 60

// SentOrder is one ledger row: an order confirmed delivered (or seeded)
// for a connection, keyed by the uniqueness triple described in spec §3.
type SentOrder struct {
	ConnectionID    string
	UpstreamOrderID int
	WriteDate       time.Time
	SentAt          time.Time
}

// RetryStatus is the lifecycle state of a RetryItem.
type RetryStatus string

const (
	RetryPending   RetryStatus = "PENDING"
	RetrySuccess   RetryStatus = "SUCCESS"
	RetryFailed    RetryStatus = "FAILED"
	RetryDiscarded RetryStatus = "DISCARDED"
)

// DefaultMaxAttempts is the default ceiling on RetryItem attempts before
// the item is marked FAILED and requires operator action.
const DefaultMaxAttempts = 5

// RetryItem is a durably queued envelope whose webhook delivery failed.
type RetryItem struct {
	ID              string
	ConnectionID    string
	UpstreamOrderID int
	WriteDate       time.Time // the order's write_date, for the ledger composite key on eventual success
	ExternalID      string    // "upstream_{db}_{order_id}"
	Payload         json.RawMessage
	Attempt         int
	MaxAttempts     int
	NextRetryAt     time.Time
	LastError       string
	Status          RetryStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SyncLog is one append-only observability record for a single cycle.
type SyncLog struct {
	ID                    string
	ConnectionID          string
	StartedAt             time.Time
	DurationMillis        int64
	OrdersFound           int
	OrdersSent            int
	OrdersFailed          int
	OrdersSkippedByLedger int
	ErrorSummary          string
	BreakerStateOnEntry   BreakerState
	BreakerStateOnExit    BreakerState
}

// EnvelopeItem is one normalized order line inside an Envelope.
type EnvelopeItem struct {
	SKU         string      `json:"sku"`
	Name        string      `json:"name"`
	VariantName string      `json:"variant_name"`
	Quantity    int         `json:"quantity"`
	PriceCents  json.Number `json:"price_cents"`
}

// Envelope is the exact outbound JSON payload posted to a connection's
// webhook. Field names and nesting follow spec.md §6 verbatim.
type Envelope struct {
	Event      string           `json:"event"`
	ExternalID string           `json:"external_id"`
	Source     EnvelopeSource   `json:"source"`
	Order      EnvelopeOrder    `json:"order"`
	Customer   EnvelopeCustomer `json:"customer"`
	Shipping   EnvelopeShipping `json:"shipping_address"`
	Items      []EnvelopeItem   `json:"items"`
}

type EnvelopeSource struct {
	Platform     string `json:"platform"`
	ConnectionID string `json:"connection_id"`
	StoreID      string `json:"store_id"`
	ClientID     string `json:"client_id"`
}

type EnvelopeOrder struct {
	PlatformOrderID     string                 `json:"platform_order_id"`
	PlatformOrderNumber string                 `json:"platform_order_number"`
	DateOrder           string                 `json:"date_order"`
	FinancialStatus      string                `json:"financial_status"`
	Note                 *string                `json:"note"`
	ClientOrderRef       *string                `json:"client_order_ref"`
	AmountTotal          json.Number            `json:"amount_total"`
	Tags                 []string               `json:"tags"`
	PlatformAttributes   map[string]interface{} `json:"platform_attributes"`
}

type EnvelopeCustomer struct {
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	OrdersCount int    `json:"orders_count"`
}

type EnvelopeShipping struct {
	Name     string `json:"name"`
	Address1 string `json:"address1"`
	Address2 string `json:"address2"`
	City     string `json:"city"`
	Province string `json:"province"`
	Zip      string `json:"zip"`
	Country  string `json:"country"`
	Phone    string `json:"phone"`
}
