// Package store defines the durable state contract for the poller and a
// BoltDB-backed implementation. The Store owns every persisted row
// described in spec.md §3 (Connection, SentOrder ledger, RetryItem,
// SyncLog); every other component reads and writes through it.
package store

import (
	"errors"
	"time"

	"github.com/orderbridge/poller/pkg/types"
)

var (
	// ErrNotFound is returned by single-row getters when no row matches.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicatePending is returned by EnqueueRetry when a PENDING
	// retry item already exists for (connection_id, order_id).
	ErrDuplicatePending = errors.New("store: duplicate pending retry item")

	// ErrCursorRegression is returned by UpdateLastSyncAt when the new
	// value would move last_sync_at backward.
	ErrCursorRegression = errors.New("store: last_sync_at must not regress")
)

// Store is the durable state contract. All methods are safe for
// concurrent use by multiple connection tasks; BoltDB serializes writers
// internally and never blocks readers on a write in flight.
type Store interface {
	// Connection
	ListActiveConnections() ([]*types.Connection, error)
	ListConnections() ([]*types.Connection, error)
	GetConnection(id string) (*types.Connection, error)
	CreateConnection(conn *types.Connection) error
	UpdateConnection(conn *types.Connection) error
	DeleteConnection(id string) error
	UpdateBreakerFields(conn *types.Connection) error
	UpdateLastSyncAt(connectionID string, t time.Time) error

	// Ledger
	WasSent(connectionID string, orderID int, writeDate time.Time) (bool, error)
	MarkSent(connectionID string, orderID int, writeDate time.Time) error
	TrimToLimit(connectionID string, limit int) error

	// Retry
	EnqueueRetry(item *types.RetryItem) error
	DueRetryItems(connectionID string, now time.Time) ([]*types.RetryItem, error)
	UpdateRetryAfterAttempt(item *types.RetryItem) error
	MarkRetrySuccess(itemID string) error
	ListRetryItemsByConnection(connectionID string) ([]*types.RetryItem, error)
	DiscardRetryItem(itemID string) error

	// Logs
	AppendSyncLog(entry *types.SyncLog) error
	ListSyncLogs(connectionID string, limit int) ([]*types.SyncLog, error)

	Close() error
}
