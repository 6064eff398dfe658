package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/orderbridge/poller/pkg/store/crypto"
	"github.com/orderbridge/poller/pkg/types"
)

var (
	bucketConnections    = []byte("connections")
	bucketLedger         = []byte("ledger")
	bucketLedgerBySentAt = []byte("ledger_by_sent_at")
	bucketRetryItems     = []byte("retry_items")
	bucketRetryPending   = []byte("retry_pending")
	bucketRetryDue       = []byte("retry_due")
	bucketSyncLogs       = []byte("sync_logs")
)

// BoltStore implements Store using an embedded go.etcd.io/bbolt database:
// one writer transaction at a time, MVCC snapshot reads that never block
// on it, and an append-only file — the single-writer/concurrent-reader
// model spec.md §4.1/§5 calls for, with no separate WAL layer needed.
type BoltStore struct {
	db    *bolt.DB
	codec *crypto.Codec
}

// NewBoltStore opens (creating if necessary) a BoltDB file under dataDir
// and ensures every bucket this Store needs exists.
func NewBoltStore(dataDir string, codec *crypto.Codec) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "poller.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketConnections, bucketLedger, bucketLedgerBySentAt,
			bucketRetryItems, bucketRetryPending, bucketRetryDue, bucketSyncLogs,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, codec: codec}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- key encoding helpers -------------------------------------------------

func u64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func ledgerKey(connectionID string, orderID int, writeDate time.Time) []byte {
	var buf bytes.Buffer
	buf.WriteString(connectionID)
	buf.WriteByte(0)
	buf.Write(u64(int64(orderID)))
	buf.WriteByte(0)
	buf.Write(u64(writeDate.UnixNano()))
	return buf.Bytes()
}

func ledgerBySentAtKey(connectionID string, sentAt time.Time, orderID int) []byte {
	var buf bytes.Buffer
	buf.WriteString(connectionID)
	buf.WriteByte(0)
	buf.Write(u64(sentAt.UnixNano()))
	buf.WriteByte(0)
	buf.Write(u64(int64(orderID)))
	return buf.Bytes()
}

func retryPendingKey(connectionID string, orderID int) []byte {
	var buf bytes.Buffer
	buf.WriteString(connectionID)
	buf.WriteByte(0)
	buf.Write(u64(int64(orderID)))
	return buf.Bytes()
}

func retryDueKey(connectionID string, nextRetryAt time.Time, itemID string) []byte {
	var buf bytes.Buffer
	buf.WriteString(connectionID)
	buf.WriteByte(0)
	buf.Write(u64(nextRetryAt.UnixNano()))
	buf.WriteByte(0)
	buf.WriteString(itemID)
	return buf.Bytes()
}

func syncLogKey(connectionID string, startedAt time.Time, id string) []byte {
	var buf bytes.Buffer
	buf.WriteString(connectionID)
	buf.WriteByte(0)
	buf.Write(u64(startedAt.UnixNano()))
	buf.WriteByte(0)
	buf.WriteString(id)
	return buf.Bytes()
}

func connectionPrefix(connectionID string) []byte {
	p := append([]byte(connectionID), 0)
	return p
}

// --- Connection ------------------------------------------------------------

// storedConnection mirrors types.Connection but carries sealed credential
// fields instead of cleartext ones; it is the JSON shape actually
// persisted in the connections bucket.
type storedConnection struct {
	types.Connection
	APIKeySealed        string `json:"api_key_sealed"`
	WebhookSecretSealed string `json:"webhook_secret_sealed"`
}

func (s *BoltStore) seal(conn *types.Connection) (storedConnection, error) {
	sc := storedConnection{Connection: *conn}
	sc.APIKey = ""
	sc.WebhookSecret = ""

	sealedKey, err := s.codec.Seal(conn.APIKey)
	if err != nil {
		return sc, fmt.Errorf("seal api key: %w", err)
	}
	sc.APIKeySealed = sealedKey

	sealedSecret, err := s.codec.Seal(conn.WebhookSecret)
	if err != nil {
		return sc, fmt.Errorf("seal webhook secret: %w", err)
	}
	sc.WebhookSecretSealed = sealedSecret

	return sc, nil
}

func (s *BoltStore) open(sc storedConnection) (*types.Connection, error) {
	conn := sc.Connection

	apiKey, err := s.codec.Open(sc.APIKeySealed)
	if err != nil {
		return nil, fmt.Errorf("open api key: %w", err)
	}
	conn.APIKey = apiKey

	secret, err := s.codec.Open(sc.WebhookSecretSealed)
	if err != nil {
		return nil, fmt.Errorf("open webhook secret: %w", err)
	}
	conn.WebhookSecret = secret

	return &conn, nil
}

func (s *BoltStore) putConnection(tx *bolt.Tx, conn *types.Connection) error {
	sc, err := s.seal(conn)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}
	return tx.Bucket(bucketConnections).Put([]byte(conn.ID), data)
}

// CreateConnection inserts a new connection row, defaulting PollIntervalSeconds.
func (s *BoltStore) CreateConnection(conn *types.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.PollIntervalSeconds <= 0 {
		conn.PollIntervalSeconds = types.DefaultPollIntervalSeconds
	}
	if conn.BreakerState == "" {
		conn.BreakerState = types.BreakerClosed
	}
	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putConnection(tx, conn)
	})
}

// UpdateConnection overwrites an existing connection row in full.
func (s *BoltStore) UpdateConnection(conn *types.Connection) error {
	conn.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putConnection(tx, conn)
	})
}

// DeleteConnection removes a connection row only. Ledger, retry-item and
// sync-log rows for the connection are not deleted, here or by the
// `poller connection rm` command that calls it.
func (s *BoltStore) DeleteConnection(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConnections).Delete([]byte(id))
	})
}

// GetConnection returns one connection by id with credentials decrypted.
func (s *BoltStore) GetConnection(id string) (*types.Connection, error) {
	var out *types.Connection
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConnections).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var sc storedConnection
		if err := json.Unmarshal(data, &sc); err != nil {
			return fmt.Errorf("unmarshal connection: %w", err)
		}
		conn, err := s.open(sc)
		if err != nil {
			return err
		}
		out = conn
		return nil
	})
	return out, err
}

// ListConnections returns every connection row, active or not.
func (s *BoltStore) ListConnections() ([]*types.Connection, error) {
	var out []*types.Connection
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConnections).ForEach(func(_, data []byte) error {
			var sc storedConnection
			if err := json.Unmarshal(data, &sc); err != nil {
				return fmt.Errorf("unmarshal connection: %w", err)
			}
			conn, err := s.open(sc)
			if err != nil {
				return err
			}
			out = append(out, conn)
			return nil
		})
	})
	return out, err
}

// ListActiveConnections returns every connection with Active == true.
func (s *BoltStore) ListActiveConnections() ([]*types.Connection, error) {
	all, err := s.ListConnections()
	if err != nil {
		return nil, err
	}
	active := make([]*types.Connection, 0, len(all))
	for _, c := range all {
		if c.Active {
			active = append(active, c)
		}
	}
	return active, nil
}

// UpdateBreakerFields persists only the breaker-owned fields of conn,
// read-modify-write so a concurrent UpdateLastSyncAt from the same
// connection task (never interleaved, but kept safe regardless) cannot
// be clobbered.
func (s *BoltStore) UpdateBreakerFields(conn *types.Connection) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConnections).Get([]byte(conn.ID))
		if data == nil {
			return ErrNotFound
		}
		var sc storedConnection
		if err := json.Unmarshal(data, &sc); err != nil {
			return fmt.Errorf("unmarshal connection: %w", err)
		}
		sc.BreakerState = conn.BreakerState
		sc.FailureCount = conn.FailureCount
		sc.HalfOpenSuccesses = conn.HalfOpenSuccesses
		sc.EarliestRetryAt = conn.EarliestRetryAt
		sc.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(sc)
		if err != nil {
			return fmt.Errorf("marshal connection: %w", err)
		}
		return tx.Bucket(bucketConnections).Put([]byte(conn.ID), out)
	})
}

// UpdateLastSyncAt advances the connection's cursor, rejecting any value
// that would move it backward (spec.md §4.6 cursor-monotonicity invariant).
func (s *BoltStore) UpdateLastSyncAt(connectionID string, t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConnections).Get([]byte(connectionID))
		if data == nil {
			return ErrNotFound
		}
		var sc storedConnection
		if err := json.Unmarshal(data, &sc); err != nil {
			return fmt.Errorf("unmarshal connection: %w", err)
		}
		if sc.LastSyncAt != nil && t.Before(*sc.LastSyncAt) {
			return ErrCursorRegression
		}
		tCopy := t.UTC()
		sc.LastSyncAt = &tCopy
		sc.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(sc)
		if err != nil {
			return fmt.Errorf("marshal connection: %w", err)
		}
		return tx.Bucket(bucketConnections).Put([]byte(connectionID), out)
	})
}

// --- Ledger ------------------------------------------------------------

// WasSent reports whether (connectionID, orderID, writeDate) already has
// a ledger row.
func (s *BoltStore) WasSent(connectionID string, orderID int, writeDate time.Time) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketLedger).Get(ledgerKey(connectionID, orderID, writeDate)) != nil
		return nil
	})
	return found, err
}

// MarkSent inserts a ledger row with conflict-ignore semantics: writing
// the same composite key twice is a silent no-op overwrite, matching
// spec.md §7's "Store integrity" row.
func (s *BoltStore) MarkSent(connectionID string, orderID int, writeDate time.Time) error {
	sentAt := time.Now().UTC()
	entry := types.SentOrder{
		ConnectionID:    connectionID,
		UpstreamOrderID: orderID,
		WriteDate:       writeDate.UTC(),
		SentAt:          sentAt,
	}
	primaryKey := ledgerKey(connectionID, orderID, writeDate)

	return s.db.Update(func(tx *bolt.Tx) error {
		ledger := tx.Bucket(bucketLedger)
		if existing := ledger.Get(primaryKey); existing != nil {
			// Already recorded; conflict-ignore, nothing to do.
			return nil
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal ledger entry: %w", err)
		}
		if err := ledger.Put(primaryKey, data); err != nil {
			return err
		}
		idxKey := ledgerBySentAtKey(connectionID, sentAt, orderID)
		return tx.Bucket(bucketLedgerBySentAt).Put(idxKey, primaryKey)
	})
}

// TrimToLimit deletes the oldest ledger rows for connectionID beyond the
// most recent limit by sent-at.
func (s *BoltStore) TrimToLimit(connectionID string, limit int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketLedgerBySentAt)
		ledger := tx.Bucket(bucketLedger)
		c := idx.Cursor()
		prefix := connectionPrefix(connectionID)

		var keys [][]byte
		var primaries [][]byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			kk := append([]byte(nil), k...)
			vv := append([]byte(nil), v...)
			keys = append(keys, kk)
			primaries = append(primaries, vv)
		}
		// keys are ordered oldest-first (ascending sent-at); drop the
		// leading entries beyond the most recent `limit`.
		if len(keys) <= limit {
			return nil
		}
		toDrop := len(keys) - limit
		for i := 0; i < toDrop; i++ {
			if err := idx.Delete(keys[i]); err != nil {
				return err
			}
			if err := ledger.Delete(primaries[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Retry ------------------------------------------------------------

// EnqueueRetry inserts a new PENDING retry item, rejecting a duplicate
// (connection_id, order_id) while one is already PENDING.
func (s *BoltStore) EnqueueRetry(item *types.RetryItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = types.DefaultMaxAttempts
	}
	if item.Attempt <= 0 {
		item.Attempt = 1
	}
	item.Status = types.RetryPending
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	pendingKey := retryPendingKey(item.ConnectionID, item.UpstreamOrderID)

	return s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketRetryPending)
		if pending.Get(pendingKey) != nil {
			return ErrDuplicatePending
		}
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal retry item: %w", err)
		}
		if err := tx.Bucket(bucketRetryItems).Put([]byte(item.ID), data); err != nil {
			return err
		}
		if err := pending.Put(pendingKey, []byte(item.ID)); err != nil {
			return err
		}
		dueKey := retryDueKey(item.ConnectionID, item.NextRetryAt, item.ID)
		return tx.Bucket(bucketRetryDue).Put(dueKey, []byte(item.ID))
	})
}

// DueRetryItems returns PENDING items for connectionID whose
// next_retry_at is at or before now, ordered ascending by next_retry_at.
func (s *BoltStore) DueRetryItems(connectionID string, now time.Time) ([]*types.RetryItem, error) {
	var out []*types.RetryItem
	err := s.db.View(func(tx *bolt.Tx) error {
		due := tx.Bucket(bucketRetryDue)
		items := tx.Bucket(bucketRetryItems)
		c := due.Cursor()
		prefix := connectionPrefix(connectionID)

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			// key = connID \0 nextRetryAtNanos \0 itemID
			nanos := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
			if nanos > now.UnixNano() {
				break // due keys are sorted ascending; nothing further qualifies
			}
			data := items.Get(v)
			if data == nil {
				continue
			}
			var item types.RetryItem
			if err := json.Unmarshal(data, &item); err != nil {
				return fmt.Errorf("unmarshal retry item: %w", err)
			}
			if item.Status != types.RetryPending {
				continue
			}
			out = append(out, &item)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) removeDueIndex(tx *bolt.Tx, item *types.RetryItem) error {
	dueKey := retryDueKey(item.ConnectionID, item.NextRetryAt, item.ID)
	return tx.Bucket(bucketRetryDue).Delete(dueKey)
}

// UpdateRetryAfterAttempt persists a retry item after a failed delivery
// attempt: incremented attempt count, new next_retry_at, last error, and
// FAILED status once attempts are exhausted.
func (s *BoltStore) UpdateRetryAfterAttempt(item *types.RetryItem) error {
	item.UpdatedAt = time.Now().UTC()

	return s.db.Update(func(tx *bolt.Tx) error {
		existingData := tx.Bucket(bucketRetryItems).Get([]byte(item.ID))
		if existingData == nil {
			return ErrNotFound
		}
		var existing types.RetryItem
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return fmt.Errorf("unmarshal retry item: %w", err)
		}
		if err := s.removeDueIndex(tx, &existing); err != nil {
			return err
		}

		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal retry item: %w", err)
		}
		if err := tx.Bucket(bucketRetryItems).Put([]byte(item.ID), data); err != nil {
			return err
		}

		if item.Status == types.RetryPending {
			dueKey := retryDueKey(item.ConnectionID, item.NextRetryAt, item.ID)
			if err := tx.Bucket(bucketRetryDue).Put(dueKey, []byte(item.ID)); err != nil {
				return err
			}
		} else {
			// FAILED: no longer due, and no longer blocks re-enqueue.
			pendingKey := retryPendingKey(item.ConnectionID, item.UpstreamOrderID)
			if err := tx.Bucket(bucketRetryPending).Delete(pendingKey); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkRetrySuccess marks a retry item SUCCESS and releases the pending
// uniqueness slot for its (connection, order) pair.
func (s *BoltStore) MarkRetrySuccess(itemID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRetryItems).Get([]byte(itemID))
		if data == nil {
			return ErrNotFound
		}
		var item types.RetryItem
		if err := json.Unmarshal(data, &item); err != nil {
			return fmt.Errorf("unmarshal retry item: %w", err)
		}

		if err := s.removeDueIndex(tx, &item); err != nil {
			return err
		}
		item.Status = types.RetrySuccess
		item.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal retry item: %w", err)
		}
		if err := tx.Bucket(bucketRetryItems).Put([]byte(itemID), out); err != nil {
			return err
		}
		pendingKey := retryPendingKey(item.ConnectionID, item.UpstreamOrderID)
		return tx.Bucket(bucketRetryPending).Delete(pendingKey)
	})
}

// DiscardRetryItem marks a retry item DISCARDED; an operator action that
// bypasses the normal attempt-exhaustion path.
func (s *BoltStore) DiscardRetryItem(itemID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRetryItems).Get([]byte(itemID))
		if data == nil {
			return ErrNotFound
		}
		var item types.RetryItem
		if err := json.Unmarshal(data, &item); err != nil {
			return fmt.Errorf("unmarshal retry item: %w", err)
		}
		if err := s.removeDueIndex(tx, &item); err != nil {
			return err
		}
		item.Status = types.RetryDiscarded
		item.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal retry item: %w", err)
		}
		if err := tx.Bucket(bucketRetryItems).Put([]byte(itemID), out); err != nil {
			return err
		}
		pendingKey := retryPendingKey(item.ConnectionID, item.UpstreamOrderID)
		return tx.Bucket(bucketRetryPending).Delete(pendingKey)
	})
}

// ListRetryItemsByConnection returns every retry item for connectionID
// regardless of status, for operator inspection and metrics collection.
func (s *BoltStore) ListRetryItemsByConnection(connectionID string) ([]*types.RetryItem, error) {
	var out []*types.RetryItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetryItems).ForEach(func(_, data []byte) error {
			var item types.RetryItem
			if err := json.Unmarshal(data, &item); err != nil {
				return fmt.Errorf("unmarshal retry item: %w", err)
			}
			if item.ConnectionID == connectionID {
				out = append(out, &item)
			}
			return nil
		})
	})
	return out, err
}

// --- Logs ------------------------------------------------------------

// AppendSyncLog writes one SyncLog row. SyncLog rows are never mutated
// or deleted by the core; they accumulate until an operator prunes them.
func (s *BoltStore) AppendSyncLog(entry *types.SyncLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	key := syncLogKey(entry.ConnectionID, entry.StartedAt, entry.ID)

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal sync log: %w", err)
		}
		return tx.Bucket(bucketSyncLogs).Put(key, data)
	})
}

// ListSyncLogs returns up to limit SyncLog rows for connectionID, most
// recent first.
func (s *BoltStore) ListSyncLogs(connectionID string, limit int) ([]*types.SyncLog, error) {
	var out []*types.SyncLog
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSyncLogs).Cursor()
		prefix := connectionPrefix(connectionID)

		// Walk backward from the end of the connection's key range so
		// the most recently started cycle comes first.
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := len(keys) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
			data := tx.Bucket(bucketSyncLogs).Get(keys[i])
			if data == nil {
				continue
			}
			var entry types.SyncLog
			if err := json.Unmarshal(data, &entry); err != nil {
				return fmt.Errorf("unmarshal sync log: %w", err)
			}
			out = append(out, &entry)
		}
		return nil
	})
	return out, err
}
