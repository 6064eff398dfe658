package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderbridge/poller/pkg/store/crypto"
	"github.com/orderbridge/poller/pkg/types"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	codec, err := crypto.NewCodec(testEncryptionKey)
	require.NoError(t, err)

	st, err := NewBoltStore(t.TempDir(), codec)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAndGetConnection_RoundTripsCredentials(t *testing.T) {
	st := newTestStore(t)

	conn := &types.Connection{
		Name:          "acme",
		BaseURL:       "https://acme.example.com",
		Database:      "acme_prod",
		Username:      "poller",
		APIKey:        "super-secret-key",
		WebhookURL:    "https://hooks.example.com/acme",
		WebhookSecret: "webhook-secret",
		Active:        true,
	}
	require.NoError(t, st.CreateConnection(conn))
	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, types.DefaultPollIntervalSeconds, conn.PollIntervalSeconds)
	assert.Equal(t, types.BreakerClosed, conn.BreakerState)

	got, err := st.GetConnection(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-key", got.APIKey)
	assert.Equal(t, "webhook-secret", got.WebhookSecret)
	assert.Equal(t, "acme", got.Name)
}

func TestGetConnection_NotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetConnection("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListActiveConnections_FiltersInactive(t *testing.T) {
	st := newTestStore(t)

	active := &types.Connection{Name: "active", Active: true}
	inactive := &types.Connection{Name: "inactive", Active: false}
	require.NoError(t, st.CreateConnection(active))
	require.NoError(t, st.CreateConnection(inactive))

	got, err := st.ListActiveConnections()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "active", got[0].Name)
}

func TestUpdateLastSyncAt_RejectsRegression(t *testing.T) {
	st := newTestStore(t)
	conn := &types.Connection{Name: "acme"}
	require.NoError(t, st.CreateConnection(conn))

	later := time.Now().UTC()
	earlier := later.Add(-time.Hour)

	require.NoError(t, st.UpdateLastSyncAt(conn.ID, later))
	err := st.UpdateLastSyncAt(conn.ID, earlier)
	assert.ErrorIs(t, err, ErrCursorRegression)

	got, err := st.GetConnection(conn.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncAt)
	assert.WithinDuration(t, later, *got.LastSyncAt, time.Second)
}

func TestUpdateBreakerFields(t *testing.T) {
	st := newTestStore(t)
	conn := &types.Connection{Name: "acme"}
	require.NoError(t, st.CreateConnection(conn))

	conn.BreakerState = types.BreakerOpen
	conn.FailureCount = 5
	earliest := time.Now().UTC().Add(2 * time.Minute)
	conn.EarliestRetryAt = &earliest

	require.NoError(t, st.UpdateBreakerFields(conn))

	got, err := st.GetConnection(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BreakerOpen, got.BreakerState)
	assert.Equal(t, 5, got.FailureCount)
	require.NotNil(t, got.EarliestRetryAt)
}

func TestMarkSentAndWasSent(t *testing.T) {
	st := newTestStore(t)
	writeDate := time.Now().UTC()

	ok, err := st.WasSent("conn-1", 42, writeDate)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.MarkSent("conn-1", 42, writeDate))

	ok, err = st.WasSent("conn-1", 42, writeDate)
	require.NoError(t, err)
	assert.True(t, ok)

	// Re-marking the same composite key is a conflict-ignore no-op.
	require.NoError(t, st.MarkSent("conn-1", 42, writeDate))
}

func TestTrimToLimit_KeepsMostRecent(t *testing.T) {
	st := newTestStore(t)
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		require.NoError(t, st.MarkSent("conn-1", i, base.Add(time.Duration(i)*time.Second)))
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, st.TrimToLimit("conn-1", 2))

	for i := 0; i < 3; i++ {
		ok, err := st.WasSent("conn-1", i, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.False(t, ok, "order %d should have been trimmed", i)
	}
	for i := 3; i < 5; i++ {
		ok, err := st.WasSent("conn-1", i, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, ok, "order %d should have survived trim", i)
	}
}

func newRetryItem(connectionID string, orderID int) *types.RetryItem {
	return &types.RetryItem{
		ConnectionID:    connectionID,
		UpstreamOrderID: orderID,
		ExternalID:      "upstream_db_" + string(rune('0'+orderID)),
		Payload:         json.RawMessage(`{"event":"order.confirmed"}`),
		NextRetryAt:     time.Now().UTC().Add(-time.Minute),
	}
}

func TestEnqueueRetry_RejectsDuplicatePending(t *testing.T) {
	st := newTestStore(t)
	item := newRetryItem("conn-1", 7)
	require.NoError(t, st.EnqueueRetry(item))

	dup := newRetryItem("conn-1", 7)
	err := st.EnqueueRetry(dup)
	assert.ErrorIs(t, err, ErrDuplicatePending)
}

func TestDueRetryItems_OnlyReturnsPastDue(t *testing.T) {
	st := newTestStore(t)

	due := newRetryItem("conn-1", 1)
	due.NextRetryAt = time.Now().UTC().Add(-time.Second)
	require.NoError(t, st.EnqueueRetry(due))

	notYetDue := newRetryItem("conn-1", 2)
	notYetDue.NextRetryAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, st.EnqueueRetry(notYetDue))

	items, err := st.DueRetryItems("conn-1", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].UpstreamOrderID)
}

func TestUpdateRetryAfterAttempt_ReschedulesAndExhausts(t *testing.T) {
	st := newTestStore(t)
	item := newRetryItem("conn-1", 3)
	require.NoError(t, st.EnqueueRetry(item))

	item.Attempt = 2
	item.NextRetryAt = time.Now().UTC().Add(time.Minute)
	item.LastError = "connection refused"
	require.NoError(t, st.UpdateRetryAfterAttempt(item))

	items, err := st.ListRetryItemsByConnection("conn-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Attempt)
	assert.Equal(t, types.RetryPending, items[0].Status)

	item.Attempt = item.MaxAttempts
	item.Status = types.RetryFailed
	require.NoError(t, st.UpdateRetryAfterAttempt(item))

	due, err := st.DueRetryItems("conn-1", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	// Failed items release the pending slot, so a fresh retry for the
	// same order can be enqueued again.
	require.NoError(t, st.EnqueueRetry(newRetryItem("conn-1", 3)))
}

func TestMarkRetrySuccess_ReleasesPendingSlot(t *testing.T) {
	st := newTestStore(t)
	item := newRetryItem("conn-1", 9)
	require.NoError(t, st.EnqueueRetry(item))

	require.NoError(t, st.MarkRetrySuccess(item.ID))

	items, err := st.ListRetryItemsByConnection("conn-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.RetrySuccess, items[0].Status)

	require.NoError(t, st.EnqueueRetry(newRetryItem("conn-1", 9)))
}

func TestDiscardRetryItem(t *testing.T) {
	st := newTestStore(t)
	item := newRetryItem("conn-1", 11)
	require.NoError(t, st.EnqueueRetry(item))

	require.NoError(t, st.DiscardRetryItem(item.ID))

	items, err := st.ListRetryItemsByConnection("conn-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.RetryDiscarded, items[0].Status)
}

func TestAppendAndListSyncLogs_MostRecentFirst(t *testing.T) {
	st := newTestStore(t)
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		entry := &types.SyncLog{
			ConnectionID: "conn-1",
			StartedAt:    base.Add(time.Duration(i) * time.Minute),
			OrdersFound:  i,
		}
		require.NoError(t, st.AppendSyncLog(entry))
	}

	logs, err := st.ListSyncLogs("conn-1", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 2, logs[0].OrdersFound)
	assert.Equal(t, 1, logs[1].OrdersFound)
}
