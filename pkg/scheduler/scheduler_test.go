package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderbridge/poller/pkg/store"
	"github.com/orderbridge/poller/pkg/store/crypto"
	"github.com/orderbridge/poller/pkg/types"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	codec, err := crypto.NewCodec(testEncryptionKey)
	require.NoError(t, err)
	st, err := store.NewBoltStore(t.TempDir(), codec)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func quietUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":1}`))
	}))
}

func newConn(id, baseURL string) *types.Connection {
	now := time.Now().UTC()
	return &types.Connection{
		ID:                  id,
		Name:                id,
		BaseURL:             baseURL,
		Database:            "db",
		Username:            "poller",
		APIKey:              "key",
		WebhookURL:          baseURL,
		WebhookSecret:       "secret",
		StoreID:             "store-1",
		ClientID:            "client-1",
		PollIntervalSeconds: 1,
		Active:              true,
		LastSyncAt:          &now,
		BreakerState:        types.BreakerClosed,
	}
}

func TestScheduler_StartRunsOneTaskPerActiveConnection(t *testing.T) {
	st := newTestStore(t)
	upstream := quietUpstream(t)
	defer upstream.Close()

	require.NoError(t, st.CreateConnection(newConn("conn-a", upstream.URL)))
	require.NoError(t, st.CreateConnection(newConn("conn-b", upstream.URL)))

	s := New(st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))

	s.mu.Lock()
	running := len(s.tasks)
	s.mu.Unlock()
	assert.Equal(t, 2, running)

	s.Stop()
}

func TestScheduler_ReconcileStartsNewlyActiveConnection(t *testing.T) {
	st := newTestStore(t)
	upstream := quietUpstream(t)
	defer upstream.Close()

	s := New(st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.NoError(t, st.CreateConnection(newConn("conn-new", upstream.URL)))
	s.reconcile(ctx)

	s.mu.Lock()
	_, running := s.tasks["conn-new"]
	s.mu.Unlock()
	assert.True(t, running)
}

func TestScheduler_ReconcileStopsDeactivatedConnection(t *testing.T) {
	st := newTestStore(t)
	upstream := quietUpstream(t)
	defer upstream.Close()

	conn := newConn("conn-gone", upstream.URL)
	require.NoError(t, st.CreateConnection(conn))

	s := New(st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	s.mu.Lock()
	_, running := s.tasks["conn-gone"]
	s.mu.Unlock()
	require.True(t, running)

	conn.Active = false
	require.NoError(t, st.UpdateConnection(conn))
	s.reconcile(ctx)

	s.mu.Lock()
	_, stillRunning := s.tasks["conn-gone"]
	s.mu.Unlock()
	assert.False(t, stillRunning)
}

func TestScheduler_SuperviseOnceReportsCleanExit(t *testing.T) {
	s := New(newTestStore(t))
	crashed := s.superviseOnce(context.Background(), "doesnt-matter")
	// GetConnection on an unknown id returns an error, not a panic, so
	// pollLoop exits cleanly here; this exercises the recover() wiring
	// without asserting on the panic path directly.
	assert.False(t, crashed)
}

func TestScheduler_StopCancelsAllTasks(t *testing.T) {
	st := newTestStore(t)
	upstream := quietUpstream(t)
	defer upstream.Close()

	require.NoError(t, st.CreateConnection(newConn("conn-a", upstream.URL)))

	s := New(st)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	s.Stop()

	s.mu.Lock()
	remaining := len(s.tasks)
	s.mu.Unlock()
	assert.Zero(t, remaining)
}
