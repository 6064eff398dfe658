package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderbridge/poller/pkg/types"
)

func TestSend_Success(t *testing.T) {
	var gotSecret, gotConnID, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Webhook-Secret")
		gotConnID = r.Header.Get("X-Upstream-Connection-Id")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New()
	result, err := d.Send(context.Background(), srv.URL, "secret123", "conn-1", types.Envelope{Event: "order.confirmed"})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "secret123", gotSecret)
	assert.Equal(t, "conn-1", gotConnID)
	assert.Equal(t, "application/json", gotContentType)
}

func TestSend_FailureCapturesTruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("service temporarily unavailable"))
	}))
	defer srv.Close()

	d := New()
	result, err := d.Send(context.Background(), srv.URL, "secret", "conn-1", types.Envelope{})
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
	assert.Contains(t, result.Body, "service temporarily unavailable")
}

func TestSend_TransportErrorIsNotGoError(t *testing.T) {
	d := New()
	result, err := d.Send(context.Background(), "http://127.0.0.1:0", "secret", "conn-1", types.Envelope{})
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.NotEmpty(t, result.Body)
}

func TestSend_MarshalsEnvelopeBody(t *testing.T) {
	var received types.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New()
	_, err := d.Send(context.Background(), srv.URL, "secret", "conn-1", types.Envelope{Event: "order.confirmed", ExternalID: "upstream_db_1"})
	require.NoError(t, err)
	assert.Equal(t, "order.confirmed", received.Event)
	assert.Equal(t, "upstream_db_1", received.ExternalID)
}
