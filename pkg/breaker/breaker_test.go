package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/orderbridge/poller/pkg/types"
)

func newConn() *types.Connection {
	return &types.Connection{BreakerState: types.BreakerClosed}
}

func TestClosed_SuccessResetsFailureCount(t *testing.T) {
	conn := newConn()
	conn.FailureCount = 3
	b := New(conn)

	b.Success(time.Now())
	assert.Equal(t, 0, conn.FailureCount)
	assert.Equal(t, types.BreakerClosed, conn.BreakerState)
}

func TestClosed_FailureBelowThresholdStaysClosed(t *testing.T) {
	conn := newConn()
	b := New(conn)
	now := time.Now()

	for i := 0; i < FailureThreshold-1; i++ {
		b.Failure(now)
	}
	assert.Equal(t, types.BreakerClosed, conn.BreakerState)
	assert.Equal(t, FailureThreshold-1, conn.FailureCount)
}

func TestClosed_FailureAtThresholdTripsOpen(t *testing.T) {
	conn := newConn()
	b := New(conn)
	now := time.Now()

	for i := 0; i < FailureThreshold; i++ {
		b.Failure(now)
	}
	assert.Equal(t, types.BreakerOpen, conn.BreakerState)
	require := conn.EarliestRetryAt
	if require == nil {
		t.Fatal("expected EarliestRetryAt to be set")
	}
	assert.WithinDuration(t, now.Add(OpenWindow), *conn.EarliestRetryAt, time.Second)
}

func TestOpen_DeniesBeforeEarliestRetryAt(t *testing.T) {
	conn := newConn()
	now := time.Now()
	earliest := now.Add(OpenWindow)
	conn.BreakerState = types.BreakerOpen
	conn.EarliestRetryAt = &earliest

	b := New(conn)
	allowed, state := b.Allow(now)
	assert.False(t, allowed)
	assert.Equal(t, types.BreakerOpen, state)
}

func TestOpen_AllowsAndTransitionsToHalfOpenAtEarliestRetryAt(t *testing.T) {
	conn := newConn()
	now := time.Now()
	earliest := now.Add(-time.Second)
	conn.BreakerState = types.BreakerOpen
	conn.EarliestRetryAt = &earliest

	b := New(conn)
	allowed, state := b.Allow(now)
	assert.True(t, allowed)
	assert.Equal(t, types.BreakerHalfOpen, state)
	assert.Equal(t, types.BreakerHalfOpen, conn.BreakerState)
}

func TestHalfOpen_ClosesAfterSuccessThreshold(t *testing.T) {
	conn := newConn()
	conn.BreakerState = types.BreakerHalfOpen
	b := New(conn)
	now := time.Now()

	b.Success(now)
	assert.Equal(t, types.BreakerHalfOpen, conn.BreakerState)
	assert.Equal(t, 1, conn.HalfOpenSuccesses)

	b.Success(now)
	assert.Equal(t, types.BreakerClosed, conn.BreakerState)
	assert.Equal(t, 0, conn.FailureCount)
}

func TestHalfOpen_FailureReopensImmediately(t *testing.T) {
	conn := newConn()
	conn.BreakerState = types.BreakerHalfOpen
	conn.HalfOpenSuccesses = 1
	b := New(conn)
	now := time.Now()

	b.Failure(now)
	assert.Equal(t, types.BreakerOpen, conn.BreakerState)
	assert.Equal(t, 0, conn.HalfOpenSuccesses)
	require2 := conn.EarliestRetryAt
	if require2 == nil {
		t.Fatal("expected EarliestRetryAt to be set")
	}
	assert.WithinDuration(t, now.Add(OpenWindow), *conn.EarliestRetryAt, time.Second)
}

func TestReset_ClearsAllCounters(t *testing.T) {
	conn := newConn()
	conn.BreakerState = types.BreakerOpen
	conn.FailureCount = 5
	conn.HalfOpenSuccesses = 1
	earliest := time.Now().Add(time.Minute)
	conn.EarliestRetryAt = &earliest

	b := New(conn)
	b.Reset()

	assert.Equal(t, types.BreakerClosed, conn.BreakerState)
	assert.Equal(t, 0, conn.FailureCount)
	assert.Equal(t, 0, conn.HalfOpenSuccesses)
	assert.Nil(t, conn.EarliestRetryAt)
}
