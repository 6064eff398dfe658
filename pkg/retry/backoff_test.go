package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelay_FollowsExpectedSchedule(t *testing.T) {
	expected := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		600 * time.Second,
		600 * time.Second,
		600 * time.Second,
	}
	for attempt, want := range expected {
		got := NextDelay(attempt + 1)
		assert.Equal(t, want, got, "attempt %d", attempt+1)
	}
}

func TestNextDelay_ClampsAttemptBelowOne(t *testing.T) {
	assert.Equal(t, 30*time.Second, NextDelay(0))
	assert.Equal(t, 30*time.Second, NextDelay(-5))
}

func TestRestartDelay_CapsAt300Seconds(t *testing.T) {
	assert.Equal(t, 30*time.Second, RestartDelay(1))
	assert.Equal(t, 60*time.Second, RestartDelay(2))
	assert.Equal(t, 240*time.Second, RestartDelay(4))
	assert.Equal(t, 300*time.Second, RestartDelay(5))
	assert.Equal(t, 300*time.Second, RestartDelay(10))
}
