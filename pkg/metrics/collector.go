package metrics

import (
	"time"

	"github.com/orderbridge/poller/pkg/store"
)

// Collector periodically refreshes the gauges that reflect Store state
// rather than being updated inline by the Worker/Scheduler (active
// connection count, per-connection breaker state, retry queue depth).
type Collector struct {
	store  store.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over st.
func NewCollector(st store.Store) *Collector {
	return &Collector{
		store:  st,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15s until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	conns, err := c.store.ListActiveConnections()
	if err != nil {
		return
	}
	ActiveConnections.Set(float64(len(conns)))

	for _, conn := range conns {
		BreakerState.WithLabelValues(conn.ID).Set(BreakerStateValue(string(conn.BreakerState)))

		items, err := c.store.ListRetryItemsByConnection(conn.ID)
		if err != nil {
			continue
		}
		pending := 0
		for _, item := range items {
			if item.Status == "PENDING" {
				pending++
			}
		}
		RetryQueueDepth.WithLabelValues(conn.ID).Set(float64(pending))
	}
}
