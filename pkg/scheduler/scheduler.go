// Package scheduler supervises one polling goroutine per active
// connection and keeps that set in sync with the Store as connections
// are added, deactivated, or removed.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orderbridge/poller/pkg/log"
	"github.com/orderbridge/poller/pkg/metrics"
	"github.com/orderbridge/poller/pkg/retry"
	"github.com/orderbridge/poller/pkg/store"
	"github.com/orderbridge/poller/pkg/types"
	"github.com/orderbridge/poller/pkg/worker"
)

// reconcileInterval is how often the scheduler re-reads
// ListActiveConnections to pick up connections added, deactivated, or
// removed while it runs.
const reconcileInterval = 10 * time.Second

// maxRestartAttempts bounds the panic-restart backoff counter per task;
// once a task has restarted this many times its backoff stays pinned at
// retry.RestartDelay's cap instead of growing further.
const maxRestartAttempts = 20

// Scheduler runs one supervised task per active connection, each task
// calling Worker.RunCycle on that connection's own cadence.
type Scheduler struct {
	store  store.Store
	logger zerolog.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// task is the supervision state for one connection's polling goroutine.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Scheduler backed by st.
func New(st store.Store) *Scheduler {
	return &Scheduler{
		store:  st,
		logger: log.WithComponent("scheduler"),
		tasks:  make(map[string]*task),
		stopCh: make(chan struct{}),
	}
}

// Start loads active connections, launches a task per connection, and
// begins the reconciliation loop. It returns once the initial task set
// is running; reconciliation continues in the background until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	conns, err := s.store.ListActiveConnections()
	if err != nil {
		return fmt.Errorf("list active connections: %w", err)
	}

	s.mu.Lock()
	for _, conn := range conns {
		s.startTaskLocked(ctx, conn)
	}
	metrics.ActiveConnections.Set(float64(len(s.tasks)))
	s.mu.Unlock()

	s.wg.Add(1)
	go s.reconcileLoop(ctx)

	s.logger.Info().Int("connections", len(conns)).Msg("scheduler started")
	return nil
}

// Stop cancels every running task and waits for them to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)

	s.mu.Lock()
	for id, t := range s.tasks {
		t.cancel()
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// reconcileLoop periodically re-reads the active connection set and
// starts or stops tasks to match it.
func (s *Scheduler) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reconcile(ctx)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) reconcile(ctx context.Context) {
	conns, err := s.store.ListActiveConnections()
	if err != nil {
		s.logger.Error().Err(err).Msg("reconcile: list active connections failed")
		return
	}

	active := make(map[string]*types.Connection, len(conns))
	for _, conn := range conns {
		active[conn.ID] = conn
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, conn := range active {
		if _, running := s.tasks[id]; !running {
			s.startTaskLocked(ctx, conn)
			s.logger.Info().Str("connection_id", id).Msg("starting task for newly active connection")
		}
	}

	for id, t := range s.tasks {
		if _, stillActive := active[id]; !stillActive {
			t.cancel()
			delete(s.tasks, id)
			s.logger.Info().Str("connection_id", id).Msg("stopping task for deactivated connection")
		}
	}

	metrics.ActiveConnections.Set(float64(len(s.tasks)))
}

// startTaskLocked launches the supervised goroutine for conn. Callers
// must hold s.mu.
func (s *Scheduler) startTaskLocked(ctx context.Context, conn *types.Connection) {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[conn.ID] = t

	s.wg.Add(1)
	go s.runTask(taskCtx, conn.ID, t)
}

// runTask drives one connection's poll loop and restarts it with
// backoff if the loop body panics.
func (s *Scheduler) runTask(ctx context.Context, connectionID string, t *task) {
	defer s.wg.Done()
	defer close(t.done)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		crashed := s.superviseOnce(ctx, connectionID)
		if !crashed {
			return
		}

		attempt++
		if attempt > maxRestartAttempts {
			attempt = maxRestartAttempts
		}
		metrics.TaskRestartsTotal.WithLabelValues(connectionID).Inc()

		delay := retry.RestartDelay(attempt)
		s.logger.Error().
			Str("connection_id", connectionID).
			Int("attempt", attempt).
			Dur("restart_delay", delay).
			Msg("connection task panicked, restarting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// superviseOnce runs pollLoop under recover() and reports whether it
// crashed (true) or exited cleanly via ctx cancellation (false).
func (s *Scheduler) superviseOnce(ctx context.Context, connectionID string) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("connection_id", connectionID).
				Interface("panic", r).
				Msg("recovered panic in connection task")
			crashed = true
		}
	}()

	s.pollLoop(ctx, connectionID)
	return false
}

// pollLoop fetches the connection's current row each cycle (so edits
// to webhook URL, credentials, or poll interval take effect without a
// restart) and runs Worker.RunCycle on its cadence.
func (s *Scheduler) pollLoop(ctx context.Context, connectionID string) {
	for {
		conn, err := s.store.GetConnection(connectionID)
		if err != nil {
			s.logger.Error().Err(err).Str("connection_id", connectionID).Msg("load connection failed, stopping task")
			return
		}
		if !conn.Active {
			return
		}

		w := worker.New(s.store, conn)
		if err := w.RunCycle(ctx, conn); err != nil {
			s.logger.Error().Err(err).Str("connection_id", connectionID).Msg("poll cycle returned error")
		}

		interval := time.Duration(conn.PollIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Duration(types.DefaultPollIntervalSeconds) * time.Second
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}
