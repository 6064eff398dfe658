/*
Package scheduler supervises one polling goroutine per active connection.

# Architecture

	┌──────────────────────── Scheduler ─────────────────────────┐
	│                                                              │
	│  Start(ctx)                                                  │
	│    ├─ ListActiveConnections()                                │
	│    ├─ startTaskLocked per connection                         │
	│    └─ go reconcileLoop(ctx)   — ticks every 10s               │
	│                                                                │
	│  reconcileLoop                                                │
	│    └─ reconcile: diff active connections vs running tasks    │
	│         start task for newly-active connections               │
	│         cancel+remove task for deactivated/deleted ones        │
	│                                                                │
	│  runTask(ctx, connectionID)                                   │
	│    loop {                                                     │
	│      superviseOnce   — recover()-wrapped pollLoop             │
	│      if crashed: sleep retry.RestartDelay(attempt)            │
	│    }                                                           │
	│                                                                │
	│  pollLoop(ctx, connectionID)                                  │
	│    loop {                                                     │
	│      conn := store.GetConnection(id)  — re-read each cycle    │
	│      if !conn.Active: return                                 │
	│      worker.New(store, conn).RunCycle(ctx, conn)              │
	│      sleep conn.PollIntervalSeconds                          │
	│    }                                                           │
	└────────────────────────────────────────────────────────────────┘

Each connection's poll loop re-reads its Connection row at the top of
every cycle, so edits made via `poller connection edit` (cadence,
active flag, credentials) take effect on the connection's own
schedule without a restart.

A panic inside pollLoop is recovered by superviseOnce and treated as a
crash: runTask restarts the loop after an exponential backoff capped
well below the retry queue's own backoff ceiling, so a persistently
crashing connection doesn't busy-loop.
*/
package scheduler
