// Package worker executes one poll cycle for one connection: gate on
// the breaker, authenticate, fetch confirmed orders, dedupe against the
// ledger, prefetch the batch the Mapper needs, dispatch envelopes, sweep
// due retries, and finalize the breaker and cycle log. This is the
// engine's core loop (spec.md §4.6); everything else is a collaborator
// it calls into.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/orderbridge/poller/pkg/breaker"
	"github.com/orderbridge/poller/pkg/dispatcher"
	"github.com/orderbridge/poller/pkg/log"
	"github.com/orderbridge/poller/pkg/mapper"
	"github.com/orderbridge/poller/pkg/metrics"
	"github.com/orderbridge/poller/pkg/retry"
	"github.com/orderbridge/poller/pkg/store"
	"github.com/orderbridge/poller/pkg/types"
	"github.com/orderbridge/poller/pkg/upstream"
)

// confirmedStates are the upstream order states the fetch predicate
// matches (spec.md §4.6 step 4).
var confirmedStates = []interface{}{"sale", "done"}

// seedLimit is how many of the most recent confirmed orders a seed
// cycle populates the ledger with (spec.md §4.6 step 3).
const seedLimit = 30

// candidateLimit bounds a normal cycle's fetch (spec.md §4.6 step 4).
const candidateLimit = 100

// ledgerTrimLimit is the ledger's per-connection cap (spec.md §4.6 step 9).
const ledgerTrimLimit = 30

// Worker runs cycles for one connection. It owns the connection's
// bulkheaded upstream and webhook HTTP clients (spec.md §5).
type Worker struct {
	store      store.Store
	client     *upstream.Client
	dispatcher *dispatcher.Dispatcher
	logger     zerolog.Logger
}

// New builds a Worker for one connection, with its own upstream client
// and webhook dispatcher.
func New(st store.Store, conn *types.Connection) *Worker {
	return &Worker{
		store:      st,
		client:     upstream.New(conn.BaseURL, conn.Database, conn.Username, conn.APIKey),
		dispatcher: dispatcher.New(),
		logger:     log.WithConnectionID(conn.ID),
	}
}

// RunCycle executes one poll cycle for conn. It is the sole exported
// entry point; every other method on Worker is a private step.
func (w *Worker) RunCycle(ctx context.Context, conn *types.Connection) error {
	started := time.Now().UTC()
	entryState := conn.BreakerState
	syncLog := &types.SyncLog{
		ConnectionID:        conn.ID,
		StartedAt:           started,
		BreakerStateOnEntry: entryState,
	}

	b := breaker.New(conn)

	// Step 1: gate.
	allowed, state := b.Allow(started)
	if !allowed {
		syncLog.BreakerStateOnExit = state
		syncLog.DurationMillis = time.Since(started).Milliseconds()
		w.logger.Debug().Msg("cycle skipped: breaker open")
		return w.finalize(conn, b, syncLog, nil)
	}

	// Step 2: authenticate.
	if err := w.authenticate(ctx); err != nil {
		b.Failure(time.Now().UTC())
		syncLog.ErrorSummary = err.Error()
		syncLog.DurationMillis = time.Since(started).Milliseconds()
		w.logger.Error().Err(err).Msg("authentication failed")
		return w.finalize(conn, b, syncLog, err)
	}

	// Step 3: seed path.
	if conn.LastSyncAt == nil {
		return w.runSeedCycle(ctx, conn, b, syncLog)
	}

	return w.runNormalCycle(ctx, conn, b, syncLog)
}

func (w *Worker) authenticate(ctx context.Context) error {
	err := w.client.EnsureSession(ctx)
	if err == nil {
		return nil
	}
	if err != upstream.ErrAuth {
		return err
	}
	// One transparent retry on an auth error, per spec.md §7.
	w.client.InvalidateSession()
	if err := w.client.Authenticate(ctx); err != nil {
		return fmt.Errorf("%w (after retry)", upstream.ErrTransient)
	}
	return nil
}

func (w *Worker) runSeedCycle(ctx context.Context, conn *types.Connection, b *breaker.Breaker, syncLog *types.SyncLog) error {
	records, err := w.client.SearchRead(ctx, "sale.order",
		[]interface{}{[]interface{}{"state", "in", confirmedStates}},
		[]string{"id", "name", "write_date", "date_order", "state", "partner_id", "partner_shipping_id", "amount_total", "note", "client_order_ref", "order_line"},
		"write_date desc", seedLimit)
	if err != nil {
		b.Failure(time.Now().UTC())
		syncLog.ErrorSummary = err.Error()
		syncLog.DurationMillis = time.Since(syncLog.StartedAt).Milliseconds()
		return w.finalize(conn, b, syncLog, err)
	}

	var maxWriteDate time.Time
	seen := 0
	for _, raw := range records {
		var order types.OrderRecord
		if err := json.Unmarshal(raw, &order); err != nil {
			continue
		}
		writeDate, err := parseUpstreamTime(order.WriteDate)
		if err != nil {
			continue
		}
		if err := w.store.MarkSent(conn.ID, order.ID, writeDate); err != nil {
			continue
		}
		if writeDate.After(maxWriteDate) {
			maxWriteDate = writeDate
		}
		seen++
	}

	now := time.Now().UTC()
	cursor := now
	if !maxWriteDate.IsZero() {
		cursor = maxWriteDate
	}
	if err := w.store.UpdateLastSyncAt(conn.ID, cursor); err != nil {
		w.logger.Error().Err(err).Msg("failed to advance cursor after seed cycle")
	}

	b.Success(now)
	syncLog.OrdersFound = seen
	syncLog.OrdersSent = 0
	syncLog.DurationMillis = time.Since(syncLog.StartedAt).Milliseconds()
	metrics.OrdersFoundTotal.WithLabelValues(conn.ID).Add(float64(seen))
	return w.finalize(conn, b, syncLog, nil)
}

// cycleCandidate pairs a fetched order record with its parsed write_date
// for the duration of one cycle's dispatch loop.
type cycleCandidate struct {
	order     types.OrderRecord
	writeDate time.Time
}

func (w *Worker) runNormalCycle(ctx context.Context, conn *types.Connection, b *breaker.Breaker, syncLog *types.SyncLog) error {
	// Step 4: fetch candidates.
	records, err := w.client.SearchRead(ctx, "sale.order",
		[]interface{}{
			[]interface{}{"state", "in", confirmedStates},
			[]interface{}{"write_date", ">", conn.LastSyncAt.UTC().Format("2006-01-02 15:04:05")},
		},
		[]string{"id", "name", "write_date", "date_order", "state", "partner_id", "partner_shipping_id", "amount_total", "note", "client_order_ref", "order_line"},
		"write_date asc", candidateLimit)
	if err != nil {
		b.Failure(time.Now().UTC())
		syncLog.ErrorSummary = err.Error()
		syncLog.DurationMillis = time.Since(syncLog.StartedAt).Milliseconds()
		return w.finalize(conn, b, syncLog, err)
	}

	var candidates []cycleCandidate
	for _, raw := range records {
		var order types.OrderRecord
		if err := json.Unmarshal(raw, &order); err != nil {
			continue
		}
		writeDate, err := parseUpstreamTime(order.WriteDate)
		if err != nil {
			continue
		}
		candidates = append(candidates, cycleCandidate{order: order, writeDate: writeDate})
	}
	syncLog.OrdersFound = len(candidates)

	// Step 5: ledger dedupe.
	var fresh []cycleCandidate
	skipped := 0
	for _, c := range candidates {
		sent, err := w.store.WasSent(conn.ID, c.order.ID, c.writeDate)
		if err != nil {
			continue
		}
		if sent {
			skipped++
			continue
		}
		fresh = append(fresh, c)
	}
	syncLog.OrdersSkippedByLedger = skipped

	// Step 6: batch prefetch.
	batch, partners, err := w.prefetchBatch(ctx, toOrders(fresh))
	if err != nil {
		b.Failure(time.Now().UTC())
		syncLog.ErrorSummary = err.Error()
		syncLog.DurationMillis = time.Since(syncLog.StartedAt).Milliseconds()
		return w.finalize(conn, b, syncLog, err)
	}

	// Step 7: dispatch loop.
	var maxAdvanced time.Time
	sent := 0
	failed := 0
	for _, c := range fresh {
		partner := partners[c.order.PartnerID]
		shipping := partners[c.order.PartnerShipID]
		if shipping.ID == 0 {
			shipping = partner
		}

		envelope, err := mapper.Map(mapper.Connection{
			ID:       conn.ID,
			Database: conn.Database,
			StoreID:  conn.StoreID,
			ClientID: conn.ClientID,
		}, c.order, partner, shipping, batch)
		if err != nil {
			failed++
			w.logger.Warn().Err(err).Int("order_id", c.order.ID).Msg("mapper skipped order: missing field")
			continue
		}

		result, sendErr := w.dispatcher.Send(ctx, conn.WebhookURL, conn.WebhookSecret, conn.ID, envelope)
		if sendErr != nil {
			failed++
			w.logger.Error().Err(sendErr).Int("order_id", c.order.ID).Msg("dispatcher error")
			continue
		}

		if result.OK {
			if err := w.store.MarkSent(conn.ID, c.order.ID, c.writeDate); err != nil {
				w.logger.Error().Err(err).Int("order_id", c.order.ID).Msg("failed to mark ledger")
				continue
			}
			sent++
			if c.writeDate.After(maxAdvanced) {
				maxAdvanced = c.writeDate
			}
			continue
		}

		item := &types.RetryItem{
			ID:              uuid.NewString(),
			ConnectionID:    conn.ID,
			UpstreamOrderID: c.order.ID,
			WriteDate:       c.writeDate,
			ExternalID:      fmt.Sprintf("upstream_%s_%d", conn.Database, c.order.ID),
			Payload:         mustMarshal(envelope),
			Attempt:         1,
			MaxAttempts:     types.DefaultMaxAttempts,
			NextRetryAt:     time.Now().UTC().Add(retry.NextDelay(1)),
			LastError:       result.Body,
			Status:          types.RetryPending,
		}
		if err := w.store.EnqueueRetry(item); err != nil && err != store.ErrDuplicatePending {
			w.logger.Error().Err(err).Int("order_id", c.order.ID).Msg("failed to enqueue retry item")
			continue
		}
		failed++
		if c.writeDate.After(maxAdvanced) {
			maxAdvanced = c.writeDate
		}
	}
	syncLog.OrdersSent = sent
	syncLog.OrdersFailed = failed
	metrics.OrdersFoundTotal.WithLabelValues(conn.ID).Add(float64(syncLog.OrdersFound))
	metrics.OrdersSentTotal.WithLabelValues(conn.ID).Add(float64(sent))

	// Step 8: cursor advance.
	if !maxAdvanced.IsZero() {
		if err := w.store.UpdateLastSyncAt(conn.ID, maxAdvanced); err != nil {
			w.logger.Error().Err(err).Msg("failed to advance cursor")
		}
	}

	// Step 9: ledger trim.
	if err := w.store.TrimToLimit(conn.ID, ledgerTrimLimit); err != nil {
		w.logger.Error().Err(err).Msg("failed to trim ledger")
	}

	// Step 10: retry sweep.
	w.sweepRetries(ctx, conn)

	// Step 11: finalize.
	b.Success(time.Now().UTC())
	syncLog.DurationMillis = time.Since(syncLog.StartedAt).Milliseconds()
	return w.finalize(conn, b, syncLog, nil)
}

func (w *Worker) sweepRetries(ctx context.Context, conn *types.Connection) {
	due, err := w.store.DueRetryItems(conn.ID, time.Now().UTC())
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list due retry items")
		return
	}

	for _, item := range due {
		var envelope types.Envelope
		if err := json.Unmarshal(item.Payload, &envelope); err != nil {
			w.logger.Error().Err(err).Str("retry_item_id", item.ID).Msg("failed to unmarshal retry payload")
			continue
		}

		result, err := w.dispatcher.Send(ctx, conn.WebhookURL, conn.WebhookSecret, conn.ID, envelope)
		if err != nil {
			w.logger.Error().Err(err).Str("retry_item_id", item.ID).Msg("dispatcher error during retry sweep")
			continue
		}

		if result.OK {
			if err := w.store.MarkSent(conn.ID, item.UpstreamOrderID, item.WriteDate); err != nil {
				w.logger.Error().Err(err).Str("retry_item_id", item.ID).Msg("failed to mark ledger after retry success")
			}
			if err := w.store.MarkRetrySuccess(item.ID); err != nil {
				w.logger.Error().Err(err).Str("retry_item_id", item.ID).Msg("failed to mark retry item success")
			}
			continue
		}

		item.Attempt++
		item.LastError = result.Body
		if item.Attempt >= item.MaxAttempts {
			item.Status = types.RetryFailed
			w.logger.Error().Str("retry_item_id", item.ID).Int("attempts", item.Attempt).Msg("retry attempts exhausted")
			metrics.RetryExhaustedTotal.WithLabelValues(conn.ID).Inc()
		} else {
			item.NextRetryAt = time.Now().UTC().Add(retry.NextDelay(item.Attempt))
		}
		if err := w.store.UpdateRetryAfterAttempt(item); err != nil {
			w.logger.Error().Err(err).Str("retry_item_id", item.ID).Msg("failed to persist retry attempt")
		}
	}
}

func (w *Worker) finalize(conn *types.Connection, b *breaker.Breaker, syncLog *types.SyncLog, cycleErr error) error {
	syncLog.BreakerStateOnExit = conn.BreakerState
	if err := w.store.UpdateBreakerFields(conn); err != nil {
		w.logger.Error().Err(err).Msg("failed to persist breaker fields")
	}
	metrics.BreakerState.WithLabelValues(conn.ID).Set(metrics.BreakerStateValue(string(conn.BreakerState)))
	if err := w.store.AppendSyncLog(syncLog); err != nil {
		w.logger.Error().Err(err).Msg("failed to append sync log")
	}
	metrics.CycleDuration.WithLabelValues(conn.ID).Observe(time.Duration(syncLog.DurationMillis * int64(time.Millisecond)).Seconds())

	outcome := "success"
	switch {
	case cycleErr != nil:
		outcome = "failure"
	case syncLog.OrdersFound == 0 && syncLog.OrdersSent == 0 && syncLog.BreakerStateOnEntry == types.BreakerOpen && syncLog.BreakerStateOnExit == types.BreakerOpen:
		outcome = "skipped"
	}
	metrics.CyclesTotal.WithLabelValues(conn.ID, outcome).Inc()
	return cycleErr
}

func toOrders(candidates []cycleCandidate) []types.OrderRecord {
	orders := make([]types.OrderRecord, 0, len(candidates))
	for _, c := range candidates {
		orders = append(orders, c.order)
	}
	return orders
}

func parseUpstreamTime(raw string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized upstream time %q", raw)
}

func mustMarshal(envelope types.Envelope) json.RawMessage {
	data, err := json.Marshal(envelope)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// prefetchBatch collects line ids, partner ids, then (after lines have
// returned) product and attribute-value ids, issuing independent reads
// concurrently via errgroup (spec.md §9's batch prefetch design note).
func (w *Worker) prefetchBatch(ctx context.Context, orders []types.OrderRecord) (mapper.Batch, map[int]types.Partner, error) {
	var lineIDs []int
	partnerIDSet := map[int]bool{}
	for _, o := range orders {
		lineIDs = append(lineIDs, o.LineIDs...)
		if o.PartnerID != 0 {
			partnerIDSet[o.PartnerID] = true
		}
		if o.PartnerShipID != 0 {
			partnerIDSet[o.PartnerShipID] = true
		}
	}
	partnerIDs := make([]int, 0, len(partnerIDSet))
	for id := range partnerIDSet {
		partnerIDs = append(partnerIDs, id)
	}

	var lines []types.OrderLine
	partners := map[int]types.Partner{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		records, err := w.client.Read(gctx, "sale.order.line", lineIDs,
			[]string{"id", "order_id", "product_id", "product_uom_qty", "price_unit"})
		if err != nil {
			return err
		}
		for _, raw := range records {
			var line types.OrderLine
			if err := json.Unmarshal(raw, &line); err != nil {
				continue
			}
			lines = append(lines, line)
		}
		return nil
	})
	g.Go(func() error {
		records, err := w.client.Read(gctx, "res.partner", partnerIDs,
			[]string{"id", "name", "phone", "mobile", "email", "street", "street2", "city", "state_name", "zip", "country_code", "sale_order_count"})
		if err != nil {
			return err
		}
		for _, raw := range records {
			var partner types.Partner
			if err := json.Unmarshal(raw, &partner); err != nil {
				continue
			}
			partners[partner.ID] = partner
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return mapper.Batch{}, nil, err
	}

	productIDSet := map[int]bool{}
	for _, l := range lines {
		if l.ProductID != 0 {
			productIDSet[l.ProductID] = true
		}
	}
	productIDs := make([]int, 0, len(productIDSet))
	for id := range productIDSet {
		productIDs = append(productIDs, id)
	}

	productRecords, err := w.client.Read(ctx, "product.product", productIDs,
		[]string{"id", "default_code", "barcode", "product_tmpl_id", "product_template_attribute_value_ids"})
	if err != nil {
		return mapper.Batch{}, nil, err
	}
	products := map[int]types.Product{}
	templateIDSet := map[int]bool{}
	attrValueIDSet := map[int]bool{}
	for _, raw := range productRecords {
		var product types.Product
		if err := json.Unmarshal(raw, &product); err != nil {
			continue
		}
		products[product.ID] = product
		if product.TemplateID != 0 {
			templateIDSet[product.TemplateID] = true
		}
		for _, id := range product.AttributeValueIDs {
			attrValueIDSet[id] = true
		}
	}

	templateIDs := make([]int, 0, len(templateIDSet))
	for id := range templateIDSet {
		templateIDs = append(templateIDs, id)
	}
	attrValueIDs := make([]int, 0, len(attrValueIDSet))
	for id := range attrValueIDSet {
		attrValueIDs = append(attrValueIDs, id)
	}

	g2, gctx2 := errgroup.WithContext(ctx)
	templates := map[int]types.Template{}
	attrValues := map[int]types.AttributeValue{}
	g2.Go(func() error {
		records, err := w.client.Read(gctx2, "product.template", templateIDs, []string{"id", "default_code"})
		if err != nil {
			return err
		}
		for _, raw := range records {
			var t types.Template
			if err := json.Unmarshal(raw, &t); err != nil {
				continue
			}
			templates[t.ID] = t
		}
		return nil
	})
	g2.Go(func() error {
		records, err := w.client.Read(gctx2, "product.template.attribute.value", attrValueIDs, []string{"id", "name", "sequence"})
		if err != nil {
			return err
		}
		for _, raw := range records {
			var av types.AttributeValue
			if err := json.Unmarshal(raw, &av); err != nil {
				continue
			}
			attrValues[av.ID] = av
		}
		return nil
	})
	if err := g2.Wait(); err != nil {
		return mapper.Batch{}, nil, err
	}

	return mapper.Batch{
		Lines:           lines,
		Products:        products,
		Templates:       templates,
		AttributeValues: attrValues,
	}, partners, nil
}
