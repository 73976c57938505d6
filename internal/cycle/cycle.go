// Package cycle orchestrates the engine's periodic work: ingesting
// evaluation batches into the ledger, re-deciding the routing table, and
// emitting the multi-week forecast outlook.
package cycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hassett-logistics/lanecast/internal/aggregate"
	"github.com/hassett-logistics/lanecast/internal/api"
	"github.com/hassett-logistics/lanecast/internal/forecast"
	"github.com/hassett-logistics/lanecast/internal/ledger"
	"github.com/hassett-logistics/lanecast/internal/metrics"
	"github.com/hassett-logistics/lanecast/internal/routing"
	"github.com/hassett-logistics/lanecast/internal/wal"
	"github.com/hassett-logistics/lanecast/pkg/otel"
)

const tracerName = "lanecast/cycle"

// Report summarizes one routing update cycle.
type Report struct {
	Period          api.Period    `json:"period"`
	RoutesEvaluated int           `json:"routes_evaluated"`
	Switched        int           `json:"switched"`
	Held            int           `json:"held"`
	Failed          int           `json:"failed"`
	TableVersion    int64         `json:"table_version"`
	Duration        time.Duration `json:"duration"`
}

// Config tunes the runner's concurrency.
type Config struct {
	// Workers is the size of the evaluation worker pool.
	Workers int
	// StoreRPS caps ledger reads per second across workers. Zero disables
	// the limiter.
	StoreRPS float64
	// HistoryLookback is how many periods of actuals feed the forecast
	// models.
	HistoryLookback int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		StoreRPS:        200,
		HistoryLookback: 52,
	}
}

// Runner wires the ledger, updater, table, and emitter into the periodic
// jobs. Metrics and the WAL are optional.
type Runner struct {
	store    ledger.Store
	table    routing.Table
	agg      *aggregate.Aggregator
	updater  *routing.Updater
	emitter  *forecast.Emitter
	batchWAL *wal.BatchWAL
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	cfg      Config

	// Last memo totals published to the cache counters. Memo stats are
	// cumulative, Prometheus counters take deltas.
	lastCacheHits   uint64
	lastCacheMisses uint64
}

func NewRunner(store ledger.Store, table routing.Table, agg *aggregate.Aggregator, updater *routing.Updater, emitter *forecast.Emitter, cfg Config) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.HistoryLookback < 1 {
		cfg.HistoryLookback = 52
	}

	var limiter *rate.Limiter
	if cfg.StoreRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.StoreRPS), cfg.Workers)
	}

	return &Runner{
		store:   store,
		table:   table,
		agg:     agg,
		updater: updater,
		emitter: emitter,
		limiter: limiter,
		cfg:     cfg,
	}
}

// WithWAL enables write-ahead logging of ingested batches.
func (r *Runner) WithWAL(w *wal.BatchWAL) *Runner {
	r.batchWAL = w
	return r
}

// WithMetrics enables Prometheus instrumentation on the runner and its
// emitter.
func (r *Runner) WithMetrics(m *metrics.Metrics) *Runner {
	r.metrics = m
	r.emitter.WithMetrics(m)
	return r
}

// publishCacheStats flushes memo hit/miss growth since the last flush.
func (r *Runner) publishCacheStats() {
	hits, misses := r.agg.CacheStats()
	r.metrics.AggregateCacheHits.Add(float64(hits - r.lastCacheHits))
	r.metrics.AggregateCacheMisses.Add(float64(misses - r.lastCacheMisses))
	r.lastCacheHits = hits
	r.lastCacheMisses = misses
}

// Ingest parses and records one evaluation batch. The raw payload hits the
// WAL before the ledger, so a crash between the two is recoverable by
// replay; the idempotent ledger makes the replay safe.
func (r *Runner) Ingest(ctx context.Context, body []byte) (*ledger.BatchReport, error) {
	ctx, span := otel.StartSpan(ctx, tracerName, "cycle.ingest")
	defer span.End()

	var batch api.EvaluationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("invalid batch payload: %w", err)
	}
	if batch.Period.Week < 1 || batch.Period.Week > 53 || batch.Period.Year < 2000 {
		return nil, fmt.Errorf("invalid period %s", batch.Period)
	}

	if r.batchWAL != nil {
		if err := r.batchWAL.Append(body); err != nil {
			if r.metrics != nil {
				r.metrics.WALErrors.Inc()
			}
			return nil, fmt.Errorf("failed to persist batch to WAL: %w", err)
		}
	}

	report, err := r.store.RecordBatch(ctx, batch)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to record batch: %w", err)
	}

	// New ledger rows move route anchors, cached aggregates are stale.
	r.agg.Reset()

	if r.metrics != nil {
		r.metrics.BatchesIngested.Inc()
		r.metrics.RecordsWritten.Add(float64(report.Recorded))
		r.metrics.RoutesSkipped.Add(float64(report.SkippedMissingActual))
	}

	log.Printf("cycle: ingested batch %s: %d records across %d routes, %d skipped",
		batch.Period, report.Recorded, report.RoutesRecorded, report.SkippedMissingActual)
	return report, nil
}

// ReplayWAL re-records every batch in a WAL file. Safe to run after a crash:
// re-recording is an upsert.
func (r *Runner) ReplayWAL(ctx context.Context, walPath string) (int, error) {
	entries, err := wal.Replay(walPath)
	if err != nil {
		return 0, fmt.Errorf("failed to replay WAL: %w", err)
	}

	replayed := 0
	for _, entry := range entries {
		var batch api.EvaluationBatch
		if err := json.Unmarshal(entry.Body, &batch); err != nil {
			log.Printf("cycle: skipping malformed WAL entry from %s: %v", entry.Timestamp, err)
			continue
		}
		if _, err := r.store.RecordBatch(ctx, batch); err != nil {
			return replayed, fmt.Errorf("failed to re-record batch %s: %w", batch.Period, err)
		}
		replayed++
	}

	r.agg.Reset()
	return replayed, nil
}

type evaluation struct {
	routeKey string
	decision *routing.Decision
	err      error
}

// RunCycle re-evaluates every known route and publishes a new routing table
// snapshot. Per-route failures are logged and skipped; only storage failures
// abort the cycle. The table swap is all-or-nothing, and switch audit events
// are written only after the snapshot is live.
func (r *Runner) RunCycle(ctx context.Context, period api.Period) (*Report, error) {
	started := time.Now()
	ctx, span := otel.StartSpan(ctx, tracerName, "cycle.run")
	defer span.End()

	routes, err := r.store.Routes(ctx)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}

	current, err := r.table.Current(ctx)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to read current table: %w", err)
	}

	jobs := make(chan api.Route)
	results := make(chan evaluation, len(routes))

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for route := range jobs {
				results <- r.evaluateRoute(ctx, route, current)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, route := range routes {
			select {
			case jobs <- route:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	report := &Report{Period: period}
	entries := make(map[string]api.RoutingEntry, len(routes))
	var events []api.RoutingUpdateEvent

	for eval := range results {
		report.RoutesEvaluated++
		if eval.err != nil {
			report.Failed++
			log.Printf("cycle: route %s evaluation failed: %v", eval.routeKey, eval.err)
			if r.metrics != nil {
				r.metrics.RoutesFailed.Inc()
			}
			// Keep the previous assignment so the route does not vanish
			// from the table over a transient failure.
			if current != nil {
				if prev, ok := current.Entries[eval.routeKey]; ok {
					entries[eval.routeKey] = prev
				}
			}
			continue
		}

		entries[eval.routeKey] = eval.decision.Entry
		if eval.decision.Switched {
			report.Switched++
			events = append(events, *eval.decision.Event)
		} else {
			report.Held++
		}
		if r.metrics != nil {
			r.metrics.RoutesEvaluated.Inc()
			if eval.decision.Switched {
				r.metrics.ModelSwitches.WithLabelValues(eval.decision.Event.Reason).Inc()
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	version, err := r.table.Publish(ctx, &routing.Snapshot{Period: period, Entries: entries})
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to publish routing table: %w", err)
	}
	report.TableVersion = version

	// Audit events land after the publish: an aborted publish leaves no
	// phantom switch records.
	sort.Slice(events, func(i, j int) bool {
		return events[i].Route.Key() < events[j].Route.Key()
	})
	for _, ev := range events {
		if err := r.store.AppendEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("failed to write audit event for %s: %w", ev.Route.Key(), err)
		}
	}

	report.Duration = time.Since(started)
	if r.metrics != nil {
		r.metrics.CyclesRun.Inc()
		r.metrics.CycleDuration.Observe(report.Duration.Seconds())
		r.metrics.TablePublishes.Inc()
		r.metrics.TableVersion.Set(float64(version))
		r.publishCacheStats()
	}
	span.SetAttributes(otel.CycleAttributes(report.RoutesEvaluated, report.Switched, version)...)

	log.Printf("cycle: published table v%d for %s: %d routes, %d switched, %d held, %d failed (%s)",
		version, period, report.RoutesEvaluated, report.Switched, report.Held, report.Failed, report.Duration)
	return report, nil
}

func (r *Runner) evaluateRoute(ctx context.Context, route api.Route, current *routing.Snapshot) evaluation {
	routeKey := route.Key()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return evaluation{routeKey: routeKey, err: err}
		}
	}

	var currentEntry *api.RoutingEntry
	if current != nil {
		if entry, ok := current.Entries[routeKey]; ok {
			currentEntry = &entry
		}
	}

	decision, err := r.updater.Evaluate(ctx, route, currentEntry)
	return evaluation{routeKey: routeKey, decision: decision, err: err}
}

// Outlook emits a weeks-long forecast for every route known to the table or
// the ledger, starting at the from period. Per-route failures are skipped.
func (r *Runner) Outlook(ctx context.Context, from api.Period, weeks int) ([]api.ForecastRecord, error) {
	ctx, span := otel.StartSpan(ctx, tracerName, "cycle.outlook")
	defer span.End()

	routes, err := r.outlookRoutes(ctx)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	var out []api.ForecastRecord
	for _, route := range routes {
		history, err := r.routeHistory(ctx, route)
		if err != nil {
			log.Printf("cycle: history read failed for %s: %v", route.Key(), err)
			continue
		}

		records, err := r.emitter.Emit(ctx, route, history, from, weeks)
		if err != nil {
			log.Printf("cycle: forecast failed for %s: %v", route.Key(), err)
			continue
		}
		if r.metrics != nil {
			for _, rec := range records {
				r.metrics.ForecastsEmitted.WithLabelValues(string(rec.Confidence)).Inc()
			}
		}
		out = append(out, records...)
	}
	if r.metrics != nil {
		r.publishCacheStats()
	}
	return out, nil
}

// outlookRoutes merges ledger routes with any table entries (a just-published
// table can contain routes whose ledger rows were pruned).
func (r *Runner) outlookRoutes(ctx context.Context) ([]api.Route, error) {
	routes, err := r.store.Routes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	seen := make(map[string]bool, len(routes))
	for _, route := range routes {
		seen[route.Key()] = true
	}

	current, err := r.table.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current table: %w", err)
	}
	if current != nil {
		for _, entry := range current.Entries {
			if !seen[entry.Route.Key()] {
				seen[entry.Route.Key()] = true
				routes = append(routes, entry.Route)
			}
		}
	}

	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Key() < routes[j].Key()
	})
	return routes, nil
}

// routeHistory reconstructs the route's observed weekly volumes from ledger
// actuals, most recent first.
func (r *Runner) routeHistory(ctx context.Context, route api.Route) ([]api.Observation, error) {
	records, err := r.store.Window(ctx, route, r.cfg.HistoryLookback)
	if err != nil {
		return nil, err
	}

	var history []api.Observation
	seen := make(map[api.Period]bool)
	for _, rec := range records {
		if seen[rec.Period] {
			continue
		}
		seen[rec.Period] = true
		history = append(history, api.Observation{
			Period: rec.Period,
			Pieces: rec.ActualValue,
		})
	}
	return history, nil
}
