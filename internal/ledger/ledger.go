package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hassett-logistics/lanecast/internal/api"
)

// Store is the persistence contract for forecast-vs-actual outcomes.
//
// Records are keyed by (route, period, model): recording the same key twice
// overwrites, so retried batch jobs are safe. Routing update events are
// append-only audit rows.
type Store interface {
	// Record upserts one forecast-vs-actual outcome, computing error fields
	// from the configured zero-actual convention.
	Record(ctx context.Context, route api.Route, period api.Period, modelID string, forecast, actual float64) error

	// RecordBatch records one evaluation period's results for many routes and
	// models. Routes with no actual are skipped, not recorded. Idempotent:
	// recording the same batch twice leaves the store identical to one
	// recording.
	RecordBatch(ctx context.Context, batch api.EvaluationBatch) (*BatchReport, error)

	// Window returns all records in the lookback most recent distinct periods
	// recorded for the route, ordered newest period first, model id ascending
	// within a period. The window is anchored at the route's own latest
	// period, not wall-clock now.
	Window(ctx context.Context, route api.Route, lookback int) ([]api.PerformanceRecord, error)

	// LatestPeriod returns the most recent period recorded for the route.
	LatestPeriod(ctx context.Context, route api.Route) (api.Period, bool, error)

	// Routes lists every route with at least one record.
	Routes(ctx context.Context) ([]api.Route, error)

	// AppendEvent writes a routing switch audit entry.
	AppendEvent(ctx context.Context, ev api.RoutingUpdateEvent) error

	// Events returns switch audit entries for a route, oldest first.
	Events(ctx context.Context, route api.Route) ([]api.RoutingUpdateEvent, error)

	// Summary aggregates performance over the lookback most recent distinct
	// periods present in the store.
	Summary(ctx context.Context, lookback int) (*Summary, error)

	// Close releases resources
	Close() error
}

// BatchReport counts the outcome of one RecordBatch call.
type BatchReport struct {
	Recorded             int `json:"recorded"`
	RoutesRecorded       int `json:"routes_recorded"`
	SkippedMissingActual int `json:"skipped_missing_actual"`
}

// Summary aggregates ledger performance over a recent window. The winner
// buckets count winning records under the configured high and medium error
// cutoffs (20% and 50% at the defaults).
type Summary struct {
	Periods        int            `json:"periods"`
	TotalRecords   int            `json:"total_records"`
	RouteCount     int            `json:"route_count"`
	AvgAbsErrorPct float64        `json:"avg_abs_error_pct"`
	MedianAbsError float64        `json:"median_abs_error_pct"`
	WinnersUnder20 int            `json:"winners_under_20"`
	WinnersUnder50 int            `json:"winners_under_50"`
	Models         []ModelSummary `json:"models"`
}

// ModelSummary is per-model performance within a summary window. Wins counts
// the (route, period) evaluations where the model had the lowest absolute
// error (ties broken by lexicographically smallest model id).
type ModelSummary struct {
	ModelID        string  `json:"model_id"`
	Routes         int     `json:"routes"`
	Records        int     `json:"records"`
	AvgAbsErrorPct float64 `json:"avg_abs_error_pct"`
	Wins           int     `json:"wins"`
}

// MemoryStore is an in-memory ledger with optional JSON snapshot persistence.
// Used for tests and single-node deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]map[string]api.PerformanceRecord // route key → record key → record
	routes   map[string]api.Route
	events   []api.RoutingUpdateEvent
	params   api.TrackerParams
	snapshot string // optional file path for persistence
	now      func() time.Time
}

type memorySnapshot struct {
	Records map[string]map[string]api.PerformanceRecord `json:"records"`
	Routes  map[string]api.Route                        `json:"routes"`
	Events  []api.RoutingUpdateEvent                    `json:"events"`
}

// NewMemoryStore creates an in-memory ledger. snapshotPath may be empty to
// disable persistence.
func NewMemoryStore(params api.TrackerParams, snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		records:  make(map[string]map[string]api.PerformanceRecord),
		routes:   make(map[string]api.Route),
		params:   params,
		snapshot: snapshotPath,
		now:      time.Now,
	}

	if snapshotPath != "" {
		ms.loadSnapshot()
	}

	return ms
}

func recordKey(period api.Period, modelID string) string {
	return fmt.Sprintf("%d|%02d|%s", period.Year, period.Week, modelID)
}

func (m *MemoryStore) Record(ctx context.Context, route api.Route, period api.Period, modelID string, forecast, actual float64) error {
	if err := route.Validate(); err != nil {
		return fmt.Errorf("invalid route: %w", err)
	}
	if modelID == "" {
		return fmt.Errorf("model_id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.upsertLocked(route, period, modelID, forecast, actual)
	return nil
}

// upsertLocked applies one record. Caller must hold m.mu.
func (m *MemoryStore) upsertLocked(route api.Route, period api.Period, modelID string, forecast, actual float64) {
	key := route.Key()
	if _, ok := m.records[key]; !ok {
		m.records[key] = make(map[string]api.PerformanceRecord)
		m.routes[key] = route
	}

	errPct := api.ErrorPct(forecast, actual, m.params.ZeroActualPenaltyPct)
	absErr := errPct
	if absErr < 0 {
		absErr = -absErr
	}

	m.records[key][recordKey(period, modelID)] = api.PerformanceRecord{
		Route:         route,
		Period:        period,
		ModelID:       modelID,
		ForecastValue: forecast,
		ActualValue:   actual,
		ErrorPct:      errPct,
		AbsErrorPct:   absErr,
		RecordedAt:    m.now(),
	}
}

func (m *MemoryStore) RecordBatch(ctx context.Context, batch api.EvaluationBatch) (*BatchReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := &BatchReport{}
	for _, result := range batch.Results {
		if result.Actual == nil {
			// Missing actual: the route is excluded from this period, never
			// recorded with a fabricated zero.
			report.SkippedMissingActual++
			continue
		}
		if err := result.Route.Validate(); err != nil {
			return nil, fmt.Errorf("invalid route %s: %w", result.Route.Key(), err)
		}
		for modelID, forecast := range result.Forecasts {
			m.upsertLocked(result.Route, batch.Period, modelID, forecast, *result.Actual)
			report.Recorded++
		}
		report.RoutesRecorded++
	}

	if m.snapshot != "" {
		go m.saveSnapshot() // async to avoid blocking the batch
	}

	return report, nil
}

// windowPeriods returns the lookback most recent distinct periods recorded for
// a route, newest first. Caller must hold m.mu (read).
func (m *MemoryStore) windowPeriods(routeKey string, lookback int) []api.Period {
	seen := make(map[api.Period]bool)
	for _, rec := range m.records[routeKey] {
		seen[rec.Period] = true
	}

	periods := make([]api.Period, 0, len(seen))
	for p := range seen {
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool {
		return periods[j].Before(periods[i])
	})

	if lookback > 0 && len(periods) > lookback {
		periods = periods[:lookback]
	}
	return periods
}

func (m *MemoryStore) Window(ctx context.Context, route api.Route, lookback int) ([]api.PerformanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := route.Key()
	periods := m.windowPeriods(key, lookback)
	if len(periods) == 0 {
		return nil, nil
	}

	inWindow := make(map[api.Period]bool, len(periods))
	for _, p := range periods {
		inWindow[p] = true
	}

	var out []api.PerformanceRecord
	for _, rec := range m.records[key] {
		if inWindow[rec.Period] {
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Period.Compare(out[j].Period); c != 0 {
			return c > 0 // newest period first
		}
		return out[i].ModelID < out[j].ModelID
	})

	return out, nil
}

func (m *MemoryStore) LatestPeriod(ctx context.Context, route api.Route) (api.Period, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	periods := m.windowPeriods(route.Key(), 1)
	if len(periods) == 0 {
		return api.Period{}, false, nil
	}
	return periods[0], true, nil
}

func (m *MemoryStore) Routes(ctx context.Context) ([]api.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	routes := make([]api.Route, 0, len(m.routes))
	for _, r := range m.routes {
		routes = append(routes, r)
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Key() < routes[j].Key()
	})
	return routes, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev api.RoutingUpdateEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) Events(ctx context.Context, route api.Route) ([]api.RoutingUpdateEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := route.Key()
	var out []api.RoutingUpdateEvent
	for _, ev := range m.events {
		if ev.Route.Key() == key {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) Summary(ctx context.Context, lookback int) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Global window: most recent distinct periods across all routes.
	seen := make(map[api.Period]bool)
	for _, byKey := range m.records {
		for _, rec := range byKey {
			seen[rec.Period] = true
		}
	}
	periods := make([]api.Period, 0, len(seen))
	for p := range seen {
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool {
		return periods[j].Before(periods[i])
	})
	if lookback > 0 && len(periods) > lookback {
		periods = periods[:lookback]
	}
	inWindow := make(map[api.Period]bool, len(periods))
	for _, p := range periods {
		inWindow[p] = true
	}

	summary := &Summary{Periods: len(periods)}

	type evalKey struct {
		route  string
		period api.Period
	}
	winners := make(map[evalKey]api.PerformanceRecord)
	modelErrs := make(map[string][]float64)
	modelRoutes := make(map[string]map[string]bool)
	var allErrs []float64

	for routeKey, byKey := range m.records {
		inRoute := false
		for _, rec := range byKey {
			if !inWindow[rec.Period] {
				continue
			}
			inRoute = true
			summary.TotalRecords++
			allErrs = append(allErrs, rec.AbsErrorPct)
			modelErrs[rec.ModelID] = append(modelErrs[rec.ModelID], rec.AbsErrorPct)
			if modelRoutes[rec.ModelID] == nil {
				modelRoutes[rec.ModelID] = make(map[string]bool)
			}
			modelRoutes[rec.ModelID][routeKey] = true

			ek := evalKey{route: routeKey, period: rec.Period}
			best, ok := winners[ek]
			if !ok || rec.AbsErrorPct < best.AbsErrorPct ||
				(rec.AbsErrorPct == best.AbsErrorPct && rec.ModelID < best.ModelID) {
				winners[ek] = rec
			}
		}
		if inRoute {
			summary.RouteCount++
		}
	}

	if len(allErrs) > 0 {
		var sum float64
		for _, e := range allErrs {
			sum += e
		}
		summary.AvgAbsErrorPct = sum / float64(len(allErrs))
		sort.Float64s(allErrs)
		summary.MedianAbsError = allErrs[len(allErrs)/2]
	}

	wins := make(map[string]int)
	for _, rec := range winners {
		wins[rec.ModelID]++
		if rec.AbsErrorPct < m.params.HighErrorCutoffPct {
			summary.WinnersUnder20++
		}
		if rec.AbsErrorPct < m.params.MediumErrorCutoffPct {
			summary.WinnersUnder50++
		}
	}

	for modelID, errs := range modelErrs {
		var sum float64
		for _, e := range errs {
			sum += e
		}
		summary.Models = append(summary.Models, ModelSummary{
			ModelID:        modelID,
			Routes:         len(modelRoutes[modelID]),
			Records:        len(errs),
			AvgAbsErrorPct: sum / float64(len(errs)),
			Wins:           wins[modelID],
		})
	}
	sort.Slice(summary.Models, func(i, j int) bool {
		if summary.Models[i].AvgAbsErrorPct != summary.Models[j].AvgAbsErrorPct {
			return summary.Models[i].AvgAbsErrorPct < summary.Models[j].AvgAbsErrorPct
		}
		return summary.Models[i].ModelID < summary.Models[j].ModelID
	})

	return summary, nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return err
	}

	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Records != nil {
		m.records = snap.Records
	}
	if snap.Routes != nil {
		m.routes = snap.Routes
	}
	m.events = snap.Events

	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	snap := memorySnapshot{
		Records: m.records,
		Routes:  m.routes,
		Events:  m.events,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	return os.WriteFile(m.snapshot, data, 0600)
}
