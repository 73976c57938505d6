package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hassett-logistics/lanecast/internal/api"
)

// PostgresStore is the production ledger backend.
//
// Schema:
//
//	CREATE TABLE IF NOT EXISTS performance_history (
//	    route_key     TEXT NOT NULL,
//	    odc           TEXT NOT NULL,
//	    ddc           TEXT NOT NULL,
//	    product_type  TEXT NOT NULL,
//	    day_of_week   INT NOT NULL,
//	    year          INT NOT NULL,
//	    week_number   INT NOT NULL,
//	    model_id      TEXT NOT NULL,
//	    forecast_value DOUBLE PRECISION NOT NULL,
//	    actual_value   DOUBLE PRECISION NOT NULL,
//	    error_pct      DOUBLE PRECISION NOT NULL,
//	    abs_error_pct  DOUBLE PRECISION NOT NULL,
//	    recorded_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    PRIMARY KEY (route_key, year, week_number, model_id)
//	);
//
//	CREATE TABLE IF NOT EXISTS routing_updates (
//	    id          BIGSERIAL PRIMARY KEY,
//	    route_key   TEXT NOT NULL,
//	    odc         TEXT NOT NULL,
//	    ddc         TEXT NOT NULL,
//	    product_type TEXT NOT NULL,
//	    day_of_week INT NOT NULL,
//	    year        INT NOT NULL,
//	    week_number INT NOT NULL,
//	    old_model   TEXT NOT NULL,
//	    new_model   TEXT NOT NULL,
//	    reason      TEXT NOT NULL,
//	    error_improvement DOUBLE PRECISION NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
// The primary key on (route_key, year, week_number, model_id) makes Record an
// idempotent upsert via ON CONFLICT.
type PostgresStore struct {
	pool   *pgxpool.Pool
	params api.TrackerParams
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS performance_history (
    route_key      TEXT NOT NULL,
    odc            TEXT NOT NULL,
    ddc            TEXT NOT NULL,
    product_type   TEXT NOT NULL,
    day_of_week    INT NOT NULL,
    year           INT NOT NULL,
    week_number    INT NOT NULL,
    model_id       TEXT NOT NULL,
    forecast_value DOUBLE PRECISION NOT NULL,
    actual_value   DOUBLE PRECISION NOT NULL,
    error_pct      DOUBLE PRECISION NOT NULL,
    abs_error_pct  DOUBLE PRECISION NOT NULL,
    recorded_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (route_key, year, week_number, model_id)
);
CREATE INDEX IF NOT EXISTS idx_perf_route_period
    ON performance_history (route_key, year DESC, week_number DESC);

CREATE TABLE IF NOT EXISTS routing_updates (
    id             BIGSERIAL PRIMARY KEY,
    route_key      TEXT NOT NULL,
    odc            TEXT NOT NULL,
    ddc            TEXT NOT NULL,
    product_type   TEXT NOT NULL,
    day_of_week    INT NOT NULL,
    year           INT NOT NULL,
    week_number    INT NOT NULL,
    old_model      TEXT NOT NULL,
    new_model      TEXT NOT NULL,
    reason         TEXT NOT NULL,
    error_improvement DOUBLE PRECISION NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_routing_updates_route
    ON routing_updates (route_key, created_at);
`

// NewPostgresStore connects and ensures the ledger schema exists.
func NewPostgresStore(ctx context.Context, connString string, params api.TrackerParams) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, ledgerSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresStore{pool: pool, params: params}, nil
}

const upsertRecordSQL = `
INSERT INTO performance_history
    (route_key, odc, ddc, product_type, day_of_week, year, week_number,
     model_id, forecast_value, actual_value, error_pct, abs_error_pct, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (route_key, year, week_number, model_id) DO UPDATE SET
    forecast_value = EXCLUDED.forecast_value,
    actual_value   = EXCLUDED.actual_value,
    error_pct      = EXCLUDED.error_pct,
    abs_error_pct  = EXCLUDED.abs_error_pct,
    recorded_at    = EXCLUDED.recorded_at`

func (p *PostgresStore) Record(ctx context.Context, route api.Route, period api.Period, modelID string, forecast, actual float64) error {
	if err := route.Validate(); err != nil {
		return fmt.Errorf("invalid route: %w", err)
	}
	if modelID == "" {
		return fmt.Errorf("model_id is required")
	}

	errPct := api.ErrorPct(forecast, actual, p.params.ZeroActualPenaltyPct)
	absErr := errPct
	if absErr < 0 {
		absErr = -absErr
	}

	_, err := p.pool.Exec(ctx, upsertRecordSQL,
		route.Key(), route.ODC, route.DDC, route.ProductType, route.DayOfWeek,
		period.Year, period.Week, modelID, forecast, actual, errPct, absErr, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecordBatch(ctx context.Context, batch api.EvaluationBatch) (*BatchReport, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	report := &BatchReport{}
	now := time.Now()

	for _, result := range batch.Results {
		if result.Actual == nil {
			report.SkippedMissingActual++
			continue
		}
		if err := result.Route.Validate(); err != nil {
			return nil, fmt.Errorf("invalid route %s: %w", result.Route.Key(), err)
		}

		// Deterministic insert order keeps transactions from deadlocking when
		// two batch jobs overlap.
		modelIDs := make([]string, 0, len(result.Forecasts))
		for modelID := range result.Forecasts {
			modelIDs = append(modelIDs, modelID)
		}
		sort.Strings(modelIDs)

		for _, modelID := range modelIDs {
			forecast := result.Forecasts[modelID]
			errPct := api.ErrorPct(forecast, *result.Actual, p.params.ZeroActualPenaltyPct)
			absErr := errPct
			if absErr < 0 {
				absErr = -absErr
			}
			if _, err := tx.Exec(ctx, upsertRecordSQL,
				result.Route.Key(), result.Route.ODC, result.Route.DDC,
				result.Route.ProductType, result.Route.DayOfWeek,
				batch.Period.Year, batch.Period.Week,
				modelID, forecast, *result.Actual, errPct, absErr, now); err != nil {
				return nil, fmt.Errorf("failed to record %s/%s: %w", result.Route.Key(), modelID, err)
			}
			report.Recorded++
		}
		report.RoutesRecorded++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return report, nil
}

const windowSQL = `
WITH recent AS (
    SELECT DISTINCT year, week_number
    FROM performance_history
    WHERE route_key = $1
    ORDER BY year DESC, week_number DESC
    LIMIT $2
)
SELECT h.odc, h.ddc, h.product_type, h.day_of_week, h.year, h.week_number,
       h.model_id, h.forecast_value, h.actual_value, h.error_pct, h.abs_error_pct,
       h.recorded_at
FROM performance_history h
JOIN recent r ON h.year = r.year AND h.week_number = r.week_number
WHERE h.route_key = $1
ORDER BY h.year DESC, h.week_number DESC, h.model_id ASC`

func (p *PostgresStore) Window(ctx context.Context, route api.Route, lookback int) ([]api.PerformanceRecord, error) {
	rows, err := p.pool.Query(ctx, windowSQL, route.Key(), lookback)
	if err != nil {
		return nil, fmt.Errorf("failed to query window: %w", err)
	}
	defer rows.Close()

	var out []api.PerformanceRecord
	for rows.Next() {
		var rec api.PerformanceRecord
		if err := rows.Scan(
			&rec.Route.ODC, &rec.Route.DDC, &rec.Route.ProductType, &rec.Route.DayOfWeek,
			&rec.Period.Year, &rec.Period.Week,
			&rec.ModelID, &rec.ForecastValue, &rec.ActualValue,
			&rec.ErrorPct, &rec.AbsErrorPct, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LatestPeriod(ctx context.Context, route api.Route) (api.Period, bool, error) {
	var period api.Period
	err := p.pool.QueryRow(ctx,
		`SELECT year, week_number FROM performance_history
		 WHERE route_key = $1 ORDER BY year DESC, week_number DESC LIMIT 1`,
		route.Key()).Scan(&period.Year, &period.Week)
	if err == pgx.ErrNoRows {
		return api.Period{}, false, nil
	}
	if err != nil {
		return api.Period{}, false, fmt.Errorf("failed to query latest period: %w", err)
	}
	return period, true, nil
}

func (p *PostgresStore) Routes(ctx context.Context) ([]api.Route, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT odc, ddc, product_type, day_of_week
		 FROM performance_history
		 ORDER BY odc, ddc, product_type, day_of_week`)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	defer rows.Close()

	var out []api.Route
	for rows.Next() {
		var r api.Route
		if err := rows.Scan(&r.ODC, &r.DDC, &r.ProductType, &r.DayOfWeek); err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev api.RoutingUpdateEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO routing_updates
		     (route_key, odc, ddc, product_type, day_of_week, year, week_number,
		      old_model, new_model, reason, error_improvement, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ev.Route.Key(), ev.Route.ODC, ev.Route.DDC, ev.Route.ProductType, ev.Route.DayOfWeek,
		ev.Period.Year, ev.Period.Week, ev.OldModel, ev.NewModel, ev.Reason,
		ev.ErrorImprovement, ts)
	if err != nil {
		return fmt.Errorf("failed to append routing event: %w", err)
	}
	return nil
}

func (p *PostgresStore) Events(ctx context.Context, route api.Route) ([]api.RoutingUpdateEvent, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT odc, ddc, product_type, day_of_week, year, week_number,
		        old_model, new_model, reason, error_improvement, created_at
		 FROM routing_updates WHERE route_key = $1 ORDER BY created_at, id`,
		route.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to query routing events: %w", err)
	}
	defer rows.Close()

	var out []api.RoutingUpdateEvent
	for rows.Next() {
		var ev api.RoutingUpdateEvent
		if err := rows.Scan(
			&ev.Route.ODC, &ev.Route.DDC, &ev.Route.ProductType, &ev.Route.DayOfWeek,
			&ev.Period.Year, &ev.Period.Week,
			&ev.OldModel, &ev.NewModel, &ev.Reason, &ev.ErrorImprovement, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan routing event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const summaryWindowSQL = `
WITH recent AS (
    SELECT DISTINCT year, week_number
    FROM performance_history
    ORDER BY year DESC, week_number DESC
    LIMIT $1
)
SELECT h.route_key, h.year, h.week_number, h.model_id, h.abs_error_pct
FROM performance_history h
JOIN recent r ON h.year = r.year AND h.week_number = r.week_number`

func (p *PostgresStore) Summary(ctx context.Context, lookback int) (*Summary, error) {
	rows, err := p.pool.Query(ctx, summaryWindowSQL, lookback)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary window: %w", err)
	}
	defer rows.Close()

	// Aggregation happens in Go so the memory and postgres backends share the
	// same winner and median semantics.
	type rawRecord struct {
		routeKey string
		period   api.Period
		modelID  string
		absErr   float64
	}
	var raw []rawRecord
	for rows.Next() {
		var rr rawRecord
		if err := rows.Scan(&rr.routeKey, &rr.period.Year, &rr.period.Week, &rr.modelID, &rr.absErr); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		raw = append(raw, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summary := &Summary{}

	type evalKey struct {
		route  string
		period api.Period
	}
	type winner struct {
		modelID string
		absErr  float64
	}
	winners := make(map[evalKey]winner)
	modelErrs := make(map[string][]float64)
	modelRoutes := make(map[string]map[string]bool)
	routeSet := make(map[string]bool)
	periodSet := make(map[api.Period]bool)
	var allErrs []float64

	for _, rr := range raw {
		summary.TotalRecords++
		routeSet[rr.routeKey] = true
		periodSet[rr.period] = true
		allErrs = append(allErrs, rr.absErr)
		modelErrs[rr.modelID] = append(modelErrs[rr.modelID], rr.absErr)
		if modelRoutes[rr.modelID] == nil {
			modelRoutes[rr.modelID] = make(map[string]bool)
		}
		modelRoutes[rr.modelID][rr.routeKey] = true

		ek := evalKey{route: rr.routeKey, period: rr.period}
		best, ok := winners[ek]
		if !ok || rr.absErr < best.absErr ||
			(rr.absErr == best.absErr && rr.modelID < best.modelID) {
			winners[ek] = winner{modelID: rr.modelID, absErr: rr.absErr}
		}
	}

	summary.Periods = len(periodSet)
	summary.RouteCount = len(routeSet)

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
	for _, w := range winners {
		wins[w.modelID]++
		if w.absErr < p.params.HighErrorCutoffPct {
			summary.WinnersUnder20++
		}
		if w.absErr < p.params.MediumErrorCutoffPct {
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

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
