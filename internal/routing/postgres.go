package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hassett-logistics/lanecast/internal/api"
)

// PostgresTable persists routing snapshots in Postgres. A publish bumps the
// version in a meta row and inserts the whole entry set in one transaction,
// so readers never observe a half-written table.
type PostgresTable struct {
	pool *pgxpool.Pool
}

const routingSchema = `
CREATE TABLE IF NOT EXISTS routing_table (
    version              BIGINT NOT NULL,
    route_key            TEXT NOT NULL,
    odc                  TEXT NOT NULL,
    ddc                  TEXT NOT NULL,
    product_type         TEXT NOT NULL,
    day_of_week          INT NOT NULL,
    assigned_model       TEXT NOT NULL,
    historical_error_pct DOUBLE PRECISION NOT NULL,
    confidence_tier      TEXT NOT NULL,
    year                 INT NOT NULL,
    week_number          INT NOT NULL,
    PRIMARY KEY (version, route_key)
);

CREATE TABLE IF NOT EXISTS routing_table_meta (
    id          INT PRIMARY KEY CHECK (id = 1),
    version     BIGINT NOT NULL,
    year        INT NOT NULL,
    week_number INT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
`

// NewPostgresTable connects and ensures the routing schema exists.
func NewPostgresTable(ctx context.Context, connString string) (*PostgresTable, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, routingSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresTable{pool: pool}, nil
}

func (t *PostgresTable) Lookup(ctx context.Context, route api.Route) (api.RoutingEntry, bool, error) {
	var entry api.RoutingEntry
	var tier string
	err := t.pool.QueryRow(ctx,
		`SELECT r.odc, r.ddc, r.product_type, r.day_of_week,
		        r.assigned_model, r.historical_error_pct, r.confidence_tier,
		        r.year, r.week_number
		 FROM routing_table r
		 JOIN routing_table_meta m ON m.id = 1 AND r.version = m.version
		 WHERE r.route_key = $1`,
		route.Key()).Scan(
		&entry.Route.ODC, &entry.Route.DDC, &entry.Route.ProductType, &entry.Route.DayOfWeek,
		&entry.AssignedModelID, &entry.HistoricalErrorPct, &tier,
		&entry.LastUpdated.Year, &entry.LastUpdated.Week)
	if err == pgx.ErrNoRows {
		return api.RoutingEntry{}, false, nil
	}
	if err != nil {
		return api.RoutingEntry{}, false, fmt.Errorf("failed to look up routing entry: %w", err)
	}
	entry.Confidence = api.ConfidenceTier(tier)
	return entry, true, nil
}

func (t *PostgresTable) Current(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Entries: make(map[string]api.RoutingEntry)}
	err := t.pool.QueryRow(ctx,
		`SELECT version, year, week_number, updated_at FROM routing_table_meta WHERE id = 1`).
		Scan(&snap.Version, &snap.Period.Year, &snap.Period.Week, &snap.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read table meta: %w", err)
	}

	rows, err := t.pool.Query(ctx,
		`SELECT route_key, odc, ddc, product_type, day_of_week,
		        assigned_model, historical_error_pct, confidence_tier,
		        year, week_number
		 FROM routing_table WHERE version = $1`, snap.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing table: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var routeKey, tier string
		var entry api.RoutingEntry
		if err := rows.Scan(&routeKey,
			&entry.Route.ODC, &entry.Route.DDC, &entry.Route.ProductType, &entry.Route.DayOfWeek,
			&entry.AssignedModelID, &entry.HistoricalErrorPct, &tier,
			&entry.LastUpdated.Year, &entry.LastUpdated.Week); err != nil {
			return nil, fmt.Errorf("failed to scan routing entry: %w", err)
		}
		entry.Confidence = api.ConfidenceTier(tier)
		snap.Entries[routeKey] = entry
	}
	return snap, rows.Err()
}

func (t *PostgresTable) Publish(ctx context.Context, snap *Snapshot) (int64, error) {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}

	var version int64
	err = tx.QueryRow(ctx,
		`INSERT INTO routing_table_meta (id, version, year, week_number, updated_at)
		 VALUES (1, 1, $1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		     version = routing_table_meta.version + 1,
		     year = EXCLUDED.year,
		     week_number = EXCLUDED.week_number,
		     updated_at = EXCLUDED.updated_at
		 RETURNING version`,
		snap.Period.Year, snap.Period.Week, snap.UpdatedAt).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to bump table version: %w", err)
	}
	snap.Version = version

	for routeKey, entry := range snap.Entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO routing_table
			     (version, route_key, odc, ddc, product_type, day_of_week,
			      assigned_model, historical_error_pct, confidence_tier, year, week_number)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			version, routeKey,
			entry.Route.ODC, entry.Route.DDC, entry.Route.ProductType, entry.Route.DayOfWeek,
			entry.AssignedModelID, entry.HistoricalErrorPct, string(entry.Confidence),
			entry.LastUpdated.Year, entry.LastUpdated.Week); err != nil {
			return 0, fmt.Errorf("failed to write entry %s: %w", routeKey, err)
		}
	}

	// Previous version stays for in-flight readers, older ones go.
	if _, err := tx.Exec(ctx,
		`DELETE FROM routing_table WHERE version < $1`, version-1); err != nil {
		return 0, fmt.Errorf("failed to prune old versions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit routing snapshot: %w", err)
	}
	return version, nil
}

func (t *PostgresTable) Close() error {
	t.pool.Close()
	return nil
}
