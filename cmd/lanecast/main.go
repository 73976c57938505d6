package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/hassett-logistics/lanecast/internal/aggregate"
	"github.com/hassett-logistics/lanecast/internal/api"
	"github.com/hassett-logistics/lanecast/internal/confidence"
	"github.com/hassett-logistics/lanecast/internal/cycle"
	"github.com/hassett-logistics/lanecast/internal/ensemble"
	"github.com/hassett-logistics/lanecast/internal/forecast"
	"github.com/hassett-logistics/lanecast/internal/ledger"
	"github.com/hassett-logistics/lanecast/internal/metrics"
	"github.com/hassett-logistics/lanecast/internal/models"
	"github.com/hassett-logistics/lanecast/internal/routing"
	"github.com/hassett-logistics/lanecast/internal/wal"
	"github.com/hassett-logistics/lanecast/pkg/otel"
)

var (
	flagWeek  int
	flagYear  int
	flagWeeks int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lanecast",
		Short: "Adaptive per-route forecast model routing engine",
		Long: `lanecast tracks forecast-vs-actual performance per shipping lane,
routes each lane to its best-performing model, and emits multi-week
volume forecasts with confidence-tiered prediction intervals.`,
	}

	rootCmd.PersistentFlags().IntVar(&flagWeek, "week", 0, "ISO week number (default: current week)")
	rootCmd.PersistentFlags().IntVar(&flagYear, "year", 0, "Year (default: current year)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(updateRoutingCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(replayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// engine bundles the wired components and their cleanup.
type engine struct {
	runner  *cycle.Runner
	store   ledger.Store
	table   routing.Table
	closers []func() error
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}
}

func loadParams() api.TrackerParams {
	params := api.DefaultTrackerParams()
	params.LookbackPeriods = getEnvInt("LOOKBACK_PERIODS", params.LookbackPeriods)
	params.MinPeriodsForSwitch = getEnvInt("MIN_PERIODS_FOR_SWITCH", params.MinPeriodsForSwitch)
	params.SwitchThresholdPct = getEnvFloat("SWITCH_THRESHOLD_PCT", params.SwitchThresholdPct)
	params.EnsembleSize = getEnvInt("ENSEMBLE_SIZE", params.EnsembleSize)
	params.ZeroActualPenaltyPct = getEnvFloat("ZERO_ACTUAL_PENALTY_PCT", params.ZeroActualPenaltyPct)
	return params
}

func buildEngine(ctx context.Context) (*engine, error) {
	params := loadParams()
	e := &engine{}

	// Ledger backend
	var store ledger.Store
	var err error
	switch backend := getEnv("LEDGER_BACKEND", "memory"); backend {
	case "memory":
		store = ledger.NewMemoryStore(params, getEnv("LEDGER_SNAPSHOT", "data/ledger.json"))
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		if connStr == "" {
			return nil, fmt.Errorf("POSTGRES_CONN is required when LEDGER_BACKEND=postgres")
		}
		store, err = ledger.NewPostgresStore(ctx, connStr, params)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres ledger: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown LEDGER_BACKEND: %s", backend)
	}
	e.store = store
	e.closers = append(e.closers, store.Close)

	// Routing table backend
	var table routing.Table
	switch backend := getEnv("TABLE_BACKEND", "memory"); backend {
	case "memory":
		table = routing.NewMemoryTable()
	case "redis":
		table, err = routing.NewRedisTable(ctx,
			getEnv("REDIS_ADDR", "localhost:6379"),
			getEnv("REDIS_PASSWORD", ""),
			getEnvInt("REDIS_DB", 0),
			getEnv("REDIS_PREFIX", "lanecast:routing"))
		if err != nil {
			return nil, fmt.Errorf("failed to create redis table: %w", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		if connStr == "" {
			return nil, fmt.Errorf("POSTGRES_CONN is required when TABLE_BACKEND=postgres")
		}
		table, err = routing.NewPostgresTable(ctx, connStr)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres table: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown TABLE_BACKEND: %s", backend)
	}
	e.table = table
	e.closers = append(e.closers, table.Close)

	// Model registry
	registry := forecast.NewRegistry()
	if err := models.RegisterBuiltin(registry, models.DefaultConfig()); err != nil {
		return nil, fmt.Errorf("failed to register builtin models: %w", err)
	}
	defaultModel := getEnv("DEFAULT_MODEL", "recent_4w_avg")
	if _, ok := registry.Get(defaultModel); !ok {
		return nil, fmt.Errorf("DEFAULT_MODEL %q is not registered", defaultModel)
	}

	agg, err := aggregate.NewAggregator(store, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregator: %w", err)
	}
	classifier := confidence.NewClassifier(params)
	updater := routing.NewUpdater(agg, classifier, params, defaultModel)

	blender := ensemble.NewBlender(registry, params.EnsembleSize)
	blend := func(ctx context.Context, route api.Route, target api.Period, history []api.Observation, rollup *aggregate.RouteAggregate) (float64, string, error) {
		b, err := blender.Forecast(ctx, route, target, history, rollup)
		if errors.Is(err, ensemble.ErrNoMembers) {
			return 0, "", forecast.ErrNoBlend
		}
		if err != nil {
			return 0, "", err
		}
		return b.Value, blender.ID(), nil
	}
	emitter := forecast.NewEmitter(registry, agg, table, classifier, blend, params, defaultModel)

	cfg := cycle.DefaultConfig()
	cfg.Workers = getEnvInt("CYCLE_WORKERS", cfg.Workers)
	cfg.StoreRPS = getEnvFloat("STORE_RPS", cfg.StoreRPS)
	e.runner = cycle.NewRunner(store, table, agg, updater, emitter, cfg)

	return e, nil
}

func resolvePeriod() api.Period {
	year, week := time.Now().ISOWeek()
	if flagWeek != 0 {
		week = flagWeek
	}
	if flagYear != 0 {
		year = flagYear
	}
	return api.Period{Week: week, Year: year}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingest and forecast service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			// Tracing
			if getEnv("OTEL_ENABLED", "") == "true" {
				otelCfg := otel.DefaultConfig("lanecast")
				otelCfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR", otelCfg.CollectorEndpoint)
				tp, err := otel.InitTracer(ctx, otelCfg)
				if err != nil {
					return fmt.Errorf("failed to init tracing: %w", err)
				}
				e.closers = append(e.closers, func() error {
					return otel.Shutdown(context.Background(), tp)
				})
			}

			// WAL
			batchWAL, err := wal.NewBatchWAL(getEnv("WAL_DIR", "data/wal"))
			if err != nil {
				return fmt.Errorf("failed to create batch WAL: %w", err)
			}
			e.closers = append(e.closers, batchWAL.Close)

			m := metrics.New()
			e.runner.WithWAL(batchWAL).WithMetrics(m)

			tokenRate := getEnvInt("TOKEN_RATE", 50)
			srv := &server{
				runner:  e.runner,
				table:   e.table,
				store:   e.store,
				metrics: m,
				limiter: rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2),
			}
			srv.metricsAuth.user = getEnv("METRICS_USER", "")
			srv.metricsAuth.password = getEnv("METRICS_PASS", "")

			mux := http.NewServeMux()
			mux.HandleFunc("/v1/batch/ingest", srv.handleIngest)
			mux.HandleFunc("/v1/cycle/run", srv.handleCycle)
			mux.HandleFunc("/v1/routing/table", srv.handleTable)
			mux.HandleFunc("/v1/forecast", srv.handleForecast)
			mux.Handle("/metrics", srv.metricsHandler())
			mux.HandleFunc("/health", handleHealth)

			port := getEnv("PORT", "8080")
			httpServer := &http.Server{
				Addr:         ":" + port,
				Handler:      mux,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

			go func() {
				log.Printf("Starting lanecast on port %s", port)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("Server error: %v", err)
				}
			}()

			<-shutdown
			log.Println("Shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("Server shutdown error: %v", err)
			}
			log.Println("Server stopped")
			return nil
		},
	}
}

func recordCmd() *cobra.Command {
	var inputFile string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record an evaluation batch from a JSON file (or stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			var body []byte
			if inputFile == "" || inputFile == "-" {
				body, err = io.ReadAll(os.Stdin)
			} else {
				body, err = os.ReadFile(inputFile)
			}
			if err != nil {
				return fmt.Errorf("failed to read batch: %w", err)
			}

			report, err := e.runner.Ingest(ctx, body)
			if err != nil {
				return err
			}
			fmt.Printf("Recorded %d records across %d routes (%d skipped, no actual)\n",
				report.Recorded, report.RoutesRecorded, report.SkippedMissingActual)
			return nil
		},
	}
	cmd.Flags().StringVarP(&inputFile, "input", "i", "-", "Batch JSON file, - for stdin")
	return cmd
}

func updateRoutingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update-routing",
		Short: "Re-evaluate all routes and publish a new routing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.runner.RunCycle(ctx, resolvePeriod())
			if err != nil {
				return err
			}
			fmt.Printf("Published table v%d for %s\n", report.TableVersion, report.Period)
			fmt.Printf("  Routes evaluated: %d\n", report.RoutesEvaluated)
			fmt.Printf("  Switched:         %d\n", report.Switched)
			fmt.Printf("  Held:             %d\n", report.Held)
			fmt.Printf("  Failed:           %d\n", report.Failed)
			return nil
		},
	}
}

func forecastCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Emit the multi-week forecast outlook",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			records, err := e.runner.Outlook(ctx, resolvePeriod(), flagWeeks)
			if err != nil {
				return err
			}

			switch format {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			case "csv":
				return writeForecastCSV(os.Stdout, records)
			default:
				return fmt.Errorf("unknown format %q (want json or csv)", format)
			}
		},
	}
	cmd.Flags().IntVar(&flagWeeks, "weeks", 6, "Forecast horizon in weeks")
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or csv")
	return cmd
}

func summaryCmd() *cobra.Command {
	var lookback int
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print ledger performance summary over recent periods",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			summary, err := e.store.Summary(ctx, lookback)
			if err != nil {
				return err
			}

			fmt.Printf("Periods: %d  Routes: %d  Records: %d\n",
				summary.Periods, summary.RouteCount, summary.TotalRecords)
			fmt.Printf("Avg abs error: %.1f%%  Median: %.1f%%\n",
				summary.AvgAbsErrorPct, summary.MedianAbsError)
			fmt.Printf("Winners under 20%%: %d  under 50%%: %d\n",
				summary.WinnersUnder20, summary.WinnersUnder50)
			fmt.Println()
			fmt.Printf("%-28s %6s %7s %10s %5s\n", "MODEL", "ROUTES", "RECORDS", "AVG ERR %", "WINS")
			for _, ms := range summary.Models {
				fmt.Printf("%-28s %6d %7d %10.1f %5d\n",
					ms.ModelID, ms.Routes, ms.Records, ms.AvgAbsErrorPct, ms.Wins)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&lookback, "lookback", 4, "Number of recent periods to summarize")
	return cmd
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export the current routing table as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			snap, err := e.table.Current(ctx)
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("no routing table published yet")
			}

			w := csv.NewWriter(os.Stdout)
			w.Write([]string{"route_key", "odc", "ddc", "product_type", "day_of_week",
				"assigned_model", "historical_error_pct", "confidence_tier", "last_updated"})

			keys := make([]string, 0, len(snap.Entries))
			for k := range snap.Entries {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				entry := snap.Entries[k]
				w.Write([]string{
					k,
					entry.Route.ODC, entry.Route.DDC, entry.Route.ProductType,
					strconv.Itoa(entry.Route.DayOfWeek),
					entry.AssignedModelID,
					strconv.FormatFloat(entry.HistoricalErrorPct, 'f', 2, 64),
					string(entry.Confidence),
					entry.LastUpdated.String(),
				})
			}
			w.Flush()
			return w.Error()
		},
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <wal-file>",
		Short: "Replay a batch WAL file into the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			replayed, err := e.runner.ReplayWAL(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Replayed %d batches\n", replayed)
			return nil
		},
	}
}

func writeForecastCSV(out io.Writer, records []api.ForecastRecord) error {
	w := csv.NewWriter(out)
	w.Write([]string{"route_key", "week_number", "year", "weeks_ahead", "model",
		"forecast", "forecast_low", "forecast_high", "variance_pct", "confidence_tier"})
	for _, rec := range records {
		w.Write([]string{
			rec.Route.Key(),
			strconv.Itoa(rec.Period.Week),
			strconv.Itoa(rec.Period.Year),
			strconv.Itoa(rec.WeeksAhead),
			rec.ModelID,
			strconv.FormatFloat(rec.Forecast, 'f', 1, 64),
			strconv.FormatFloat(rec.ForecastLow, 'f', 1, 64),
			strconv.FormatFloat(rec.ForecastHigh, 'f', 1, 64),
			strconv.FormatFloat(rec.VariancePct, 'f', 1, 64),
			string(rec.Confidence),
		})
	}
	w.Flush()
	return w.Error()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
