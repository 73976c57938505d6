package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hassett-logistics/lanecast/internal/api"
)

func testRoute(odc string) api.Route {
	return api.Route{ODC: odc, DDC: "DDC1", ProductType: "GROUND", DayOfWeek: 2}
}

func floatPtr(v float64) *float64 {
	return &v
}

func TestRecordComputesSignedError(t *testing.T) {
	store := NewMemoryStore(api.DefaultTrackerParams(), "")
	ctx := context.Background()
	route := testRoute("LAX")
	period := api.Period{Week: 10, Year: 2026}

	// Over-forecast: 120 vs 100 → +20%.
	if err := store.Record(ctx, route, period, "model_a", 120, 100); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	recs, err := store.Window(ctx, route, 4)
	if err != nil {
		t.Fatalf("Window failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(recs))
	}
	if recs[0].ErrorPct != 20 {
		t.Errorf("Expected error_pct 20, got %f", recs[0].ErrorPct)
	}
	if recs[0].AbsErrorPct != 20 {
		t.Errorf("Expected abs_error_pct 20, got %f", recs[0].AbsErrorPct)
	}

	// Under-forecast keeps the sign, abs does not.
	if err := store.Record(ctx, route, period, "model_b", 80, 100); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	recs, _ = store.Window(ctx, route, 4)
	for _, rec := range recs {
		if rec.ModelID == "model_b" {
			if rec.ErrorPct != -20 {
				t.Errorf("Expected error_pct -20, got %f", rec.ErrorPct)
			}
			if rec.AbsErrorPct != 20 {
				t.Errorf("Expected abs_error_pct 20, got %f", rec.AbsErrorPct)
			}
		}
	}
}

func TestRecordZeroActualConvention(t *testing.T) {
	store := NewMemoryStore(api.DefaultTrackerParams(), "")
	ctx := context.Background()
	route := testRoute("ORD")
	period := api.Period{Week: 1, Year: 2026}

	if err := store.Record(ctx, route, period, "exact", 0, 0); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := store.Record(ctx, route, period, "phantom", 50, 0); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	recs, _ := store.Window(ctx, route, 1)
	for _, rec := range recs {
		switch rec.ModelID {
		case "exact":
			if rec.AbsErrorPct != 0 {
				t.Errorf("Expected 0 error for exact zero forecast, got %f", rec.AbsErrorPct)
			}
		case "phantom":
			if rec.AbsErrorPct != 999 {
				t.Errorf("Expected penalty 999 for phantom volume, got %f", rec.AbsErrorPct)
			}
		}
	}
}

func TestRecordBatchIdempotent(t *testing.T) {
	store := NewMemoryStore(api.DefaultTrackerParams(), "")
	ctx := context.Background()

	batch := api.EvaluationBatch{
		Period: api.Period{Week: 20, Year: 2026},
		Results: []api.RouteResult{
			{
				Route:  testRoute("LAX"),
				Actual: floatPtr(100),
				Forecasts: map[string]float64{
					"model_a": 110,
					"model_b": 90,
				},
			},
		},
	}

	report1, err := store.RecordBatch(ctx, batch)
	if err != nil {
		t.Fatalf("First RecordBatch failed: %v", err)
	}
	report2, err := store.RecordBatch(ctx, batch)
	if err != nil {
		t.Fatalf("Second RecordBatch failed: %v", err)
	}

	if report1.Recorded != 2 || report2.Recorded != 2 {
		t.Errorf("Expected 2 recorded per call, got %d and %d", report1.Recorded, report2.Recorded)
	}

	recs, _ := store.Window(ctx, testRoute("LAX"), 4)
	if len(recs) != 2 {
		t.Errorf("Expected 2 records after duplicate batch, got %d", len(recs))
	}

	summary, _ := store.Summary(ctx, 4)
	if summary.TotalRecords != 2 {
		t.Errorf("Expected 2 total records, got %d", summary.TotalRecords)
	}
}

func TestRecordBatchSkipsMissingActual(t *testing.T) {
	store := NewMemoryStore(api.DefaultTrackerParams(), "")
	ctx := context.Background()

	batch := api.EvaluationBatch{
		Period: api.Period{Week: 20, Year: 2026},
		Results: []api.RouteResult{
			{Route: testRoute("LAX"), Actual: floatPtr(100), Forecasts: map[string]float64{"m": 90}},
			{Route: testRoute("ORD"), Actual: nil, Forecasts: map[string]float64{"m": 50}},
		},
	}

	report, err := store.RecordBatch(ctx, batch)
	if err != nil {
		t.Fatalf("RecordBatch failed: %v", err)
	}
	if report.SkippedMissingActual != 1 {
		t.Errorf("Expected 1 skipped route, got %d", report.SkippedMissingActual)
	}
	if report.RoutesRecorded != 1 {
		t.Errorf("Expected 1 recorded route, got %d", report.RoutesRecorded)
	}

	// The skipped route must have no ledger entry at all, not a zero entry.
	recs, _ := store.Window(ctx, testRoute("ORD"), 4)
	if len(recs) != 0 {
		t.Errorf("Expected no records for skipped route, got %d", len(recs))
	}
}

func TestWindowAnchorsAtRouteLatestPeriod(t *testing.T) {
	store := NewMemoryStore(api.DefaultTrackerParams(), "")
	ctx := context.Background()
	route := testRoute("LAX")

	// Five periods recorded; lookback 3 must return only the newest three,
	// including a year boundary.
	periods := []api.Period{
		{Week: 51, Year: 2025},
		{Week: 52, Year: 2025},
		{Week: 1, Year: 2026},
		{Week: 2, Year: 2026},
		{Week: 3, Year: 2026},
	}
	for _, p := range periods {
		if err := store.Record(ctx, route, p, "model_a", 100, 100); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	recs, err := store.Window(ctx, route, 3)
	if err != nil {
		t.Fatalf("Window failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(recs))
	}
	if recs[0].Period != (api.Period{Week: 3, Year: 2026}) {
		t.Errorf("Expected newest period first, got %v", recs[0].Period)
	}
	if recs[2].Period != (api.Period{Week: 1, Year: 2026}) {
		t.Errorf("Expected window to stop at 2026-W01, got %v", recs[2].Period)
	}
}

func TestWindowIsPerRoute(t *testing.T) {
	store := NewMemoryStore(api.DefaultTrackerParams(), "")
	ctx := context.Background()

	// Stale route last seen in week 10; active route up to week 20. The stale
	// route's window anchors at its own latest data, not the global clock.
	stale := testRoute("STALE")
	active := testRoute("ACTIVE")
	for w := 7; w <= 10; w++ {
		store.Record(ctx, stale, api.Period{Week: w, Year: 2026}, "m", 100, 100)
	}
	for w := 17; w <= 20; w++ {
		store.Record(ctx, active, api.Period{Week: w, Year: 2026}, "m", 100, 100)
	}

	recs, _ := store.Window(ctx, stale, 4)
	if len(recs) != 4 {
		t.Errorf("Expected 4 records for stale route, got %d", len(recs))
	}

	latest, ok, _ := store.LatestPeriod(ctx, stale)
	if !ok || latest != (api.Period{Week: 10, Year: 2026}) {
		t.Errorf("Expected latest period 2026-W10, got %v (ok=%v)", latest, ok)
	}
}

func TestWindowUnknownRoute(t *testing.T) {
	store := NewMemoryStore(api.DefaultTrackerParams(), "")
	ctx := context.Background()

	recs, err := store.Window(ctx, testRoute("NOPE"), 4)
	if err != nil {
		t.Fatalf("Window failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("Expected empty window for unknown route, got %d records", len(recs))
	}

	_, ok, err := store.LatestPeriod(ctx, testRoute("NOPE"))
	if err != nil {
		t.Fatalf("LatestPeriod failed: %v", err)
	}
	if ok {
		t.Error("Expected no latest period for unknown route")
	}
}

func TestSummaryWinners(t *testing.T) {
	store := NewMemoryStore(api.DefaultTrackerParams(), "")
	ctx := context.Background()
	period := api.Period{Week: 5, Year: 2026}

	// model_a wins LAX (5% vs 30%), model_b wins ORD (10% vs 60%).
	store.Record(ctx, testRoute("LAX"), period, "model_a", 105, 100)
	store.Record(ctx, testRoute("LAX"), period, "model_b", 130, 100)
	store.Record(ctx, testRoute("ORD"), period, "model_a", 160, 100)
	store.Record(ctx, testRoute("ORD"), period, "model_b", 110, 100)

	summary, err := store.Summary(ctx, 4)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if summary.RouteCount != 2 {
		t.Errorf("Expected 2 routes, got %d", summary.RouteCount)
	}
	if summary.WinnersUnder20 != 2 {
		t.Errorf("Expected 2 winners under 20%%, got %d", summary.WinnersUnder20)
	}

	winsByModel := make(map[string]int)
	for _, m := range summary.Models {
		winsByModel[m.ModelID] = m.Wins
	}
	if winsByModel["model_a"] != 1 || winsByModel["model_b"] != 1 {
		t.Errorf("Expected one win each, got %v", winsByModel)
	}
}

func TestSummaryWinnersFollowConfiguredCutoffs(t *testing.T) {
	params := api.DefaultTrackerParams()
	params.HighErrorCutoffPct = 10
	params.MediumErrorCutoffPct = 30
	store := NewMemoryStore(params, "")
	ctx := context.Background()
	period := api.Period{Week: 5, Year: 2026}

	// Winning errors of 5% and 25%: with cutoffs tightened to 10/30 only the
	// first lands in the top bucket, both stay under the second.
	store.Record(ctx, testRoute("LAX"), period, "model_a", 105, 100)
	store.Record(ctx, testRoute("ORD"), period, "model_a", 125, 100)

	summary, err := store.Summary(ctx, 4)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if summary.WinnersUnder20 != 1 {
		t.Errorf("Expected 1 winner under the 10%% cutoff, got %d", summary.WinnersUnder20)
	}
	if summary.WinnersUnder50 != 2 {
		t.Errorf("Expected 2 winners under the 30%% cutoff, got %d", summary.WinnersUnder50)
	}
}

func TestSummaryWinnerTieBreaksLexicographically(t *testing.T) {
	store := NewMemoryStore(api.DefaultTrackerParams(), "")
	ctx := context.Background()
	period := api.Period{Week: 5, Year: 2026}

	store.Record(ctx, testRoute("LAX"), period, "model_z", 110, 100)
	store.Record(ctx, testRoute("LAX"), period, "model_a", 110, 100)

	summary, _ := store.Summary(ctx, 4)
	for _, m := range summary.Models {
		if m.ModelID == "model_z" && m.Wins != 0 {
			t.Errorf("Expected tie to go to model_a, but model_z has %d wins", m.Wins)
		}
		if m.ModelID == "model_a" && m.Wins != 1 {
			t.Errorf("Expected model_a to win the tie, got %d wins", m.Wins)
		}
	}
}

func TestRoutingEvents(t *testing.T) {
	store := NewMemoryStore(api.DefaultTrackerParams(), "")
	ctx := context.Background()
	route := testRoute("LAX")

	ev := api.RoutingUpdateEvent{
		Route:            route,
		Period:           api.Period{Week: 12, Year: 2026},
		OldModel:         "model_a",
		NewModel:         "model_b",
		Reason:           "performance_improvement",
		ErrorImprovement: 8.5,
	}
	if err := store.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	events, err := store.Events(ctx, route)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].NewModel != "model_b" {
		t.Errorf("Expected new model model_b, got %s", events[0].NewModel)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}

	other, _ := store.Events(ctx, testRoute("ORD"))
	if len(other) != 0 {
		t.Errorf("Expected no events for other route, got %d", len(other))
	}
}

func TestSnapshotRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	ctx := context.Background()
	route := testRoute("LAX")

	store := NewMemoryStore(api.DefaultTrackerParams(), path)
	store.Record(ctx, route, api.Period{Week: 20, Year: 2026}, "model_a", 110, 100)
	store.AppendEvent(ctx, api.RoutingUpdateEvent{
		Route: route, Period: api.Period{Week: 20, Year: 2026},
		OldModel: "model_a", NewModel: "model_b", Reason: "performance_improvement",
	})
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	restored := NewMemoryStore(api.DefaultTrackerParams(), path)
	recs, err := restored.Window(ctx, route, 4)
	if err != nil {
		t.Fatalf("Window failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Expected 1 restored record, got %d", len(recs))
	}
	if recs[0].ErrorPct != 10 {
		t.Errorf("Expected restored error_pct 10, got %f", recs[0].ErrorPct)
	}

	events, _ := restored.Events(ctx, route)
	if len(events) != 1 {
		t.Errorf("Expected 1 restored event, got %d", len(events))
	}
}

func TestConcurrentRecord(t *testing.T) {
	store := NewMemoryStore(api.DefaultTrackerParams(), "")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(week int) {
			defer wg.Done()
			route := testRoute("LAX")
			for j := 0; j < 20; j++ {
				store.Record(ctx, route, api.Period{Week: week + 1, Year: 2026}, "model_a", 100, 100)
				store.Window(ctx, route, 4)
			}
		}(i)
	}
	wg.Wait()

	routes, err := store.Routes(ctx)
	if err != nil {
		t.Fatalf("Routes failed: %v", err)
	}
	if len(routes) != 1 {
		t.Errorf("Expected 1 route, got %d", len(routes))
	}
}
