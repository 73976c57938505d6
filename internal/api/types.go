package api

import (
	"fmt"
	"time"
)

// Route identifies one forecastable shipment series: origin DC, destination DC,
// product type, and day of week. Immutable key; never deleted, only ages out of
// active status when it stops producing ledger entries.
type Route struct {
	ODC         string `json:"odc"`
	DDC         string `json:"ddc"`
	ProductType string `json:"product_type"`
	DayOfWeek   int    `json:"dayofweek"`
}

// Key returns the canonical route key "ODC|DDC|ProductType|dayofweek".
func (r Route) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", r.ODC, r.DDC, r.ProductType, r.DayOfWeek)
}

// Validate performs basic structural validation
func (r Route) Validate() error {
	if r.ODC == "" {
		return fmt.Errorf("odc is required")
	}
	if r.DDC == "" {
		return fmt.Errorf("ddc is required")
	}
	if r.ProductType == "" {
		return fmt.Errorf("product_type is required")
	}
	if r.DayOfWeek < 1 || r.DayOfWeek > 7 {
		return fmt.Errorf("dayofweek must be in [1, 7], got %d", r.DayOfWeek)
	}
	return nil
}

// Period is one (week, year) evaluation unit.
type Period struct {
	Week int `json:"week_number"`
	Year int `json:"year"`
}

// Compare returns -1, 0, or 1 ordering periods chronologically.
func (p Period) Compare(o Period) int {
	if p.Year != o.Year {
		if p.Year < o.Year {
			return -1
		}
		return 1
	}
	if p.Week != o.Week {
		if p.Week < o.Week {
			return -1
		}
		return 1
	}
	return 0
}

// Before reports whether p is strictly earlier than o.
func (p Period) Before(o Period) bool {
	return p.Compare(o) < 0
}

// AddWeeks advances the period by n weeks, wrapping week numbers past 52
// into the following year.
func (p Period) AddWeeks(n int) Period {
	week := p.Week + n
	year := p.Year
	for week > 52 {
		week -= 52
		year++
	}
	for week < 1 {
		week += 52
		year--
	}
	return Period{Week: week, Year: year}
}

// Next returns the following evaluation period.
func (p Period) Next() Period {
	return p.AddWeeks(1)
}

func (p Period) String() string {
	return fmt.Sprintf("W%02d/%d", p.Week, p.Year)
}

// ConfidenceTier summarizes trust in a route's assigned model.
type ConfidenceTier string

const (
	TierHigh     ConfidenceTier = "HIGH"
	TierMedium   ConfidenceTier = "MEDIUM"
	TierLow      ConfidenceTier = "LOW"
	TierNewRoute ConfidenceTier = "NEW_ROUTE"
)

// Badness orders tiers from most to least trusted: HIGH < MEDIUM < LOW < NEW_ROUTE.
func (t ConfidenceTier) Badness() int {
	switch t {
	case TierHigh:
		return 0
	case TierMedium:
		return 1
	case TierLow:
		return 2
	default:
		return 3
	}
}

// PerformanceRecord is one forecast-vs-actual outcome for a route, period, and
// model. At most one record exists per (route, period, model) key; re-recording
// the same key overwrites.
type PerformanceRecord struct {
	Route         Route     `json:"route"`
	Period        Period    `json:"period"`
	ModelID       string    `json:"model_id"`
	ForecastValue float64   `json:"forecast_value"`
	ActualValue   float64   `json:"actual_value"`
	ErrorPct      float64   `json:"error_pct"`
	AbsErrorPct   float64   `json:"abs_error_pct"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// RoutingEntry is the current best-model assignment for a route.
type RoutingEntry struct {
	Route              Route          `json:"route"`
	AssignedModelID    string         `json:"assigned_model_id"`
	HistoricalErrorPct float64        `json:"historical_error_pct"`
	Confidence         ConfidenceTier `json:"confidence_tier"`
	LastUpdated        Period         `json:"last_updated_period"`
}

// RoutingUpdateEvent is an append-only audit entry written when a route
// switches models.
type RoutingUpdateEvent struct {
	Route            Route     `json:"route"`
	Period           Period    `json:"period"`
	OldModel         string    `json:"old_model"`
	NewModel         string    `json:"new_model"`
	ErrorImprovement float64   `json:"error_improvement"`
	Reason           string    `json:"reason"`
	Timestamp        time.Time `json:"timestamp"`
}

// ForecastRecord is one emitted forecast with its prediction interval.
type ForecastRecord struct {
	Route          Route          `json:"route"`
	Period         Period         `json:"period"`
	WeeksAhead     int            `json:"weeks_ahead"`
	Forecast       float64        `json:"forecast"`
	ForecastLow    float64        `json:"forecast_low"`
	ForecastHigh   float64        `json:"forecast_high"`
	VariancePieces float64        `json:"variance_pieces"`
	VariancePct    float64        `json:"variance_pct"`
	ModelID        string         `json:"model_id"`
	Confidence     ConfidenceTier `json:"confidence_tier"`
}

// Observation is one historical data point for a route. Slices handed to
// model providers are ordered most recent first.
type Observation struct {
	Period Period    `json:"period"`
	Date   time.Time `json:"date"`
	Pieces float64   `json:"pieces"`
}

// RouteResult carries one route's evaluation outcome: the actual shipped
// volume (nil when no actual was observed) and every model's forecast for
// the period.
type RouteResult struct {
	Route     Route              `json:"route"`
	Actual    *float64           `json:"actual,omitempty"`
	Forecasts map[string]float64 `json:"forecasts"`
}

// EvaluationBatch is one evaluation period's result set across routes and models.
type EvaluationBatch struct {
	Period  Period        `json:"period"`
	Results []RouteResult `json:"results"`
}

// TrackerParams contains thresholds and variance parameters for the adaptive
// routing engine. Construct via DefaultTrackerParams and override fields.
type TrackerParams struct {
	LookbackPeriods      int     `json:"lookback_periods"`
	MinPeriodsForSwitch  int     `json:"min_periods_for_switch"`
	SwitchThresholdPct   float64 `json:"switch_threshold_pct"`
	EnsembleSize         int     `json:"ensemble_size"`
	HighErrorCutoffPct   float64 `json:"high_error_cutoff_pct"`
	MediumErrorCutoffPct float64 `json:"medium_error_cutoff_pct"`
	HighVariancePct      float64 `json:"high_variance_pct"`
	MediumVariancePct    float64 `json:"medium_variance_pct"`
	LowVariancePct       float64 `json:"low_variance_pct"`
	NewRouteVariancePct  float64 `json:"new_route_variance_pct"`
	HorizonGrowthRate    float64 `json:"horizon_growth_rate"`
	ZeroActualPenaltyPct float64 `json:"zero_actual_penalty_pct"`
	AggregateCacheSize   int     `json:"aggregate_cache_size"`
}

// DefaultTrackerParams returns the production defaults.
func DefaultTrackerParams() TrackerParams {
	return TrackerParams{
		LookbackPeriods:      4,
		MinPeriodsForSwitch:  2,
		SwitchThresholdPct:   5.0,
		EnsembleSize:         3,
		HighErrorCutoffPct:   20.0,
		MediumErrorCutoffPct: 50.0,
		HighVariancePct:      10.0,
		MediumVariancePct:    25.0,
		LowVariancePct:       50.0,
		NewRouteVariancePct:  100.0,
		HorizonGrowthRate:    0.2,
		ZeroActualPenaltyPct: 999.0,
		AggregateCacheSize:   4096,
	}
}

// ErrorPct computes the signed percentage error of a forecast against an
// actual. When the actual is zero the ratio is undefined: a zero forecast
// scores 0, a nonzero forecast scores the configured penalty (volume was
// predicted where nothing shipped).
func ErrorPct(forecast, actual, zeroActualPenalty float64) float64 {
	if actual > 0 {
		return (forecast - actual) / actual * 100.0
	}
	if forecast == 0 {
		return 0
	}
	return zeroActualPenalty
}
