// Package confidence maps historical forecast error to confidence tiers,
// variance bands, and prediction intervals.
package confidence

import (
	"github.com/hassett-logistics/lanecast/internal/api"
)

// Assessment is the confidence verdict for one route.
type Assessment struct {
	Tier        api.ConfidenceTier `json:"tier"`
	VariancePct float64            `json:"variance_pct"`
}

// Classifier derives tiers and variance bands from tracker parameters.
type Classifier struct {
	params api.TrackerParams
}

func NewClassifier(params api.TrackerParams) *Classifier {
	return &Classifier{params: params}
}

// Assess maps a route's historical error to a tier and a base variance band.
//
// Routes without history are NEW_ROUTE at the widest band. For HIGH routes
// the band tightens to the observed error when it beats the cap: a route
// tracking at 7.5% error gets a 7.5% band, not the full 10%.
func (c *Classifier) Assess(historicalErrPct float64, hasHistory bool) Assessment {
	if !hasHistory {
		return Assessment{Tier: api.TierNewRoute, VariancePct: c.params.NewRouteVariancePct}
	}

	switch {
	case historicalErrPct < c.params.HighErrorCutoffPct:
		variance := historicalErrPct
		if variance > c.params.HighVariancePct {
			variance = c.params.HighVariancePct
		}
		return Assessment{Tier: api.TierHigh, VariancePct: variance}
	case historicalErrPct < c.params.MediumErrorCutoffPct:
		return Assessment{Tier: api.TierMedium, VariancePct: c.params.MediumVariancePct}
	default:
		return Assessment{Tier: api.TierLow, VariancePct: c.params.LowVariancePct}
	}
}

// ScaleHorizon widens a base variance band for forecasts further out.
// Week 1 passes through unchanged; each additional week adds the configured
// growth fraction of the base band.
func (c *Classifier) ScaleHorizon(baseVariancePct float64, weeksAhead int) float64 {
	if weeksAhead < 1 {
		weeksAhead = 1
	}
	return baseVariancePct * (1 + c.params.HorizonGrowthRate*float64(weeksAhead-1))
}

// Interval converts a point forecast and a variance band into a prediction
// interval. Volumes cannot go negative, so the lower bound clamps at zero.
func Interval(forecast, variancePct float64) (low, high float64) {
	delta := forecast * variancePct / 100.0
	low = forecast - delta
	if low < 0 {
		low = 0
	}
	return low, forecast + delta
}
