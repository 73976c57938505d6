package routing

import (
	"context"
	"fmt"

	"github.com/hassett-logistics/lanecast/internal/aggregate"
	"github.com/hassett-logistics/lanecast/internal/api"
	"github.com/hassett-logistics/lanecast/internal/confidence"
)

// Switch reasons recorded in the audit trail.
const (
	ReasonInitialAssignment = "initial_assignment"
	ReasonImprovement       = "performance_improvement"
	ReasonModelUnavailable  = "model_unavailable"
)

// Decision is the outcome of evaluating one route in a cycle.
type Decision struct {
	Entry    api.RoutingEntry
	Switched bool
	// Event is set when the assignment changed and an audit row should be
	// written.
	Event *api.RoutingUpdateEvent
}

// Updater decides per-route model assignments from rolling aggregates.
//
// Reassignment is deliberately sticky: the incumbent keeps the route unless a
// challenger beats it by more than the switch threshold, and both sides have
// enough covered periods to make the comparison meaningful. One noisy week
// must not flap assignments.
type Updater struct {
	agg          *aggregate.Aggregator
	classifier   *confidence.Classifier
	params       api.TrackerParams
	defaultModel string
}

// NewUpdater wires an updater. defaultModel is assigned to routes with no
// ledger history.
func NewUpdater(agg *aggregate.Aggregator, classifier *confidence.Classifier, params api.TrackerParams, defaultModel string) *Updater {
	return &Updater{
		agg:          agg,
		classifier:   classifier,
		params:       params,
		defaultModel: defaultModel,
	}
}

// Evaluate computes the next routing entry for one route. current is nil when
// the route has never been assigned.
func (u *Updater) Evaluate(ctx context.Context, route api.Route, current *api.RoutingEntry) (*Decision, error) {
	rollup, err := u.agg.Aggregate(ctx, route)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", route.Key(), err)
	}

	if !rollup.HasHistory() {
		// Nothing recorded yet. Keep any existing assignment, otherwise hand
		// the route to the default model at the new-route band.
		entry := api.RoutingEntry{
			Route:           route,
			AssignedModelID: u.defaultModel,
			Confidence:      api.TierNewRoute,
		}
		if current != nil {
			entry = *current
			entry.Confidence = api.TierNewRoute
		}
		return &Decision{Entry: entry}, nil
	}

	best, hasCandidate := u.bestCovered(rollup)

	// First assignment for a route that has history: take the best covered
	// model, or the overall best when coverage is still thin.
	if current == nil || current.AssignedModelID == "" {
		chosen, _ := rollup.Best()
		if hasCandidate {
			chosen = best
		}
		entry := u.entryFor(route, rollup, chosen)
		return &Decision{
			Entry:    entry,
			Switched: true,
			Event: &api.RoutingUpdateEvent{
				Route:    route,
				Period:   rollup.Anchor,
				NewModel: chosen.ModelID,
				Reason:   ReasonInitialAssignment,
			},
		}, nil
	}

	incumbent, incumbentKnown := rollup.Model(current.AssignedModelID)

	// The assigned model produced nothing in the window. Hand the route to
	// the best covered challenger rather than routing to a dead model.
	if !incumbentKnown {
		if !hasCandidate {
			entry := *current
			entry.LastUpdated = rollup.Anchor
			return &Decision{Entry: entry}, nil
		}
		entry := u.entryFor(route, rollup, best)
		return &Decision{
			Entry:    entry,
			Switched: true,
			Event: &api.RoutingUpdateEvent{
				Route:            route,
				Period:           rollup.Anchor,
				OldModel:         current.AssignedModelID,
				NewModel:         best.ModelID,
				ErrorImprovement: 0,
				Reason:           ReasonModelUnavailable,
			},
		}, nil
	}

	improvement := incumbent.MeanAbsErrPct - best.MeanAbsErrPct
	switchable := hasCandidate &&
		best.ModelID != incumbent.ModelID &&
		improvement > u.params.SwitchThresholdPct &&
		incumbent.CoveredPeriods >= u.params.MinPeriodsForSwitch

	if !switchable {
		// An undercovered incumbent has too little evidence to re-grade the
		// route. Carry the entry forward untouched until coverage catches up.
		if incumbent.CoveredPeriods < u.params.MinPeriodsForSwitch {
			entry := *current
			entry.LastUpdated = rollup.Anchor
			return &Decision{Entry: entry}, nil
		}
		entry := u.entryFor(route, rollup, incumbent)
		return &Decision{Entry: entry}, nil
	}

	entry := u.entryFor(route, rollup, best)
	return &Decision{
		Entry:    entry,
		Switched: true,
		Event: &api.RoutingUpdateEvent{
			Route:            route,
			Period:           rollup.Anchor,
			OldModel:         incumbent.ModelID,
			NewModel:         best.ModelID,
			ErrorImprovement: improvement,
			Reason:           ReasonImprovement,
		},
	}, nil
}

// bestCovered returns the top-ranked model with enough covered periods to be
// a switch candidate.
func (u *Updater) bestCovered(rollup *aggregate.RouteAggregate) (aggregate.ModelStats, bool) {
	for _, m := range rollup.Models {
		if m.CoveredPeriods >= u.params.MinPeriodsForSwitch {
			return m, true
		}
	}
	return aggregate.ModelStats{}, false
}

func (u *Updater) entryFor(route api.Route, rollup *aggregate.RouteAggregate, assigned aggregate.ModelStats) api.RoutingEntry {
	verdict := u.classifier.Assess(assigned.MeanAbsErrPct, true)
	return api.RoutingEntry{
		Route:              route,
		AssignedModelID:    assigned.ModelID,
		HistoricalErrorPct: assigned.MeanAbsErrPct,
		Confidence:         verdict.Tier,
		LastUpdated:        rollup.Anchor,
	}
}
