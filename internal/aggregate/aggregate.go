// Package aggregate derives the read-only statistics reported after a run.
package aggregate

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/lox/eventweather/internal/normalize"
	"github.com/lox/eventweather/internal/store"
)

// Reader is the query surface of the store the aggregator uses.
type Reader interface {
	MeanTemperatureWithEvents(ctx context.Context) (float64, bool, error)
	EventCountsByCondition(ctx context.Context) ([]store.ConditionCount, error)
	TemperatureVsEvents(ctx context.Context) ([]store.CityTemperatureEvents, error)
}

type Summary struct {
	// MeanTemperature is nil when no city with venues has an observation.
	MeanTemperature     *float64
	MeanTemperatureUnit string
	ConditionCounts []store.ConditionCount
	Cities          []store.CityTemperatureEvents
}

// TotalEvents is the number of events counted across all conditions.
func (s *Summary) TotalEvents() int {
	n := 0
	for _, c := range s.ConditionCounts {
		n += c.Count
	}
	return n
}

// Build queries the store and returns a summary whose ordering depends only
// on the stored data.
func Build(ctx context.Context, r Reader) (*Summary, error) {
	mean, ok, err := r.MeanTemperatureWithEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("mean temperature: %w", err)
	}
	counts, err := r.EventCountsByCondition(ctx)
	if err != nil {
		return nil, fmt.Errorf("event counts: %w", err)
	}
	cities, err := r.TemperatureVsEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("temperature vs events: %w", err)
	}

	sum := &Summary{ConditionCounts: counts, Cities: cities, MeanTemperatureUnit: store.MeanTemperatureUnit}
	if ok {
		sum.MeanTemperature = &mean
	}
	SortConditionCounts(sum.ConditionCounts)
	slices.SortStableFunc(sum.Cities, func(a, b store.CityTemperatureEvents) int {
		return cmp.Or(
			strings.Compare(a.State, b.State),
			strings.Compare(normalize.Fold(a.City), normalize.Fold(b.City)),
			strings.Compare(a.City, b.City),
		)
	})
	return sum, nil
}

// SortConditionCounts orders groups by count descending, then by
// case-folded description, then by the raw description.
func SortConditionCounts(counts []store.ConditionCount) {
	slices.SortStableFunc(counts, func(a, b store.ConditionCount) int {
		return cmp.Or(
			cmp.Compare(b.Count, a.Count),
			strings.Compare(normalize.Fold(a.Condition), normalize.Fold(b.Condition)),
			strings.Compare(a.Condition, b.Condition),
		)
	})
}
