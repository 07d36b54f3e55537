package orchestrator

import (
	"fmt"
	"math"
	"sort"

	"github.com/trialmatch/trialmatch/internal/types"
)

// SortField names the primary ranking key.
type SortField string

const (
	SortByMatchPercentage SortField = "match_percentage"
	SortByPatientID       SortField = "patient_id"
)

// SortOrder is the direction of the primary ranking key.
type SortOrder string

const (
	Descending SortOrder = "descending"
	Ascending  SortOrder = "ascending"
)

// Options shape the ranked output of a match call.
type Options struct {
	SortBy   SortField `json:"sort_by"`
	Order    SortOrder `json:"order"`
	Limit    int       `json:"limit"`     // 0 returns every survivor of MinMatch
	MinMatch float64   `json:"min_match"` // inclusive lower bound on match_percentage
}

// DefaultOptions ranks by match percentage, best first, with no filtering.
func DefaultOptions() Options {
	return Options{SortBy: SortByMatchPercentage, Order: Descending}
}

// Normalize fills empty fields with defaults and rejects invalid values
// with ErrInvalidOption.
func (o Options) Normalize() (Options, error) {
	if o.SortBy == "" {
		o.SortBy = SortByMatchPercentage
	}
	if o.Order == "" {
		o.Order = Descending
	}

	switch o.SortBy {
	case SortByMatchPercentage, SortByPatientID:
	default:
		return o, fmt.Errorf("sort_by %q: %w", o.SortBy, types.ErrInvalidOption)
	}
	switch o.Order {
	case Descending, Ascending:
	default:
		return o, fmt.Errorf("order %q: %w", o.Order, types.ErrInvalidOption)
	}
	if o.Limit < 0 {
		return o, fmt.Errorf("limit %d must not be negative: %w", o.Limit, types.ErrInvalidOption)
	}
	if math.IsNaN(o.MinMatch) || o.MinMatch < 0 || o.MinMatch > 100 {
		return o, fmt.Errorf("min_match %v must be within [0, 100]: %w", o.MinMatch, types.ErrInvalidOption)
	}
	return o, nil
}

// RankedMatch is a scored patient with its 1-based position in the output.
type RankedMatch struct {
	types.ScoredMatch
	Rank int `json:"rank"`
}

// Rank sorts, filters and truncates matches according to opts and assigns
// contiguous ranks starting at 1. Ties on the primary key are broken by
// ascending patient ID. The input slice is not modified.
func Rank(matches []types.ScoredMatch, opts Options) []RankedMatch {
	sorted := make([]types.ScoredMatch, 0, len(matches))
	for _, m := range matches {
		if m.MatchPercentage >= opts.MinMatch {
			sorted = append(sorted, m)
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if opts.SortBy == SortByMatchPercentage && a.MatchPercentage != b.MatchPercentage {
			if opts.Order == Ascending {
				return a.MatchPercentage < b.MatchPercentage
			}
			return a.MatchPercentage > b.MatchPercentage
		}
		if opts.SortBy == SortByPatientID && opts.Order == Descending {
			return a.PatientID > b.PatientID
		}
		return a.PatientID < b.PatientID
	})

	if opts.Limit > 0 && len(sorted) > opts.Limit {
		sorted = sorted[:opts.Limit]
	}

	ranked := make([]RankedMatch, len(sorted))
	for i, m := range sorted {
		ranked[i] = RankedMatch{ScoredMatch: m, Rank: i + 1}
	}
	return ranked
}
