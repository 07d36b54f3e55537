package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/trialmatch/trialmatch/internal/cache"
	"github.com/trialmatch/trialmatch/internal/types"
)

type fakeCriteria struct {
	sets    map[string]*types.RuleSet
	err     error
	pingErr error
}

func (f *fakeCriteria) FetchRuleSet(_ context.Context, trialID string) (*types.RuleSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	rs, ok := f.sets[trialID]
	if !ok {
		return nil, fmt.Errorf("trial %s: %w", trialID, types.ErrTrialNotFound)
	}
	return rs, nil
}

func (f *fakeCriteria) Ping(context.Context) error { return f.pingErr }

type fakePhenotype struct {
	mu      sync.Mutex
	records map[string]*types.PatientRecord
	calls   []string
	pingErr error
}

func (f *fakePhenotype) GetPhenotype(_ context.Context, id string) (*types.PatientRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	rec, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", id, types.ErrPatientNotFound)
	}
	return rec, nil
}

func (f *fakePhenotype) Ping(context.Context) error { return f.pingErr }

type fakeStore struct {
	ready   bool
	records map[string]*types.PatientRecord
}

func (s *fakeStore) Ready() bool { return s.ready }

func (s *fakeStore) Get(id string) (*types.PatientRecord, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

func (s *fakeStore) AllIDs() []string {
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *fakeStore) Stats() cache.Stats {
	return cache.Stats{IsLoaded: s.ready, TotalPatients: len(s.records)}
}

func ageRule(id string, op string, operands ...any) types.Rule {
	return types.Rule{
		RuleID: id, Category: types.CategoryDemographic,
		Identifier: []string{"age"}, Field: "age",
		Operator: op, Operands: operands, Weight: 1, Active: true,
	}
}

func patients(ages map[string]float64) map[string]*types.PatientRecord {
	out := make(map[string]*types.PatientRecord, len(ages))
	for id, age := range ages {
		out[id] = &types.PatientRecord{PatientID: id, Demographics: types.Demographics{"age": age}}
	}
	return out
}

// adultTrial: 50% for age >= 18, another 50% for age between 40 and 65,
// excluded above 80.
func adultTrial() *types.RuleSet {
	return &types.RuleSet{
		TrialID: "NCT-ADULT",
		InclusionRules: []types.Rule{
			ageRule("inc-adult", "gte", 18),
			ageRule("inc-middle", "between", 40, 65),
		},
		ExclusionRules: []types.Rule{
			ageRule("exc-elderly", "gt", 80),
		},
	}
}

func newTestOrchestrator(store PatientStore, records map[string]*types.PatientRecord) (*Orchestrator, *fakePhenotype) {
	crit := &fakeCriteria{sets: map[string]*types.RuleSet{"NCT-ADULT": adultTrial()}}
	phen := &fakePhenotype{records: records}
	return New(crit, phen, store, Config{FetchConcurrency: 2, HealthTimeout: time.Second}, zap.NewNop()), phen
}

var population = map[string]float64{"P1": 50, "P2": 30, "P3": 12, "P4": 90, "P5": 45}

func TestMatchTrial_PartialResolutionFromCache(t *testing.T) {
	store := &fakeStore{ready: true, records: patients(map[string]float64{"P1": 50, "P2": 30, "P3": 12})}
	o, phen := newTestOrchestrator(store, nil)

	res, err := o.MatchTrial(context.Background(), "NCT-ADULT", []string{"P1", "P2", "P3", "X1", "X2"}, Options{})
	if err != nil {
		t.Fatalf("MatchTrial() error = %v, want nil", err)
	}
	if res.TotalSearched != 5 || res.PatientsResolved != 3 || res.MatchedCount != 3 || res.ResultsReturned != 3 {
		t.Errorf("counts = searched %d resolved %d matched %d returned %d, want 5 3 3 3",
			res.TotalSearched, res.PatientsResolved, res.MatchedCount, res.ResultsReturned)
	}
	if len(res.MissingPatients) != 2 {
		t.Errorf("MissingPatients = %v, want 2 entries", res.MissingPatients)
	}
	if res.Source != SourceCache {
		t.Errorf("Source = %q, want %q", res.Source, SourceCache)
	}
	if len(phen.calls) != 0 {
		t.Errorf("phenotype fetched %v with a loaded cache", phen.calls)
	}

	wantOrder := []string{"P1", "P2", "P3"}
	wantPct := []float64{100, 50, 0}
	for i, r := range res.RankedResults {
		if r.PatientID != wantOrder[i] || r.MatchPercentage != wantPct[i] || r.Rank != i+1 {
			t.Errorf("RankedResults[%d] = %s %.1f rank %d, want %s %.1f rank %d",
				i, r.PatientID, r.MatchPercentage, r.Rank, wantOrder[i], wantPct[i], i+1)
		}
	}
}

func TestMatchTrial_NoResolvablePatients(t *testing.T) {
	store := &fakeStore{ready: true, records: patients(map[string]float64{"P1": 50})}
	o, _ := newTestOrchestrator(store, nil)

	_, err := o.MatchTrial(context.Background(), "NCT-ADULT", []string{"X1", "X2", "X3", "X4", "X5"}, Options{})
	if !errors.Is(err, types.ErrNoValidPatients) {
		t.Errorf("MatchTrial() error = %v, want ErrNoValidPatients", err)
	}
}

func TestMatchTrial_ExcludedPatientsCounted(t *testing.T) {
	store := &fakeStore{ready: true, records: patients(population)}
	o, _ := newTestOrchestrator(store, nil)

	res, err := o.MatchTrial(context.Background(), "NCT-ADULT", nil, Options{})
	if err != nil {
		t.Fatalf("MatchTrial() error = %v, want nil", err)
	}
	if res.TotalSearched != 5 || res.MatchedCount != 4 {
		t.Errorf("TotalSearched = %d, MatchedCount = %d, want 5 and 4", res.TotalSearched, res.MatchedCount)
	}
	for _, r := range res.RankedResults {
		if r.PatientID == "P4" {
			t.Error("excluded patient P4 present in results")
		}
	}
}

func TestMatchTrial_FilterAndLimit(t *testing.T) {
	store := &fakeStore{ready: true, records: patients(population)}
	o, _ := newTestOrchestrator(store, nil)

	res, err := o.MatchTrial(context.Background(), "NCT-ADULT", nil, Options{MinMatch: 50, Limit: 2})
	if err != nil {
		t.Fatalf("MatchTrial() error = %v, want nil", err)
	}
	// P1 and P5 score 100, P2 50, P3 0.
	if res.MatchedCount != 4 || res.ResultsReturned != 2 {
		t.Errorf("MatchedCount = %d, ResultsReturned = %d, want 4 and 2", res.MatchedCount, res.ResultsReturned)
	}
	if res.RankedResults[0].PatientID != "P1" || res.RankedResults[1].PatientID != "P5" {
		t.Errorf("ranked = %s, %s; want P1, P5", res.RankedResults[0].PatientID, res.RankedResults[1].PatientID)
	}
	if res.FilterApplied.MinMatch != 50 || res.FilterApplied.Limit != 2 || res.FilterApplied.SortBy != SortByMatchPercentage {
		t.Errorf("FilterApplied = %+v", res.FilterApplied)
	}
}

func TestMatchTrial_DirectFetchWhenCacheNotReady(t *testing.T) {
	o, phen := newTestOrchestrator(&fakeStore{}, patients(population))

	res, err := o.MatchTrial(context.Background(), "NCT-ADULT", []string{"P1", "P2", "P1", "missing"}, Options{})
	if err != nil {
		t.Fatalf("MatchTrial() error = %v, want nil", err)
	}
	if res.Source != SourceDirect {
		t.Errorf("Source = %q, want %q", res.Source, SourceDirect)
	}
	if len(phen.calls) != 3 {
		t.Errorf("phenotype calls = %v, want 3 (duplicates skipped)", phen.calls)
	}
	if res.TotalSearched != 4 || res.PatientsResolved != 2 {
		t.Errorf("TotalSearched = %d, PatientsResolved = %d, want 4 and 2", res.TotalSearched, res.PatientsResolved)
	}
	if len(res.MissingPatients) != 1 || res.MissingPatients[0] != "missing" {
		t.Errorf("MissingPatients = %v, want [missing]", res.MissingPatients)
	}
}

func TestMatchTrial_Errors(t *testing.T) {
	ready := &fakeStore{ready: true, records: patients(population)}

	tests := []struct {
		name    string
		store   PatientStore
		trialID string
		ids     []string
		opts    Options
		wantErr error
	}{
		{"unknown trial", ready, "NCT-NONE", []string{"P1"}, Options{}, types.ErrTrialNotFound},
		{"match all without cache", nil, "NCT-ADULT", nil, Options{}, types.ErrCacheNotReady},
		{"match all cache loading", &fakeStore{}, "NCT-ADULT", nil, Options{}, types.ErrCacheNotReady},
		{"match all unknown trial without cache", nil, "NCT-NONE", nil, Options{}, types.ErrTrialNotFound},
		{"match all unknown trial cache loading", &fakeStore{}, "NCT-NONE", nil, Options{}, types.ErrTrialNotFound},
		{"bad sort field", ready, "NCT-ADULT", nil, Options{SortBy: "age"}, types.ErrInvalidOption},
		{"bad order", ready, "NCT-ADULT", nil, Options{Order: "sideways"}, types.ErrInvalidOption},
		{"negative limit", ready, "NCT-ADULT", nil, Options{Limit: -1}, types.ErrInvalidOption},
		{"min match above 100", ready, "NCT-ADULT", nil, Options{MinMatch: 101}, types.ErrInvalidOption},
		{"empty trial", ready, "", nil, Options{}, types.ErrInvalidOption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newTestOrchestrator(tt.store, nil)
			_, err := o.MatchTrial(context.Background(), tt.trialID, tt.ids, tt.opts)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("MatchTrial() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMatchTrial_UpstreamTimeoutAborts(t *testing.T) {
	crit := &fakeCriteria{err: fmt.Errorf("fetch criteria: %w", types.ErrUpstreamTimeout)}
	o := New(crit, &fakePhenotype{}, &fakeStore{ready: true, records: patients(population)}, Config{}, zap.NewNop())

	if _, err := o.MatchTrial(context.Background(), "NCT-ADULT", nil, Options{}); !errors.Is(err, types.ErrUpstreamTimeout) {
		t.Errorf("MatchTrial() error = %v, want ErrUpstreamTimeout", err)
	}
}

func TestMatchSingle(t *testing.T) {
	store := &fakeStore{ready: true, records: patients(population)}
	o, _ := newTestOrchestrator(store, nil)
	ctx := context.Background()

	res, err := o.MatchSingle(ctx, "NCT-ADULT", "P2")
	if err != nil {
		t.Fatalf("MatchSingle() error = %v, want nil", err)
	}
	if res.Excluded || res.Match == nil || res.Match.MatchPercentage != 50 {
		t.Errorf("MatchSingle(P2) = %+v, want 50%% match", res)
	}

	res, err = o.MatchSingle(ctx, "NCT-ADULT", "P4")
	if err != nil {
		t.Fatalf("MatchSingle() error = %v, want nil", err)
	}
	if !res.Excluded || res.Match != nil {
		t.Errorf("MatchSingle(P4) = %+v, want excluded", res)
	}

	if _, err := o.MatchSingle(ctx, "NCT-ADULT", "nobody"); !errors.Is(err, types.ErrPatientNotFound) {
		t.Errorf("MatchSingle(nobody) error = %v, want ErrPatientNotFound", err)
	}
}

func TestMatchInline(t *testing.T) {
	o := New(&fakeCriteria{}, &fakePhenotype{}, nil, Config{}, zap.NewNop())
	recs := []*types.PatientRecord{
		{PatientID: "A", Demographics: types.Demographics{"age": 50.0}},
		{PatientID: "B", Demographics: types.Demographics{"age": 20.0}},
		nil,
	}

	res, err := o.MatchInline(adultTrial(), recs, Options{})
	if err != nil {
		t.Fatalf("MatchInline() error = %v, want nil", err)
	}
	if res.Source != SourceInline || res.TrialID != "NCT-ADULT" || res.ResultsReturned != 2 {
		t.Errorf("MatchInline() = %+v", res)
	}

	if _, err := o.MatchInline(adultTrial(), nil, Options{}); !errors.Is(err, types.ErrNoValidPatients) {
		t.Errorf("MatchInline(no records) error = %v, want ErrNoValidPatients", err)
	}
}

func TestHealth(t *testing.T) {
	down := errors.New("connection refused")
	loaded := &fakeStore{ready: true, records: patients(population)}

	tests := []struct {
		name         string
		criteriaErr  error
		phenotypeErr error
		store        PatientStore
		want         string
	}{
		{"all up", nil, nil, loaded, StatusHealthy},
		{"cache disabled", nil, nil, nil, StatusHealthy},
		{"cache loading", nil, nil, &fakeStore{}, StatusDegraded},
		{"phenotype down with cache", nil, down, loaded, StatusDegraded},
		{"phenotype down without cache", nil, down, &fakeStore{}, StatusUnhealthy},
		{"criteria down", down, nil, loaded, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(&fakeCriteria{pingErr: tt.criteriaErr}, &fakePhenotype{pingErr: tt.phenotypeErr}, tt.store, Config{}, zap.NewNop())
			report := o.Health(context.Background())
			if report.Status != tt.want {
				t.Errorf("Health().Status = %q, want %q", report.Status, tt.want)
			}
			if report.Serving() != (tt.want != StatusUnhealthy) {
				t.Errorf("Serving() = %v for status %q", report.Serving(), report.Status)
			}
		})
	}
}

func TestDescribeFirstPatient(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeStore{}, nil)
	if _, err := o.DescribeFirstPatient(); !errors.Is(err, types.ErrCacheNotReady) {
		t.Errorf("DescribeFirstPatient() error = %v, want ErrCacheNotReady", err)
	}

	o, _ = newTestOrchestrator(&fakeStore{ready: true, records: patients(population)}, nil)
	s, err := o.DescribeFirstPatient()
	if err != nil {
		t.Fatalf("DescribeFirstPatient() error = %v, want nil", err)
	}
	if s.PatientID != "P1" || len(s.DemographicFields) != 1 || s.DemographicFields[0] != "age" {
		t.Errorf("DescribeFirstPatient() = %+v", s)
	}
}
