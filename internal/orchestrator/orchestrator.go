// Package orchestrator coordinates one match call: it fetches the trial's
// rule set, resolves patient records from the cache or directly from the
// phenotype service, scores them and ranks the result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trialmatch/trialmatch/internal/cache"
	"github.com/trialmatch/trialmatch/internal/rules"
	"github.com/trialmatch/trialmatch/internal/types"
)

// CriteriaSource provides trial rule sets.
type CriteriaSource interface {
	FetchRuleSet(ctx context.Context, trialID string) (*types.RuleSet, error)
	Ping(ctx context.Context) error
}

// PhenotypeSource provides individual patient records.
type PhenotypeSource interface {
	GetPhenotype(ctx context.Context, patientID string) (*types.PatientRecord, error)
	Ping(ctx context.Context) error
}

// PatientStore is the read side of the patient cache.
type PatientStore interface {
	Ready() bool
	Get(patientID string) (*types.PatientRecord, bool)
	AllIDs() []string
	Stats() cache.Stats
}

// Record sources reported in Result.Source.
const (
	SourceCache  = "cache"
	SourceDirect = "direct"
	SourceInline = "inline"
)

// Config tunes the orchestrator.
type Config struct {
	FetchConcurrency int           // in-flight direct phenotype fetches per request
	HealthTimeout    time.Duration // bound on each upstream health probe
}

// Result is the ranked outcome of a match call.
type Result struct {
	MatchID          types.MatchID `json:"match_id"`
	TrialID          string        `json:"trial_id"`
	TotalSearched    int           `json:"total_searched"`
	PatientsResolved int           `json:"patients_resolved"`
	MissingPatients  []string      `json:"missing_patients,omitempty"`
	MatchedCount     int           `json:"matched_count"`
	ResultsReturned  int           `json:"results_returned"`
	FilterApplied    Options       `json:"filter_applied"`
	Source           string        `json:"source"`
	RankedResults    []RankedMatch `json:"ranked_results"`
}

// PatientResult is the outcome of matching a single patient.
// Match is nil when the patient is excluded.
type PatientResult struct {
	MatchID   types.MatchID      `json:"match_id"`
	TrialID   string             `json:"trial_id"`
	PatientID string             `json:"patient_id"`
	Excluded  bool               `json:"excluded"`
	Match     *types.ScoredMatch `json:"match,omitempty"`
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	criteria  CriteriaSource
	phenotype PhenotypeSource
	store     PatientStore // nil when the cache is disabled
	engine    *rules.Engine
	cfg       Config
	logger    *zap.Logger
}

// New creates an orchestrator. store may be nil.
func New(criteria CriteriaSource, phenotype PhenotypeSource, store PatientStore, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 10
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		criteria:  criteria,
		phenotype: phenotype,
		store:     store,
		engine:    rules.NewEngine(logger),
		cfg:       cfg,
		logger:    logger,
	}
}

func (o *Orchestrator) cacheReady() bool {
	return o.store != nil && o.store.Ready()
}

// MatchTrial scores patientIDs against trialID. An empty patientIDs matches
// every cached patient and requires a loaded cache.
//
// Patients that cannot be resolved are reported in MissingPatients; the call
// fails with ErrNoValidPatients only when none can be resolved.
func (o *Orchestrator) MatchTrial(ctx context.Context, trialID string, patientIDs []string, opts Options) (*Result, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	if trialID == "" {
		return nil, fmt.Errorf("trial_id is required: %w", types.ErrInvalidOption)
	}
	if len(patientIDs) > types.MaxPatientIDsPerRequest {
		return nil, fmt.Errorf("%d patient IDs exceeds limit of %d: %w",
			len(patientIDs), types.MaxPatientIDsPerRequest, types.ErrInvalidOption)
	}

	rs, err := o.criteria.FetchRuleSet(ctx, trialID)
	if err != nil {
		return nil, err
	}
	trial := o.engine.Compile(rs)

	if len(patientIDs) == 0 {
		if !o.cacheReady() {
			return nil, fmt.Errorf("matching all patients: %w", types.ErrCacheNotReady)
		}
		patientIDs = o.store.AllIDs()
	}

	records, missing, source, err := o.resolve(ctx, patientIDs)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("none of %d requested patients could be resolved: %w",
			len(patientIDs), types.ErrNoValidPatients)
	}
	if len(missing) > 0 {
		o.logger.Warn("some patients could not be resolved",
			zap.String("trial_id", trialID),
			zap.Int("requested", len(patientIDs)),
			zap.Int("missing", len(missing)),
			zap.String("source", source),
		)
	}

	result := o.rank(trial, records, len(patientIDs), opts)
	result.TrialID = trialID
	result.MissingPatients = missing
	result.Source = source

	o.logger.Info("trial matched",
		zap.String("match_id", string(result.MatchID)),
		zap.String("trial_id", trialID),
		zap.Int("total_searched", result.TotalSearched),
		zap.Int("matched_count", result.MatchedCount),
		zap.Int("results_returned", result.ResultsReturned),
		zap.String("source", source),
	)
	return result, nil
}

// MatchSingle scores one patient against one trial.
func (o *Orchestrator) MatchSingle(ctx context.Context, trialID, patientID string) (*PatientResult, error) {
	rs, err := o.criteria.FetchRuleSet(ctx, trialID)
	if err != nil {
		return nil, err
	}
	trial := o.engine.Compile(rs)

	rec, err := o.lookup(ctx, patientID)
	if err != nil {
		return nil, err
	}

	out := &PatientResult{
		MatchID:   types.NewMatchID(),
		TrialID:   trialID,
		PatientID: patientID,
	}
	if sm, ok := rules.MatchOne(trial, rec); ok {
		out.Match = &sm
	} else {
		out.Excluded = true
	}
	return out, nil
}

// MatchInline scores caller-supplied records against a caller-supplied rule
// set without contacting either upstream.
func (o *Orchestrator) MatchInline(rs *types.RuleSet, records []*types.PatientRecord, opts Options) (*Result, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, fmt.Errorf("trial rule set is required: %w", types.ErrInvalidOption)
	}

	valid := make([]*types.PatientRecord, 0, len(records))
	for _, rec := range records {
		if rec != nil && rec.PatientID != "" {
			valid = append(valid, rec)
		}
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("no patient records supplied: %w", types.ErrNoValidPatients)
	}

	result := o.rank(o.engine.Compile(rs), valid, len(records), opts)
	result.TrialID = rs.TrialID
	result.Source = SourceInline
	return result, nil
}

func (o *Orchestrator) rank(trial *rules.CompiledTrial, records []*types.PatientRecord, searched int, opts Options) *Result {
	matches := o.engine.Match(trial, records)
	ranked := Rank(matches, opts)
	return &Result{
		MatchID:          types.NewMatchID(),
		TotalSearched:    searched,
		PatientsResolved: len(records),
		MatchedCount:     len(matches),
		ResultsReturned:  len(ranked),
		FilterApplied:    opts,
		RankedResults:    ranked,
	}
}

// resolve returns the records for ids in request order, skipping duplicates,
// plus the IDs that could not be resolved.
func (o *Orchestrator) resolve(ctx context.Context, ids []string) ([]*types.PatientRecord, []string, string, error) {
	unique := dedupe(ids)

	if o.cacheReady() {
		records := make([]*types.PatientRecord, 0, len(unique))
		var missing []string
		for _, id := range unique {
			if rec, ok := o.store.Get(id); ok {
				records = append(records, rec)
			} else {
				missing = append(missing, id)
			}
		}
		return records, missing, SourceCache, nil
	}

	fetched := make([]*types.PatientRecord, len(unique))
	var (
		mu      sync.Mutex
		missing []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FetchConcurrency)
	for i, id := range unique {
		g.Go(func() error {
			rec, err := o.phenotype.GetPhenotype(gctx, id)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				o.logger.Debug("direct patient fetch failed", zap.String("patient_id", id), zap.Error(err))
				mu.Lock()
				missing = append(missing, id)
				mu.Unlock()
				return nil
			}
			fetched[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, SourceDirect, fmt.Errorf("fetching patients: %w: %v", types.ErrUpstreamTimeout, err)
		}
		return nil, nil, SourceDirect, err
	}

	records := make([]*types.PatientRecord, 0, len(unique))
	for _, rec := range fetched {
		if rec != nil {
			records = append(records, rec)
		}
	}
	sort.Strings(missing)
	return records, missing, SourceDirect, nil
}

// lookup resolves one patient from the cache, falling back to a direct fetch
// when the cache is not loaded.
func (o *Orchestrator) lookup(ctx context.Context, patientID string) (*types.PatientRecord, error) {
	if o.cacheReady() {
		if rec, ok := o.store.Get(patientID); ok {
			return rec, nil
		}
		return nil, fmt.Errorf("patient %s: %w", patientID, types.ErrPatientNotFound)
	}
	return o.phenotype.GetPhenotype(ctx, patientID)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// CacheStats reports the cache status; the zero Stats when the cache is disabled.
func (o *Orchestrator) CacheStats() cache.Stats {
	if o.store == nil {
		return cache.Stats{}
	}
	return o.store.Stats()
}

// PatientStructure summarises the sections of one cached record.
type PatientStructure struct {
	PatientID         string                  `json:"patient_id"`
	Sections          map[types.Category]int  `json:"sections"`
	DemographicFields []string                `json:"demographic_fields"`
	Flags             map[string]any          `json:"flags"`
	DataCompleteness  *types.DataCompleteness `json:"data_completeness,omitempty"`
}

// DescribeFirstPatient summarises the first cached patient by ID order.
func (o *Orchestrator) DescribeFirstPatient() (*PatientStructure, error) {
	if !o.cacheReady() {
		return nil, types.ErrCacheNotReady
	}
	ids := o.store.AllIDs()
	if len(ids) == 0 {
		return nil, types.ErrNoPatients
	}
	rec, ok := o.store.Get(ids[0])
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", ids[0], types.ErrPatientNotFound)
	}

	fields := make([]string, 0, len(rec.Demographics))
	for k := range rec.Demographics {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	return &PatientStructure{
		PatientID:         rec.PatientID,
		Sections:          rules.NewView(rec).Sections(),
		DemographicFields: fields,
		Flags:             rec.Flags(),
		DataCompleteness:  rec.DataCompleteness,
	}, nil
}
