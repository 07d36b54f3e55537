// Package cache holds the in-memory patient snapshot that match requests read.
//
// A snapshot is built completely off to the side and published with one
// atomic pointer swap, so readers never observe a partially-populated map and
// take no locks. Only one load runs at a time.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trialmatch/trialmatch/internal/types"
)

// PhenotypeSource lists and fetches patient records.
type PhenotypeSource interface {
	ListPatientIDs(ctx context.Context, limit, offset int) ([]string, error)
	GetPhenotype(ctx context.Context, patientID string) (*types.PatientRecord, error)
}

// ReadinessReporter reports whether an upstream has finished initializing.
type ReadinessReporter interface {
	Ready(ctx context.Context) (bool, error)
}

// Config controls pagination, fan-out and retry of the bulk load.
type Config struct {
	PageSize   int
	BatchSize  int
	Attempts   int
	RetryDelay time.Duration
}

// Stats is the externally visible cache status.
type Stats struct {
	IsLoaded            bool       `json:"is_loaded"`
	TotalPatients       int        `json:"total_patients"`
	FailedPatients      int        `json:"failed_patients"`
	LoadDurationSeconds float64    `json:"load_duration_seconds"`
	LastError           *string    `json:"last_error"`
	LoadedAt            *time.Time `json:"loaded_at,omitempty"`
	Loading             bool       `json:"loading"`
}

type snapshot struct {
	records  map[string]*types.PatientRecord
	ids      []string
	failed   int
	lastErr  error
	duration time.Duration
	loadedAt time.Time
}

// PatientCache is safe for concurrent use.
type PatientCache struct {
	source PhenotypeSource
	cfg    Config
	logger *zap.Logger

	snap    atomic.Pointer[snapshot]
	loadMu  sync.Mutex
	loading atomic.Bool

	statusMu sync.Mutex
	lastErr  error

	subMu       sync.Mutex
	subscribers []func(ready bool)
}

// New creates an empty, not-ready cache over source.
func New(source PhenotypeSource, cfg Config, logger *zap.Logger) *PatientCache {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatientCache{source: source, cfg: cfg, logger: logger}
}

// Subscribe registers fn to be called with the readiness after every load attempt.
func (c *PatientCache) Subscribe(fn func(ready bool)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

func (c *PatientCache) notify() {
	ready := c.Ready()
	c.subMu.Lock()
	subs := append([]func(bool){}, c.subscribers...)
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(ready)
	}
}

// LoadAll discovers every patient ID, fetches the records in concurrent
// batches of at most BatchSize and publishes the result as the new snapshot.
//
// Per-patient fetch failures do not abort the load; they are counted and the
// last one is reported through Stats. LoadAll returns an error, leaving any
// previous snapshot in place, when discovery fails or no record at all could
// be fetched. ErrLoadInProgress is returned if another load is running.
func (c *PatientCache) LoadAll(ctx context.Context) error {
	if !c.loadMu.TryLock() {
		return types.ErrLoadInProgress
	}
	defer c.loadMu.Unlock()
	c.loading.Store(true)
	defer c.loading.Store(false)
	defer c.notify()

	start := time.Now()
	snap, err := c.build(ctx)
	if err != nil {
		c.setLastError(err)
		c.logger.Error("patient cache load failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return err
	}
	snap.duration = time.Since(start)
	snap.loadedAt = time.Now()

	c.snap.Store(snap)
	c.setLastError(snap.lastErr)

	fields := []zap.Field{
		zap.Int("patients", len(snap.ids)),
		zap.Int("failed", snap.failed),
		zap.Duration("duration", snap.duration),
	}
	if snap.failed > 0 {
		c.logger.Warn("patient cache loaded with failures", append(fields, zap.Error(snap.lastErr))...)
	} else {
		c.logger.Info("patient cache loaded", fields...)
	}
	return nil
}

func (c *PatientCache) build(ctx context.Context) (*snapshot, error) {
	ids, err := c.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover patients: %w", err)
	}
	if len(ids) == 0 {
		return nil, types.ErrNoPatients
	}

	records := make(map[string]*types.PatientRecord, len(ids))
	var (
		mu      sync.Mutex
		failed  int
		lastErr error
	)

	for start := 0; start < len(ids); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(ids))
		batch := ids[start:end]

		// Errors are absorbed per patient, so Wait only synchronizes the batch.
		var g errgroup.Group
		for _, id := range batch {
			g.Go(func() error {
				rec, err := c.source.GetPhenotype(ctx, id)
				if err == nil && rec == nil {
					err = fmt.Errorf("patient %s: %w", id, types.ErrPatientNotFound)
				}
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					lastErr = err
					c.logger.Warn("patient fetch failed", zap.String("patient_id", id), zap.Error(err))
					return nil
				}
				records[id] = rec
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("load interrupted after %d of %d patients: %w", end, len(ids), err)
		}
		c.logger.Debug("patient batch loaded", zap.Int("through", end), zap.Int("of", len(ids)))
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("all %d patient fetches failed: %w", len(ids), lastErr)
	}

	loaded := make([]string, 0, len(records))
	for id := range records {
		loaded = append(loaded, id)
	}
	sort.Strings(loaded)

	return &snapshot{records: records, ids: loaded, failed: failed, lastErr: lastErr}, nil
}

// discover pages through the listing until an empty page.
func (c *PatientCache) discover(ctx context.Context) ([]string, error) {
	var ids []string
	seen := make(map[string]struct{})
	for offset := 0; ; offset += c.cfg.PageSize {
		page, err := c.source.ListPatientIDs(ctx, c.cfg.PageSize, offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return ids, nil
		}
		for _, id := range page {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
}

// LoadWithRetry calls LoadAll up to Attempts times, sleeping RetryDelay*attempt
// between tries. The final error is returned when every attempt fails.
func (c *PatientCache) LoadWithRetry(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		err = c.LoadAll(ctx)
		if err == nil || errors.Is(err, types.ErrLoadInProgress) {
			return err
		}
		if attempt == c.cfg.Attempts {
			break
		}

		delay := c.cfg.RetryDelay * time.Duration(attempt)
		c.logger.Warn("retrying patient cache load",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("patient cache load failed after %d attempts: %w", c.cfg.Attempts, err)
}

func (c *PatientCache) setLastError(err error) {
	c.statusMu.Lock()
	c.lastErr = err
	c.statusMu.Unlock()
}

// Ready reports whether a complete snapshot has been published.
// During a refresh the previous snapshot remains readable.
func (c *PatientCache) Ready() bool {
	return c.snap.Load() != nil
}

// Get returns the cached record for patientID.
func (c *PatientCache) Get(patientID string) (*types.PatientRecord, bool) {
	s := c.snap.Load()
	if s == nil {
		return nil, false
	}
	rec, ok := s.records[patientID]
	return rec, ok
}

// AllIDs returns the cached patient IDs in sorted order.
// The slice is shared with the snapshot and must not be modified.
func (c *PatientCache) AllIDs() []string {
	s := c.snap.Load()
	if s == nil {
		return nil
	}
	return s.ids
}

// Count returns the number of cached records.
func (c *PatientCache) Count() int {
	s := c.snap.Load()
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// Stats returns the current cache status.
func (c *PatientCache) Stats() Stats {
	stats := Stats{Loading: c.loading.Load()}
	if s := c.snap.Load(); s != nil {
		stats.IsLoaded = true
		stats.TotalPatients = len(s.ids)
		stats.FailedPatients = s.failed
		stats.LoadDurationSeconds = s.duration.Seconds()
		loadedAt := s.loadedAt
		stats.LoadedAt = &loadedAt
	}

	c.statusMu.Lock()
	if c.lastErr != nil {
		msg := c.lastErr.Error()
		stats.LastError = &msg
	}
	c.statusMu.Unlock()
	return stats
}

// WaitForSource polls r every interval until it reports ready or timeout
// elapses. It returns whether the source became ready; a timeout is not an
// error, the caller proceeds with whatever the source can serve.
func WaitForSource(ctx context.Context, r ReadinessReporter, timeout, interval time.Duration, logger *zap.Logger) bool {
	if timeout <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ready, err := r.Ready(ctx)
		switch {
		case err != nil:
			logger.Debug("phenotype service not reachable yet", zap.Error(err))
		case ready:
			logger.Info("phenotype service initialized")
			return true
		default:
			logger.Debug("waiting for phenotype service initialization")
		}

		select {
		case <-ctx.Done():
			logger.Warn("phenotype service did not report ready, continuing", zap.Duration("waited", timeout))
			return false
		case <-ticker.C:
		}
	}
}
