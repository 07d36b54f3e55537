package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trialmatch/trialmatch/internal/cache"
)

// Aggregate health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ComponentHealth is the probe result for one dependency.
type ComponentHealth struct {
	Status    string  `json:"status"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// HealthReport aggregates upstream reachability and cache readiness.
type HealthReport struct {
	Status       string          `json:"status"`
	Criteria     ComponentHealth `json:"criteria_service"`
	Phenotype    ComponentHealth `json:"phenotype_service"`
	CacheEnabled bool            `json:"cache_enabled"`
	Cache        cache.Stats     `json:"cache"`
	CheckedAt    time.Time       `json:"checked_at"`
}

// Serving reports whether match requests can currently be answered.
func (h HealthReport) Serving() bool {
	return h.Status != StatusUnhealthy
}

// Health probes both upstreams concurrently and grades the service:
//
//	unhealthy  criteria unreachable, or phenotype unreachable with no cache
//	degraded   phenotype unreachable but cache loaded, or cache enabled and not loaded
//	healthy    otherwise
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
	defer cancel()

	report := HealthReport{
		CacheEnabled: o.store != nil,
		Cache:        o.CacheStats(),
		CheckedAt:    time.Now().UTC(),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		report.Criteria = probe(ctx, o.criteria.Ping)
	}()
	go func() {
		defer wg.Done()
		report.Phenotype = probe(ctx, o.phenotype.Ping)
	}()
	wg.Wait()

	criteriaUp := report.Criteria.Status == StatusHealthy
	phenotypeUp := report.Phenotype.Status == StatusHealthy
	cacheReady := o.cacheReady()

	switch {
	case !criteriaUp, !phenotypeUp && !cacheReady:
		report.Status = StatusUnhealthy
	case !phenotypeUp, o.store != nil && !cacheReady:
		report.Status = StatusDegraded
	default:
		report.Status = StatusHealthy
	}

	if report.Status != StatusHealthy {
		o.logger.Warn("service health check",
			zap.String("status", report.Status),
			zap.String("criteria", report.Criteria.Status),
			zap.String("phenotype", report.Phenotype.Status),
			zap.Bool("cache_ready", cacheReady),
		)
	}
	return report
}

func probe(ctx context.Context, ping func(context.Context) error) ComponentHealth {
	start := time.Now()
	err := ping(ctx)
	h := ComponentHealth{
		Status:    StatusHealthy,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		h.Status = StatusUnhealthy
		h.Error = err.Error()
	}
	return h
}
