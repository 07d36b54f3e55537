// Package server exposes the matching service over HTTP (echo) and an
// optional gRPC health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/trialmatch/trialmatch/internal/cache"
	"github.com/trialmatch/trialmatch/internal/core/config"
	"github.com/trialmatch/trialmatch/internal/orchestrator"
	"github.com/trialmatch/trialmatch/internal/types"
)

// Matcher is the orchestrator surface the handlers use.
type Matcher interface {
	MatchTrial(ctx context.Context, trialID string, patientIDs []string, opts orchestrator.Options) (*orchestrator.Result, error)
	MatchSingle(ctx context.Context, trialID, patientID string) (*orchestrator.PatientResult, error)
	MatchInline(rs *types.RuleSet, records []*types.PatientRecord, opts orchestrator.Options) (*orchestrator.Result, error)
	Health(ctx context.Context) orchestrator.HealthReport
	CacheStats() cache.Stats
	DescribeFirstPatient() (*orchestrator.PatientStructure, error)
}

// Refresher rebuilds the patient cache.
type Refresher interface {
	LoadAll(ctx context.Context) error
}

// HTTPServer manages the echo server lifecycle.
type HTTPServer struct {
	echo      *echo.Echo
	cfg       *config.Config
	matcher   Matcher
	refresher Refresher // nil when the cache is disabled
	version   string
	logger    *zap.Logger

	// background refreshes outlive their request but not the server
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewHTTPServer creates the echo instance and registers middleware and routes.
// refresher may be nil.
func NewHTTPServer(cfg *config.Config, matcher Matcher, refresher Refresher, version string, logger *zap.Logger) (*HTTPServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cfg cannot be nil")
	}
	if matcher == nil {
		return nil, fmt.Errorf("matcher cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(Recovery(logger))
	e.Use(RequestID())
	e.Use(Logger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dK", types.MaxRequestBodySize/1024)))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, headerRequestID},
	}))
	e.Use(RequestTimeout(cfg.Server.RequestTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	s := &HTTPServer{
		echo:      e,
		cfg:       cfg,
		matcher:   matcher,
		refresher: refresher,
		version:   version,
		logger:    logger,
		bgCtx:     ctx,
		bgCancel:  cancel,
	}
	s.routes()
	return s, nil
}

func (s *HTTPServer) routes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/cache-status", s.handleCacheStatus)
	s.echo.GET("/info", s.handleInfo)
	s.echo.POST("/match-trial", s.handleMatchTrial)
	s.echo.GET("/match-trial/:trialID/patients/:patientID", s.handleMatchSingle)
	s.echo.POST("/match", s.handleMatchInline)
	s.echo.POST("/cache/refresh", s.handleCacheRefresh)
	s.echo.GET("/debug/patient-structure", s.handlePatientStructure)
}

// Handler exposes the router, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.echo
}

// Start serves HTTP until Shutdown is called.
func (s *HTTPServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve %s: %w", addr, err)
	}
	return nil
}

// Shutdown stops accepting requests, cancels background refreshes and waits
// for in-flight work within ctx.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.bgCancel()
	err := s.echo.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("shutdown cancelled by context: %w", ctx.Err())
		}
	}
	return err
}
