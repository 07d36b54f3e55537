package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/trialmatch/trialmatch/internal/orchestrator"
	"github.com/trialmatch/trialmatch/internal/types"
)

// matchOptions are the optional ranking fields shared by match requests.
// Absent limit and min_match fall back to the configured defaults.
type matchOptions struct {
	SortBy   orchestrator.SortField `json:"sort_by"`
	Order    orchestrator.SortOrder `json:"order"`
	Limit    *int                   `json:"limit"`
	MinMatch *float64               `json:"min_match"`
}

func (s *HTTPServer) options(m matchOptions) orchestrator.Options {
	opts := orchestrator.Options{
		SortBy:   m.SortBy,
		Order:    m.Order,
		Limit:    s.cfg.Match.DefaultLimit,
		MinMatch: s.cfg.Match.DefaultMinMatch,
	}
	if m.Limit != nil {
		opts.Limit = *m.Limit
	}
	if m.MinMatch != nil {
		opts.MinMatch = *m.MinMatch
	}
	return opts
}

// matchTrialRequest accepts "nct_id" as an alias of "trial_id".
type matchTrialRequest struct {
	TrialID    string   `json:"trial_id"`
	NctID      string   `json:"nct_id"`
	PatientIDs []string `json:"patient_ids"`
	matchOptions
}

// inlineMatchRequest takes the trial and patients as objects, or as
// JSON-encoded strings in rawtrial and rawpatients. Objects win when both
// are present.
type inlineMatchRequest struct {
	Trial       *types.RuleSet         `json:"trial"`
	Patients    []*types.PatientRecord `json:"patients"`
	RawTrial    string                 `json:"rawtrial"`
	RawPatients string                 `json:"rawpatients"`
	matchOptions
}

// decodeRaw fills the object fields from their string-encoded forms.
func (r *inlineMatchRequest) decodeRaw() error {
	if r.Trial == nil && r.RawTrial != "" {
		var rs types.RuleSet
		if err := json.Unmarshal([]byte(r.RawTrial), &rs); err != nil {
			return fmt.Errorf("rawtrial is not valid JSON: %w: %v", types.ErrInvalidOption, err)
		}
		r.Trial = &rs
	}
	if r.Patients == nil && r.RawPatients != "" {
		if err := json.Unmarshal([]byte(r.RawPatients), &r.Patients); err != nil {
			return fmt.Errorf("rawpatients is not valid JSON: %w: %v", types.ErrInvalidOption, err)
		}
	}
	return nil
}

// bind decodes the JSON body, reporting decode failures as invalid requests.
func bind(c echo.Context, dest any) error {
	if err := c.Bind(dest); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
			return err
		}
		return fmt.Errorf("decode request body: %w: %v", types.ErrInvalidOption, err)
	}
	return nil
}

func (s *HTTPServer) handleMatchTrial(c echo.Context) error {
	var req matchTrialRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	req.TrialID = strings.TrimSpace(req.TrialID)
	if req.TrialID == "" {
		req.TrialID = strings.TrimSpace(req.NctID)
	}

	res, err := s.matcher.MatchTrial(c.Request().Context(), req.TrialID, req.PatientIDs, s.options(req.matchOptions))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) handleMatchSingle(c echo.Context) error {
	res, err := s.matcher.MatchSingle(c.Request().Context(), c.Param("trialID"), c.Param("patientID"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) handleMatchInline(c echo.Context) error {
	var req inlineMatchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := req.decodeRaw(); err != nil {
		return err
	}

	res, err := s.matcher.MatchInline(req.Trial, req.Patients, s.options(req.matchOptions))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) handleHealth(c echo.Context) error {
	report := s.matcher.Health(c.Request().Context())
	status := http.StatusOK
	if !report.Serving() {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}

func (s *HTTPServer) handleCacheStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.matcher.CacheStats())
}

type refreshResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

// handleCacheRefresh starts a rebuild in the background and returns 202.
// The current snapshot keeps serving until the replacement is complete.
func (s *HTTPServer) handleCacheRefresh(c echo.Context) error {
	if s.refresher == nil {
		return fmt.Errorf("patient cache is disabled: %w", types.ErrCacheNotReady)
	}
	if s.matcher.CacheStats().Loading {
		return types.ErrLoadInProgress
	}

	rid := requestID(c)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.refresher.LoadAll(s.bgCtx); err != nil {
			s.logger.Warn("cache refresh failed", zap.String("request_id", rid), zap.Error(err))
		}
	}()
	return c.JSON(http.StatusAccepted, refreshResponse{Status: "refresh started", RequestID: rid})
}

func (s *HTTPServer) handlePatientStructure(c echo.Context) error {
	structure, err := s.matcher.DescribeFirstPatient()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, structure)
}

type infoResponse struct {
	Service   string     `json:"service"`
	Version   string     `json:"version"`
	Endpoints []string   `json:"endpoints"`
	Config    infoConfig `json:"config"`
}

// infoConfig is the effective configuration with connection strings reduced
// to whether they are set.
type infoConfig struct {
	CriteriaURL     string  `json:"criteria_service_url"`
	CriteriaDB      bool    `json:"criteria_db_configured"`
	CriteriaRedis   bool    `json:"criteria_redis_configured"`
	PhenotypeURL    string  `json:"phenotype_service_url"`
	CacheEnabled    bool    `json:"cache_enabled"`
	BatchSize       int     `json:"batch_size"`
	PageSize        int     `json:"page_size"`
	RequestTimeout  string  `json:"request_timeout"`
	DefaultMinMatch float64 `json:"default_min_match"`
	DefaultLimit    int     `json:"default_limit"`
	GRPCHealthPort  int     `json:"grpc_health_port,omitempty"`
}

func (s *HTTPServer) handleInfo(c echo.Context) error {
	routes := s.echo.Routes()
	endpoints := make([]string, 0, len(routes))
	for _, r := range routes {
		endpoints = append(endpoints, r.Method+" "+r.Path)
	}
	sort.Strings(endpoints)

	cfg := s.cfg
	return c.JSON(http.StatusOK, infoResponse{
		Service:   "trialmatch",
		Version:   s.version,
		Endpoints: endpoints,
		Config: infoConfig{
			CriteriaURL:     cfg.Criteria.BaseURL,
			CriteriaDB:      cfg.Criteria.DBURL != "",
			CriteriaRedis:   cfg.Criteria.RedisURL != "",
			PhenotypeURL:    cfg.Phenotype.BaseURL,
			CacheEnabled:    cfg.Cache.Enabled,
			BatchSize:       cfg.Cache.BatchSize,
			PageSize:        cfg.Phenotype.PageSize,
			RequestTimeout:  cfg.Server.RequestTimeout.String(),
			DefaultMinMatch: cfg.Match.DefaultMinMatch,
			DefaultLimit:    cfg.Match.DefaultLimit,
			GRPCHealthPort:  cfg.Server.GRPCPort,
		},
	})
}
