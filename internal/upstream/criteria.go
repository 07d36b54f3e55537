package upstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/trialmatch/trialmatch/internal/core/config"
	"github.com/trialmatch/trialmatch/internal/types"
)

// CriteriaSource produces a trial's RuleSet.
type CriteriaSource interface {
	FetchRuleSet(ctx context.Context, trialID string) (*types.RuleSet, error)
	Ping(ctx context.Context) error
}

// CriteriaClient reads rule sets from the criteria service over HTTP.
type CriteriaClient struct {
	http       *resty.Client
	path       string
	healthPath string
	logger     *zap.Logger
}

// NewCriteriaClient creates a client for the criteria service described by cfg.
func NewCriteriaClient(cfg config.CriteriaConfig, logger *zap.Logger) *CriteriaClient {
	return &CriteriaClient{
		http:       newHTTPClient(cfg.BaseURL, cfg.Timeout),
		path:       cfg.Path,
		healthPath: cfg.HealthPath,
		logger:     logger,
	}
}

// FetchRuleSet retrieves and decodes the rule set for trialID.
// Returns ErrTrialNotFound on 404, ErrUpstreamTimeout on deadline, and
// ErrUpstreamUnavailable for any other failure including undecodable bodies.
func (c *CriteriaClient) FetchRuleSet(ctx context.Context, trialID string) (*types.RuleSet, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("trialID", trialID).
		Get(c.path)
	if err := classify("fetch criteria "+trialID, resp, err, types.ErrTrialNotFound); err != nil {
		c.logger.Warn("criteria fetch failed", zap.String("trial_id", trialID), zap.Error(err))
		return nil, err
	}

	var rs types.RuleSet
	if err := json.Unmarshal(resp.Body(), &rs); err != nil {
		return nil, fmt.Errorf("decode criteria %s: %w: %v", trialID, types.ErrUpstreamUnavailable, err)
	}
	if rs.TrialID == "" {
		rs.TrialID = trialID
	}

	c.logger.Debug("criteria fetched",
		zap.String("trial_id", trialID),
		zap.Int("inclusion_rules", len(rs.InclusionRules)),
		zap.Int("exclusion_rules", len(rs.ExclusionRules)),
		zap.Duration("latency", resp.Time()),
	)
	return &rs, nil
}

// Ping checks the criteria service health endpoint.
func (c *CriteriaClient) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get(c.healthPath)
	return classify("criteria health", resp, err, nil)
}
