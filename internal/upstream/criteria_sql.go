package upstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/trialmatch/trialmatch/internal/core/db"
	"github.com/trialmatch/trialmatch/internal/types"
)

// SQLCriteriaSource reads rule sets straight from the criteria service's
// parsed_criteria table, bypassing its HTTP API.
type SQLCriteriaSource struct {
	queries *db.Queries
	logger  *zap.Logger
}

// NewSQLCriteriaSource creates a source over loaded named queries.
func NewSQLCriteriaSource(queries *db.Queries, logger *zap.Logger) *SQLCriteriaSource {
	return &SQLCriteriaSource{queries: queries, logger: logger}
}

// parsedCriteriaRow holds the JSON rule columns as raw bytes.
type parsedCriteriaRow struct {
	NctID     string `db:"nct_id"`
	Inclusion []byte `db:"inclusion_criteria"`
	Exclusion []byte `db:"exclusion_criteria"`
}

// FetchRuleSet loads and decodes the row for trialID.
func (s *SQLCriteriaSource) FetchRuleSet(ctx context.Context, trialID string) (*types.RuleSet, error) {
	var row parsedCriteriaRow
	err := s.queries.Get(ctx, db.QueryGetParsedCriteria, &row, trialID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("fetch criteria %s: %w", trialID, types.ErrTrialNotFound)
	case err != nil && isTimeout(err):
		return nil, fmt.Errorf("fetch criteria %s: %w: %v", trialID, types.ErrUpstreamTimeout, err)
	case err != nil:
		s.logger.Warn("criteria query failed", zap.String("trial_id", trialID), zap.Error(err))
		return nil, fmt.Errorf("fetch criteria %s: %w: %v", trialID, types.ErrUpstreamUnavailable, err)
	}

	inclusion, err := decodeRules(row.Inclusion)
	if err != nil {
		return nil, fmt.Errorf("decode inclusion criteria %s: %w: %v", trialID, types.ErrUpstreamUnavailable, err)
	}
	exclusion, err := decodeRules(row.Exclusion)
	if err != nil {
		return nil, fmt.Errorf("decode exclusion criteria %s: %w: %v", trialID, types.ErrUpstreamUnavailable, err)
	}

	return &types.RuleSet{
		TrialID:        row.NctID,
		InclusionRules: inclusion,
		ExclusionRules: exclusion,
	}, nil
}

// decodeRules parses a JSON rule list column. NULL and empty yield an empty list.
func decodeRules(raw []byte) ([]types.Rule, error) {
	if len(raw) == 0 {
		return []types.Rule{}, nil
	}
	var rules []types.Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []types.Rule{}
	}
	return rules, nil
}

// Ping checks database connectivity.
func (s *SQLCriteriaSource) Ping(ctx context.Context) error {
	if err := s.queries.Ping(ctx); err != nil {
		return fmt.Errorf("criteria database: %w: %v", types.ErrUpstreamUnavailable, err)
	}
	return nil
}
