package rules

import (
	"go.uber.org/zap"

	"github.com/trialmatch/trialmatch/internal/types"
)

// Engine wraps compilation and matching with logging.
// Compile and Match stay pure; Engine only reports what they produced.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a new rules engine instance.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// Compile compiles rs, logging every malformed rule. Malformed rules stay in
// the trial as unsatisfiable entries.
func (e *Engine) Compile(rs *types.RuleSet) *CompiledTrial {
	trial, errs := CompileRuleSet(rs)
	for _, err := range errs {
		e.logger.Warn("malformed rule", zap.String("trial_id", rs.TrialID), zap.Error(err))
	}
	return trial
}

// Match scores records against trial.
func (e *Engine) Match(trial *CompiledTrial, records []*types.PatientRecord) []types.ScoredMatch {
	matches := Match(trial, records)
	e.logger.Debug("trial matched",
		zap.String("trial_id", trial.TrialID),
		zap.Int("inclusion_rules", len(trial.Inclusion)),
		zap.Int("exclusion_rules", len(trial.Exclusion)),
		zap.Int("patients", len(records)),
		zap.Int("scored", len(matches)),
	)
	return matches
}
