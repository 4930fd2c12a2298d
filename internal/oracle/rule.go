// Package oracle provides risk scoring oracles: a local one backed by the
// CEL rule engine and a client for a remote inference endpoint.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/rules"
)

// Score floors applied when any rule lands in a fail or review band.
const (
	FailFloor   = 75
	ReviewFloor = 40
)

// RuleStore persists the rule set used by RuleOracle.
type RuleStore interface {
	SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error)
}

// RuleOracle scores transactions with the loaded CEL rule set.
type RuleOracle struct {
	engine *rules.Engine
	store  RuleStore
}

// NewRuleOracle creates a rule oracle. store may be nil, in which case
// only rules loaded directly into engine are used.
func NewRuleOracle(engine *rules.Engine, store RuleStore) *RuleOracle {
	return &RuleOracle{engine: engine, store: store}
}

// Bootstrap seeds the built-in rules into an empty store and loads the
// stored rule set into the engine.
func (o *RuleOracle) Bootstrap(ctx context.Context) error {
	if o.store == nil {
		return o.engine.ReloadRules(rules.BuiltinRules())
	}

	existing, err := o.store.ListRuleConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}
	if len(existing) == 0 {
		for _, r := range rules.BuiltinRules() {
			if err := o.store.SaveRuleConfig(ctx, r); err != nil {
				return fmt.Errorf("failed to seed rule %s: %w", r.ID, err)
			}
		}
		slog.Info("seeded built-in rules", "count", len(rules.BuiltinRules()))
	}

	_, err = o.Reload(ctx)
	return err
}

// Reload replaces the engine's rule set with the stored one and returns
// the number of rules loaded.
func (o *RuleOracle) Reload(ctx context.Context) (int, error) {
	if o.store == nil {
		return o.engine.RulesCount(), nil
	}

	configs, err := o.store.ListRuleConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list rules: %w", err)
	}
	if err := o.engine.ReloadRules(configs); err != nil {
		return 0, err
	}

	slog.Info("rules reloaded", "count", o.engine.RulesCount())
	return o.engine.RulesCount(), nil
}

// SaveRule validates and stores a rule, then reloads the rule set.
func (o *RuleOracle) SaveRule(ctx context.Context, rule *domain.RuleConfig) error {
	if err := o.engine.ValidateRule(rule); err != nil {
		return &InvalidRuleError{Err: err}
	}
	if o.store == nil {
		return o.engine.LoadRule(rule)
	}
	if err := o.store.SaveRuleConfig(ctx, rule); err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}
	_, err := o.Reload(ctx)
	return err
}

// Rules returns the loaded rule set ordered by id.
func (o *RuleOracle) Rules() []*domain.RuleConfig {
	return o.engine.LoadedRules()
}

// Rule returns a stored rule by id.
func (o *RuleOracle) Rule(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	if o.store == nil {
		for _, r := range o.engine.LoadedRules() {
			if r.ID == ruleID {
				return r, nil
			}
		}
		return nil, fmt.Errorf("rule %s not found", ruleID)
	}
	return o.store.GetRuleConfig(ctx, ruleID)
}

// InvalidRuleError means a submitted rule did not compile.
type InvalidRuleError struct {
	Err error
}

func (e *InvalidRuleError) Error() string { return "invalid rule: " + e.Err.Error() }

func (e *InvalidRuleError) Unwrap() error { return e.Err }

// Evaluate runs the rule set against the request and folds the results
// into an assessment.
func (o *RuleOracle) Evaluate(ctx context.Context, req *domain.OracleRequest) (*domain.Assessment, error) {
	results, err := o.engine.Evaluate(ctx, &rules.Input{
		Transaction:   req.Transaction,
		VelocityCount: req.Hints.VelocityCount,
		Timestamp:     req.Hints.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.New("no rules loaded")
	}

	agg := aggregate(results)
	if agg.Evaluated == 0 {
		return nil, fmt.Errorf("all %d rules failed to evaluate", len(results))
	}
	for _, r := range results {
		if r.SubRuleRef == domain.RuleOutcomeError {
			slog.Warn("rule evaluation failed",
				"rule_id", r.RuleID,
				"tx_id", r.TxID,
				"reason", r.Reason,
			)
		}
	}

	score := agg.RiskScore()
	return &domain.Assessment{
		RiskScore:       &score,
		Status:          agg.SuggestedStatus(),
		FraudIndicators: agg.Indicators,
		Explanation:     agg.Explanation(),
	}, nil
}

// aggregateResult holds the folded rule results.
type aggregateResult struct {
	WeightedScore float64
	TotalWeight   float64
	Evaluated     int
	HasFail       bool
	HasReview     bool
	Indicators    []string
}

// aggregate computes the weighted mean score of the evaluated rules.
// Results are expected in rule id order so indicators are deterministic.
func aggregate(results []domain.RuleResult) *aggregateResult {
	agg := &aggregateResult{Indicators: []string{}}

	for _, r := range results {
		if r.SubRuleRef == domain.RuleOutcomeError {
			continue
		}
		agg.Evaluated++

		weight := r.Weight
		if weight <= 0 {
			weight = 1.0
		}
		agg.WeightedScore += r.Score * weight
		agg.TotalWeight += weight

		switch r.SubRuleRef {
		case domain.RuleOutcomeFail:
			agg.HasFail = true
		case domain.RuleOutcomeReview:
			agg.HasReview = true
		default:
			continue
		}
		reason := r.Reason
		if reason == "" {
			reason = r.RuleID
		}
		agg.Indicators = append(agg.Indicators, reason)
	}

	if agg.TotalWeight > 0 {
		agg.WeightedScore /= agg.TotalWeight
	}
	return agg
}

// RiskScore scales the aggregate to 0-100 and applies the band floors.
func (a *aggregateResult) RiskScore() float64 {
	score := math.Round(a.WeightedScore * 100)
	switch {
	case a.HasFail && score < FailFloor:
		score = FailFloor
	case a.HasReview && score < ReviewFloor:
		score = ReviewFloor
	}
	return math.Max(domain.RiskScoreMin, math.Min(domain.RiskScoreMax, score))
}

func (a *aggregateResult) SuggestedStatus() domain.Status {
	switch {
	case a.HasFail:
		return domain.StatusBlocked
	case a.HasReview:
		return domain.StatusSuspicious
	}
	return domain.StatusSuccess
}

func (a *aggregateResult) Explanation() string {
	if len(a.Indicators) == 0 {
		return fmt.Sprintf("No risk factors detected across %d rules.", a.Evaluated)
	}
	return fmt.Sprintf("Flagged by %d of %d rules: %s.",
		len(a.Indicators), a.Evaluated, strings.Join(a.Indicators, "; "))
}
