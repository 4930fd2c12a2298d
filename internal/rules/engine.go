// Package rules provides the CEL-Go based rule evaluation engine used by
// the local risk oracle.
package rules

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// IST is the zone rule expressions see through the hour variable.
var IST = time.FixedZone("IST", 5*60*60+30*60)

// Engine is the CEL-based rule evaluation engine.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*CompiledRule
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// Input is what a rule set is evaluated against.
type Input struct {
	Transaction   domain.TransactionAttributes
	VelocityCount int64
	Timestamp     time.Time
}

// NewEngine creates a rule engine evaluating at most maxWorkers rules at once.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("merchant_name", cel.StringType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("location_city", cel.StringType),
		cel.Variable("location_state", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("upi_vpa", cel.StringType),
		cel.Variable("bank_name", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("velocity_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		compiled:   make(map[string]*CompiledRule),
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule, replacing any rule with the same id.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiled[cfg.ID] = compiled
	e.mu.Unlock()
	return nil
}

// LoadRules compiles and loads every enabled rule.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := e.LoadRule(cfg); err != nil {
			return err
		}
	}
	return nil
}

// ReloadRules atomically replaces the loaded rule set. On a compile error
// the previous set stays in place.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	next := make(map[string]*CompiledRule, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	e.mu.Lock()
	e.compiled = next
	e.mu.Unlock()
	return nil
}

// Evaluate runs every loaded rule in parallel. Results are ordered by rule id.
func (e *Engine) Evaluate(ctx context.Context, input *Input) ([]domain.RuleResult, error) {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiled))
	for _, r := range e.compiled {
		rules = append(rules, r)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil, nil
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })

	activation := buildActivation(input)
	results := make([]domain.RuleResult, len(rules))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[idx] = errorResult(r, input, ctx.Err())
				return
			}
			defer func() { <-sem }()

			results[idx] = evaluateRule(r, activation, input)
		}(i, rule)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func buildActivation(input *Input) map[string]any {
	tx := input.Transaction
	ts := input.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return map[string]any{
		"tx": map[string]any{
			"transaction_id":    tx.TransactionID,
			"user_id":           tx.UserID,
			"amount":            tx.Amount,
			"currency":          tx.Currency,
			"merchant_name":     tx.MerchantName,
			"merchant_category": tx.MerchantCategory,
			"location_city":     tx.LocationCity,
			"location_state":    tx.LocationState,
			"payment_method":    tx.PaymentMethod,
			"upi_vpa":           tx.UPIVPA,
			"bank_name":         tx.BankName,
		},
		"amount":            tx.Amount,
		"currency":          tx.Currency,
		"user_id":           tx.UserID,
		"merchant_name":     tx.MerchantName,
		"merchant_category": tx.MerchantCategory,
		"location_city":     tx.LocationCity,
		"location_state":    tx.LocationState,
		"payment_method":    tx.PaymentMethod,
		"upi_vpa":           tx.UPIVPA,
		"bank_name":         tx.BankName,
		"hour":              int64(ts.In(IST).Hour()),
		"velocity_count":    input.VelocityCount,
	}
}

func evaluateRule(rule *CompiledRule, activation map[string]any, input *Input) domain.RuleResult {
	start := time.Now()

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		return errorResult(rule, input, err)
	}

	score := toScore(out)
	outcome, reason := matchBand(score, rule.Config.Bands)
	return domain.RuleResult{
		RuleID:     rule.Config.ID,
		TxID:       input.Transaction.TransactionID,
		SubRuleRef: outcome,
		Score:      score,
		Reason:     reason,
		Weight:     rule.Config.Weight,
		ProcessMs:  time.Since(start).Milliseconds(),
	}
}

func errorResult(rule *CompiledRule, input *Input, err error) domain.RuleResult {
	return domain.RuleResult{
		RuleID:     rule.Config.ID,
		TxID:       input.Transaction.TransactionID,
		SubRuleRef: domain.RuleOutcomeError,
		Reason:     fmt.Sprintf("evaluation error: %v", err),
		Weight:     rule.Config.Weight,
	}
}

// toScore converts a CEL value to a numeric score. Non-finite values score 0.
func toScore(val ref.Val) float64 {
	var f float64
	switch v := val.(type) {
	case types.Bool:
		if v {
			f = 1
		}
	case types.Double:
		f = float64(v)
	case types.Int:
		f = float64(v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// matchBand returns the first band with lower <= score < upper.
// A nil lower is unbounded below and a nil upper is unbounded above.
func matchBand(score float64, bands []domain.RuleBand) (string, string) {
	for _, band := range bands {
		if band.LowerLimit != nil && score < *band.LowerLimit {
			continue
		}
		if band.UpperLimit != nil && score >= *band.UpperLimit {
			continue
		}
		return band.SubRuleRef, band.Reason
	}
	return domain.RuleOutcomePass, "no matching band"
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// LoadedRules returns the loaded rule configurations ordered by id.
func (e *Engine) LoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.RuleConfig, 0, len(e.compiled))
	for _, c := range e.compiled {
		out = append(out, c.Config)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close unloads all rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{Config: cfg, Program: program}, nil
}
