package domain

import "time"

// RuleConfig defines a fraud detection rule used by the rule-based oracle.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression to evaluate
	Expression string `json:"expression"`

	// Outcome bands for score-to-decision mapping
	Bands []RuleBand `json:"bands"`

	// Rule weight in the aggregate risk score
	Weight float64 `json:"weight"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleBand maps a score range to an outcome.
type RuleBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	SubRuleRef string   `json:"subRuleRef"` // e.g., ".pass", ".fail", ".review"
	Reason     string   `json:"reason"`
}

// RuleResult is the output of a rule evaluation.
type RuleResult struct {
	RuleID     string  `json:"ruleId"`
	TxID       string  `json:"txId"`
	SubRuleRef string  `json:"subRuleRef"` // ".pass", ".fail", ".review", ".err"
	Score      float64 `json:"score"`      // The computed value
	Reason     string  `json:"reason"`
	Weight     float64 `json:"weight"`
	ProcessMs  int64   `json:"processMs"` // Processing time in milliseconds
}

// Predefined rule outcomes
const (
	RuleOutcomePass   = ".pass"
	RuleOutcomeFail   = ".fail"
	RuleOutcomeReview = ".review"
	RuleOutcomeError  = ".err"
)
