package pipeline

import (
	"math"

	"github.com/google/uuid"
	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// Classification thresholds on the 0-100 risk score.
const (
	FlagThreshold     = 40 // scores below this are success
	BlockThreshold    = 70 // scores above this are blocked / high_risk
	HighThreshold     = 60
	CriticalThreshold = 80
)

// ClampScore rounds a finite score to the nearest integer inside 0-100.
func ClampScore(score float64) int {
	rounded := math.Round(score)
	switch {
	case rounded < domain.RiskScoreMin:
		return domain.RiskScoreMin
	case rounded > domain.RiskScoreMax:
		return domain.RiskScoreMax
	}
	return int(rounded)
}

// ResolveStatus maps a risk score to a status. The oracle's suggestion is
// honoured only when the score is flaggable and the suggestion is itself
// a flagged status.
func ResolveStatus(score int, suggested domain.Status) domain.Status {
	if score < FlagThreshold {
		return domain.StatusSuccess
	}
	if suggested.Flagged() {
		return suggested
	}
	if score > BlockThreshold {
		return domain.StatusBlocked
	}
	return domain.StatusSuspicious
}

// SeverityFor returns the alert severity for a score, or false when the
// score is below the alerting range.
func SeverityFor(score int) (domain.Severity, bool) {
	switch {
	case score >= CriticalThreshold:
		return domain.SeverityCritical, true
	case score >= HighThreshold:
		return domain.SeverityHigh, true
	case score >= FlagThreshold:
		return domain.SeverityMedium, true
	}
	return "", false
}

// AlertTypeFor returns high_risk above the block threshold, medium_risk otherwise.
func AlertTypeFor(score int) domain.AlertType {
	if score > BlockThreshold {
		return domain.AlertHighRisk
	}
	return domain.AlertMediumRisk
}

// Risk levels used by dashboard summaries.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// RiskLevel buckets a score for display: high above 70, medium above 40.
func RiskLevel(score int) string {
	switch {
	case score > BlockThreshold:
		return RiskHigh
	case score > FlagThreshold:
		return RiskMedium
	}
	return RiskLow
}

// BuildAlert derives the pending alert for an evaluated transaction.
// It returns nil when the transaction's status does not warrant one.
func BuildAlert(tx *domain.Transaction) *domain.FraudAlert {
	if tx == nil || !tx.Status.Flagged() {
		return nil
	}

	severity, ok := SeverityFor(tx.RiskScore)
	if !ok {
		// A flagged status below the alerting range only comes from data
		// written outside this pipeline; alert at the lowest severity.
		severity = domain.SeverityMedium
	}

	return &domain.FraudAlert{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		AlertType:     AlertTypeFor(tx.RiskScore),
		Severity:      severity,
		Description:   tx.AIExplanation,
		Status:        domain.AlertPending,
	}
}
