// Package stats computes the dashboard summary over recent transactions
// and alerts.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/fraudwatch/internal/cache"
	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/pipeline"
)

const summaryKey = "stats:summary"

// Summary is the dashboard overview.
type Summary struct {
	TotalTransactions int             `json:"total_transactions"`
	SuspiciousCount   int             `json:"suspicious_count"`
	BlockedCount      int             `json:"blocked_count"`
	FlaggedCount      int             `json:"flagged_count"`
	FlaggedRate       float64         `json:"flagged_rate"` // percent, one decimal
	TotalAmount       decimal.Decimal `json:"total_amount"`
	AverageRiskScore  float64         `json:"average_risk_score"`
	UPICount          int             `json:"upi_count"`
	UPIShare          float64         `json:"upi_share"` // percent, whole number
	RiskLevels        map[string]int  `json:"risk_levels"`

	TotalAlerts   int `json:"total_alerts"`
	PendingAlerts int `json:"pending_alerts"`

	GeneratedAt time.Time `json:"generated_at"`
}

// Service builds summaries, caching them for a short TTL.
type Service struct {
	transactions domain.TransactionStore
	alerts       domain.AlertStore
	cache        domain.Cache
	cfg          domain.StatsConfig
	now          func() time.Time
}

// NewService creates a stats service. cache may be nil.
func NewService(transactions domain.TransactionStore, alerts domain.AlertStore, c domain.Cache, cfg domain.StatsConfig) *Service {
	if cfg.TransactionWindow <= 0 {
		cfg.TransactionWindow = pipeline.DefaultTransactionLimit
	}
	if cfg.AlertWindow <= 0 {
		cfg.AlertWindow = pipeline.DefaultAlertLimit
	}
	return &Service{
		transactions: transactions,
		alerts:       alerts,
		cache:        c,
		cfg:          cfg,
		now:          time.Now,
	}
}

// Summary returns the cached summary or computes a fresh one.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	if s.cache != nil && s.cfg.CacheTTL > 0 {
		var cached Summary
		found, err := cache.GetJSON(ctx, s.cache, summaryKey, &cached)
		if err != nil {
			slog.Warn("stats cache read failed", "error", err)
		}
		if found {
			return &cached, nil
		}
	}

	txs, err := s.transactions.ListTransactions(ctx, domain.ListOptions{
		Order: domain.OrderNewestFirst,
		Limit: s.cfg.TransactionWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	alerts, err := s.alerts.ListAlerts(ctx, domain.ListOptions{
		Order: domain.OrderNewestFirst,
		Limit: s.cfg.AlertWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	summary := Summarize(txs, alerts)
	summary.GeneratedAt = s.now().UTC()

	if s.cache != nil && s.cfg.CacheTTL > 0 {
		if err := cache.SetJSON(ctx, s.cache, summaryKey, summary, s.cfg.CacheTTL); err != nil {
			slog.Warn("stats cache write failed", "error", err)
		}
	}
	return summary, nil
}

// Invalidate drops the cached summary.
func (s *Service) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, summaryKey)
}

// Summarize folds the given transactions and alerts into a summary.
func Summarize(txs []*domain.Transaction, alerts []*domain.FraudAlert) *Summary {
	s := &Summary{
		TotalTransactions: len(txs),
		TotalAmount:       decimal.Zero,
		RiskLevels: map[string]int{
			pipeline.RiskLow:    0,
			pipeline.RiskMedium: 0,
			pipeline.RiskHigh:   0,
		},
		TotalAlerts: len(alerts),
	}

	var scoreSum int
	for _, tx := range txs {
		switch tx.Status {
		case domain.StatusSuspicious:
			s.SuspiciousCount++
		case domain.StatusBlocked:
			s.BlockedCount++
		}
		if tx.PaymentMethod == domain.PaymentUPI {
			s.UPICount++
		}
		s.TotalAmount = s.TotalAmount.Add(tx.Amount)
		scoreSum += tx.RiskScore
		s.RiskLevels[pipeline.RiskLevel(tx.RiskScore)]++
	}
	s.FlaggedCount = s.SuspiciousCount + s.BlockedCount

	if n := len(txs); n > 0 {
		s.AverageRiskScore = roundTo(float64(scoreSum)/float64(n), 1)
		s.FlaggedRate = roundTo(float64(s.FlaggedCount)/float64(n)*100, 1)
		s.UPIShare = math.Round(float64(s.UPICount) / float64(n) * 100)
	}

	for _, a := range alerts {
		if a.Status == domain.AlertPending {
			s.PendingAlerts++
		}
	}
	return s
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
