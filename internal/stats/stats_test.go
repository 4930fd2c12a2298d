package stats

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/fraudwatch/internal/cache"
	"github.com/opensource-finance/fraudwatch/internal/domain"
)

type listStore struct {
	txs       []*domain.Transaction
	alerts    []*domain.FraudAlert
	txLimit   int
	listCalls int
}

func (s *listStore) CreateTransaction(_ context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	s.txs = append([]*domain.Transaction{tx}, s.txs...)
	return tx, nil
}

func (s *listStore) ListTransactions(_ context.Context, opts domain.ListOptions) ([]*domain.Transaction, error) {
	s.listCalls++
	s.txLimit = opts.Limit
	if opts.Limit < len(s.txs) {
		return s.txs[:opts.Limit], nil
	}
	return s.txs, nil
}

func (s *listStore) CreateAlert(_ context.Context, a *domain.FraudAlert) (*domain.FraudAlert, error) {
	s.alerts = append(s.alerts, a)
	return a, nil
}

func (s *listStore) ListAlerts(_ context.Context, opts domain.ListOptions) ([]*domain.FraudAlert, error) {
	return s.alerts, nil
}

func tx(amount int64, score int, status domain.Status, method string) *domain.Transaction {
	return &domain.Transaction{
		Amount:        decimal.NewFromInt(amount),
		RiskScore:     score,
		Status:        status,
		PaymentMethod: method,
	}
}

func TestSummarize(t *testing.T) {
	txs := []*domain.Transaction{
		tx(500, 10, domain.StatusSuccess, domain.PaymentUPI),
		tx(1500, 45, domain.StatusSuspicious, domain.PaymentUPI),
		tx(90000, 88, domain.StatusBlocked, domain.PaymentCreditCard),
	}
	alerts := []*domain.FraudAlert{
		{Status: domain.AlertPending},
		{Status: domain.AlertPending},
		{Status: domain.AlertResolved},
	}

	s := Summarize(txs, alerts)

	if s.TotalTransactions != 3 || s.SuspiciousCount != 1 || s.BlockedCount != 1 || s.FlaggedCount != 2 {
		t.Errorf("unexpected counts %+v", s)
	}
	if s.FlaggedRate != 66.7 {
		t.Errorf("expected flagged rate 66.7, got %v", s.FlaggedRate)
	}
	if !s.TotalAmount.Equal(decimal.NewFromInt(92000)) {
		t.Errorf("expected total 92000, got %s", s.TotalAmount)
	}
	if s.AverageRiskScore != 47.7 {
		t.Errorf("expected average 47.7, got %v", s.AverageRiskScore)
	}
	if s.UPICount != 2 || s.UPIShare != 67 {
		t.Errorf("expected 2 UPI (67%%), got %d (%v)", s.UPICount, s.UPIShare)
	}
	if s.RiskLevels["low"] != 1 || s.RiskLevels["medium"] != 1 || s.RiskLevels["high"] != 1 {
		t.Errorf("unexpected risk levels %v", s.RiskLevels)
	}
	if s.TotalAlerts != 3 || s.PendingAlerts != 2 {
		t.Errorf("unexpected alert counts %d/%d", s.TotalAlerts, s.PendingAlerts)
	}

	t.Run("Empty", func(t *testing.T) {
		s := Summarize(nil, nil)
		if s.TotalTransactions != 0 || s.FlaggedRate != 0 || s.UPIShare != 0 || !s.TotalAmount.IsZero() {
			t.Errorf("unexpected empty summary %+v", s)
		}
	})
}

func TestServiceCaching(t *testing.T) {
	store := &listStore{txs: []*domain.Transaction{tx(100, 5, domain.StatusSuccess, domain.PaymentUPI)}}
	lru := cache.NewLRUCache(10)
	svc := NewService(store, store, lru, domain.StatsConfig{TransactionWindow: 50, AlertWindow: 20, CacheTTL: time.Minute})
	ctx := context.Background()

	first, err := svc.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if store.txLimit != 50 {
		t.Errorf("expected window of 50, got %d", store.txLimit)
	}

	store.CreateTransaction(ctx, tx(200, 90, domain.StatusBlocked, domain.PaymentWallet))

	second, _ := svc.Summary(ctx)
	if store.listCalls != 1 || second.TotalTransactions != first.TotalTransactions {
		t.Errorf("expected cached summary, got %d list calls", store.listCalls)
	}

	if err := svc.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	third, _ := svc.Summary(ctx)
	if third.TotalTransactions != 2 || third.BlockedCount != 1 {
		t.Errorf("expected fresh summary after invalidation, got %+v", third)
	}
}

func TestServiceWithoutCache(t *testing.T) {
	store := &listStore{}
	svc := NewService(store, store, nil, domain.StatsConfig{})
	ctx := context.Background()

	if _, err := svc.Summary(ctx); err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if store.txLimit != 50 {
		t.Errorf("expected default window of 50, got %d", store.txLimit)
	}
	if err := svc.Invalidate(ctx); err != nil {
		t.Errorf("Invalidate without cache should be a no-op: %v", err)
	}
}
