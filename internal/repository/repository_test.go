package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "fraudwatch-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	// Deterministic, strictly increasing clock
	sqlRepo := repo.(*SQLRepository)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	sqlRepo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return sqlRepo
}

func evaluatedTx(id, userID string, score int, status domain.Status) *domain.Transaction {
	return &domain.Transaction{
		ID:               id,
		UserID:           userID,
		Amount:           decimal.RequireFromString("1234.50"),
		Currency:         "INR",
		MerchantName:     "Big Bazaar",
		MerchantCategory: "grocery",
		LocationCity:     "Mumbai",
		LocationState:    "Maharashtra",
		PaymentMethod:    domain.PaymentUPI,
		UPIVPA:           "user@okaxis",
		RiskScore:        score,
		Status:           status,
		FraudIndicators:  []string{"new device"},
		AIExplanation:    "explained",
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("CreateAndGetTransaction", func(t *testing.T) {
		tx := evaluatedTx("TXN-1", "user-1", 12, domain.StatusSuccess)

		stored, err := repo.CreateTransaction(ctx, tx)
		if err != nil {
			t.Fatalf("CreateTransaction failed: %v", err)
		}
		if stored.CreatedDate.IsZero() {
			t.Error("expected created_date to be assigned by the store")
		}
		if !tx.CreatedDate.IsZero() {
			t.Error("input transaction should not be mutated")
		}

		got, err := repo.GetTransaction(ctx, "TXN-1")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if !got.Amount.Equal(tx.Amount) {
			t.Errorf("expected amount %s, got %s", tx.Amount, got.Amount)
		}
		if got.Status != domain.StatusSuccess || got.RiskScore != 12 {
			t.Errorf("unexpected evaluation fields: %+v", got)
		}
		if len(got.FraudIndicators) != 1 || got.FraudIndicators[0] != "new device" {
			t.Errorf("unexpected indicators: %v", got.FraudIndicators)
		}
		if !got.CreatedDate.Equal(stored.CreatedDate) {
			t.Errorf("created_date mismatch: %v vs %v", got.CreatedDate, stored.CreatedDate)
		}
	})

	t.Run("RejectsUnevaluated", func(t *testing.T) {
		tx := evaluatedTx("TXN-raw", "user-1", 0, "")
		if _, err := repo.CreateTransaction(ctx, tx); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		tx := evaluatedTx("TXN-1", "user-1", 12, domain.StatusSuccess)
		if _, err := repo.CreateTransaction(ctx, tx); !errors.Is(err, domain.ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetTransaction(ctx, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestListTransactionsOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"TXN-a", "TXN-b", "TXN-c"} {
		if _, err := repo.CreateTransaction(ctx, evaluatedTx(id, "user-1", 10, domain.StatusSuccess)); err != nil {
			t.Fatalf("CreateTransaction(%s) failed: %v", id, err)
		}
	}

	t.Run("NewestFirst", func(t *testing.T) {
		txs, err := repo.ListTransactions(ctx, domain.ListOptions{Order: domain.OrderNewestFirst, Limit: 2})
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(txs) != 2 || txs[0].ID != "TXN-c" || txs[1].ID != "TXN-b" {
			t.Errorf("unexpected order: %v", ids(txs))
		}
	})

	t.Run("DefaultOrderIsNewestFirst", func(t *testing.T) {
		txs, err := repo.ListTransactions(ctx, domain.ListOptions{})
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(txs) != 3 || txs[0].ID != "TXN-c" {
			t.Errorf("unexpected order: %v", ids(txs))
		}
	})

	t.Run("OldestFirst", func(t *testing.T) {
		txs, err := repo.ListTransactions(ctx, domain.ListOptions{Order: domain.OrderOldestFirst})
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(txs) != 3 || txs[0].ID != "TXN-a" || txs[2].ID != "TXN-c" {
			t.Errorf("unexpected order: %v", ids(txs))
		}
	})
}

func TestAlertsAndReconciliationQuery(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	mustCreate := func(tx *domain.Transaction) {
		t.Helper()
		if _, err := repo.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("CreateTransaction(%s) failed: %v", tx.ID, err)
		}
	}
	mustCreate(evaluatedTx("TXN-ok", "user-1", 10, domain.StatusSuccess))
	mustCreate(evaluatedTx("TXN-sus", "user-1", 55, domain.StatusSuspicious))
	mustCreate(evaluatedTx("TXN-blk", "user-2", 90, domain.StatusBlocked))

	alert := &domain.FraudAlert{
		ID:            "alert-1",
		TransactionID: "TXN-sus",
		AlertType:     domain.AlertMediumRisk,
		Severity:      domain.SeverityMedium,
		Description:   "explained",
		Status:        domain.AlertPending,
	}

	t.Run("CreateAlert", func(t *testing.T) {
		stored, err := repo.CreateAlert(ctx, alert)
		if err != nil {
			t.Fatalf("CreateAlert failed: %v", err)
		}
		if stored.CreatedDate.IsZero() {
			t.Error("expected created_date to be assigned")
		}
	})

	t.Run("ListAlerts", func(t *testing.T) {
		alerts, err := repo.ListAlerts(ctx, domain.ListOptions{Limit: 20})
		if err != nil {
			t.Fatalf("ListAlerts failed: %v", err)
		}
		if len(alerts) != 1 {
			t.Fatalf("expected 1 alert, got %d", len(alerts))
		}
		got := alerts[0]
		if got.TransactionID != "TXN-sus" || got.Severity != domain.SeverityMedium || got.Status != domain.AlertPending {
			t.Errorf("unexpected alert: %+v", got)
		}
	})

	t.Run("SecondAlertForTransaction", func(t *testing.T) {
		dup := *alert
		dup.ID = "alert-2"
		if _, err := repo.CreateAlert(ctx, &dup); !errors.Is(err, domain.ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
		alerts, _ := repo.ListAlerts(ctx, domain.ListOptions{})
		if len(alerts) != 1 {
			t.Errorf("expected a single alert to remain, got %d", len(alerts))
		}
	})

	t.Run("ListUnalertedFlagged", func(t *testing.T) {
		txs, err := repo.ListUnalertedFlagged(ctx, time.Time{}, 10)
		if err != nil {
			t.Fatalf("ListUnalertedFlagged failed: %v", err)
		}
		if len(txs) != 1 || txs[0].ID != "TXN-blk" {
			t.Errorf("expected only TXN-blk, got %v", ids(txs))
		}
	})

	t.Run("ListUnalertedFlaggedCutoff", func(t *testing.T) {
		// TXN-blk was stored at base+3s.
		base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

		txs, err := repo.ListUnalertedFlagged(ctx, base.Add(3*time.Second), 10)
		if err != nil {
			t.Fatalf("ListUnalertedFlagged failed: %v", err)
		}
		if len(txs) != 0 {
			t.Errorf("expected transactions at the cutoff to be skipped, got %v", ids(txs))
		}

		txs, err = repo.ListUnalertedFlagged(ctx, base.Add(time.Minute), 10)
		if err != nil {
			t.Fatalf("ListUnalertedFlagged failed: %v", err)
		}
		if len(txs) != 1 || txs[0].ID != "TXN-blk" {
			t.Errorf("expected TXN-blk once past the cutoff, got %v", ids(txs))
		}
	})

	t.Run("CountUserTransactions", func(t *testing.T) {
		n, err := repo.CountUserTransactions(ctx, "user-1", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("CountUserTransactions failed: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2, got %d", n)
		}

		n, err = repo.CountUserTransactions(ctx, "user-1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("CountUserTransactions failed: %v", err)
		}
		if n != 0 {
			t.Errorf("expected 0 after window, got %d", n)
		}
	})
}

func TestRuleConfigs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	upper := 50000.0
	rule := &domain.RuleConfig{
		ID:         "high-value",
		Name:       "High value",
		Version:    "1.0.0",
		Expression: "amount",
		Bands:      []domain.RuleBand{{UpperLimit: &upper, SubRuleRef: domain.RuleOutcomePass}},
		Weight:     1.5,
		Enabled:    true,
	}

	if err := repo.SaveRuleConfig(ctx, rule); err != nil {
		t.Fatalf("SaveRuleConfig failed: %v", err)
	}

	rule.Name = "High value (updated)"
	if err := repo.SaveRuleConfig(ctx, rule); err != nil {
		t.Fatalf("SaveRuleConfig upsert failed: %v", err)
	}

	got, err := repo.GetRuleConfig(ctx, "high-value")
	if err != nil {
		t.Fatalf("GetRuleConfig failed: %v", err)
	}
	if got.Name != "High value (updated)" || got.Weight != 1.5 || len(got.Bands) != 1 {
		t.Errorf("unexpected rule: %+v", got)
	}

	list, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		t.Fatalf("ListRuleConfigs failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 rule, got %d", len(list))
	}

	if _, err := repo.GetRuleConfig(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "fw", PostgresPassword: "p'w"})
	want := `host=localhost port=5432 dbname=fraudwatch sslmode=disable application_name=fraudwatch user=fw password='p\'w'`
	if dsn != want {
		t.Errorf("postgresDSN = %q, want %q", dsn, want)
	}
}

func TestPrefixed(t *testing.T) {
	got := prefixed("t.", "id, user_id,\n\tamount")
	if got != "t.id, t.user_id,\n\tt.amount" {
		t.Errorf("prefixed = %q", got)
	}
}

func ids(txs []*domain.Transaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.ID
	}
	return out
}
