package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/fraudwatch/internal/bus"
	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/pipeline"
	"github.com/opensource-finance/fraudwatch/internal/repository"
)

func newRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "reconcile-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seed(t *testing.T, repo domain.Repository, id string, score int, status domain.Status) {
	t.Helper()
	_, err := repo.CreateTransaction(context.Background(), &domain.Transaction{
		ID:            id,
		UserID:        "user-001",
		Amount:        decimal.NewFromInt(64000),
		Currency:      "INR",
		MerchantName:  "Tanishq",
		LocationCity:  "Jaipur",
		LocationState: "Rajasthan",
		PaymentMethod: domain.PaymentCreditCard,
		RiskScore:     score,
		Status:        status,
		AIExplanation: "High-value jewellery purchase",
	})
	if err != nil {
		t.Fatalf("failed to seed %s: %v", id, err)
	}
}

// pastGrace moves the reconciler's clock far enough ahead that freshly
// seeded transactions are eligible.
func pastGrace(r *Reconciler) *Reconciler {
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	return r
}

func TestRunOnce(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	seed(t, repo, "TXN-OK", 12, domain.StatusSuccess)
	seed(t, repo, "TXN-SUS", 52, domain.StatusSuspicious)
	seed(t, repo, "TXN-BLK", 91, domain.StatusBlocked)

	r := pastGrace(New(repo, nil, domain.ReconcilerConfig{BatchSize: 10}))

	n, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 repairs, got %d", n)
	}

	alerts, _ := repo.ListAlerts(ctx, domain.ListOptions{Order: domain.OrderOldestFirst})
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	byTx := map[string]*domain.FraudAlert{}
	for _, a := range alerts {
		byTx[a.TransactionID] = a
	}
	if a := byTx["TXN-BLK"]; a == nil || a.Severity != domain.SeverityCritical || a.AlertType != domain.AlertHighRisk {
		t.Errorf("unexpected alert for blocked transaction: %+v", a)
	}
	if a := byTx["TXN-SUS"]; a == nil || a.Severity != domain.SeverityMedium || a.AlertType != domain.AlertMediumRisk {
		t.Errorf("unexpected alert for suspicious transaction: %+v", a)
	}
	if _, ok := byTx["TXN-OK"]; ok {
		t.Error("success transaction must not be alerted")
	}

	t.Run("Idempotent", func(t *testing.T) {
		n, err := r.RunOnce(ctx)
		if err != nil || n != 0 {
			t.Errorf("expected nothing left to repair, got %d, %v", n, err)
		}
	})
}

func TestRunOnceBatch(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	for _, id := range []string{"TXN-1", "TXN-2", "TXN-3"} {
		seed(t, repo, id, 75, domain.StatusBlocked)
	}

	r := pastGrace(New(repo, nil, domain.ReconcilerConfig{BatchSize: 2}))
	if n, _ := r.RunOnce(ctx); n != 2 {
		t.Errorf("expected first pass to repair 2, got %d", n)
	}
	if n, _ := r.RunOnce(ctx); n != 1 {
		t.Errorf("expected second pass to repair 1, got %d", n)
	}
}

type failingAlerts struct {
	domain.Repository
}

func (failingAlerts) CreateAlert(context.Context, *domain.FraudAlert) (*domain.FraudAlert, error) {
	return nil, errors.New("alerts table locked")
}

func TestRunOnceWriteFailure(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, "TXN-BLK", 91, domain.StatusBlocked)

	r := pastGrace(New(failingAlerts{repo}, nil, domain.ReconcilerConfig{}))
	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("write failures should not fail the pass: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 repairs, got %d", n)
	}

	pending, _ := repo.ListUnalertedFlagged(context.Background(), time.Time{}, 10)
	if len(pending) != 1 {
		t.Errorf("expected transaction to remain pending, got %d", len(pending))
	}
}

func TestRunOnceGracePeriod(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, "TXN-BLK", 91, domain.StatusBlocked)

	r := New(repo, nil, domain.ReconcilerConfig{GracePeriod: time.Minute})
	if n, err := r.RunOnce(context.Background()); err != nil || n != 0 {
		t.Errorf("expected a fresh transaction to be left alone, got %d, %v", n, err)
	}

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n, err := r.RunOnce(context.Background()); err != nil || n != 1 {
		t.Errorf("expected the transaction to be repaired after the grace period, got %d, %v", n, err)
	}
}

type duplicateAlerts struct {
	domain.Repository
}

func (duplicateAlerts) CreateAlert(_ context.Context, alert *domain.FraudAlert) (*domain.FraudAlert, error) {
	return nil, fmt.Errorf("%w: alert for transaction %s", domain.ErrDuplicate, alert.TransactionID)
}

func TestRunOnceAlreadyAlerted(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, "TXN-BLK", 91, domain.StatusBlocked)

	r := pastGrace(New(duplicateAlerts{repo}, nil, domain.ReconcilerConfig{}))
	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("a conflicting alert should not fail the pass: %v", err)
	}
	if n != 0 {
		t.Errorf("an existing alert is not a repair, got %d", n)
	}
}

// staticOracle answers every request with the same assessment.
type staticOracle struct {
	score  float64
	status domain.Status
}

func (o staticOracle) Evaluate(context.Context, *domain.OracleRequest) (*domain.Assessment, error) {
	score := o.score
	return &domain.Assessment{
		RiskScore:       &score,
		Status:          o.status,
		FraudIndicators: []string{"high value"},
		Explanation:     "High-value purchase",
	}, nil
}

// interleavingAlerts runs a reconcile pass after the pipeline has stored the
// transaction but before its alert is written.
type interleavingAlerts struct {
	domain.Repository
	reconciler *Reconciler
	t          *testing.T
}

func (s interleavingAlerts) CreateAlert(ctx context.Context, alert *domain.FraudAlert) (*domain.FraudAlert, error) {
	if _, err := s.reconciler.RunOnce(ctx); err != nil {
		s.t.Errorf("interleaved pass failed: %v", err)
	}
	return s.Repository.CreateAlert(ctx, alert)
}

func TestPassBetweenTransactionAndAlert(t *testing.T) {
	submission := domain.RawTransaction{
		UserID:        "user-002",
		Amount:        "90000",
		MerchantName:  "Croma",
		LocationCity:  "Mumbai",
		LocationState: "Maharashtra",
		PaymentMethod: domain.PaymentCreditCard,
	}

	tests := []struct {
		name      string
		configure func(*Reconciler)
		wantAlert bool
	}{
		// The transaction is younger than the grace period, so the pass skips it.
		{"WithinGrace", func(*Reconciler) {}, true},
		// The pass sees it and writes first; the pipeline's write conflicts.
		{"PastGrace", func(r *Reconciler) { pastGrace(r) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newRepo(t)
			ctx := context.Background()

			r := New(repo, nil, domain.ReconcilerConfig{})
			tt.configure(r)
			store := interleavingAlerts{Repository: repo, reconciler: r, t: t}

			p, err := pipeline.New(pipeline.Config{
				Oracle:       staticOracle{score: 85, status: domain.StatusBlocked},
				Transactions: store,
				Alerts:       store,
			})
			if err != nil {
				t.Fatalf("pipeline.New failed: %v", err)
			}

			eval, err := p.EvaluateAndRecord(ctx, submission)
			if err != nil {
				t.Fatalf("EvaluateAndRecord failed: %v", err)
			}
			if eval.ReconciliationRequired || eval.AlertError != nil {
				t.Errorf("expected no reconciliation, got %+v", eval)
			}
			if (eval.Alert != nil) != tt.wantAlert {
				t.Errorf("expected alert on result = %v, got %+v", tt.wantAlert, eval.Alert)
			}

			alerts, _ := repo.ListAlerts(ctx, domain.ListOptions{})
			if len(alerts) != 1 {
				t.Fatalf("expected exactly 1 alert, got %d", len(alerts))
			}
			if alerts[0].TransactionID != eval.Transaction.ID {
				t.Errorf("alert references %s, want %s", alerts[0].TransactionID, eval.Transaction.ID)
			}
		})
	}
}

func TestEventForUnknownTransaction(t *testing.T) {
	repo := newRepo(t)
	r := New(repo, nil, domain.ReconcilerConfig{})

	payload, _ := json.Marshal(domain.ReconcileEvent{TransactionID: "TXN-GONE"})
	if err := r.handleEvent(context.Background(), &domain.Message{ID: "m1", Payload: payload}); err != nil {
		t.Errorf("expected unknown transaction to be dropped, got %v", err)
	}
}

func TestEventTriggeredPass(t *testing.T) {
	repo := newRepo(t)
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	r := New(repo, eventBus, domain.ReconcilerConfig{Interval: time.Hour})
	if err := r.Start(eventBus); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop()

	created := make(chan string, 1)
	sub, _ := eventBus.Subscribe(context.Background(), domain.TopicAlertCreated, func(_ context.Context, msg *domain.Message) error {
		created <- msg.Topic
		return nil
	})
	defer sub.Unsubscribe()

	seed(t, repo, "TXN-BLK", 91, domain.StatusBlocked)
	ctx := context.Background()
	if err := bus.PublishJSON(ctx, eventBus, domain.TopicAlertReconcile, domain.ReconcileEvent{TransactionID: "TXN-BLK"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case <-created:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconciled alert")
	}

	pending, _ := repo.ListUnalertedFlagged(ctx, time.Time{}, 10)
	if len(pending) != 0 {
		t.Errorf("expected no pending transactions, got %d", len(pending))
	}
}

func TestPeriodicPass(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, "TXN-SUS", 48, domain.StatusSuspicious)

	r := pastGrace(New(repo, nil, domain.ReconcilerConfig{Interval: 20 * time.Millisecond}))
	if err := r.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending, _ := repo.ListUnalertedFlagged(context.Background(), time.Time{}, 10)
		if len(pending) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("periodic pass did not repair the transaction")
}
