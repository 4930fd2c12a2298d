package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/bus"
	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/oracle"
	"github.com/opensource-finance/fraudwatch/internal/pipeline"
	"github.com/opensource-finance/fraudwatch/internal/repository"
	"github.com/opensource-finance/fraudwatch/internal/rules"
)

type harness struct {
	bus      *bus.ChannelBus
	repo     domain.Repository
	pipeline *pipeline.Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "worker-test-*.db")
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

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	engine, _ := rules.NewEngine(4)
	ro := oracle.NewRuleOracle(engine, repo)
	if err := ro.Bootstrap(context.Background()); err != nil {
		t.Fatalf("failed to bootstrap rules: %v", err)
	}

	p, err := pipeline.New(pipeline.Config{
		Oracle:       ro,
		Transactions: repo,
		Alerts:       repo,
		Events:       eventBus,
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	return &harness{bus: eventBus, repo: repo, pipeline: p}
}

func submission(id, amount string) domain.RawTransaction {
	return domain.RawTransaction{
		TransactionID:    id,
		UserID:           "user-001",
		Amount:           amount,
		MerchantName:     "Croma",
		MerchantCategory: "electronics",
		LocationCity:     "Kolkata",
		LocationState:    "West Bengal",
		PaymentMethod:    domain.PaymentDebitCard,
		BankName:         "SBI",
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorker(t *testing.T) {
	h := newHarness(t)

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(h.bus, h.pipeline)
		if err := w.Start(Config{WorkerCount: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicTransactionSubmitted {
			t.Errorf("unexpected topic %s", stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected 0 subscriptions after stop")
		}
	})

	t.Run("EvaluatesEnqueuedTransaction", func(t *testing.T) {
		w := NewWorker(h.bus, h.pipeline)
		w.Start(Config{WorkerCount: 1})
		defer w.Stop()

		var evaluated atomic.Value
		sub, _ := h.bus.Subscribe(context.Background(), domain.TopicTransactionEvaluated, func(_ context.Context, msg *domain.Message) error {
			var tx domain.Transaction
			if err := json.Unmarshal(msg.Payload, &tx); err != nil {
				return err
			}
			evaluated.Store(&tx)
			return nil
		})
		defer sub.Unsubscribe()

		id, err := h.pipeline.Enqueue(context.Background(), submission("", "75000"))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		waitFor(t, func() bool { return evaluated.Load() != nil })

		tx := evaluated.Load().(*domain.Transaction)
		if tx.ID != id {
			t.Errorf("expected %s, got %s", id, tx.ID)
		}
		if tx.Status != domain.StatusBlocked {
			t.Errorf("expected blocked for ₹75,000 electronics, got %s (score %d)", tx.Status, tx.RiskScore)
		}

		stored, err := h.repo.GetTransaction(context.Background(), id)
		if err != nil {
			t.Fatalf("transaction not stored: %v", err)
		}
		if stored.AIExplanation == "" {
			t.Error("stored transaction lacks an explanation")
		}
	})

	t.Run("QueueGroupEvaluatesOnce", func(t *testing.T) {
		w := NewWorker(h.bus, h.pipeline)
		w.Start(Config{WorkerCount: 3})
		defer w.Stop()

		ctx := context.Background()
		for i := 0; i < 10; i++ {
			raw := submission(fmt.Sprintf("TXN-Q-%d", i), "450")
			if err := bus.PublishJSON(ctx, h.bus, domain.TopicTransactionSubmitted, raw); err != nil {
				t.Fatalf("publish failed: %v", err)
			}
		}

		waitFor(t, func() bool { return w.GetStats().Processed == 10 })

		time.Sleep(50 * time.Millisecond)
		if stats := w.GetStats(); stats.Processed != 10 || stats.Failed != 0 {
			t.Errorf("expected 10 processed and 0 failed, got %+v", stats)
		}
	})

	t.Run("InvalidPayloads", func(t *testing.T) {
		w := NewWorker(h.bus, h.pipeline)
		w.Start(Config{WorkerCount: 1})
		defer w.Stop()

		ctx := context.Background()
		h.bus.Publish(ctx, domain.TopicTransactionSubmitted, []byte("not json"))
		bus.PublishJSON(ctx, h.bus, domain.TopicTransactionSubmitted, domain.RawTransaction{Amount: "-3"})

		waitFor(t, func() bool { return w.GetStats().Failed == 2 })
		if w.GetStats().Processed != 0 {
			t.Errorf("expected nothing processed, got %d", w.GetStats().Processed)
		}
	})
}

// failingEvaluator fails every submission with the error registered for its
// transaction id.
type failingEvaluator struct {
	errs map[string]error
}

func (e failingEvaluator) EvaluateAndRecord(_ context.Context, raw domain.RawTransaction) (*pipeline.Evaluation, error) {
	return nil, e.errs[raw.TransactionID]
}

func TestFailureEvents(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	evaluator := failingEvaluator{errs: map[string]error{
		"TXN-TIMEOUT": &domain.OracleError{Timeout: true, Reason: "deadline exceeded", Err: context.DeadlineExceeded},
		"TXN-DISK":    &domain.TransactionPersistError{TransactionID: "TXN-DISK", Err: errors.New("disk full")},
		"TXN-DUP":     fmt.Errorf("%w: transaction TXN-DUP", domain.ErrDuplicate),
		"TXN-BAD":     &domain.ValidationError{Fields: []string{"amount"}, Reasons: map[string]string{"amount": "is required"}},
	}}

	events := make(chan domain.FailedEvent, 10)
	sub, err := eventBus.Subscribe(context.Background(), domain.TopicTransactionFailed, func(_ context.Context, msg *domain.Message) error {
		var ev domain.FailedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		events <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	w := NewWorker(eventBus, evaluator)
	if err := w.Start(Config{WorkerCount: 1}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	ctx := context.Background()
	for _, id := range []string{"TXN-TIMEOUT", "TXN-DISK", "TXN-DUP", "TXN-BAD"} {
		if err := bus.PublishJSON(ctx, eventBus, domain.TopicTransactionSubmitted, submission(id, "450")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	eventBus.Publish(ctx, domain.TopicTransactionSubmitted, []byte("not json"))

	got := map[string]domain.FailedEvent{}
	for len(got) < 5 {
		select {
		case ev := <-events:
			got[ev.TransactionID] = ev
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for failure events, got %v", got)
		}
	}

	tests := []struct {
		id        string
		reason    string
		retryable bool
	}{
		{"TXN-TIMEOUT", domain.FailureOracle, true},
		{"TXN-DISK", domain.FailurePersist, true},
		{"TXN-DUP", domain.FailureDuplicate, false},
		{"TXN-BAD", domain.FailureValidation, false},
		{"", domain.FailureMalformed, false},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			ev, ok := got[tt.id]
			if !ok {
				t.Fatalf("no failure event for %q", tt.id)
			}
			if ev.Reason != tt.reason || ev.Retryable != tt.retryable {
				t.Errorf("expected %s/%v, got %s/%v", tt.reason, tt.retryable, ev.Reason, ev.Retryable)
			}
			if ev.Error == "" {
				t.Error("expected the cause to be reported")
			}
		})
	}

	if stats := w.GetStats(); stats.Failed != 5 || stats.Processed != 0 {
		t.Errorf("expected 5 failed and 0 processed, got %+v", stats)
	}
}
