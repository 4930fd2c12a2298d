// Package worker evaluates transactions submitted through the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/bus"
	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/pipeline"
)

// QueueGroup is the bus queue group shared by all evaluation workers, so
// each submission is evaluated once.
const QueueGroup = "fraudwatch-evaluators"

// Evaluator runs one submission through the pipeline.
type Evaluator interface {
	EvaluateAndRecord(ctx context.Context, raw domain.RawTransaction) (*pipeline.Evaluation, error)
}

// Worker consumes fraudwatch.transaction.submitted events.
type Worker struct {
	bus       domain.EventBus
	evaluator Evaluator

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// WorkerCount is the number of concurrent consumers in the queue group
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, evaluator Evaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		evaluator: evaluator,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes WorkerCount consumers to the submission topic.
func (w *Worker) Start(cfg Config) error {
	count := cfg.WorkerCount
	if count <= 0 {
		count = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for i := 0; i < count; i++ {
		sub, err := w.bus.QueueSubscribe(w.ctx, domain.TopicTransactionSubmitted, QueueGroup, w.handleMessage)
		if err != nil {
			for _, s := range w.subscriptions {
				_ = s.Unsubscribe()
			}
			w.subscriptions = nil
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("workers started",
		"count", count,
		"topic", domain.TopicTransactionSubmitted,
	)
	return nil
}

// handleMessage decodes a submission and evaluates it. Every submission that
// is not recorded is reported on fraudwatch.transaction.failed.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var raw domain.RawTransaction
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse submitted transaction",
			"message_id", msg.ID,
			"error", err,
		)
		w.reportFailure(ctx, "", domain.FailureMalformed, false, err)
		return nil
	}

	eval, err := w.evaluator.EvaluateAndRecord(ctx, raw)
	if err != nil {
		w.failed.Add(1)
		reason, retryable := classifyFailure(err)
		w.reportFailure(ctx, raw.TransactionID, reason, retryable, err)

		var verr *domain.ValidationError
		switch {
		case errors.As(err, &verr):
			slog.Warn("dropping invalid submission",
				"tx_id", raw.TransactionID,
				"fields", verr.Fields,
			)
			return nil
		case reason == domain.FailureDuplicate:
			slog.Warn("dropping duplicate submission", "tx_id", raw.TransactionID)
			return nil
		}
		return err
	}
	w.processed.Add(1)

	slog.Debug("async evaluation complete",
		"tx_id", eval.Transaction.ID,
		"status", eval.Transaction.Status,
		"reconciliation_required", eval.ReconciliationRequired,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// classifyFailure maps an evaluation error to a failure reason and whether
// resubmitting the same payload could succeed.
func classifyFailure(err error) (string, bool) {
	var (
		verr *domain.ValidationError
		oerr *domain.OracleError
		perr *domain.TransactionPersistError
	)
	switch {
	case errors.As(err, &verr):
		return domain.FailureValidation, false
	case errors.Is(err, domain.ErrDuplicate):
		return domain.FailureDuplicate, false
	case errors.As(err, &oerr):
		return domain.FailureOracle, true
	case errors.As(err, &perr):
		return domain.FailurePersist, true
	default:
		return domain.FailureInternal, true
	}
}

func (w *Worker) reportFailure(ctx context.Context, txID, reason string, retryable bool, cause error) {
	ev := domain.FailedEvent{
		TransactionID: txID,
		Reason:        reason,
		Error:         cause.Error(),
		Retryable:     retryable,
	}
	if err := bus.PublishJSON(ctx, w.bus, domain.TopicTransactionFailed, ev); err != nil {
		slog.Warn("failed to publish failure event",
			"tx_id", txID,
			"error", err,
		)
	}
}

// Stop gracefully stops all consumers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats reports worker activity.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
