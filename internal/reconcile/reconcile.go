// Package reconcile repairs flagged transactions whose alert write failed.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/bus"
	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/pipeline"
	"github.com/opensource-finance/fraudwatch/internal/repository"
)

// QueueGroup is the bus queue group shared by reconciler instances.
const QueueGroup = "fraudwatch-reconcilers"

// DefaultGracePeriod is how old a flagged transaction must be before a
// periodic pass considers it.
const DefaultGracePeriod = 30 * time.Second

// Store is the persistence the reconciler needs.
type Store interface {
	GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error)
	ListUnalertedFlagged(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Transaction, error)
	CreateAlert(ctx context.Context, alert *domain.FraudAlert) (*domain.FraudAlert, error)
}

// Reconciler periodically creates missing alerts for flagged transactions.
type Reconciler struct {
	store     Store
	events    domain.Publisher
	interval  time.Duration
	batchSize int
	grace     time.Duration
	now       func() time.Time

	// runMu serialises passes within one process. Across processes the
	// unique alert index decides which write wins.
	runMu sync.Mutex

	sub    domain.Subscription
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a reconciler. events may be nil.
func New(store Store, events domain.Publisher, cfg domain.ReconcilerConfig) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Reconciler{
		store:     store,
		events:    events,
		interval:  interval,
		batchSize: batch,
		grace:     grace,
		now:       time.Now,
	}
}

// RunOnce repairs up to one batch and returns the number of alerts created.
// Transactions younger than the grace period are left to the pipeline that
// is still writing their alert. A failed alert write is logged and left for
// the next pass.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	pending, err := r.store.ListUnalertedFlagged(ctx, r.now().Add(-r.grace), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list unalerted transactions: %w", err)
	}

	repaired := 0
	for _, tx := range pending {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		ok, err := r.repair(ctx, tx)
		if err != nil {
			slog.Error("reconciliation alert write failed",
				"tx_id", tx.ID,
				"error", err,
			)
			continue
		}
		if ok {
			repaired++
		}
	}

	return repaired, nil
}

// repair writes the alert tx should have. It reports false when no alert was
// needed or another writer already created it.
func (r *Reconciler) repair(ctx context.Context, tx *domain.Transaction) (bool, error) {
	alert := pipeline.BuildAlert(tx)
	if alert == nil {
		return false, nil
	}

	created, err := r.store.CreateAlert(ctx, alert)
	if errors.Is(err, domain.ErrDuplicate) {
		slog.Debug("transaction already alerted", "tx_id", tx.ID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	slog.Info("missing alert created",
		"tx_id", tx.ID,
		"alert_id", created.ID,
		"severity", created.Severity,
	)
	if r.events != nil {
		if err := bus.PublishJSON(ctx, r.events, domain.TopicAlertCreated, created); err != nil {
			slog.Warn("failed to publish alert event", "alert_id", created.ID, "error", err)
		}
	}
	return true, nil
}

// Start runs a pass every interval until Stop is called. When eventBus is
// non-nil, reconcile events also trigger a pass.
func (r *Reconciler) Start(eventBus domain.EventBus) error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if eventBus != nil {
		sub, err := eventBus.QueueSubscribe(ctx, domain.TopicAlertReconcile, QueueGroup, r.handleEvent)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicAlertReconcile, err)
		}
		r.sub = sub
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
					slog.Error("reconciliation pass failed", "error", err)
				}
			}
		}
	}()

	slog.Info("reconciler started",
		"interval", r.interval.String(),
		"batch_size", r.batchSize,
	)
	return nil
}

// handleEvent repairs the transaction named by a reconcile event. The
// pipeline has already given up on that alert, so no grace period applies.
func (r *Reconciler) handleEvent(ctx context.Context, msg *domain.Message) error {
	var ev domain.ReconcileEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Warn("malformed reconcile event", "message_id", msg.ID, "error", err)
		return err
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()

	tx, err := r.store.GetTransaction(ctx, ev.TransactionID)
	if errors.Is(err, repository.ErrNotFound) {
		slog.Warn("reconcile event for unknown transaction", "tx_id", ev.TransactionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load transaction %s: %w", ev.TransactionID, err)
	}

	ok, err := r.repair(ctx, tx)
	if err != nil {
		return err
	}
	slog.Debug("reconcile event handled",
		"tx_id", ev.TransactionID,
		"repaired", ok,
	)
	return nil
}

// Stop ends the periodic loop and the event subscription.
func (r *Reconciler) Stop() {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe reconciler", "error", err)
		}
		r.sub = nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	slog.Info("reconciler stopped")
}
