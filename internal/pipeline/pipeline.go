// Package pipeline implements transaction risk evaluation and alerting:
// validate a submission, consult the oracle, classify, then persist the
// transaction and its alert in that order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/fraudwatch/internal/bus"
	"github.com/opensource-finance/fraudwatch/internal/domain"
)

var tracer = otel.Tracer("fraudwatch-pipeline")

// DefaultOracleTimeout bounds the oracle call when none is configured.
const DefaultOracleTimeout = 10 * time.Second

// Default listing limits.
const (
	DefaultTransactionLimit = 50
	DefaultAlertLimit       = 20
)

// VelocityObserver records a submission and returns the user's recent count.
type VelocityObserver interface {
	Observe(ctx context.Context, userID string) (int64, error)
	Window() time.Duration
}

// transactionLookup is implemented by transaction stores that can find a
// stored transaction by id.
type transactionLookup interface {
	GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error)
}

// Config wires a Pipeline. Oracle and both stores are required.
type Config struct {
	Oracle       domain.Oracle
	Transactions domain.TransactionStore
	Alerts       domain.AlertStore

	// Optional collaborators
	Velocity VelocityObserver
	Events   domain.Publisher

	OracleTimeout   time.Duration
	DefaultCurrency string
}

// Pipeline evaluates and records transactions. It is safe for concurrent use.
type Pipeline struct {
	oracle       domain.Oracle
	transactions domain.TransactionStore
	alerts       domain.AlertStore
	velocity     VelocityObserver
	events       domain.Publisher

	oracleTimeout   time.Duration
	defaultCurrency string
	now             func() time.Time
}

// Evaluation is the outcome of EvaluateAndRecord.
type Evaluation struct {
	Transaction *domain.Transaction `json:"transaction"`
	Alert       *domain.FraudAlert  `json:"alert,omitempty"`

	// AlertError is set when the transaction was persisted but its alert
	// could not be written. ReconciliationRequired is set with it.
	AlertError             *domain.AlertPersistError `json:"-"`
	ReconciliationRequired bool                      `json:"reconciliation_required"`
}

// New creates a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Oracle == nil {
		return nil, errors.New("oracle is required")
	}
	if cfg.Transactions == nil || cfg.Alerts == nil {
		return nil, errors.New("transaction and alert stores are required")
	}

	timeout := cfg.OracleTimeout
	if timeout <= 0 {
		timeout = DefaultOracleTimeout
	}
	currency := cfg.DefaultCurrency
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	return &Pipeline{
		oracle:          cfg.Oracle,
		transactions:    cfg.Transactions,
		alerts:          cfg.Alerts,
		velocity:        cfg.Velocity,
		events:          cfg.Events,
		oracleTimeout:   timeout,
		defaultCurrency: currency,
		now:             time.Now,
	}, nil
}

// EvaluateAndRecord runs one submission through the pipeline.
//
// A *domain.ValidationError, *domain.OracleError or
// *domain.TransactionPersistError means nothing was persisted past the
// failing step. A caller-supplied id that is already stored fails with an
// error wrapping domain.ErrDuplicate before the oracle is consulted. An alert write failure does not fail the call: the
// persisted transaction is returned with AlertError and
// ReconciliationRequired set.
func (p *Pipeline) EvaluateAndRecord(ctx context.Context, raw domain.RawTransaction) (*Evaluation, error) {
	start := p.now()

	// 1. Validate and assign an id
	tx, err := p.prepare(raw)
	if err != nil {
		return nil, err
	}
	if err := p.checkUnused(ctx, raw.TransactionID, tx.ID); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "pipeline.evaluate",
		trace.WithAttributes(
			attribute.String("tx.id", tx.ID),
			attribute.String("tx.payment_method", tx.PaymentMethod),
		),
	)
	defer span.End()

	// 2. Consult the oracle
	assessment, err := p.assess(ctx, tx, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "oracle failed")
		slog.Warn("oracle evaluation failed",
			"tx_id", tx.ID,
			"error", err,
		)
		return nil, err
	}

	// 3. Classify and assemble
	tx.RiskScore = ClampScore(*assessment.RiskScore)
	tx.Status = ResolveStatus(tx.RiskScore, assessment.Status)
	tx.FraudIndicators = assessment.FraudIndicators
	if tx.FraudIndicators == nil {
		tx.FraudIndicators = []string{}
	}
	tx.AIExplanation = strings.TrimSpace(assessment.Explanation)

	span.SetAttributes(
		attribute.Int("tx.risk_score", tx.RiskScore),
		attribute.String("tx.status", string(tx.Status)),
	)

	// 4. Persist the transaction before any alert references it
	stored, err := p.transactions.CreateTransaction(ctx, tx)
	if err != nil {
		perr := &domain.TransactionPersistError{TransactionID: tx.ID, Err: err}
		span.RecordError(perr)
		span.SetStatus(codes.Error, "transaction persist failed")
		slog.Error("failed to persist transaction",
			"tx_id", tx.ID,
			"error", err,
		)
		return nil, perr
	}

	result := &Evaluation{Transaction: stored}
	p.publish(ctx, domain.TopicTransactionEvaluated, stored)

	// 5. Raise an alert for flagged transactions
	if alert := BuildAlert(stored); alert != nil {
		created, err := p.alerts.CreateAlert(ctx, alert)
		switch {
		case errors.Is(err, domain.ErrDuplicate):
			// The reconciler got there first.
			slog.Info("alert already exists for transaction", "tx_id", stored.ID)
		case err != nil:
			result.AlertError = &domain.AlertPersistError{TransactionID: stored.ID, Err: err}
			result.ReconciliationRequired = true
			span.RecordError(result.AlertError)
			slog.Error("failed to persist alert, reconciliation required",
				"tx_id", stored.ID,
				"status", stored.Status,
				"error", err,
			)
			p.publish(ctx, domain.TopicAlertReconcile, domain.ReconcileEvent{TransactionID: stored.ID})
		default:
			result.Alert = created
			p.publish(ctx, domain.TopicAlertCreated, created)
		}
	}

	slog.Info("transaction evaluated",
		"tx_id", stored.ID,
		"risk_score", stored.RiskScore,
		"status", stored.Status,
		"indicators", len(stored.FraudIndicators),
		"alerted", result.Alert != nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return result, nil
}

// Enqueue validates a submission, assigns its id and publishes it for
// asynchronous evaluation. It returns the assigned transaction id.
func (p *Pipeline) Enqueue(ctx context.Context, raw domain.RawTransaction) (string, error) {
	if p.events == nil {
		return "", errors.New("asynchronous evaluation requires an event bus")
	}

	tx, err := p.prepare(raw)
	if err != nil {
		return "", err
	}
	if err := p.checkUnused(ctx, raw.TransactionID, tx.ID); err != nil {
		return "", err
	}

	raw.TransactionID = tx.ID
	raw.Currency = tx.Currency
	if err := bus.PublishJSON(ctx, p.events, domain.TopicTransactionSubmitted, raw); err != nil {
		return "", fmt.Errorf("failed to enqueue transaction %s: %w", tx.ID, err)
	}

	slog.Debug("transaction enqueued", "tx_id", tx.ID)
	return tx.ID, nil
}

// ListTransactions returns up to limit transactions, newest first.
func (p *Pipeline) ListTransactions(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = DefaultTransactionLimit
	}
	return p.transactions.ListTransactions(ctx, domain.ListOptions{Order: domain.OrderNewestFirst, Limit: limit})
}

// ListAlerts returns up to limit alerts, newest first.
func (p *Pipeline) ListAlerts(ctx context.Context, limit int) ([]*domain.FraudAlert, error) {
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	return p.alerts.ListAlerts(ctx, domain.ListOptions{Order: domain.OrderNewestFirst, Limit: limit})
}

// prepare validates raw and returns the unevaluated transaction.
func (p *Pipeline) prepare(raw domain.RawTransaction) (*domain.Transaction, error) {
	verr := &domain.ValidationError{}

	amount, err := decimal.NewFromString(strings.TrimSpace(raw.Amount))
	switch {
	case strings.TrimSpace(raw.Amount) == "":
		verr.Add("amount", "is required")
	case err != nil:
		verr.Add("amount", "must be a decimal number")
	case amount.IsNegative():
		verr.Add("amount", "must not be negative")
	}

	required := []struct{ field, value string }{
		{"user_id", raw.UserID},
		{"merchant_name", raw.MerchantName},
		{"location_city", raw.LocationCity},
		{"location_state", raw.LocationState},
		{"payment_method", raw.PaymentMethod},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			verr.Add(r.field, "is required")
		}
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(raw.TransactionID)
	if id == "" {
		id = NewTransactionID(p.now())
	}
	currency := strings.TrimSpace(raw.Currency)
	if currency == "" {
		currency = p.defaultCurrency
	}

	return &domain.Transaction{
		ID:               id,
		UserID:           strings.TrimSpace(raw.UserID),
		Amount:           amount,
		Currency:         currency,
		MerchantName:     strings.TrimSpace(raw.MerchantName),
		MerchantCategory: strings.TrimSpace(raw.MerchantCategory),
		LocationCity:     strings.TrimSpace(raw.LocationCity),
		LocationState:    strings.TrimSpace(raw.LocationState),
		PaymentMethod:    strings.TrimSpace(raw.PaymentMethod),
		UPIVPA:           strings.TrimSpace(raw.UPIVPA),
		BankName:         strings.TrimSpace(raw.BankName),
	}, nil
}

// checkUnused rejects a caller-supplied id that is already stored, before
// any velocity counter or oracle call is spent on it. Generated ids are not
// checked. Lookup failures are ignored and left to the store's unique key.
func (p *Pipeline) checkUnused(ctx context.Context, supplied, id string) error {
	if strings.TrimSpace(supplied) == "" {
		return nil
	}
	lookup, ok := p.transactions.(transactionLookup)
	if !ok {
		return nil
	}
	if existing, err := lookup.GetTransaction(ctx, id); err == nil && existing != nil {
		return fmt.Errorf("%w: transaction %s", domain.ErrDuplicate, id)
	}
	return nil
}

type oracleReply struct {
	assessment *domain.Assessment
	err        error
}

// assess calls the oracle under the configured timeout and validates the
// answer. Every failure is returned as *domain.OracleError.
func (p *Pipeline) assess(ctx context.Context, tx *domain.Transaction, now time.Time) (*domain.Assessment, error) {
	req := &domain.OracleRequest{
		Transaction: domain.TransactionAttributes{
			TransactionID:    tx.ID,
			UserID:           tx.UserID,
			Amount:           tx.Amount.InexactFloat64(),
			Currency:         tx.Currency,
			MerchantName:     tx.MerchantName,
			MerchantCategory: tx.MerchantCategory,
			LocationCity:     tx.LocationCity,
			LocationState:    tx.LocationState,
			PaymentMethod:    tx.PaymentMethod,
			UPIVPA:           tx.UPIVPA,
			BankName:         tx.BankName,
		},
		Hints: domain.OracleHints{
			Timestamp:    now,
			Currency:     tx.Currency,
			RiskScoreMin: domain.RiskScoreMin,
			RiskScoreMax: domain.RiskScoreMax,
		},
	}

	if p.velocity != nil {
		count, err := p.velocity.Observe(ctx, tx.UserID)
		if err != nil {
			slog.Warn("velocity unavailable", "tx_id", tx.ID, "error", err)
		} else {
			req.Hints.VelocityCount = count
			req.Hints.VelocityWindow = int(p.velocity.Window().Seconds())
		}
	}

	octx, cancel := context.WithTimeout(ctx, p.oracleTimeout)
	defer cancel()

	replies := make(chan oracleReply, 1)
	go func() {
		a, err := p.oracle.Evaluate(octx, req)
		replies <- oracleReply{assessment: a, err: err}
	}()

	var reply oracleReply
	select {
	case reply = <-replies:
	case <-octx.Done():
		return nil, contextOracleError(octx.Err())
	}

	if reply.err != nil {
		if errors.Is(reply.err, context.DeadlineExceeded) || errors.Is(octx.Err(), context.DeadlineExceeded) {
			return nil, &domain.OracleError{Timeout: true, Reason: "deadline exceeded", Err: reply.err}
		}
		return nil, &domain.OracleError{Reason: "evaluation failed", Err: reply.err}
	}

	if err := validateAssessment(reply.assessment); err != nil {
		return nil, err
	}
	return reply.assessment, nil
}

func contextOracleError(err error) *domain.OracleError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.OracleError{Timeout: true, Reason: "deadline exceeded", Err: err}
	}
	return &domain.OracleError{Reason: "cancelled", Err: err}
}

func validateAssessment(a *domain.Assessment) error {
	switch {
	case a == nil:
		return &domain.OracleError{Reason: "empty assessment"}
	case a.RiskScore == nil:
		return &domain.OracleError{Reason: "missing risk_score"}
	case math.IsNaN(*a.RiskScore) || math.IsInf(*a.RiskScore, 0):
		return &domain.OracleError{Reason: fmt.Sprintf("risk_score %v is not finite", *a.RiskScore)}
	case strings.TrimSpace(a.Explanation) == "":
		return &domain.OracleError{Reason: "missing explanation"}
	}
	return nil
}

// publish emits an event if a publisher is configured. Failures are logged only.
func (p *Pipeline) publish(ctx context.Context, topic string, v any) {
	if p.events == nil {
		return
	}
	if err := bus.PublishJSON(ctx, p.events, topic, v); err != nil {
		slog.Warn("failed to publish event",
			"topic", topic,
			"error", err,
		)
	}
}
