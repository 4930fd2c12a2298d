package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/oracle"
	"github.com/opensource-finance/fraudwatch/internal/pipeline"
	"github.com/opensource-finance/fraudwatch/internal/repository"
	"github.com/opensource-finance/fraudwatch/internal/stats"
)

// maxListLimit caps the limit query parameter.
const maxListLimit = 500

// Evaluator is the pipeline surface used by the API.
type Evaluator interface {
	EvaluateAndRecord(ctx context.Context, raw domain.RawTransaction) (*pipeline.Evaluation, error)
	Enqueue(ctx context.Context, raw domain.RawTransaction) (string, error)
	ListTransactions(ctx context.Context, limit int) ([]*domain.Transaction, error)
	ListAlerts(ctx context.Context, limit int) ([]*domain.FraudAlert, error)
}

// RuleManager manages the rule set of the local oracle.
type RuleManager interface {
	Rules() []*domain.RuleConfig
	Rule(ctx context.Context, ruleID string) (*domain.RuleConfig, error)
	SaveRule(ctx context.Context, rule *domain.RuleConfig) error
	Reload(ctx context.Context) (int, error)
}

// Deps are the collaborators behind the API. Only Pipeline is required.
type Deps struct {
	Pipeline Evaluator
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Stats    *stats.Service
	Rules    RuleManager
	Version  string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// TransactionRequest is the body of POST /transactions. Amount may be a
// JSON number or a string.
type TransactionRequest struct {
	TransactionID    string          `json:"transaction_id,omitempty"`
	UserID           string          `json:"user_id"`
	Amount           json.RawMessage `json:"amount"`
	Currency         string          `json:"currency,omitempty"`
	MerchantName     string          `json:"merchant_name"`
	MerchantCategory string          `json:"merchant_category,omitempty"`
	LocationCity     string          `json:"location_city"`
	LocationState    string          `json:"location_state"`
	PaymentMethod    string          `json:"payment_method"`
	UPIVPA           string          `json:"upi_vpa,omitempty"`
	BankName         string          `json:"bank_name,omitempty"`
}

func (req *TransactionRequest) raw() domain.RawTransaction {
	return domain.RawTransaction{
		TransactionID:    req.TransactionID,
		UserID:           req.UserID,
		Amount:           amountText(req.Amount),
		Currency:         req.Currency,
		MerchantName:     req.MerchantName,
		MerchantCategory: req.MerchantCategory,
		LocationCity:     req.LocationCity,
		LocationState:    req.LocationState,
		PaymentMethod:    req.PaymentMethod,
		UPIVPA:           req.UPIVPA,
		BankName:         req.BankName,
	}
}

// amountText returns the literal text of a JSON number or the contents of
// a JSON string. Anything else is passed through for validation to reject.
func amountText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

// EvaluateResponse is the body returned by a synchronous evaluation.
type EvaluateResponse struct {
	*pipeline.Evaluation
	AlertError string `json:"alert_error,omitempty"`
	Metadata   struct {
		TraceID string `json:"trace_id"`
		TotalMs int64  `json:"total_ms"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// SubmitTransaction handles POST /transactions. With ?mode=async the
// submission is queued and 202 is returned with the assigned id.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}

	if r.URL.Query().Get("mode") == "async" {
		id, err := h.deps.Pipeline.Enqueue(ctx, req.raw())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"transaction_id": id,
			"status":         "queued",
		})
		return
	}

	eval, err := h.deps.Pipeline.EvaluateAndRecord(ctx, req.raw())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := EvaluateResponse{Evaluation: eval}
	if eval.AlertError != nil {
		resp.AlertError = eval.AlertError.Error()
	}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.deps.Version

	writeJSON(w, http.StatusCreated, resp)
}

// ListTransactions handles GET /transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, pipeline.DefaultTransactionLimit)
	if !ok {
		return
	}

	txs, err := h.deps.Pipeline.ListTransactions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "repository not available"})
		return
	}

	txID := chi.URLParam(r, "id")
	tx, err := h.deps.Repo.GetTransaction(r.Context(), txID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// ListAlerts handles GET /alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, pipeline.DefaultAlertLimit)
	if !ok {
		return
	}

	alerts, err := h.deps.Pipeline.ListAlerts(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*domain.FraudAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Stats == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "stats not available"})
		return
	}

	summary, err := h.deps.Stats.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if !h.rulesAvailable(w) {
		return
	}

	loaded := h.deps.Rules.Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	if !h.rulesAvailable(w) {
		return
	}

	rule, err := h.deps.Rules.Rule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleRequest is the body of POST /rules.
type CreateRuleRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version,omitempty"`
	Expression  string            `json:"expression"`
	Bands       []domain.RuleBand `json:"bands"`
	Weight      float64           `json:"weight"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule handles POST /rules. The rule is compiled, stored and the
// rule set reloaded.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if !h.rulesAvailable(w) {
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id, name, and expression are required"})
		return
	}

	rule := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Expression:  req.Expression,
		Bands:       req.Bands,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
	}
	if rule.Version == "" {
		rule.Version = "1.0.0"
	}

	if err := h.deps.Rules.SaveRule(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule saved", "id", rule.ID, "version", rule.Version)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":  rule,
		"count": len(h.deps.Rules.Rules()),
	})
}

// ReloadRules handles POST /rules/reload.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if !h.rulesAvailable(w) {
		return
	}

	n, err := h.deps.Rules.Reload(r.Context())
	if err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to reload rules: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded",
		"count":   n,
	})
}

// Health reports liveness with the state of each backend.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(r.Context()); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	if h.deps.Repo != nil {
		check("repository", h.deps.Repo.Ping)
	}
	if h.deps.Cache != nil {
		check("cache", h.deps.Cache.Ping)
	}
	if h.deps.Bus != nil {
		check("event_bus", h.deps.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.deps.Version,
		"checks":  checks,
	})
}

// Ready reports whether the service can accept evaluations.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false", "reason": "repository unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

func (h *Handler) rulesAvailable(w http.ResponseWriter) bool {
	if h.deps.Rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "rule management is only available with the rules oracle"})
		return false
	}
	return true
}

// parseLimit reads ?limit=, writing a 400 and returning false when invalid.
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

// writeError maps pipeline and store errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr    *domain.ValidationError
		oerr    *domain.OracleError
		perr    *domain.TransactionPersistError
		ruleErr *oracle.InvalidRuleError
	)

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: verr.Reasons})
	case errors.Is(err, domain.ErrDuplicate):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "transaction already exists"})
	case errors.As(err, &oerr):
		status := http.StatusBadGateway
		if oerr.Timeout {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, errorResponse{Error: oerr.Error()})
	case errors.As(err, &perr):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "transaction could not be stored"})
	case errors.As(err, &ruleErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ruleErr.Error()})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
