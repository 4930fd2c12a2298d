package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

var tracer = otel.Tracer("fraudwatch-oracle")

// maxResponseBytes caps how much of an inference response is read.
const maxResponseBytes = 1 << 20

// HTTPOracle asks a remote inference endpoint for an assessment.
type HTTPOracle struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// inferenceRequest is the body posted to the endpoint.
type inferenceRequest struct {
	Model          string                `json:"model,omitempty"`
	Request        *domain.OracleRequest `json:"request"`
	ResponseSchema map[string]any        `json:"response_schema"`
}

// NewHTTPOracle creates a remote oracle from config. The per-call bound
// comes from the caller's context; timeout only guards the transport.
func NewHTTPOracle(cfg domain.OracleConfig) (*HTTPOracle, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("oracle endpoint is required for the http backend")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPOracle{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   &http.Client{Timeout: timeout + time.Second},
	}, nil
}

// Evaluate posts the request with the assessment schema and decodes the answer.
func (o *HTTPOracle) Evaluate(ctx context.Context, req *domain.OracleRequest) (*domain.Assessment, error) {
	ctx, span := tracer.Start(ctx, "oracle.http",
		trace.WithAttributes(
			attribute.String("oracle.endpoint", o.endpoint),
			attribute.String("tx.id", req.Transaction.TransactionID),
		),
	)
	defer span.End()

	assessment, err := o.do(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if assessment.RiskScore != nil {
		span.SetAttributes(attribute.Float64("oracle.risk_score", *assessment.RiskScore))
	}
	return assessment, nil
}

func (o *HTTPOracle) do(ctx context.Context, req *domain.OracleRequest) (*domain.Assessment, error) {
	body, err := json.Marshal(inferenceRequest{
		Model:          o.model,
		Request:        req,
		ResponseSchema: domain.AssessmentSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("inference endpoint returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var assessment domain.Assessment
	if err := json.Unmarshal(raw, &assessment); err != nil {
		return nil, fmt.Errorf("malformed assessment: %w", err)
	}
	return &assessment, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
