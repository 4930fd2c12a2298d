package domain

import (
	"context"
	"time"
)

// Oracle is the risk scoring capability consulted for every transaction.
// Implementations may be a rule engine, an ML model or a remote inference API.
type Oracle interface {
	Evaluate(ctx context.Context, req *OracleRequest) (*Assessment, error)
}

// OracleRequest is the attribute bag sent to the oracle together with
// a fixed block of contextual hints.
type OracleRequest struct {
	Transaction TransactionAttributes `json:"transaction"`
	Hints       OracleHints           `json:"hints"`
}

// TransactionAttributes carries every transaction field that exists
// before evaluation.
type TransactionAttributes struct {
	TransactionID    string  `json:"transaction_id"`
	UserID           string  `json:"user_id"`
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency"`
	MerchantName     string  `json:"merchant_name"`
	MerchantCategory string  `json:"merchant_category"`
	LocationCity     string  `json:"location_city"`
	LocationState    string  `json:"location_state"`
	PaymentMethod    string  `json:"payment_method"`
	UPIVPA           string  `json:"upi_vpa,omitempty"`
	BankName         string  `json:"bank_name,omitempty"`
}

// OracleHints is the schema-hint block attached to every request.
type OracleHints struct {
	Timestamp      time.Time `json:"timestamp"`
	Currency       string    `json:"currency"`
	RiskScoreMin   int       `json:"risk_score_min"`
	RiskScoreMax   int       `json:"risk_score_max"`
	VelocityCount  int64     `json:"velocity_count"`
	VelocityWindow int       `json:"velocity_window_secs"`
}

// Risk score bounds requested from every oracle.
const (
	RiskScoreMin = 0
	RiskScoreMax = 100
)

// Assessment is the oracle's answer. RiskScore is a pointer so a missing
// score can be told apart from zero. Status is advisory only.
type Assessment struct {
	RiskScore       *float64 `json:"risk_score"`
	Status          Status   `json:"status,omitempty"`
	FraudIndicators []string `json:"fraud_indicators,omitempty"`
	Explanation     string   `json:"explanation"`
}

// AssessmentSchema is the JSON schema remote oracles are asked to answer with.
var AssessmentSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"risk_score": map[string]any{"type": "number", "minimum": RiskScoreMin, "maximum": RiskScoreMax},
		"status": map[string]any{
			"type": "string",
			"enum": []string{string(StatusSuccess), string(StatusSuspicious), string(StatusBlocked)},
		},
		"fraud_indicators": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"explanation":      map[string]any{"type": "string"},
	},
	"required": []string{"risk_score", "status", "explanation"},
}
