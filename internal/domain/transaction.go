package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the terminal classification of an evaluated transaction.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusSuspicious Status = "suspicious"
	StatusBlocked    Status = "blocked"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusSuspicious, StatusBlocked:
		return true
	}
	return false
}

// Flagged reports whether the status requires a fraud alert.
func (s Status) Flagged() bool {
	return s == StatusSuspicious || s == StatusBlocked
}

// DefaultCurrency is used when a submission does not name one.
const DefaultCurrency = "INR"

// Known payment methods. The pipeline does not reject other values.
const (
	PaymentUPI        = "upi"
	PaymentCreditCard = "credit_card"
	PaymentDebitCard  = "debit_card"
	PaymentNetbanking = "netbanking"
	PaymentWallet     = "wallet"
	PaymentAadhaarPay = "aadhaar_pay"
	PaymentBHIM       = "bhim"
)

// MerchantCategories lists the categories offered to submitters.
// Unknown categories pass through unchanged.
var MerchantCategories = []string{
	"grocery", "fuel", "restaurant", "ecommerce", "recharge", "utilities",
	"pharmacy", "education", "travel", "entertainment", "healthcare",
	"fashion", "electronics", "gold_jewelry", "insurance", "mutual_funds", "other",
}

// Transaction is an evaluated transaction as persisted in the transaction store.
type Transaction struct {
	// Identity
	ID     string `json:"transaction_id"`
	UserID string `json:"user_id"`

	// Financial details
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	// Merchant and location
	MerchantName     string `json:"merchant_name"`
	MerchantCategory string `json:"merchant_category"`
	LocationCity     string `json:"location_city"`
	LocationState    string `json:"location_state"`

	// Payment rail
	PaymentMethod string `json:"payment_method"`
	UPIVPA        string `json:"upi_vpa,omitempty"`
	BankName      string `json:"bank_name,omitempty"`

	// Set by the evaluation pipeline
	RiskScore       int      `json:"risk_score"`
	Status          Status   `json:"status"`
	FraudIndicators []string `json:"fraud_indicators"`
	AIExplanation   string   `json:"ai_explanation"`

	// Assigned by the store
	CreatedDate time.Time `json:"created_date"`
}

// RawTransaction is a caller submission before evaluation.
// Amount is kept as submitted so validation can report it by name.
type RawTransaction struct {
	TransactionID    string `json:"transaction_id,omitempty"`
	UserID           string `json:"user_id"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency,omitempty"`
	MerchantName     string `json:"merchant_name"`
	MerchantCategory string `json:"merchant_category,omitempty"`
	LocationCity     string `json:"location_city"`
	LocationState    string `json:"location_state"`
	PaymentMethod    string `json:"payment_method"`
	UPIVPA           string `json:"upi_vpa,omitempty"`
	BankName         string `json:"bank_name,omitempty"`
}

// ListOrder controls the ordering of store listings.
type ListOrder string

const (
	OrderNewestFirst ListOrder = "-created_date"
	OrderOldestFirst ListOrder = "created_date"
)

// ListOptions bounds a store listing.
type ListOptions struct {
	Order ListOrder
	Limit int
}
