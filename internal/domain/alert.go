package domain

import "time"

// AlertType classifies an alert by risk band.
type AlertType string

const (
	AlertHighRisk   AlertType = "high_risk"
	AlertMediumRisk AlertType = "medium_risk"
)

// Severity is the operational urgency attached to an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// AlertStatus is the lifecycle state of an alert. Only pending is
// assigned here; acknowledgement and resolution happen downstream.
type AlertStatus string

const (
	AlertPending      AlertStatus = "pending"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// FraudAlert is raised for every suspicious or blocked transaction.
// It references the transaction by value; the two records have
// independent lifetimes.
type FraudAlert struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transaction_id"`
	AlertType     AlertType   `json:"alert_type"`
	Severity      Severity    `json:"severity"`
	Description   string      `json:"description"`
	Status        AlertStatus `json:"status"`
	CreatedDate   time.Time   `json:"created_date"`
}
