package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicate is wrapped by stores when a write collides with an existing
// record: a transaction id already in use, or a second alert for one
// transaction.
var ErrDuplicate = errors.New("record already exists")

// ValidationError reports submission fields that failed validation.
// Nothing is evaluated or persisted when it is returned.
type ValidationError struct {
	Fields  []string
	Reasons map[string]string
}

// Add records a failing field.
func (e *ValidationError) Add(field, reason string) {
	if e.Reasons == nil {
		e.Reasons = make(map[string]string)
	}
	if _, seen := e.Reasons[field]; !seen {
		e.Fields = append(e.Fields, field)
	}
	e.Reasons[field] = reason
}

// Err returns e if any field failed, nil otherwise.
func (e *ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f+": "+e.Reasons[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// OracleError wraps a failed, timed out or malformed oracle exchange.
type OracleError struct {
	Timeout bool
	Reason  string
	Err     error
}

func (e *OracleError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("oracle timed out: %v", e.Err)
	case e.Err != nil:
		return fmt.Sprintf("oracle failed: %s: %v", e.Reason, e.Err)
	default:
		return "oracle failed: " + e.Reason
	}
}

func (e *OracleError) Unwrap() error { return e.Err }

// TransactionPersistError means the transaction store rejected the write.
type TransactionPersistError struct {
	TransactionID string
	Err           error
}

func (e *TransactionPersistError) Error() string {
	return fmt.Sprintf("failed to persist transaction %s: %v", e.TransactionID, e.Err)
}

func (e *TransactionPersistError) Unwrap() error { return e.Err }

// AlertPersistError means the alert write failed after the transaction
// was already persisted. It is carried on the evaluation result rather
// than failing the operation.
type AlertPersistError struct {
	TransactionID string
	Err           error
}

func (e *AlertPersistError) Error() string {
	return fmt.Sprintf("failed to persist alert for transaction %s: %v", e.TransactionID, e.Err)
}

func (e *AlertPersistError) Unwrap() error { return e.Err }
