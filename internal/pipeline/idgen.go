package pipeline

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewTransactionID returns an id of the form TXN-<unix millis>-<16 hex>.
// The suffix is the low half of a random UUID.
func NewTransactionID(now time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("TXN-%d-%s", now.UnixMilli(), hex.EncodeToString(u[8:]))
}
