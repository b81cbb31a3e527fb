package domain

import (
	"time"

	"github.com/google/uuid"
)

// Alert sources.
const (
	AlertSourceReconciliation = "reconciliation"
	AlertSourceSettlement     = "settlement"
)

// Alert is the structured payload handed to the notification channel when a
// run is not clean or a settlement pass records mismatches.
type Alert struct {
	ID            uuid.UUID   `json:"id"`
	Source        string      `json:"source"`
	RunID         *uuid.UUID  `json:"run_id,omitempty"`
	RunType       RunType     `json:"run_type,omitempty"`
	Status        string      `json:"status"`
	MismatchCount int         `json:"mismatch_count"`
	Mismatches    interface{} `json:"mismatches,omitempty"`
	Message       string      `json:"message"`
	CreatedAt     time.Time   `json:"created_at"`
}
