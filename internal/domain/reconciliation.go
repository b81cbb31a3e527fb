package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type RunType string

const (
	RunTypeDaily  RunType = "daily"
	RunTypeHourly RunType = "hourly"
	RunTypeManual RunType = "manual"
)

// Valid reports whether t is a known run type.
func (t RunType) Valid() bool {
	switch t {
	case RunTypeDaily, RunTypeHourly, RunTypeManual:
		return true
	}
	return false
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusWarning   RunStatus = "warning"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusWarning || s == RunStatusFailed
}

// ReconciliationRun is the audit record of one integrity-check pass.
// Created as running and mutated exactly once when it reaches a terminal status.
type ReconciliationRun struct {
	ID            uuid.UUID             `json:"id" db:"id"`
	RunType       RunType               `json:"run_type" db:"run_type"`
	Status        RunStatus             `json:"status" db:"status"`
	StartedAt     time.Time             `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty" db:"completed_at"`
	LedgerBalance decimal.Decimal       `json:"ledger_balance" db:"ledger_balance"`
	Difference    decimal.Decimal       `json:"difference" db:"difference"`
	IsBalanced    bool                  `json:"is_balanced" db:"is_balanced"`
	MismatchCount int                   `json:"mismatch_count" db:"mismatch_count"`
	Mismatches    Findings              `json:"mismatches" db:"mismatches"`
	ErrorMessage  *string               `json:"error_message,omitempty" db:"error_message"`
	Items         []*ReconciliationItem `json:"items,omitempty" db:"-"`
}

// ReconciliationItem is one anomaly detected by a run.
type ReconciliationItem struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	RunID     uuid.UUID  `json:"run_id" db:"run_id"`
	AccountID *uuid.UUID `json:"account_id,omitempty" db:"account_id"`
	ItemType  string     `json:"item_type" db:"item_type"`
	Metadata  Metadata   `json:"metadata" db:"metadata"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityHigh:
		return 1
	}
	return 0
}

type FindingType string

const (
	FindingLedgerImbalance       FindingType = "ledger_imbalance"
	FindingUnbalancedTransaction FindingType = "unbalanced_transaction"
	FindingNegativeBalance       FindingType = "negative_balance"
)

// LedgerImbalance is the payload of a ledger_imbalance finding.
type LedgerImbalance struct {
	TotalDebitBalance  decimal.Decimal `json:"total_debit_balance"`
	TotalCreditBalance decimal.Decimal `json:"total_credit_balance"`
	Difference         decimal.Decimal `json:"difference"`
}

// UnbalancedTransaction is the payload of an unbalanced_transaction finding.
type UnbalancedTransaction struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	Reference     string          `json:"reference"`
	TotalDebit    decimal.Decimal `json:"total_debit"`
	TotalCredit   decimal.Decimal `json:"total_credit"`
	Difference    decimal.Decimal `json:"difference"`
}

// NegativeBalance is the payload of a negative_balance finding.
type NegativeBalance struct {
	AccountID     uuid.UUID       `json:"account_id"`
	AccountNumber string          `json:"account_number"`
	AccountType   string          `json:"account_type"`
	Balance       decimal.Decimal `json:"balance"`
}

// Finding is a severity-tagged discrepancy. Exactly one payload is set and it
// matches Type.
type Finding struct {
	Type     FindingType
	Severity Severity

	LedgerImbalance       *LedgerImbalance
	UnbalancedTransaction *UnbalancedTransaction
	NegativeBalance       *NegativeBalance
}

func (f Finding) payload() (interface{}, error) {
	switch f.Type {
	case FindingLedgerImbalance:
		if f.LedgerImbalance != nil {
			return f.LedgerImbalance, nil
		}
	case FindingUnbalancedTransaction:
		if f.UnbalancedTransaction != nil {
			return f.UnbalancedTransaction, nil
		}
	case FindingNegativeBalance:
		if f.NegativeBalance != nil {
			return f.NegativeBalance, nil
		}
	default:
		return nil, fmt.Errorf("unknown finding type %q", f.Type)
	}
	return nil, fmt.Errorf("finding %q has no payload", f.Type)
}

// MarshalJSON flattens the payload next to type and severity, which is the
// shape stored in reconciliation_runs.mismatches.
func (f Finding) MarshalJSON() ([]byte, error) {
	p, err := f.payload()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	flat := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	flat["type"], _ = json.Marshal(f.Type)
	flat["severity"], _ = json.Marshal(f.Severity)
	return json.Marshal(flat)
}

func (f *Finding) UnmarshalJSON(b []byte) error {
	var head struct {
		Type     FindingType `json:"type"`
		Severity Severity    `json:"severity"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	*f = Finding{Type: head.Type, Severity: head.Severity}
	switch head.Type {
	case FindingLedgerImbalance:
		f.LedgerImbalance = &LedgerImbalance{}
		return json.Unmarshal(b, f.LedgerImbalance)
	case FindingUnbalancedTransaction:
		f.UnbalancedTransaction = &UnbalancedTransaction{}
		return json.Unmarshal(b, f.UnbalancedTransaction)
	case FindingNegativeBalance:
		f.NegativeBalance = &NegativeBalance{}
		return json.Unmarshal(b, f.NegativeBalance)
	}
	return fmt.Errorf("unknown finding type %q", head.Type)
}

// Findings is the JSONB column type for a run's mismatch list.
type Findings []Finding

func (fs Findings) Value() (driver.Value, error) {
	if fs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(fs)
}

func (fs *Findings) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*fs = Findings{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, fs)
}

// Worst returns the highest severity present, or "" when empty.
func (fs Findings) Worst() Severity {
	var worst Severity
	for _, f := range fs {
		if f.Severity.rank() > worst.rank() {
			worst = f.Severity
		}
	}
	return worst
}

// Count returns the number of findings of the given type.
func (fs Findings) Count(t FindingType) int {
	n := 0
	for _, f := range fs {
		if f.Type == t {
			n++
		}
	}
	return n
}

// StatusFor maps the worst severity of a run's findings to its terminal status.
func StatusFor(fs Findings) RunStatus {
	switch fs.Worst() {
	case SeverityCritical:
		return RunStatusFailed
	case SeverityHigh:
		return RunStatusWarning
	}
	return RunStatusCompleted
}
