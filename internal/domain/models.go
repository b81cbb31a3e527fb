// Package domain holds the ledger and reconciliation data model.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Metadata is a JSON-compatible map
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, m)
}

// Normality decides which side of an entry increases an account balance.
type Normality string

const (
	NormalityDebit  Normality = "debit"
	NormalityCredit Normality = "credit"
)

// Account type codes used by the chama product.
const (
	AccountTypeUserWallet  = "USER_WALLET"
	AccountTypeChamaWallet = "CHAMA_WALLET"
	AccountTypeMpesaFloat  = "MPESA_FLOAT"
	AccountTypeInvestment  = "INVESTMENT"
	AccountTypeFeeIncome   = "FEE_INCOME"
)

// AccountType classifies accounts by normality.
type AccountType struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Code        string    `json:"code" db:"code"`
	Name        string    `json:"name" db:"name"`
	Normality   Normality `json:"normality" db:"normality"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusInactive AccountStatus = "inactive"
)

// Account is a ledger account with its running balance.
type Account struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	AccountNumber   string          `json:"account_number" db:"account_number"`
	Name            string          `json:"name" db:"name"`
	AccountTypeID   uuid.UUID       `json:"account_type_id" db:"account_type_id"`
	AccountTypeCode string          `json:"account_type_code" db:"account_type_code"`
	Normality       Normality       `json:"normality" db:"normality"`
	Balance         decimal.Decimal `json:"balance" db:"balance"`
	Status          AccountStatus   `json:"status" db:"status"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusReversed  TransactionStatus = "reversed"
)

// Transaction sources. Transactions whose source is an external settlement
// provider are cross-checked against provider callbacks.
const (
	TransactionSourceInternal = "internal"
	TransactionSourceMpesa    = "mpesa"
)

// Transaction is a financial movement made of balanced entries.
type Transaction struct {
	ID                uuid.UUID         `json:"id" db:"id"`
	Reference         string            `json:"reference" db:"reference"`
	Description       string            `json:"description" db:"description"`
	Status            TransactionStatus `json:"status" db:"status"`
	Source            string            `json:"source" db:"source"`
	ExternalReference *string           `json:"external_reference,omitempty" db:"external_reference"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
	Entries           []*Entry          `json:"entries,omitempty" db:"-"`
}

type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Entry is one leg of a transaction against one account.
type Entry struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	TransactionID uuid.UUID       `json:"transaction_id" db:"transaction_id"`
	AccountID     uuid.UUID       `json:"account_id" db:"account_id"`
	Direction     Direction       `json:"direction" db:"direction"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// TransactionTotals is the per-transaction aggregate of its entries.
type TransactionTotals struct {
	TransactionID uuid.UUID       `json:"transaction_id" db:"transaction_id"`
	Reference     string          `json:"reference" db:"reference"`
	TotalDebit    decimal.Decimal `json:"total_debit" db:"total_debit"`
	TotalCredit   decimal.Decimal `json:"total_credit" db:"total_credit"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Difference is debit minus credit.
func (t TransactionTotals) Difference() decimal.Decimal {
	return t.TotalDebit.Sub(t.TotalCredit)
}

// SignedAmount returns the balance effect of an entry on an account of the
// given normality.
func SignedAmount(n Normality, d Direction, amount decimal.Decimal) decimal.Decimal {
	if (n == NormalityDebit) == (d == DirectionDebit) {
		return amount
	}
	return amount.Neg()
}

// AuditLog represents an audit event
type AuditLog struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	Action     string          `json:"action" db:"action"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	EntityID   string          `json:"entity_id" db:"entity_id"`
	NewValues  json.RawMessage `json:"new_values" db:"new_values"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// AuditActionAlert marks entries written for a raised reconciliation alert.
const AuditActionAlert = "RECONCILIATION_ALERT"

// AuditQuery selects audit entries for one entity. Action and Since are
// optional filters.
type AuditQuery struct {
	EntityType string
	EntityID   string
	Action     string
	Since      *time.Time
	Limit      int
}
