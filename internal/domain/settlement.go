package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MpesaResultSuccess is the provider result code of a successful payment.
const MpesaResultSuccess = "0"

// CallbackRecord is a payment notification received from the mobile-money
// provider. Written by the provider integration, read-only here.
type CallbackRecord struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	MerchantRequestID string          `json:"merchant_request_id" db:"merchant_request_id"`
	CheckoutRequestID string          `json:"checkout_request_id" db:"checkout_request_id"`
	ReceiptNumber     string          `json:"receipt_number" db:"receipt_number"`
	PhoneNumber       string          `json:"phone_number" db:"phone_number"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	ResultCode        string          `json:"result_code" db:"result_code"`
	ResultDesc        string          `json:"result_desc" db:"result_desc"`
	TransactionDate   time.Time       `json:"transaction_date" db:"transaction_date"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// CallbackMatch is a callback joined to the ledger transaction carrying its
// receipt number as external reference, if any.
type CallbackMatch struct {
	CallbackRecord
	TransactionID     *uuid.UUID          `db:"transaction_id"`
	TransactionStatus *TransactionStatus  `db:"transaction_status"`
	TransactionAmount decimal.NullDecimal `db:"transaction_amount"`
}

// ExternalTransaction is a settlement-sourced ledger transaction with its
// debit total.
type ExternalTransaction struct {
	TransactionID     uuid.UUID         `db:"transaction_id"`
	Reference         string            `db:"reference"`
	ExternalReference string            `db:"external_reference"`
	Status            TransactionStatus `db:"status"`
	Amount            decimal.Decimal   `db:"amount"`
	CreatedAt         time.Time         `db:"created_at"`
}

type MismatchType string

const (
	MismatchMissingLedger   MismatchType = "missing_ledger"
	MismatchAmount          MismatchType = "amount_mismatch"
	MismatchStatusMismatch  MismatchType = "status_mismatch"
	MismatchMissingCallback MismatchType = "missing_callback"
)

type MismatchStatus string

const (
	MismatchStatusPending  MismatchStatus = "pending"
	MismatchStatusResolved MismatchStatus = "resolved"
)

// SettlementMismatch is a discrepancy between the ledger and the provider.
type SettlementMismatch struct {
	ID                uuid.UUID           `json:"id" db:"id"`
	MismatchKey       string              `json:"mismatch_key" db:"mismatch_key"`
	CallbackID        *uuid.UUID          `json:"callback_id,omitempty" db:"callback_id"`
	TransactionID     *uuid.UUID          `json:"transaction_id,omitempty" db:"transaction_id"`
	ExternalReference string              `json:"external_reference" db:"external_reference"`
	MismatchType      MismatchType        `json:"mismatch_type" db:"mismatch_type"`
	ExternalAmount    decimal.NullDecimal `json:"external_amount" db:"external_amount"`
	LedgerAmount      decimal.NullDecimal `json:"ledger_amount" db:"ledger_amount"`
	ExternalStatus    *string             `json:"external_status,omitempty" db:"external_status"`
	LedgerStatus      *string             `json:"ledger_status,omitempty" db:"ledger_status"`
	Status            MismatchStatus      `json:"status" db:"status"`
	ResolvedBy        *string             `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolutionNote    *string             `json:"resolution_note,omitempty" db:"resolution_note"`
	ResolvedAt        *time.Time          `json:"resolved_at,omitempty" db:"resolved_at"`
	DetectedAt        time.Time           `json:"detected_at" db:"detected_at"`
}
