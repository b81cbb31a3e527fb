package settlement

import (
	"sort"
	"time"

	"chama/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// mismatchOrder ranks types in the order they are reported.
var mismatchOrder = map[domain.MismatchType]int{
	domain.MismatchMissingLedger:   0,
	domain.MismatchMissingCallback: 1,
	domain.MismatchAmount:          2,
	domain.MismatchStatusMismatch:  3,
}

// Classify compares callbacks with the ledger. It depends only on its inputs:
// the same callbacks and transactions always give the same mismatches in the
// same order. detectedAt stamps every mismatch.
//
// Callbacks sharing a receipt number are counted once, using the earliest.
// A matched callback yields at most one mismatch; an amount difference takes
// precedence over a status difference.
func Classify(callbacks []*domain.CallbackMatch, unconfirmed []*domain.ExternalTransaction, tolerance decimal.Decimal, detectedAt time.Time) []*domain.SettlementMismatch {
	mismatches := []*domain.SettlementMismatch{}

	for _, c := range dedupeCallbacks(callbacks) {
		if m := classifyCallback(c, tolerance); m != nil {
			m.DetectedAt = detectedAt
			mismatches = append(mismatches, m)
		}
	}

	for _, t := range unconfirmed {
		txID := t.TransactionID
		status := string(t.Status)
		mismatches = append(mismatches, &domain.SettlementMismatch{
			ID:                uuid.New(),
			MismatchKey:       mismatchKey(domain.MismatchMissingCallback, t.TransactionID.String()),
			TransactionID:     &txID,
			ExternalReference: t.ExternalReference,
			MismatchType:      domain.MismatchMissingCallback,
			LedgerAmount:      decimal.NewNullDecimal(t.Amount),
			LedgerStatus:      &status,
			Status:            domain.MismatchStatusPending,
			DetectedAt:        detectedAt,
		})
	}

	sort.SliceStable(mismatches, func(i, j int) bool {
		a, b := mismatches[i], mismatches[j]
		if mismatchOrder[a.MismatchType] != mismatchOrder[b.MismatchType] {
			return mismatchOrder[a.MismatchType] < mismatchOrder[b.MismatchType]
		}
		return a.MismatchKey < b.MismatchKey
	})
	return mismatches
}

func classifyCallback(c *domain.CallbackMatch, tolerance decimal.Decimal) *domain.SettlementMismatch {
	callbackID := c.ID
	externalStatus := c.ResultCode
	m := &domain.SettlementMismatch{
		ID:                uuid.New(),
		CallbackID:        &callbackID,
		ExternalReference: c.ReceiptNumber,
		ExternalAmount:    decimal.NewNullDecimal(c.Amount),
		ExternalStatus:    &externalStatus,
		Status:            domain.MismatchStatusPending,
	}

	if c.TransactionID == nil {
		m.MismatchType = domain.MismatchMissingLedger
		m.MismatchKey = mismatchKey(m.MismatchType, callbackRef(c))
		return m
	}

	txID := *c.TransactionID
	m.TransactionID = &txID
	ledgerAmount := decimal.Zero
	if c.TransactionAmount.Valid {
		ledgerAmount = c.TransactionAmount.Decimal
	}
	m.LedgerAmount = decimal.NewNullDecimal(ledgerAmount)
	if c.TransactionStatus != nil {
		ledgerStatus := string(*c.TransactionStatus)
		m.LedgerStatus = &ledgerStatus
	}

	switch {
	case c.Amount.Sub(ledgerAmount).Abs().GreaterThan(tolerance):
		m.MismatchType = domain.MismatchAmount
	case c.TransactionStatus == nil || *c.TransactionStatus != domain.TransactionStatusCompleted:
		m.MismatchType = domain.MismatchStatusMismatch
	default:
		return nil
	}
	m.MismatchKey = mismatchKey(m.MismatchType, callbackRef(c))
	return m
}

// dedupeCallbacks keeps the earliest callback per receipt number.
func dedupeCallbacks(callbacks []*domain.CallbackMatch) []*domain.CallbackMatch {
	sorted := make([]*domain.CallbackMatch, len(callbacks))
	copy(sorted, callbacks)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if callbackRef(a) != callbackRef(b) {
			return callbackRef(a) < callbackRef(b)
		}
		if !a.TransactionDate.Equal(b.TransactionDate) {
			return a.TransactionDate.Before(b.TransactionDate)
		}
		return a.ID.String() < b.ID.String()
	})

	out := make([]*domain.CallbackMatch, 0, len(sorted))
	seen := map[string]bool{}
	for _, c := range sorted {
		ref := callbackRef(c)
		if seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, c)
	}
	return out
}

// callbackRef identifies a payment: its receipt number, or the callback id
// when the provider sent none.
func callbackRef(c *domain.CallbackMatch) string {
	if c.ReceiptNumber != "" {
		return c.ReceiptNumber
	}
	return "callback:" + c.ID.String()
}

func mismatchKey(t domain.MismatchType, ref string) string {
	return string(t) + ":" + ref
}
