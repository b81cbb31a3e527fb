package ledger

import (
	"context"
	"time"

	"chama/internal/domain"
	"chama/pkg/errors"
	"chama/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reader is a read-consistent view of accounts and transactions. All calls made
// on one Reader observe the same snapshot.
type Reader interface {
	SumBalancesByNormality(ctx context.Context) (debit, credit decimal.Decimal, err error)
	FindNegativeBalances(ctx context.Context, accountTypes []string) ([]*domain.Account, error)
	ListTransactionTotals(ctx context.Context, after *Cursor, limit int) ([]*domain.TransactionTotals, error)
}

// Cursor is a keyset position in the completed-transaction scan, which runs
// newest first.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// ItemRecorder persists anomalies found during a run.
type ItemRecorder interface {
	CreateItem(ctx context.Context, item *domain.ReconciliationItem) error
}

type BalanceResult struct {
	TotalDebitBalance  decimal.Decimal `json:"total_debit_balance"`
	TotalCreditBalance decimal.Decimal `json:"total_credit_balance"`
	Difference         decimal.Decimal `json:"difference"`
	IsBalanced         bool            `json:"is_balanced"`
}

type AnomalyResult struct {
	NegativeBalances []*domain.Account `json:"negative_balances"`
}

type UnbalancedTransaction struct {
	Totals     *domain.TransactionTotals
	Difference decimal.Decimal
}

type IntegrityResult struct {
	UnbalancedTransactions []UnbalancedTransaction
	Scanned                int
	// Truncated is set when the scan stopped at its limit before exhausting
	// the completed transactions.
	Truncated bool
}

type CheckerConfig struct {
	Tolerance          decimal.Decimal
	BatchSize          int
	WalletAccountTypes []string
}

// Checker runs the balance, anomaly and integrity checks against a Reader.
type Checker struct {
	cfg    CheckerConfig
	items  ItemRecorder
	logger logger.Logger
}

func NewChecker(cfg CheckerConfig, items ItemRecorder, log logger.Logger) *Checker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Tolerance.IsZero() {
		cfg.Tolerance = decimal.NewFromFloat(0.01)
	}
	return &Checker{cfg: cfg, items: items, logger: log}
}

// Tolerance returns the configured balancing tolerance.
func (c *Checker) Tolerance() decimal.Decimal {
	return c.cfg.Tolerance
}

// CheckLedgerBalance compares the summed balances of debit-normal and
// credit-normal active accounts.
func (c *Checker) CheckLedgerBalance(ctx context.Context, r Reader) (*BalanceResult, error) {
	debit, credit, err := r.SumBalancesByNormality(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sum balances")
	}

	diff := debit.Sub(credit)
	return &BalanceResult{
		TotalDebitBalance:  debit,
		TotalCreditBalance: credit,
		Difference:         diff,
		IsBalanced:         diff.Abs().LessThan(c.cfg.Tolerance),
	}, nil
}

// CheckAccountAnomalies finds wallet accounts with a negative balance and
// records one item per account against runID.
func (c *Checker) CheckAccountAnomalies(ctx context.Context, r Reader, runID uuid.UUID) (*AnomalyResult, error) {
	accounts, err := r.FindNegativeBalances(ctx, c.cfg.WalletAccountTypes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find negative balances")
	}

	for _, acc := range accounts {
		accountID := acc.ID
		item := &domain.ReconciliationItem{
			ID:        uuid.New(),
			RunID:     runID,
			AccountID: &accountID,
			ItemType:  string(domain.FindingNegativeBalance),
			Metadata: domain.Metadata{
				"issue":          "negative_balance",
				"account_type":   acc.AccountTypeCode,
				"account_number": acc.AccountNumber,
				"balance":        acc.Balance.String(),
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := c.items.CreateItem(ctx, item); err != nil {
			return nil, errors.Wrap(err, "failed to record negative balance item")
		}
		c.logger.Warn("Negative wallet balance detected", map[string]interface{}{
			"run_id":       runID,
			"account_id":   acc.ID,
			"account_type": acc.AccountTypeCode,
			"balance":      acc.Balance.String(),
		})
	}

	if accounts == nil {
		accounts = []*domain.Account{}
	}
	return &AnomalyResult{NegativeBalances: accounts}, nil
}

// ValidateTransactionIntegrity pages through completed transactions, newest
// first, and flags those whose debit and credit totals differ by more than the
// tolerance. limit caps the number of transactions examined; 0 means all.
func (c *Checker) ValidateTransactionIntegrity(ctx context.Context, r Reader, limit int) (*IntegrityResult, error) {
	result := &IntegrityResult{UnbalancedTransactions: []UnbalancedTransaction{}}
	var cursor *Cursor

	for {
		pageSize := c.cfg.BatchSize
		if limit > 0 && limit-result.Scanned < pageSize {
			pageSize = limit - result.Scanned
		}

		page, err := r.ListTransactionTotals(ctx, cursor, pageSize)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list transaction totals")
		}

		for _, totals := range page {
			diff := totals.Difference()
			if diff.Abs().GreaterThan(c.cfg.Tolerance) {
				result.UnbalancedTransactions = append(result.UnbalancedTransactions, UnbalancedTransaction{
					Totals:     totals,
					Difference: diff,
				})
			}
		}
		result.Scanned += len(page)

		if len(page) < pageSize {
			return result, nil
		}
		if limit > 0 && result.Scanned >= limit {
			// A full final page may still have more rows behind it.
			result.Truncated = true
			return result, nil
		}

		last := page[len(page)-1]
		cursor = &Cursor{CreatedAt: last.CreatedAt, ID: last.TransactionID}
	}
}
