package postgres

import (
	"context"
	"database/sql"

	"chama/internal/domain"
	"chama/internal/ledger"
	pkgerrors "chama/pkg/errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// LedgerRepository gives read-consistent access to accounts and transactions.
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Snapshot runs fn against a read-only repeatable-read transaction, so every
// query made through the Reader sees the ledger at one point in time.
func (r *LedgerRepository) Snapshot(ctx context.Context, fn func(ctx context.Context, reader ledger.Reader) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	return inScope(ctx, r.db, opts, func(tx *sqlx.Tx) error {
		return fn(ctx, &snapshotReader{tx: tx})
	})
}

type snapshotReader struct {
	tx *sqlx.Tx
}

func (s *snapshotReader) SumBalancesByNormality(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	var sums struct {
		Debit  decimal.Decimal `db:"debit_total"`
		Credit decimal.Decimal `db:"credit_total"`
	}
	query := `
		SELECT
			COALESCE(SUM(a.balance) FILTER (WHERE at.normality = 'debit'), 0) AS debit_total,
			COALESCE(SUM(a.balance) FILTER (WHERE at.normality = 'credit'), 0) AS credit_total
		FROM accounts a
		JOIN account_types at ON at.id = a.account_type_id
		WHERE a.status = 'active'
	`
	if err := s.tx.GetContext(ctx, &sums, query); err != nil {
		return decimal.Zero, decimal.Zero, pkgerrors.Wrap(err, "failed to sum account balances")
	}
	return sums.Debit, sums.Credit, nil
}

func (s *snapshotReader) FindNegativeBalances(ctx context.Context, accountTypes []string) ([]*domain.Account, error) {
	accounts := []*domain.Account{}
	if len(accountTypes) == 0 {
		return accounts, nil
	}
	query := `
		SELECT a.id, a.account_number, a.name, a.account_type_id, at.code AS account_type_code,
			at.normality, a.balance, a.status, a.created_at, a.updated_at
		FROM accounts a
		JOIN account_types at ON at.id = a.account_type_id
		WHERE at.code = ANY($1)
			AND at.normality = 'credit'
			AND a.balance < 0
		ORDER BY a.balance ASC, a.id
	`
	if err := s.tx.SelectContext(ctx, &accounts, query, pq.Array(accountTypes)); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to find negative balances")
	}
	return accounts, nil
}

func (s *snapshotReader) ListTransactionTotals(ctx context.Context, after *ledger.Cursor, limit int) ([]*domain.TransactionTotals, error) {
	var totals []*domain.TransactionTotals
	var err error

	if after == nil {
		query := `
			SELECT t.id AS transaction_id, t.reference, t.created_at,
				COALESCE(SUM(e.amount) FILTER (WHERE e.direction = 'debit'), 0) AS total_debit,
				COALESCE(SUM(e.amount) FILTER (WHERE e.direction = 'credit'), 0) AS total_credit
			FROM transactions t
			LEFT JOIN entries e ON e.transaction_id = t.id
			WHERE t.status = 'completed'
			GROUP BY t.id
			ORDER BY t.created_at DESC, t.id DESC
			LIMIT $1
		`
		err = s.tx.SelectContext(ctx, &totals, query, limit)
	} else {
		query := `
			SELECT t.id AS transaction_id, t.reference, t.created_at,
				COALESCE(SUM(e.amount) FILTER (WHERE e.direction = 'debit'), 0) AS total_debit,
				COALESCE(SUM(e.amount) FILTER (WHERE e.direction = 'credit'), 0) AS total_credit
			FROM transactions t
			LEFT JOIN entries e ON e.transaction_id = t.id
			WHERE t.status = 'completed'
				AND (t.created_at, t.id) < ($1, $2)
			GROUP BY t.id
			ORDER BY t.created_at DESC, t.id DESC
			LIMIT $3
		`
		err = s.tx.SelectContext(ctx, &totals, query, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list transaction totals")
	}
	return totals, nil
}
