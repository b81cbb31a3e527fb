// ==============================================================================
// SETTLEMENT REPOSITORY - internal/repository/postgres/settlement.go
// ==============================================================================
package postgres

import (
	"context"
	"database/sql"
	"time"

	"chama/internal/domain"
	"chama/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type SettlementRepository struct {
	db *sqlx.DB
}

func NewSettlementRepository(db *sqlx.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

// FindSuccessfulCallbacks returns callbacks with the given result code received
// since the cutoff, each joined to the transaction that carries its receipt
// number as external reference.
func (r *SettlementRepository) FindSuccessfulCallbacks(ctx context.Context, since time.Time, successCode string) ([]*domain.CallbackMatch, error) {
	matches := []*domain.CallbackMatch{}
	query := `
		SELECT
			c.id, c.merchant_request_id, c.checkout_request_id, c.receipt_number, c.phone_number,
			c.amount, c.result_code, c.result_desc, c.transaction_date, c.created_at,
			t.id AS transaction_id,
			t.status AS transaction_status,
			d.amount AS transaction_amount
		FROM mpesa_callbacks c
		LEFT JOIN transactions t ON t.external_reference = c.receipt_number
		LEFT JOIN LATERAL (
			SELECT SUM(e.amount) AS amount
			FROM entries e
			WHERE e.transaction_id = t.id AND e.direction = 'debit'
		) d ON t.id IS NOT NULL
		WHERE c.result_code = $1 AND c.transaction_date >= $2
		ORDER BY c.transaction_date, c.id
	`
	err := inScope(ctx, r.db, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &matches, query, successCode, since)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to find successful callbacks")
	}
	return matches, nil
}

// FindUnconfirmedExternalTransactions returns completed transactions from the
// given source created since the cutoff for which no callback with the success
// code exists.
func (r *SettlementRepository) FindUnconfirmedExternalTransactions(ctx context.Context, source string, since time.Time, successCode string) ([]*domain.ExternalTransaction, error) {
	txns := []*domain.ExternalTransaction{}
	query := `
		SELECT
			t.id AS transaction_id, t.reference,
			COALESCE(t.external_reference, '') AS external_reference,
			t.status, t.created_at,
			COALESCE((
				SELECT SUM(e.amount) FROM entries e
				WHERE e.transaction_id = t.id AND e.direction = 'debit'
			), 0) AS amount
		FROM transactions t
		WHERE t.source = $1
			AND t.status = 'completed'
			AND t.created_at >= $2
			AND NOT EXISTS (
				SELECT 1 FROM mpesa_callbacks c
				WHERE c.receipt_number = t.external_reference AND c.result_code = $3
			)
		ORDER BY t.created_at, t.id
	`
	err := inScope(ctx, r.db, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &txns, query, source, since, successCode)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to find unconfirmed external transactions")
	}
	return txns, nil
}

// CreateMismatch records a mismatch unless a pending one with the same key
// already exists. It reports whether a row was written.
func (r *SettlementRepository) CreateMismatch(ctx context.Context, m *domain.SettlementMismatch) (bool, error) {
	query := `
		INSERT INTO settlement_mismatches (
			id, mismatch_key, callback_id, transaction_id, external_reference, mismatch_type,
			external_amount, ledger_amount, external_status, ledger_status, status, detected_at
		) VALUES (
			:id, :mismatch_key, :callback_id, :transaction_id, :external_reference, :mismatch_type,
			:external_amount, :ledger_amount, :external_status, :ledger_status, :status, :detected_at
		)
		ON CONFLICT (mismatch_key) WHERE status = 'pending' DO NOTHING
	`
	var created bool
	err := inScope(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, query, m)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n > 0
		return err
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to create settlement mismatch")
	}
	return created, nil
}

const mismatchColumns = `
	id, mismatch_key, callback_id, transaction_id, external_reference, mismatch_type,
	external_amount, ledger_amount, external_status, ledger_status, status,
	resolved_by, resolution_note, resolved_at, detected_at
`

// ListMismatches returns mismatches newest first, optionally filtered by status.
func (r *SettlementRepository) ListMismatches(ctx context.Context, status domain.MismatchStatus, limit int) ([]*domain.SettlementMismatch, error) {
	mismatches := []*domain.SettlementMismatch{}
	err := inScope(ctx, r.db, &sql.TxOptions{ReadOnly: true}, func(tx *sqlx.Tx) error {
		if status == "" {
			return tx.SelectContext(ctx, &mismatches,
				`SELECT `+mismatchColumns+` FROM settlement_mismatches ORDER BY detected_at DESC, id DESC LIMIT $1`,
				limit,
			)
		}
		return tx.SelectContext(ctx, &mismatches,
			`SELECT `+mismatchColumns+` FROM settlement_mismatches WHERE status = $1 ORDER BY detected_at DESC, id DESC LIMIT $2`,
			status, limit,
		)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list settlement mismatches")
	}
	return mismatches, nil
}

// ResolveMismatch marks a pending mismatch resolved. Balances are untouched.
func (r *SettlementRepository) ResolveMismatch(ctx context.Context, id uuid.UUID, resolvedBy, note string) (*domain.SettlementMismatch, error) {
	var m domain.SettlementMismatch
	err := inScope(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &m, `
			UPDATE settlement_mismatches SET
				status = 'resolved', resolved_by = $2, resolution_note = $3, resolved_at = $4
			WHERE id = $1 AND status = 'pending'
			RETURNING `+mismatchColumns,
			id, resolvedBy, note, time.Now().UTC(),
		)
		if err != sql.ErrNoRows {
			return err
		}

		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM settlement_mismatches WHERE id = $1)`, id); err != nil {
			return err
		}
		if !exists {
			return errors.ErrMismatchNotFound
		}
		return errors.ErrMismatchAlreadyResolved
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}
