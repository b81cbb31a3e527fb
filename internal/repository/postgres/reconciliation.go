// ==============================================================================
// RECONCILIATION REPOSITORY - internal/repository/postgres/reconciliation.go
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

type ReconciliationRepository struct {
	db *sqlx.DB
}

func NewReconciliationRepository(db *sqlx.DB) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

const runColumns = `
	id, run_type, status, started_at, completed_at, ledger_balance, difference,
	is_balanced, mismatch_count, mismatches, error_message
`

func (r *ReconciliationRepository) CreateRun(ctx context.Context, run *domain.ReconciliationRun) error {
	query := `
		INSERT INTO reconciliation_runs (` + runColumns + `) VALUES (
			:id, :run_type, :status, :started_at, :completed_at, :ledger_balance, :difference,
			:is_balanced, :mismatch_count, :mismatches, :error_message
		)
	`
	err := inScope(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, query, run)
		return err
	})
	return errors.Wrap(err, "failed to create reconciliation run")
}

// CompleteRun writes the terminal state of a run. A run leaves running exactly
// once; completing it again fails with ErrRunAlreadyCompleted.
func (r *ReconciliationRepository) CompleteRun(ctx context.Context, run *domain.ReconciliationRun) error {
	query := `
		UPDATE reconciliation_runs SET
			status = :status, completed_at = :completed_at, ledger_balance = :ledger_balance,
			difference = :difference, is_balanced = :is_balanced, mismatch_count = :mismatch_count,
			mismatches = :mismatches, error_message = :error_message
		WHERE id = :id AND status = 'running'
	`
	err := inScope(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, query, run)
		if err != nil {
			return errors.Wrap(err, "failed to complete reconciliation run")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM reconciliation_runs WHERE id = $1)`, run.ID); err != nil {
				return err
			}
			if !exists {
				return errors.ErrRunNotFound
			}
			return errors.ErrRunAlreadyCompleted
		}
		return nil
	})
	return err
}

func (r *ReconciliationRepository) CreateItem(ctx context.Context, item *domain.ReconciliationItem) error {
	query := `
		INSERT INTO reconciliation_items (id, run_id, account_id, item_type, metadata, created_at)
		VALUES (:id, :run_id, :account_id, :item_type, :metadata, :created_at)
	`
	err := inScope(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, query, item)
		return err
	})
	return errors.Wrap(err, "failed to create reconciliation item")
}

// FindRunByID returns a run with its items.
func (r *ReconciliationRepository) FindRunByID(ctx context.Context, id uuid.UUID) (*domain.ReconciliationRun, error) {
	var run domain.ReconciliationRun
	err := inScope(ctx, r.db, &sql.TxOptions{ReadOnly: true}, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &run, `SELECT `+runColumns+` FROM reconciliation_runs WHERE id = $1`, id)
		if err == sql.ErrNoRows {
			return errors.ErrRunNotFound
		}
		if err != nil {
			return errors.Wrap(err, "failed to find reconciliation run")
		}

		run.Items = []*domain.ReconciliationItem{}
		err = tx.SelectContext(ctx, &run.Items, `
			SELECT id, run_id, account_id, item_type, metadata, created_at
			FROM reconciliation_items
			WHERE run_id = $1
			ORDER BY created_at, id
		`, id)
		return errors.Wrap(err, "failed to find reconciliation items")
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the most recent runs, newest first.
func (r *ReconciliationRepository) ListRuns(ctx context.Context, limit int) ([]*domain.ReconciliationRun, error) {
	runs := []*domain.ReconciliationRun{}
	err := inScope(ctx, r.db, &sql.TxOptions{ReadOnly: true}, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &runs,
			`SELECT `+runColumns+` FROM reconciliation_runs ORDER BY started_at DESC, id DESC LIMIT $1`,
			limit,
		)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reconciliation runs")
	}
	return runs, nil
}

// FindStuckRuns returns runs still running that started before cutoff.
func (r *ReconciliationRepository) FindStuckRuns(ctx context.Context, cutoff time.Time) ([]*domain.ReconciliationRun, error) {
	runs := []*domain.ReconciliationRun{}
	err := inScope(ctx, r.db, &sql.TxOptions{ReadOnly: true}, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &runs, `
			SELECT `+runColumns+`
			FROM reconciliation_runs
			WHERE status = 'running' AND started_at < $1
			ORDER BY started_at
		`, cutoff)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to find stuck reconciliation runs")
	}
	return runs, nil
}
