package postgres

import (
	"context"
	"database/sql"

	"chama/internal/scope"

	"github.com/jmoiron/sqlx"
)

// inScope runs fn in a transaction carrying the execution scope of ctx. The
// transaction commits when fn returns nil.
func inScope(ctx context.Context, db *sqlx.DB, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	if _, ok := scope.FromContext(ctx); !ok {
		return scope.ErrMissing
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := scope.Apply(ctx, tx); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
