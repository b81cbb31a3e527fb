package postgres

import (
	"context"
	"testing"
	"time"

	"chama/internal/domain"
	"chama/internal/scope"
	"chama/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettlementRepository_CallbackMatching(t *testing.T) {
	db := testDB(t)
	ctx := scope.WithSystem(context.Background())
	repo := NewSettlementRepository(db)

	float := createAccount(t, db, domain.AccountTypeMpesaFloat, "FLOAT-S")
	wallet := createAccount(t, db, domain.AccountTypeUserWallet, "W-S")

	matchedTx := uuid.New()
	orphanTx := uuid.New()
	err := inScope(ctx, db, nil, func(tx *sqlx.Tx) error {
		stmts := []struct {
			query string
			args  []interface{}
		}{
			{`INSERT INTO mpesa_callbacks (receipt_number, amount, result_code, transaction_date)
				VALUES ('R123', 2000, '0', NOW()), ('R200', 300, '0', NOW()), ('R999', 10, '1032', NOW())`, nil},
			{`INSERT INTO transactions (id, reference, status, source, external_reference)
				VALUES ($1, 'DEP-R200', 'completed', 'mpesa', 'R200'), ($2, 'DEP-R404', 'completed', 'mpesa', 'R404')`,
				[]interface{}{matchedTx, orphanTx}},
			{`INSERT INTO entries (transaction_id, account_id, direction, amount) VALUES
				($1, $3, 'debit', 300), ($1, $4, 'credit', 300),
				($2, $3, 'debit', 75), ($2, $4, 'credit', 75)`,
				[]interface{}{matchedTx, orphanTx, float, wallet}},
		}
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	since := time.Now().UTC().Add(-24 * time.Hour)

	callbacks, err := repo.FindSuccessfulCallbacks(ctx, since, domain.MpesaResultSuccess)
	require.NoError(t, err)
	require.Len(t, callbacks, 2)

	byReceipt := map[string]*domain.CallbackMatch{}
	for _, c := range callbacks {
		byReceipt[c.ReceiptNumber] = c
	}
	assert.Nil(t, byReceipt["R123"].TransactionID)
	require.NotNil(t, byReceipt["R200"].TransactionID)
	assert.Equal(t, matchedTx, *byReceipt["R200"].TransactionID)
	assert.True(t, byReceipt["R200"].TransactionAmount.Decimal.Equal(decimal.NewFromInt(300)))

	unconfirmed, err := repo.FindUnconfirmedExternalTransactions(ctx, domain.TransactionSourceMpesa, since, domain.MpesaResultSuccess)
	require.NoError(t, err)
	require.Len(t, unconfirmed, 1)
	assert.Equal(t, orphanTx, unconfirmed[0].TransactionID)
	assert.True(t, unconfirmed[0].Amount.Equal(decimal.NewFromInt(75)))
}

func TestSettlementRepository_MismatchIdempotentWhilePending(t *testing.T) {
	db := testDB(t)
	ctx := scope.WithSystem(context.Background())
	repo := NewSettlementRepository(db)

	newMismatch := func() *domain.SettlementMismatch {
		return &domain.SettlementMismatch{
			ID:                uuid.New(),
			MismatchKey:       "missing_ledger:R123",
			ExternalReference: "R123",
			MismatchType:      domain.MismatchMissingLedger,
			ExternalAmount:    decimal.NewNullDecimal(decimal.NewFromInt(2000)),
			Status:            domain.MismatchStatusPending,
			DetectedAt:        time.Now().UTC(),
		}
	}

	first := newMismatch()
	created, err := repo.CreateMismatch(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateMismatch(ctx, newMismatch())
	require.NoError(t, err)
	assert.False(t, created)

	resolved, err := repo.ResolveMismatch(ctx, first.ID, "ops@chama", "manual deposit posted")
	require.NoError(t, err)
	assert.Equal(t, domain.MismatchStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "ops@chama", *resolved.ResolvedBy)

	_, err = repo.ResolveMismatch(ctx, first.ID, "ops@chama", "again")
	assert.ErrorIs(t, err, errors.ErrMismatchAlreadyResolved)

	_, err = repo.ResolveMismatch(ctx, uuid.New(), "ops@chama", "")
	assert.ErrorIs(t, err, errors.ErrMismatchNotFound)

	// Once resolved, the same discrepancy may be recorded again.
	created, err = repo.CreateMismatch(ctx, newMismatch())
	require.NoError(t, err)
	assert.True(t, created)

	pending, err := repo.ListMismatches(ctx, domain.MismatchStatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := repo.ListMismatches(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
