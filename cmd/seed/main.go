// Seeding tool for a development chama ledger.
// Usage (env overrides):
//
//	SEED_MEMBERS=3 SEED_CONTRIBUTION=1500
//
// Creates the float, chama and member wallet accounts, then posts one M-Pesa
// contribution per member with a matching provider callback, so a fresh
// database reconciles clean. Reads DATABASE_URL via chama/pkg/config.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"chama/internal/domain"
	"chama/internal/ledger"
	"chama/internal/scope"
	"chama/pkg/config"
	"chama/pkg/errors"
	"chama/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("seed-ledger", cfg.Log.Level)
	defer logger.Sync(log)

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	members, err := strconv.Atoi(getenv("SEED_MEMBERS", "3"))
	if err != nil || members < 1 {
		log.Fatal("SEED_MEMBERS must be a positive integer", nil)
	}
	contribution, err := decimal.NewFromString(getenv("SEED_CONTRIBUTION", "1500"))
	if err != nil || !contribution.IsPositive() {
		log.Fatal("SEED_CONTRIBUTION must be a positive amount", nil)
	}

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	ctx := scope.WithSystem(context.Background())
	postings := ledger.NewService(db, cfg.Reconciliation.WalletAccountTypes)

	floatAccount := ensureAccount(ctx, db, log, "FLOAT-001", "M-Pesa Float", domain.AccountTypeMpesaFloat, nil)
	ensureAccount(ctx, db, log, "CHAMA-001", "Chama Savings", domain.AccountTypeChamaWallet, nil)

	for i := 1; i <= members; i++ {
		owner := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("seed-member-%d", i)))
		wallet := ensureAccount(ctx, db, log,
			fmt.Sprintf("MEMBER-%03d", i), fmt.Sprintf("Member %d Wallet", i), domain.AccountTypeUserWallet, &owner)

		receipt := fmt.Sprintf("SEED%06d", i)
		contribute(ctx, db, postings, log, receipt, floatAccount, wallet, contribution)
	}

	fmt.Println("OK: ledger seeded")
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func ensureAccount(ctx context.Context, db *sqlx.DB, log logger.Logger, number, name, typeCode string, owner *uuid.UUID) uuid.UUID {
	var id uuid.UUID
	err := inScope(ctx, db, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &id, `
			INSERT INTO accounts (account_number, name, account_type_id, owner_id)
			SELECT $1, $2, id, $4 FROM account_types WHERE code = $3
			ON CONFLICT (account_number) DO UPDATE SET updated_at = NOW()
			RETURNING id
		`, number, name, typeCode, owner)
	})
	if err != nil {
		log.Fatal("Ensure account failed", map[string]interface{}{
			"account_number": number,
			"error":          err.Error(),
		})
	}
	log.Info("Account ready", map[string]interface{}{"account_number": number, "type": typeCode})
	return id
}

// contribute posts a member deposit and records the provider callback for
// it. Receipts already posted are skipped, so reseeding is safe.
func contribute(ctx context.Context, db *sqlx.DB, postings *ledger.Service, log logger.Logger, receipt string, floatAccount, wallet uuid.UUID, amount decimal.Decimal) {
	_, err := postings.PostTransaction(ctx, &ledger.Posting{
		Reference:         "contribution-" + receipt,
		Description:       "Seeded M-Pesa contribution",
		Source:            domain.TransactionSourceMpesa,
		ExternalReference: &receipt,
		Entries: []ledger.PostingEntry{
			{AccountID: floatAccount, Direction: domain.DirectionDebit, Amount: amount},
			{AccountID: wallet, Direction: domain.DirectionCredit, Amount: amount},
		},
	})
	if err != nil {
		if errors.Is(err, errors.ErrDuplicateReference) {
			log.Info("Contribution already seeded", map[string]interface{}{"receipt": receipt})
			return
		}
		log.Fatal("Post contribution failed", map[string]interface{}{
			"receipt": receipt,
			"error":   err.Error(),
		})
	}

	err = inScope(ctx, db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO mpesa_callbacks (receipt_number, amount, result_code, result_desc, transaction_date)
			VALUES ($1, $2, $3, 'The service request is processed successfully.', $4)
		`, receipt, amount, domain.MpesaResultSuccess, time.Now().UTC())
		return err
	})
	if err != nil {
		log.Fatal("Insert callback failed", map[string]interface{}{
			"receipt": receipt,
			"error":   err.Error(),
		})
	}
	log.Info("Contribution seeded", map[string]interface{}{"receipt": receipt, "amount": amount.String()})
}

func inScope(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{})
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
