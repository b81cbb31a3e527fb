// ==============================================================================
// LEDGER POSTING - internal/ledger/service.go
// ==============================================================================
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"chama/internal/domain"
	"chama/internal/scope"
	"chama/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type Service struct {
	db          *sqlx.DB
	walletTypes map[string]bool
}

// NewService builds the posting service. Accounts of the given wallet types
// are refused any posting that would take them below zero.
func NewService(db *sqlx.DB, walletTypes []string) *Service {
	wt := make(map[string]bool, len(walletTypes))
	for _, t := range walletTypes {
		wt[t] = true
	}
	return &Service{db: db, walletTypes: wt}
}

type PostingEntry struct {
	AccountID uuid.UUID
	Direction domain.Direction
	Amount    decimal.Decimal
}

type Posting struct {
	Reference         string
	Description       string
	Source            string
	ExternalReference *string
	Entries           []PostingEntry
}

// ValidatePosting checks that a posting has positive amounts on both sides
// and that debits equal credits exactly.
func ValidatePosting(p *Posting) error {
	if p.Reference == "" {
		return fmt.Errorf("%w: reference is required", errors.ErrInvalidPosting)
	}
	var debits, credits decimal.Decimal
	var hasDebit, hasCredit bool
	for i, e := range p.Entries {
		if !e.Amount.IsPositive() {
			return fmt.Errorf("%w: entry %d amount must be positive", errors.ErrInvalidPosting, i)
		}
		switch e.Direction {
		case domain.DirectionDebit:
			debits = debits.Add(e.Amount)
			hasDebit = true
		case domain.DirectionCredit:
			credits = credits.Add(e.Amount)
			hasCredit = true
		default:
			return fmt.Errorf("%w: entry %d has direction %q", errors.ErrInvalidPosting, i, e.Direction)
		}
	}
	if !hasDebit || !hasCredit {
		return fmt.Errorf("%w: a debit and a credit entry are required", errors.ErrInvalidPosting)
	}
	if !debits.Equal(credits) {
		return fmt.Errorf("%w: debits %s, credits %s", errors.ErrUnbalancedPosting, debits, credits)
	}
	return nil
}

// PostTransaction records a completed transaction and applies its entries to
// account balances atomically.
func (s *Service) PostTransaction(ctx context.Context, p *Posting) (*domain.Transaction, error) {
	if err := ValidatePosting(p); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := scope.Apply(ctx, tx); err != nil {
		return nil, err
	}

	// Lock accounts in deterministic order to prevent deadlocks
	ids := make([]uuid.UUID, 0, len(p.Entries))
	seen := map[uuid.UUID]bool{}
	for _, e := range p.Entries {
		if !seen[e.AccountID] {
			seen[e.AccountID] = true
			ids = append(ids, e.AccountID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	idStrings := make([]string, len(ids))
	for i, id := range ids {
		idStrings[i] = id.String()
	}

	var accounts []*domain.Account
	err = tx.SelectContext(ctx, &accounts, `
		SELECT a.id, a.account_number, a.name, a.account_type_id, at.code AS account_type_code,
			at.normality, a.balance, a.status, a.created_at, a.updated_at
		FROM accounts a
		JOIN account_types at ON at.id = a.account_type_id
		WHERE a.id = ANY($1::uuid[])
		ORDER BY a.id
		FOR UPDATE OF a
	`, pq.Array(idStrings))
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock accounts")
	}
	if len(accounts) != len(ids) {
		return nil, errors.ErrAccountNotFound
	}

	byID := make(map[uuid.UUID]*domain.Account, len(accounts))
	for _, a := range accounts {
		if a.Status != domain.AccountStatusActive {
			return nil, fmt.Errorf("%w: account %s is %s", errors.ErrInvalidPosting, a.AccountNumber, a.Status)
		}
		byID[a.ID] = a
	}

	for _, e := range p.Entries {
		a := byID[e.AccountID]
		a.Balance = a.Balance.Add(domain.SignedAmount(a.Normality, e.Direction, e.Amount))
	}
	for _, a := range accounts {
		if s.walletTypes[a.AccountTypeCode] && a.Balance.IsNegative() {
			return nil, errors.ErrInsufficientBalance
		}
	}

	now := time.Now().UTC()
	source := p.Source
	if source == "" {
		source = domain.TransactionSourceInternal
	}
	txn := &domain.Transaction{
		ID:                uuid.New(),
		Reference:         p.Reference,
		Description:       p.Description,
		Status:            domain.TransactionStatusCompleted,
		Source:            source,
		ExternalReference: p.ExternalReference,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO transactions (
			id, reference, description, status, source, external_reference, created_at, updated_at
		) VALUES (
			:id, :reference, :description, :status, :source, :external_reference, :created_at, :updated_at
		)
	`, txn)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return nil, fmt.Errorf("%w: %s", errors.ErrDuplicateReference, p.Reference)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert transaction")
	}

	for _, e := range p.Entries {
		entry := &domain.Entry{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			AccountID:     e.AccountID,
			Direction:     e.Direction,
			Amount:        e.Amount,
			CreatedAt:     now,
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO entries (id, transaction_id, account_id, direction, amount, created_at)
			VALUES (:id, :transaction_id, :account_id, :direction, :amount, :created_at)
		`, entry)
		if err != nil {
			return nil, errors.Wrap(err, "failed to insert entry")
		}
		txn.Entries = append(txn.Entries, entry)
	}

	for _, a := range accounts {
		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3`,
			a.Balance, now, a.ID,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to update balance")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}
