package postgres

import (
	"context"
	"testing"
	"time"

	"chama/internal/domain"
	"chama/internal/scope"
	"chama/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconciliationRepository_RunLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := scope.WithSystem(context.Background())
	repo := NewReconciliationRepository(db)

	run := &domain.ReconciliationRun{
		ID:        uuid.New(),
		RunType:   domain.RunTypeDaily,
		Status:    domain.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateRun(ctx, run))

	now := time.Now().UTC()
	run.Status = domain.RunStatusFailed
	run.CompletedAt = &now
	run.Difference = decimal.NewFromInt(50)
	run.Mismatches = domain.Findings{{
		Type:     domain.FindingLedgerImbalance,
		Severity: domain.SeverityCritical,
		LedgerImbalance: &domain.LedgerImbalance{
			TotalDebitBalance:  decimal.NewFromInt(10000),
			TotalCreditBalance: decimal.NewFromInt(9950),
			Difference:         decimal.NewFromInt(50),
		},
	}}
	run.MismatchCount = 1
	require.NoError(t, repo.CompleteRun(ctx, run))

	err := repo.CompleteRun(ctx, run)
	assert.ErrorIs(t, err, errors.ErrRunAlreadyCompleted)

	stored, err := repo.FindRunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
	require.Len(t, stored.Mismatches, 1)
	assert.Equal(t, domain.FindingLedgerImbalance, stored.Mismatches[0].Type)
	assert.True(t, stored.Mismatches[0].LedgerImbalance.Difference.Equal(decimal.NewFromInt(50)))
	assert.Empty(t, stored.Items)
}

func TestReconciliationRepository_NotFound(t *testing.T) {
	db := testDB(t)
	ctx := scope.WithSystem(context.Background())
	repo := NewReconciliationRepository(db)

	_, err := repo.FindRunByID(ctx, uuid.New())
	assert.ErrorIs(t, err, errors.ErrRunNotFound)

	err = repo.CompleteRun(ctx, &domain.ReconciliationRun{ID: uuid.New(), Status: domain.RunStatusCompleted})
	assert.ErrorIs(t, err, errors.ErrRunNotFound)
}

func TestReconciliationRepository_ListAndStuck(t *testing.T) {
	db := testDB(t)
	ctx := scope.WithSystem(context.Background())
	repo := NewReconciliationRepository(db)

	old := &domain.ReconciliationRun{
		ID:        uuid.New(),
		RunType:   domain.RunTypeHourly,
		Status:    domain.RunStatusRunning,
		StartedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	fresh := &domain.ReconciliationRun{
		ID:        uuid.New(),
		RunType:   domain.RunTypeManual,
		Status:    domain.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateRun(ctx, old))
	require.NoError(t, repo.CreateRun(ctx, fresh))

	runs, err := repo.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, fresh.ID, runs[0].ID)

	stuck, err := repo.FindStuckRuns(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, old.ID, stuck[0].ID)
}
