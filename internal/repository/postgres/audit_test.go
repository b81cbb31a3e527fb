package postgres

import (
	"context"
	"testing"
	"time"

	"chama/internal/domain"
	"chama/internal/scope"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditRepository_ListFilters(t *testing.T) {
	db := testDB(t)
	repo := NewAuditRepository(db)
	ctx := scope.WithSystem(context.Background())
	runID := uuid.New().String()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	entries := []*domain.AuditLog{
		{Action: domain.AuditActionAlert, EntityType: "reconciliation_run", EntityID: runID, CreatedAt: base},
		{Action: "POST /reconciliation/run", EntityType: "reconciliation_run", EntityID: runID, CreatedAt: base.Add(time.Minute)},
		{Action: domain.AuditActionAlert, EntityType: "reconciliation_run", EntityID: runID, CreatedAt: base.Add(2 * time.Minute)},
		{Action: domain.AuditActionAlert, EntityType: "reconciliation_run", EntityID: uuid.New().String(), CreatedAt: base},
	}
	for _, e := range entries {
		require.NoError(t, repo.Create(ctx, e))
		assert.NotEqual(t, uuid.Nil, e.ID)
	}

	all, err := repo.List(ctx, domain.AuditQuery{EntityType: "reconciliation_run", EntityID: runID})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, entries[2].ID, all[0].ID)

	alerts, err := repo.List(ctx, domain.AuditQuery{
		EntityType: "reconciliation_run",
		EntityID:   runID,
		Action:     domain.AuditActionAlert,
	})
	require.NoError(t, err)
	assert.Len(t, alerts, 2)

	since := base.Add(30 * time.Second)
	recent, err := repo.List(ctx, domain.AuditQuery{
		EntityType: "reconciliation_run",
		EntityID:   runID,
		Action:     domain.AuditActionAlert,
		Since:      &since,
		Limit:      10,
	})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, entries[2].ID, recent[0].ID)
}

func TestAuditRepository_RequiresScope(t *testing.T) {
	db := testDB(t)
	err := NewAuditRepository(db).Create(context.Background(), &domain.AuditLog{
		Action:     "GET /health",
		EntityType: "http_request",
		EntityID:   "/health",
	})
	assert.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 50, clampLimit(0))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, maxAuditPage, clampLimit(10_000))
}
