package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"chama/internal/domain"
	"chama/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const maxAuditPage = 500

// AuditRepository stores the append-only audit trail: HTTP requests made
// against the reconciliation API and alerts raised by runs.
type AuditRepository struct {
	db *sqlx.DB
}

func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create appends one entry. A zero ID or timestamp is filled in.
func (r *AuditRepository) Create(ctx context.Context, entry *domain.AuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if len(entry.NewValues) == 0 {
		entry.NewValues = []byte("{}")
	}

	err := inScope(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO audit_logs (id, action, entity_type, entity_id, new_values, created_at)
			VALUES (:id, :action, :entity_type, :entity_id, :new_values, :created_at)
		`, entry)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "failed to append audit entry")
	}
	return nil
}

// List returns the entries of one entity matching q, newest first.
func (r *AuditRepository) List(ctx context.Context, q domain.AuditQuery) ([]*domain.AuditLog, error) {
	where := []string{"entity_type = $1", "entity_id = $2"}
	args := []interface{}{q.EntityType, q.EntityID}
	if q.Action != "" {
		args = append(args, q.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if q.Since != nil {
		args = append(args, *q.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	args = append(args, clampLimit(q.Limit))

	query := fmt.Sprintf(`
		SELECT id, action, entity_type, entity_id, new_values, created_at
		FROM audit_logs
		WHERE %s
		ORDER BY created_at DESC, id
		LIMIT $%d
	`, strings.Join(where, " AND "), len(args))

	entries := []*domain.AuditLog{}
	err := inScope(ctx, r.db, &sql.TxOptions{ReadOnly: true}, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &entries, query, args...)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit entries")
	}
	return entries, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > maxAuditPage:
		return maxAuditPage
	default:
		return limit
	}
}
