// Package scope carries the execution privilege of a call explicitly through
// context.Context. Repositories refuse to run without one and forward it to the
// database, where row-level security policies read app.execution_scope.
package scope

import (
	"context"
	"database/sql"

	"chama/pkg/errors"

	"github.com/google/uuid"
)

// ErrMissing is returned when a store call carries no scope.
var ErrMissing = errors.ErrScopeRequired

type Kind string

const (
	// System is used by scheduled jobs and reconciliation passes.
	System Kind = "system"
	// User is used for requests acting on behalf of one member.
	User Kind = "user"
)

// Scope is the privilege a call runs with.
type Scope struct {
	Kind   Kind
	UserID uuid.UUID
}

type ctxKey struct{}

// WithSystem returns a context granting system privileges.
func WithSystem(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, Scope{Kind: System})
}

// WithUser returns a context scoped to one user.
func WithUser(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, Scope{Kind: User, UserID: userID})
}

// FromContext returns the scope carried by ctx.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(ctxKey{}).(Scope)
	return s, ok
}

// Setting is the value written to app.execution_scope.
func (s Scope) Setting() string {
	if s.Kind == User {
		return string(User) + ":" + s.UserID.String()
	}
	return string(s.Kind)
}

// Execer is satisfied by *sql.Tx and *sqlx.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Apply writes the scope carried by ctx into the current transaction. It fails
// when ctx carries no scope.
func Apply(ctx context.Context, tx Execer) error {
	s, ok := FromContext(ctx)
	if !ok {
		return ErrMissing
	}
	_, err := tx.ExecContext(ctx, `SELECT set_config('app.execution_scope', $1, true)`, s.Setting())
	return err
}
