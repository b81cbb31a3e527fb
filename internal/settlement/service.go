// ==============================================================================
// SETTLEMENT RECONCILIATION SERVICE - internal/settlement/service.go
// ==============================================================================
package settlement

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"chama/internal/domain"
	"chama/pkg/errors"
	"chama/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("settlement")

type Repository interface {
	FindSuccessfulCallbacks(ctx context.Context, since time.Time, successCode string) ([]*domain.CallbackMatch, error)
	FindUnconfirmedExternalTransactions(ctx context.Context, source string, since time.Time, successCode string) ([]*domain.ExternalTransaction, error)
	CreateMismatch(ctx context.Context, m *domain.SettlementMismatch) (bool, error)
	ListMismatches(ctx context.Context, status domain.MismatchStatus, limit int) ([]*domain.SettlementMismatch, error)
	ResolveMismatch(ctx context.Context, id uuid.UUID, resolvedBy, note string) (*domain.SettlementMismatch, error)
}

// Observer receives the outcome of each settlement pass.
type Observer interface {
	SettlementFinished(summary *Summary, err error)
}

type Alerter interface {
	SendAlert(ctx context.Context, alert *domain.Alert) error
}

type Config struct {
	Window      time.Duration
	Source      string
	SuccessCode string
	Tolerance   decimal.Decimal
}

// Summary is the aggregate outcome of one pass.
type Summary struct {
	MismatchCount       int                          `json:"mismatch_count"`
	Mismatches          []*domain.SettlementMismatch `json:"mismatches"`
	ByType              map[domain.MismatchType]int  `json:"by_type"`
	Recorded            int                          `json:"recorded"`
	CallbacksChecked    int                          `json:"callbacks_checked"`
	TransactionsChecked int                          `json:"transactions_checked"`
	WindowStart         time.Time                    `json:"window_start"`
}

type Service struct {
	cfg      Config
	repo     Repository
	observer Observer
	alerter  Alerter
	logger   logger.Logger
}

func NewService(cfg Config, repo Repository, observer Observer, alerter Alerter, log logger.Logger) *Service {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Source == "" {
		cfg.Source = domain.TransactionSourceMpesa
	}
	if cfg.SuccessCode == "" {
		cfg.SuccessCode = domain.MpesaResultSuccess
	}
	if cfg.Tolerance.IsZero() {
		cfg.Tolerance = decimal.NewFromFloat(0.01)
	}
	return &Service{cfg: cfg, repo: repo, observer: observer, alerter: alerter, logger: log}
}

// ReconcileExternalTransactions matches successful provider callbacks in the
// window against the ledger, and ledger transactions from the provider against
// callbacks. Each mismatch is persisted on its own; a failed write does not
// stop the pass and is reported in the returned error. Balances are never
// modified.
func (s *Service) ReconcileExternalTransactions(ctx context.Context) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "settlement.ReconcileExternalTransactions")
	defer span.End()

	now := time.Now().UTC()
	since := now.Add(-s.cfg.Window)

	callbacks, err := s.repo.FindSuccessfulCallbacks(ctx, since, s.cfg.SuccessCode)
	if err != nil {
		s.finish(span, nil, err)
		return nil, err
	}
	unconfirmed, err := s.repo.FindUnconfirmedExternalTransactions(ctx, s.cfg.Source, since, s.cfg.SuccessCode)
	if err != nil {
		s.finish(span, nil, err)
		return nil, err
	}

	mismatches := Classify(callbacks, unconfirmed, s.cfg.Tolerance, now)
	summary := &Summary{
		MismatchCount:       len(mismatches),
		Mismatches:          mismatches,
		ByType:              map[domain.MismatchType]int{},
		CallbacksChecked:    len(callbacks),
		TransactionsChecked: len(unconfirmed),
		WindowStart:         since,
	}

	var errs []error
	for _, m := range mismatches {
		summary.ByType[m.MismatchType]++

		created, err := s.repo.CreateMismatch(ctx, m)
		if err != nil {
			s.logger.Error("Failed to record settlement mismatch", map[string]interface{}{
				"mismatch_key": m.MismatchKey,
				"error":        err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s: %w", m.MismatchKey, err))
			continue
		}
		if created {
			summary.Recorded++
			s.logger.Warn("Settlement mismatch detected", map[string]interface{}{
				"mismatch_type":      m.MismatchType,
				"external_reference": m.ExternalReference,
				"transaction_id":     m.TransactionID,
			})
		}
	}

	s.logger.Info("Settlement reconciliation finished", map[string]interface{}{
		"callbacks_checked":    summary.CallbacksChecked,
		"transactions_checked": summary.TransactionsChecked,
		"mismatch_count":       summary.MismatchCount,
		"recorded":             summary.Recorded,
	})

	if summary.MismatchCount > 0 {
		s.alert(ctx, summary)
	}

	err = errors.Join(errs...)
	s.finish(span, summary, err)
	return summary, err
}

func (s *Service) finish(span trace.Span, summary *Summary, err error) {
	if summary != nil {
		span.SetAttributes(attribute.Int("mismatch_count", summary.MismatchCount))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settlement reconciliation")
	}
	if s.observer != nil {
		s.observer.SettlementFinished(summary, err)
	}
}

func (s *Service) alert(ctx context.Context, summary *Summary) {
	if s.alerter == nil {
		return
	}
	types := make([]string, 0, len(summary.ByType))
	for t, n := range summary.ByType {
		types = append(types, fmt.Sprintf("%s=%d", t, n))
	}
	sort.Strings(types)

	alert := &domain.Alert{
		ID:            uuid.New(),
		Source:        domain.AlertSourceSettlement,
		Status:        "mismatches_detected",
		MismatchCount: summary.MismatchCount,
		Mismatches:    summary.Mismatches,
		Message:       "Settlement reconciliation found mismatches: " + strings.Join(types, ", "),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.alerter.SendAlert(ctx, alert); err != nil {
		s.logger.Error("Failed to send settlement alert", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// ListMismatches returns recorded mismatches, optionally filtered by status.
func (s *Service) ListMismatches(ctx context.Context, status domain.MismatchStatus, limit int) ([]*domain.SettlementMismatch, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.repo.ListMismatches(ctx, status, limit)
}

// ResolveMismatch marks a pending mismatch as resolved. Any correcting entry
// is posted separately by the operator.
func (s *Service) ResolveMismatch(ctx context.Context, id uuid.UUID, resolvedBy, note string) (*domain.SettlementMismatch, error) {
	m, err := s.repo.ResolveMismatch(ctx, id, resolvedBy, note)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Settlement mismatch resolved", map[string]interface{}{
		"mismatch_id": id,
		"resolved_by": resolvedBy,
	})
	return m, nil
}
