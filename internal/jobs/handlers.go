// Package jobs binds queued job types to the reconciliation services.
package jobs

import (
	"context"
	"fmt"

	"chama/internal/domain"
	"chama/internal/queue"
	"chama/internal/reconciliation"
	"chama/internal/scope"
	"chama/internal/settlement"
	"chama/pkg/logger"
)

const (
	TypeReconciliationRun   = "reconciliation.run"
	TypeSettlementReconcile = "settlement.reconcile"
)

// RunPayload is the payload of a reconciliation.run job.
type RunPayload struct {
	RunType domain.RunType `json:"run_type"`
	// Quick bounds the integrity scan of a manual run.
	Quick bool `json:"quick,omitempty"`
}

type Reconciler interface {
	RunDailyReconciliation(ctx context.Context) (*reconciliation.Report, error)
	RunHourlyCheck(ctx context.Context) (*reconciliation.Report, error)
	RunManual(ctx context.Context, quick bool) (*reconciliation.Report, error)
	DetectStuckRuns(ctx context.Context) ([]*domain.ReconciliationRun, error)
}

type SettlementReconciler interface {
	ReconcileExternalTransactions(ctx context.Context) (*settlement.Summary, error)
}

type Handlers struct {
	reconciler Reconciler
	settlement SettlementReconciler
	logger     logger.Logger
}

func NewHandlers(reconciler Reconciler, settlement SettlementReconciler, log logger.Logger) *Handlers {
	return &Handlers{
		reconciler: reconciler,
		settlement: settlement,
		logger:     log,
	}
}

// Register binds every job type to w.
func (h *Handlers) Register(w *queue.Worker) {
	w.Register(TypeReconciliationRun, h.ReconciliationRun)
	w.Register(TypeSettlementReconcile, h.SettlementReconcile)
}

// ReconciliationRun runs the pass named by the payload with system scope.
// A run that finishes with findings is a success for the queue; only errors
// that left the run failed are returned for retry.
func (h *Handlers) ReconciliationRun(ctx context.Context, job *queue.Job) error {
	var p RunPayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Type, err)
	}
	if p.RunType == "" {
		p.RunType = domain.RunTypeManual
	}

	ctx = scope.WithSystem(ctx)

	var err error
	switch p.RunType {
	case domain.RunTypeDaily:
		_, err = h.reconciler.RunDailyReconciliation(ctx)
	case domain.RunTypeHourly:
		_, err = h.reconciler.RunHourlyCheck(ctx)
		if _, serr := h.reconciler.DetectStuckRuns(ctx); serr != nil {
			h.logger.Error("Stuck run detection failed", map[string]interface{}{
				"job_id": job.ID,
				"error":  serr,
			})
		}
	case domain.RunTypeManual:
		_, err = h.reconciler.RunManual(ctx, p.Quick)
	default:
		return fmt.Errorf("unknown run type %q", p.RunType)
	}
	return err
}

// SettlementReconcile runs one settlement pass with system scope.
func (h *Handlers) SettlementReconcile(ctx context.Context, job *queue.Job) error {
	summary, err := h.settlement.ReconcileExternalTransactions(scope.WithSystem(ctx))
	if summary != nil {
		h.logger.Info("Settlement job finished", map[string]interface{}{
			"job_id":         job.ID,
			"mismatch_count": summary.MismatchCount,
			"recorded":       summary.Recorded,
		})
	}
	return err
}
