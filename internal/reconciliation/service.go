// ==============================================================================
// RECONCILIATION SERVICE - internal/reconciliation/service.go
// ==============================================================================
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"chama/internal/domain"
	"chama/internal/ledger"
	"chama/pkg/errors"
	"chama/pkg/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("reconciliation")

// RunRepository persists runs and their items.
type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.ReconciliationRun) error
	CompleteRun(ctx context.Context, run *domain.ReconciliationRun) error
	CreateItem(ctx context.Context, item *domain.ReconciliationItem) error
	FindRunByID(ctx context.Context, id uuid.UUID) (*domain.ReconciliationRun, error)
	ListRuns(ctx context.Context, limit int) ([]*domain.ReconciliationRun, error)
	FindStuckRuns(ctx context.Context, cutoff time.Time) ([]*domain.ReconciliationRun, error)
}

// SnapshotStore opens a read-consistent view of the ledger.
type SnapshotStore interface {
	Snapshot(ctx context.Context, fn func(ctx context.Context, r ledger.Reader) error) error
}

// Config controls scan bounds and stuck-run detection.
type Config struct {
	// DailyScanLimit bounds the integrity scan of full runs; 0 scans everything.
	DailyScanLimit int
	// QuickScanLimit bounds the integrity scan of hourly and quick runs.
	QuickScanLimit int
	StuckAfter     time.Duration
}

// Report is the outcome of one run.
type Report struct {
	Run       *domain.ReconciliationRun `json:"run"`
	Balance   *ledger.BalanceResult     `json:"balance"`
	Anomalies *ledger.AnomalyResult     `json:"anomalies"`
	Integrity *ledger.IntegrityResult   `json:"integrity"`
}

type Service struct {
	cfg      Config
	runs     RunRepository
	store    SnapshotStore
	checker  *ledger.Checker
	observer Observer
	alerter  Alerter
	logger   logger.Logger
}

func NewService(
	cfg Config,
	runs RunRepository,
	store SnapshotStore,
	checker *ledger.Checker,
	observer Observer,
	alerter Alerter,
	log logger.Logger,
) *Service {
	if observer == nil {
		observer = NopObserver{}
	}
	if alerter == nil {
		alerter = NopAlerter{}
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 30 * time.Minute
	}
	return &Service{
		cfg:      cfg,
		runs:     runs,
		store:    store,
		checker:  checker,
		observer: observer,
		alerter:  alerter,
		logger:   log,
	}
}

// RunDailyReconciliation runs the full pass.
func (s *Service) RunDailyReconciliation(ctx context.Context) (*Report, error) {
	return s.Run(ctx, domain.RunTypeDaily, s.cfg.DailyScanLimit)
}

// RunHourlyCheck runs the pass with the integrity scan bounded to the most
// recent transactions.
func (s *Service) RunHourlyCheck(ctx context.Context) (*Report, error) {
	return s.Run(ctx, domain.RunTypeHourly, s.cfg.QuickScanLimit)
}

// RunManual runs an on-demand pass. A quick pass uses the hourly scan bound.
func (s *Service) RunManual(ctx context.Context, quick bool) (*Report, error) {
	limit := s.cfg.DailyScanLimit
	if quick {
		limit = s.cfg.QuickScanLimit
	}
	return s.Run(ctx, domain.RunTypeManual, limit)
}

// Run executes one reconciliation pass. Every call creates its own run record.
// Errors raised after the record exists mark it failed and are returned so
// the caller's retry policy applies.
func (s *Service) Run(ctx context.Context, runType domain.RunType, scanLimit int) (*Report, error) {
	ctx, span := tracer.Start(ctx, "reconciliation.Run")
	defer span.End()

	started := time.Now().UTC()
	run := &domain.ReconciliationRun{
		ID:         uuid.New(),
		RunType:    runType,
		Status:     domain.RunStatusRunning,
		StartedAt:  started,
		Mismatches: domain.Findings{},
	}
	span.SetAttributes(
		attribute.String("run_id", run.ID.String()),
		attribute.String("run_type", string(runType)),
	)

	if err := s.runs.CreateRun(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create run")
		return nil, err
	}
	s.observer.RunStarted(run)

	log := s.logger.With(map[string]interface{}{
		"run_id":   run.ID,
		"run_type": runType,
	})
	log.Info("Reconciliation run started", map[string]interface{}{
		"scan_limit": scanLimit,
	})

	report, err := s.execute(ctx, run, scanLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		return nil, s.fail(ctx, run, started, err, log)
	}

	s.observer.RunFinished(report, time.Since(started))
	span.SetAttributes(
		attribute.String("status", string(run.Status)),
		attribute.Int("mismatch_count", run.MismatchCount),
	)

	fields := map[string]interface{}{
		"status":         run.Status,
		"is_balanced":    run.IsBalanced,
		"difference":     run.Difference.String(),
		"mismatch_count": run.MismatchCount,
		"scanned":        report.Integrity.Scanned,
		"truncated":      report.Integrity.Truncated,
	}
	if run.Status == domain.RunStatusCompleted {
		log.Info("Reconciliation run completed", fields)
		return report, nil
	}

	log.Warn("Reconciliation run found discrepancies", fields)
	s.alert(ctx, run, log)
	return report, nil
}

func (s *Service) execute(ctx context.Context, run *domain.ReconciliationRun, scanLimit int) (*Report, error) {
	report := &Report{Run: run}

	// Order matters: negative balances are escalated when the ledger is
	// already known to be imbalanced.
	err := s.store.Snapshot(ctx, func(ctx context.Context, r ledger.Reader) error {
		var err error
		if report.Balance, err = s.checker.CheckLedgerBalance(ctx, r); err != nil {
			return err
		}
		if report.Anomalies, err = s.checker.CheckAccountAnomalies(ctx, r, run.ID); err != nil {
			return err
		}
		report.Integrity, err = s.checker.ValidateTransactionIntegrity(ctx, r, scanLimit)
		return err
	})
	if err != nil {
		return nil, err
	}

	findings := compileFindings(report)
	now := time.Now().UTC()
	run.Status = domain.StatusFor(findings)
	run.CompletedAt = &now
	run.LedgerBalance = report.Balance.TotalDebitBalance
	run.Difference = report.Balance.Difference
	run.IsBalanced = report.Balance.IsBalanced
	run.Mismatches = findings
	run.MismatchCount = len(findings)

	if err := s.runs.CompleteRun(ctx, run); err != nil {
		return nil, err
	}
	return report, nil
}

// compileFindings turns check results into severity-tagged findings.
func compileFindings(report *Report) domain.Findings {
	findings := domain.Findings{}

	if !report.Balance.IsBalanced {
		findings = append(findings, domain.Finding{
			Type:     domain.FindingLedgerImbalance,
			Severity: domain.SeverityCritical,
			LedgerImbalance: &domain.LedgerImbalance{
				TotalDebitBalance:  report.Balance.TotalDebitBalance,
				TotalCreditBalance: report.Balance.TotalCreditBalance,
				Difference:         report.Balance.Difference,
			},
		})
	}

	negativeSeverity := domain.SeverityHigh
	if !report.Balance.IsBalanced {
		negativeSeverity = domain.SeverityCritical
	}
	for _, acc := range report.Anomalies.NegativeBalances {
		findings = append(findings, domain.Finding{
			Type:     domain.FindingNegativeBalance,
			Severity: negativeSeverity,
			NegativeBalance: &domain.NegativeBalance{
				AccountID:     acc.ID,
				AccountNumber: acc.AccountNumber,
				AccountType:   acc.AccountTypeCode,
				Balance:       acc.Balance,
			},
		})
	}

	for _, ut := range report.Integrity.UnbalancedTransactions {
		findings = append(findings, domain.Finding{
			Type:     domain.FindingUnbalancedTransaction,
			Severity: domain.SeverityCritical,
			UnbalancedTransaction: &domain.UnbalancedTransaction{
				TransactionID: ut.Totals.TransactionID,
				Reference:     ut.Totals.Reference,
				TotalDebit:    ut.Totals.TotalDebit,
				TotalCredit:   ut.Totals.TotalCredit,
				Difference:    ut.Difference,
			},
		})
	}

	return findings
}

// fail records the run as failed and returns the cause. The record is written
// even when ctx has been cancelled.
func (s *Service) fail(ctx context.Context, run *domain.ReconciliationRun, started time.Time, cause error, log logger.Logger) error {
	ctx = context.WithoutCancel(ctx)

	now := time.Now().UTC()
	msg := cause.Error()
	run.Status = domain.RunStatusFailed
	run.CompletedAt = &now
	run.ErrorMessage = &msg
	run.MismatchCount = len(run.Mismatches)

	log.Error("Reconciliation run failed", map[string]interface{}{
		"error": msg,
	})

	if err := s.runs.CompleteRun(ctx, run); err != nil {
		log.Error("Failed to record failed reconciliation run", map[string]interface{}{
			"error": err.Error(),
		})
	}

	s.observer.RunFinished(&Report{Run: run}, time.Since(started))
	s.alert(ctx, run, log)

	return fmt.Errorf("reconciliation run %s: %w", run.ID, cause)
}

func (s *Service) alert(ctx context.Context, run *domain.ReconciliationRun, log logger.Logger) {
	runID := run.ID
	message := fmt.Sprintf("Reconciliation %s run finished with status %s", run.RunType, run.Status)
	if run.ErrorMessage != nil {
		message = fmt.Sprintf("%s: %s", message, *run.ErrorMessage)
	}

	alert := &domain.Alert{
		ID:            uuid.New(),
		Source:        domain.AlertSourceReconciliation,
		RunID:         &runID,
		RunType:       run.RunType,
		Status:        string(run.Status),
		MismatchCount: run.MismatchCount,
		Mismatches:    run.Mismatches,
		Message:       message,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.alerter.SendAlert(ctx, alert); err != nil {
		log.Error("Failed to send reconciliation alert", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// DetectStuckRuns reports runs that started longer ago than the stuck
// threshold and never completed. They are reported, never modified.
func (s *Service) DetectStuckRuns(ctx context.Context) ([]*domain.ReconciliationRun, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.StuckAfter)
	stuck, err := s.runs.FindStuckRuns(ctx, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to detect stuck runs")
	}

	for _, run := range stuck {
		s.logger.Warn("Reconciliation run stuck in running state", map[string]interface{}{
			"run_id":     run.ID,
			"run_type":   run.RunType,
			"started_at": run.StartedAt,
		})
	}
	s.observer.StuckRuns(len(stuck))
	return stuck, nil
}

// GetRun returns a run with its items.
func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*domain.ReconciliationRun, error) {
	return s.runs.FindRunByID(ctx, id)
}

const (
	defaultHistory = 10
	maxHistory     = 100
)

// ListRuns returns the most recent runs. limit defaults to 10 and is capped
// at 100.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]*domain.ReconciliationRun, error) {
	switch {
	case limit <= 0:
		limit = defaultHistory
	case limit > maxHistory:
		limit = maxHistory
	}
	return s.runs.ListRuns(ctx, limit)
}
