package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"chama/internal/domain"
	"chama/internal/jobs"
	"chama/internal/queue"
	"chama/internal/reconciliation"
	"chama/internal/scheduler"
	"chama/internal/settlement"
	"chama/pkg/cache"
	"chama/pkg/errors"
	"chama/pkg/validator"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

type Reconciler interface {
	RunManual(ctx context.Context, quick bool) (*reconciliation.Report, error)
	GetRun(ctx context.Context, id uuid.UUID) (*domain.ReconciliationRun, error)
	ListRuns(ctx context.Context, limit int) ([]*domain.ReconciliationRun, error)
}

type SettlementService interface {
	ReconcileExternalTransactions(ctx context.Context) (*settlement.Summary, error)
	ListMismatches(ctx context.Context, status domain.MismatchStatus, limit int) ([]*domain.SettlementMismatch, error)
	ResolveMismatch(ctx context.Context, id uuid.UUID, resolvedBy, note string) (*domain.SettlementMismatch, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts queue.Options) (string, error)
	Counts(ctx context.Context) (*queue.Counts, error)
}

type Scheduler interface {
	Schedule(ctx context.Context, name, spec, jobType string, payload interface{}) (*scheduler.Entry, error)
}

type SummaryCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type AuditTrail interface {
	List(ctx context.Context, q domain.AuditQuery) ([]*domain.AuditLog, error)
}

type ReconciliationHandlerConfig struct {
	DailyCron      string
	HourlyCron     string
	HealthCacheTTL time.Duration
}

type ReconciliationHandler struct {
	reconciler Reconciler
	settlement SettlementService
	queue      JobQueue
	scheduler  Scheduler
	cache      SummaryCache
	audit      AuditTrail
	validator  *validator.Validator
	cfg        ReconciliationHandlerConfig
	logger     Logger
}

func NewReconciliationHandler(
	cfg ReconciliationHandlerConfig,
	reconciler Reconciler,
	settlement SettlementService,
	q JobQueue,
	sched Scheduler,
	summaryCache SummaryCache,
	audit AuditTrail,
	val *validator.Validator,
	log Logger,
) *ReconciliationHandler {
	return &ReconciliationHandler{
		reconciler: reconciler,
		settlement: settlement,
		queue:      q,
		scheduler:  sched,
		cache:      summaryCache,
		audit:      audit,
		validator:  val,
		cfg:        cfg,
		logger:     log,
	}
}

// RegisterRoutes mounts the reconciliation API on r. Fixed paths are
// registered before the run id route.
func (h *ReconciliationHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/history", h.History).Methods(http.MethodGet)
	r.HandleFunc("/run", h.TriggerRun).Methods(http.MethodPost)
	r.HandleFunc("/schedule/daily", h.ScheduleDaily).Methods(http.MethodPost)
	r.HandleFunc("/schedule/hourly", h.ScheduleHourly).Methods(http.MethodPost)
	r.HandleFunc("/mpesa", h.ReconcileMpesa).Methods(http.MethodPost)
	r.HandleFunc("/queue/status", h.QueueStatus).Methods(http.MethodGet)
	r.HandleFunc("/mismatches", h.ListMismatches).Methods(http.MethodGet)
	r.HandleFunc("/mismatches/{id}/resolve", h.ResolveMismatch).Methods(http.MethodPost)
	r.HandleFunc("/{runId}/alerts", h.RunAlerts).Methods(http.MethodGet)
	r.HandleFunc("/{runId}", h.GetRun).Methods(http.MethodGet)
}

const healthCacheKey = "health"

// HealthSummary is the body of GET /reconciliation/health.
type HealthSummary struct {
	RunID         uuid.UUID        `json:"run_id"`
	Status        domain.RunStatus `json:"status"`
	IsBalanced    bool             `json:"is_balanced"`
	LedgerBalance decimal.Decimal  `json:"ledger_balance"`
	Difference    decimal.Decimal  `json:"difference"`
	MismatchCount int              `json:"mismatch_count"`
	Scanned       int              `json:"scanned"`
	Truncated     bool             `json:"truncated"`
	CheckedAt     time.Time        `json:"checked_at"`
	Cached        bool             `json:"cached"`
}

func healthStatusCode(s domain.RunStatus) int {
	if s == domain.RunStatusFailed {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Health runs a quick reconciliation and returns its summary. Summaries are
// cached so repeated probes do not each scan the ledger.
func (h *ReconciliationHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var cached HealthSummary
	if h.cache != nil {
		err := h.cache.Get(ctx, healthCacheKey, &cached)
		if err == nil {
			cached.Cached = true
			respondJSON(w, healthStatusCode(cached.Status), cached)
			return
		}
		if !errors.Is(err, cache.ErrMiss) {
			h.logger.Warn("Health cache read failed", map[string]interface{}{"error": err.Error()})
		}
	}

	report, err := h.reconciler.RunManual(ctx, true)
	if err != nil {
		h.logger.Error("Health reconciliation failed", map[string]interface{}{"error": err.Error()})
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": domain.RunStatusFailed,
			"error":  err.Error(),
		})
		return
	}

	run := report.Run
	summary := HealthSummary{
		RunID:         run.ID,
		Status:        run.Status,
		IsBalanced:    run.IsBalanced,
		LedgerBalance: run.LedgerBalance,
		Difference:    run.Difference,
		MismatchCount: run.MismatchCount,
		CheckedAt:     time.Now().UTC(),
	}
	if report.Integrity != nil {
		summary.Scanned = report.Integrity.Scanned
		summary.Truncated = report.Integrity.Truncated
	}

	if h.cache != nil && h.cfg.HealthCacheTTL > 0 {
		if err := h.cache.Set(ctx, healthCacheKey, summary, h.cfg.HealthCacheTTL); err != nil {
			h.logger.Warn("Health cache write failed", map[string]interface{}{"error": err.Error()})
		}
	}
	respondJSON(w, healthStatusCode(summary.Status), summary)
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (h *ReconciliationHandler) History(w http.ResponseWriter, r *http.Request) {
	runs, err := h.reconciler.ListRuns(r.Context(), queryLimit(r, 10))
	if err != nil {
		h.logger.Error("Failed to list reconciliation runs", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Failed to list reconciliation runs")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (h *ReconciliationHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["runId"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid run ID")
		return
	}

	run, err := h.reconciler.GetRun(r.Context(), id)
	if errors.Is(err, errors.ErrRunNotFound) {
		respondError(w, http.StatusNotFound, "Reconciliation run not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to get reconciliation run", map[string]interface{}{
			"run_id": id,
			"error":  err.Error(),
		})
		respondError(w, http.StatusInternalServerError, "Failed to get reconciliation run")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// RunAlerts returns the alerts recorded for a run.
func (h *ReconciliationHandler) RunAlerts(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["runId"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid run ID")
		return
	}
	q := domain.AuditQuery{
		EntityType: "reconciliation_run",
		EntityID:   id.String(),
		Action:     domain.AuditActionAlert,
		Limit:      queryLimit(r, 50),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		q.Since = &since
	}
	logs, err := h.audit.List(r.Context(), q)
	if err != nil {
		h.logger.Error("Failed to load run alerts", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Failed to load run alerts")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"alerts": logs})
}

type triggerRunRequest struct {
	Quick bool `json:"quick"`
}

// TriggerRun enqueues a manual run. An Idempotency-Key header makes retries
// of the same request enqueue one job.
func (h *ReconciliationHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	opts := queue.Options{}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		opts.JobID = "manual:" + key
	}

	payload := jobs.RunPayload{RunType: domain.RunTypeManual, Quick: req.Quick}
	jobID, err := h.queue.Enqueue(r.Context(), jobs.TypeReconciliationRun, payload, opts)
	if err != nil {
		h.logger.Error("Failed to enqueue reconciliation run", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Failed to enqueue reconciliation run")
		return
	}
	if h.cache != nil {
		if err := h.cache.Delete(r.Context(), healthCacheKey); err != nil {
			h.logger.Warn("Health cache invalidation failed", map[string]interface{}{"error": err.Error()})
		}
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "queued",
	})
}

type scheduleRequest struct {
	Cron string `json:"cron" validate:"omitempty,cron"`
}

func (h *ReconciliationHandler) ScheduleDaily(w http.ResponseWriter, r *http.Request) {
	h.schedule(w, r, domain.RunTypeDaily, h.cfg.DailyCron)
}

func (h *ReconciliationHandler) ScheduleHourly(w http.ResponseWriter, r *http.Request) {
	h.schedule(w, r, domain.RunTypeHourly, h.cfg.HourlyCron)
}

func (h *ReconciliationHandler) schedule(w http.ResponseWriter, r *http.Request, runType domain.RunType, defaultCron string) {
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validator.Validate(&req); err != nil {
		respondValidationError(w, err)
		return
	}
	spec := req.Cron
	if spec == "" {
		spec = defaultCron
	}

	name := "reconciliation:" + string(runType)
	entry, err := h.scheduler.Schedule(r.Context(), name, spec, jobs.TypeReconciliationRun, jobs.RunPayload{RunType: runType})
	if errors.Is(err, errors.ErrInvalidSchedule) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("Failed to schedule reconciliation", map[string]interface{}{
			"name":  name,
			"error": err.Error(),
		})
		respondError(w, http.StatusInternalServerError, "Failed to schedule reconciliation")
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

// ReconcileMpesa runs the settlement reconciler synchronously. Mismatches that
// could not be recorded are reported alongside the summary.
func (h *ReconciliationHandler) ReconcileMpesa(w http.ResponseWriter, r *http.Request) {
	summary, err := h.settlement.ReconcileExternalTransactions(r.Context())
	if err != nil && summary == nil {
		h.logger.Error("Settlement reconciliation failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Settlement reconciliation failed")
		return
	}
	if err != nil {
		h.logger.Warn("Settlement reconciliation finished with errors", map[string]interface{}{"error": err.Error()})
		respondJSON(w, http.StatusMultiStatus, map[string]interface{}{
			"summary": summary,
			"error":   err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *ReconciliationHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Counts(r.Context())
	if err != nil {
		h.logger.Error("Failed to read queue status", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Failed to read queue status")
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

type listMismatchesQuery struct {
	Status string `validate:"omitempty,oneof=pending resolved"`
}

func (h *ReconciliationHandler) ListMismatches(w http.ResponseWriter, r *http.Request) {
	q := listMismatchesQuery{Status: r.URL.Query().Get("status")}
	if err := h.validator.Validate(&q); err != nil {
		respondValidationError(w, err)
		return
	}

	mismatches, err := h.settlement.ListMismatches(r.Context(), domain.MismatchStatus(q.Status), queryLimit(r, 50))
	if err != nil {
		h.logger.Error("Failed to list settlement mismatches", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Failed to list settlement mismatches")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"mismatches": mismatches,
		"count":      len(mismatches),
	})
}

type resolveMismatchRequest struct {
	ResolvedBy string `json:"resolved_by" validate:"required,max=100"`
	Note       string `json:"note" validate:"required,max=1000"`
}

func (h *ReconciliationHandler) ResolveMismatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid mismatch ID")
		return
	}

	var req resolveMismatchRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validator.Validate(&req); err != nil {
		respondValidationError(w, err)
		return
	}

	m, err := h.settlement.ResolveMismatch(r.Context(), id, req.ResolvedBy, req.Note)
	switch {
	case errors.Is(err, errors.ErrMismatchNotFound):
		respondError(w, http.StatusNotFound, "Settlement mismatch not found")
	case errors.Is(err, errors.ErrMismatchAlreadyResolved):
		respondError(w, http.StatusConflict, "Settlement mismatch already resolved")
	case err != nil:
		h.logger.Error("Failed to resolve settlement mismatch", map[string]interface{}{
			"mismatch_id": id,
			"error":       err.Error(),
		})
		respondError(w, http.StatusInternalServerError, "Failed to resolve settlement mismatch")
	default:
		respondJSON(w, http.StatusOK, m)
	}
}
