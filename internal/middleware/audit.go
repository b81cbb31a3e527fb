package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"chama/internal/domain"
	"chama/internal/scope"
	"chama/pkg/logger"

	"github.com/google/uuid"
)

// AuditRepository defines the interface for persisting audit logs.
type AuditRepository interface {
	Create(ctx context.Context, log *domain.AuditLog) error
}

// AuditMiddleware records operator actions: every request that is not a read.
type AuditMiddleware struct {
	repo   AuditRepository
	logger logger.Logger
}

func NewAuditMiddleware(repo AuditRepository, log logger.Logger) *AuditMiddleware {
	return &AuditMiddleware{repo: repo, logger: log}
}

type requestRecord struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	Status    int    `json:"status"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

func (m *AuditMiddleware) Audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		wrapped, ok := w.(*statusRecorder)
		if !ok {
			wrapped = &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		}
		next.ServeHTTP(wrapped, r)

		rec := requestRecord{
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    wrapped.status,
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
		}
		requestID := RequestIDFromContext(r.Context())
		if requestID == "" {
			requestID = uuid.NewString()
		}

		go m.record(scope.WithSystem(context.WithoutCancel(r.Context())), requestID, rec)
	})
}

func (m *AuditMiddleware) record(ctx context.Context, requestID string, rec requestRecord) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	err = m.repo.Create(ctx, &domain.AuditLog{
		ID:         uuid.New(),
		Action:     rec.Method + " " + rec.Path,
		EntityType: "http_request",
		EntityID:   requestID,
		NewValues:  payload,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		m.logger.Error("Failed to create audit log", map[string]interface{}{
			"error":      err.Error(),
			"request_id": requestID,
		})
	}
}
