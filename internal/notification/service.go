// Package notification delivers reconciliation alerts to the operator channel.
package notification

import (
	"context"
	"encoding/json"
	"time"

	"chama/internal/domain"
	"chama/pkg/errors"
	"chama/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// AuditRepository defines the interface for audit logging.
type AuditRepository interface {
	Create(ctx context.Context, log *domain.AuditLog) error
}

// Publisher fans an alert payload out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher publishes on a redis pub/sub channel.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// AlertService logs each alert, records it in the audit trail and publishes
// it on the alert channel.
type AlertService struct {
	logger    logger.Logger
	auditRepo AuditRepository
	publisher Publisher
	channel   string
	enabled   bool
}

// NewAlertService creates a new alert service. A nil publisher or a disabled
// service only logs and audits.
func NewAlertService(log logger.Logger, auditRepo AuditRepository, publisher Publisher, channel string, enabled bool) *AlertService {
	return &AlertService{
		logger:    log,
		auditRepo: auditRepo,
		publisher: publisher,
		channel:   channel,
		enabled:   enabled,
	}
}

// SendAlert delivers one alert. The audit write and the publish are both
// attempted; their errors are joined.
func (s *AlertService) SendAlert(ctx context.Context, alert *domain.Alert) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	s.logger.Warn("Reconciliation alert", map[string]interface{}{
		"alert_id":       alert.ID,
		"source":         alert.Source,
		"run_id":         alert.RunID,
		"status":         alert.Status,
		"mismatch_count": alert.MismatchCount,
		"message":        alert.Message,
	})

	payload, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "failed to encode alert")
	}

	// The alert is still recorded when the caller's context is done.
	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var errs []error
	if s.auditRepo != nil {
		entityType, entityID := alert.Source, alert.ID.String()
		if alert.RunID != nil {
			entityType, entityID = "reconciliation_run", alert.RunID.String()
		}
		err := s.auditRepo.Create(deliverCtx, &domain.AuditLog{
			ID:         uuid.New(),
			Action:     domain.AuditActionAlert,
			EntityType: entityType,
			EntityID:   entityID,
			NewValues:  payload,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			errs = append(errs, errors.Wrap(err, "failed to audit alert"))
		}
	}

	if s.enabled && s.publisher != nil {
		if err := s.publisher.Publish(deliverCtx, s.channel, payload); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to publish alert"))
		}
	}

	return errors.Join(errs...)
}
