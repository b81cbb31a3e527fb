package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"chama/internal/domain"
	"chama/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAuditRepository struct {
	mock.Mock
}

func (m *MockAuditRepository) Create(ctx context.Context, log *domain.AuditLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	args := m.Called(ctx, channel, payload)
	return args.Error(0)
}

func testAlert() *domain.Alert {
	runID := uuid.New()
	return &domain.Alert{
		Source:        domain.AlertSourceReconciliation,
		RunID:         &runID,
		RunType:       domain.RunTypeDaily,
		Status:        string(domain.RunStatusFailed),
		MismatchCount: 1,
		Message:       "ledger imbalance",
	}
}

func TestSendAlert_AuditsAndPublishes(t *testing.T) {
	alert := testAlert()

	audit := new(MockAuditRepository)
	audit.On("Create", mock.Anything, mock.MatchedBy(func(l *domain.AuditLog) bool {
		return l.Action == "RECONCILIATION_ALERT" &&
			l.EntityType == "reconciliation_run" &&
			l.EntityID == alert.RunID.String()
	})).Return(nil).Once()

	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, "reconciliation:alerts", mock.MatchedBy(func(b []byte) bool {
		var decoded domain.Alert
		return json.Unmarshal(b, &decoded) == nil && decoded.Status == "failed" && decoded.MismatchCount == 1
	})).Return(nil).Once()

	svc := NewAlertService(logger.NewNop(), audit, pub, "reconciliation:alerts", true)
	err := svc.SendAlert(context.Background(), alert)

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, alert.ID)
	assert.False(t, alert.CreatedAt.IsZero())
	audit.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestSendAlert_DisabledSkipsPublish(t *testing.T) {
	audit := new(MockAuditRepository)
	audit.On("Create", mock.Anything, mock.Anything).Return(nil)
	pub := new(MockPublisher)

	svc := NewAlertService(logger.NewNop(), audit, pub, "reconciliation:alerts", false)
	require.NoError(t, svc.SendAlert(context.Background(), testAlert()))

	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendAlert_ErrorsAreJoined(t *testing.T) {
	auditErr := errors.New("audit down")
	pubErr := errors.New("redis down")

	audit := new(MockAuditRepository)
	audit.On("Create", mock.Anything, mock.Anything).Return(auditErr)
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(pubErr)

	svc := NewAlertService(logger.NewNop(), audit, pub, "alerts", true)
	err := svc.SendAlert(context.Background(), testAlert())

	require.Error(t, err)
	assert.ErrorIs(t, err, auditErr)
	assert.ErrorIs(t, err, pubErr)
}

func TestSendAlert_CancelledContextStillDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	audit := new(MockAuditRepository)
	audit.On("Create", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), mock.Anything).
		Return(nil).Once()

	svc := NewAlertService(logger.NewNop(), audit, nil, "alerts", true)
	require.NoError(t, svc.SendAlert(ctx, testAlert()))
	audit.AssertExpectations(t)
}
