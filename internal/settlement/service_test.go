package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"chama/internal/domain"
	pkgerrors "chama/pkg/errors"
	"chama/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mocks

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) FindSuccessfulCallbacks(ctx context.Context, since time.Time, successCode string) ([]*domain.CallbackMatch, error) {
	args := m.Called(ctx, since, successCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallbackMatch), args.Error(1)
}

func (m *MockRepository) FindUnconfirmedExternalTransactions(ctx context.Context, source string, since time.Time, successCode string) ([]*domain.ExternalTransaction, error) {
	args := m.Called(ctx, source, since, successCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ExternalTransaction), args.Error(1)
}

func (m *MockRepository) CreateMismatch(ctx context.Context, mm *domain.SettlementMismatch) (bool, error) {
	args := m.Called(ctx, mm)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) ListMismatches(ctx context.Context, status domain.MismatchStatus, limit int) ([]*domain.SettlementMismatch, error) {
	args := m.Called(ctx, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SettlementMismatch), args.Error(1)
}

func (m *MockRepository) ResolveMismatch(ctx context.Context, id uuid.UUID, resolvedBy, note string) (*domain.SettlementMismatch, error) {
	args := m.Called(ctx, id, resolvedBy, note)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SettlementMismatch), args.Error(1)
}

type MockAlerter struct {
	mock.Mock
}

func (m *MockAlerter) SendAlert(ctx context.Context, alert *domain.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

type MockObserver struct {
	mock.Mock
}

func (m *MockObserver) SettlementFinished(summary *Summary, err error) {
	m.Called(summary, err)
}

func callback(receipt, amount string, at time.Time) *domain.CallbackMatch {
	return &domain.CallbackMatch{
		CallbackRecord: domain.CallbackRecord{
			ID:              uuid.New(),
			ReceiptNumber:   receipt,
			Amount:          decimal.RequireFromString(amount),
			ResultCode:      domain.MpesaResultSuccess,
			TransactionDate: at,
		},
	}
}

func matched(c *domain.CallbackMatch, status domain.TransactionStatus, amount string) *domain.CallbackMatch {
	id := uuid.New()
	c.TransactionID = &id
	c.TransactionStatus = &status
	c.TransactionAmount = decimal.NewNullDecimal(decimal.RequireFromString(amount))
	return c
}

var tol = decimal.NewFromFloat(0.01)

func TestClassify_MissingLedgerAndMissingCallback(t *testing.T) {
	now := time.Now().UTC()
	orphan := &domain.ExternalTransaction{
		TransactionID:     uuid.New(),
		Reference:         "DEP-77",
		ExternalReference: "R777",
		Status:            domain.TransactionStatusCompleted,
		Amount:            decimal.NewFromInt(500),
	}

	got := Classify(
		[]*domain.CallbackMatch{callback("R123", "2000", now)},
		[]*domain.ExternalTransaction{orphan},
		tol, now,
	)

	require.Len(t, got, 2)
	assert.Equal(t, domain.MismatchMissingLedger, got[0].MismatchType)
	assert.Equal(t, "R123", got[0].ExternalReference)
	assert.Equal(t, "missing_ledger:R123", got[0].MismatchKey)
	assert.Nil(t, got[0].TransactionID)
	assert.True(t, got[0].ExternalAmount.Decimal.Equal(decimal.NewFromInt(2000)))

	assert.Equal(t, domain.MismatchMissingCallback, got[1].MismatchType)
	require.NotNil(t, got[1].TransactionID)
	assert.Equal(t, orphan.TransactionID, *got[1].TransactionID)
	assert.Equal(t, domain.MismatchStatusPending, got[1].Status)
}

func TestClassify_MatchedCallbacks(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name     string
		callback *domain.CallbackMatch
		want     domain.MismatchType
	}{
		{"amount differs", matched(callback("R1", "1000", now), domain.TransactionStatusCompleted, "900"), domain.MismatchAmount},
		{"status pending", matched(callback("R2", "1000", now), domain.TransactionStatusPending, "1000"), domain.MismatchStatusMismatch},
		{"amount wins over status", matched(callback("R3", "1000", now), domain.TransactionStatusFailed, "10"), domain.MismatchAmount},
		{"within tolerance", matched(callback("R4", "1000.005", now), domain.TransactionStatusCompleted, "1000"), ""},
		{"clean", matched(callback("R5", "250", now), domain.TransactionStatusCompleted, "250"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify([]*domain.CallbackMatch{tt.callback}, nil, tol, now)
			if tt.want == "" {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].MismatchType)
			assert.Equal(t, tt.callback.TransactionID, got[0].TransactionID)
		})
	}
}

func TestClassify_DuplicateCallbacksCountedOnce(t *testing.T) {
	now := time.Now().UTC()
	first := callback("R123", "2000", now.Add(-time.Minute))
	dup := callback("R123", "2000", now)

	got := Classify([]*domain.CallbackMatch{dup, first}, nil, tol, now)

	require.Len(t, got, 1)
	assert.Equal(t, first.ID, *got[0].CallbackID)
}

func TestClassify_Deterministic(t *testing.T) {
	now := time.Now().UTC()
	callbacks := []*domain.CallbackMatch{
		callback("R9", "10", now),
		matched(callback("R2", "10", now), domain.TransactionStatusPending, "10"),
		callback("R1", "10", now),
		matched(callback("R5", "10", now), domain.TransactionStatusCompleted, "7"),
	}
	unconfirmed := []*domain.ExternalTransaction{
		{TransactionID: uuid.New(), ExternalReference: "X1", Status: domain.TransactionStatusCompleted},
	}

	first := Classify(callbacks, unconfirmed, tol, now)
	reversed := []*domain.CallbackMatch{callbacks[3], callbacks[2], callbacks[1], callbacks[0]}
	second := Classify(reversed, unconfirmed, tol, now)

	require.Len(t, first, 5)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].MismatchType, second[i].MismatchType)
		assert.Equal(t, first[i].MismatchKey, second[i].MismatchKey)
	}
	assert.Equal(t, "missing_ledger:R1", first[0].MismatchKey)
	assert.Equal(t, "missing_ledger:R9", first[1].MismatchKey)
	assert.Equal(t, domain.MismatchMissingCallback, first[2].MismatchType)
	assert.Equal(t, "amount_mismatch:R5", first[3].MismatchKey)
	assert.Equal(t, "status_mismatch:R2", first[4].MismatchKey)
}

func newTestService(repo Repository, observer Observer, alerter Alerter) *Service {
	return NewService(Config{Window: 24 * time.Hour}, repo, observer, alerter, logger.NewNop())
}

func TestReconcileExternalTransactions_PersistsEachMismatch(t *testing.T) {
	now := time.Now().UTC()
	repo := new(MockRepository)
	repo.On("FindSuccessfulCallbacks", mock.Anything, mock.Anything, domain.MpesaResultSuccess).
		Return([]*domain.CallbackMatch{callback("R123", "2000", now), callback("R124", "50", now)}, nil)
	repo.On("FindUnconfirmedExternalTransactions", mock.Anything, domain.TransactionSourceMpesa, mock.Anything, domain.MpesaResultSuccess).
		Return([]*domain.ExternalTransaction{}, nil)
	repo.On("CreateMismatch", mock.Anything, mock.Anything).Return(true, nil).Twice()

	alerter := new(MockAlerter)
	alerter.On("SendAlert", mock.Anything, mock.MatchedBy(func(a *domain.Alert) bool {
		return a.Source == domain.AlertSourceSettlement && a.MismatchCount == 2
	})).Return(nil).Once()

	observer := new(MockObserver)
	observer.On("SettlementFinished", mock.Anything, nil).Return().Once()

	summary, err := newTestService(repo, observer, alerter).ReconcileExternalTransactions(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, summary.MismatchCount)
	assert.Equal(t, 2, summary.Recorded)
	assert.Equal(t, 2, summary.ByType[domain.MismatchMissingLedger])
	repo.AssertExpectations(t)
	alerter.AssertExpectations(t)
	observer.AssertExpectations(t)
}

func TestReconcileExternalTransactions_PersistFailureDoesNotStopPass(t *testing.T) {
	now := time.Now().UTC()
	repo := new(MockRepository)
	repo.On("FindSuccessfulCallbacks", mock.Anything, mock.Anything, mock.Anything).
		Return([]*domain.CallbackMatch{callback("R1", "10", now), callback("R2", "10", now), callback("R3", "10", now)}, nil)
	repo.On("FindUnconfirmedExternalTransactions", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*domain.ExternalTransaction{}, nil)

	writeErr := errors.New("insert failed")
	repo.On("CreateMismatch", mock.Anything, mock.MatchedBy(func(m *domain.SettlementMismatch) bool {
		return m.ExternalReference == "R2"
	})).Return(false, writeErr)
	repo.On("CreateMismatch", mock.Anything, mock.Anything).Return(true, nil)

	summary, err := newTestService(repo, nil, nil).ReconcileExternalTransactions(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, writeErr)
	require.NotNil(t, summary)
	assert.Equal(t, 3, summary.MismatchCount)
	assert.Equal(t, 2, summary.Recorded)
	repo.AssertNumberOfCalls(t, "CreateMismatch", 3)
}

func TestReconcileExternalTransactions_ExistingPendingNotRecorded(t *testing.T) {
	now := time.Now().UTC()
	repo := new(MockRepository)
	repo.On("FindSuccessfulCallbacks", mock.Anything, mock.Anything, mock.Anything).
		Return([]*domain.CallbackMatch{callback("R1", "10", now)}, nil)
	repo.On("FindUnconfirmedExternalTransactions", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*domain.ExternalTransaction{}, nil)
	repo.On("CreateMismatch", mock.Anything, mock.Anything).Return(false, nil)

	alerter := new(MockAlerter)
	alerter.On("SendAlert", mock.Anything, mock.Anything).Return(errors.New("channel down"))

	summary, err := newTestService(repo, nil, alerter).ReconcileExternalTransactions(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.MismatchCount)
	assert.Equal(t, 0, summary.Recorded)
}

func TestReconcileExternalTransactions_QueryError(t *testing.T) {
	repo := new(MockRepository)
	repo.On("FindSuccessfulCallbacks", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("timeout"))

	observer := new(MockObserver)
	observer.On("SettlementFinished", (*Summary)(nil), mock.Anything).Return().Once()

	_, err := newTestService(repo, observer, nil).ReconcileExternalTransactions(context.Background())

	assert.Error(t, err)
	repo.AssertNotCalled(t, "CreateMismatch", mock.Anything, mock.Anything)
	observer.AssertExpectations(t)
}

func TestReconcileExternalTransactions_WindowCutoff(t *testing.T) {
	repo := new(MockRepository)
	repo.On("FindSuccessfulCallbacks", mock.Anything, mock.MatchedBy(func(since time.Time) bool {
		age := time.Since(since)
		return age > 23*time.Hour && age < 25*time.Hour
	}), mock.Anything).Return([]*domain.CallbackMatch{}, nil)
	repo.On("FindUnconfirmedExternalTransactions", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*domain.ExternalTransaction{}, nil)

	summary, err := newTestService(repo, nil, nil).ReconcileExternalTransactions(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.MismatchCount)
	repo.AssertExpectations(t)
}

func TestResolveMismatch(t *testing.T) {
	id := uuid.New()
	repo := new(MockRepository)
	repo.On("ResolveMismatch", mock.Anything, id, "ops", "posted adjustment").
		Return(&domain.SettlementMismatch{ID: id, Status: domain.MismatchStatusResolved}, nil)
	repo.On("ResolveMismatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, pkgerrors.ErrMismatchNotFound)

	svc := newTestService(repo, nil, nil)

	m, err := svc.ResolveMismatch(context.Background(), id, "ops", "posted adjustment")
	require.NoError(t, err)
	assert.Equal(t, domain.MismatchStatusResolved, m.Status)

	_, err = svc.ResolveMismatch(context.Background(), uuid.New(), "ops", "")
	assert.ErrorIs(t, err, pkgerrors.ErrMismatchNotFound)
}

func TestListMismatches_DefaultLimit(t *testing.T) {
	repo := new(MockRepository)
	repo.On("ListMismatches", mock.Anything, domain.MismatchStatusPending, 50).
		Return([]*domain.SettlementMismatch{}, nil).Once()

	_, err := newTestService(repo, nil, nil).ListMismatches(context.Background(), domain.MismatchStatusPending, 0)

	require.NoError(t, err)
	repo.AssertExpectations(t)
}
