package metrics

import (
	"errors"
	"testing"
	"time"

	"chama/internal/domain"
	"chama/internal/ledger"
	"chama/internal/reconciliation"
	"chama/internal/settlement"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFinished(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewObserver(reg)

	report := &reconciliation.Report{
		Run: &domain.ReconciliationRun{RunType: domain.RunTypeDaily, Status: domain.RunStatusFailed},
		Balance: &ledger.BalanceResult{
			Difference: decimal.NewFromInt(-50),
		},
		Integrity: &ledger.IntegrityResult{
			UnbalancedTransactions: make([]ledger.UnbalancedTransaction, 3),
		},
	}
	o.RunFinished(report, 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(o.runsTotal.WithLabelValues("daily", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.status.WithLabelValues("daily")))
	assert.Equal(t, 50.0, testutil.ToFloat64(o.ledgerDifference))
	assert.Equal(t, 3.0, testutil.ToFloat64(o.unbalanced))

	n, err := testutil.GatherAndCount(reg, "reconciliation_run_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunFinished_FailedWithoutResultsKeepsGauges(t *testing.T) {
	o := NewObserver(prometheus.NewRegistry())
	o.unbalanced.Set(4)

	o.RunFinished(&reconciliation.Report{
		Run: &domain.ReconciliationRun{RunType: domain.RunTypeHourly, Status: domain.RunStatusFailed},
	}, time.Second)

	assert.Equal(t, 4.0, testutil.ToFloat64(o.unbalanced))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.runsTotal.WithLabelValues("hourly", "failed")))
}

func TestStuckRuns(t *testing.T) {
	o := NewObserver(prometheus.NewRegistry())
	o.StuckRuns(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(o.stuckRuns))
	o.StuckRuns(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(o.stuckRuns))
}

func TestSettlementFinished(t *testing.T) {
	o := NewObserver(prometheus.NewRegistry())

	o.SettlementFinished(&settlement.Summary{
		MismatchCount: 3,
		ByType: map[domain.MismatchType]int{
			domain.MismatchMissingLedger: 1,
			domain.MismatchAmount:        2,
		},
	}, nil)
	o.SettlementFinished(&settlement.Summary{}, nil)
	o.SettlementFinished(nil, errors.New("db down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(o.mismatchesTotal.WithLabelValues("missing_ledger")))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.mismatchesTotal.WithLabelValues("amount_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.settlementRuns.WithLabelValues("mismatches")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.settlementRuns.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.settlementRuns.WithLabelValues("failed")))
}
