package domain

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	high := Finding{Type: FindingNegativeBalance, Severity: SeverityHigh, NegativeBalance: &NegativeBalance{}}
	critical := Finding{Type: FindingLedgerImbalance, Severity: SeverityCritical, LedgerImbalance: &LedgerImbalance{}}

	tests := []struct {
		name     string
		findings Findings
		want     RunStatus
	}{
		{"no findings", nil, RunStatusCompleted},
		{"high only", Findings{high, high}, RunStatusWarning},
		{"critical wins", Findings{high, critical}, RunStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.findings))
		})
	}
}

func TestFinding_FlatJSON(t *testing.T) {
	txID := uuid.MustParse("0b6f0a3c-9a53-4c3e-9d58-2a8f3f0e7b11")
	f := Finding{
		Type:     FindingUnbalancedTransaction,
		Severity: SeverityHigh,
		UnbalancedTransaction: &UnbalancedTransaction{
			TransactionID: txID,
			Reference:     "DEP-7",
			TotalDebit:    decimal.NewFromInt(100),
			TotalCredit:   decimal.NewFromInt(90),
			Difference:    decimal.NewFromInt(10),
		},
	}

	b, err := json.Marshal(f)
	require.NoError(t, err)

	var flat map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &flat))
	assert.Equal(t, "unbalanced_transaction", flat["type"])
	assert.Equal(t, "high", flat["severity"])
	assert.Equal(t, "DEP-7", flat["reference"])
	assert.Equal(t, txID.String(), flat["transaction_id"])

	var back Finding
	require.NoError(t, json.Unmarshal(b, &back))
	require.NotNil(t, back.UnbalancedTransaction)
	assert.Nil(t, back.NegativeBalance)
	assert.True(t, back.UnbalancedTransaction.Difference.Equal(decimal.NewFromInt(10)))
}

func TestFinding_RejectsMissingPayload(t *testing.T) {
	_, err := json.Marshal(Finding{Type: FindingNegativeBalance, Severity: SeverityHigh})
	assert.Error(t, err)

	var f Finding
	assert.Error(t, json.Unmarshal([]byte(`{"type":"mystery","severity":"high"}`), &f))
}

func TestFindings_ValueAndScan(t *testing.T) {
	v, err := Findings(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), v)

	var fs Findings
	require.NoError(t, fs.Scan(nil))
	assert.NotNil(t, fs)
	assert.Empty(t, fs)

	require.NoError(t, fs.Scan(`[{"type":"ledger_imbalance","severity":"critical","difference":"3"}]`))
	require.Len(t, fs, 1)
	assert.Equal(t, 1, fs.Count(FindingLedgerImbalance))
	assert.Equal(t, SeverityCritical, fs.Worst())

	assert.Error(t, fs.Scan(42))
}

func TestRunType_Valid(t *testing.T) {
	assert.True(t, RunTypeHourly.Valid())
	assert.False(t, RunType("weekly").Valid())
	assert.True(t, RunStatusWarning.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
}

func TestSignedAmount(t *testing.T) {
	amt := decimal.NewFromInt(50)
	assert.True(t, SignedAmount(NormalityDebit, DirectionDebit, amt).Equal(amt))
	assert.True(t, SignedAmount(NormalityCredit, DirectionDebit, amt).Equal(amt.Neg()))
	assert.True(t, SignedAmount(NormalityCredit, DirectionCredit, amt).Equal(amt))

	totals := TransactionTotals{TotalDebit: decimal.NewFromInt(80), TotalCredit: decimal.NewFromInt(75)}
	assert.True(t, totals.Difference().Equal(decimal.NewFromInt(5)))
}
