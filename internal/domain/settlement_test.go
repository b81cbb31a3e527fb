package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettlementMismatch_TypeAndStatusEncodeSeparately(t *testing.T) {
	m := SettlementMismatch{
		MismatchKey:  "status_mismatch:R1",
		MismatchType: MismatchStatusMismatch,
		Status:       MismatchStatusPending,
	}

	raw, err := json.Marshal(m)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "status_mismatch", got["mismatch_type"])
	assert.Equal(t, "pending", got["status"])
}

func TestMismatchTypes_AreDistinct(t *testing.T) {
	types := []MismatchType{MismatchMissingLedger, MismatchAmount, MismatchStatusMismatch, MismatchMissingCallback}
	seen := map[MismatchType]bool{}
	for _, mt := range types {
		assert.False(t, seen[mt], "duplicate mismatch type %s", mt)
		seen[mt] = true
	}
	assert.NotEqual(t, string(MismatchStatusPending), string(MismatchStatusResolved))
}
