package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scheduleRequest struct {
	Cron  string `json:"cron" validate:"omitempty,cron"`
	Limit int    `validate:"gte=0,lte=100"`
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by,omitempty" validate:"required"`
	Status     string `json:"-" validate:"omitempty,oneof=pending resolved"`
}

func TestValidate_Cron(t *testing.T) {
	v := New()

	assert.NoError(t, v.Validate(&scheduleRequest{Cron: "0 2 * * *"}))
	assert.NoError(t, v.Validate(&scheduleRequest{Cron: "@hourly"}))
	assert.NoError(t, v.Validate(&scheduleRequest{}))

	err := v.Validate(&scheduleRequest{Cron: "every day"})
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, `"every day" is not a valid cron expression`, verr.Fields["cron"])
}

func TestValidate_FieldNames(t *testing.T) {
	v := New()

	err := v.Validate(&scheduleRequest{Limit: 101})
	require.Error(t, err)
	assert.Equal(t, "validation failed: Limit: must be at most 100", err.Error())

	var verr *Error
	require.ErrorAs(t, v.Validate(&resolveRequest{Status: "open"}), &verr)
	assert.Equal(t, "is required", verr.Fields["resolved_by"])
	assert.Equal(t, "must be one of: pending resolved", verr.Fields["Status"])
}

func TestValidate_NonStruct(t *testing.T) {
	err := New().Validate("nope")
	require.Error(t, err)
	_, ok := err.(*Error)
	assert.False(t, ok)
}

func TestValidCron(t *testing.T) {
	assert.True(t, ValidCron("*/15 * * * *"))
	assert.False(t, ValidCron("0 0 * *"))
}
