package jobtype

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/queuedjobs/internal/execution"
)

var noop = BodyFunc(func(context.Context, json.RawMessage, *execution.Context) (Result, error) {
	return Result{}, nil
})

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("report", noop, WithPriority(7), WithMaxAttempts(5)))
	require.NoError(t, r.Register("email", noop))

	body, err := r.Lookup("report")
	require.NoError(t, err)
	assert.NotNil(t, body)
	assert.True(t, r.Has("email"))
	assert.Equal(t, Defaults{Priority: 7, MaxAttempts: 5}, r.Defaults("report"))
	assert.Equal(t, []Type{"email", "report"}, r.Types())
}

func TestRegisterRejectsDuplicatesAndBlanks(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("report", noop))
	assert.Error(t, r.Register("report", noop))
	assert.Error(t, r.Register(" ", noop))
	assert.Error(t, r.Register("nil-body", nil))
}

func TestLookupUnknown(t *testing.T) {
	_, err := NewRegistry().Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.Contains(t, err.Error(), "missing")
}
