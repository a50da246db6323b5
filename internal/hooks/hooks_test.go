package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/queuedjobs/internal/events"
	"github.com/mattjoyce/queuedjobs/internal/job"
)

func descriptor(t *testing.T) *job.Descriptor {
	t.Helper()
	d, err := job.New("report", nil, job.Options{})
	require.NoError(t, err)
	return d
}

func TestObserversRunInOrder(t *testing.T) {
	r := New(nil)
	var calls []string
	r.On(AfterComplete, "first", func(context.Context, *job.Descriptor) error {
		calls = append(calls, "first")
		return nil
	})
	r.On(AfterComplete, "second", func(context.Context, *job.Descriptor) error {
		calls = append(calls, "second")
		return nil
	})

	require.NoError(t, r.Run(context.Background(), AfterComplete, descriptor(t)))
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestBeforeCreateVetoes(t *testing.T) {
	r := New(nil)
	ran := false
	r.On(BeforeCreate, "quota", func(context.Context, *job.Descriptor) error { return errors.New("over quota") })
	r.On(BeforeCreate, "later", func(context.Context, *job.Descriptor) error {
		ran = true
		return nil
	})

	err := r.Run(context.Background(), BeforeCreate, descriptor(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "over quota")
	assert.False(t, ran, "chain stops at the veto")
}

func TestAfterHookErrorsDoNotStopChain(t *testing.T) {
	r := New(nil)
	ran := false
	r.On(AfterBroken, "pager", func(context.Context, *job.Descriptor) error { return errors.New("pager down") })
	r.On(AfterBroken, "audit", func(context.Context, *job.Descriptor) error {
		ran = true
		return nil
	})

	assert.NoError(t, r.Run(context.Background(), AfterBroken, descriptor(t)))
	assert.True(t, ran)
}

func TestObserversGetSnapshot(t *testing.T) {
	r := New(nil)
	r.On(AfterActivate, "mutator", func(_ context.Context, d *job.Descriptor) error {
		d.Priority = 99
		return nil
	})
	d := descriptor(t)
	require.NoError(t, r.Run(context.Background(), AfterActivate, d))
	assert.Equal(t, 0, d.Priority)
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	assert.NoError(t, r.Run(context.Background(), BeforeCreate, descriptor(t)))
}

func TestPublishTo(t *testing.T) {
	hub := events.NewHub(10)
	r := New(nil)
	PublishTo(r, hub)

	d := descriptor(t)
	require.NoError(t, r.Run(context.Background(), AfterRetry, d))
	require.NoError(t, r.Run(context.Background(), AfterBroken, d))

	evs := hub.SnapshotSince(0)
	require.Len(t, evs, 2)
	assert.Equal(t, events.JobRetry, evs[0].Type)
	assert.Equal(t, events.JobBroken, evs[1].Type)
	assert.Contains(t, string(evs[0].Data), d.ID)
}
