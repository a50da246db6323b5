package events

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scoped struct {
	ID string `json:"job_id"`
}

func (s scoped) EventJobID() string { return s.ID }

func ids(evs []Event) []int64 {
	out := make([]int64, len(evs))
	for i, ev := range evs {
		out[i] = ev.ID
	}
	return out
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe(Filter{})
	defer cancel()

	h.Publish(JobCompleted, scoped{ID: "j1"})

	ev := <-ch
	assert.Equal(t, int64(1), ev.ID)
	assert.Equal(t, JobCompleted, ev.Type)
	assert.Equal(t, "j1", ev.JobID)
	var data map[string]string
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, "j1", data["job_id"])
}

func TestReplayKeepsMostRecent(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(SchedulerTick, nil)
	}

	assert.Equal(t, []int64{3, 4, 5}, ids(h.SnapshotSince(0)))

	tail := h.SnapshotSince(4)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(5), tail[0].ID)
	assert.JSONEq(t, `{}`, string(tail[0].Data))
}

func TestFilter(t *testing.T) {
	h := NewHub(10)
	h.Publish(JobClaimed, scoped{ID: "a"})
	h.Publish(SchedulerTick, nil)
	h.Publish(JobCompleted, scoped{ID: "b"})
	h.Publish(DispatchReconciled, map[string]int{"recovered": 1})

	assert.Equal(t, []int64{1, 3}, ids(h.Replay(0, Filter{Types: []string{"job."}})))
	assert.Equal(t, []int64{3}, ids(h.Replay(0, Filter{JobID: "b"})))
	assert.Equal(t, []int64{2, 4}, ids(h.Replay(0, Filter{Types: []string{"scheduler.", "dispatch."}})))
	assert.Empty(t, h.Replay(0, Filter{Types: []string{"job."}, JobID: "zzz"}))
}

func TestFilteredSubscriberOnlySeesMatches(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe(Filter{JobID: "a"})
	defer cancel()

	h.Publish(JobClaimed, scoped{ID: "b"})
	h.Publish(JobClaimed, scoped{ID: "a"})

	ev := <-ch
	assert.Equal(t, "a", ev.JobID)
	assert.Empty(t, ch)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Subscribe(Filter{})
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		h.Publish(JobProgress, nil)
	}
	assert.Equal(t, int64(5), h.Dropped())
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe(Filter{})
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	h.Publish(JobBroken, nil)
}

func TestConcurrentPublishKeepsIDOrder(t *testing.T) {
	const publishers, perPublisher = 8, 10
	h := NewHub(publishers * perPublisher)
	all, cancelAll := h.Subscribe(Filter{})
	defer cancelAll()
	progress, cancelProgress := h.Subscribe(Filter{Types: []string{JobProgress}})
	defer cancelProgress()

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				if p%2 == 0 {
					h.Publish(JobProgress, nil)
				} else {
					h.Publish(JobMessage, nil)
				}
			}
		}(p)
	}
	wg.Wait()

	drain := func(ch <-chan Event) []int64 {
		var out []int64
		for len(ch) > 0 {
			out = append(out, (<-ch).ID)
		}
		return out
	}
	strictlyIncreasing := func(name string, got []int64) {
		for i := 1; i < len(got); i++ {
			require.Greater(t, got[i], got[i-1], "%s: event %d out of order", name, i)
		}
	}

	gotAll := drain(all)
	assert.Len(t, gotAll, publishers*perPublisher)
	strictlyIncreasing("all", gotAll)

	gotProgress := drain(progress)
	assert.Len(t, gotProgress, publishers/2*perPublisher)
	strictlyIncreasing("progress", gotProgress)

	strictlyIncreasing("replay", ids(h.Replay(0, Filter{})))
	assert.Zero(t, h.Dropped())
}
