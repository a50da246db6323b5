package watch

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/queuedjobs/internal/events"
	"github.com/mattjoyce/queuedjobs/internal/job"
)

var now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func testModel() Model {
	m := New("http://localhost:8080/", "k")
	m.now = func() time.Time { return now }
	return *m
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		"id: 7",
		"event: job.completed",
		`data: {"job_id":"abc"}`,
		"",
		": keep-alive",
		"",
		"id: 8",
		"event: scheduler.tick",
		`data: {}`,
		"",
		"",
	}, "\n")

	var got []events.Event
	readSSE(strings.NewReader(stream), func(e events.Event) { got = append(got, e) })

	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.JobCompleted, got[0].Type)
	assert.JSONEq(t, `{"job_id":"abc"}`, string(got[0].Data))
	assert.Equal(t, events.SchedulerTick, got[1].Type)
}

func TestReadSSEDropsUnterminatedFrame(t *testing.T) {
	stream := "id: 1\nevent: job.claimed\ndata: {}\n\nid: 2\nevent: job.completed\ndata: {}\n"

	var got []events.Event
	readSSE(strings.NewReader(stream), func(e events.Event) { got = append(got, e) })

	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, events.JobClaimed, got[0].Type)
}

func TestClientTrimsBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", newClient("http://localhost:8080/", "").baseURL)
}

func TestUpdateAppliesHealthAndJobs(t *testing.T) {
	m := testModel()

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	next, _ = next.Update(healthMsg{Status: "ok", QueueDepth: 3, JobTypes: []string{"report"}})
	msg := "upstream down"
	next, _ = next.Update(jobsMsg{
		{ID: "0123456789", Type: "report", Status: job.StatusQueued, ScheduledFor: now.Add(90 * time.Second), MaxAttempts: 3},
		{ID: "abcdef0123", Type: "report", Status: job.StatusBroken, Attempts: 3, MaxAttempts: 3, LastError: &msg},
	})
	m = next.(Model)

	assert.True(t, m.health.Connected)
	assert.Equal(t, 3, m.health.QueueDepth)
	require.Len(t, m.table.Rows(), 2)
	assert.Equal(t, "01234567", m.table.Rows()[0][1])
	assert.Equal(t, "in 1m 30s", m.table.Rows()[0][6])
	assert.Equal(t, "3/3", m.table.Rows()[1][5])

	view := m.View()
	assert.Contains(t, view, "QUEUEDJOBS WATCH")
	assert.Contains(t, view, "queued: 3")
	assert.Contains(t, view, "upstream down")
}

func TestUpdateRecordsEvents(t *testing.T) {
	m := testModel()
	frame := m.ticker.Current()

	next, cmd := m.Update(eventMsg(events.Event{Type: events.SchedulerTick, At: now, Data: json.RawMessage(`{}`)}))
	m = next.(Model)
	assert.NotNil(t, cmd)
	assert.NotEqual(t, frame, m.ticker.Current())
	require.Len(t, m.eventLog, 1)

	next, _ = m.Update(eventMsg(events.Event{Type: events.JobCompleted, At: now, Data: json.RawMessage(`{"job_id":"x"}`)}))
	m = next.(Model)
	assert.Equal(t, events.JobCompleted, m.eventLog[0].Type, "newest first")
	assert.Equal(t, now, m.activity.LastEvent())
}

func TestDisconnectShowsError(t *testing.T) {
	m := testModel()
	next, _ := m.Update(sseDisconnectedMsg{})
	m = next.(Model)
	assert.False(t, m.health.Connected)
	assert.Contains(t, m.lastError, "reconnecting")
}

func TestDescribeEvent(t *testing.T) {
	cases := []struct {
		name string
		ev   events.Event
		want string
	}{
		{"retry", events.Event{Type: events.JobRetry, Data: json.RawMessage(`{"job_id":"1234567890","job_type":"report","attempts":2,"last_error":"boom"}`)}, "[12345678] report attempt 2 boom"},
		{"progress", events.Event{Type: events.JobProgress, Data: json.RawMessage(`{"job_id":"j","job_type":"r","progress":0.25}`)}, "[j] r 25%"},
		{"message", events.Event{Type: events.JobMessage, Data: json.RawMessage(`{"job_id":"j","job_type":"r","message":"hi"}`)}, "[j] r hi"},
		{"reconciled", events.Event{Type: events.DispatchReconciled, Data: json.RawMessage(`{"recovered":4}`)}, "recovered 4"},
		{"raw", events.Event{Type: events.SchedulerTick, Data: json.RawMessage(`{"at":"now"}`)}, `{"at":"now"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, describeEvent(tc.ev))
		})
	}
}

func TestActivityDecays(t *testing.T) {
	var a Activity
	a.OnEvent(now)
	a.Decay(now.Add(3 * time.Second))
	assert.Equal(t, 4, a.dots)
	a.Decay(now.Add(time.Minute))
	assert.Equal(t, 0, a.dots)
}

func TestThemeEventColoursFollowStatus(t *testing.T) {
	th := NewDefaultTheme()
	assert.Equal(t, th.ForStatus(job.StatusFailed).GetForeground(), th.ForEvent(events.JobRetry).GetForeground())
	assert.Equal(t, th.ForStatus(job.StatusPaused).GetForeground(), th.ForEvent(events.JobPaused).GetForeground())
	assert.Equal(t, th.Highlight.GetForeground(), th.ForEvent(events.DispatchReconciled).GetForeground())
	assert.Equal(t, th.Dim.GetForeground(), th.ForStatus(job.StatusQueued).GetForeground())
	assert.Equal(t, th.Dim.GetForeground(), th.ForEvent(events.JobSubmitted).GetForeground())
}
