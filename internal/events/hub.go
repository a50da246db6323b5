package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatch core.
const (
	JobSubmitted       = "job.submitted"
	JobActivated       = "job.activated"
	JobPaused          = "job.paused"
	JobClaimed         = "job.claimed"
	JobCompleted       = "job.completed"
	JobRetry           = "job.retry"
	JobBroken          = "job.broken"
	JobProgress        = "job.progress"
	JobMessage         = "job.message"
	DispatchReconciled = "dispatch.reconciled"
	SchedulerTick      = "scheduler.tick"
)

const subscriberBuffer = 128

type Event struct {
	ID    int64           `json:"id"`
	Type  string          `json:"type"`
	JobID string          `json:"job_id,omitempty"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

// JobScoped is implemented by payloads that belong to one job, so
// subscribers can follow a single descriptor.
type JobScoped interface {
	EventJobID() string
}

// Filter selects events. Types are prefixes ("job." matches every job
// event); an empty filter matches everything.
type Filter struct {
	Types []string
	JobID string
}

func (f Filter) Match(ev Event) bool {
	if f.JobID != "" && ev.JobID != f.JobID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, p := range f.Types {
		if strings.HasPrefix(ev.Type, p) {
			return true
		}
	}
	return false
}

type subscriber struct {
	filter Filter
	ch     chan Event
}

// Hub fans events out to live subscribers and keeps the most recent ones
// for clients that reconnect with Last-Event-ID.
type Hub struct {
	dropped atomic.Int64

	// IDs are assigned under mu so delivery order matches ID order.
	mu     sync.Mutex
	nextID int64
	limit  int
	recent []Event
	subs   map[*subscriber]struct{}
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		limit:  capacity,
		recent: make([]Event, 0, capacity),
		subs:   make(map[*subscriber]struct{}),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	ev := Event{
		Type: eventType,
		At:   time.Now().UTC(),
		Data: json.RawMessage("{}"),
	}
	if js, ok := data.(JobScoped); ok {
		ev.JobID = js.EventJobID()
	}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			ev.Data = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ev.ID = h.nextID
	if len(h.recent) == h.limit {
		copy(h.recent, h.recent[1:])
		h.recent = h.recent[:h.limit-1]
	}
	h.recent = append(h.recent, ev)

	for sub := range h.subs {
		if !sub.filter.Match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped counts deliveries skipped because a subscriber's buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscribe registers a live subscriber. The returned func unsubscribes and
// closes the channel; calling it twice is safe.
func (h *Hub) Subscribe(f Filter) (<-chan Event, func()) {
	sub := &subscriber{filter: f, ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
}

// Replay returns retained events newer than lastID that match f,
// oldest first.
func (h *Hub) Replay(lastID int64, f Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.recent))
	for _, ev := range h.recent {
		if ev.ID > lastID && f.Match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// SnapshotSince is Replay without a filter.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	return h.Replay(lastID, Filter{})
}
