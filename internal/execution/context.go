// Package execution provides the per-run context handed to job bodies.
package execution

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/queuedjobs/internal/job"
)

const (
	defaultBuffer = 64
	maxMessages   = 500

	// MaxStoredMessages caps the messages kept on a descriptor across all
	// of its runs. The oldest are trimmed first.
	MaxStoredMessages = 1000
)

// EntryKind distinguishes progress updates from log lines.
type EntryKind string

const (
	KindProgress EntryKind = "progress"
	KindMessage  EntryKind = "message"
)

// Entry is one update forwarded to a Sink.
type Entry struct {
	JobID    string    `json:"job_id"`
	JobType  string    `json:"job_type"`
	Kind     EntryKind `json:"kind"`
	Progress float64   `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

func (e Entry) EventJobID() string { return e.JobID }

// Sink receives updates off the job's goroutine. Errors are counted, never
// surfaced to the job body.
type Sink interface {
	Write(e Entry) error
}

type SinkFunc func(e Entry) error

func (f SinkFunc) Write(e Entry) error { return f(e) }

type Option func(*Context)

// WithBuffer sets how many undelivered entries may queue before new ones
// are dropped.
func WithBuffer(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.buffer = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// Context tracks one run attempt. It is safe for concurrent use by the job
// body's goroutines.
type Context struct {
	jobID   string
	jobType string
	attempt int
	now     func() time.Time
	buffer  int

	mu       sync.Mutex
	closed   bool
	messages []string
	progress float64

	sink    Sink
	entries chan Entry
	done    chan struct{}
	dropped atomic.Int64
}

// New starts a context for the next run of d. sink may be nil.
func New(d *job.Descriptor, sink Sink, opts ...Option) *Context {
	c := &Context{
		jobID:   d.ID,
		jobType: d.Type,
		attempt: d.Attempts + 1,
		now:     time.Now,
		buffer:  defaultBuffer,
		sink:    sink,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if sink == nil {
		close(c.done)
		return c
	}
	c.entries = make(chan Entry, c.buffer)
	go c.drain()
	return c
}

func (c *Context) drain() {
	defer close(c.done)
	for e := range c.entries {
		if err := c.sink.Write(e); err != nil {
			c.dropped.Add(1)
		}
	}
}

func (c *Context) JobID() string { return c.jobID }

// Attempt is the 1-based number of the run this context belongs to.
func (c *Context) Attempt() int { return c.attempt }

// ReportProgress records fraction, clamped to [0, 1].
func (c *Context) ReportProgress(fraction float64) {
	switch {
	case math.IsNaN(fraction):
		return
	case fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = fraction
	c.forwardLocked(Entry{Kind: KindProgress, Progress: fraction})
}

// Log appends a message for the descriptor.
func (c *Context) Log(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) >= maxMessages {
		c.dropped.Add(1)
		return
	}
	c.messages = append(c.messages, message)
	c.forwardLocked(Entry{Kind: KindMessage, Message: message})
}

func (c *Context) forwardLocked(e Entry) {
	if c.entries == nil || c.closed {
		return
	}
	e.JobID = c.jobID
	e.JobType = c.jobType
	e.At = c.now().UTC()
	select {
	case c.entries <- e:
	default:
		c.dropped.Add(1)
	}
}

func (c *Context) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

func (c *Context) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Dropped counts entries lost to a full buffer, a sink error or the
// message cap.
func (c *Context) Dropped() int64 {
	return c.dropped.Load()
}

// Close stops forwarding and waits for queued entries to reach the sink.
// Updates after Close are still recorded locally.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	if c.entries != nil {
		close(c.entries)
	}
	c.mu.Unlock()
	<-c.done
}

// ApplyTo appends this run's messages to d, keeping at most
// MaxStoredMessages, and copies the progress.
func (c *Context) ApplyTo(d *job.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := append(d.Messages, c.messages...)
	if over := len(msgs) - MaxStoredMessages; over > 0 {
		msgs = append([]string(nil), msgs[over:]...)
	}
	d.Messages = msgs
	d.Progress = c.progress
}
