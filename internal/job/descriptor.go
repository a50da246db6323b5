package job

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultMaxAttempts = 3

// New builds a descriptor in StatusNew with a fresh ID.
func New(jobType string, payload json.RawMessage, opts Options) (*Descriptor, error) {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return nil, fmt.Errorf("%w: job type is empty", ErrInvalidJob)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidJob)
	}
	if opts.Delay < 0 {
		return nil, fmt.Errorf("%w: delay must not be negative", ErrInvalidJob)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	submittedBy := opts.SubmittedBy
	if submittedBy == "" {
		submittedBy = "unknown"
	}

	now := time.Now().UTC()
	return &Descriptor{
		ID:          uuid.NewString(),
		Type:        jobType,
		Status:      StatusNew,
		Priority:    opts.Priority,
		Delay:       opts.Delay,
		MaxAttempts: maxAttempts,
		Payload:     slices.Clone(payload),
		SubmittedBy: submittedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// MarkQueued makes the descriptor eligible to run at scheduledFor.
// Coming from failed (a retry), ScheduledFor never moves backwards.
func (d *Descriptor) MarkQueued(scheduledFor, at time.Time) error {
	if err := d.check(StatusQueued, StatusNew, StatusPaused, StatusFailed); err != nil {
		return err
	}
	scheduledFor = scheduledFor.UTC()
	if d.Status == StatusFailed && scheduledFor.Before(d.ScheduledFor) {
		scheduledFor = d.ScheduledFor
	}
	d.ScheduledFor = scheduledFor
	d.Status = StatusQueued
	d.touch(at)
	return nil
}

func (d *Descriptor) MarkPaused(at time.Time) error {
	if err := d.check(StatusPaused, StatusQueued); err != nil {
		return err
	}
	d.Status = StatusPaused
	d.touch(at)
	return nil
}

func (d *Descriptor) MarkRunning(at time.Time) error {
	if err := d.check(StatusRunning, StatusQueued); err != nil {
		return err
	}
	d.Status = StatusRunning
	started := at.UTC()
	d.StartedAt = &started
	d.CompletedAt = nil
	d.touch(at)
	return nil
}

func (d *Descriptor) MarkCompleted(at time.Time) error {
	if err := d.check(StatusCompleted, StatusRunning); err != nil {
		return err
	}
	d.Attempts++
	d.Status = StatusCompleted
	d.LastError = nil
	d.finish(at)
	return nil
}

func (d *Descriptor) MarkFailed(cause error, at time.Time) error {
	if err := d.check(StatusFailed, StatusRunning); err != nil {
		return err
	}
	d.Attempts++
	d.Status = StatusFailed
	d.setError(cause)
	d.touch(at)
	return nil
}

// MarkBroken is terminal. From running it also counts the attempt; from
// failed the attempt was already counted by MarkFailed.
func (d *Descriptor) MarkBroken(cause error, at time.Time) error {
	if err := d.check(StatusBroken, StatusRunning, StatusFailed); err != nil {
		return err
	}
	if d.Status == StatusRunning {
		d.Attempts++
	}
	d.Status = StatusBroken
	d.setError(cause)
	d.finish(at)
	return nil
}

func (d *Descriptor) IsTerminal() bool {
	return d.Status.Terminal()
}

// Clone returns a deep copy safe to hand to another goroutine.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Payload = slices.Clone(d.Payload)
	cp.Result = slices.Clone(d.Result)
	cp.Messages = slices.Clone(d.Messages)
	if d.LastError != nil {
		s := *d.LastError
		cp.LastError = &s
	}
	if d.StartedAt != nil {
		t := *d.StartedAt
		cp.StartedAt = &t
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (d *Descriptor) check(to Status, from ...Status) error {
	if slices.Contains(from, d.Status) {
		return nil
	}
	return &TransitionError{ID: d.ID, From: d.Status, To: to}
}

func (d *Descriptor) setError(cause error) {
	if cause == nil {
		d.LastError = nil
		return
	}
	msg := cause.Error()
	d.LastError = &msg
}

func (d *Descriptor) finish(at time.Time) {
	completed := at.UTC()
	d.CompletedAt = &completed
	d.touch(at)
}

func (d *Descriptor) touch(at time.Time) {
	d.UpdatedAt = at.UTC()
}
