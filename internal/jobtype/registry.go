// Package jobtype maps job type names to the bodies that execute them.
package jobtype

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/mattjoyce/queuedjobs/internal/execution"
)

var ErrUnknownType = errors.New("unknown job type")

// Type is the discriminator stored on every descriptor.
type Type string

// Result is what a body hands back on success.
type Result struct {
	Output json.RawMessage
}

// Body executes one run of a job. Returning job.Fatal(err) stops retries;
// any other error is retried with backoff.
type Body interface {
	Run(ctx context.Context, payload json.RawMessage, ec *execution.Context) (Result, error)
}

type BodyFunc func(ctx context.Context, payload json.RawMessage, ec *execution.Context) (Result, error)

func (f BodyFunc) Run(ctx context.Context, payload json.RawMessage, ec *execution.Context) (Result, error) {
	return f(ctx, payload, ec)
}

// Defaults are per-type submission values used when the caller leaves
// them zero.
type Defaults struct {
	Priority    int
	MaxAttempts int
}

type Option func(*Defaults)

func WithPriority(p int) Option { return func(d *Defaults) { d.Priority = p } }

func WithMaxAttempts(n int) Option { return func(d *Defaults) { d.MaxAttempts = n } }

type entry struct {
	body     Body
	defaults Defaults
}

// Registry is safe for concurrent use. Types are registered at startup.
type Registry struct {
	mu      sync.RWMutex
	entries map[Type]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Type]entry)}
}

// Register adds body under t. Registering the same type twice is an error.
func (r *Registry) Register(t Type, body Body, opts ...Option) error {
	if strings.TrimSpace(string(t)) == "" {
		return fmt.Errorf("job type name is empty")
	}
	if body == nil {
		return fmt.Errorf("job type %q: body is nil", t)
	}

	var defaults Defaults
	for _, opt := range opts {
		opt(&defaults)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[t]; exists {
		return fmt.Errorf("job type %q already registered", t)
	}
	r.entries[t] = entry{body: body, defaults: defaults}
	return nil
}

// Lookup returns the body for t or an error matching ErrUnknownType.
func (r *Registry) Lookup(t Type) (Body, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return e.body, nil
}

func (r *Registry) Has(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[t]
	return ok
}

func (r *Registry) Defaults(t Type) Defaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[t].defaults
}

// Types returns the registered names, sorted.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
