// Package doctor checks a loaded configuration for problems that parse
// and validate cleanly but would misbehave at runtime.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/queuedjobs/internal/auth"
	"github.com/mattjoyce/queuedjobs/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

func (i Issue) String() string {
	if i.Field == "" {
		return fmt.Sprintf("[%s] %s", i.Category, i.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", i.Category, i.Field, i.Message)
}

type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{}

	d.checkState(r)
	d.checkJobTypes(r)
	d.checkStaleness(r)
	d.checkAPI(r)
	d.checkWebhooks(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkState(r *Result) {
	if d.cfg.State.Driver == "memory" {
		d.addWarning(r, "state", "state.driver", "memory driver loses every job on restart")
	}
}

// jobTypeNames returns the configured names sorted so output is stable.
func (d *Doctor) jobTypeNames() []string {
	names := make([]string, 0, len(d.cfg.JobTypes))
	for name := range d.cfg.JobTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Doctor) checkJobTypes(r *Result) {
	if len(d.cfg.JobTypes) == 0 {
		d.addWarning(r, "job_types", "job_types", "no job types configured; every submission will be rejected")
		return
	}

	for _, name := range d.jobTypeNames() {
		jt := d.cfg.JobTypes[name]
		field := "job_types." + name

		if jt.WorkDir != "" {
			if info, err := os.Stat(jt.WorkDir); err != nil || !info.IsDir() {
				d.addError(r, "job_types", field+".workdir", fmt.Sprintf("workdir %q is not a directory", jt.WorkDir))
			}
		}
		d.checkCommand(r, field+".command", jt)
	}
}

func (d *Doctor) checkCommand(r *Result, field string, jt config.JobTypeConf) {
	cmd := jt.Command
	if !strings.ContainsRune(cmd, filepath.Separator) {
		if _, err := d.lookPath(cmd); err != nil {
			d.addError(r, "job_types", field, fmt.Sprintf("command %q not found on PATH", cmd))
		}
		return
	}

	path := cmd
	if !filepath.IsAbs(path) && jt.WorkDir != "" {
		path = filepath.Join(jt.WorkDir, path)
	}
	info, err := os.Stat(path)
	switch {
	case err != nil:
		d.addError(r, "job_types", field, fmt.Sprintf("command %q does not exist", cmd))
	case info.IsDir():
		d.addError(r, "job_types", field, fmt.Sprintf("command %q is a directory", cmd))
	case info.Mode()&0o111 == 0:
		d.addError(r, "job_types", field, fmt.Sprintf("command %q is not executable", cmd))
	}
}

// checkStaleness flags job types that can legitimately run longer than
// the reconciler waits before declaring a run abandoned.
func (d *Doctor) checkStaleness(r *Result) {
	stale := d.cfg.Dispatch.StaleAfter
	for _, name := range d.jobTypeNames() {
		jt := d.cfg.JobTypes[name]
		if jt.Timeout >= stale {
			d.addWarning(r, "dispatch", "job_types."+name+".timeout",
				fmt.Sprintf("timeout %s is not below dispatch.stale_after %s; live runs may be reconciled and run twice", jt.Timeout, stale))
		}
	}
	if d.cfg.Service.ReconcileInterval > stale {
		d.addWarning(r, "dispatch", "service.reconcile_interval",
			fmt.Sprintf("reconcile_interval %s exceeds stale_after %s; stale runs wait up to a full interval", d.cfg.Service.ReconcileInterval, stale))
	}
}

var knownScopes = map[string]bool{
	auth.ScopeAll:        true,
	auth.ScopeJobsRead:   true,
	auth.ScopeJobsWrite:  true,
	auth.ScopeEventsRead: true,
}

func (d *Doctor) checkAPI(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if api.Auth.APIKey == "" && len(api.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no token configured; every request will be refused")
	}
	for i, tok := range api.Auth.Tokens {
		for j, scope := range tok.Scopes {
			if !knownScopes[scope] {
				d.addError(r, "api", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (want one of *, jobs:ro, jobs:rw, events:ro)", scope))
			}
		}
	}
}

func (d *Doctor) checkWebhooks(r *Result) {
	wh := d.cfg.Webhooks
	if wh == nil || len(wh.Endpoints) == 0 {
		return
	}
	if d.cfg.API.Enabled && wh.Listen == d.cfg.API.Listen {
		d.addError(r, "webhooks", "webhooks.listen",
			fmt.Sprintf("webhooks and API both listen on %s", wh.Listen))
	}
	for i, ep := range wh.Endpoints {
		if len(ep.Secret) < 16 {
			d.addWarning(r, "webhooks", fmt.Sprintf("webhooks.endpoints[%d].secret", i),
				"secret is shorter than 16 bytes")
		}
	}
}
