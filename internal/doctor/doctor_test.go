package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/queuedjobs/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	script := filepath.Join(t.TempDir(), "report.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat\n"), 0o755))

	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(t.TempDir(), "q.db")
	cfg.JobTypes = map[string]config.JobTypeConf{
		"report": {Command: script, Timeout: time.Minute},
	}
	return cfg
}

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg)
	d.lookPath = func(name string) (string, error) {
		if name == "cat" {
			return "/bin/cat", nil
		}
		return "", errors.New("not found")
	}
	return d
}

func fields(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Field
	}
	return out
}

func TestValidate_ValidConfig(t *testing.T) {
	r := newDoctor(validConfig(t)).Validate()
	assert.True(t, r.Valid, "errors: %v", r.Errors)
	assert.Empty(t, r.Warnings)
}

func TestValidate_CommandResolution(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))

	cfg := validConfig(t)
	cfg.JobTypes["onpath"] = config.JobTypeConf{Command: "cat", Timeout: time.Second}
	cfg.JobTypes["missing"] = config.JobTypeConf{Command: "nope-not-here", Timeout: time.Second}
	cfg.JobTypes["absent"] = config.JobTypeConf{Command: filepath.Join(dir, "gone.sh"), Timeout: time.Second}
	cfg.JobTypes["noexec"] = config.JobTypeConf{Command: plain, Timeout: time.Second}
	cfg.JobTypes["isdir"] = config.JobTypeConf{Command: dir, Timeout: time.Second}

	r := newDoctor(cfg).Validate()
	assert.False(t, r.Valid)
	assert.ElementsMatch(t, []string{
		"job_types.absent.command",
		"job_types.isdir.command",
		"job_types.missing.command",
		"job_types.noexec.command",
	}, fields(r.Errors))
}

func TestValidate_RelativeCommandUsesWorkDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "run"), []byte("#!/bin/sh\n"), 0o755))

	cfg := validConfig(t)
	cfg.JobTypes["local"] = config.JobTypeConf{Command: "./bin/run", WorkDir: dir, Timeout: time.Second}
	cfg.JobTypes["badwd"] = config.JobTypeConf{Command: "cat", WorkDir: filepath.Join(dir, "missing"), Timeout: time.Second}

	r := newDoctor(cfg).Validate()
	assert.Equal(t, []string{"job_types.badwd.workdir"}, fields(r.Errors))
}

func TestValidate_TimeoutNotBelowStaleAfter(t *testing.T) {
	cfg := validConfig(t)
	cfg.Dispatch.StaleAfter = time.Minute
	cfg.Service.ReconcileInterval = 2 * time.Minute

	r := newDoctor(cfg).Validate()
	assert.True(t, r.Valid)
	assert.ElementsMatch(t, []string{"job_types.report.timeout", "service.reconcile_interval"}, fields(r.Warnings))
	assert.Contains(t, r.Warnings[0].String(), "[dispatch]")
}

func TestValidate_APIScopes(t *testing.T) {
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Auth.Tokens = []config.APIToken{
		{Token: "a", Scopes: []string{"jobs:rw", "events:ro"}},
		{Token: "b", Scopes: []string{"plugins:rw"}},
	}

	r := newDoctor(cfg).Validate()
	assert.False(t, r.Valid)
	assert.Equal(t, []string{"api.auth.tokens[1].scopes[0]"}, fields(r.Errors))
}

func TestValidate_APIWithoutAuthWarns(t *testing.T) {
	cfg := validConfig(t)
	cfg.API.Enabled = true

	r := newDoctor(cfg).Validate()
	assert.True(t, r.Valid)
	assert.Equal(t, []string{"api.auth"}, fields(r.Warnings))
}

func TestValidate_Webhooks(t *testing.T) {
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Auth.APIKey = "k"
	cfg.Webhooks = &config.WebhooksConfig{
		Listen: cfg.API.Listen,
		Endpoints: []config.WebhookEndpoint{
			{Path: "/a", JobType: "report", Secret: "short", SignatureHeader: "X-Sig"},
		},
	}

	r := newDoctor(cfg).Validate()
	assert.Equal(t, []string{"webhooks.listen"}, fields(r.Errors))
	assert.Equal(t, []string{"webhooks.endpoints[0].secret"}, fields(r.Warnings))
}

func TestValidate_EmptyAndMemory(t *testing.T) {
	cfg := config.Defaults()
	cfg.State.Driver = "memory"

	r := newDoctor(cfg).Validate()
	assert.True(t, r.Valid)
	got := strings.Join(fields(r.Warnings), ",")
	assert.Contains(t, got, "state.driver")
	assert.Contains(t, got, "job_types")
}
