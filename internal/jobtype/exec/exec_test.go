package exec

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/queuedjobs/internal/config"
	"github.com/mattjoyce/queuedjobs/internal/execution"
	"github.com/mattjoyce/queuedjobs/internal/job"
	"github.com/mattjoyce/queuedjobs/internal/jobtype"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "job.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newContext(t *testing.T) *execution.Context {
	t.Helper()
	d, err := job.New("report", nil, job.Options{})
	require.NoError(t, err)
	ec := execution.New(d, nil)
	t.Cleanup(ec.Close)
	return ec
}

func testBody(command string) *Body {
	return &Body{Type: "report", Command: command, Timeout: 5 * time.Second, Grace: time.Second}
}

func TestRunSuccess(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
printf '{"status":"ok","result":{"n":1},"progress":0.5,"logs":[{"level":"info","message":"hi"}]}'`)
	ec := newContext(t)

	res, err := testBody(script).Run(context.Background(), json.RawMessage(`{}`), ec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(res.Output))
	assert.Equal(t, []string{"[info] hi"}, ec.Messages())
	assert.InDelta(t, 0.5, ec.Progress(), 1e-9)
}

func TestRunSendsRequest(t *testing.T) {
	out := filepath.Join(t.TempDir(), "request.json")
	script := writeScript(t, `cat > "$REQUEST_OUT"
printf '{"status":"ok"}'`)
	b := testBody(script)
	b.Env = map[string]string{"REQUEST_OUT": out}
	ec := newContext(t)

	_, err := b.Run(context.Background(), json.RawMessage(`{"page":2}`), ec)
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var req map[string]any
	require.NoError(t, json.Unmarshal(raw, &req))
	assert.Equal(t, ec.JobID(), req["job_id"])
	assert.Equal(t, "report", req["job_type"])
	assert.Equal(t, float64(1), req["attempt"])
	assert.Equal(t, map[string]any{"page": float64(2)}, req["payload"])
}

func TestRunIgnoresChatterBeforeResponse(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo "connecting to warehouse"
printf '{"status":"ok","result":"done"}'`)

	res, err := testBody(script).Run(context.Background(), nil, newContext(t))
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(res.Output))
}

func TestRunErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		script    string
		wantFatal bool
		wantMsg   string
	}{
		{"retry false is fatal", `printf '{"status":"error","error":"bad payload","retry":false}'`, true, "bad payload"},
		{"error retries by default", `printf '{"status":"error","error":"upstream 503"}'`, false, "upstream 503"},
		{"garbage output retries", `echo not-json`, false, "malformed job response"},
		{"silent exit retries", `exit 3`, false, "no output"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			script := writeScript(t, tc.script)
			_, err := testBody(script).Run(context.Background(), nil, newContext(t))
			require.Error(t, err)
			assert.Equal(t, tc.wantFatal, job.IsFatal(err))
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestRunTimeoutIsRecoverable(t *testing.T) {
	script := writeScript(t, `exec sleep 5`)
	b := testBody(script)
	b.Timeout = 100 * time.Millisecond
	ec := newContext(t)

	start := time.Now()
	_, err := b.Run(context.Background(), nil, ec)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.False(t, job.IsFatal(err))
	assert.True(t, errors.Is(err, errTimedOut))
	assert.Contains(t, ec.Messages()[0], "timed out")
}

func TestRunMissingCommandIsFatal(t *testing.T) {
	b := testBody(filepath.Join(t.TempDir(), "does-not-exist"))
	_, err := b.Run(context.Background(), nil, newContext(t))
	require.Error(t, err)
	assert.True(t, job.IsFatal(err))
}

func TestRegisterAll(t *testing.T) {
	reg := jobtype.NewRegistry()
	err := RegisterAll(reg, map[string]config.JobTypeConf{
		"report": {Command: "/bin/true", Priority: 4, MaxAttempts: 2},
		"email":  {Command: "/bin/true", Timeout: time.Second},
	})
	require.NoError(t, err)

	assert.Equal(t, []jobtype.Type{"email", "report"}, reg.Types())
	assert.Equal(t, jobtype.Defaults{Priority: 4, MaxAttempts: 2}, reg.Defaults("report"))

	body, err := reg.Lookup("report")
	require.NoError(t, err)
	eb, ok := body.(*Body)
	require.True(t, ok)
	assert.Equal(t, config.DefaultJobTimeout, eb.Timeout)
}
