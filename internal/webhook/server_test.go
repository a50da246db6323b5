package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/queuedjobs/internal/activation"
	"github.com/mattjoyce/queuedjobs/internal/config"
	"github.com/mattjoyce/queuedjobs/internal/execution"
	"github.com/mattjoyce/queuedjobs/internal/job"
	"github.com/mattjoyce/queuedjobs/internal/jobtype"
	"github.com/mattjoyce/queuedjobs/internal/log"
	"github.com/mattjoyce/queuedjobs/internal/queue"
	"github.com/mattjoyce/queuedjobs/internal/service"
)

const (
	testSecret = "test-secret"
	testHeader = "X-Hub-Signature-256"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text")
	os.Exit(m.Run())
}

type submitCall struct {
	jobType string
	payload json.RawMessage
	opts    service.SubmitOptions
}

type fakeSubmitter struct {
	calls []submitCall
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, jobType string, payload json.RawMessage, opts service.SubmitOptions) (string, error) {
	f.calls = append(f.calls, submitCall{jobType, payload, opts})
	if f.err != nil {
		return "", f.err
	}
	return "job-123", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() Config {
	return Config{
		Listen: "127.0.0.1:0",
		Endpoints: []EndpointConfig{{
			Path:            "/hooks/build",
			JobType:         "build",
			Secret:          testSecret,
			SignatureHeader: testHeader,
			MaxBodySize:     64,
			Priority:        4,
			Activate:        true,
		}},
	}
}

func post(t *testing.T, h http.Handler, path string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(testHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookSubmitsJob(t *testing.T) {
	fs := &fakeSubmitter{}
	srv := New(testConfig(), fs, testLogger())
	body := []byte(`{"ref":"main"}`)

	rec := post(t, srv.Handler(), "/hooks/build", body, Signature(body, testSecret))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "job-123", resp.JobID)

	require.Len(t, fs.calls, 1)
	call := fs.calls[0]
	assert.Equal(t, "build", call.jobType)
	assert.JSONEq(t, string(body), string(call.payload))
	assert.Equal(t, service.SubmitOptions{Priority: 4, SubmittedBy: "webhook:/hooks/build", Activate: true}, call.opts)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	fs := &fakeSubmitter{}
	srv := New(testConfig(), fs, testLogger())
	body := []byte(`{"ref":"main"}`)

	for name, sig := range map[string]string{
		"missing": "",
		"wrong":   Signature(body, "not-the-secret"),
	} {
		rec := post(t, srv.Handler(), "/hooks/build", body, sig)
		assert.Equal(t, http.StatusForbidden, rec.Code, name)
		assert.NotContains(t, rec.Body.String(), "hmac", name)
	}
	assert.Empty(t, fs.calls)
}

func TestWebhookBodyLimit(t *testing.T) {
	fs := &fakeSubmitter{}
	srv := New(testConfig(), fs, testLogger())
	body := []byte(`{"pad":"` + strings.Repeat("x", 100) + `"}`)

	rec := post(t, srv.Handler(), "/hooks/build", body, Signature(body, testSecret))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, fs.calls)
}

func TestWebhookUnknownPath(t *testing.T) {
	srv := New(testConfig(), &fakeSubmitter{}, testLogger())
	rec := post(t, srv.Handler(), "/hooks/other", []byte(`{}`), Signature([]byte(`{}`), testSecret))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hooks/build", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookSubmitErrors(t *testing.T) {
	body := []byte(`{}`)
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid payload", job.ErrInvalidJob, http.StatusBadRequest},
		{"vetoed", service.ErrRejected, http.StatusBadRequest},
		{"unknown type", fmt.Errorf("submit: %w", jobtype.ErrUnknownType), http.StatusBadRequest},
		{"store down", errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(testConfig(), &fakeSubmitter{err: tt.err}, testLogger())
			rec := post(t, srv.Handler(), "/hooks/build", body, Signature(body, testSecret))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestWebhookQueuesThroughService(t *testing.T) {
	store := queue.NewMemoryStore()
	reg := jobtype.NewRegistry()
	require.NoError(t, reg.Register("build", jobtype.BodyFunc(
		func(context.Context, json.RawMessage, *execution.Context) (jobtype.Result, error) {
			return jobtype.Result{}, nil
		})))
	svc := service.New(store, reg, activation.New(store, testLogger()))

	srv := New(testConfig(), svc, testLogger())
	body := []byte(`{"ref":"main"}`)
	rec := post(t, srv.Handler(), "/hooks/build", body, Signature(body, testSecret))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	d, err := svc.Status(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, d.Status)
	assert.Equal(t, "webhook:/hooks/build", d.SubmittedBy)
	assert.Equal(t, 4, d.Priority)
}

func TestFromConfig(t *testing.T) {
	off := false
	cfg, err := FromConfig(&config.WebhooksConfig{
		Listen: "127.0.0.1:8081",
		Endpoints: []config.WebhookEndpoint{
			{Path: "/a", JobType: "build", Secret: "s", SignatureHeader: testHeader},
			{Path: "/b", JobType: "build", Secret: "s", SignatureHeader: testHeader, MaxBodySize: "2KB", Activate: &off},
		},
	})
	require.NoError(t, err)
	require.Len(t, cfg.Endpoints, 2)
	assert.True(t, cfg.Endpoints[0].Activate)
	assert.Equal(t, int64(DefaultMaxBodySize), cfg.Endpoints[0].MaxBodySize)
	assert.False(t, cfg.Endpoints[1].Activate)
	assert.Equal(t, int64(2048), cfg.Endpoints[1].MaxBodySize)

	_, err = FromConfig(&config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{{Path: "/c", MaxBodySize: "huge"}}})
	assert.Error(t, err)

	_, err = FromConfig(nil)
	assert.Error(t, err)
}
