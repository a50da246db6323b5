// Package exec runs job bodies as external commands speaking the JSON
// protocol in internal/protocol: one request on stdin, one response on
// stdout.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	osexec "os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/queuedjobs/internal/config"
	"github.com/mattjoyce/queuedjobs/internal/execution"
	"github.com/mattjoyce/queuedjobs/internal/job"
	"github.com/mattjoyce/queuedjobs/internal/jobtype"
	"github.com/mattjoyce/queuedjobs/internal/log"
	"github.com/mattjoyce/queuedjobs/internal/protocol"
)

const (
	// maxCapturedBytes caps how much stderr or bad stdout is kept from a run.
	maxCapturedBytes = 64 * 1024

	// defaultGrace is the time we wait after SIGTERM before sending SIGKILL.
	defaultGrace = 5 * time.Second
)

var errTimedOut = errors.New("job process timed out")

// Body spawns Command once per run.
type Body struct {
	Type    string
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string
	Timeout time.Duration
	Grace   time.Duration
	Logger  *slog.Logger
}

// FromConfig builds a Body for a configured job type.
func FromConfig(name string, conf config.JobTypeConf) *Body {
	timeout := conf.Timeout
	if timeout <= 0 {
		timeout = config.DefaultJobTimeout
	}
	return &Body{
		Type:    name,
		Command: conf.Command,
		Args:    conf.Args,
		Env:     conf.Env,
		WorkDir: conf.WorkDir,
		Timeout: timeout,
		Grace:   defaultGrace,
		Logger:  log.WithJobType(name),
	}
}

// RegisterAll registers every configured job type with reg.
func RegisterAll(reg *jobtype.Registry, types map[string]config.JobTypeConf) error {
	for name, conf := range types {
		err := reg.Register(jobtype.Type(name), FromConfig(name, conf),
			jobtype.WithPriority(conf.Priority),
			jobtype.WithMaxAttempts(conf.MaxAttempts),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Body) Run(ctx context.Context, payload json.RawMessage, ec *execution.Context) (jobtype.Result, error) {
	logger := b.Logger
	if logger == nil {
		logger = log.WithJobType(b.Type)
	}
	logger = logger.With("job_id", ec.JobID(), "attempt", ec.Attempt())

	req := &protocol.Request{
		Protocol:   protocol.Version,
		JobID:      ec.JobID(),
		JobType:    b.Type,
		Attempt:    ec.Attempt(),
		Payload:    payload,
		DeadlineAt: time.Now().Add(b.Timeout).UTC(),
	}

	resp, stderr, err := b.spawn(ctx, req, logger)
	if stderr != "" {
		logger.Debug("job stderr", "stderr", stderr)
	}
	if err != nil {
		var startErr *startError
		switch {
		case errors.As(err, &startErr):
			// A command that cannot start will not start on retry either.
			return jobtype.Result{}, job.Fatal(err)
		case errors.Is(err, errTimedOut):
			ec.Log(fmt.Sprintf("timed out after %s", b.Timeout))
			return jobtype.Result{}, job.Retry(fmt.Errorf("%w after %s", errTimedOut, b.Timeout))
		default:
			if stderr != "" {
				ec.Log("stderr: " + lastLine(stderr))
			}
			return jobtype.Result{}, job.Retry(err)
		}
	}

	for _, entry := range resp.Logs {
		ec.Log(fmt.Sprintf("[%s] %s", entry.Level, entry.Message))
	}
	if resp.Progress != nil {
		ec.ReportProgress(*resp.Progress)
	}

	if resp.Status == protocol.StatusError {
		cause := errors.New(resp.Error)
		logger.Warn("job returned error", "error", resp.Error, "retry", resp.ShouldRetry())
		if !resp.ShouldRetry() {
			return jobtype.Result{}, job.Fatal(cause)
		}
		return jobtype.Result{}, job.Retry(cause)
	}
	return jobtype.Result{Output: resp.Result}, nil
}

type startError struct{ err error }

func (e *startError) Error() string { return "start process: " + e.err.Error() }
func (e *startError) Unwrap() error { return e.err }

// spawn runs the command, writes req to stdin and decodes stdout.
// Returns the response, stderr output, and any error.
func (b *Body) spawn(ctx context.Context, req *protocol.Request, logger *slog.Logger) (*protocol.Response, string, error) {
	timeoutTimer := time.NewTimer(b.Timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is SIGTERM first, then SIGKILL.
	cmd := osexec.Command(b.Command, b.Args...)
	cmd.Dir = b.WorkDir
	if len(b.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range b.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	grace := b.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	// Children that inherit stdout must not hold Wait open forever.
	cmd.WaitDelay = grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning job process", "command", b.Command, "timeout", b.Timeout)
	if err := cmd.Start(); err != nil {
		return nil, "", &startError{err: err}
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.WriteRequest(stdin, req)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutTimer.C:
		logger.Warn("job process timed out, sending SIGTERM")
		b.terminate(cmd, waitErr, grace, logger)
		return nil, truncateOutput(stderr.String()), errTimedOut

	case <-ctx.Done():
		logger.Warn("context cancelled, sending SIGTERM")
		b.terminate(cmd, waitErr, grace, logger)
		return nil, truncateOutput(stderr.String()), ctx.Err()

	case err := <-waitErr:
		stderrStr := truncateOutput(stderr.String())
		if err != nil {
			var exitErr *osexec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
			logger.Warn("job process exited with non-zero status", "exit_code", exitErr.ExitCode())
		}
		// A process may exit without reading stdin; that is not an error on
		// its own when it still produced a response.
		<-writeErr

		resp, err := protocol.ParseResponse(stdout.Bytes())
		if err != nil {
			var malformed *protocol.MalformedError
			if errors.As(err, &malformed) {
				logger.Error("unusable job response", "error", err, "stdout", truncateOutput(string(malformed.Raw)))
			}
			return nil, stderrStr, err
		}
		return resp, stderrStr, nil
	}
}

func (b *Body) terminate(cmd *osexec.Cmd, waitErr <-chan error, grace time.Duration, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-waitErr:
		logger.Info("job process exited after SIGTERM")
	case <-timer.C:
		logger.Warn("job process did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

func truncateOutput(s string) string {
	if len(s) > maxCapturedBytes {
		return s[:maxCapturedBytes]
	}
	return s
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
