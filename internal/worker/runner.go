package worker

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/apperr"
	"github.com/supercheck-io/supercheck/internal/queue"
)

const (
	// cancelPollInterval bounds how stale a cancel observation can be.
	cancelPollInterval = time.Second
	// killGrace is how long a child gets between SIGTERM and SIGKILL.
	killGrace = 10 * time.Second

	// maxOutputSize caps captured stdout/stderr per stream.
	maxOutputSize = 1 << 20
	// maxErrorDetails caps sanitized error details persisted on the run.
	maxErrorDetails = 8 << 10
)

// ArtifactFile is a local file produced by a runner, pending upload.
type ArtifactFile struct {
	// Name is the filename under the run's artifact prefix.
	Name string
	// Path is the local filesystem location.
	Path string
}

// Result is a runner's verdict on one payload. A Result is only returned
// when the child actually ran to completion; infra failures, timeouts and
// cancellations surface as errors instead.
type Result struct {
	// Passed is the user-level verdict.
	Passed bool
	// Artifacts are local files to upload under the run's prefix.
	Artifacts []ArtifactFile
	// Stdout and Stderr are the captured (truncated) child streams.
	Stdout string
	Stderr string
	// Details carries failure context for the run row.
	Details string

	// Cleanup releases the run directory. The pool calls it after artifact
	// upload; nil when the runner produced no local files.
	Cleanup func()
}

// Runner executes one payload kind.
type Runner interface {
	Run(ctx context.Context, payload queue.RunPayload) (*Result, error)
}

// cancelChecker is the slice of the cancellation plane runners poll.
type cancelChecker interface {
	IsCancelled(ctx context.Context, runID string) bool
}

// supervisor runs a child process under a wall-clock timeout with periodic
// cancellation polling. SIGTERM first, SIGKILL after the grace window.
type supervisor struct {
	cancels cancelChecker
	logger  *zap.Logger
}

// superviseChild starts cmd and waits for exit, timeout, or cancellation.
// The returned error is nil or *exec.ExitError on normal child exit; timeout
// and cancellation come back as apperr kinds.
func (s *supervisor) superviseChild(ctx context.Context, cmd *exec.Cmd, runID string, timeout time.Duration) error {
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start child: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	tick := time.NewTicker(cancelPollInterval)
	defer tick.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-timer.C:
			s.terminate(cmd, done, runID, "timeout")
			return apperr.Newf(apperr.KindTimeout, "run exceeded %s wall-clock limit", timeout)
		case <-tick.C:
			if s.cancels.IsCancelled(ctx, runID) {
				s.terminate(cmd, done, runID, "cancel")
				return apperr.New(apperr.KindCancellation, "run cancelled")
			}
		case <-ctx.Done():
			s.terminate(cmd, done, runID, "shutdown")
			return ctx.Err()
		}
	}
}

func (s *supervisor) terminate(cmd *exec.Cmd, done <-chan error, runID, why string) {
	s.logger.Info("terminating child process",
		zap.String("run_id", runID),
		zap.String("reason", why),
		zap.Int("pid", cmd.Process.Pid),
	)
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(killGrace):
		_ = cmd.Process.Kill()
		<-done
	}
}

// childEnv builds the minimal explicit environment for a child process.
// Variables and secrets travel only here, never on the command line.
func childEnv(base []string, payload queue.RunPayload) []string {
	env := append([]string{}, base...)
	for k, v := range payload.Variables {
		env = append(env, k+"="+v)
	}
	for k, v := range payload.Secrets {
		env = append(env, k+"="+v)
	}
	return env
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [truncated]"
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// sanitizeDetails strips terminal escapes and any secret values from error
// details, and caps the size so user stack traces cannot bloat the run row.
func sanitizeDetails(details string, secrets map[string]string) string {
	details = ansiRe.ReplaceAllString(details, "")
	for _, v := range secrets {
		if v != "" {
			details = strings.ReplaceAll(details, v, "[redacted]")
		}
	}
	return truncate(details, maxErrorDetails)
}
