package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/queue"
)

// thresholdsFailedExit is k6's exit code when the run completed but one or
// more thresholds were crossed. That is a user-level failure, not an error.
const thresholdsFailedExit = 99

// K6Runner executes load-test scripts through the k6 binary. A semaphore
// caps simultaneous in-flight load tests per worker process.
type K6Runner struct {
	binPath string
	timeout time.Duration
	sem     chan struct{}
	sup     *supervisor
	logger  *zap.Logger
	baseEnv []string
}

// NewK6Runner creates a k6 runner with the given concurrency cap.
func NewK6Runner(binPath string, maxConcurrency int, timeout time.Duration, cancels cancelChecker, logger *zap.Logger) *K6Runner {
	if binPath == "" {
		binPath = "k6"
	}
	if maxConcurrency < 1 {
		maxConcurrency = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &K6Runner{
		binPath: binPath,
		timeout: timeout,
		sem:     make(chan struct{}, maxConcurrency),
		sup:     &supervisor{cancels: cancels, logger: logger},
		logger:  logger,
		baseEnv: []string{
			"PATH=" + os.Getenv("PATH"),
			"HOME=" + os.Getenv("HOME"),
		},
	}
}

func (r *K6Runner) Run(ctx context.Context, payload queue.RunPayload) (*Result, error) {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	dir, err := os.MkdirTemp("", "supercheck-k6-")
	if err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	scriptPath := filepath.Join(dir, "script.js")
	if err := os.WriteFile(scriptPath, []byte(payload.Script), 0o600); err != nil {
		cleanup()
		return nil, fmt.Errorf("write script: %w", err)
	}
	summaryPath := filepath.Join(dir, "summary.json")
	dashboardPath := filepath.Join(dir, "report.html")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binPath, "run",
		"--summary-export", summaryPath,
		"--quiet",
		scriptPath,
	)
	cmd.Dir = dir
	cmd.Env = append(childEnv(r.baseEnv, payload),
		"K6_WEB_DASHBOARD=true",
		"K6_WEB_DASHBOARD_EXPORT="+dashboardPath,
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := r.sup.superviseChild(ctx, cmd, payload.RunID, payload.Timeout(r.timeout))

	passed := runErr == nil
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			cleanup()
			return nil, runErr
		}
		if exitErr.ExitCode() != thresholdsFailedExit {
			// Script-level abort (syntax error, connection refused at init).
			cleanup()
			return &Result{
				Passed:  false,
				Stdout:  truncate(stdout.String(), maxOutputSize),
				Stderr:  truncate(stderr.String(), maxOutputSize),
				Details: sanitizeDetails(stderr.String(), payload.Secrets),
			}, nil
		}
	}

	result := &Result{
		Passed:  passed,
		Stdout:  truncate(stdout.String(), maxOutputSize),
		Stderr:  truncate(stderr.String(), maxOutputSize),
		Cleanup: cleanup,
	}
	if fileExists(summaryPath) {
		result.Artifacts = append(result.Artifacts, ArtifactFile{Name: "summary.json", Path: summaryPath})
	}
	if fileExists(dashboardPath) {
		result.Artifacts = append(result.Artifacts, ArtifactFile{Name: "report.html", Path: dashboardPath})
	}
	if !passed {
		result.Details = sanitizeDetails("thresholds crossed\n"+stderr.String(), payload.Secrets)
	}
	return result, nil
}
