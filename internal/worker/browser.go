package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/queue"
)

const browserLaunchAttempts = 3

// launchFailureMarkers identify a browser that never came up, as opposed to
// a test that ran and failed. Only launch failures are retried.
var launchFailureMarkers = []string{
	"browserType.launch",
	"Failed to launch",
	"Executable doesn't exist",
	"Target page, context or browser has been closed",
}

// browserConfig is the bootstrap harness written next to the user script.
// HTML report and traces land in fixed paths the runner uploads afterwards.
const browserConfig = `module.exports = {
  testDir: '.',
  timeout: 0,
  retries: 0,
  workers: 1,
  reporter: [
    ['json', { outputFile: 'results.json' }],
    ['html', { outputFolder: 'report', open: 'never' }],
  ],
  use: {
    screenshot: 'only-on-failure',
    trace: 'retain-on-failure',
  },
};
`

// BrowserRunner executes browser-automation scripts through the playwright
// CLI in a throwaway working directory.
type BrowserRunner struct {
	binPath string
	timeout time.Duration
	sup     *supervisor
	logger  *zap.Logger

	baseEnv []string
	// sleep is swapped in tests to skip real retry backoff.
	sleep func(time.Duration)
}

// NewBrowserRunner creates a browser runner. binPath defaults to npx.
func NewBrowserRunner(binPath string, timeout time.Duration, cancels cancelChecker, logger *zap.Logger) *BrowserRunner {
	if binPath == "" {
		binPath = "npx"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrowserRunner{
		binPath: binPath,
		timeout: timeout,
		sup:     &supervisor{cancels: cancels, logger: logger},
		logger:  logger,
		baseEnv: []string{
			"PATH=" + os.Getenv("PATH"),
			"HOME=" + os.Getenv("HOME"),
		},
		sleep: time.Sleep,
	}
}

func (r *BrowserRunner) Run(ctx context.Context, payload queue.RunPayload) (*Result, error) {
	dir, err := os.MkdirTemp("", "supercheck-run-")
	if err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	if err := os.WriteFile(filepath.Join(dir, "run.spec.js"), []byte(payload.Script), 0o600); err != nil {
		cleanup()
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "playwright.config.js"), []byte(browserConfig), 0o600); err != nil {
		cleanup()
		return nil, fmt.Errorf("write config: %w", err)
	}

	timeout := payload.Timeout(r.timeout)
	var stdout, stderr bytes.Buffer
	var runErr error

	for attempt := 1; attempt <= browserLaunchAttempts; attempt++ {
		stdout.Reset()
		stderr.Reset()

		cmd := exec.CommandContext(ctx, r.binPath, "playwright", "test", "run.spec.js")
		cmd.Dir = dir
		cmd.Env = childEnv(r.baseEnv, payload)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr = r.sup.superviseChild(ctx, cmd, payload.RunID, timeout)
		if !isLaunchFailure(runErr, stderr.String()) {
			break
		}
		if attempt < browserLaunchAttempts {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			r.logger.Warn("browser launch failed, retrying",
				zap.String("run_id", payload.RunID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)
			r.sleep(backoff)
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Timeout, cancellation, or the binary never started.
			cleanup()
			return nil, runErr
		}
	}

	result := &Result{
		Passed:    runErr == nil,
		Stdout:    truncate(stdout.String(), maxOutputSize),
		Stderr:    truncate(stderr.String(), maxOutputSize),
		Artifacts: collectBrowserArtifacts(dir),
		Cleanup:   cleanup,
	}
	if !result.Passed {
		result.Details = sanitizeDetails(stderr.String()+"\n"+stdout.String(), payload.Secrets)
	}
	return result, nil
}

// isLaunchFailure reports whether the attempt died before tests ran.
func isLaunchFailure(err error, stderr string) bool {
	if err == nil {
		return false
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	for _, marker := range launchFailureMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

// collectBrowserArtifacts gathers the structured result file, the HTML
// report and any failure captures from the run directory.
func collectBrowserArtifacts(dir string) []ArtifactFile {
	var out []ArtifactFile
	if p := filepath.Join(dir, "results.json"); fileExists(p) {
		out = append(out, ArtifactFile{Name: "results.json", Path: p})
	}
	if p := filepath.Join(dir, "report", "index.html"); fileExists(p) {
		out = append(out, ArtifactFile{Name: "report.html", Path: p})
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "test-results", "*", "*"))
	for _, m := range matches {
		switch filepath.Ext(m) {
		case ".png", ".zip", ".webm":
			out = append(out, ArtifactFile{Name: filepath.Base(m), Path: m})
		}
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
