package worker

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/supercheck-io/supercheck/internal/apperr"
	"github.com/supercheck-io/supercheck/internal/queue"
)

// fakeCancels flips to cancelled after a set number of polls.
type fakeCancels struct {
	polls         atomic.Int32
	cancelAtPoll  int32
	clearedRunIDs []string
}

func (f *fakeCancels) IsCancelled(_ context.Context, _ string) bool {
	n := f.polls.Add(1)
	return f.cancelAtPoll > 0 && n >= f.cancelAtPoll
}

func (f *fakeCancels) Clear(_ context.Context, runID string) {
	f.clearedRunIDs = append(f.clearedRunIDs, runID)
}

func TestSuperviseChildNormalExit(t *testing.T) {
	s := &supervisor{cancels: &fakeCancels{}, logger: nil}
	s.logger = testLogger()

	cmd := exec.Command("echo", "hello")
	if err := s.superviseChild(context.Background(), cmd, "run-1", 5*time.Second); err != nil {
		t.Fatalf("superviseChild: %v", err)
	}
}

func TestSuperviseChildExitError(t *testing.T) {
	s := &supervisor{cancels: &fakeCancels{}, logger: testLogger()}

	cmd := exec.Command("false")
	err := s.superviseChild(context.Background(), cmd, "run-1", 5*time.Second)
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected exit error, got %v", err)
	}
}

func TestSuperviseChildTimeout(t *testing.T) {
	s := &supervisor{cancels: &fakeCancels{}, logger: testLogger()}

	cmd := exec.Command("sleep", "30")
	start := time.Now()
	err := s.superviseChild(context.Background(), cmd, "run-1", 200*time.Millisecond)
	if apperr.KindOf(err) != apperr.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("took %v, SIGTERM should have ended sleep promptly", time.Since(start))
	}
}

func TestSuperviseChildCancellation(t *testing.T) {
	cancels := &fakeCancels{cancelAtPoll: 1}
	s := &supervisor{cancels: cancels, logger: testLogger()}

	cmd := exec.Command("sleep", "30")
	err := s.superviseChild(context.Background(), cmd, "run-1", time.Minute)
	if apperr.KindOf(err) != apperr.KindCancellation {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestChildEnvCarriesVariablesAndSecrets(t *testing.T) {
	payload := queue.RunPayload{
		Variables: map[string]string{"BASE_URL": "https://x"},
		Secrets:   map[string]string{"TOKEN": "hunter2"},
	}
	env := childEnv([]string{"PATH=/usr/bin"}, payload)

	want := map[string]bool{
		"PATH=/usr/bin":      false,
		"BASE_URL=https://x": false,
		"TOKEN=hunter2":      false,
	}
	for _, kv := range env {
		if _, ok := want[kv]; ok {
			want[kv] = true
		}
	}
	for kv, seen := range want {
		if !seen {
			t.Errorf("missing env entry %q", kv)
		}
	}
}

func TestSanitizeDetailsRedactsSecrets(t *testing.T) {
	details := "request to https://x failed: auth header Bearer hunter2 rejected"
	got := sanitizeDetails(details, map[string]string{"TOKEN": "hunter2"})
	if strings.Contains(got, "hunter2") {
		t.Fatalf("secret leaked: %q", got)
	}
	if !strings.Contains(got, "[redacted]") {
		t.Fatalf("expected redaction marker: %q", got)
	}
}

func TestSanitizeDetailsCapsSize(t *testing.T) {
	big := strings.Repeat("x", maxErrorDetails*2)
	got := sanitizeDetails(big, nil)
	if len(got) > maxErrorDetails+64 {
		t.Fatalf("details not capped: %d bytes", len(got))
	}
	if !strings.HasSuffix(got, "[truncated]") {
		t.Fatal("expected truncation marker")
	}
}

func TestSanitizeDetailsStripsANSI(t *testing.T) {
	got := sanitizeDetails("\x1b[31merror:\x1b[0m boom", nil)
	if got != "error: boom" {
		t.Fatalf("got %q", got)
	}
}

func TestIsLaunchFailure(t *testing.T) {
	exitErr := &exec.ExitError{}

	if isLaunchFailure(nil, "browserType.launch: failed") {
		t.Fatal("nil error is not a launch failure")
	}
	if isLaunchFailure(errors.New("plain"), "browserType.launch: failed") {
		t.Fatal("non-exit errors are not launch failures")
	}
	if !isLaunchFailure(exitErr, "Error: browserType.launch: Failed to launch chromium") {
		t.Fatal("expected launch failure")
	}
	if isLaunchFailure(exitErr, "1 test failed") {
		t.Fatal("test failure misclassified as launch failure")
	}
}
