package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/queue"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func monitorPayload(url, keyword string) queue.RunPayload {
	return queue.RunPayload{
		RunID:          "run-1",
		TenantID:       "org-1",
		ProjectID:      "proj-1",
		TestType:       "synthetic",
		MonitorURL:     url,
		MonitorKeyword: keyword,
	}
}

func TestMonitorProbePasses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("service is healthy"))
	}))
	defer srv.Close()

	r := NewMonitorRunner(&fakeCancels{}, testLogger())
	res, err := r.Run(context.Background(), monitorPayload(srv.URL, ""))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Passed {
		t.Fatalf("probe should pass: %+v", res)
	}
	if !strings.Contains(res.Stdout, `"status_code":200`) {
		t.Fatalf("outcome missing status code: %s", res.Stdout)
	}
}

func TestMonitorProbeKeywordMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("all systems operational"))
	}))
	defer srv.Close()

	r := NewMonitorRunner(&fakeCancels{}, testLogger())

	res, err := r.Run(context.Background(), monitorPayload(srv.URL, "operational"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Passed {
		t.Fatal("keyword present, probe should pass")
	}

	res, err = r.Run(context.Background(), monitorPayload(srv.URL, "degraded"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Passed {
		t.Fatal("keyword absent, probe should fail")
	}
	if !strings.Contains(res.Details, "keyword") {
		t.Fatalf("details = %q", res.Details)
	}
}

func TestMonitorProbeBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewMonitorRunner(&fakeCancels{}, testLogger())
	res, err := r.Run(context.Background(), monitorPayload(srv.URL, ""))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Passed {
		t.Fatal("503 should fail the probe")
	}
	if !strings.Contains(res.Details, "503") {
		t.Fatalf("details = %q", res.Details)
	}
}

func TestMonitorProbeUnreachableTargetFailsNotErrors(t *testing.T) {
	r := NewMonitorRunner(&fakeCancels{}, testLogger())
	res, err := r.Run(context.Background(), monitorPayload("http://127.0.0.1:1", ""))
	if err != nil {
		t.Fatalf("unreachable target should not be an infra error: %v", err)
	}
	if res.Passed {
		t.Fatal("unreachable target should fail the probe")
	}
}
