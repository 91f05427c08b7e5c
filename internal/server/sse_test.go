package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/supercheck-io/supercheck/internal/hub"
	"github.com/supercheck-io/supercheck/internal/queue"
	"github.com/supercheck-io/supercheck/internal/store"
)

type sseClient struct {
	cancel  context.CancelFunc
	resp    *http.Response
	scanner *bufio.Scanner
}

func dialSSE(t *testing.T, baseURL, path, apiKey string) *sseClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		cancel()
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-API-Key", apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	c := &sseClient{cancel: cancel, resp: resp, scanner: bufio.NewScanner(resp.Body)}
	t.Cleanup(c.close)
	return c
}

func (c *sseClient) close() {
	c.cancel()
	c.resp.Body.Close()
}

// readComment returns the next comment line (": ...").
func (c *sseClient) readComment(t *testing.T) string {
	t.Helper()
	for c.scanner.Scan() {
		line := c.scanner.Text()
		if strings.HasPrefix(line, ":") {
			return line
		}
		if line != "" {
			t.Fatalf("expected comment, got %q", line)
		}
	}
	t.Fatalf("stream ended: %v", c.scanner.Err())
	return ""
}

// readEvent returns the next event name and decoded data payload.
func (c *sseClient) readEvent(t *testing.T) (string, map[string]any) {
	t.Helper()
	var event string
	for c.scanner.Scan() {
		line := c.scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var m map[string]any
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m); err != nil {
				t.Fatalf("decode data %q: %v", line, err)
			}
			return event, m
		}
	}
	t.Fatalf("stream ended: %v", c.scanner.Err())
	return "", nil
}

func waitSubscribers(t *testing.T, h *fakeHub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.subscriberCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", h.subscriberCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testEvent(runID, status string) hub.NormalizedEvent {
	return hub.NormalizedEvent{
		Queue:      "playwright-exec-us-east",
		Category:   queue.CategoryTest,
		Event:      queue.EventActive,
		Status:     status,
		QueueJobID: "qjob-1",
		EntityID:   runID,
		Timestamp:  time.Now().UTC(),
	}
}

func TestRunEventsStream(t *testing.T) {
	f := newFixture()
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	c := dialSSE(t, srv.URL, "/events/runs/run-1", "key-org")
	if c.resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", c.resp.StatusCode)
	}
	if got := c.readComment(t); got != ": connected" {
		t.Fatalf("greeting %q", got)
	}

	event, data := c.readEvent(t)
	if event != "snapshot" || data["run_id"] != "run-1" || data["status"] != store.StatusQueued {
		t.Fatalf("snapshot: %s %v", event, data)
	}

	waitSubscribers(t, f.hub, 1)
	f.hub.broadcast(testEvent("run-1", store.StatusRunning))

	event, data = c.readEvent(t)
	if event != "status" || data["status"] != store.StatusRunning {
		t.Fatalf("event: %s %v", event, data)
	}
}

func TestRunEventsIgnoresOtherRuns(t *testing.T) {
	f := newFixture()
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	c := dialSSE(t, srv.URL, "/events/runs/run-1", "key-org")
	c.readComment(t)
	c.readEvent(t)

	waitSubscribers(t, f.hub, 1)
	f.hub.broadcast(testEvent("run-other", store.StatusRunning))
	f.hub.broadcast(testEvent("run-1", store.StatusPassed))

	_, data := c.readEvent(t)
	if data["entity_id"] != "run-1" {
		t.Fatalf("leaked foreign run event: %v", data)
	}
}

func TestRunEventsTerminalCarriesArtifacts(t *testing.T) {
	f := newFixture()
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	c := dialSSE(t, srv.URL, "/events/runs/run-1", "key-org")
	c.readComment(t)
	c.readEvent(t)
	waitSubscribers(t, f.hub, 1)

	f.store.runs["run-1"].Status = store.StatusPassed
	f.store.runs["run-1"].ArtifactPaths = []string{"run/org-1/proj-1/run-1/report.html"}
	f.hub.broadcast(testEvent("run-1", store.StatusPassed))

	_, data := c.readEvent(t)
	urls, ok := data["artifact_urls"].([]any)
	if !ok || len(urls) != 1 {
		t.Fatalf("artifact urls: %v", data)
	}
}

func TestRunEventsDeniesForeignTenant(t *testing.T) {
	f := newFixture()
	f.store.identities["key-other"] = &store.Identity{TenantID: "org-2"}
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/events/runs/run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/events/runs/run-1", nil)
	req.Header.Set("X-API-Key", "key-other")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign tenant status %d", resp.StatusCode)
	}
}

func TestRunEventsCleanupOnDisconnect(t *testing.T) {
	f := newFixture()
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	c := dialSSE(t, srv.URL, "/events/runs/run-1", "key-org")
	c.readComment(t)
	waitSubscribers(t, f.hub, 1)

	c.close()
	waitSubscribers(t, f.hub, 0)
}

func TestTestEventsStrictPassRule(t *testing.T) {
	f := newFixture()
	run := queuedRun("run-1")
	run.Metadata = []byte(`{"test_id":"test-1"}`)
	f.store.runs["run-1"] = run
	// Queue says passed, report says failed. The test stream must fail safe.
	f.store.reports["run/run-1"] = &store.Report{
		EntityType: "run", EntityID: "run-1", Status: store.StatusFailed,
	}
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	c := dialSSE(t, srv.URL, "/events/tests/test-1", "key-org")
	c.readComment(t)
	waitSubscribers(t, f.hub, 1)

	f.hub.broadcast(testEvent("run-1", store.StatusPassed))

	_, data := c.readEvent(t)
	if data["status"] != store.StatusFailed {
		t.Fatalf("disagreeing report must surface failed: %v", data)
	}
}

func TestTestEventsFiltersOtherTests(t *testing.T) {
	f := newFixture()
	runA := queuedRun("run-a")
	runA.Metadata = []byte(`{"test_id":"test-1"}`)
	runB := queuedRun("run-b")
	runB.Metadata = []byte(`{"test_id":"test-2"}`)
	f.store.runs["run-a"] = runA
	f.store.runs["run-b"] = runB
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	c := dialSSE(t, srv.URL, "/events/tests/test-1", "key-org")
	c.readComment(t)
	waitSubscribers(t, f.hub, 1)

	f.hub.broadcast(testEvent("run-b", store.StatusRunning))
	f.hub.broadcast(testEvent("run-a", store.StatusRunning))

	_, data := c.readEvent(t)
	if data["entity_id"] != "run-a" {
		t.Fatalf("leaked foreign test event: %v", data)
	}
}

func TestJobEventsFirehoseFiltersTenant(t *testing.T) {
	f := newFixture()
	mine := queuedRun("run-mine")
	theirs := queuedRun("run-theirs")
	theirs.TenantID = "org-2"
	f.store.runs["run-mine"] = mine
	f.store.runs["run-theirs"] = theirs
	f.store.jobs["job-1"] = &store.Job{ID: "job-1", TenantID: "org-1", ProjectID: "proj-1"}
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	c := dialSSE(t, srv.URL, "/events/jobs", "key-org")
	c.readComment(t)
	waitSubscribers(t, f.hub, 1)

	f.hub.broadcast(testEvent("run-theirs", store.StatusRunning))
	jobEvt := hub.NormalizedEvent{
		Queue:     "playwright-scheduler",
		Category:  queue.CategoryJob,
		Event:     queue.EventActive,
		Status:    store.StatusRunning,
		EntityID:  "job-1",
		Timestamp: time.Now().UTC(),
	}
	f.hub.broadcast(jobEvt)
	f.hub.broadcast(testEvent("run-mine", store.StatusRunning))

	_, data := c.readEvent(t)
	if data["entity_id"] != "job-1" {
		t.Fatalf("expected job event first, got %v", data)
	}
	_, data = c.readEvent(t)
	if data["entity_id"] != "run-mine" {
		t.Fatalf("leaked foreign tenant event: %v", data)
	}
}

func TestLRUCacheEvictsOldest(t *testing.T) {
	c := newLRUCache(2)
	c.add("a", 1)
	c.add("b", 2)
	if _, ok := c.get("a"); !ok {
		t.Fatal("a missing")
	}
	// a was just used, so adding c evicts b.
	c.add("c", 3)
	if _, ok := c.get("b"); ok {
		t.Fatal("b should be evicted")
	}
	if _, ok := c.get("a"); !ok {
		t.Fatal("a should survive")
	}
	if _, ok := c.get("c"); !ok {
		t.Fatal("c missing")
	}
}
