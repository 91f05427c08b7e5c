package server

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/apperr"
	"github.com/supercheck-io/supercheck/internal/artifacts"
	"github.com/supercheck-io/supercheck/internal/hub"
	"github.com/supercheck-io/supercheck/internal/metrics"
	"github.com/supercheck-io/supercheck/internal/queue"
	"github.com/supercheck-io/supercheck/internal/store"
)

const (
	heartbeatInterval = 30 * time.Second
	authzCacheSize    = 512
)

// streamEvent is the SSE wire shape: the normalized lifecycle event plus
// store-backed fields attached on terminal statuses.
type streamEvent struct {
	hub.NormalizedEvent
	ArtifactURLs []string `json:"artifact_urls,omitempty"`
	ErrorDetails string   `json:"error_details,omitempty"`
}

// runSnapshot is the first message on a run stream.
type runSnapshot struct {
	RunID        string   `json:"run_id"`
	Status       string   `json:"status"`
	Trigger      string   `json:"trigger,omitempty"`
	Location     string   `json:"location,omitempty"`
	DurationMS   *int64   `json:"duration_ms,omitempty"`
	ErrorDetails string   `json:"error_details,omitempty"`
	ArtifactURLs []string `json:"artifact_urls,omitempty"`
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	runID := r.PathValue("id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	if run.TenantID != identity.TenantID || !identity.Allows(run.ProjectID) {
		writeError(w, apperr.New(apperr.KindAuthorization, "run belongs to another project"))
		return
	}

	flusher, ok := beginStream(w)
	if !ok {
		return
	}
	metrics.SSESubscribers.WithLabelValues("runs").Inc()
	defer metrics.SSESubscribers.WithLabelValues("runs").Dec()

	snap := runSnapshot{
		RunID:        run.ID,
		Status:       run.Status,
		Trigger:      run.Trigger,
		Location:     run.Location,
		DurationMS:   run.DurationMS,
		ErrorDetails: run.ErrorDetails,
	}
	if store.IsTerminal(run.Status) {
		snap.ArtifactURLs = s.signArtifacts(r.Context(), run.ArtifactPaths)
	}
	writeSSE(w, flusher, "snapshot", snap)

	subID := "runs-" + runID + "-" + uuid.NewString()
	ch := s.hub.Subscribe(subID)
	defer s.hub.Unsubscribe(subID)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Category != queue.CategoryTest || evt.EntityID != runID {
				continue
			}
			writeSSE(w, flusher, "status", s.enrich(r.Context(), evt))
		}
	}
}

func (s *Server) handleTestEvents(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	testID := r.PathValue("id")

	// Saved tests authorize by ownership at connect. Keys without a project
	// scope, and playground runs that never saved the test, fall through to
	// the per-event run checks below.
	if identity.ProjectID != "" {
		_, err := s.store.GetTest(r.Context(), testID, identity.ProjectID, identity.TenantID)
		if err != nil && apperr.Is(err, apperr.KindAuthorization) {
			writeError(w, err)
			return
		}
	}

	flusher, ok := beginStream(w)
	if !ok {
		return
	}
	metrics.SSESubscribers.WithLabelValues("tests").Inc()
	defer metrics.SSESubscribers.WithLabelValues("tests").Dec()

	subID := "tests-" + testID + "-" + uuid.NewString()
	ch := s.hub.Subscribe(subID)
	defer s.hub.Unsubscribe(subID)

	cache := newLRUCache(authzCacheSize)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Category != queue.CategoryTest || evt.EntityID == "" {
				continue
			}
			info := s.runInfo(r.Context(), cache, evt.EntityID)
			if !info.ok || info.tenantID != identity.TenantID ||
				!identity.Allows(info.projectID) || info.testID != testID {
				continue
			}
			out := s.enrich(r.Context(), evt)
			// Fail-safe: a successful queue completion only surfaces as
			// passed when the persisted report agrees.
			if out.Status == store.StatusPassed && !s.reportAgrees(r.Context(), evt.EntityID) {
				out.Status = store.StatusFailed
			}
			writeSSE(w, flusher, "status", out)
		}
	}
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := beginStream(w)
	if !ok {
		return
	}
	metrics.SSESubscribers.WithLabelValues("jobs").Inc()
	defer metrics.SSESubscribers.WithLabelValues("jobs").Dec()

	subID := "jobs-" + identity.TenantID + "-" + uuid.NewString()
	ch := s.hub.Subscribe(subID)
	defer s.hub.Unsubscribe(subID)

	cache := newLRUCache(authzCacheSize)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !s.ownsEvent(r.Context(), cache, identity, evt) {
				continue
			}
			writeSSE(w, flusher, "status", s.enrich(r.Context(), evt))
		}
	}
}

// ownsEvent decides whether a firehose event belongs to the caller. Test
// events resolve through their run, job events through the jobs table.
func (s *Server) ownsEvent(ctx context.Context, cache *lruCache, identity *store.Identity, evt hub.NormalizedEvent) bool {
	if evt.EntityID == "" {
		return false
	}
	switch evt.Category {
	case queue.CategoryTest:
		info := s.runInfo(ctx, cache, evt.EntityID)
		return info.ok && info.tenantID == identity.TenantID && identity.Allows(info.projectID)
	case queue.CategoryJob:
		key := "job:" + evt.EntityID
		if v, ok := cache.get(key); ok {
			info := v.(runAuthz)
			return info.ok && identity.Allows(info.projectID)
		}
		job, err := s.store.GetJob(ctx, evt.EntityID, identity.TenantID)
		if err != nil {
			cache.add(key, runAuthz{})
			return false
		}
		cache.add(key, runAuthz{projectID: job.ProjectID, tenantID: job.TenantID, ok: true})
		return identity.Allows(job.ProjectID)
	}
	return false
}

// runAuthz is the cached ownership record for one run or job.
type runAuthz struct {
	tenantID  string
	projectID string
	testID    string
	ok        bool
}

// runInfo resolves a run's ownership, memoized per connection.
func (s *Server) runInfo(ctx context.Context, cache *lruCache, runID string) runAuthz {
	if v, ok := cache.get(runID); ok {
		return v.(runAuthz)
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		// Negative entries are cached too; a run that does not exist now
		// will not exist for the lifetime of this connection either.
		info := runAuthz{}
		if !apperr.Is(err, apperr.KindTransientIO) {
			cache.add(runID, info)
		}
		return info
	}
	info := runAuthz{
		tenantID:  run.TenantID,
		projectID: run.ProjectID,
		testID:    run.ParseMetadata().TestID,
		ok:        true,
	}
	cache.add(runID, info)
	return info
}

// reportAgrees checks the persisted report for a run. Missing reports agree
// by default; only an explicit non-passed report vetoes.
func (s *Server) reportAgrees(ctx context.Context, runID string) bool {
	rep, err := s.store.GetReport(ctx, "run", runID)
	if err != nil || rep.Status == "" {
		return true
	}
	return rep.Status == store.StatusPassed
}

// enrich attaches signed artifact urls and error details to terminal events.
func (s *Server) enrich(ctx context.Context, evt hub.NormalizedEvent) streamEvent {
	out := streamEvent{NormalizedEvent: evt}
	if !store.IsTerminal(evt.Status) || evt.EntityID == "" {
		return out
	}
	run, err := s.store.GetRun(ctx, evt.EntityID)
	if err != nil {
		return out
	}
	out.ArtifactURLs = s.signArtifacts(ctx, run.ArtifactPaths)
	out.ErrorDetails = run.ErrorDetails
	return out
}

// signArtifacts converts stored artifact keys into presigned GET urls.
// Without a signer the raw keys pass through.
func (s *Server) signArtifacts(ctx context.Context, keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	if s.signer == nil {
		return keys
	}
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		u, err := s.signer.SignedRead(ctx, artifacts.EntityRun, key)
		if err != nil {
			s.logger.Warn("presign artifact failed", zap.String("key", key), zap.Error(err))
			continue
		}
		urls = append(urls, u)
	}
	return urls
}

// beginStream switches the response into SSE mode and sends the initial
// comment. Returns false when the writer cannot stream.
func beginStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.New(apperr.KindInternal, "streaming not supported"))
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()
	return flusher, true
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

// lruCache is a tiny bounded map for per-connection authorization lookups.
type lruCache struct {
	cap     int
	order   *list.List
	entries map[string]*list.Element
}

type lruEntry struct {
	key   string
	value any
}

func newLRUCache(capacity int) *lruCache {
	if capacity < 1 {
		capacity = 1
	}
	return &lruCache{
		cap:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) (any, bool) {
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(lruEntry).value, true
}

func (c *lruCache) add(key string, value any) {
	if el, ok := c.entries[key]; ok {
		el.Value = lruEntry{key: key, value: value}
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(lruEntry{key: key, value: value})
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(lruEntry).key)
	}
}
