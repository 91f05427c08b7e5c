package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/apperr"
	"github.com/supercheck-io/supercheck/internal/queue"
)

const (
	monitorTimeout     = 30 * time.Second
	monitorMaxBodyScan = 256 << 10
)

// MonitorRunner performs uptime probes in-process: an HTTP GET judged on
// status code, latency and an optional keyword match. No child process.
type MonitorRunner struct {
	client  *http.Client
	cancels cancelChecker
	logger  *zap.Logger
}

// NewMonitorRunner creates an uptime probe runner.
func NewMonitorRunner(cancels cancelChecker, logger *zap.Logger) *MonitorRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonitorRunner{
		client: &http.Client{
			Timeout: monitorTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		cancels: cancels,
		logger:  logger,
	}
}

// probeOutcome is the structured result persisted as the probe's artifact.
type probeOutcome struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	LatencyMS  int64  `json:"latency_ms"`
	Keyword    string `json:"keyword,omitempty"`
	KeywordHit bool   `json:"keyword_hit,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (r *MonitorRunner) Run(ctx context.Context, payload queue.RunPayload) (*Result, error) {
	if r.cancels.IsCancelled(ctx, payload.RunID) {
		return nil, apperr.New(apperr.KindCancellation, "run cancelled")
	}

	probeCtx, cancel := context.WithTimeout(ctx, payload.Timeout(monitorTimeout))
	defer cancel()

	outcome := probeOutcome{URL: payload.MonitorURL, Keyword: payload.MonitorKeyword}
	start := time.Now()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, payload.MonitorURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "build probe request", err)
	}
	req.Header.Set("User-Agent", "supercheck-monitor/1.0")

	resp, err := r.client.Do(req)
	outcome.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		if probeCtx.Err() == context.DeadlineExceeded {
			return nil, apperr.New(apperr.KindTimeout, "probe timed out")
		}
		// Unreachable target is a failed probe, not an infra error.
		outcome.Error = err.Error()
		return r.result(payload, outcome, false), nil
	}
	defer resp.Body.Close()
	outcome.StatusCode = resp.StatusCode

	passed := resp.StatusCode < 400
	if passed && payload.MonitorKeyword != "" {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, monitorMaxBodyScan))
		if readErr != nil {
			outcome.Error = readErr.Error()
			passed = false
		} else {
			outcome.KeywordHit = strings.Contains(string(body), payload.MonitorKeyword)
			passed = outcome.KeywordHit
		}
	}
	return r.result(payload, outcome, passed), nil
}

func (r *MonitorRunner) result(payload queue.RunPayload, outcome probeOutcome, passed bool) *Result {
	data, _ := json.Marshal(outcome)
	res := &Result{
		Passed: passed,
		Stdout: string(data),
	}
	if !passed {
		switch {
		case outcome.Error != "":
			res.Details = sanitizeDetails(outcome.Error, payload.Secrets)
		case outcome.Keyword != "" && !outcome.KeywordHit && outcome.StatusCode < 400:
			res.Details = "keyword not found in response body"
		default:
			res.Details = fmt.Sprintf("unexpected status code %d", outcome.StatusCode)
		}
	}
	return res
}
