package queue

import (
	"encoding/json"
	"time"
)

// RunPayload is the work item carried by exec queues. Variables and secrets
// are resolved at admission time; the payload is the only place they travel.
type RunPayload struct {
	RunID     string            `json:"run_id"`
	TestID    string            `json:"test_id,omitempty"`
	JobID     string            `json:"job_id,omitempty"`
	ProjectID string            `json:"project_id"`
	TenantID  string            `json:"tenant_id"`
	TestType  string            `json:"test_type"`
	Script    string            `json:"script,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	Secrets   map[string]string `json:"secrets,omitempty"`
	Location  string            `json:"location"`
	Trigger   string            `json:"trigger"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`

	// MonitorURL and MonitorKeyword configure uptime probes.
	MonitorURL     string `json:"monitor_url,omitempty"`
	MonitorKeyword string `json:"monitor_keyword,omitempty"`
}

// Timeout returns the payload's timeout, or fallback when unset.
func (p RunPayload) Timeout(fallback time.Duration) time.Duration {
	if p.TimeoutMS <= 0 {
		return fallback
	}
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// Marshal encodes the payload for the queue.
func (p RunPayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalRunPayload decodes a queue payload.
func UnmarshalRunPayload(data []byte) (RunPayload, error) {
	var p RunPayload
	err := json.Unmarshal(data, &p)
	return p, err
}
