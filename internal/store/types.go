package store

import (
	"encoding/json"
	"time"
)

// Run statuses. The lifecycle is strictly forward: queued → running → one of
// the terminal statuses. Cancellation may also strike while queued.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusPassed    = "passed"
	StatusFailed    = "failed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed_out"
)

// Run triggers.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerAPI       = "api"
	TriggerRetry     = "retry"
)

// Test types.
const (
	TestTypeBrowser     = "browser"
	TestTypeAPI         = "api"
	TestTypePerformance = "performance"
	TestTypeSynthetic   = "synthetic"
)

// Subscription statuses.
const (
	SubscriptionActive  = "active"
	SubscriptionPastDue = "past_due"
	SubscriptionNone    = "none"
)

// IsTerminal reports whether status ends a run's lifecycle.
func IsTerminal(status string) bool {
	switch status {
	case StatusPassed, StatusFailed, StatusError, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether the run state machine allows from → to.
func CanTransition(from, to string) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		switch to {
		case StatusPassed, StatusFailed, StatusError, StatusTimedOut, StatusCancelled:
			return true
		}
	}
	return false
}

// Organization is the tenant entity.
type Organization struct {
	ID                 string
	Name               string
	PlanID             string // empty for unpaid tenants
	SubscriptionStatus string
	CreatedAt          time.Time
}

// Project scopes all runtime entities. TenantID is carried alongside
// ProjectID on every access as defense in depth.
type Project struct {
	ID        string
	TenantID  string
	Slug      string
	Name      string
	CreatedAt time.Time
}

// Test is a user-authored script. Workers never mutate tests.
type Test struct {
	ID        string
	TenantID  string
	ProjectID string
	Type      string
	Name      string
	Script    string // base64-encoded
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Job is a scheduled bundle of tests.
type Job struct {
	ID        string
	TenantID  string
	ProjectID string
	JobType   string // browser | performance
	Name      string
	Schedule  string // cron expression, empty for unscheduled
	Location  string
	TestIDs   []string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
	LastRunAt *time.Time
}

// Run is one execution record.
type Run struct {
	ID            string
	JobID         string // empty when not part of a job
	ProjectID     string
	TenantID      string
	Status        string
	Trigger       string
	Location      string
	StartedAt     time.Time
	CompletedAt   *time.Time
	DurationMS    *int64
	ErrorDetails  string
	ArtifactPaths []string
	Metadata      json.RawMessage
}

// RunMetadata is the validated shape of the open metadata JSON. Unknown
// fields stay opaque in Run.Metadata.
type RunMetadata struct {
	Source   string `json:"source,omitempty"`
	TestID   string `json:"test_id,omitempty"`
	TestType string `json:"test_type,omitempty"`
	Location string `json:"location,omitempty"`
}

// ParseMetadata extracts the known metadata fields, ignoring the rest.
func (r Run) ParseMetadata() RunMetadata {
	var m RunMetadata
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &m)
	}
	return m
}

// PlanLimits are resolved once per admission decision.
type PlanLimits struct {
	PlanID            string
	RunningCapacity   int
	QueuedCapacity    int
	MaxMonitors       int
	IncludedMinutes   int
	AICreditsPerMonth int
	DataRetentionDays int
}

// FreePlanLimits apply to tenants without a plan in self-hosted mode.
var FreePlanLimits = PlanLimits{
	PlanID:            "free",
	RunningCapacity:   1,
	QueuedCapacity:    5,
	MaxMonitors:       3,
	IncludedMinutes:   100,
	AICreditsPerMonth: 0,
	DataRetentionDays: 7,
}

// Report mirrors a run's terminal outcome with a pointer to its artifact.
type Report struct {
	EntityType string // test | run
	EntityID   string
	ReportPath string
	S3URL      string
	Status     string
	CreatedAt  time.Time
}

// UsageEvent is an append-only usage ledger row.
type UsageEvent struct {
	ID       string
	TenantID string
	RunID    string
	WindowID string
	Kind     string
	Units    int64
	Created  time.Time
	SyncedAt *time.Time
}
