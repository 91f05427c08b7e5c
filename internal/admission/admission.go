// Package admission decides whether a run request becomes a queued run.
// It verifies the tenant's subscription, resolves plan limits, checks the
// project's queued and running counts, validates the script, and then
// creates the run row and enqueues the work item as one unit.
package admission

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/apperr"
	"github.com/supercheck-io/supercheck/internal/metrics"
	"github.com/supercheck-io/supercheck/internal/queue"
	"github.com/supercheck-io/supercheck/internal/region"
	"github.com/supercheck-io/supercheck/internal/store"
)

// admissionStore is the slice of the state store the controller uses.
type admissionStore interface {
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
	GetProject(ctx context.Context, id string) (*store.Project, error)
	GetTest(ctx context.Context, testID, projectID, tenantID string) (*store.Test, error)
	ResolvePlanLimits(ctx context.Context, org *store.Organization) (store.PlanLimits, error)
	ActiveCounts(ctx context.Context, projectID string) (queued, running int, err error)
	CreateRun(ctx context.Context, p store.CreateRunParams) (*store.Run, error)
	FailQueuedRun(ctx context.Context, runID, details string) error
	QueuedPosition(ctx context.Context, run *store.Run) (int, error)
	ResolveProjectVariables(ctx context.Context, projectID string, keeper *store.SecretKeeper) (map[string]string, map[string]string, error)
}

// enqueuer is the slice of the queue substrate the controller uses.
type enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload []byte, opts queue.Options) (string, error)
}

// routeResolver orders candidate queues for a run.
type routeResolver interface {
	Route(kind region.ExecKind, loc string) []string
}

// SubscriptionChecker is the external entitlement collaborator. The store
// snapshot of subscription_status backs the default implementation.
type SubscriptionChecker interface {
	IsActive(ctx context.Context, tenantID string) (bool, error)
}

// creditConsumer gates credit-metered submissions.
type creditConsumer interface {
	ConsumeCredits(ctx context.Context, tenantID string, n, allowance int) error
	RefundCredits(ctx context.Context, tenantID string, n int)
}

// Submission is a run request after authentication.
type Submission struct {
	ProjectID string
	TenantID  string
	TestID    string
	JobID     string
	// Script is base64-encoded; used for playground runs without a TestID.
	Script   string
	TestType string
	Location string
	Trigger  string

	// MonitorURL and MonitorKeyword configure uptime probes.
	MonitorURL     string
	MonitorKeyword string

	// TimeoutMS overrides the default run timeout when positive. Clamped
	// to the configured run timeout on admission.
	TimeoutMS int64

	// CreditCost is nonzero for credit-metered submissions.
	CreditCost int
}

// Decision is an accepted submission.
type Decision struct {
	Run      *store.Run
	Queue    string
	Position int
}

// Controller is the admission controller.
type Controller struct {
	store      admissionStore
	queue      enqueuer
	router     routeResolver
	subs       SubscriptionChecker
	credits    creditConsumer
	keeper     *store.SecretKeeper
	selfHosted bool
	maxTimeout time.Duration
	logger     *zap.Logger
}

// Config wires a Controller.
type Config struct {
	Store   admissionStore
	Queue   enqueuer
	Router  routeResolver
	Subs    SubscriptionChecker
	Credits creditConsumer
	Keeper  *store.SecretKeeper
	// SelfHosted disables the subscription check.
	SelfHosted bool
	// MaxRunTimeout bounds per-submission timeout overrides. Must not
	// exceed the worker's configured run timeout, which the queue
	// visibility window is derived from.
	MaxRunTimeout time.Duration
	Logger        *zap.Logger
}

// New creates an admission controller.
func New(c Config) *Controller {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.MaxRunTimeout <= 0 {
		c.MaxRunTimeout = 10 * time.Minute
	}
	return &Controller{
		store:      c.Store,
		queue:      c.Queue,
		router:     c.Router,
		subs:       c.Subs,
		credits:    c.Credits,
		keeper:     c.Keeper,
		selfHosted: c.SelfHosted,
		maxTimeout: c.MaxRunTimeout,
		logger:     c.Logger,
	}
}

// StoreSubscriptionChecker answers entitlement from the organizations table.
type StoreSubscriptionChecker struct {
	Store interface {
		GetOrganization(ctx context.Context, id string) (*store.Organization, error)
	}
}

func (c StoreSubscriptionChecker) IsActive(ctx context.Context, tenantID string) (bool, error) {
	org, err := c.Store.GetOrganization(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return org.SubscriptionStatus == store.SubscriptionActive, nil
}

// Submit runs the full admission sequence and, on success, returns the queued
// run and its position in line.
func (a *Controller) Submit(ctx context.Context, sub Submission) (*Decision, error) {
	dec, err := a.submit(ctx, sub)
	outcome := "accepted"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	metrics.RecordSubmission(sub.TestType, outcome)
	return dec, err
}

func (a *Controller) submit(ctx context.Context, sub Submission) (*Decision, error) {
	if err := a.normalize(&sub); err != nil {
		return nil, err
	}

	if !a.selfHosted {
		active, err := a.subs.IsActive(ctx, sub.TenantID)
		if err != nil {
			return nil, err
		}
		if !active {
			return nil, apperr.New(apperr.KindSubscription, "an active subscription is required to run tests")
		}
	}

	org, err := a.store.GetOrganization(ctx, sub.TenantID)
	if err != nil {
		return nil, err
	}
	limits, err := a.store.ResolvePlanLimits(ctx, org)
	if err != nil {
		return nil, err
	}

	project, err := a.store.GetProject(ctx, sub.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.TenantID != sub.TenantID {
		return nil, apperr.New(apperr.KindAuthorization, "project belongs to another tenant")
	}

	queued, running, err := a.store.ActiveCounts(ctx, sub.ProjectID)
	if err != nil {
		return nil, err
	}
	if running >= limits.RunningCapacity && queued >= limits.QueuedCapacity {
		return nil, apperr.Newf(apperr.KindCapacity,
			"capacity exhausted: %d running (limit %d), %d queued (limit %d)",
			running, limits.RunningCapacity, queued, limits.QueuedCapacity)
	}

	script, err := a.resolveScript(ctx, &sub)
	if err != nil {
		return nil, err
	}

	if sub.CreditCost > 0 {
		if err := a.credits.ConsumeCredits(ctx, sub.TenantID, sub.CreditCost, limits.AICreditsPerMonth); err != nil {
			if apperr.Is(err, apperr.KindCredit) {
				metrics.UsageDenialsTotal.Inc()
			}
			return nil, err
		}
	}
	dec, err := a.createAndEnqueue(ctx, sub, script)
	if err != nil && sub.CreditCost > 0 {
		a.credits.RefundCredits(ctx, sub.TenantID, sub.CreditCost)
	}
	return dec, err
}

// normalize validates the request shape before any I/O.
func (a *Controller) normalize(sub *Submission) error {
	if sub.ProjectID == "" {
		return apperr.Validation("project_id", "project_id is required")
	}
	if sub.TenantID == "" {
		return apperr.New(apperr.KindAuthorization, "missing tenant")
	}
	switch sub.TestType {
	case store.TestTypeBrowser, store.TestTypeAPI, store.TestTypePerformance, store.TestTypeSynthetic:
	case "":
		return apperr.Validation("kind", "kind is required")
	default:
		return apperr.Validation("kind", "unknown test kind: "+sub.TestType)
	}
	if sub.Trigger == "" {
		sub.Trigger = store.TriggerManual
	}
	sub.Location = string(region.Normalize(sub.Location, a.logger))

	// Queue visibility is sized from the configured run timeout; a longer
	// override would let a healthy run be reclaimed and executed twice.
	if limit := a.maxTimeout.Milliseconds(); sub.TimeoutMS > limit {
		sub.TimeoutMS = limit
	}
	if sub.TimeoutMS < 0 {
		sub.TimeoutMS = 0
	}

	if sub.TestType == store.TestTypeSynthetic {
		if sub.MonitorURL == "" {
			return apperr.Validation("monitor_url", "monitor_url is required for uptime probes")
		}
		u, err := url.Parse(sub.MonitorURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperr.Validation("monitor_url", "monitor_url must be an http(s) URL")
		}
		return nil
	}
	if sub.TestID == "" && sub.Script == "" {
		return apperr.Validation("script", "either test_id or script is required")
	}
	return nil
}

// resolveScript loads the saved test (or takes the inline script), decodes
// it, and applies per-kind validation. Uptime probes carry no script.
func (a *Controller) resolveScript(ctx context.Context, sub *Submission) (string, error) {
	if sub.TestType == store.TestTypeSynthetic {
		return "", nil
	}

	encoded := sub.Script
	if sub.TestID != "" {
		test, err := a.store.GetTest(ctx, sub.TestID, sub.ProjectID, sub.TenantID)
		if err != nil {
			return "", err
		}
		if sub.TestType != test.Type {
			return "", apperr.Validation("kind", "kind does not match the saved test")
		}
		encoded = test.Script
	}

	script, err := DecodeScript(encoded)
	if err != nil {
		return "", err
	}
	if sub.TestType == store.TestTypePerformance {
		if err := ValidateK6Script(script); err != nil {
			return "", err
		}
	}
	return script, nil
}

func execKindFor(testType string) region.ExecKind {
	switch testType {
	case store.TestTypePerformance:
		return region.KindK6
	case store.TestTypeSynthetic:
		return region.KindMonitor
	default:
		return region.KindPlaywright
	}
}

// createAndEnqueue persists the run row and hands the payload to the queue.
// An enqueue failure marks the fresh row as error so it cannot sit queued
// with no work item behind it.
func (a *Controller) createAndEnqueue(ctx context.Context, sub Submission, script string) (*Decision, error) {
	vars, secrets, err := a.store.ResolveProjectVariables(ctx, sub.ProjectID, a.keeper)
	if err != nil {
		return nil, err
	}

	run, err := a.store.CreateRun(ctx, store.CreateRunParams{
		ProjectID: sub.ProjectID,
		TenantID:  sub.TenantID,
		JobID:     sub.JobID,
		Trigger:   sub.Trigger,
		Location:  sub.Location,
		Metadata: map[string]any{
			"source":    sub.Trigger,
			"test_id":   sub.TestID,
			"test_type": sub.TestType,
			"location":  sub.Location,
		},
	})
	if err != nil {
		return nil, err
	}

	payload := queue.RunPayload{
		RunID:          run.ID,
		TestID:         sub.TestID,
		JobID:          sub.JobID,
		ProjectID:      sub.ProjectID,
		TenantID:       sub.TenantID,
		TestType:       sub.TestType,
		Script:         script,
		Variables:      vars,
		Secrets:        secrets,
		Location:       sub.Location,
		Trigger:        sub.Trigger,
		TimeoutMS:      sub.TimeoutMS,
		MonitorURL:     sub.MonitorURL,
		MonitorKeyword: sub.MonitorKeyword,
	}
	data, err := payload.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	candidates := a.router.Route(execKindFor(sub.TestType), sub.Location)
	target := candidates[0]
	if _, err := a.queue.Enqueue(ctx, target, data, queue.Options{
		EntityID: run.ID,
		Trigger:  sub.Trigger,
	}); err != nil {
		if failErr := a.store.FailQueuedRun(ctx, run.ID, "enqueue failed"); failErr != nil {
			a.logger.Error("orphaned queued run after enqueue failure",
				zap.String("run_id", run.ID), zap.Error(failErr))
		}
		return nil, err
	}

	position, err := a.store.QueuedPosition(ctx, run)
	if err != nil {
		// Position is advisory; the run is already accepted.
		a.logger.Warn("queued position lookup failed", zap.String("run_id", run.ID), zap.Error(err))
		position = 0
	}

	a.logger.Info("run admitted",
		zap.String("run_id", run.ID),
		zap.String("project_id", sub.ProjectID),
		zap.String("test_type", sub.TestType),
		zap.String("queue", target),
		zap.Int("position", position),
	)
	return &Decision{Run: run, Queue: target, Position: position}, nil
}
