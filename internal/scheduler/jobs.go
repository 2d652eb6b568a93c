// Package scheduler runs the recurring maintenance jobs: OAuth token
// refresh, webhook subscription renewal, stale-matter alerting, and
// stage-tracking cleanup. Jobs never panic or return an error to the
// worker; a failed run reports failure and the schedule continues.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"lawflow_backend/internal/clio"
	"lawflow_backend/internal/email"
	"lawflow_backend/internal/events"
	"lawflow_backend/internal/taskgen"
	"lawflow_backend/platform/logger"
)

// JobResult is what every job run reports back.
type JobResult struct {
	Job      string        `json:"job"`
	Success  bool          `json:"success"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Job is one schedulable maintenance task.
type Job interface {
	Name() string
	Run(ctx context.Context) JobResult
}

func succeed(name, detail string, started time.Time) JobResult {
	return JobResult{Job: name, Success: true, Detail: detail, Duration: time.Since(started)}
}

func fail(name string, err error, started time.Time) JobResult {
	return JobResult{Job: name, Success: false, Error: err.Error(), Duration: time.Since(started)}
}

// ---- Token refresh ----

const JobTokenRefresh = "token_refresh"

// tokenRefresher is the slice of clio.DBTokenSource this job needs.
type tokenRefresher interface {
	ExpiresSoon(ctx context.Context, margin time.Duration) (bool, error)
	Refresh(ctx context.Context) (string, error)
}

// TokenRefreshJob refreshes the practice-management OAuth token before
// it expires. A failed refresh alerts staff; automation is down until
// someone re-authorizes.
type TokenRefreshJob struct {
	tokens tokenRefresher
	margin time.Duration
	sender email.Sender
	bus    events.Bus
	log    *logger.Logger
}

// NewTokenRefreshJob creates the token refresh job. The margin is how
// far ahead of expiry a refresh is forced.
func NewTokenRefreshJob(tokens tokenRefresher, margin time.Duration, sender email.Sender, bus events.Bus, log *logger.Logger) *TokenRefreshJob {
	if margin <= 0 {
		margin = time.Hour
	}
	return &TokenRefreshJob{tokens: tokens, margin: margin, sender: sender, bus: bus, log: log}
}

func (j *TokenRefreshJob) Name() string { return JobTokenRefresh }

func (j *TokenRefreshJob) Run(ctx context.Context) JobResult {
	started := time.Now()

	soon, err := j.tokens.ExpiresSoon(ctx, j.margin)
	if err != nil {
		return j.alertFailure(ctx, err, started)
	}
	if !soon {
		return succeed(JobTokenRefresh, "token still fresh", started)
	}

	if _, err := j.tokens.Refresh(ctx); err != nil {
		return j.alertFailure(ctx, err, started)
	}

	j.log.Info("oauth token refreshed")
	return succeed(JobTokenRefresh, "refreshed", started)
}

func (j *TokenRefreshJob) alertFailure(ctx context.Context, err error, started time.Time) JobResult {
	j.log.Error("oauth token refresh failed", "error", err)
	j.bus.Publish(ctx, events.TokenRefreshFailed{
		BaseEvent: events.NewBaseEvent(),
		Provider:  "clio",
		Reason:    err.Error(),
	})
	if mailErr := j.sender.SendTokenRefreshAlert(ctx, err.Error()); mailErr != nil {
		j.log.Error("token refresh alert email failed", "error", mailErr)
	}
	return fail(JobTokenRefresh, err, started)
}

// ---- Webhook subscription renewal ----

const JobSubscriptionRenewal = "subscription_renewal"

// subscriptionAPI is the slice of clio.Client this job needs.
type subscriptionAPI interface {
	ListWebhookSubscriptions(ctx context.Context) ([]clio.WebhookSubscription, error)
	UpdateWebhookSubscription(ctx context.Context, id int64, p clio.WebhookParams) (*clio.WebhookSubscription, error)
}

// SubscriptionRenewalJob extends webhook subscriptions that are about to
// expire. The CRM silently stops delivering once one lapses, so renewal
// runs well ahead of the deadline.
type SubscriptionRenewalJob struct {
	client     subscriptionAPI
	renewAhead time.Duration
	extendBy   time.Duration
	log        *logger.Logger
}

// NewSubscriptionRenewalJob creates the renewal job. Subscriptions
// expiring within renewAhead are extended to now+extendBy.
func NewSubscriptionRenewalJob(client subscriptionAPI, renewAhead, extendBy time.Duration, log *logger.Logger) *SubscriptionRenewalJob {
	if renewAhead <= 0 {
		renewAhead = 12 * time.Hour
	}
	if extendBy <= 0 {
		extendBy = 48 * time.Hour
	}
	return &SubscriptionRenewalJob{client: client, renewAhead: renewAhead, extendBy: extendBy, log: log}
}

func (j *SubscriptionRenewalJob) Name() string { return JobSubscriptionRenewal }

func (j *SubscriptionRenewalJob) Run(ctx context.Context) JobResult {
	started := time.Now()

	subs, err := j.client.ListWebhookSubscriptions(ctx)
	if err != nil {
		return fail(JobSubscriptionRenewal, err, started)
	}

	deadline := time.Now().Add(j.renewAhead)
	renewed, failed := 0, 0
	for _, sub := range subs {
		if sub.ExpiresAt != nil && sub.ExpiresAt.After(deadline) {
			continue
		}
		expires := time.Now().Add(j.extendBy)
		if _, err := j.client.UpdateWebhookSubscription(ctx, sub.ID, clio.WebhookParams{ExpiresAt: &expires}); err != nil {
			j.log.Error("webhook subscription renewal failed", "subscription", sub.ID, "error", err)
			failed++
			continue
		}
		renewed++
	}

	detail := fmt.Sprintf("renewed %d of %d subscriptions", renewed, len(subs))
	if failed > 0 {
		return JobResult{Job: JobSubscriptionRenewal, Success: false, Detail: detail,
			Error: fmt.Sprintf("%d renewals failed", failed), Duration: time.Since(started)}
	}
	return succeed(JobSubscriptionRenewal, detail, started)
}

// ---- Stale matter alerting ----

const JobStaleMatters = "stale_matters"

// staleLister is the slice of taskgen.Repository this job needs.
type staleLister interface {
	ListStaleEntries(ctx context.Context, cutoff time.Time) ([]taskgen.StaleEntry, error)
}

// matterReader fetches matter details for the digest.
type matterReader interface {
	GetMatter(ctx context.Context, id int64) (*clio.Matter, error)
}

// StaleMattersJob finds matters that have sat in one stage past the
// dwell limit and mails staff a digest.
type StaleMattersJob struct {
	tracking   staleLister
	client     matterReader
	staleAfter time.Duration
	sender     email.Sender
	bus        events.Bus
	log        *logger.Logger
}

// NewStaleMattersJob creates the stale-matter alert job.
func NewStaleMattersJob(tracking staleLister, client matterReader, staleAfter time.Duration, sender email.Sender, bus events.Bus, log *logger.Logger) *StaleMattersJob {
	if staleAfter <= 0 {
		staleAfter = 14 * 24 * time.Hour
	}
	return &StaleMattersJob{tracking: tracking, client: client, staleAfter: staleAfter, sender: sender, bus: bus, log: log}
}

func (j *StaleMattersJob) Name() string { return JobStaleMatters }

func (j *StaleMattersJob) Run(ctx context.Context) JobResult {
	started := time.Now()
	now := time.Now()

	entries, err := j.tracking.ListStaleEntries(ctx, now.Add(-j.staleAfter))
	if err != nil {
		return fail(JobStaleMatters, err, started)
	}
	if len(entries) == 0 {
		return succeed(JobStaleMatters, "no stale matters", started)
	}

	digest := make([]email.StaleMatter, 0, len(entries))
	for _, entry := range entries {
		item := email.StaleMatter{
			DisplayNumber: fmt.Sprintf("matter %d", entry.MatterID),
			StageName:     entry.StageName,
			EnteredAt:     entry.EnteredAt,
			DaysInStage:   int(now.Sub(entry.EnteredAt).Hours() / 24),
		}
		// Digest fields are best effort; the alert still goes out when
		// the upstream fetch fails.
		if m, err := j.client.GetMatter(ctx, entry.MatterID); err == nil {
			item.DisplayNumber = m.DisplayNumber
			item.Description = m.Description
		}
		digest = append(digest, item)

		j.bus.Publish(ctx, events.MatterStageStale{
			BaseEvent: events.NewBaseEvent(),
			MatterID:  entry.MatterID,
			StageName: entry.StageName,
			EnteredAt: entry.EnteredAt,
		})
	}

	if err := j.sender.SendStaleMattersAlert(ctx, digest); err != nil {
		return fail(JobStaleMatters, err, started)
	}
	return succeed(JobStaleMatters, fmt.Sprintf("alerted on %d matters", len(digest)), started)
}

// ---- Tracking cleanup ----

const JobTrackingCleanup = "tracking_cleanup"

// trackingCleaner is the slice of taskgen.Repository this job needs.
type trackingCleaner interface {
	DeleteTrackingOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TrackingCleanupJob purges stage-tracking rows past the retention
// horizon. Old dwell data only serves rollback detection and stale
// alerts, both of which look at recent history.
type TrackingCleanupJob struct {
	tracking  trackingCleaner
	retention time.Duration
	log       *logger.Logger
}

// NewTrackingCleanupJob creates the cleanup job.
func NewTrackingCleanupJob(tracking trackingCleaner, retention time.Duration, log *logger.Logger) *TrackingCleanupJob {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &TrackingCleanupJob{tracking: tracking, retention: retention, log: log}
}

func (j *TrackingCleanupJob) Name() string { return JobTrackingCleanup }

func (j *TrackingCleanupJob) Run(ctx context.Context) JobResult {
	started := time.Now()

	deleted, err := j.tracking.DeleteTrackingOlderThan(ctx, time.Now().Add(-j.retention))
	if err != nil {
		return fail(JobTrackingCleanup, err, started)
	}
	if deleted > 0 {
		j.log.Info("stage tracking cleanup removed rows", "deleted", deleted)
	}
	return succeed(JobTrackingCleanup, fmt.Sprintf("deleted %d rows", deleted), started)
}
