// Package outreach drives lead processing: business-hours gating, content
// resolution, delivery, lifecycle updates and dead-letter recording.
package outreach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/outreach-engine/internal/businesshours"
	"github.com/bissquit/outreach-engine/internal/delivery"
	"github.com/bissquit/outreach-engine/internal/dlq"
	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/bissquit/outreach-engine/internal/followup"
	"github.com/bissquit/outreach-engine/internal/lifecycle"
	"github.com/bissquit/outreach-engine/internal/quota"
)

const (
	defaultDailyBatchSize = 50
	defaultSweepLimit     = 200
	defaultMaxManualLeads = 500

	markSentAttempts       = 3
	defaultWriteRetryDelay = 200 * time.Millisecond

	reasonUnrecordedDelivery = "delivered but not recorded"
)

// Lifecycle applies lead state transitions.
type Lifecycle interface {
	Get(ctx context.Context, leadID string) (*domain.Lead, error)
	MarkScheduled(ctx context.Context, leadID string, when time.Time, timeZone string) (*domain.Lead, error)
	MarkSending(ctx context.Context, leadID string, emailType domain.EmailType) (*domain.Lead, error)
	MarkSent(ctx context.Context, leadID string, emailType domain.EmailType, messageID, threadID string) (*domain.Lead, error)
	MarkFailed(ctx context.Context, leadID, reason string) (*domain.Lead, error)
}

// ContentResolver produces the message for a lead. It never fails.
type ContentResolver interface {
	Resolve(ctx context.Context, lead *domain.Lead, emailType domain.EmailType, forceRegenerate bool) domain.Message
}

// MessageStore persists resolved messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *domain.Message) error
}

// Quota claims leads and gates the daily pool.
type Quota interface {
	CanRunToday(ctx context.Context, now time.Time) (quota.Decision, error)
	SentToday(ctx context.Context, now time.Time) (int, error)
	ClaimNextBatch(ctx context.Context, maxSize int, now time.Time) ([]string, error)
	ClaimLeads(ctx context.Context, ids []string, now time.Time) ([]string, error)
	ClaimScheduledDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	ReleaseBatch(ctx context.Context, ids []string) error
	ReleaseStaleLocks(ctx context.Context, now time.Time) (int, error)
}

// Batches tracks batch progress.
type Batches interface {
	Start(ctx context.Context, kind domain.BatchKind, total int) (*domain.Batch, error)
	SetTotal(ctx context.Context, id string, total int) error
	Fail(ctx context.Context, id string, cause error) error
	Record(ctx context.Context, id string, outcome domain.Outcome) error
	Complete(ctx context.Context, id string) error
	IsCancelled(ctx context.Context, id string) (bool, error)
}

// Followups lists due follow-ups.
type Followups interface {
	DueToday(ctx context.Context, now time.Time) ([]followup.Due, error)
}

// DeadLetters records failed deliveries and retries them.
type DeadLetters interface {
	RecordFailure(ctx context.Context, f dlq.Failure) (string, error)
	Sweep(ctx context.Context, now time.Time) (dlq.SweepResult, error)
}

// Throttle paces deliveries.
type Throttle interface {
	Wait(ctx context.Context) error
}

// Config holds orchestrator configuration.
type Config struct {
	QueueWindow    businesshours.Window
	FollowupWindow businesshours.Window
	DailyBatchSize int
	SweepLimit     int
	MaxManualLeads int
}

// Deps groups the orchestrator's collaborators. Throttle may be nil.
type Deps struct {
	Oracle      *businesshours.Oracle
	Content     ContentResolver
	Messages    MessageStore
	Gateway     delivery.Gateway
	Lifecycle   Lifecycle
	Quota       Quota
	Batches     Batches
	Followups   Followups
	DeadLetters DeadLetters
	Throttle    Throttle
}

// Result summarizes one batch run.
type Result struct {
	BatchID   string           `json:"batch_id,omitempty"`
	Kind      domain.BatchKind `json:"kind"`
	Total     int              `json:"total"`
	Processed int              `json:"processed"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	Cancelled bool             `json:"cancelled"`
}

func (r *Result) add(outcome domain.Outcome) {
	r.Processed++
	switch outcome {
	case domain.OutcomeSucceeded:
		r.Succeeded++
	case domain.OutcomeFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// SweepReport summarizes one periodic sweep.
type SweepReport struct {
	StaleReleased int             `json:"stale_released"`
	Sends         Result          `json:"sends"`
	DeadLetters   dlq.SweepResult `json:"dead_letters"`
}

type job struct {
	leadID    string
	emailType domain.EmailType
}

// Orchestrator runs batches of leads through the outreach pipeline.
type Orchestrator struct {
	deps       Deps
	config     Config
	now        func() time.Time
	retryDelay time.Duration
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(deps Deps, config Config) *Orchestrator {
	if config.QueueWindow.EndHour == 0 {
		config.QueueWindow = businesshours.QueueWindow()
	}
	if config.FollowupWindow.EndHour == 0 {
		config.FollowupWindow = businesshours.FollowupWindow()
	}
	if config.DailyBatchSize <= 0 {
		config.DailyBatchSize = defaultDailyBatchSize
	}
	if config.SweepLimit <= 0 {
		config.SweepLimit = defaultSweepLimit
	}
	if config.MaxManualLeads <= 0 {
		config.MaxManualLeads = defaultMaxManualLeads
	}
	return &Orchestrator{
		deps:       deps,
		config:     config,
		now:        time.Now,
		retryDelay: defaultWriteRetryDelay,
	}
}

// ProcessLeads runs a manual batch over explicit lead ids. The daily gate is
// not consulted. Leads already claimed elsewhere are counted as skipped.
func (o *Orchestrator) ProcessLeads(ctx context.Context, ids []string) (*Result, error) {
	if len(ids) == 0 {
		return nil, ErrNoLeads
	}
	if len(ids) > o.config.MaxManualLeads {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyLeads, len(ids), o.config.MaxManualLeads)
	}

	ids = dedupe(ids)
	claimed, err := o.deps.Quota.ClaimLeads(ctx, ids, o.now())
	if err != nil {
		return nil, err
	}

	jobs := make([]job, 0, len(claimed))
	for _, id := range claimed {
		jobs = append(jobs, job{leadID: id, emailType: domain.EmailTypeInitial})
	}

	return o.runBatch(ctx, domain.BatchKindManual, jobs, len(ids)-len(claimed))
}

// RunDailyBatch claims the next slice of the automatic pool and processes it.
// It runs at most once per UTC day.
func (o *Orchestrator) RunDailyBatch(ctx context.Context) (*Result, error) {
	now := o.now()

	decision, err := o.deps.Quota.CanRunToday(ctx, now)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrDailyBatchNotAllowed, decision.Reason)
	}

	// The running batch row is taken before claiming; only one daily batch
	// may be running at a time.
	b, err := o.deps.Batches.Start(ctx, domain.BatchKindDaily, 0)
	if errors.Is(err, domain.ErrBatchAlreadyRunning) {
		return nil, fmt.Errorf("%w: daily batch is already running", ErrDailyBatchNotAllowed)
	}
	if err != nil {
		return nil, err
	}

	// Another run may have finished between the gate check and Start.
	sent, err := o.deps.Quota.SentToday(ctx, now)
	if err != nil {
		o.abort(ctx, b.ID, err)
		return nil, err
	}
	if sent > 0 {
		err := fmt.Errorf("%w: daily batch already ran: %d initial emails sent today", ErrDailyBatchNotAllowed, sent)
		o.abort(ctx, b.ID, err)
		return nil, err
	}

	ids, err := o.deps.Quota.ClaimNextBatch(ctx, o.config.DailyBatchSize, now)
	if err != nil {
		o.abort(ctx, b.ID, err)
		return nil, err
	}

	jobs := make([]job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, job{leadID: id, emailType: domain.EmailTypeInitial})
	}

	if err := o.deps.Batches.SetTotal(ctx, b.ID, len(jobs)); err != nil {
		o.release(ctx, jobs)
		o.abort(ctx, b.ID, err)
		return nil, err
	}
	b.Total = len(jobs)

	return o.runJobs(ctx, b, jobs, 0), nil
}

// abort fails a batch that never got to process its leads.
func (o *Orchestrator) abort(ctx context.Context, batchID string, cause error) {
	if err := o.deps.Batches.Fail(context.WithoutCancel(ctx), batchID, cause); err != nil {
		slog.Error("failed to close aborted batch", "batch_id", batchID, "error", err)
	}
}

// RunSweep recovers stale claims, sends deferred initial emails and due
// follow-ups, then retries due dead-letter entries.
func (o *Orchestrator) RunSweep(ctx context.Context) (*SweepReport, error) {
	now := o.now()
	report := &SweepReport{}

	released, err := o.deps.Quota.ReleaseStaleLocks(ctx, now)
	if err != nil {
		slog.Error("failed to release stale locks", "error", err)
	}
	report.StaleReleased = released

	jobs := make([]job, 0)

	scheduled, err := o.deps.Quota.ClaimScheduledDue(ctx, now, o.config.SweepLimit)
	if err != nil {
		return nil, err
	}
	for _, id := range scheduled {
		jobs = append(jobs, job{leadID: id, emailType: domain.EmailTypeInitial})
	}

	due, err := o.deps.Followups.DueToday(ctx, now)
	if err != nil {
		o.release(ctx, jobs)
		return nil, err
	}
	if len(due) > o.config.SweepLimit {
		due = due[:o.config.SweepLimit]
	}

	dueIDs := make([]string, 0, len(due))
	dueTypes := make(map[string]domain.EmailType, len(due))
	for _, d := range due {
		dueIDs = append(dueIDs, d.Lead.ID)
		dueTypes[d.Lead.ID] = d.EmailType
	}
	claimed, err := o.deps.Quota.ClaimLeads(ctx, dueIDs, now)
	if err != nil {
		o.release(ctx, jobs)
		return nil, err
	}
	for _, id := range claimed {
		jobs = append(jobs, job{leadID: id, emailType: dueTypes[id]})
	}

	if len(jobs) > 0 {
		result, err := o.runBatch(ctx, domain.BatchKindSweep, jobs, 0)
		if err != nil {
			return nil, err
		}
		report.Sends = *result
	} else {
		report.Sends = Result{Kind: domain.BatchKindSweep}
	}

	if o.deps.DeadLetters != nil {
		res, err := o.deps.DeadLetters.Sweep(ctx, o.now())
		if err != nil {
			slog.Error("dead-letter sweep failed", "error", err)
		}
		report.DeadLetters = res
	}

	return report, nil
}

func (o *Orchestrator) runBatch(ctx context.Context, kind domain.BatchKind, jobs []job, preSkipped int) (*Result, error) {
	b, err := o.deps.Batches.Start(ctx, kind, len(jobs)+preSkipped)
	if err != nil {
		o.release(ctx, jobs)
		return nil, err
	}
	return o.runJobs(ctx, b, jobs, preSkipped), nil
}

func (o *Orchestrator) runJobs(ctx context.Context, b *domain.Batch, jobs []job, preSkipped int) *Result {
	kind := b.Kind
	logger := slog.With("batch_id", b.ID, "kind", kind)
	logger.Info("batch started", "total", b.Total)

	result := &Result{BatchID: b.ID, Kind: kind, Total: b.Total}
	for range preSkipped {
		o.record(ctx, b.ID, kind, domain.OutcomeSkipped, result)
	}

	for i, j := range jobs {
		if ctx.Err() != nil {
			o.release(ctx, jobs[i:])
			break
		}
		cancelled, err := o.deps.Batches.IsCancelled(ctx, b.ID)
		if err != nil {
			logger.Warn("failed to check batch cancellation", "error", err)
		}
		if cancelled {
			logger.Info("batch cancelled", "remaining", len(jobs)-i)
			o.release(ctx, jobs[i:])
			result.Cancelled = true
			break
		}

		outcome := o.process(ctx, j)
		o.record(ctx, b.ID, kind, outcome, result)
	}

	// Complete keeps a cancelled batch cancelled.
	if err := o.deps.Batches.Complete(context.WithoutCancel(ctx), b.ID); err != nil {
		logger.Error("failed to complete batch", "error", err)
	}

	logger.Info("batch finished",
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"cancelled", result.Cancelled,
	)
	return result
}

func (o *Orchestrator) record(ctx context.Context, batchID string, kind domain.BatchKind, outcome domain.Outcome, result *Result) {
	result.add(outcome)
	recordBatchLead(kind, outcome)
	if err := o.deps.Batches.Record(context.WithoutCancel(ctx), batchID, outcome); err != nil {
		slog.Error("failed to record batch outcome", "batch_id", batchID, "error", err)
	}
}

// process runs one claimed lead through the pipeline. Every path ends with
// exactly one write that releases the claim.
func (o *Orchestrator) process(ctx context.Context, j job) domain.Outcome {
	logger := slog.With("lead_id", j.leadID, "email_type", j.emailType)

	lead, err := o.deps.Lifecycle.Get(ctx, j.leadID)
	if err != nil {
		o.release(ctx, []job{j})
		if errors.Is(err, domain.ErrLeadNotFound) {
			logger.Warn("lead not found")
			return domain.OutcomeSkipped
		}
		logger.Error("failed to load lead", "error", err)
		return domain.OutcomeFailed
	}

	if !lead.Contactable() {
		logger.Warn("lead has no email address")
		o.release(ctx, []job{j})
		return domain.OutcomeSkipped
	}
	if !eligible(lead, j.emailType) {
		logger.Info("lead not eligible", "mail_status", lead.MailStatus)
		o.release(ctx, []job{j})
		return domain.OutcomeSkipped
	}

	now := o.now()
	window := o.config.QueueWindow
	if j.emailType.IsFollowup() {
		window = o.config.FollowupWindow
	}

	decision := o.deps.Oracle.IsSendWindow(lead.Country, now, window)
	if !decision.Allowed {
		return o.postpone(ctx, lead, j, window, decision, logger)
	}

	msg := o.deps.Content.Resolve(ctx, lead, j.emailType, false)
	if msg.Source != domain.MessageSourceCache && o.deps.Messages != nil {
		if err := o.deps.Messages.SaveMessage(ctx, &msg); err != nil {
			logger.Warn("failed to save message", "error", err)
		}
	}

	if o.deps.Throttle != nil {
		if err := o.deps.Throttle.Wait(ctx); err != nil {
			o.release(ctx, []job{j})
			return domain.OutcomeSkipped
		}
	}

	if _, err := o.deps.Lifecycle.MarkSending(ctx, lead.ID, j.emailType); err != nil {
		o.release(ctx, []job{j})
		if errors.Is(err, lifecycle.ErrIllegalTransition) || errors.Is(err, lifecycle.ErrAlreadySent) || errors.Is(err, domain.ErrStatusConflict) {
			logger.Info("lead changed before send", "error", err)
			return domain.OutcomeSkipped
		}
		logger.Error("failed to mark lead sending", "error", err)
		return domain.OutcomeFailed
	}

	req := delivery.Request{
		Recipient: lead.Email,
		Subject:   msg.Subject,
		Body:      msg.Body,
		EmailType: j.emailType,
	}
	if j.emailType.IsFollowup() {
		req.ThreadRef = lead.ThreadRef()
	}

	start := time.Now()
	receipt, sendErr := o.deps.Gateway.Send(ctx, req)
	duration := time.Since(start)

	// State writes must land even if the caller went away mid-send.
	writeCtx := context.WithoutCancel(ctx)

	if sendErr != nil {
		recordSend(j.emailType, "failed", duration)
		return o.fail(writeCtx, lead, req, sendErr, logger)
	}
	recordSend(j.emailType, "sent", duration)

	outcome := o.recordSent(writeCtx, lead.ID, j.emailType, receipt, logger)
	if outcome == domain.OutcomeSucceeded {
		logger.Info("email sent", "message_id", receipt.MessageID, "source", msg.Source, "personalized", msg.Personalized)
	}
	return outcome
}

// recordSent writes a confirmed delivery. The email is already out, so a
// failed write is retried; if it never lands the lead is released as failed
// with the receipt in its reason and no dead-letter entry.
func (o *Orchestrator) recordSent(ctx context.Context, leadID string, emailType domain.EmailType, receipt *delivery.Receipt, logger *slog.Logger) domain.Outcome {
	var err error
	for attempt := 1; attempt <= markSentAttempts; attempt++ {
		if _, err = o.deps.Lifecycle.MarkSent(ctx, leadID, emailType, receipt.MessageID, receipt.ThreadID); err == nil {
			return domain.OutcomeSucceeded
		}
		if errors.Is(err, lifecycle.ErrIllegalTransition) || errors.Is(err, lifecycle.ErrAlreadySent) || errors.Is(err, domain.ErrLeadNotFound) {
			logger.Warn("lead changed during send", "message_id", receipt.MessageID, "error", err)
			return domain.OutcomeSucceeded
		}
		logger.Warn("failed to record sent email", "message_id", receipt.MessageID, "attempt", attempt, "error", err)
		if attempt < markSentAttempts {
			time.Sleep(o.retryDelay)
		}
	}

	logger.Error("email delivered but lead update failed", "message_id", receipt.MessageID, "error", err)
	reason := fmt.Sprintf("%s: message_id=%s thread_id=%s: %v", reasonUnrecordedDelivery, receipt.MessageID, receipt.ThreadID, err)
	if _, ferr := o.deps.Lifecycle.MarkFailed(ctx, leadID, reason); ferr != nil {
		logger.Error("failed to release lead after unrecorded delivery", "error", ferr)
	}
	return domain.OutcomeFailed
}

// postpone handles a lead outside its send window. Initial sends are scheduled
// for the next window opening; follow-ups stay due for the next sweep.
func (o *Orchestrator) postpone(ctx context.Context, lead *domain.Lead, j job, window businesshours.Window, decision businesshours.Decision, logger *slog.Logger) domain.Outcome {
	if j.emailType.IsFollowup() {
		logger.Info("follow-up outside business hours", "time_zone", decision.TimeZone, "reason", decision.Reason)
		o.release(ctx, []job{j})
		return domain.OutcomeSkipped
	}

	next := o.deps.Oracle.NextWindowStart(lead.Country, o.now(), window)
	if _, err := o.deps.Lifecycle.MarkScheduled(ctx, lead.ID, next, decision.TimeZone); err != nil {
		logger.Error("failed to schedule lead", "error", err)
		o.release(ctx, []job{j})
		return domain.OutcomeFailed
	}

	logger.Info("lead scheduled for next business window",
		"time_zone", decision.TimeZone,
		"scheduled_at", next,
		"reason", decision.Reason,
	)
	return domain.OutcomeSkipped
}

func (o *Orchestrator) fail(ctx context.Context, lead *domain.Lead, req delivery.Request, sendErr error, logger *slog.Logger) domain.Outcome {
	category := delivery.CategoryOf(sendErr)
	logger.Warn("delivery failed", "category", category, "error", sendErr)

	if _, err := o.deps.Lifecycle.MarkFailed(ctx, lead.ID, sendErr.Error()); err != nil {
		logger.Error("failed to mark lead failed", "error", err)
	}

	if category == domain.FailureData || o.deps.DeadLetters == nil {
		return domain.OutcomeFailed
	}

	entryID, err := o.deps.DeadLetters.RecordFailure(ctx, dlq.Failure{
		LeadID:    lead.ID,
		EmailType: req.EmailType,
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
		ThreadRef: req.ThreadRef,
		Reason:    sendErr.Error(),
		Category:  category,
	})
	if err != nil {
		logger.Error("failed to record dead-letter entry", "error", err)
	} else {
		logger.Info("queued for retry", "entry_id", entryID)
	}
	return domain.OutcomeFailed
}

func (o *Orchestrator) release(ctx context.Context, jobs []job) {
	if len(jobs) == 0 {
		return
	}
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.leadID)
	}
	if err := o.deps.Quota.ReleaseBatch(context.WithoutCancel(ctx), ids); err != nil {
		slog.Error("failed to release leads", "count", len(ids), "error", err)
	}
}

// eligible reports whether the lead's status permits sending emailType.
func eligible(lead *domain.Lead, emailType domain.EmailType) bool {
	if lead.HasReplied() {
		return false
	}
	switch emailType {
	case domain.EmailTypeInitial:
		return lead.MailStatus == domain.MailStatusNew || lead.MailStatus == domain.MailStatusScheduled
	case domain.EmailTypeFollowup5, domain.EmailTypeFollowup10:
		// The claim held by this pass is not a reason to skip.
		unclaimed := *lead
		unclaimed.Locked = false
		due, ok := followup.DueType(&unclaimed, farFuture)
		return ok && due == emailType
	}
	return false
}

var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
