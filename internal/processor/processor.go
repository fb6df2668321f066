// Package processor drives due ScheduledMessage records to a terminal
// state: lock, send, and record the outcome.
package processor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/chronicle/internal/delivery"
	"github.com/oriys/chronicle/internal/domain"
	"github.com/oriys/chronicle/internal/logging"
	"github.com/oriys/chronicle/internal/metrics"
	"github.com/oriys/chronicle/internal/observability"
	"github.com/oriys/chronicle/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

// Config configures the due processor.
type Config struct {
	BatchLimit    int
	LeaseDuration time.Duration
	MaxRetries    int
}

// Processor drives the lock → send → terminal-state pipeline for due
// records.
type Processor struct {
	messages store.ScheduledMessageStore
	users    store.UserDirectory
	client   *delivery.Client
	cfg      Config
	now      func() time.Time
}

// New creates a Processor. now defaults to time.Now when nil.
func New(messages store.ScheduledMessageStore, users store.UserDirectory, client *delivery.Client, cfg Config, now func() time.Time) *Processor {
	if now == nil {
		now = time.Now
	}
	return &Processor{messages: messages, users: users, client: client, cfg: cfg, now: now}
}

// ProcessDue runs one tick of the pipeline over every currently due
// record, in scheduledAt order.
func (p *Processor) ProcessDue(ctx context.Context) error {
	records, err := p.messages.SelectDue(ctx, p.now(), p.cfg.BatchLimit)
	if err != nil {
		return err
	}
	for _, r := range records {
		p.processOne(ctx, r)
	}
	return nil
}

// processOne runs the per-record pipeline: acquire the lease, deliver,
// and record the outcome. It is also the entry point for the startup
// recovery pass, which feeds it records from listMissed through the
// same logic.
func (p *Processor) processOne(ctx context.Context, r *domain.ScheduledMessage) {
	ctx, span := observability.Tracer().Start(ctx, "processor.processOne")
	span.SetAttributes(attribute.String("record.id", r.ID), attribute.String("user.id", r.UserID))
	defer span.End()

	lockID := uuid.New().String()
	leased, err := p.messages.AcquireLease(ctx, r.ID, lockID, p.cfg.LeaseDuration)
	if err != nil {
		if errors.Is(err, store.ErrLeaseNotAcquired) {
			metrics.Current().IncLeaseContention()
			return
		}
		logging.Op().Error("acquire lease failed", "record_id", r.ID, "error", err)
		return
	}

	if err := p.deliver(ctx, leased); err != nil {
		logging.Op().Error("releasing lease after processing error", "record_id", leased.ID, "error", err)
		// Best-effort lease release so the record isn't stuck until the
		// lease naturally expires. This does not
		// change status or retry count — that bookkeeping only happens
		// on an actual delivery outcome, handled inside deliver.
		if relErr := p.messages.ReleaseLease(ctx, leased.ID); relErr != nil {
			logging.Op().Error("release lease failed", "record_id", leased.ID, "error", relErr)
		}
	}
}

// deliver re-reads the user, attempts delivery, and records the
// outcome. A non-nil return means the record's lease must be released
// by the caller without any status change — either the user vanished
// mid-processing, or a store call failed unexpectedly.
func (p *Processor) deliver(ctx context.Context, r *domain.ScheduledMessage) error {
	user, err := p.users.FindByID(ctx, r.UserID)
	if err != nil {
		logging.Op().Warn("user vanished before delivery", "record_id", r.ID, "user_id", r.UserID, "error", err)
		return err
	}

	result := p.client.Attempt(ctx, user.Email, r.MessageBody)
	if result.Outcome == delivery.OutcomeSuccess {
		metrics.Current().IncProcessed("sent")
		return p.messages.MarkSent(ctx, r.ID, p.now())
	}
	return p.finishFailure(ctx, r, result.Err)
}

// finishFailure applies the retry-exhaustion policy: the persisted
// retryCount is bumped at most once per invocation. A record already
// at the retry budget is Failed at that count; otherwise it goes back
// to Retry with the count incremented.
func (p *Processor) finishFailure(ctx context.Context, r *domain.ScheduledMessage, cause error) error {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	if r.RetryCount >= p.cfg.MaxRetries {
		metrics.Current().IncProcessed("failed")
		return p.messages.MarkFailed(ctx, r.ID, p.cfg.MaxRetries, errMsg)
	}
	metrics.Current().IncProcessed("retry")
	return p.messages.MarkRetry(ctx, r.ID, r.RetryCount+1, errMsg)
}

// RecoverMissed runs the startup recovery pass: records left Pending
// or Retry from before a downtime window are fed through the same
// per-record pipeline.
func (p *Processor) RecoverMissed(ctx context.Context, limit int) error {
	missed, err := p.messages.ListMissed(ctx, p.now(), limit)
	if err != nil {
		return err
	}
	for _, r := range missed {
		metrics.Current().IncRecovered()
		p.processOne(ctx, r)
	}
	return nil
}
