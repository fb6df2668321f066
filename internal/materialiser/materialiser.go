// Package materialiser computes, once per tick, whether today is an
// event day for each active user and idempotently inserts the pending
// ScheduledMessage.
package materialiser

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/chronicle/internal/domain"
	"github.com/oriys/chronicle/internal/logging"
	"github.com/oriys/chronicle/internal/metrics"
	"github.com/oriys/chronicle/internal/store"
	"github.com/oriys/chronicle/internal/templates"
)

const anchorLayout = "2006-01-02"

// Config configures the 09:00-local send instant.
type Config struct {
	MessageHour   int
	MessageMinute int
}

// Materialiser turns recurrence anchors into durable pending records.
type Materialiser struct {
	users     store.UserDirectory
	messages  store.ScheduledMessageStore
	templates *templates.Registry
	cfg       Config
	now       func() time.Time
}

// New creates a Materialiser. now defaults to time.Now when nil,
// overridable in tests for deterministic civil-date computation.
func New(users store.UserDirectory, messages store.ScheduledMessageStore, reg *templates.Registry, cfg Config, now func() time.Time) *Materialiser {
	if now == nil {
		now = time.Now
	}
	return &Materialiser{users: users, messages: messages, templates: reg, cfg: cfg, now: now}
}

// MaterialiseToday evaluates every active user and creates today's
// occurrence record where the user's anchor matches. Per-user errors
// are logged and do not abort the batch.
func (m *Materialiser) MaterialiseToday(ctx context.Context) error {
	users, err := m.users.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, u := range users {
		if err := m.materialiseUser(ctx, u); err != nil {
			logging.Op().Warn("materialise user failed", "user_id", u.ID, "error", err)
			metrics.Current().IncMaterialiseError()
		}
	}
	return nil
}

func (m *Materialiser) materialiseUser(ctx context.Context, u *domain.User) error {
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return err
	}

	nowInZone := m.now().In(loc)
	year, month, day := nowInZone.Date()

	anchor, err := time.Parse(anchorLayout, u.AnchorDate)
	if err != nil {
		return err
	}

	// Comparing (month, day) only, never the anchor's year: a Feb 29
	// anchor simply never matches in a non-leap year, since no civil
	// date that year has month=February, day=29. No special case needed.
	if anchor.Month() != month || anchor.Day() != day {
		return nil
	}

	todayCivil := nowInZone.Format(anchorLayout)
	scheduledAt := localWallClockToUTC(loc, year, month, day, m.cfg.MessageHour, m.cfg.MessageMinute)

	body, err := m.templates.Render(domain.MessageTypeBirthday, u)
	if err != nil {
		return err
	}

	msg := &domain.ScheduledMessage{
		UserID:        u.ID,
		MessageType:   domain.MessageTypeBirthday,
		MessageBody:   body,
		Status:        domain.StatusPending,
		ScheduledDate: todayCivil,
		ScheduledAt:   scheduledAt,
	}

	_, err = m.messages.CreateIfAbsent(ctx, msg)
	if err != nil && !errors.Is(err, store.ErrAlreadyScheduled) {
		return err
	}
	if err == nil {
		metrics.Current().IncMaterialised()
	}
	return nil
}
