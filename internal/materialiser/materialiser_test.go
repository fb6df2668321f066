package materialiser

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/oriys/chronicle/internal/domain"
	"github.com/oriys/chronicle/internal/store"
	"github.com/oriys/chronicle/internal/templates"
)

type fakeUsers struct {
	users []*domain.User
}

func (f *fakeUsers) ListActive(context.Context) ([]*domain.User, error) { return f.users, nil }
func (f *fakeUsers) FindByID(_ context.Context, id string) (*domain.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, fmt.Errorf("not found: %s", id)
}

type identity struct {
	userID, messageType, date string
}

type fakeMessages struct {
	seen    map[identity]bool
	created []*domain.ScheduledMessage
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{seen: make(map[identity]bool)}
}

func (f *fakeMessages) CreateIfAbsent(_ context.Context, m *domain.ScheduledMessage) (*domain.ScheduledMessage, error) {
	id := identity{m.UserID, string(m.MessageType), m.ScheduledDate}
	if f.seen[id] {
		return nil, store.ErrAlreadyScheduled
	}
	f.seen[id] = true
	f.created = append(f.created, m)
	return m, nil
}

func (f *fakeMessages) SelectDue(context.Context, time.Time, int) ([]*domain.ScheduledMessage, error) {
	return nil, nil
}
func (f *fakeMessages) AcquireLease(context.Context, string, string, time.Duration) (*domain.ScheduledMessage, error) {
	return nil, store.ErrLeaseNotAcquired
}
func (f *fakeMessages) MarkSent(context.Context, string, time.Time) error     { return nil }
func (f *fakeMessages) MarkRetry(context.Context, string, int, string) error  { return nil }
func (f *fakeMessages) MarkFailed(context.Context, string, int, string) error { return nil }
func (f *fakeMessages) ReleaseLease(context.Context, string) error            { return nil }

func (f *fakeMessages) ListMissed(context.Context, time.Time, int) ([]*domain.ScheduledMessage, error) {
	return nil, nil
}

func mustRegistry(t *testing.T) *templates.Registry {
	t.Helper()
	r, err := templates.Load("")
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	return r
}

func TestMaterialiseTodayHappyPath(t *testing.T) {
	u := &domain.User{ID: "u1", FirstName: "John", LastName: "Doe", AnchorDate: "1990-05-15", Timezone: "America/New_York", Active: true}
	users := &fakeUsers{users: []*domain.User{u}}
	messages := newFakeMessages()
	now := time.Date(2026, 5, 15, 6, 0, 0, 0, time.UTC) // 02:00 local EDT

	m := New(users, messages, mustRegistry(t), Config{MessageHour: 9, MessageMinute: 0}, func() time.Time { return now })
	if err := m.MaterialiseToday(t.Context()); err != nil {
		t.Fatalf("MaterialiseToday: %v", err)
	}

	if len(messages.created) != 1 {
		t.Fatalf("expected 1 record, got %d", len(messages.created))
	}
	rec := messages.created[0]
	if rec.ScheduledDate != "2026-05-15" {
		t.Fatalf("unexpected scheduled date: %s", rec.ScheduledDate)
	}
	wantAt := time.Date(2026, 5, 15, 13, 0, 0, 0, time.UTC)
	if !rec.ScheduledAt.Equal(wantAt) {
		t.Fatalf("scheduledAt = %v, want %v", rec.ScheduledAt, wantAt)
	}
	if rec.MessageBody != "Hey, John Doe it's your birthday" {
		t.Fatalf("unexpected body: %q", rec.MessageBody)
	}
}

func TestMaterialiseTodaySkipsNonAnniversaryDay(t *testing.T) {
	u := &domain.User{ID: "u1", FirstName: "Jane", AnchorDate: "1990-05-16", Timezone: "UTC", Active: true}
	users := &fakeUsers{users: []*domain.User{u}}
	messages := newFakeMessages()
	now := time.Date(2026, 5, 15, 6, 0, 0, 0, time.UTC)

	m := New(users, messages, mustRegistry(t), Config{MessageHour: 9, MessageMinute: 0}, func() time.Time { return now })
	if err := m.MaterialiseToday(t.Context()); err != nil {
		t.Fatalf("MaterialiseToday: %v", err)
	}
	if len(messages.created) != 0 {
		t.Fatalf("expected no records, got %d", len(messages.created))
	}
}

func TestMaterialiseTodayIdempotentAcrossInvocations(t *testing.T) {
	u := &domain.User{ID: "u1", FirstName: "John", AnchorDate: "1990-05-15", Timezone: "UTC", Active: true}
	users := &fakeUsers{users: []*domain.User{u}}
	messages := newFakeMessages()
	now := time.Date(2026, 5, 15, 6, 0, 0, 0, time.UTC)

	m := New(users, messages, mustRegistry(t), Config{MessageHour: 9, MessageMinute: 0}, func() time.Time { return now })
	for i := 0; i < 3; i++ {
		if err := m.MaterialiseToday(t.Context()); err != nil {
			t.Fatalf("invocation %d: %v", i, err)
		}
	}
	if len(messages.created) != 1 {
		t.Fatalf("expected exactly 1 record after repeated invocations, got %d", len(messages.created))
	}
}

func TestMaterialiseTodaySkipsFeb29AnchorOnNonLeapYear(t *testing.T) {
	u := &domain.User{ID: "u1", FirstName: "Leap", AnchorDate: "1992-02-29", Timezone: "UTC", Active: true}
	users := &fakeUsers{users: []*domain.User{u}}
	messages := newFakeMessages()
	now := time.Date(2026, 2, 28, 6, 0, 0, 0, time.UTC) // 2026 is not a leap year

	m := New(users, messages, mustRegistry(t), Config{MessageHour: 9, MessageMinute: 0}, func() time.Time { return now })
	if err := m.MaterialiseToday(t.Context()); err != nil {
		t.Fatalf("MaterialiseToday: %v", err)
	}
	if len(messages.created) != 0 {
		t.Fatalf("expected no records for Feb 29 anchor in a non-leap year, got %d", len(messages.created))
	}
}

func TestMaterialiseTodayDSTSpringForwardSkippedHour(t *testing.T) {
	u := &domain.User{ID: "u1", FirstName: "Grace", AnchorDate: "1990-03-14", Timezone: "America/New_York", Active: true}
	users := &fakeUsers{users: []*domain.User{u}}
	messages := newFakeMessages()
	now := time.Date(2027, 3, 14, 5, 0, 0, 0, time.UTC) // before transition

	m := New(users, messages, mustRegistry(t), Config{MessageHour: 2, MessageMinute: 30}, func() time.Time { return now })
	if err := m.MaterialiseToday(t.Context()); err != nil {
		t.Fatalf("MaterialiseToday: %v", err)
	}
	if len(messages.created) != 1 {
		t.Fatalf("expected 1 record, got %d", len(messages.created))
	}
	want := time.Date(2027, 3, 14, 7, 0, 0, 0, time.UTC)
	if !messages.created[0].ScheduledAt.Equal(want) {
		t.Fatalf("scheduledAt = %v, want %v", messages.created[0].ScheduledAt, want)
	}
}
