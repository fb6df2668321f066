package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/oriys/chronicle/internal/circuitbreaker"
	"github.com/oriys/chronicle/internal/delivery"
	"github.com/oriys/chronicle/internal/domain"
	"github.com/oriys/chronicle/internal/store"
)

type fakeUsers struct {
	byID map[string]*domain.User
}

func (f *fakeUsers) ListActive(context.Context) ([]*domain.User, error) { return nil, nil }
func (f *fakeUsers) FindByID(_ context.Context, id string) (*domain.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, store.ErrLeaseNotAcquired // any non-nil error stands in for "not found"
	}
	return u, nil
}

type fakeMessages struct {
	mu      sync.Mutex
	records map[string]*domain.ScheduledMessage
	locked  map[string]bool
}

func newFakeMessages(records ...*domain.ScheduledMessage) *fakeMessages {
	m := &fakeMessages{records: make(map[string]*domain.ScheduledMessage), locked: make(map[string]bool)}
	for _, r := range records {
		m.records[r.ID] = r
	}
	return m
}

func (f *fakeMessages) CreateIfAbsent(context.Context, *domain.ScheduledMessage) (*domain.ScheduledMessage, error) {
	return nil, nil
}

func (f *fakeMessages) SelectDue(_ context.Context, now time.Time, limit int) ([]*domain.ScheduledMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*domain.ScheduledMessage
	for _, r := range f.records {
		if (r.Status == domain.StatusPending || r.Status == domain.StatusRetry) && !r.ScheduledAt.After(now) && !f.locked[r.ID] {
			due = append(due, r)
		}
	}
	return due, nil
}

func (f *fakeMessages) AcquireLease(_ context.Context, id, lockID string, leaseDuration time.Duration) (*domain.ScheduledMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked[id] {
		return nil, store.ErrLeaseNotAcquired
	}
	f.locked[id] = true
	r := f.records[id]
	r.LockID = lockID
	return r, nil
}

func (f *fakeMessages) MarkSent(_ context.Context, id string, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.records[id]
	r.Status = domain.StatusSent
	r.SentAt = &sentAt
	delete(f.locked, id)
	return nil
}

func (f *fakeMessages) MarkRetry(_ context.Context, id string, retryCount int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.records[id]
	r.Status = domain.StatusRetry
	r.RetryCount = retryCount
	r.ErrorMessage = errMsg
	delete(f.locked, id)
	return nil
}

func (f *fakeMessages) MarkFailed(_ context.Context, id string, retryCount int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.records[id]
	r.Status = domain.StatusFailed
	r.RetryCount = retryCount
	r.ErrorMessage = errMsg
	delete(f.locked, id)
	return nil
}

func (f *fakeMessages) ListMissed(context.Context, time.Time, int) ([]*domain.ScheduledMessage, error) {
	return nil, nil
}

func (f *fakeMessages) ReleaseLease(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locked, id)
	return nil
}

func newTestClient(handler http.HandlerFunc) (*delivery.Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	cfg := delivery.Config{EmailServiceURL: srv.URL, Timeout: 2 * time.Second, MaxRetries: 3, RetryBaseDelay: time.Millisecond}
	return delivery.New(cfg, circuitbreaker.New(circuitbreaker.Config{Threshold: 100, ResetTime: time.Minute})), srv
}

func TestProcessDueMarksSentOn200(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	defer srv.Close()

	rec := &domain.ScheduledMessage{ID: "m1", UserID: "u1", Status: domain.StatusPending, ScheduledAt: time.Now().Add(-time.Minute)}
	messages := newFakeMessages(rec)
	users := &fakeUsers{byID: map[string]*domain.User{"u1": {ID: "u1", Email: "a@example.com"}}}

	p := New(messages, users, client, Config{BatchLimit: 10, LeaseDuration: time.Minute, MaxRetries: 3}, nil)
	if err := p.ProcessDue(t.Context()); err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}
	if rec.Status != domain.StatusSent {
		t.Fatalf("status = %v, want Sent", rec.Status)
	}
	if rec.SentAt == nil {
		t.Fatal("expected sentAt to be set")
	}
}

func TestProcessDueSucceedsAfterIntraInvocationRetriesLeavesRetryCountAtZero(t *testing.T) {
	var calls int
	var mu sync.Mutex
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	rec := &domain.ScheduledMessage{ID: "m1", UserID: "u1", Status: domain.StatusPending, ScheduledAt: time.Now().Add(-time.Minute)}
	messages := newFakeMessages(rec)
	users := &fakeUsers{byID: map[string]*domain.User{"u1": {ID: "u1", Email: "a@example.com"}}}

	p := New(messages, users, client, Config{BatchLimit: 10, LeaseDuration: time.Minute, MaxRetries: 3}, nil)
	if err := p.ProcessDue(t.Context()); err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}

	if rec.Status != domain.StatusSent {
		t.Fatalf("status = %v, want Sent", rec.Status)
	}
	if rec.RetryCount != 0 {
		t.Fatalf("retryCount = %d, want unchanged at 0 (retries happened within the one invocation)", rec.RetryCount)
	}
}

func TestProcessDueRetryExhaustionAcrossTicks(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) })
	defer srv.Close()

	rec := &domain.ScheduledMessage{ID: "m1", UserID: "u1", Status: domain.StatusPending, ScheduledAt: time.Now().Add(-time.Minute)}
	messages := newFakeMessages(rec)
	users := &fakeUsers{byID: map[string]*domain.User{"u1": {ID: "u1", Email: "a@example.com"}}}

	p := New(messages, users, client, Config{BatchLimit: 10, LeaseDuration: time.Minute, MaxRetries: 3}, nil)

	for tick := 1; tick <= 4; tick++ {
		if err := p.ProcessDue(t.Context()); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		switch tick {
		case 1, 2, 3:
			if rec.Status != domain.StatusRetry || rec.RetryCount != tick {
				t.Fatalf("tick %d: status=%v retryCount=%d, want Retry/%d", tick, rec.Status, rec.RetryCount, tick)
			}
		case 4:
			if rec.Status != domain.StatusFailed || rec.RetryCount != 3 {
				t.Fatalf("tick %d: status=%v retryCount=%d, want Failed/3", tick, rec.Status, rec.RetryCount)
			}
		}
	}
}

func TestProcessDueTripsBreakerAcrossRecordsInOneBatch(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) })
	defer srv.Close()
	breaker := circuitbreaker.New(circuitbreaker.Config{Threshold: 2, ResetTime: time.Minute})
	cfg := delivery.Config{EmailServiceURL: srv.URL, Timeout: 2 * time.Second, MaxRetries: 3, RetryBaseDelay: time.Millisecond}
	client = delivery.New(cfg, breaker)

	recs := []*domain.ScheduledMessage{
		{ID: "m1", UserID: "u1", Status: domain.StatusPending, ScheduledAt: time.Now().Add(-time.Minute)},
		{ID: "m2", UserID: "u2", Status: domain.StatusPending, ScheduledAt: time.Now().Add(-time.Minute)},
		{ID: "m3", UserID: "u3", Status: domain.StatusPending, ScheduledAt: time.Now().Add(-time.Minute)},
	}
	messages := newFakeMessages(recs...)
	users := &fakeUsers{byID: map[string]*domain.User{
		"u1": {ID: "u1", Email: "a@example.com"},
		"u2": {ID: "u2", Email: "b@example.com"},
		"u3": {ID: "u3", Email: "c@example.com"},
	}}

	p := New(messages, users, client, Config{BatchLimit: 10, LeaseDuration: time.Minute, MaxRetries: 3}, nil)
	if err := p.ProcessDue(t.Context()); err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}

	var reachedHTTP, rejectedByBreaker int
	for _, r := range recs {
		if r.Status != domain.StatusRetry {
			t.Fatalf("record %s: status = %v, want Retry", r.ID, r.Status)
		}
		if r.ErrorMessage == delivery.ErrBreakerOpen.Error() {
			rejectedByBreaker++
		} else {
			reachedHTTP++
		}
	}
	if reachedHTTP < 2 {
		t.Fatalf("want at least 2 records to have failed through the HTTP call before the breaker tripped, got %d", reachedHTTP)
	}
	if rejectedByBreaker == 0 {
		t.Fatal("want at least one record rejected outright because the breaker was already open, got none")
	}
}

func TestProcessDueSkipsRecordUnderLease(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	defer srv.Close()

	rec := &domain.ScheduledMessage{ID: "m1", UserID: "u1", Status: domain.StatusPending, ScheduledAt: time.Now().Add(-time.Minute)}
	messages := newFakeMessages(rec)
	messages.locked["m1"] = true
	users := &fakeUsers{byID: map[string]*domain.User{"u1": {ID: "u1", Email: "a@example.com"}}}

	p := New(messages, users, client, Config{BatchLimit: 10, LeaseDuration: time.Minute, MaxRetries: 3}, nil)
	if err := p.ProcessDue(t.Context()); err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}
	if rec.Status != domain.StatusPending {
		t.Fatalf("expected record untouched while leased, got status=%v", rec.Status)
	}
}
