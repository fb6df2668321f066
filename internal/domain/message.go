package domain

import "time"

// MessageType is an extensible tag for the kind of annual event a
// ScheduledMessage was materialised for.
type MessageType string

const (
	MessageTypeBirthday    MessageType = "birthday"
	MessageTypeAnniversary MessageType = "anniversary"
)

// MessageStatus is the lifecycle state of a ScheduledMessage.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusRetry   MessageStatus = "retry"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// ScheduledMessage is a durable record of one intended delivery. The
// tuple (UserID, MessageType, ScheduledDate) is its dedup identity:
// at most one record may exist per tuple, enforced by a unique index
// in the store.
type ScheduledMessage struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	MessageType   MessageType   `json:"message_type"`
	MessageBody   string        `json:"message_body"`
	Status        MessageStatus `json:"status"`
	ScheduledDate string        `json:"scheduled_date"` // civil YYYY-MM-DD, identity component
	ScheduledAt   time.Time     `json:"scheduled_at"`   // UTC instant
	SentAt        *time.Time    `json:"sent_at,omitempty"`
	RetryCount    int           `json:"retry_count"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	LockID        string        `json:"lock_id,omitempty"`
	LockedUntil   *time.Time    `json:"locked_until,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Locked reports whether the record is currently held by a processor,
// per invariant 3: a lock is valid iff LockID is set and has not expired.
func (m *ScheduledMessage) Locked(now time.Time) bool {
	return m.LockID != "" && m.LockedUntil != nil && m.LockedUntil.After(now)
}
