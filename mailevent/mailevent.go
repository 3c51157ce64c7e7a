// Package mailevent defines the mail domain events carried by the bus.
//
// Every event embeds [Base] for its identity and account, and names the
// registration keys it should be dispatched to:
//
//	ev := mailevent.NewMessageAdded("bob@domain.tld", "42", 17)
//	err := bus.Dispatch(ctx, ev, ev.Keys()...)
//
// Nodes must agree on the codec type names, so register them with [Register]
// or use [NewSerializer].
package mailevent

import (
	"time"

	"github.com/rbaliyan/mailbus/codec"
	"github.com/rbaliyan/mailbus/event"
)

// Codec type names.
const (
	TypeMailboxAdded      = "mailevent.MailboxAdded"
	TypeMailboxDeleted    = "mailevent.MailboxDeleted"
	TypeMessageAdded      = "mailevent.MessageAdded"
	TypeMessageExpunged   = "mailevent.MessageExpunged"
	TypeFlagsUpdated      = "mailevent.FlagsUpdated"
	TypeQuotaUsageUpdated = "mailevent.QuotaUsageUpdated"
)

// Base holds the fields shared by every mail event.
type Base struct {
	ID         event.ID  `json:"event_id"`
	User       string    `json:"username"`
	OccurredAt time.Time `json:"occurred_at"`
}

func newBase(username string) Base {
	return Base{ID: event.NewID(), User: username, OccurredAt: time.Now().UTC()}
}

// EventID implements event.Event.
func (b Base) EventID() event.ID { return b.ID }

// Username implements event.Event.
func (b Base) Username() string { return b.User }

// MailboxAdded is published when a mailbox is created.
type MailboxAdded struct {
	Base
	MailboxID string `json:"mailbox_id"`
	Path      string `json:"path"`
}

// NewMailboxAdded returns a MailboxAdded event with a fresh id.
func NewMailboxAdded(username, mailboxID, path string) *MailboxAdded {
	return &MailboxAdded{Base: newBase(username), MailboxID: mailboxID, Path: path}
}

// Keys returns the registration keys the event is dispatched to.
func (e *MailboxAdded) Keys() []event.RegistrationKey {
	return []event.RegistrationKey{event.UsernameKey(e.User)}
}

// MailboxDeleted is published when a mailbox is removed.
type MailboxDeleted struct {
	Base
	MailboxID string `json:"mailbox_id"`
	Path      string `json:"path"`
	// TotalDeletedMessages is the number of messages removed with the mailbox.
	TotalDeletedMessages int64 `json:"total_deleted_messages"`
	// TotalDeletedSize is their size in bytes, released from the quota.
	TotalDeletedSize int64 `json:"total_deleted_size"`
}

// NewMailboxDeleted returns a MailboxDeleted event with a fresh id.
func NewMailboxDeleted(username, mailboxID, path string, messages, size int64) *MailboxDeleted {
	return &MailboxDeleted{
		Base:                 newBase(username),
		MailboxID:            mailboxID,
		Path:                 path,
		TotalDeletedMessages: messages,
		TotalDeletedSize:     size,
	}
}

// Keys returns the registration keys the event is dispatched to.
func (e *MailboxDeleted) Keys() []event.RegistrationKey {
	return []event.RegistrationKey{event.MailboxIDKey(e.MailboxID), event.UsernameKey(e.User)}
}

// MessageAdded is published when messages are appended to a mailbox.
type MessageAdded struct {
	Base
	MailboxID string   `json:"mailbox_id"`
	UIDs      []uint32 `json:"uids"`
	Size      int64    `json:"size"`
}

// NewMessageAdded returns a MessageAdded event with a fresh id.
func NewMessageAdded(username, mailboxID string, size int64, uids ...uint32) *MessageAdded {
	return &MessageAdded{Base: newBase(username), MailboxID: mailboxID, UIDs: uids, Size: size}
}

// Keys returns the registration keys the event is dispatched to.
func (e *MessageAdded) Keys() []event.RegistrationKey {
	return []event.RegistrationKey{event.MailboxIDKey(e.MailboxID)}
}

// MessageExpunged is published when messages are permanently removed.
type MessageExpunged struct {
	Base
	MailboxID string   `json:"mailbox_id"`
	UIDs      []uint32 `json:"uids"`
}

// NewMessageExpunged returns a MessageExpunged event with a fresh id.
func NewMessageExpunged(username, mailboxID string, uids ...uint32) *MessageExpunged {
	return &MessageExpunged{Base: newBase(username), MailboxID: mailboxID, UIDs: uids}
}

// Keys returns the registration keys the event is dispatched to.
func (e *MessageExpunged) Keys() []event.RegistrationKey {
	return []event.RegistrationKey{event.MailboxIDKey(e.MailboxID)}
}

// FlagUpdate is the flag change of one message.
type FlagUpdate struct {
	UID      uint32   `json:"uid"`
	OldFlags []string `json:"old_flags"`
	NewFlags []string `json:"new_flags"`
}

// FlagsUpdated is published when message flags change.
type FlagsUpdated struct {
	Base
	MailboxID string       `json:"mailbox_id"`
	Updates   []FlagUpdate `json:"updates"`
}

// NewFlagsUpdated returns a FlagsUpdated event with a fresh id.
func NewFlagsUpdated(username, mailboxID string, updates ...FlagUpdate) *FlagsUpdated {
	return &FlagsUpdated{Base: newBase(username), MailboxID: mailboxID, Updates: updates}
}

// Keys returns the registration keys the event is dispatched to.
func (e *FlagsUpdated) Keys() []event.RegistrationKey {
	return []event.RegistrationKey{event.MailboxIDKey(e.MailboxID)}
}

// QuotaUsageUpdated is published when the quota usage of a quota root changes.
type QuotaUsageUpdated struct {
	Base
	QuotaRoot string `json:"quota_root"`
	// CountUsed and SizeUsed are the current usage. Limits of zero are unlimited.
	CountUsed  int64 `json:"count_used"`
	CountLimit int64 `json:"count_limit"`
	SizeUsed   int64 `json:"size_used"`
	SizeLimit  int64 `json:"size_limit"`
}

// NewQuotaUsageUpdated returns a QuotaUsageUpdated event with a fresh id.
func NewQuotaUsageUpdated(username, quotaRoot string, countUsed, sizeUsed int64) *QuotaUsageUpdated {
	return &QuotaUsageUpdated{
		Base:      newBase(username),
		QuotaRoot: quotaRoot,
		CountUsed: countUsed,
		SizeUsed:  sizeUsed,
	}
}

// Keys returns the registration keys the event is dispatched to.
func (e *QuotaUsageUpdated) Keys() []event.RegistrationKey {
	return []event.RegistrationKey{event.UsernameKey(e.User)}
}

// OverQuota reports whether usage exceeds a non-zero limit.
func (e *QuotaUsageUpdated) OverQuota() bool {
	return (e.CountLimit > 0 && e.CountUsed > e.CountLimit) ||
		(e.SizeLimit > 0 && e.SizeUsed > e.SizeLimit)
}

// Register adds the mail events to s.
func Register(s *codec.JSONSerializer) {
	s.Register(TypeMailboxAdded, func() event.Event { return &MailboxAdded{} })
	s.Register(TypeMailboxDeleted, func() event.Event { return &MailboxDeleted{} })
	s.Register(TypeMessageAdded, func() event.Event { return &MessageAdded{} })
	s.Register(TypeMessageExpunged, func() event.Event { return &MessageExpunged{} })
	s.Register(TypeFlagsUpdated, func() event.Event { return &FlagsUpdated{} })
	s.Register(TypeQuotaUsageUpdated, func() event.Event { return &QuotaUsageUpdated{} })
}

// NewSerializer returns a JSON serializer knowing every mail event.
func NewSerializer() *codec.JSONSerializer {
	s := codec.NewJSONSerializer()
	Register(s)
	return s
}
