// Package sync defines the provider-agnostic mailbox sync contract: the
// normalized email record, sync cursors and results, and the interfaces a
// mail provider adapter implements. The Manager and Runner in this package
// orchestrate per-account sync on top of those interfaces.
package sync

import (
	"context"
	"time"

	"github.com/Martian-dev/mail-sync-infra/internal/oauth"
)

// ProviderName identifies a mail provider backend.
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// EmailData is a fully decoded message. It is constructed in one shot from
// the provider payload and never mutated afterwards; a message that cannot be
// decoded completely is dropped by the engine rather than returned partially
// populated.
type EmailData struct {
	Provider ProviderName
	ID       string
	ThreadID string

	Subject  string
	Body     string // decoded, HTML preferred over plain text
	Snippet  string
	From     string
	FromName string
	To       []string
	Cc       []string
	Bcc      []string
	Date     time.Time

	IsRead    bool
	IsStarred bool
	Labels    []string

	// Threading headers, verbatim.
	MessageID  string
	InReplyTo  string
	References string
}

// Checkpoint is an opaque sync cursor: a Gmail historyId or a Graph delta
// cursor. A cursor from one mailbox identity must never be applied to
// another.
type Checkpoint struct {
	Cursor string
}

// SyncOptions narrows what a sync call covers.
//
// Provider quirk, not a choice of this engine: the Gmail history API accepts
// a single label filter per call, so incremental sync honors only the first
// entry of Labels. Full sync applies all of them.
type SyncOptions struct {
	Labels     []string
	MaxResults int64
	PageToken  string
}

// SyncResult is what one sync call produced. Emails are in provider order,
// which is not guaranteed chronological. NewCursor is only ever set for data
// that was actually fetched and returned.
type SyncResult struct {
	Emails        []EmailData
	NewCursor     string
	HasMore       bool
	NextPageToken string
}

// SendRequest describes a new outgoing message.
type SendRequest struct {
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Body    string
	HTML    bool
}

// ReplyRequest describes a reply within an existing thread. Recipients are
// resolved against the thread's last message at send time, not here.
type ReplyRequest struct {
	ThreadID string
	Body     string
	HTML     bool
	ReplyAll bool
}

// SendReceipt identifies the message the provider accepted.
type SendReceipt struct {
	ID       string
	ThreadID string
	SentAt   time.Time
}

// Notification is a decoded push notification: which mailbox changed and the
// history cursor the change advanced it to.
type Notification struct {
	EmailAddress string
	HistoryID    uint64
}

// Sync statuses persisted per provider connection. SYNCING covers the
// initial backfill, HOOKED means incremental sync is keeping up, ERROR means
// the last attempt failed.
const (
	StatusSyncing = "SYNCING"
	StatusHooked  = "HOOKED"
	StatusError   = "ERROR"
)

// OutboxEntry is one unpublished event waiting for the dispatcher.
type OutboxEntry struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Store is the per-user persistence the Runner drives: synced-email events,
// the publication outbox, checkpoints, and provider tokens.
type Store interface {
	AppendSyncedEmail(ctx context.Context, inboxID string, email EmailData, natsSubject, eventType string, payload []byte) error
	AppendOutbox(ctx context.Context, natsSubject, eventType, msgID string, payload []byte) error
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error

	LoadCheckpoint(ctx context.Context, provider, inboxID string) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, provider, inboxID string, cp Checkpoint, status string) error
	UpdateSyncStatus(ctx context.Context, provider, inboxID, status, errorMsg string) error

	LoadToken(ctx context.Context, provider, inboxID string) (*oauth.TokenRecord, error)
	SaveToken(ctx context.Context, provider, inboxID string, rec oauth.TokenRecord) error

	Close() error
}

// EventPublisher is the outbound event transport the dispatcher publishes
// through.
type EventPublisher interface {
	EnsureStream(ctx context.Context) error
	Publish(subject string, payload []byte, msgID string) error
}

// Syncer is the sync surface of a provider adapter.
//
// FullSync ignores any stored cursor and re-lists the mailbox. Incremental
// sync fetches only changes since cp and fails with a HistoryExpired error
// kind when the provider has pruned history older than the cursor; the
// fallback to a full sync is the caller's decision, not the adapter's.
type Syncer interface {
	FullSync(ctx context.Context, opts SyncOptions) (*SyncResult, error)
	IncrementalSync(ctx context.Context, cp Checkpoint, opts SyncOptions) (*SyncResult, error)
}

// Sender sends and replies. Implementations preserve threading metadata
// (In-Reply-To, References) on replies.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (*SendReceipt, error)
	Reply(ctx context.Context, req ReplyRequest) (*SendReceipt, error)
}

// LabelMutator applies label changes. Fire and forget: callers re-sync to
// observe resulting state instead of trusting an optimistic local update,
// since concurrent provider-side changes make anything else unresolvable.
type LabelMutator interface {
	ModifyLabels(ctx context.Context, messageID string, add, remove []string) error
	BatchModifyLabels(ctx context.Context, messageIDs []string, add, remove []string) error
}

// MailProvider is the full adapter surface the Runner drives.
type MailProvider interface {
	Syncer
	Sender
	LabelMutator
}
