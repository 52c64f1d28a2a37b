// Package natsjs publishes mail lifecycle events to NATS JetStream. The
// outbox dispatcher is the only writer; consumers (CRM enrichment, search
// indexing) subscribe to the MAIL_EVENTS stream.
package natsjs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamName holds every mail event subject.
const StreamName = "MAIL_EVENTS"

// Event types carried on the stream.
const (
	EventEmailSynced = "email.synced"
	EventEmailSent   = "email.sent"
)

// SyncedSubject is the stream subject for synced-email events from provider
// for userID, e.g. mail.google.u42.synced.
func SyncedSubject(provider, userID string) string {
	return fmt.Sprintf("mail.%s.%s.synced", strings.ToLower(provider), userID)
}

// SentSubject is the stream subject for sent-email events.
func SentSubject(provider, userID string) string {
	return fmt.Sprintf("mail.%s.%s.sent", strings.ToLower(provider), userID)
}

// SyncedEvent is the payload published for every newly synced message.
type SyncedEvent struct {
	EventType string    `json:"eventType"`
	Provider  string    `json:"provider"`
	UserID    string    `json:"userId"`
	InboxID   string    `json:"inboxId"`
	MessageID string    `json:"messageId"`
	ThreadID  string    `json:"threadId"`
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	Snippet   string    `json:"snippet"`
	Date      time.Time `json:"date"`
}

// SentEvent is the payload published after a successful send or reply.
type SentEvent struct {
	EventType string    `json:"eventType"`
	Provider  string    `json:"provider"`
	UserID    string    `json:"userId"`
	MessageID string    `json:"messageId"`
	ThreadID  string    `json:"threadId"`
	SentAt    time.Time `json:"sentAt"`
}

// Publisher wraps a JetStream context for publishing mail events.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to the NATS server at url.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the MAIL_EVENTS stream if it does not exist. The
// duplicate window backs msg-id deduplication, so a redelivered outbox entry
// inside that window is dropped server-side.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(StreamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"mail.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// Publish sends payload to subject with msgID for server-side deduplication.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close shuts the NATS connection down.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
