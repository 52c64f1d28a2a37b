package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	stdsync "sync"
	"time"

	"github.com/Martian-dev/mail-sync-infra/internal/mailerr"
	"github.com/Martian-dev/mail-sync-infra/internal/natsjs"
	"github.com/Martian-dev/mail-sync-infra/internal/oauth"
)

const (
	defaultSyncInterval = 30 * time.Second
	defaultRetryBackoff = 10 * time.Second

	outboxBatchSize = 100
	outboxIdleSleep = 500 * time.Millisecond
)

// ProviderFactory builds a MailProvider for one account-scoped access token.
// A fresh provider is built each sync cycle so a refreshed token always takes
// effect.
type ProviderFactory func(ctx context.Context, accessToken, userID string, provider ProviderName) (MailProvider, error)

// TokenRefresher turns a stored token record into a usable access token,
// refreshing when needed. A non-nil returned record means the stored one
// must be replaced.
type TokenRefresher interface {
	ValidAccessToken(ctx context.Context, rec oauth.TokenRecord) (string, *oauth.TokenRecord, error)
}

// Runner keeps one account's mailbox in sync: an initial backfill when no
// cursor exists, then incremental sync on a ticker and on push kicks, with
// the outbox dispatcher draining events to JetStream alongside.
type Runner struct {
	Store     Store
	Publisher EventPublisher
	Tokens    TokenRefresher
	Factory   ProviderFactory

	Provider ProviderName
	UserID   string
	InboxID  string
	Labels   []string

	// Interval between incremental sync attempts; zero means the default.
	Interval time.Duration

	// Kick wakes the loop ahead of the ticker when a push notification
	// arrives for this mailbox. Buffered so webhook handlers never block.
	Kick chan struct{}

	// dispatchDone lets owners wait for the dispatch loop before closing
	// the store, even when Run exits on its own.
	dispatchDone stdsync.WaitGroup
}

// NewRunner builds a Runner with a buffered kick channel.
func NewRunner(store Store, publisher EventPublisher, tokens TokenRefresher, factory ProviderFactory, provider ProviderName, userID, inboxID string, labels []string) *Runner {
	return &Runner{
		Store:     store,
		Publisher: publisher,
		Tokens:    tokens,
		Factory:   factory,
		Provider:  provider,
		UserID:    userID,
		InboxID:   inboxID,
		Labels:    labels,
		Kick:      make(chan struct{}, 1),
	}
}

// Run drives the sync loop until ctx is canceled or an unrecoverable error
// occurs. Retryable failures (rate limits, transient network errors) back
// off and try again; everything else marks the connection ERROR and stops.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Publisher.EnsureStream(ctx); err != nil {
		return fmt.Errorf("ensure event stream: %w", err)
	}

	r.dispatchDone.Add(1)
	go func() {
		defer r.dispatchDone.Done()
		r.dispatchLoop(ctx)
	}()

	interval := r.Interval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.syncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			_ = r.Store.UpdateSyncStatus(ctx, string(r.Provider), r.InboxID, StatusError, err.Error())
			if !mailerr.Retryable(err) {
				log.Printf("sync %s/%s stopped: %v", r.UserID, r.Provider, err)
				return err
			}

			backoff := mailerr.RetryAfter(err)
			if backoff <= 0 {
				backoff = defaultRetryBackoff
			}
			log.Printf("sync %s/%s retrying in %s: %v", r.UserID, r.Provider, backoff, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.Kick:
		}
	}
}

// syncOnce performs one sync cycle: resolve a valid token, build the
// provider, and run either the initial backfill or an incremental pass.
func (r *Runner) syncOnce(ctx context.Context) error {
	provider, err := r.buildProvider(ctx)
	if err != nil {
		return err
	}

	cp, err := r.Store.LoadCheckpoint(ctx, string(r.Provider), r.InboxID)
	if err != nil {
		return err
	}

	if cp.Cursor == "" {
		log.Printf("sync %s/%s: initial backfill", r.UserID, r.Provider)
		return r.fullSync(ctx, provider)
	}

	res, err := provider.IncrementalSync(ctx, cp, SyncOptions{Labels: r.Labels})
	if err != nil {
		if mailerr.IsKind(err, mailerr.KindHistoryExpired) {
			// The provider pruned history older than our cursor. The only
			// safe recovery is a fresh backfill; the event store's
			// uniqueness constraints absorb re-observed messages.
			log.Printf("sync %s/%s: cursor %s expired, falling back to full sync", r.UserID, r.Provider, cp.Cursor)
			return r.fullSync(ctx, provider)
		}
		return err
	}

	if err := r.persistResult(ctx, res); err != nil {
		return err
	}
	if res.NewCursor != cp.Cursor {
		log.Printf("sync %s/%s: %d new messages, cursor %s", r.UserID, r.Provider, len(res.Emails), res.NewCursor)
	}
	return r.Store.SaveCheckpoint(ctx, string(r.Provider), r.InboxID, Checkpoint{Cursor: res.NewCursor}, StatusHooked)
}

// fullSync pages through the whole mailbox. Each page is persisted as it
// lands, so cancelation mid-backfill keeps what was already fetched; the
// cursor is only written after the final page to keep it honest.
func (r *Runner) fullSync(ctx context.Context, provider MailProvider) error {
	if err := r.Store.UpdateSyncStatus(ctx, string(r.Provider), r.InboxID, StatusSyncing, ""); err != nil {
		return err
	}

	opts := SyncOptions{Labels: r.Labels}
	var cursor string
	for {
		res, err := provider.FullSync(ctx, opts)
		if err != nil {
			return err
		}
		if err := r.persistResult(ctx, res); err != nil {
			return err
		}
		cursor = res.NewCursor
		if !res.HasMore {
			break
		}
		opts.PageToken = res.NextPageToken
	}

	log.Printf("sync %s/%s: backfill complete, cursor %s", r.UserID, r.Provider, cursor)
	return r.Store.SaveCheckpoint(ctx, string(r.Provider), r.InboxID, Checkpoint{Cursor: cursor}, StatusHooked)
}

// buildProvider loads the stored token, refreshes it when stale, and builds
// a provider bound to the resulting access token.
func (r *Runner) buildProvider(ctx context.Context) (MailProvider, error) {
	rec, err := r.Store.LoadToken(ctx, string(r.Provider), r.InboxID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, mailerr.Newf(mailerr.KindConfigError, "inbox %s has no %s token", r.InboxID, r.Provider)
	}

	access, refreshed, err := r.Tokens.ValidAccessToken(ctx, *rec)
	if err != nil {
		return nil, err
	}
	if refreshed != nil {
		if err := r.Store.SaveToken(ctx, string(r.Provider), r.InboxID, *refreshed); err != nil {
			return nil, err
		}
	}

	return r.Factory(ctx, access, r.UserID, r.Provider)
}

// persistResult writes each synced email and its outbox event in one
// transaction per message.
func (r *Runner) persistResult(ctx context.Context, res *SyncResult) error {
	subject := natsjs.SyncedSubject(string(r.Provider), r.UserID)
	for _, email := range res.Emails {
		payload, err := json.Marshal(natsjs.SyncedEvent{
			EventType: natsjs.EventEmailSynced,
			Provider:  string(email.Provider),
			UserID:    r.UserID,
			InboxID:   r.InboxID,
			MessageID: email.ID,
			ThreadID:  email.ThreadID,
			Subject:   email.Subject,
			From:      email.From,
			Snippet:   email.Snippet,
			Date:      email.Date,
		})
		if err != nil {
			return fmt.Errorf("encode synced event: %w", err)
		}
		if err := r.Store.AppendSyncedEmail(ctx, r.InboxID, email, subject, natsjs.EventEmailSynced, payload); err != nil {
			return err
		}
	}
	return nil
}

// dispatchLoop drains the outbox to JetStream until ctx is canceled. A
// publish failure schedules a retry with backoff instead of blocking the
// queue.
func (r *Runner) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := r.Store.DequeueOutbox(ctx, outboxBatchSize)
		if err != nil {
			log.Printf("outbox %s/%s: dequeue failed: %v", r.UserID, r.Provider, err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if len(entries) == 0 {
			sleepCtx(ctx, outboxIdleSleep)
			continue
		}

		for _, entry := range entries {
			if err := r.Publisher.Publish(entry.Subject, entry.Payload, entry.MsgID); err != nil {
				log.Printf("outbox %s/%s: publish %d failed: %v", r.UserID, r.Provider, entry.ID, err)
				_ = r.Store.MarkOutboxRetry(ctx, entry.ID, defaultRetryBackoff)
				continue
			}
			if err := r.Store.MarkPublished(ctx, entry.ID); err != nil {
				log.Printf("outbox %s/%s: mark published %d failed: %v", r.UserID, r.Provider, entry.ID, err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
