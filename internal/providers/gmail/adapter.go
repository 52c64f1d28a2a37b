// Package gmail implements the mailbox sync engine against the Gmail REST
// API: full and history-delta incremental sync, message decode/encode,
// send/reply with threading, and label mutation.
package gmail

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Martian-dev/mail-sync-infra/internal/mailerr"
	"github.com/Martian-dev/mail-sync-infra/internal/sync"
)

const (
	// defaultMaxResults caps one listing call; 500 is the provider ceiling.
	defaultMaxResults = 500

	// detailBatchSize is how many message ids go into one detail-fetch
	// batch. 100 keeps each batch under the provider's request limits.
	detailBatchSize = 100

	// batchModifyChunk is the provider ceiling on ids per batchModify call.
	batchModifyChunk = 1000
)

// Engine is the Gmail adapter. It holds no mutable state across calls:
// tokens and cursors are passed in and out by value, so one Engine per
// account-scoped Client is safe to call concurrently — though full and
// incremental sync for a single account must be serialized by the caller.
type Engine struct {
	client Client
	log    *slog.Logger

	batchSize int
}

// NewEngine wires an Engine over client.
func NewEngine(client Client, logger *slog.Logger) *Engine {
	return &Engine{client: client, log: logger, batchSize: detailBatchSize}
}

// FullSync re-lists the mailbox for opts.Labels and fetches full detail for
// every listed id. NewCursor is the account's current history id, read after
// the listing so no change between cursor and listing is lost. HasMore
// reports whether the listing was paginated beyond this call.
func (e *Engine) FullSync(ctx context.Context, opts sync.SyncOptions) (*sync.SyncResult, error) {
	maxResults := opts.MaxResults
	if maxResults <= 0 || maxResults > defaultMaxResults {
		maxResults = defaultMaxResults
	}

	ids, nextPage, err := e.client.ListMessages(ctx, opts.Labels, maxResults, opts.PageToken)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	emails, err := e.fetchAndDecode(ctx, ids)
	if err != nil {
		return nil, err
	}

	profile, err := e.client.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("read profile cursor: %w", err)
	}

	return &sync.SyncResult{
		Emails:        emails,
		NewCursor:     strconv.FormatUint(profile.HistoryID, 10),
		HasMore:       nextPage != "",
		NextPageToken: nextPage,
	}, nil
}

// IncrementalSync fetches only the changes recorded since cp.
//
// Provider limitation: the history API accepts one label filter per call, so
// only the first entry of opts.Labels is honored. A HistoryExpired error
// kind propagates to the caller unmodified — falling back to a full sync is
// an orchestration decision, not the engine's.
func (e *Engine) IncrementalSync(ctx context.Context, cp sync.Checkpoint, opts sync.SyncOptions) (*sync.SyncResult, error) {
	start, err := strconv.ParseUint(cp.Cursor, 10, 64)
	if err != nil {
		return nil, mailerr.Newf(mailerr.KindInvalidRequest, "malformed sync cursor %q", cp.Cursor)
	}

	var labelID string
	if len(opts.Labels) > 0 {
		labelID = opts.Labels[0]
	}

	page, err := e.client.ListHistory(ctx, start, labelID)
	if err != nil {
		return nil, err
	}

	ids := dedupe(page.AddedIDs, page.LabelAddedIDs, page.LabelRemovedIDs)
	emails, err := e.fetchAndDecode(ctx, ids)
	if err != nil {
		return nil, err
	}

	newCursor := cp.Cursor
	if page.HistoryID > 0 {
		newCursor = strconv.FormatUint(page.HistoryID, 10)
	}
	return &sync.SyncResult{Emails: emails, NewCursor: newCursor}, nil
}

// fetchAndDecode pulls full detail for ids in batches and decodes each
// message. A message that fails to decode is logged and dropped; one bad
// message never aborts the batch.
func (e *Engine) fetchAndDecode(ctx context.Context, ids []string) ([]sync.EmailData, error) {
	emails := make([]sync.EmailData, 0, len(ids))
	for start := 0; start < len(ids); start += e.batchSize {
		end := start + e.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		msgs, err := e.client.GetMessages(ctx, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("fetch message batch: %w", err)
		}
		for _, m := range msgs {
			data, err := DecodeMessage(m)
			if err != nil {
				e.log.Warn("dropping undecodable message", "id", m.Id, "err", err)
				continue
			}
			emails = append(emails, data)
		}
	}
	return emails, nil
}

// Send builds and transmits a new message from the connected account.
func (e *Engine) Send(ctx context.Context, req sync.SendRequest) (*sync.SendReceipt, error) {
	if len(req.To) == 0 {
		return nil, mailerr.New(mailerr.KindInvalidRequest, "send request has no recipients")
	}
	profile, err := e.client.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve sender address: %w", err)
	}

	raw := EncodeOutgoing(outgoingMessage{
		From:    profile.EmailAddress,
		To:      req.To,
		Cc:      req.Cc,
		Bcc:     req.Bcc,
		Subject: req.Subject,
		Body:    req.Body,
		HTML:    req.HTML,
	})
	id, threadID, err := e.client.SendRaw(ctx, raw, "")
	if err != nil {
		return nil, err
	}
	return &sync.SendReceipt{ID: id, ThreadID: threadID}, nil
}

// Reply sends a reply into req.ThreadID. Recipients and threading headers
// are resolved against the thread's last message at send time, and the
// account's own address is fetched fresh (never cached) so reply-all can
// exclude it reliably.
func (e *Engine) Reply(ctx context.Context, req sync.ReplyRequest) (*sync.SendReceipt, error) {
	msgs, err := e.client.GetThread(ctx, req.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", req.ThreadID, err)
	}
	if len(msgs) == 0 {
		return nil, mailerr.Newf(mailerr.KindNotFound, "thread %s has no messages", req.ThreadID)
	}
	last, err := DecodeMessage(msgs[len(msgs)-1])
	if err != nil {
		return nil, fmt.Errorf("decode last thread message: %w", err)
	}

	profile, err := e.client.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve sender address: %w", err)
	}

	to, cc := ReplyRecipients(last, profile.EmailAddress, req.ReplyAll)

	raw := EncodeOutgoing(outgoingMessage{
		From:       profile.EmailAddress,
		To:         to,
		Cc:         cc,
		Subject:    replySubject(last.Subject),
		Body:       req.Body,
		HTML:       req.HTML,
		InReplyTo:  last.MessageID,
		References: BuildReferences(last.References, last.MessageID),
	})
	id, threadID, err := e.client.SendRaw(ctx, raw, req.ThreadID)
	if err != nil {
		return nil, err
	}
	return &sync.SendReceipt{ID: id, ThreadID: threadID}, nil
}

// ModifyLabels applies a label change to one message.
func (e *Engine) ModifyLabels(ctx context.Context, messageID string, add, remove []string) error {
	return e.client.Modify(ctx, messageID, add, remove)
}

// BatchModifyLabels applies a label change to many messages, chunked at the
// provider's per-call ceiling.
func (e *Engine) BatchModifyLabels(ctx context.Context, messageIDs []string, add, remove []string) error {
	for start := 0; start < len(messageIDs); start += batchModifyChunk {
		end := start + batchModifyChunk
		if end > len(messageIDs) {
			end = len(messageIDs)
		}
		if err := e.client.BatchModify(ctx, messageIDs[start:end], add, remove); err != nil {
			return err
		}
	}
	return nil
}

// MarkRead, MarkUnread, Star and Unstar are the label mutations the inbox UI
// actually issues, expressed over ModifyLabels.

func (e *Engine) MarkRead(ctx context.Context, messageID string) error {
	return e.ModifyLabels(ctx, messageID, nil, []string{"UNREAD"})
}

func (e *Engine) MarkUnread(ctx context.Context, messageID string) error {
	return e.ModifyLabels(ctx, messageID, []string{"UNREAD"}, nil)
}

func (e *Engine) Star(ctx context.Context, messageID string) error {
	return e.ModifyLabels(ctx, messageID, []string{"STARRED"}, nil)
}

func (e *Engine) Unstar(ctx context.Context, messageID string) error {
	return e.ModifyLabels(ctx, messageID, nil, []string{"STARRED"})
}

// Watch (re)arms push notifications for the mailbox, delivering change
// events to the given pub/sub topic.
func (e *Engine) Watch(ctx context.Context, topic string, labelIDs []string) (uint64, error) {
	historyID, expiration, err := e.client.Watch(ctx, topic, labelIDs)
	if err != nil {
		return 0, err
	}
	e.log.Info("mailbox watch armed", "expires", expiration)
	return historyID, nil
}

// StopWatch tears the push subscription down.
func (e *Engine) StopWatch(ctx context.Context) error {
	return e.client.StopWatch(ctx)
}

// Profile returns the connected account's address and current history id.
func (e *Engine) Profile(ctx context.Context) (Profile, error) {
	return e.client.GetProfile(ctx)
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func dedupe(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

var _ sync.MailProvider = (*Engine)(nil)
