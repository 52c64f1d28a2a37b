package gmail

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mail-sync-infra/internal/mailerr"
)

// Client is the narrow Gmail surface the engine needs. The real
// implementation adapts *gmail.Service; tests substitute fakes.
type Client interface {
	// ListMessages returns one page of message ids for the given labels.
	ListMessages(ctx context.Context, labelIDs []string, maxResults int64, pageToken string) (ids []string, nextPageToken string, err error)

	// GetMessages fetches full message detail for ids. Ids that fail with
	// NotFound (deleted between listing and fetch) are omitted silently;
	// other per-message failures are logged and omitted unless the failure
	// means the whole call cannot proceed (InvalidToken, InsufficientScope,
	// RateLimited), which is returned.
	GetMessages(ctx context.Context, ids []string) ([]*gmailapi.Message, error)

	// ListHistory returns the union of message ids referenced by history
	// records since start, restricted to labelID when non-empty, plus the
	// history id the response advanced to (0 when the provider returned
	// none). A pruned cursor surfaces as a HistoryExpired error kind.
	ListHistory(ctx context.Context, start uint64, labelID string) (HistoryPage, error)

	// GetThread returns the thread's messages in provider order.
	GetThread(ctx context.Context, threadID string) ([]*gmailapi.Message, error)

	GetProfile(ctx context.Context) (Profile, error)
	SendRaw(ctx context.Context, raw string, threadID string) (id, newThreadID string, err error)
	Modify(ctx context.Context, messageID string, add, remove []string) error
	BatchModify(ctx context.Context, messageIDs []string, add, remove []string) error
	Watch(ctx context.Context, topic string, labelIDs []string) (historyID uint64, expiration time.Time, err error)
	StopWatch(ctx context.Context) error
}

// HistoryPage is a normalized history listing.
type HistoryPage struct {
	HistoryID       uint64
	AddedIDs        []string
	LabelAddedIDs   []string
	LabelRemovedIDs []string
}

// Profile identifies the connected mailbox.
type Profile struct {
	EmailAddress string
	HistoryID    uint64
}

// fetchConcurrency bounds the detail-fetch fan-out so large syncs stay below
// the provider's per-user concurrency limits.
const fetchConcurrency = 10

const perMessageTimeout = 15 * time.Second

type googleClient struct {
	svc *gmailapi.Service
	log *slog.Logger
}

// NewClient builds a Client over the Gmail REST API authenticated with
// accessToken. Token refresh is the caller's job (via the oauth manager);
// the client itself never refreshes.
func NewClient(ctx context.Context, accessToken string, logger *slog.Logger) (Client, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindConfigError, err, "create gmail service")
	}
	return &googleClient{svc: svc, log: logger}, nil
}

func (g *googleClient) ListMessages(ctx context.Context, labelIDs []string, maxResults int64, pageToken string) ([]string, string, error) {
	call := g.svc.Users.Messages.List("me").MaxResults(maxResults)
	if len(labelIDs) > 0 {
		call = call.LabelIds(labelIDs...)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return nil, "", mailerr.FromGoogle(err)
	}
	ids := make([]string, 0, len(res.Messages))
	for _, m := range res.Messages {
		ids = append(ids, m.Id)
	}
	return ids, res.NextPageToken, nil
}

func (g *googleClient) GetMessages(ctx context.Context, ids []string) ([]*gmailapi.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	type result struct {
		index int
		msg   *gmailapi.Message
		err   error
	}

	results := make(chan result, len(ids))
	sem := make(chan struct{}, fetchConcurrency)
	var wg sync.WaitGroup

	for i, id := range ids {
		wg.Add(1)
		go func(idx int, id string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- result{index: idx, err: mailerr.FromGoogle(ctx.Err())}
				return
			}

			msgCtx, cancel := context.WithTimeout(ctx, perMessageTimeout)
			defer cancel()

			msg, err := g.svc.Users.Messages.Get("me", id).Format("full").Context(msgCtx).Do()
			if err != nil {
				results <- result{index: idx, err: mailerr.FromGoogle(err)}
				return
			}
			results <- result{index: idx, msg: msg}
		}(i, id)
	}
	wg.Wait()
	close(results)

	ordered := make([]*gmailapi.Message, len(ids))
	var fatal error
	for r := range results {
		if r.err != nil {
			switch mailerr.KindOf(r.err) {
			case mailerr.KindNotFound:
				// Deleted between listing and fetch; expected, skip.
			case mailerr.KindInvalidToken, mailerr.KindInsufficientScope, mailerr.KindRateLimited:
				if fatal == nil {
					fatal = r.err
				}
			default:
				g.log.Warn("message fetch failed, skipping",
					"id", ids[r.index], "err", r.err)
			}
			continue
		}
		ordered[r.index] = r.msg
	}
	if fatal != nil {
		return nil, fatal
	}

	out := make([]*gmailapi.Message, 0, len(ids))
	for _, m := range ordered {
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (g *googleClient) ListHistory(ctx context.Context, start uint64, labelID string) (HistoryPage, error) {
	page := HistoryPage{}
	call := g.svc.Users.History.List("me").StartHistoryId(start)
	if labelID != "" {
		call = call.LabelId(labelID)
	}

	err := call.Pages(ctx, func(res *gmailapi.ListHistoryResponse) error {
		if res.HistoryId > page.HistoryID {
			page.HistoryID = res.HistoryId
		}
		for _, h := range res.History {
			for _, rec := range h.MessagesAdded {
				page.AddedIDs = append(page.AddedIDs, rec.Message.Id)
			}
			for _, rec := range h.LabelsAdded {
				page.LabelAddedIDs = append(page.LabelAddedIDs, rec.Message.Id)
			}
			for _, rec := range h.LabelsRemoved {
				page.LabelRemovedIDs = append(page.LabelRemovedIDs, rec.Message.Id)
			}
		}
		return nil
	})
	if err != nil {
		return HistoryPage{}, mailerr.FromGoogleHistory(err)
	}
	return page, nil
}

func (g *googleClient) GetThread(ctx context.Context, threadID string) ([]*gmailapi.Message, error) {
	th, err := g.svc.Users.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, mailerr.FromGoogle(err)
	}
	return th.Messages, nil
}

func (g *googleClient) GetProfile(ctx context.Context) (Profile, error) {
	p, err := g.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return Profile{}, mailerr.FromGoogle(err)
	}
	return Profile{EmailAddress: p.EmailAddress, HistoryID: p.HistoryId}, nil
}

func (g *googleClient) SendRaw(ctx context.Context, raw string, threadID string) (string, string, error) {
	msg := &gmailapi.Message{Raw: raw}
	if threadID != "" {
		msg.ThreadId = threadID
	}
	sent, err := g.svc.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return "", "", mailerr.FromGoogle(err)
	}
	return sent.Id, sent.ThreadId, nil
}

func (g *googleClient) Modify(ctx context.Context, messageID string, add, remove []string) error {
	req := &gmailapi.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	_, err := g.svc.Users.Messages.Modify("me", messageID, req).Context(ctx).Do()
	return mailerr.FromGoogle(err)
}

func (g *googleClient) BatchModify(ctx context.Context, messageIDs []string, add, remove []string) error {
	req := &gmailapi.BatchModifyMessagesRequest{
		Ids:            messageIDs,
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}
	err := g.svc.Users.Messages.BatchModify("me", req).Context(ctx).Do()
	return mailerr.FromGoogle(err)
}

func (g *googleClient) Watch(ctx context.Context, topic string, labelIDs []string) (uint64, time.Time, error) {
	req := &gmailapi.WatchRequest{TopicName: topic, LabelIds: labelIDs}
	res, err := g.svc.Users.Watch("me", req).Context(ctx).Do()
	if err != nil {
		return 0, time.Time{}, mailerr.FromGoogle(err)
	}
	return res.HistoryId, time.Unix(0, res.Expiration*int64(time.Millisecond)), nil
}

func (g *googleClient) StopWatch(ctx context.Context) error {
	return mailerr.FromGoogle(g.svc.Users.Stop("me").Context(ctx).Do())
}

var _ Client = (*googleClient)(nil)
