// Package outlook implements the mail provider contract over Microsoft
// Graph. It is the secondary provider: same interface as the Gmail engine,
// with Graph's own cursor and send semantics behind it.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mail-sync-infra/internal/mailerr"
	"github.com/Martian-dev/mail-sync-infra/internal/sync"
)

const defaultPageSize int32 = 100

var selectFields = []string{
	"id", "conversationId", "subject", "body", "bodyPreview", "from",
	"toRecipients", "ccRecipients", "bccRecipients", "receivedDateTime",
	"isRead", "flag", "categories", "internetMessageId",
}

// Adapter implements the provider contract for one Outlook mailbox.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
	log    *slog.Logger
}

// New builds an Adapter for userID authenticated with accessToken. Token
// refresh is the caller's job; the credential handed to the SDK never
// refreshes itself.
func New(accessToken, userID string, logger *slog.Logger) (*Adapter, error) {
	cred := &staticTokenCredential{token: accessToken}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindConfigError, err, "create Graph client")
	}
	return &Adapter{client: client, userID: userID, log: logger}, nil
}

// FullSync lists the mailbox newest-first and returns a receive-time
// watermark as the cursor.
//
// Graph's delta endpoint is folder-scoped and pages through an opaque link;
// a receivedDateTime watermark gives the same resume semantics across the
// whole mailbox, at the cost of re-observing messages that share the
// watermark instant. The event store's uniqueness constraint absorbs those.
func (a *Adapter) FullSync(ctx context.Context, opts sync.SyncOptions) (*sync.SyncResult, error) {
	top := defaultPageSize
	if opts.MaxResults > 0 && opts.MaxResults < int64(defaultPageSize) {
		top = int32(opts.MaxResults)
	}

	cfg := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     &top,
			Select:  selectFields,
			Orderby: []string{"receivedDateTime desc"},
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, cfg)
	if err != nil {
		return nil, mapGraph(err)
	}

	emails, watermark := a.normalizePage(result.GetValue())
	res := &sync.SyncResult{
		Emails:    emails,
		NewCursor: watermark,
		HasMore:   result.GetOdataNextLink() != nil,
	}
	if next := result.GetOdataNextLink(); next != nil {
		res.NextPageToken = *next
	}
	return res, nil
}

// IncrementalSync fetches messages received after the cursor watermark. A
// cursor this adapter did not mint (a Gmail history id, say) fails as
// InvalidRequest rather than silently re-importing the mailbox.
func (a *Adapter) IncrementalSync(ctx context.Context, cp sync.Checkpoint, opts sync.SyncOptions) (*sync.SyncResult, error) {
	since, err := time.Parse(time.RFC3339Nano, cp.Cursor)
	if err != nil {
		return nil, mailerr.Newf(mailerr.KindInvalidRequest, "malformed sync cursor %q", cp.Cursor)
	}

	top := defaultPageSize
	filter := fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format(time.RFC3339Nano))
	cfg := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     &top,
			Select:  selectFields,
			Filter:  &filter,
			Orderby: []string{"receivedDateTime asc"},
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, cfg)
	if err != nil {
		return nil, mapGraph(err)
	}

	emails, watermark := a.normalizePage(result.GetValue())
	newCursor := cp.Cursor
	if watermark != "" {
		newCursor = watermark
	}
	return &sync.SyncResult{Emails: emails, NewCursor: newCursor}, nil
}

// normalizePage converts a Graph page into EmailData records and the highest
// receive-time watermark seen.
func (a *Adapter) normalizePage(msgs []models.Messageable) ([]sync.EmailData, string) {
	emails := make([]sync.EmailData, 0, len(msgs))
	var latest time.Time
	for _, m := range msgs {
		if m == nil {
			continue
		}
		data := normalize(m)
		if data.ID == "" {
			a.log.Warn("dropping Graph message without id")
			continue
		}
		emails = append(emails, data)
		if data.Date.After(latest) {
			latest = data.Date
		}
	}
	if latest.IsZero() {
		return emails, ""
	}
	return emails, latest.UTC().Format(time.RFC3339Nano)
}

// Send posts a new message through Graph's sendMail action.
func (a *Adapter) Send(ctx context.Context, req sync.SendRequest) (*sync.SendReceipt, error) {
	if len(req.To) == 0 {
		return nil, mailerr.New(mailerr.KindInvalidRequest, "send request has no recipients")
	}

	msg := models.NewMessage()
	msg.SetSubject(&req.Subject)
	msg.SetToRecipients(recipients(req.To))
	msg.SetCcRecipients(recipients(req.Cc))
	msg.SetBccRecipients(recipients(req.Bcc))

	body := models.NewItemBody()
	contentType := models.TEXT_BODYTYPE
	if req.HTML {
		contentType = models.HTML_BODYTYPE
	}
	body.SetContentType(&contentType)
	content := req.Body
	body.SetContent(&content)
	msg.SetBody(body)

	sendBody := users.NewItemSendMailPostRequestBody()
	sendBody.SetMessage(msg)
	save := true
	sendBody.SetSaveToSentItems(&save)

	if err := a.client.Users().ByUserId(a.userID).SendMail().Post(ctx, sendBody, nil); err != nil {
		return nil, mapGraph(err)
	}
	// Graph's sendMail action returns 202 with no body; there is no message
	// id to report until the message lands in Sent Items.
	return &sync.SendReceipt{SentAt: time.Now()}, nil
}

// Reply answers the newest message of the conversation through Graph's
// reply/replyAll actions, which preserve threading server-side.
func (a *Adapter) Reply(ctx context.Context, req sync.ReplyRequest) (*sync.SendReceipt, error) {
	lastID, err := a.newestInConversation(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}

	comment := req.Body
	messages := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(lastID)
	if req.ReplyAll {
		body := users.NewItemMessagesItemReplyAllPostRequestBody()
		body.SetComment(&comment)
		err = messages.ReplyAll().Post(ctx, body, nil)
	} else {
		body := users.NewItemMessagesItemReplyPostRequestBody()
		body.SetComment(&comment)
		err = messages.Reply().Post(ctx, body, nil)
	}
	if err != nil {
		return nil, mapGraph(err)
	}
	return &sync.SendReceipt{ThreadID: req.ThreadID, SentAt: time.Now()}, nil
}

// newestInConversation resolves the last message id of a conversation.
func (a *Adapter) newestInConversation(ctx context.Context, conversationID string) (string, error) {
	one := int32(1)
	filter := fmt.Sprintf("conversationId eq '%s'", conversationID)
	cfg := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     &one,
			Select:  []string{"id"},
			Filter:  &filter,
			Orderby: []string{"receivedDateTime desc"},
		},
	}
	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, cfg)
	if err != nil {
		return "", mapGraph(err)
	}
	msgs := result.GetValue()
	if len(msgs) == 0 || msgs[0].GetId() == nil {
		return "", mailerr.Newf(mailerr.KindNotFound, "conversation %s has no messages", conversationID)
	}
	return *msgs[0].GetId(), nil
}

// ModifyLabels maps the portable label vocabulary onto Graph message state:
// UNREAD toggles isRead, STARRED toggles the follow-up flag, anything else
// becomes a category.
func (a *Adapter) ModifyLabels(ctx context.Context, messageID string, add, remove []string) error {
	patch := models.NewMessage()
	var categories []string
	categoriesDirty := false

	for _, label := range add {
		switch label {
		case "UNREAD":
			v := false
			patch.SetIsRead(&v)
		case "STARRED":
			patch.SetFlag(flagStatus(models.FLAGGED_FOLLOWUPFLAGSTATUS))
		default:
			categories = append(categories, label)
			categoriesDirty = true
		}
	}
	for _, label := range remove {
		switch label {
		case "UNREAD":
			v := true
			patch.SetIsRead(&v)
		case "STARRED":
			patch.SetFlag(flagStatus(models.NOTFLAGGED_FOLLOWUPFLAGSTATUS))
		default:
			// Removing a category requires the full remaining set; fetch it.
			current, err := a.currentCategories(ctx, messageID)
			if err != nil {
				return err
			}
			categories = withoutCategory(current, label)
			categoriesDirty = true
		}
	}
	if categoriesDirty {
		patch.SetCategories(categories)
	}

	_, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(messageID).Patch(ctx, patch, nil)
	return mapGraph(err)
}

// BatchModifyLabels applies the change per message; Graph has no bulk
// message-modify endpoint.
func (a *Adapter) BatchModifyLabels(ctx context.Context, messageIDs []string, add, remove []string) error {
	for _, id := range messageIDs {
		if err := a.ModifyLabels(ctx, id, add, remove); err != nil {
			return fmt.Errorf("modify %s: %w", id, err)
		}
	}
	return nil
}

func (a *Adapter) currentCategories(ctx context.Context, messageID string) ([]string, error) {
	cfg := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"categories"},
		},
	}
	msg, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(messageID).Get(ctx, cfg)
	if err != nil {
		return nil, mapGraph(err)
	}
	return msg.GetCategories(), nil
}

func withoutCategory(categories []string, label string) []string {
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		if c != label {
			out = append(out, c)
		}
	}
	return out
}

func flagStatus(status models.FollowupFlagStatus) models.FollowupFlagable {
	flag := models.NewFollowupFlag()
	flag.SetFlagStatus(&status)
	return flag
}

func recipients(addrs []string) []models.Recipientable {
	out := make([]models.Recipientable, 0, len(addrs))
	for _, addr := range addrs {
		a := addr
		email := models.NewEmailAddress()
		email.SetAddress(&a)
		r := models.NewRecipient()
		r.SetEmailAddress(email)
		out = append(out, r)
	}
	return out
}

// normalize converts one Graph message into the portable record.
func normalize(m models.Messageable) sync.EmailData {
	data := sync.EmailData{Provider: sync.ProviderMicrosoft, IsRead: true}

	if id := m.GetId(); id != nil {
		data.ID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		data.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		data.Subject = *subject
	}
	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		data.Body = *body.GetContent()
	}
	if preview := m.GetBodyPreview(); preview != nil {
		data.Snippet = *preview
	}
	if from := m.GetFrom(); from != nil {
		if email := from.GetEmailAddress(); email != nil {
			if addr := email.GetAddress(); addr != nil {
				data.From = *addr
			}
			if name := email.GetName(); name != nil {
				data.FromName = *name
			}
		}
	}
	data.To = extractAddresses(m.GetToRecipients())
	data.Cc = extractAddresses(m.GetCcRecipients())
	data.Bcc = extractAddresses(m.GetBccRecipients())
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		data.Date = *rcvd
	}
	if isRead := m.GetIsRead(); isRead != nil {
		data.IsRead = *isRead
	}
	if flag := m.GetFlag(); flag != nil && flag.GetFlagStatus() != nil {
		data.IsStarred = *flag.GetFlagStatus() == models.FLAGGED_FOLLOWUPFLAGSTATUS
	}
	data.Labels = m.GetCategories()
	if msgID := m.GetInternetMessageId(); msgID != nil {
		data.MessageID = *msgID
	}
	return data
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if email := r.GetEmailAddress(); email != nil {
			if addr := email.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

// mapGraph converts a Graph SDK failure into the error taxonomy.
func mapGraph(err error) error {
	if err == nil {
		return nil
	}
	var classified *mailerr.Error
	if errors.As(err, &classified) {
		return err
	}

	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		msg := oerr.Error()
		switch oerr.ResponseStatusCode {
		case 401:
			return mailerr.Wrap(mailerr.KindInvalidToken, err, msg)
		case 403:
			return mailerr.Wrap(mailerr.KindInsufficientScope, err, msg)
		case 404:
			return mailerr.Wrap(mailerr.KindNotFound, err, msg)
		case 429:
			return mailerr.Wrap(mailerr.KindRateLimited, err, msg)
		case 400:
			return mailerr.Wrap(mailerr.KindInvalidRequest, err, msg)
		default:
			return mailerr.Wrap(mailerr.KindAPIError, err, msg)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return mailerr.Wrap(mailerr.KindNetworkError, err, "request aborted")
	}
	return mailerr.Wrap(mailerr.KindNetworkError, err, "Graph request failed")
}

// staticTokenCredential satisfies the azcore credential interface with a
// fixed token.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(time.Hour),
	}, nil
}

var _ sync.MailProvider = (*Adapter)(nil)
