package outlook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-sync-infra/internal/mailerr"
	"github.com/Martian-dev/mail-sync-infra/internal/sync"
)

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New("test-token", "user@example.com", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return a
}

func graphMessage(id string, received time.Time) models.Messageable {
	m := models.NewMessage()
	m.SetId(&id)
	conv := "conv-1"
	m.SetConversationId(&conv)
	subject := "quarterly numbers"
	m.SetSubject(&subject)

	body := models.NewItemBody()
	contentType := models.HTML_BODYTYPE
	body.SetContentType(&contentType)
	content := "<p>see attached</p>"
	body.SetContent(&content)
	m.SetBody(body)

	preview := "see attached"
	m.SetBodyPreview(&preview)

	from := models.NewRecipient()
	email := models.NewEmailAddress()
	addr := "alice@example.com"
	name := "Alice"
	email.SetAddress(&addr)
	email.SetName(&name)
	from.SetEmailAddress(email)
	m.SetFrom(from)

	m.SetToRecipients(recipients([]string{"bob@example.com", "carol@example.com"}))
	m.SetReceivedDateTime(&received)

	read := false
	m.SetIsRead(&read)
	m.SetFlag(flagStatus(models.FLAGGED_FOLLOWUPFLAGSTATUS))
	m.SetCategories([]string{"urgent"})

	msgID := "<abc@outlook.com>"
	m.SetInternetMessageId(&msgID)
	return m
}

func TestNormalizeMapsGraphFields(t *testing.T) {
	received := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	data := normalize(graphMessage("m1", received))

	require.Equal(t, sync.ProviderMicrosoft, data.Provider)
	require.Equal(t, "m1", data.ID)
	require.Equal(t, "conv-1", data.ThreadID)
	require.Equal(t, "quarterly numbers", data.Subject)
	require.Equal(t, "<p>see attached</p>", data.Body)
	require.Equal(t, "see attached", data.Snippet)
	require.Equal(t, "alice@example.com", data.From)
	require.Equal(t, "Alice", data.FromName)
	require.Equal(t, []string{"bob@example.com", "carol@example.com"}, data.To)
	require.Equal(t, received, data.Date)
	require.False(t, data.IsRead)
	require.True(t, data.IsStarred)
	require.Equal(t, []string{"urgent"}, data.Labels)
	require.Equal(t, "<abc@outlook.com>", data.MessageID)
}

func TestNormalizeDefaultsReadWhenUnset(t *testing.T) {
	m := models.NewMessage()
	id := "m2"
	m.SetId(&id)

	data := normalize(m)
	require.True(t, data.IsRead)
	require.False(t, data.IsStarred)
	require.Empty(t, data.Body)
}

func TestNormalizePageWatermarkIsLatestReceiveTime(t *testing.T) {
	a := testAdapter(t)
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 2, 2, 12, 0, 0, 500000000, time.UTC)

	emails, watermark := a.normalizePage([]models.Messageable{
		graphMessage("m1", newer),
		graphMessage("m2", older),
		nil,
	})

	require.Len(t, emails, 2)
	require.Equal(t, newer.Format(time.RFC3339Nano), watermark)
}

func TestNormalizePageDropsMessagesWithoutID(t *testing.T) {
	a := testAdapter(t)
	emails, watermark := a.normalizePage([]models.Messageable{models.NewMessage()})
	require.Empty(t, emails)
	require.Empty(t, watermark)
}

func TestIncrementalSyncRejectsForeignCursor(t *testing.T) {
	a := testAdapter(t)

	_, err := a.IncrementalSync(context.Background(), sync.Checkpoint{Cursor: "184467"}, sync.SyncOptions{})
	require.Error(t, err)
	require.Equal(t, mailerr.KindInvalidRequest, mailerr.KindOf(err))
}

func TestSendRequiresRecipients(t *testing.T) {
	a := testAdapter(t)

	_, err := a.Send(context.Background(), sync.SendRequest{Subject: "hi", Body: "there"})
	require.Error(t, err)
	require.Equal(t, mailerr.KindInvalidRequest, mailerr.KindOf(err))
}

func TestWithoutCategory(t *testing.T) {
	require.Equal(t, []string{"a", "c"}, withoutCategory([]string{"a", "b", "c"}, "b"))
	require.Empty(t, withoutCategory([]string{"b"}, "b"))
	require.Equal(t, []string{"a"}, withoutCategory([]string{"a"}, "missing"))
}

func TestMapGraphStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		want   mailerr.Kind
	}{
		{401, mailerr.KindInvalidToken},
		{403, mailerr.KindInsufficientScope},
		{404, mailerr.KindNotFound},
		{429, mailerr.KindRateLimited},
		{400, mailerr.KindInvalidRequest},
		{500, mailerr.KindAPIError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			oerr := odataerrors.NewODataError()
			oerr.ResponseStatusCode = tt.status

			err := mapGraph(oerr)
			require.Equal(t, tt.want, mailerr.KindOf(err))
		})
	}
}

func TestMapGraphPassesThroughClassifiedErrors(t *testing.T) {
	orig := mailerr.New(mailerr.KindNotFound, "conversation conv-9 has no messages")
	require.Same(t, orig, mapGraph(orig).(*mailerr.Error))
}

func TestMapGraphContextCancellation(t *testing.T) {
	err := mapGraph(fmt.Errorf("messages: %w", context.Canceled))
	require.Equal(t, mailerr.KindNetworkError, mailerr.KindOf(err))
}

func TestMapGraphNil(t *testing.T) {
	require.NoError(t, mapGraph(nil))
}
