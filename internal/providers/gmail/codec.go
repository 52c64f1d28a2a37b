package gmail

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mail-sync-infra/internal/mailerr"
	"github.com/Martian-dev/mail-sync-infra/internal/sync"
)

// maxPartDepth guards the recursive MIME traversal against malformed,
// deeply nested part trees. Provider-issued trees are acyclic, so a depth
// cap is the only defense needed.
const maxPartDepth = 10

// DecodeMessage normalizes a raw provider message into an EmailData record.
// Decoding is all or nothing: any failure drops this one message, never the
// batch it arrived in.
func DecodeMessage(m *gmailapi.Message) (sync.EmailData, error) {
	if m == nil || m.Payload == nil {
		return sync.EmailData{}, mailerr.New(mailerr.KindInvalidRequest, "message has no payload")
	}

	h := headerMap(m.Payload.Headers)

	body, err := extractBody(m.Payload, 0)
	if err != nil {
		return sync.EmailData{}, fmt.Errorf("extract body of %s: %w", m.Id, err)
	}

	from, fromName := parseAddress(h["from"])

	data := sync.EmailData{
		Provider:   sync.ProviderGoogle,
		ID:         m.Id,
		ThreadID:   m.ThreadId,
		Subject:    h["subject"],
		Body:       body,
		Snippet:    m.Snippet,
		From:       from,
		FromName:   fromName,
		To:         parseAddressList(h["to"]),
		Cc:         parseAddressList(h["cc"]),
		Bcc:        parseAddressList(h["bcc"]),
		Date:       messageDate(m, h["date"]),
		Labels:     m.LabelIds,
		MessageID:  h["message-id"],
		InReplyTo:  h["in-reply-to"],
		References: h["references"],
	}

	data.IsRead = true
	for _, label := range m.LabelIds {
		switch label {
		case "UNREAD":
			data.IsRead = false
		case "STARRED":
			data.IsStarred = true
		}
	}
	return data, nil
}

// headerMap lowers header names so lookups are case-insensitive.
func headerMap(headers []*gmailapi.MessagePartHeader) map[string]string {
	h := make(map[string]string, len(headers))
	for _, hd := range headers {
		h[strings.ToLower(hd.Name)] = hd.Value
	}
	return h
}

// extractBody walks the part tree and returns the decoded body text,
// preferring text/html over text/plain at every multipart level and recursing
// into nested containers (multipart/alternative inside multipart/mixed). A
// message with no text part at all yields "", not an error.
func extractBody(part *gmailapi.MessagePart, depth int) (string, error) {
	if part == nil || depth > maxPartDepth {
		return "", nil
	}

	switch part.MimeType {
	case "text/html", "text/plain":
		if part.Body == nil || part.Body.Data == "" {
			return "", nil
		}
		decoded, err := decodeBase64URL(part.Body.Data)
		if err != nil {
			return "", fmt.Errorf("decode %s part: %w", part.MimeType, err)
		}
		return string(decoded), nil
	}

	var plain string
	for _, p := range part.Parts {
		if p.MimeType == "text/html" {
			return extractBody(p, depth+1)
		}
	}
	for _, p := range part.Parts {
		switch {
		case p.MimeType == "text/plain" && plain == "":
			text, err := extractBody(p, depth+1)
			if err != nil {
				return "", err
			}
			plain = text
		case strings.HasPrefix(p.MimeType, "multipart/"):
			nested, err := extractBody(p, depth+1)
			if err != nil {
				return "", err
			}
			if nested != "" {
				return nested, nil
			}
		}
	}
	return plain, nil
}

// decodeBase64URL accepts the URL-safe alphabet with or without padding;
// the provider strips padding but not every payload in the wild does.
func decodeBase64URL(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

func parseAddress(s string) (addr, name string) {
	if s == "" {
		return "", ""
	}
	parsed, err := mail.ParseAddress(s)
	if err != nil {
		return strings.TrimSpace(s), ""
	}
	return parsed.Address, parsed.Name
}

// parseAddressList splits an address-list header on commas and strips each
// entry down to the bare address.
func parseAddressList(s string) []string {
	if s == "" {
		return nil
	}
	if parsed, err := mail.ParseAddressList(s); err == nil {
		out := make([]string, 0, len(parsed))
		for _, a := range parsed {
			out = append(out, a.Address)
		}
		return out
	}
	// Fallback for headers net/mail rejects: split and strip by hand.
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.LastIndexByte(part, '<'); i >= 0 && strings.HasSuffix(part, ">") {
			part = part[i+1 : len(part)-1]
		}
		out = append(out, part)
	}
	return out
}

func messageDate(m *gmailapi.Message, dateHeader string) time.Time {
	if m.InternalDate > 0 {
		return time.UnixMilli(m.InternalDate)
	}
	if t, err := mail.ParseDate(dateHeader); err == nil {
		return t
	}
	return time.Time{}
}

// outgoingMessage carries everything EncodeOutgoing needs to build an
// RFC-2822 message. Threading fields are empty for fresh sends.
type outgoingMessage struct {
	From       string
	To         []string
	Cc         []string
	Bcc        []string
	Subject    string
	Body       string
	HTML       bool
	InReplyTo  string
	References string
}

// EncodeOutgoing builds the RFC-2822 text and transport-encodes it the way
// the provider's send endpoint expects (URL-safe base64, no padding).
func EncodeOutgoing(msg outgoingMessage) string {
	var b strings.Builder

	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\r\n", strings.Join(msg.Bcc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	if msg.HTML {
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	} else {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	}
	if msg.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", msg.InReplyTo)
	}
	if msg.References != "" {
		fmt.Fprintf(&b, "References: %s\r\n", msg.References)
	}
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	return base64.RawURLEncoding.EncodeToString([]byte(b.String()))
}

// BuildReferences derives the References header for a reply: the prior
// message's References with its Message-ID appended, or just the Message-ID
// when the prior message had none.
func BuildReferences(priorReferences, priorMessageID string) string {
	if priorMessageID == "" {
		return priorReferences
	}
	if priorReferences == "" {
		return priorMessageID
	}
	return priorReferences + " " + priorMessageID
}

// ReplyRecipients resolves the recipient sets for a reply to last, written
// from self. For a plain reply the sole recipient is the last message's
// sender. For reply-all the set is {from} ∪ to ∪ cc minus self; the primary
// To is the first of that set and Cc is the rest.
func ReplyRecipients(last sync.EmailData, self string, replyAll bool) (to, cc []string) {
	if !replyAll {
		return []string{last.From}, nil
	}

	seen := make(map[string]struct{})
	var pool []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" || strings.EqualFold(addr, self) {
			return
		}
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		pool = append(pool, addr)
	}

	add(last.From)
	for _, a := range last.To {
		add(a)
	}
	for _, a := range last.Cc {
		add(a)
	}

	if len(pool) == 0 {
		// Replying to a thread where everyone else was the account itself.
		return []string{last.From}, nil
	}
	return pool[:1], pool[1:]
}

// ParseRaw decodes a transport-encoded outgoing message back into EmailData.
// Used for messages fetched in raw format and to verify the encode path.
func ParseRaw(raw string) (sync.EmailData, error) {
	decoded, err := decodeBase64URL(raw)
	if err != nil {
		return sync.EmailData{}, mailerr.Wrap(mailerr.KindInvalidRequest, err, "raw message is not base64url")
	}
	msg, err := mail.ReadMessage(strings.NewReader(string(decoded)))
	if err != nil {
		return sync.EmailData{}, mailerr.Wrap(mailerr.KindInvalidRequest, err, "raw message is not RFC 2822")
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return sync.EmailData{}, fmt.Errorf("read raw body: %w", err)
	}

	from, fromName := parseAddress(msg.Header.Get("From"))
	data := sync.EmailData{
		Provider:   sync.ProviderGoogle,
		Subject:    msg.Header.Get("Subject"),
		Body:       string(body),
		From:       from,
		FromName:   fromName,
		To:         parseAddressList(msg.Header.Get("To")),
		Cc:         parseAddressList(msg.Header.Get("Cc")),
		Bcc:        parseAddressList(msg.Header.Get("Bcc")),
		MessageID:  msg.Header.Get("Message-Id"),
		InReplyTo:  msg.Header.Get("In-Reply-To"),
		References: msg.Header.Get("References"),
	}
	if t, err := mail.ParseDate(msg.Header.Get("Date")); err == nil {
		data.Date = t
	}
	return data, nil
}
