// Package push decodes provider change notifications delivered to the
// webhook endpoint: an HMAC-signed, base64-wrapped JSON envelope naming the
// mailbox that changed and the history cursor it advanced to.
package push

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/Martian-dev/mail-sync-infra/internal/mailerr"
	"github.com/Martian-dev/mail-sync-infra/internal/sync"
)

// envelope is the wire shape of a notification. historyId arrives as a JSON
// number from some delivery paths and as a string from others.
type envelope struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// Decode unwraps a base64 notification envelope. Malformed input of any
// flavor (bad base64, bad JSON, missing address, non-numeric cursor) is an
// InvalidRequest; the webhook handler acks such deliveries without retry.
func Decode(data []byte) (sync.Notification, error) {
	raw, err := decodeBase64(data)
	if err != nil {
		return sync.Notification{}, mailerr.Wrap(mailerr.KindInvalidRequest, err, "notification is not base64")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return sync.Notification{}, mailerr.Wrap(mailerr.KindInvalidRequest, err, "notification is not JSON")
	}
	if env.EmailAddress == "" {
		return sync.Notification{}, mailerr.New(mailerr.KindInvalidRequest, "notification has no email address")
	}
	historyID, err := strconv.ParseUint(env.HistoryID.String(), 10, 64)
	if err != nil {
		return sync.Notification{}, mailerr.Newf(mailerr.KindInvalidRequest, "notification history id %q is not numeric", env.HistoryID)
	}

	return sync.Notification{
		EmailAddress: env.EmailAddress,
		HistoryID:    historyID,
	}, nil
}

func decodeBase64(data []byte) ([]byte, error) {
	s := strings.TrimSpace(string(data))
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// Verifier checks webhook delivery signatures. Verification is mandatory:
// there is no bypass mode, and a Verifier cannot be constructed without a
// secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier keyed with secret, or a ConfigError when the
// secret is empty.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, mailerr.New(mailerr.KindConfigError, "webhook signing secret is empty")
	}
	return &Verifier{secret: secret}, nil
}

// Verify checks that signature is the hex HMAC-SHA256 of body under the
// configured secret. The comparison is constant time.
func (v *Verifier) Verify(body []byte, signature string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return mailerr.New(mailerr.KindInvalidRequest, "signature is not hex")
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return mailerr.New(mailerr.KindInvalidRequest, "signature mismatch")
	}
	return nil
}

// Sign produces the signature header value for body. Exported for tests and
// for local delivery tooling.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
