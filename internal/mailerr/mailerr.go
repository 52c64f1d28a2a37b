// Package mailerr defines the closed taxonomy of remote mail API failures.
// Every transport-level error is classified into exactly one Kind so callers
// can pattern-match on the kind instead of sniffing provider error strings.
package mailerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
)

// Kind identifies one class of remote-API failure.
type Kind string

const (
	KindInvalidToken       Kind = "INVALID_TOKEN"
	KindTokenRefreshFailed Kind = "TOKEN_REFRESH_FAILED"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindNotFound           Kind = "NOT_FOUND"
	KindInvalidRequest     Kind = "INVALID_REQUEST"
	KindAPIError           Kind = "API_ERROR"
	KindNetworkError       Kind = "NETWORK_ERROR"
	KindConfigError        Kind = "CONFIG_ERROR"
	KindInsufficientScope  Kind = "INSUFFICIENT_SCOPE"
	KindHistoryExpired     Kind = "HISTORY_EXPIRED"
)

// Error is the classified form of a remote mail API failure. The provider's
// own message is preserved in Message so diagnostics never lose information.
type Error struct {
	Kind       Kind
	HTTPStatus int           // 0 when the failure never reached HTTP
	RetryAfter time.Duration // 0 when the provider gave no hint
	Message    string

	cause error
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (http %d): %s", e.Kind, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it reachable through errors.Unwrap.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: err}
}

// KindOf returns the Kind of err, or "" when err is not a classified error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the caller may retry the failed call with
// backoff. Only rate limiting, network failures and provider 5xx responses
// qualify; everything else is terminal for that call.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindRateLimited, KindNetworkError:
		return true
	case KindAPIError:
		return e.HTTPStatus >= 500
	}
	return false
}

// RetryAfter returns the provider-supplied retry hint, or 0.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// FromGoogle maps a google.golang.org/api error (or a raw transport failure)
// into the closed taxonomy. Mapping rules are applied in priority order; an
// unrecognized failure becomes KindAPIError with the provider message kept
// verbatim.
func FromGoogle(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err // already classified
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return fromStatus(apiErr, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(KindNetworkError, err, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(KindNetworkError, err, netErr.Error())
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Wrap(KindNetworkError, err, urlErr.Error())
	}

	return Wrap(KindAPIError, err, err.Error())
}

func fromStatus(apiErr *googleapi.Error, cause error) *Error {
	out := &Error{HTTPStatus: apiErr.Code, Message: apiErr.Message, cause: cause}
	if out.Message == "" {
		out.Message = apiErr.Error()
	}

	switch {
	case apiErr.Code == http.StatusUnauthorized:
		out.Kind = KindInvalidToken
	case apiErr.Code == http.StatusForbidden && insufficientScope(apiErr):
		out.Kind = KindInsufficientScope
	case apiErr.Code == http.StatusForbidden:
		out.Kind = KindAPIError
	case apiErr.Code == http.StatusNotFound:
		out.Kind = KindNotFound
	case apiErr.Code == http.StatusTooManyRequests:
		out.Kind = KindRateLimited
		out.RetryAfter = retryAfterHeader(apiErr)
	case apiErr.Code == http.StatusGone && historyExpired(apiErr):
		out.Kind = KindHistoryExpired
	case apiErr.Code == http.StatusBadRequest:
		// 400 means the request we built was malformed, which callers can
		// act on; classify it rather than lumping it in with APIError.
		out.Kind = KindInvalidRequest
	default:
		out.Kind = KindAPIError
	}
	return out
}

// FromGoogleHistory is FromGoogle specialized for the history.list endpoint,
// where the provider reports a pruned history cursor as 404 rather than 410.
func FromGoogleHistory(err error) error {
	if err == nil {
		return nil
	}
	mapped := FromGoogle(err)
	var e *Error
	if errors.As(mapped, &e) && e.Kind == KindNotFound {
		return &Error{
			Kind:       KindHistoryExpired,
			HTTPStatus: e.HTTPStatus,
			Message:    e.Message,
			cause:      err,
		}
	}
	return mapped
}

func insufficientScope(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "insufficientPermissions" {
			return true
		}
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "insufficient permission")
}

func historyExpired(apiErr *googleapi.Error) bool {
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "history") || strings.Contains(msg, "starthistoryid")
}

func retryAfterHeader(apiErr *googleapi.Error) time.Duration {
	if apiErr.Header == nil {
		return 0
	}
	raw := apiErr.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
