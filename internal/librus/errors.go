package librus

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind classifies client failures so callers can branch without string matching.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindValidation: bad input, rejected before any I/O.
	KindValidation
	// KindAuth: login or token refresh failed.
	KindAuth
	// KindUpstream: non-2xx after exhausting retries, or a soft-error envelope on 2xx.
	KindUpstream
	KindNotFound
	KindForbidden
	// KindIntegrity: the response violates an expected invariant (e.g. id mismatch).
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindUpstream:
		return "upstream"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrAuth       = &Error{Kind: KindAuth}
	ErrUpstream   = &Error{Kind: KindUpstream}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrForbidden  = &Error{Kind: KindForbidden}
	ErrIntegrity  = &Error{Kind: KindIntegrity}
)

// Error is returned by every Client operation that fails for a reason other than
// a transport error or context cancellation.
type Error struct {
	Kind Kind
	Op   string // short operation name, e.g. "login", "GET SchoolNotices/12"
	Msg  string

	Status int    // HTTP status (0 when not applicable)
	Code   string // soft-error code from the response envelope
	Body   string // truncated response body

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("librus")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status=%d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (code=%s)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by Kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Status == 0
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

const maxErrorBody = 2048

func newError(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func statusError(kind Kind, op, msg string, status int, body []byte) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Status: status, Body: truncateBody(body)}
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= maxErrorBody {
		return s
	}
	cut := maxErrorBody - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
