// Package apperr is the error taxonomy shared by the ledger, the authorization
// service and the settlement client. Errors compare by Kind, so callers write
// errors.Is(err, apperr.NotFound) regardless of how deep the error was wrapped.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and transports.
type Kind int

const (
	KindUnknown Kind = iota
	// KindMisconfiguration: signing key, contract address or chain access missing.
	KindMisconfiguration
	// KindInvalidArgument: malformed input rejected before any side effect.
	KindInvalidArgument
	// KindNotFound: unknown user, event, settlement or attempt.
	KindNotFound
	// KindAlreadyClaimed: the event id was settled before. Treated as success.
	KindAlreadyClaimed
	// KindConflict: another claim for the same event is in flight.
	KindConflict
	// KindSettlementFailed: the contract rejected or never executed the claim.
	KindSettlementFailed
	// KindSettlementTimeout: outcome unknown; the claim is pending reconciliation.
	KindSettlementTimeout
	// KindAttributionFailed: attribution could not be attached or reported. Never surfaced.
	KindAttributionFailed
	// KindUnauthorized: missing or insufficient credentials.
	KindUnauthorized
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindMisconfiguration:  "misconfiguration",
	KindInvalidArgument:   "invalid_argument",
	KindNotFound:          "not_found",
	KindAlreadyClaimed:    "already_claimed",
	KindConflict:          "conflict",
	KindSettlementFailed:  "settlement_failed",
	KindSettlementTimeout: "settlement_timeout",
	KindAttributionFailed: "attribution_failed",
	KindUnauthorized:      "unauthorized",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is.
var (
	Misconfiguration  = &Error{Kind: KindMisconfiguration}
	InvalidArgument   = &Error{Kind: KindInvalidArgument}
	NotFound          = &Error{Kind: KindNotFound}
	AlreadyClaimed    = &Error{Kind: KindAlreadyClaimed}
	Conflict          = &Error{Kind: KindConflict}
	SettlementFailed  = &Error{Kind: KindSettlementFailed}
	SettlementTimeout = &Error{Kind: KindSettlementTimeout}
	AttributionFailed = &Error{Kind: KindAttributionFailed}
	Unauthorized      = &Error{Kind: KindUnauthorized}
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// New creates a classified error without a cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies err with an extra message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	switch {
	case msg == "" && e.Err != nil:
		msg = e.Err.Error()
	case msg != "" && e.Err != nil:
		msg = msg + ": " + e.Err.Error()
	case msg == "":
		msg = e.Kind.String()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so sentinels match any error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
