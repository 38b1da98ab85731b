package types

import (
	"errors"
	"fmt"
)

// Kind classifies escrow failures so callers can pick a corrective action
type Kind string

const (
	KindInvalidParties    Kind = "INVALID_PARTIES"
	KindInvalidAmount     Kind = "INVALID_AMOUNT"
	KindUnsupportedAsset  Kind = "UNSUPPORTED_ASSET"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindOverpayment       Kind = "OVERPAYMENT"
	KindTransportFailure  Kind = "TRANSPORT_FAILURE"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindNotFound          Kind = "NOT_FOUND"
	KindCommitFailed      Kind = "COMMIT_FAILED"
	KindWrongNetwork      Kind = "WRONG_NETWORK"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrInvalidParties    = &Error{Kind: KindInvalidParties}
	ErrInvalidAmount     = &Error{Kind: KindInvalidAmount}
	ErrUnsupportedAsset  = &Error{Kind: KindUnsupportedAsset}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrOverpayment       = &Error{Kind: KindOverpayment}
	ErrTransportFailure  = &Error{Kind: KindTransportFailure}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrCommitFailed      = &Error{Kind: KindCommitFailed}
	ErrWrongNetwork      = &Error{Kind: KindWrongNetwork}
)

// ErrMalformedRecord marks data from a gateway that does not fit EscrowRecord
var ErrMalformedRecord = errors.New("malformed escrow record")

// Error is the typed failure returned by escrow operations
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	// Status is the instance status at the time of an InvalidTransition
	Status Status
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Kind == KindInvalidTransition && e.Op != "" {
		msg += fmt.Sprintf(" (current status %s)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind only
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Errorf builds an *Error with a formatted detail message
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// InvalidTransition reports that op is not permitted from current
func InvalidTransition(op string, current Status) *Error {
	return &Error{Kind: KindInvalidTransition, Op: op, Status: current}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
