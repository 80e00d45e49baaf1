// Package apperr carries the error taxonomy shared by the fusion, policy and
// dispatch engines. Callers branch on Kind, not on message text.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUpstream  Kind = "upstream_unavailable"
	KindStale     Kind = "stale_write"
	KindInvalid   Kind = "validation_error"
	KindExpired   Kind = "auction_expired"
	KindNotFound  Kind = "not_found"
	KindUndefined Kind = ""
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.ErrStale)
// works regardless of Op and message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrUpstream = &Error{Kind: KindUpstream}
	ErrStale    = &Error{Kind: KindStale}
	ErrInvalid  = &Error{Kind: KindInvalid}
	ErrExpired  = &Error{Kind: KindExpired}
	ErrNotFound = &Error{Kind: KindNotFound}
)

func Upstream(op string, err error) error {
	return &Error{Kind: KindUpstream, Op: op, Err: err}
}

func Stale(op, format string, args ...any) error {
	return &Error{Kind: KindStale, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Invalid(op, format string, args ...any) error {
	return &Error{Kind: KindInvalid, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Expired(op, format string, args ...any) error {
	return &Error{Kind: KindExpired, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUndefined
}

// Retryable reports whether the caller may retry the failed operation as is.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindStale:
		return true
	}
	return false
}
