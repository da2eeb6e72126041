// Package apperr defines the closed set of failure kinds shared by every layer.
//
// Errors travel as ordinary return values. Callers classify them with KindOf and
// switch over the kinds instead of matching on messages.
package apperr

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindStorage
	KindNotFound
	KindAlreadyExists
	KindMalformed
	KindForbidden
	KindInvalidCredentials
	KindInvalidToken
)

func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "storage_error"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindMalformed:
		return "malformed"
	case KindForbidden:
		return "forbidden"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindInvalidToken:
		return "invalid_token"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Storage(op string, err error) error   { return E(KindStorage, op, err) }
func NotFound(op string, err error) error  { return E(KindNotFound, op, err) }
func Malformed(op string, err error) error { return E(KindMalformed, op, err) }
func Forbidden(op string, err error) error { return E(KindForbidden, op, err) }

// KindOf reports the kind of the outermost *Error in err's chain.
// Errors that carry no kind are reported as KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
