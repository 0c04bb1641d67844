package query

import (
	"context"
	"errors"
	"fmt"
)

// Engine runs queries against an application's content database.
// Implementations must honour ctx cancellation.
type Engine interface {
	Query(ctx context.Context, t Template) (*Results, error)
	// Shards lists every shard location of the application's database.
	Shards(ctx context.Context, appID string) ([]string, error)
}

// Code classifies engine failures.
type Code int

const (
	CodePathNotFound Code = iota + 1
	CodeUnsupportedVersion
	CodeIDNotFound
	CodeIDNotValid
	CodeBadManifest
	CodeBadResults
	CodeEmpty
	CodeInvalidQuery
)

func (c Code) String() string {
	switch c {
	case CodePathNotFound:
		return "path-not-found"
	case CodeUnsupportedVersion:
		return "unsupported-version"
	case CodeIDNotFound:
		return "id-not-found"
	case CodeIDNotValid:
		return "id-not-valid"
	case CodeBadManifest:
		return "bad-manifest"
	case CodeBadResults:
		return "bad-results"
	case CodeEmpty:
		return "empty"
	case CodeInvalidQuery:
		return "invalid-query"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a classified engine failure.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the Code of err, if it carries one.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}
