// Package rpcerr is the error taxonomy shared by every bus method. Errors of
// this package carry a D-Bus error name so godbus replies with it verbatim.
package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/agentic-research/knowledge-services/api"
	"github.com/agentic-research/knowledge-services/internal/query"
)

// Kind is one entry of the taxonomy.
type Kind int

const (
	AppNotFound Kind = iota
	UnsupportedVersion
	IdNotFound
	MalformedApp
	InvalidRequest
	EngineFailure
	RegistrationFailure
	RotationWindowExhausted
	Cancelled
)

var kindNames = [...]string{
	AppNotFound:             "AppNotFound",
	UnsupportedVersion:      "UnsupportedVersion",
	IdNotFound:              "IdNotFound",
	MalformedApp:            "MalformedApp",
	InvalidRequest:          "InvalidRequest",
	EngineFailure:           "EngineFailure",
	RegistrationFailure:     "RegistrationFailure",
	RotationWindowExhausted: "RotationWindowExhausted",
	Cancelled:               "Cancelled",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// BusName is the namespaced error name sent to callers.
func (k Kind) BusName() string {
	return api.ErrorNamespace + "." + k.String()
}

// Error is returned from method handlers.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// DBusError implements dbus.DBusError.
func (e *Error) DBusError() (string, []interface{}) {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return e.Kind.BusName(), []interface{}{msg}
}

// New builds an error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap keeps err as the cause; its text becomes the message.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the Kind carried by err.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

var engineKinds = map[query.Code]Kind{
	query.CodePathNotFound:       AppNotFound,
	query.CodeUnsupportedVersion: UnsupportedVersion,
	query.CodeIDNotFound:         IdNotFound,
	query.CodeIDNotValid:         InvalidRequest,
	query.CodeInvalidQuery:       InvalidRequest,
	query.CodeBadManifest:        MalformedApp,
	query.CodeBadResults:         MalformedApp,
	query.CodeEmpty:              MalformedApp,
}

// FromEngine maps an engine or windower error onto the taxonomy. Errors
// already in the taxonomy are returned unchanged; nil stays nil.
func FromEngine(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(Cancelled, err)
	case errors.Is(err, query.ErrWindowExhausted):
		return Wrap(RotationWindowExhausted, err)
	}
	if code, ok := query.CodeOf(err); ok {
		if kind, ok := engineKinds[code]; ok {
			return Wrap(kind, err)
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Wrap(AppNotFound, err)
	}
	return Wrap(EngineFailure, err)
}
