// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package errors defines the structured error taxonomy returned by the query engine.
// Every failure that leaves the engine is an *E carrying a machine-readable Kind and
// a human-readable message. Backend-native errors are kept only as the wrapped cause
// so they can be inspected and logged (masked), never rendered to the caller.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// UnknownTool indicates the tool name is not in the registry.
	UnknownTool Kind = "unknown_tool"
	// InvalidParameter indicates a parameter failed its template rule.
	InvalidParameter Kind = "invalid_parameter"
	// Configuration indicates missing or malformed backend configuration.
	Configuration Kind = "configuration"
	// Credential indicates the secret store could not provide a secret.
	Credential Kind = "credential"
	// Connection indicates the backend could not be reached.
	Connection Kind = "connection"
	// Timeout indicates the query exceeded its deadline.
	Timeout Kind = "timeout"
	// QueryExecution indicates the backend rejected or failed the query.
	QueryExecution Kind = "query_execution"
	// ResultTooLarge indicates a truncated result under a no-truncation policy.
	ResultTooLarge Kind = "result_too_large"
	// Internal indicates a broken invariant inside the engine.
	Internal Kind = "internal"
)

// E wraps an error with kind and human-friendly message.
type E struct {
	Kind    Kind
	Message string

	// Field and Reason are set for InvalidParameter.
	Field  string
	Reason string

	// BackendCode is the backend's own status code for QueryExecution, if any.
	BackendCode string

	// Err is the underlying cause. It is never included in Error().
	Err error
}

func (e *E) Error() string {
	switch {
	case e.Kind == InvalidParameter && e.Field != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Reason)
	case e.BackendCode != "":
		return fmt.Sprintf("%s: %s (code %s)", e.Kind, e.Message, e.BackendCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

// Is reports whether target is an *E of the same kind.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *E             { return &E{Kind: kind, Message: msg} }

// NewUnknownTool reports a tool name absent from the registry.
func NewUnknownTool(name string) *E {
	return &E{Kind: UnknownTool, Message: fmt.Sprintf("unknown tool %q", name)}
}

// NewInvalidParameter reports the first parameter that violated its rule.
func NewInvalidParameter(field, reason string) *E {
	return &E{
		Kind:    InvalidParameter,
		Message: fmt.Sprintf("parameter %q is invalid", field),
		Field:   field,
		Reason:  reason,
	}
}

// NewQueryExecution reports a backend failure with its status code.
func NewQueryExecution(msg, backendCode string, err error) *E {
	return &E{Kind: QueryExecution, Message: msg, BackendCode: backendCode, Err: err}
}

// As extracts an *E from err.
func As(err error) (*E, bool) {
	var e *E
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or Internal when err is not an *E.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
