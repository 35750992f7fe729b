// Package faults defines the error kinds shared by the engine's services
// and the HTTP layer. Handlers classify errors with errors.As and map them
// to status codes; the flow executor records their messages on failed
// executions.
package faults

import "fmt"

// ValidationError reports bad caller input: a missing required attribute,
// a malformed configuration document, or segment SQL that fails to execute.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConstraintViolation reports an operation the data model forbids, such as
// deleting a segment a campaign still references or updating a campaign in
// place.
type ConstraintViolation struct {
	Msg string
}

func (e *ConstraintViolation) Error() string { return e.Msg }

// Constraintf builds a ConstraintViolation.
func Constraintf(format string, args ...interface{}) error {
	return &ConstraintViolation{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing entity by kind and identifier.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// SandboxError reports an error thrown by operator-authored code, or a yield
// that is not a well-formed command.
type SandboxError struct {
	Msg string
}

func (e *SandboxError) Error() string { return e.Msg }

// Sandboxf builds a SandboxError.
func Sandboxf(format string, args ...interface{}) error {
	return &SandboxError{Msg: fmt.Sprintf(format, args...)}
}

// TransportError reports a non-2xx or failed call to an email provider.
type TransportError struct {
	Provider string
	Msg      string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error: %s", e.Provider, e.Msg)
}

// Transportf builds a TransportError for the named provider.
func Transportf(provider, format string, args ...interface{}) error {
	return &TransportError{Provider: provider, Msg: fmt.Sprintf(format, args...)}
}

// NotImplementedError reports a command the engine accepts but does not
// execute, such as SEND_SMS.
type NotImplementedError struct {
	What string
}

func (e *NotImplementedError) Error() string { return "NotImplemented: " + e.What }

// NotImplemented builds a NotImplementedError.
func NotImplemented(what string) error {
	return &NotImplementedError{What: what}
}
