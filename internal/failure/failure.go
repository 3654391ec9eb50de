// Package failure defines the error taxonomy shared by every pipeline stage.
//
// Each terminal error carries a Code, the Stage it came from and, where one
// was involved, the provider name and the remote system's own message so a
// caller can decide whether to resume.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code classifies a pipeline failure.
type Code string

const (
	SourceUnavailable        Code = "SourceUnavailable"
	BudgetExceeded           Code = "BudgetExceeded"
	ProviderAuthError        Code = "ProviderAuthError"
	ProviderRateLimited      Code = "ProviderRateLimited"
	ProviderTimeout          Code = "ProviderTimeout"
	ProviderMalformedOutput  Code = "ProviderMalformedOutput"
	AllProvidersExhausted    Code = "AllProvidersExhausted"
	DeploymentConflict       Code = "DeploymentConflict"
	DeploymentForbidden      Code = "DeploymentForbidden"
	DeploymentTransportError Code = "DeploymentTransportError"
	Cancelled                Code = "Cancelled"
	Internal                 Code = "Internal"
)

// Stage names the pipeline step that produced an error.
type Stage string

const (
	StageSnapshot Stage = "snapshot"
	StageGenerate Stage = "generate"
	StageDeploy   Stage = "deploy"
)

// Error is a classified pipeline error.
type Error struct {
	Code     Code   `json:"code"`
	Stage    Stage  `json:"stage,omitempty"`
	Provider string `json:"provider,omitempty"`
	Remote   string `json:"remote,omitempty"`
	Message  string `json:"message"`
	Cause    error  `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Stage != "" {
		fmt.Fprintf(&b, " [%s]", e.Stage)
	}
	if e.Provider != "" {
		fmt.Fprintf(&b, " provider=%s", e.Provider)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error without a cause.
func New(code Code, stage Stage, message string) *Error {
	return &Error{Code: code, Stage: stage, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, stage Stage, format string, args ...any) *Error {
	return New(code, stage, fmt.Sprintf(format, args...))
}

// Wrap classifies err. A context cancellation anywhere in the chain
// overrides code with Cancelled.
func Wrap(err error, code Code, stage Stage, message string) *Error {
	if errors.Is(err, context.Canceled) {
		code = Cancelled
	}
	return &Error{Code: code, Stage: stage, Message: message, Cause: err}
}

// WithProvider records the provider involved.
func (e *Error) WithProvider(name string) *Error {
	e.Provider = name
	return e
}

// WithRemote records the remote system's own error text.
func (e *Error) WithRemote(msg string) *Error {
	e.Remote = msg
	return e
}

// CodeOf returns the Code for err. Cancellation wins over any other
// classification; unclassified errors are Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Internal
}

// Is reports whether err classifies as code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// From returns err as an *Error, classifying unknown errors as Internal
// under stage.
func From(err error, stage Stage) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Code != Cancelled && errors.Is(err, context.Canceled) {
			cp := *fe
			cp.Code = Cancelled
			return &cp
		}
		return fe
	}
	return Wrap(err, Internal, stage, "unexpected error")
}
