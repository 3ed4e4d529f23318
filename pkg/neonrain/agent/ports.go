// Package agent implements the per-connection agent session: the state
// machine that turns AI tool invocations into paced, cancellable replies.
package agent

import (
	"context"
	"fmt"
)

// Persona holds the free-text persona parameters for one agent. The core
// passes them through to the AI capability without interpreting them.
type Persona struct {
	Name          string   `yaml:"name" json:"name"`
	Personality   string   `yaml:"personality" json:"personality"`
	Rules         string   `yaml:"rules" json:"rules"`
	ReferenceInfo string   `yaml:"reference_info" json:"reference_info"`
	ReferenceDocs []string `yaml:"reference_docs" json:"reference_docs"`
}

// OutcomeStatus classifies a tool acknowledgment.
type OutcomeStatus string

const (
	OutcomeSuccess  OutcomeStatus = "success"
	OutcomeCanceled OutcomeStatus = "canceled"
	OutcomeFailure  OutcomeStatus = "failure"
)

// ToolOutcome is the acknowledgment sent back for a tool invocation.
type ToolOutcome struct {
	Status OutcomeStatus
	Result string // set for success
	Reason string // set for canceled
	Error  string // set for failure
}

// Success builds a success outcome carrying the tool result.
func Success(result string) ToolOutcome {
	return ToolOutcome{Status: OutcomeSuccess, Result: result}
}

// Canceled builds a canceled outcome with a human-readable reason.
func Canceled(reason string) ToolOutcome {
	return ToolOutcome{Status: OutcomeCanceled, Reason: reason}
}

// Failure builds a failure outcome from an error.
func Failure(err error) ToolOutcome {
	return ToolOutcome{Status: OutcomeFailure, Error: err.Error()}
}

// EventSink receives asynchronous events from an open AI connection.
// The Session implements it.
type EventSink interface {
	// ToolInvoked is called when the AI capability invokes a tool.
	ToolInvoked(correlationID, toolName string, args map[string]any)

	// CancelRequested is called when the capability itself asks to cancel
	// an in-flight tool invocation.
	CancelRequested(correlationID, reason string)
}

// Client opens connections to the external AI capability. One connection
// is exclusively owned by one session and never shared.
type Client interface {
	Open(ctx context.Context, persona Persona, events EventSink) (Conn, error)
}

// Conn is a live connection to the AI capability.
type Conn interface {
	// PushContext sends a context update describing the conversation state.
	PushContext(ctx context.Context, description, transcript string) error

	// AcknowledgeTool resolves a tool invocation by correlation ID.
	AcknowledgeTool(ctx context.Context, correlationID string, outcome ToolOutcome) error

	// Close releases the connection.
	Close() error
}

// Effects receives the session's connection-facing side effects. The
// registry binds an implementation to the owning connection; every method
// is best-effort from the session's point of view.
type Effects interface {
	TypingStarted()
	TypingStopped()
	ReplyReady(text string)
}

// Errors.
var (
	ErrReplyPending  = fmt.Errorf("a reply is already pending for this session")
	ErrSessionClosed = fmt.Errorf("session is closed")
)
