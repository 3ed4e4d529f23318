package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zggf-zggf/neonrain/pkg/neonrain/history"
)

// ReplyTool is the tool name the AI capability invokes to send a reply.
const ReplyTool = "send_reply"

// Pacing defaults: replies are delayed as if typed at TypingWPM, never
// faster than MinReplyDelay and never slower than MaxReplyDelay.
const (
	TypingWPM     = 90
	MinReplyDelay = 500 * time.Millisecond
	MaxReplyDelay = 30 * time.Second
)

// State is the session state: idle (no pending reply) or typing.
type State string

const (
	StateIdle   State = "idle"
	StateTyping State = "typing"
)

// pendingReply is one armed, in-flight agent turn.
type pendingReply struct {
	correlationID string
	text          string
	deadline      time.Time
	timer         *time.Timer
}

// Session coordinates one conversation's interaction with the AI capability
// for one live connection. All state transitions happen under the session's
// own lock; the registry and timers never touch fields directly.
type Session struct {
	ConnectionID   string
	ConversationID string
	CreatedAt      time.Time

	persona Persona
	conn    Conn
	windows *history.Manager
	effects Effects
	logger  *slog.Logger

	wpm      int
	minDelay time.Duration
	maxDelay time.Duration

	pending *pendingReply
	closed  bool
	mu      sync.Mutex
}

// Options tune a session's pacing. Zero values select the defaults.
type Options struct {
	TypingWPM     int
	MinReplyDelay time.Duration
	MaxReplyDelay time.Duration
}

// NewSession creates a session bound to an open AI connection. The caller
// (the registry) has already resolved the conversation and hydrated its
// window.
func NewSession(connectionID, conversationID string, persona Persona, conn Conn, windows *history.Manager, effects Effects, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TypingWPM <= 0 {
		opts.TypingWPM = TypingWPM
	}
	if opts.MinReplyDelay <= 0 {
		opts.MinReplyDelay = MinReplyDelay
	}
	if opts.MaxReplyDelay <= 0 {
		opts.MaxReplyDelay = MaxReplyDelay
	}
	return &Session{
		ConnectionID:   connectionID,
		ConversationID: conversationID,
		CreatedAt:      time.Now(),
		persona:        persona,
		conn:           conn,
		windows:        windows,
		effects:        effects,
		logger:         logger.With("component", "session", "connection_id", connectionID),
		wpm:            opts.TypingWPM,
		minDelay:       opts.MinReplyDelay,
		maxDelay:       opts.MaxReplyDelay,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return StateTyping
	}
	return StateIdle
}

// Persona returns the session's persona parameters.
func (s *Session) Persona() Persona { return s.persona }

// HandleUserMessage pushes the conversation window plus the new message to
// the AI capability as a single context update. Valid only while idle; the
// caller must cancel any pending reply first.
func (s *Session) HandleUserMessage(ctx context.Context, senderName string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.pending != nil {
		s.mu.Unlock()
		return ErrReplyPending
	}
	conn := s.conn
	s.mu.Unlock()

	transcript := s.windows.Render(s.ConversationID, nil)
	description := fmt.Sprintf(
		"%s sent a new message in the conversation. Reply as %s using the %s tool, or stay silent.",
		senderName, s.persona.Name, ReplyTool,
	)
	if err := conn.PushContext(ctx, description, transcript); err != nil {
		return fmt.Errorf("pushing context update: %w", err)
	}
	return nil
}

// ToolInvoked handles an asynchronous tool invocation from the AI
// capability. A valid send_reply arms the pacing timer and moves the
// session to typing; anything else is acknowledged as a failure with no
// state change.
func (s *Session) ToolInvoked(correlationID, toolName string, args map[string]any) {
	if toolName != ReplyTool {
		s.logger.Warn("unknown tool invoked", "tool", toolName, "correlation_id", correlationID)
		s.ackTool(correlationID, Failure(fmt.Errorf("unknown tool %q", toolName)))
		return
	}

	text, ok := args["message"].(string)
	if !ok || text == "" {
		s.logger.Warn("reply tool missing message argument", "correlation_id", correlationID)
		s.ackTool(correlationID, Failure(fmt.Errorf("%s requires a message argument", ReplyTool)))
		return
	}

	delay := replyDelay(text, s.wpm, s.minDelay, s.maxDelay)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.ackTool(correlationID, Canceled("session closed"))
		return
	}
	if s.pending != nil {
		s.mu.Unlock()
		s.logger.Warn("reply tool invoked while a reply is pending", "correlation_id", correlationID)
		s.ackTool(correlationID, Failure(ErrReplyPending))
		return
	}
	p := &pendingReply{
		correlationID: correlationID,
		text:          text,
		deadline:      time.Now().Add(delay),
	}
	s.pending = p
	// Signal before the timer is armed: a fire or cancel takes this lock,
	// so typing-stopped can never precede typing-started even when the
	// deadline is shorter than the arm-to-signal latency.
	s.effects.TypingStarted()
	p.timer = time.AfterFunc(delay, func() { s.fire(correlationID) })
	s.mu.Unlock()

	s.logger.Debug("reply armed", "correlation_id", correlationID, "delay", delay, "words", len(strings.Fields(text)))
}

// fire delivers the pending reply when its deadline elapses. Firing and
// cancellation are mutually exclusive: whichever clears the pending reply
// under the lock first wins, the other becomes a no-op.
func (s *Session) fire(correlationID string) {
	s.mu.Lock()
	p := s.pending
	if s.closed || p == nil || p.correlationID != correlationID {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()

	s.effects.TypingStopped()
	s.effects.ReplyReady(p.text)
	s.ackTool(correlationID, Success("reply delivered"))
	s.logger.Debug("reply delivered", "correlation_id", correlationID)
}

// Cancel disarms the pending reply, if any, and acknowledges the tool call
// as canceled. Cancelling with no pending reply is a no-op, not an error.
// Returns true when a reply was actually cancelled.
func (s *Session) Cancel(reason string) bool {
	s.mu.Lock()
	p := s.pending
	if p == nil {
		s.mu.Unlock()
		return false
	}
	s.pending = nil
	p.timer.Stop()
	s.mu.Unlock()

	s.ackTool(p.correlationID, Canceled(reason))
	s.effects.TypingStopped()
	s.logger.Debug("reply cancelled", "correlation_id", p.correlationID, "reason", reason)
	return true
}

// CancelRequested handles a cancel pushed by the AI capability itself.
// A correlation ID that does not match the pending reply is logged and
// ignored, with no state change.
func (s *Session) CancelRequested(correlationID, reason string) {
	s.mu.Lock()
	p := s.pending
	if p == nil || p.correlationID != correlationID {
		s.mu.Unlock()
		s.logger.Warn("cancel requested for unknown correlation id", "correlation_id", correlationID)
		return
	}
	s.pending = nil
	p.timer.Stop()
	s.mu.Unlock()

	s.ackTool(correlationID, Canceled(reason))
	s.effects.TypingStopped()
	s.logger.Debug("reply cancelled by capability", "correlation_id", correlationID, "reason", reason)
}

// Close cancels any pending reply best-effort and releases the AI
// connection. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	p := s.pending
	s.pending = nil
	conn := s.conn
	s.mu.Unlock()

	if p != nil {
		p.timer.Stop()
		// The connection may already be unreachable; the typing signal is
		// best-effort and the ack must still go out.
		s.ackTool(p.correlationID, Canceled("session closed"))
		s.effects.TypingStopped()
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("closing AI connection: %w", err)
	}
	return nil
}

// ackTool acknowledges a tool invocation, logging failures instead of
// propagating them: a lost ack must never wedge the session.
func (s *Session) ackTool(correlationID string, outcome ToolOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.conn.AcknowledgeTool(ctx, correlationID, outcome); err != nil {
		s.logger.Warn("tool acknowledgment failed",
			"correlation_id", correlationID, "status", outcome.Status, "error", err)
	}
}

// replyDelay computes the human-pacing delay for a reply: proportional to
// typing the text at wpm words per minute, clamped to [min, max].
func replyDelay(text string, wpm int, min, max time.Duration) time.Duration {
	words := len(strings.Fields(text))
	d := time.Duration(float64(words) / float64(wpm) * float64(time.Minute))
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
