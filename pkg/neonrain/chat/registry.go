// Package chat implements the session registry: the multiplexing layer
// that maps live client connections to agent sessions and relays messages
// between the transport, storage, and the AI capability.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zggf-zggf/neonrain/pkg/neonrain/agent"
	"github.com/zggf-zggf/neonrain/pkg/neonrain/history"
)

// Outbound event names relayed to connections.
const (
	EventMessage     = "message"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventError       = "error"
)

// Transport sends events to client connections. Surfaces (web gateway,
// Discord) implement it; see TransportMux for running several at once.
type Transport interface {
	Send(connectionID, event string, payload any) error
}

// MessageStore persists conversation messages. Append returns the stored
// copy carrying the identifier and timestamp assigned by storage, which is
// what gets relayed back to observers.
type MessageStore interface {
	Append(ctx context.Context, conversationID string, role history.Role, author, content string) (history.Message, error)
}

// OpenRequest describes a connection being attached to a conversation.
type OpenRequest struct {
	ConnectionID   string
	ConversationID string
	Persona        agent.Persona

	// Fetch overrides the registry's default history-fetch capability for
	// this conversation, e.g. a surface that can read platform history.
	Fetch history.FetchRecent
}

// ErrNoSession is returned when an operation references a connection that
// was never opened (or already closed).
var ErrNoSession = fmt.Errorf("no session for connection")

// Registry owns all live agent sessions, keyed by connection identifier.
// The registry lock guards only the session map; each session has its own
// lock, so unrelated connections never serialize behind each other.
type Registry struct {
	sessions  map[string]*agent.Session
	windows   *history.Manager
	store     MessageStore
	fetch     history.FetchRecent
	ai        agent.Client
	transport Transport
	opts      agent.Options
	logger    *slog.Logger

	closed bool
	mu     sync.RWMutex
}

// NewRegistry creates a registry. fetch backs window hydration and may be
// nil when no external history exists.
func NewRegistry(ai agent.Client, transport Transport, store MessageStore, windows *history.Manager, fetch history.FetchRecent, opts agent.Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:  make(map[string]*agent.Session),
		windows:   windows,
		store:     store,
		fetch:     fetch,
		ai:        ai,
		transport: transport,
		opts:      opts,
		logger:    logger.With("component", "registry"),
	}
}

// Open resolves the agent session for a connection, hydrating the
// conversation window and completing the AI-capability handshake before
// returning. A connection identifier that already has a session gets its
// prior session torn down first: never two live sessions under one key.
func (r *Registry) Open(ctx context.Context, req OpenRequest) (*agent.Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry is shut down")
	}
	prior := r.sessions[req.ConnectionID]
	delete(r.sessions, req.ConnectionID)
	r.mu.Unlock()

	if prior != nil {
		r.logger.Info("replacing session", "connection_id", req.ConnectionID)
		if err := prior.Close(); err != nil {
			r.logger.Warn("closing replaced session", "connection_id", req.ConnectionID, "error", err)
		}
	}

	fetch := req.Fetch
	if fetch == nil {
		fetch = r.fetch
	}
	r.windows.Ensure(req.ConversationID)
	if fetch != nil {
		if err := r.windows.Hydrate(ctx, req.ConversationID, fetch); err != nil {
			return nil, err
		}
	}

	effects := &connEffects{
		registry:       r,
		connectionID:   req.ConnectionID,
		conversationID: req.ConversationID,
		personaName:    req.Persona.Name,
	}

	session, err := r.openSession(ctx, req, effects)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		session.Close()
		return nil, fmt.Errorf("registry is shut down")
	}
	// A concurrent Open under the same key may have won the race while the
	// handshake was in flight; the later registration wins.
	if racer := r.sessions[req.ConnectionID]; racer != nil {
		r.mu.Unlock()
		session.Close()
		return racer, nil
	}
	r.sessions[req.ConnectionID] = session
	r.mu.Unlock()

	r.logger.Info("session opened",
		"connection_id", req.ConnectionID,
		"conversation_id", req.ConversationID,
		"persona", req.Persona.Name,
	)
	return session, nil
}

func (r *Registry) openSession(ctx context.Context, req OpenRequest, effects agent.Effects) (*agent.Session, error) {
	session := &sessionHolder{}
	conn, err := r.ai.Open(ctx, req.Persona, session)
	if err != nil {
		return nil, fmt.Errorf("opening AI connection: %w", err)
	}
	s := agent.NewSession(req.ConnectionID, req.ConversationID, req.Persona, conn, r.windows, effects, r.opts, r.logger)
	session.set(s)
	return s, nil
}

// Route handles an inbound user message: persist it, append it to the
// window, echo it back to the connection, then hand it to the session.
// A pending reply is cancelled first so at most one stays in flight.
func (r *Registry) Route(ctx context.Context, connectionID, text, senderName string) error {
	session := r.lookup(connectionID)
	if session == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, connectionID)
	}

	session.Cancel("superseded by a new message")

	stored, err := r.store.Append(ctx, session.ConversationID, history.RoleUser, senderName, text)
	if err != nil {
		r.send(connectionID, EventError, map[string]string{"message": "failed to store message"})
		return fmt.Errorf("storing user message: %w", err)
	}

	// The echo must reach observers before the message is used to build
	// the AI context.
	r.windows.Append(session.ConversationID, stored)
	r.send(connectionID, EventMessage, stored)

	if err := session.HandleUserMessage(ctx, senderName); err != nil {
		r.send(connectionID, EventError, map[string]string{"message": "agent is unavailable"})
		return err
	}
	return nil
}

// Cancel disarms the connection's pending reply, if any.
func (r *Registry) Cancel(connectionID string) error {
	session := r.lookup(connectionID)
	if session == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, connectionID)
	}
	session.Cancel("cancelled by user")
	return nil
}

// Close tears down the connection's session and removes the registry
// entry. Closing an unknown connection is a no-op.
func (r *Registry) Close(connectionID string) {
	r.mu.Lock()
	session := r.sessions[connectionID]
	delete(r.sessions, connectionID)
	r.mu.Unlock()

	if session == nil {
		return
	}
	if err := session.Close(); err != nil {
		r.logger.Warn("closing session", "connection_id", connectionID, "error", err)
	}
	r.logger.Info("session closed", "connection_id", connectionID)
}

// Shutdown closes every registered session and then releases the
// transport layer. Used for graceful process termination.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*agent.Session)
	r.mu.Unlock()

	for id, session := range sessions {
		if err := session.Close(); err != nil {
			r.logger.Warn("closing session during shutdown", "connection_id", id, "error", err)
		}
	}
	if closer, ok := r.transport.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			r.logger.Warn("closing transport", "error", err)
		}
	}
	r.logger.Info("registry shut down", "sessions_closed", len(sessions))
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SessionInfo is read-only session metadata for status endpoints.
type SessionInfo struct {
	ConnectionID   string      `json:"connection_id"`
	ConversationID string      `json:"conversation_id"`
	State          agent.State `json:"state"`
	CreatedAt      time.Time   `json:"created_at"`
}

// List returns metadata for all live sessions.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			ConnectionID:   s.ConnectionID,
			ConversationID: s.ConversationID,
			State:          s.State(),
			CreatedAt:      s.CreatedAt,
		})
	}
	return out
}

func (r *Registry) lookup(connectionID string) *agent.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[connectionID]
}

// send relays an event to a connection, logging transport failures. A
// dead connection never propagates an error back into session state.
func (r *Registry) send(connectionID, event string, payload any) {
	if err := r.transport.Send(connectionID, event, payload); err != nil {
		r.logger.Warn("transport send failed", "connection_id", connectionID, "event", event, "error", err)
	}
}

// connEffects binds a session's side effects to its owning connection.
type connEffects struct {
	registry       *Registry
	connectionID   string
	conversationID string
	personaName    string
}

func (e *connEffects) TypingStarted() {
	e.registry.send(e.connectionID, EventTypingStart, nil)
}

func (e *connEffects) TypingStopped() {
	e.registry.send(e.connectionID, EventTypingStop, nil)
}

// ReplyReady persists and relays a delivered agent reply. Storage errors
// fall back to a locally generated identifier so the reply still reaches
// the connection and the window.
func (e *connEffects) ReplyReady(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stored, err := e.registry.store.Append(ctx, e.conversationID, history.RoleAgent, e.personaName, text)
	if err != nil {
		e.registry.logger.Warn("storing agent reply failed", "conversation_id", e.conversationID, "error", err)
		stored = history.Message{
			ID:             uuid.NewString(),
			ConversationID: e.conversationID,
			Role:           history.RoleAgent,
			Author:         e.personaName,
			Content:        text,
			Timestamp:      time.Now(),
		}
	}
	e.registry.windows.Append(e.conversationID, stored)
	e.registry.send(e.connectionID, EventMessage, stored)
}

// sessionHolder breaks the construction cycle between a session and the
// AI connection that needs it as an event sink: events arriving before
// the session is set are dropped (the handshake has not completed).
type sessionHolder struct {
	mu sync.Mutex
	s  *agent.Session
}

func (h *sessionHolder) set(s *agent.Session) {
	h.mu.Lock()
	h.s = s
	h.mu.Unlock()
}

func (h *sessionHolder) get() *agent.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.s
}

func (h *sessionHolder) ToolInvoked(correlationID, toolName string, args map[string]any) {
	if s := h.get(); s != nil {
		s.ToolInvoked(correlationID, toolName, args)
	}
}

func (h *sessionHolder) CancelRequested(correlationID, reason string) {
	if s := h.get(); s != nil {
		s.CancelRequested(correlationID, reason)
	}
}
