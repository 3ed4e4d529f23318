package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/zggf-zggf/neonrain/pkg/neonrain/agent"
	"github.com/zggf-zggf/neonrain/pkg/neonrain/history"
)

// recordingTransport captures every relayed event in order.
type recordingTransport struct {
	mu     sync.Mutex
	events []sentEvent
	closed bool
}

type sentEvent struct {
	connectionID string
	event        string
	payload      any
}

func (t *recordingTransport) Send(connectionID, event string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, sentEvent{connectionID, event, payload})
	return nil
}

func (t *recordingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *recordingTransport) names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.events))
	for i, e := range t.events {
		out[i] = e.event
	}
	return out
}

// memStore keeps appended messages in memory.
type memStore struct {
	mu       sync.Mutex
	messages []history.Message
	fail     bool
}

func (s *memStore) Append(ctx context.Context, conversationID string, role history.Role, author, content string) (history.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return history.Message{}, errors.New("storage down")
	}
	m := history.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Author:         author,
		Content:        content,
		Timestamp:      time.Now(),
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// stubClient hands out stub AI connections and records context pushes.
type stubClient struct {
	mu    sync.Mutex
	conns []*stubConn
}

type stubConn struct {
	mu     sync.Mutex
	pushes []string
	acks   []agent.ToolOutcome
	closed bool
}

func (c *stubClient) Open(ctx context.Context, persona agent.Persona, events agent.EventSink) (agent.Conn, error) {
	conn := &stubConn{}
	c.mu.Lock()
	c.conns = append(c.conns, conn)
	c.mu.Unlock()
	return conn, nil
}

func (c *stubConn) PushContext(ctx context.Context, description, transcript string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes = append(c.pushes, transcript)
	return nil
}

func (c *stubConn) AcknowledgeTool(ctx context.Context, correlationID string, outcome agent.ToolOutcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, outcome)
	return nil
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *stubConn) pushCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pushes)
}

func newTestRegistry(t *testing.T) (*Registry, *recordingTransport, *memStore, *stubClient) {
	t.Helper()
	transport := &recordingTransport{}
	store := &memStore{}
	client := &stubClient{}
	windows := history.NewManager(50, nil)
	r := NewRegistry(client, transport, store, windows, nil, agent.Options{}, nil)
	return r, transport, store, client
}

func open(t *testing.T, r *Registry, connectionID string) *agent.Session {
	t.Helper()
	s, err := r.Open(context.Background(), OpenRequest{
		ConnectionID:   connectionID,
		ConversationID: "conv-" + connectionID,
		Persona:        agent.Persona{Name: "Neon"},
	})
	if err != nil {
		t.Fatalf("Open(%q) error = %v", connectionID, err)
	}
	return s
}

func TestRegistry_OpenReplacesExistingSession(t *testing.T) {
	t.Parallel()
	transport := &recordingTransport{}
	store := &memStore{}
	client := &stubClient{}
	windows := history.NewManager(50, nil)
	r := NewRegistry(client, transport, store, windows, nil,
		agent.Options{MinReplyDelay: time.Hour, MaxReplyDelay: 2 * time.Hour}, nil)

	first := open(t, r, "c1")
	first.ToolInvoked(uuid.NewString(), agent.ReplyTool, map[string]any{"message": "stale reply"})
	if first.State() != agent.StateTyping {
		t.Fatal("first session did not arm the pending reply")
	}

	second := open(t, r, "c1")

	if first == second {
		t.Fatal("reopening returned the same session")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1 session per connection", r.Count())
	}
	if got := first.State(); got != agent.StateIdle {
		t.Errorf("replaced session State() = %v, want idle (pending reply cancelled)", got)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.conns) != 2 {
		t.Fatalf("opened %d AI connections, want 2", len(client.conns))
	}
	prior := client.conns[0]
	prior.mu.Lock()
	if len(prior.acks) != 1 || prior.acks[0].Status != agent.OutcomeCanceled {
		t.Errorf("replaced session acks = %+v, want one canceled ack", prior.acks)
	}
	if !prior.closed {
		t.Error("replaced session kept its AI connection open")
	}
	prior.mu.Unlock()
	if client.conns[1].closed {
		t.Error("live session's AI connection was closed")
	}
}

func TestRegistry_RouteWithoutSession(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newTestRegistry(t)

	err := r.Route(context.Background(), "ghost", "hello", "Alice")
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("Route() error = %v, want ErrNoSession", err)
	}
	if err := r.Cancel("ghost"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Cancel() error = %v, want ErrNoSession", err)
	}
}

func TestRegistry_RouteEchoesBeforeContext(t *testing.T) {
	t.Parallel()
	r, transport, store, client := newTestRegistry(t)
	open(t, r, "c1")

	if err := r.Route(context.Background(), "c1", "hello agent", "Alice"); err != nil {
		t.Fatalf("Route() error = %v", err)
	}

	if n := store.count(); n != 1 {
		t.Errorf("stored %d messages, want 1", n)
	}

	// The echo event precedes the context push to the AI capability.
	names := transport.names()
	if len(names) == 0 || names[0] != EventMessage {
		t.Fatalf("transport events = %v, want message echo first", names)
	}

	client.mu.Lock()
	conn := client.conns[0]
	client.mu.Unlock()
	if n := conn.pushCount(); n != 1 {
		t.Errorf("pushed %d context updates, want 1", n)
	}
	conn.mu.Lock()
	transcript := conn.pushes[0]
	conn.mu.Unlock()
	if want := "Alice: hello agent"; transcript != want {
		t.Errorf("transcript = %q, want %q", transcript, want)
	}
}

func TestRegistry_RouteStoreFailure(t *testing.T) {
	t.Parallel()
	r, transport, store, _ := newTestRegistry(t)
	open(t, r, "c1")

	store.fail = true
	err := r.Route(context.Background(), "c1", "hello", "Alice")
	if err == nil {
		t.Fatal("Route() = nil, want error when storage fails")
	}

	names := transport.names()
	if len(names) == 0 || names[len(names)-1] != EventError {
		t.Errorf("transport events = %v, want a trailing error event", names)
	}
}

func TestRegistry_RouteCancelsPendingReply(t *testing.T) {
	t.Parallel()
	transport := &recordingTransport{}
	store := &memStore{}
	client := &stubClient{}
	windows := history.NewManager(50, nil)
	r := NewRegistry(client, transport, store, windows, nil,
		agent.Options{MinReplyDelay: time.Hour, MaxReplyDelay: 2 * time.Hour}, nil)

	session := open(t, r, "c1")
	session.ToolInvoked(uuid.NewString(), agent.ReplyTool, map[string]any{"message": "stale reply"})
	if session.State() != agent.StateTyping {
		t.Fatal("session did not arm the pending reply")
	}

	if err := r.Route(context.Background(), "c1", "actually, new question", "Alice"); err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if got := session.State(); got != agent.StateIdle {
		t.Errorf("State() = %v after routing, want idle (pending reply cancelled)", got)
	}
}

func TestRegistry_CloseRemovesSession(t *testing.T) {
	t.Parallel()
	r, _, _, client := newTestRegistry(t)
	open(t, r, "c1")

	r.Close("c1")
	if r.Count() != 0 {
		t.Errorf("Count() = %d after close, want 0", r.Count())
	}
	client.mu.Lock()
	closed := client.conns[0].closed
	client.mu.Unlock()
	if !closed {
		t.Error("AI connection left open after close")
	}

	// Closing again is a no-op.
	r.Close("c1")
}

func TestRegistry_Shutdown(t *testing.T) {
	t.Parallel()
	r, transport, _, client := newTestRegistry(t)
	open(t, r, "c1")
	open(t, r, "c2")

	r.Shutdown()

	if r.Count() != 0 {
		t.Errorf("Count() = %d after shutdown, want 0", r.Count())
	}
	client.mu.Lock()
	for i, conn := range client.conns {
		if !conn.closed {
			t.Errorf("AI connection %d left open after shutdown", i)
		}
	}
	client.mu.Unlock()
	transport.mu.Lock()
	closed := transport.closed
	transport.mu.Unlock()
	if !closed {
		t.Error("transport left open after shutdown")
	}

	if _, err := r.Open(context.Background(), OpenRequest{ConnectionID: "c3", ConversationID: "conv3"}); err == nil {
		t.Error("Open() after shutdown = nil, want error")
	}
}

func TestRegistry_ReplyReadyPersistsAndRelays(t *testing.T) {
	t.Parallel()
	transport := &recordingTransport{}
	store := &memStore{}
	client := &stubClient{}
	windows := history.NewManager(50, nil)
	r := NewRegistry(client, transport, store, windows, nil,
		agent.Options{MinReplyDelay: 5 * time.Millisecond, MaxReplyDelay: 10 * time.Millisecond}, nil)

	session := open(t, r, "c1")
	session.ToolInvoked(uuid.NewString(), agent.ReplyTool, map[string]any{"message": "here is my answer"})

	deadline := time.After(2 * time.Second)
	for {
		if session.State() == agent.StateIdle && store.count() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("reply never delivered: state=%v stored=%d", session.State(), store.count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if n := windows.Len(session.ConversationID); n != 1 {
		t.Errorf("window holds %d messages, want the delivered reply", n)
	}
	names := transport.names()
	want := []string{EventTypingStart, EventTypingStop, EventMessage}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("transport events = %v, want %v", names, want)
	}
}

func TestRegistry_List(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newTestRegistry(t)
	open(t, r, "c1")

	infos := r.List()
	if len(infos) != 1 {
		t.Fatalf("List() returned %d entries, want 1", len(infos))
	}
	if infos[0].ConnectionID != "c1" || infos[0].ConversationID != "conv-c1" {
		t.Errorf("List()[0] = %+v", infos[0])
	}
	if infos[0].State != agent.StateIdle {
		t.Errorf("State = %v, want idle", infos[0].State)
	}
}
