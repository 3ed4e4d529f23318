package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// EchoClient is an in-process stand-in for the external AI capability,
// used by local development and tests. Every context update triggers one
// send_reply invocation echoing the newest message back in persona.
type EchoClient struct{}

// Open returns a connection that replies to every context update.
func (c *EchoClient) Open(ctx context.Context, persona Persona, events EventSink) (Conn, error) {
	return &echoConn{persona: persona, events: events}, nil
}

type echoConn struct {
	persona Persona
	events  EventSink
	closed  bool
	mu      sync.Mutex
}

func (c *echoConn) PushContext(ctx context.Context, description, transcript string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	events := c.events
	c.mu.Unlock()

	lines := strings.Split(strings.TrimSpace(transcript), "\n")
	last := lines[len(lines)-1]
	if _, content, ok := strings.Cut(last, ": "); ok {
		last = content
	}

	reply := c.persona.Name + " heard: " + last
	go events.ToolInvoked(uuid.NewString(), ReplyTool, map[string]any{"message": reply})
	return nil
}

func (c *echoConn) AcknowledgeTool(ctx context.Context, correlationID string, outcome ToolOutcome) error {
	return nil
}

func (c *echoConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ Client = (*EchoClient)(nil)
