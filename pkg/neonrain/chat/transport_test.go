package chat

import (
	"testing"
)

func TestTransportMux_RoutesByScheme(t *testing.T) {
	t.Parallel()

	ws := &recordingTransport{}
	discord := &recordingTransport{}
	mux := NewTransportMux()
	mux.Register("ws", ws)
	mux.Register("discord", discord)

	if err := mux.Send("ws:abc", EventMessage, "hi"); err != nil {
		t.Fatalf("Send(ws:abc) error = %v", err)
	}
	if err := mux.Send("discord:123", EventTypingStart, nil); err != nil {
		t.Fatalf("Send(discord:123) error = %v", err)
	}

	if got := ws.names(); len(got) != 1 || got[0] != EventMessage {
		t.Errorf("ws transport received %v", got)
	}
	if got := discord.names(); len(got) != 1 || got[0] != EventTypingStart {
		t.Errorf("discord transport received %v", got)
	}
}

func TestTransportMux_SendErrors(t *testing.T) {
	t.Parallel()

	mux := NewTransportMux()
	mux.Register("ws", &recordingTransport{})

	if err := mux.Send("no-scheme-here", EventMessage, nil); err == nil {
		t.Error("Send() = nil for an unprefixed connection id, want error")
	}
	if err := mux.Send("telegram:1", EventMessage, nil); err == nil {
		t.Error("Send() = nil for an unregistered scheme, want error")
	}
}

func TestTransportMux_CloseReleasesTransports(t *testing.T) {
	t.Parallel()

	ws := &recordingTransport{}
	mux := NewTransportMux()
	mux.Register("ws", ws)

	if err := mux.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	ws.mu.Lock()
	closed := ws.closed
	ws.mu.Unlock()
	if !closed {
		t.Error("registered transport was not closed")
	}
	if err := mux.Send("ws:abc", EventMessage, nil); err == nil {
		t.Error("Send() = nil after close, want error")
	}
}
