package chat

import (
	"fmt"
	"strings"
	"sync"
)

// TransportMux dispatches sends to the surface owning the connection.
// Connection identifiers are scheme-prefixed ("ws:abc123", "discord:456");
// the prefix selects the registered transport.
type TransportMux struct {
	transports map[string]Transport
	mu         sync.RWMutex
}

// NewTransportMux creates an empty mux.
func NewTransportMux() *TransportMux {
	return &TransportMux{transports: make(map[string]Transport)}
}

// Register attaches a transport under a connection-ID scheme.
func (m *TransportMux) Register(scheme string, t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[scheme] = t
}

// Send routes the event to the transport owning the connection.
func (m *TransportMux) Send(connectionID, event string, payload any) error {
	scheme, _, ok := strings.Cut(connectionID, ":")
	if !ok {
		return fmt.Errorf("connection id %q has no scheme prefix", connectionID)
	}

	m.mu.RLock()
	t := m.transports[scheme]
	m.mu.RUnlock()

	if t == nil {
		return fmt.Errorf("no transport registered for scheme %q", scheme)
	}
	return t.Send(connectionID, event, payload)
}

// Close releases every registered transport that supports closing.
func (m *TransportMux) Close() error {
	m.mu.Lock()
	transports := m.transports
	m.transports = make(map[string]Transport)
	m.mu.Unlock()

	var firstErr error
	for _, t := range transports {
		if closer, ok := t.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var _ Transport = (*TransportMux)(nil)
