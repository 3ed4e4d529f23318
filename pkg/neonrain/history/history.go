// Package history implements the bounded per-conversation message window.
// Each conversation keeps its own fixed-capacity slice of recent messages,
// lazily hydrated from external storage and trimmed FIFO on overflow.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is the default number of messages retained per conversation.
const DefaultCapacity = 50

// Role identifies the author side of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is a single conversation message. Immutable once created.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Author         string    `json:"author"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// FetchRecent retrieves up to limit recent messages for a conversation,
// ordered oldest first. Implemented by the storage layer and by chat
// surfaces that can read platform history (e.g. Discord).
type FetchRecent func(ctx context.Context, conversationID string, limit int) ([]Message, error)

// window holds the bounded message slice for one conversation.
// All fields are guarded by mu.
type window struct {
	messages    []Message
	ids         map[string]bool
	initialized bool
	lastActive  time.Time
	mu          sync.Mutex
}

// Manager owns the windows of all conversations. The manager's own lock
// only guards the conversation map; each window has its own mutex so
// unrelated conversations never serialize behind each other.
type Manager struct {
	windows  map[string]*window
	capacity int
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewManager creates a window manager. capacity <= 0 selects DefaultCapacity.
func NewManager(capacity int, logger *slog.Logger) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		windows:  make(map[string]*window),
		capacity: capacity,
		logger:   logger.With("component", "history"),
	}
}

// Ensure returns the window for a conversation, creating an empty,
// uninitialized one if absent. Idempotent.
func (m *Manager) Ensure(conversationID string) {
	m.ensure(conversationID)
}

func (m *Manager) ensure(conversationID string) *window {
	m.mu.RLock()
	w, ok := m.windows[conversationID]
	m.mu.RUnlock()
	if ok {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the write lock.
	if w, ok := m.windows[conversationID]; ok {
		return w
	}
	w = &window{ids: make(map[string]bool), lastActive: time.Now()}
	m.windows[conversationID] = w
	return w
}

// Hydrate fills an uninitialized window from the supplied fetch capability.
// Exactly one fetch happens even under concurrent first access; a fetch
// error leaves the window uninitialized so a later call can retry.
func (m *Manager) Hydrate(ctx context.Context, conversationID string, fetch FetchRecent) error {
	w := m.ensure(conversationID)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.initialized {
		return nil
	}

	msgs, err := fetch(ctx, conversationID, m.capacity)
	if err != nil {
		return fmt.Errorf("hydrating conversation %s: %w", conversationID, err)
	}

	// All-or-nothing: build into the window only after the fetch succeeded.
	// Fetched ranges may overlap live appends, so dedupe by ID here too.
	for _, msg := range msgs {
		if w.ids[msg.ID] {
			continue
		}
		w.messages = append(w.messages, msg)
		w.ids[msg.ID] = true
	}
	w.trimLocked(m.capacity)
	w.initialized = true
	w.lastActive = time.Now()

	m.logger.Debug("window hydrated", "conversation_id", conversationID, "messages", len(w.messages))
	return nil
}

// Append inserts a message unless one with the same ID is already present,
// then evicts from the front until the window fits its capacity.
func (m *Manager) Append(conversationID string, msg Message) {
	w := m.ensure(conversationID)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ids[msg.ID] {
		return
	}
	w.messages = append(w.messages, msg)
	w.ids[msg.ID] = true
	w.trimLocked(m.capacity)
	w.lastActive = time.Now()
}

// Snapshot returns an independent copy of the conversation's messages in
// insertion order. Callers never observe a window mutated mid-read.
func (m *Manager) Snapshot(conversationID string) []Message {
	w := m.ensure(conversationID)

	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Message, len(w.messages))
	copy(out, w.messages)
	return out
}

// Len returns the current number of messages in the window.
func (m *Manager) Len(conversationID string) int {
	w := m.ensure(conversationID)
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

// Render flattens the window into a newline-joined "author: content"
// transcript for the AI context. nameFor maps each role to a display name;
// when it returns empty, the message's own author name is used.
func (m *Manager) Render(conversationID string, nameFor func(Role) string) string {
	w := m.ensure(conversationID)

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.messages) == 0 {
		return ""
	}

	var b strings.Builder
	for i, msg := range w.messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		name := ""
		if nameFor != nil {
			name = nameFor(msg.Role)
		}
		if name == "" {
			name = msg.Author
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(msg.Content)
	}
	return b.String()
}

// Invalidate drops a conversation's window entirely. Called when external
// storage deletes the conversation; the next access starts uninitialized.
func (m *Manager) Invalidate(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, conversationID)
}

// trimLocked evicts oldest messages until the window fits capacity.
// Caller must hold w.mu.
func (w *window) trimLocked(capacity int) {
	for len(w.messages) > capacity {
		delete(w.ids, w.messages[0].ID)
		w.messages = w.messages[1:]
	}
}
