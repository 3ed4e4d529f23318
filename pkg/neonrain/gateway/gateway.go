// Package gateway serves the web chat surface: an HTTP endpoint that
// upgrades to a websocket per browser tab, each tab holding its own
// connection ID and therefore its own agent session.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zggf-zggf/neonrain/pkg/neonrain/agent"
	"github.com/zggf-zggf/neonrain/pkg/neonrain/chat"
)

// Scheme is the connection-ID prefix for websocket connections.
const Scheme = "ws"

// TokenValidator checks minted gateway tokens. Implemented by the store.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (bool, error)
}

// Config holds the gateway configuration.
type Config struct {
	Address      string
	RequireToken bool
}

// Event is the wire frame sent to and received from web clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// inboundEvent is what clients send: message or cancel.
type inboundEvent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Gateway is the web chat HTTP server and the chat.Transport for "ws:"
// connections.
type Gateway struct {
	cfg      Config
	registry *chat.Registry
	persona  agent.Persona
	tokens   TokenValidator
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	// conns maps connection IDs to their websocket; each connection has
	// its own write lock because gorilla allows one concurrent writer.
	conns map[string]*wsConn
	mu    sync.RWMutex
}

type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

// New creates a gateway bound to a registry.
func New(cfg Config, registry *chat.Registry, persona agent.Persona, tokens TokenValidator, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8090"
	}
	return &Gateway{
		cfg:      cfg,
		registry: registry,
		persona:  persona,
		tokens:   tokens,
		logger:   logger.With("component", "gateway"),
		conns:    make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser front end may be served from another origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start begins serving in the background.
func (g *Gateway) Start(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", g.handleHealth)
	r.Get("/ws", g.handleWS)

	g.server = &http.Server{Addr: g.cfg.Address, Handler: r}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.cfg.Address)
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

// Close closes every open websocket. Satisfies the transport closer
// contract used by registry shutdown.
func (g *Gateway) Close() error {
	g.mu.Lock()
	conns := g.conns
	g.conns = make(map[string]*wsConn)
	g.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	return nil
}

// Send implements chat.Transport for "ws:" connections.
func (g *Gateway) Send(connectionID, event string, payload any) error {
	g.mu.RLock()
	c := g.conns[connectionID]
	g.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("gateway: connection %s is gone", connectionID)
	}
	return c.writeJSON(Event{Type: event, Payload: payload})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, g.registry.Count())
}

// handleWS upgrades the request, opens the agent session, and pumps
// inbound events until the socket closes. Teardown runs on every exit
// path so the registry never leaks entries for dead connections.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if g.cfg.RequireToken {
		ok, err := g.tokens.ValidateToken(r.Context(), r.URL.Query().Get("token"))
		if err != nil {
			http.Error(w, "token check failed", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
	}

	conversationID := r.URL.Query().Get("conversation")
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	senderName := r.URL.Query().Get("name")
	if senderName == "" {
		senderName = "You"
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	connectionID := Scheme + ":" + uuid.NewString()
	conn := &wsConn{ws: ws}

	g.mu.Lock()
	g.conns[connectionID] = conn
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.conns, connectionID)
		g.mu.Unlock()
		g.registry.Close(connectionID)
		ws.Close()
	}()

	if _, err := g.registry.Open(r.Context(), chat.OpenRequest{
		ConnectionID:   connectionID,
		ConversationID: conversationID,
		Persona:        g.persona,
	}); err != nil {
		g.logger.Error("session open failed", "connection_id", connectionID, "error", err)
		conn.writeJSON(Event{Type: chat.EventError, Payload: map[string]string{"message": "could not start the agent"}})
		return
	}

	conn.writeJSON(Event{Type: "ready", Payload: map[string]string{
		"connection_id":   connectionID,
		"conversation_id": conversationID,
	}})

	g.logger.Info("connection opened", "connection_id", connectionID, "conversation_id", conversationID)

	ctx := context.Background()
	for {
		var in inboundEvent
		if err := ws.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("connection dropped", "connection_id", connectionID, "error", err)
			}
			return
		}

		switch in.Type {
		case "message":
			if in.Text == "" {
				continue
			}
			if err := g.registry.Route(ctx, connectionID, in.Text, senderName); err != nil {
				g.logger.Warn("route failed", "connection_id", connectionID, "error", err)
			}
		case "cancel":
			if err := g.registry.Cancel(connectionID); err != nil {
				g.logger.Warn("cancel failed", "connection_id", connectionID, "error", err)
			}
		default:
			g.logger.Debug("ignoring unknown event", "connection_id", connectionID, "type", in.Type)
		}
	}
}

var _ chat.Transport = (*Gateway)(nil)
