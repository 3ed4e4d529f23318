// Package discord attaches the agent to Discord guilds using discordgo.
// Each guild channel the bot responds in maps to one connection and one
// conversation; sessions open lazily on the first inbound message.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/zggf-zggf/neonrain/pkg/neonrain/agent"
	"github.com/zggf-zggf/neonrain/pkg/neonrain/chat"
	"github.com/zggf-zggf/neonrain/pkg/neonrain/history"
)

// Scheme is the connection-ID prefix for Discord connections.
const Scheme = "discord"

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Config holds the Discord surface configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string

	// AllowedGuilds restricts which guild IDs the bot responds in.
	// Empty means respond everywhere.
	AllowedGuilds []string

	// AllowedChannels restricts which channel IDs the bot responds in.
	AllowedChannels []string
}

// Surface is the Discord chat surface. It implements chat.Transport for
// "discord:" connections and feeds inbound guild messages to the registry.
type Surface struct {
	cfg       Config
	registry  *chat.Registry
	persona   agent.Persona
	logger    *slog.Logger
	session   *discordgo.Session
	connected atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a Discord surface bound to a registry.
func New(cfg Config, registry *chat.Registry, persona agent.Persona, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{
		cfg:      cfg,
		registry: registry,
		persona:  persona,
		logger:   logger.With("component", "discord"),
	}
}

// Connect opens the Discord gateway connection and starts handling
// message-create events.
func (d *Surface) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)
	d.logger.Info("connected", "bot", session.State.User.Username, "id", session.State.User.ID)
	return nil
}

// Close disconnects from the Discord gateway. Satisfies the transport
// closer contract used by registry shutdown.
func (d *Surface) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.connected.Store(false)
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

// IsConnected reports the gateway connection state.
func (d *Surface) IsConnected() bool { return d.connected.Load() }

// Send implements chat.Transport for "discord:" connections. Agent
// replies become channel messages; typing signals map to the platform
// typing indicator. The user echo is skipped, Discord already shows it.
func (d *Surface) Send(connectionID, event string, payload any) error {
	if d.session == nil {
		return fmt.Errorf("discord: not connected")
	}
	channelID := strings.TrimPrefix(connectionID, Scheme+":")

	switch event {
	case chat.EventTypingStart:
		return d.session.ChannelTyping(channelID)
	case chat.EventTypingStop:
		// Discord's typing indicator expires on its own.
		return nil
	case chat.EventMessage:
		msg, ok := payload.(history.Message)
		if !ok || msg.Role != history.RoleAgent {
			return nil
		}
		return d.sendText(channelID, msg.Content)
	case chat.EventError:
		d.logger.Warn("session error event", "channel_id", channelID)
		return nil
	default:
		return nil
	}
}

// sendText sends message text, chunked at Discord's length limit.
func (d *Surface) sendText(channelID, text string) error {
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("discord: sending message: %w", err)
		}
	}
	return nil
}

// onMessageCreate routes inbound guild messages into the registry,
// opening the channel's session on first contact.
func (d *Surface) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if !allowed(d.cfg.AllowedGuilds, m.GuildID) || !allowed(d.cfg.AllowedChannels, m.ChannelID) {
		return
	}

	connectionID := Scheme + ":" + m.ChannelID
	text := m.Content
	sender := m.Author.Username

	err := d.registry.Route(d.ctx, connectionID, text, sender)
	if errors.Is(err, chat.ErrNoSession) {
		if _, err = d.registry.Open(d.ctx, chat.OpenRequest{
			ConnectionID:   connectionID,
			ConversationID: connectionID,
			Persona:        d.persona,
			Fetch:          d.fetchRecent,
		}); err == nil {
			err = d.registry.Route(d.ctx, connectionID, text, sender)
		}
	}
	if err != nil {
		d.logger.Error("routing message failed", "channel_id", m.ChannelID, "error", err)
	}
}

// fetchRecent hydrates a conversation window from Discord's own channel
// history, oldest first.
func (d *Surface) fetchRecent(ctx context.Context, conversationID string, limit int) ([]history.Message, error) {
	channelID := strings.TrimPrefix(conversationID, Scheme+":")
	raw, err := d.session.ChannelMessages(channelID, limit, "", "", "")
	if err != nil {
		return nil, fmt.Errorf("discord: fetching channel history: %w", err)
	}

	botID := d.session.State.User.ID
	// ChannelMessages returns newest first.
	msgs := make([]history.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		dm := raw[i]
		if dm.Content == "" {
			continue
		}
		role := history.RoleUser
		if dm.Author.ID == botID {
			role = history.RoleAgent
		}
		msgs = append(msgs, history.Message{
			ID:             dm.ID,
			ConversationID: conversationID,
			Role:           role,
			Author:         dm.Author.Username,
			Content:        dm.Content,
			Timestamp:      dm.Timestamp,
		})
	}
	return msgs, nil
}

func allowed(list []string, id string) bool {
	if len(list) == 0 || id == "" {
		return true
	}
	for _, allowed := range list {
		if allowed == id {
			return true
		}
	}
	return false
}

// splitMessage splits text into chunks within maxLen, preferring newline
// boundaries.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

var _ chat.Transport = (*Surface)(nil)
