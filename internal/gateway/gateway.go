// Package gateway adapts a discordgo session to the pool: it sends the
// voice-state opcode for join/move/leave requests and forwards the two voice
// grant halves the gateway delivers back.
package gateway

import (
	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/audiolink/internal/pool"
)

// Adapter bridges discordgo and the node pool.
type Adapter struct {
	session *discordgo.Session
	log     zerolog.Logger
}

// New wraps an open discordgo session.
func New(session *discordgo.Session, log zerolog.Logger) *Adapter {
	return &Adapter{
		session: session,
		log:     log.With().Str("component", "gateway").Logger(),
	}
}

// UpdateVoiceState asks Discord to join or move to channelID, or to leave
// voice when channelID is empty. The resulting voice-state update arrives
// asynchronously through the registered handlers.
func (a *Adapter) UpdateVoiceState(guildID, channelID string, mute, deaf bool) error {
	return a.session.ChannelVoiceJoinManual(guildID, channelID, mute, deaf)
}

// Attach registers the voice event handlers that feed the pool.
func (a *Adapter) Attach(m *pool.Manager) {
	a.session.AddHandler(func(s *discordgo.Session, e *discordgo.VoiceStateUpdate) {
		a.log.Debug().
			Str("guild", e.GuildID).
			Str("channel", e.ChannelID).
			Str("user", e.UserID).
			Msg("voice state update")
		m.HandleVoiceStateUpdate(e.UserID, e.GuildID, e.ChannelID, e.SessionID)
	})
	a.session.AddHandler(func(s *discordgo.Session, e *discordgo.VoiceServerUpdate) {
		a.log.Debug().
			Str("guild", e.GuildID).
			Str("endpoint", e.Endpoint).
			Msg("voice server update")
		m.HandleVoiceServerUpdate(e.GuildID, e.Token, e.Endpoint)
	})
}
