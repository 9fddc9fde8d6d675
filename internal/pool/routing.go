package pool

import (
	"github.com/keshon/audiolink/internal/link"
	"github.com/keshon/audiolink/internal/node"
	"github.com/keshon/audiolink/internal/telemetry"
	"github.com/keshon/audiolink/internal/wire"
)

// HandleVoiceStateUpdate feeds the local half of a voice grant to the
// guild's link. Updates for other users' sessions are ignored.
func (m *Manager) HandleVoiceStateUpdate(userID, guildID, channelID, sessionID string) {
	if userID != m.opts.UserID {
		return
	}
	if m.store != nil {
		if err := m.store.SetLastChannel(guildID, channelID); err != nil {
			m.log.Warn().Err(err).Str("guild", guildID).Msg("could not persist last channel")
		}
	}
	l, ok := m.Link(guildID)
	if !ok {
		return
	}
	l.ProvideVoiceState(sessionID, channelID)
}

// HandleVoiceServerUpdate feeds the remote half of a voice grant to the
// guild's link.
func (m *Manager) HandleVoiceServerUpdate(guildID, token, endpoint string) {
	l, ok := m.Link(guildID)
	if !ok {
		return
	}
	l.ProvideVoiceServer(wire.VoiceServerEvent{
		Token:    token,
		GuildID:  guildID,
		Endpoint: endpoint,
	})
}

// handleNodeMessage routes node-originated messages to the owning link and
// keeps telemetry current on stats reports.
func (m *Manager) handleNodeMessage(n *node.Node, msg *wire.Message) {
	if msg.Op == wire.OpStats {
		telemetry.ObserveNodeStats(n.ID(), n.Stats(), n.Penalties())
		return
	}
	if msg.GuildID == "" {
		return
	}
	l, ok := m.Link(msg.GuildID)
	if !ok || l.Node() != n {
		// Stale or unknown guild: protocol noise, drop it.
		m.log.Debug().Str("guild", msg.GuildID).Str("op", msg.Op).Msg("dropping message for unrouted guild")
		return
	}
	l.HandleMessage(msg)
}

// handleNodeStatus re-emits node transitions and, on reconnect, resends any
// buffered voice grants for the node's guilds.
func (m *Manager) handleNodeStatus(n *node.Node, status node.Status) {
	m.mu.RLock()
	subs := make([]NodeStatusFunc, len(m.statusSubs))
	copy(subs, m.statusSubs)
	m.mu.RUnlock()
	for _, fn := range subs {
		go fn(n.ID(), status)
	}

	telemetry.ObserveNodeStatus(n.ID(), int(status))

	if status != node.StatusConnected {
		return
	}
	for _, guildID := range n.Guilds() {
		if l, ok := m.Link(guildID); ok {
			l.RetryVoiceUpdate()
		}
	}
}

// handleNodeTerminal migrates every guild off a node that exhausted its
// reconnect budget.
func (m *Manager) handleNodeTerminal(n *node.Node) {
	m.log.Error().Str("node", n.ID()).Msg("node terminally disconnected, migrating guilds")
	m.migrateGuilds(n)
}

// migrateGuilds hands each guild on n to the current ideal node. Guilds that
// cannot be placed are stopped and surface an unrecoverable error.
func (m *Manager) migrateGuilds(n *node.Node) {
	for _, guildID := range n.Guilds() {
		l, ok := m.Link(guildID)
		if !ok {
			n.RemoveGuild(guildID)
			continue
		}

		var target *node.Node
		for _, candidate := range m.IdealNodes() {
			if candidate != n {
				target = candidate
				break
			}
		}

		if target == nil {
			m.log.Error().Str("guild", guildID).Msg("no node available for failover")
			l.Player().Abandon()
			n.RemoveGuild(guildID)
			m.notify(link.Event{Type: link.EventVoiceSessionFailed, GuildID: guildID, Err: ErrNoAvailableNode})
			continue
		}

		if err := l.Move(target); err != nil {
			m.log.Error().Err(err).Str("guild", guildID).Str("node", target.ID()).Msg("failover move failed")
			m.notify(link.Event{Type: link.EventVoiceSessionFailed, GuildID: guildID, Err: err})
		}
	}
}
