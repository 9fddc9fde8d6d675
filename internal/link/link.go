// Package link binds one guild's voice session to a remote audio node. A
// link buffers the two independently-arriving halves of a voice grant,
// dispatches the combined payload, owns the guild's player and supports
// migrating the session to another node.
package link

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/keshon/audiolink/internal/node"
	"github.com/keshon/audiolink/internal/wire"
)

var (
	ErrLinkDestroyed     = errors.New("link destroyed")
	ErrNodeNotConnected  = errors.New("node not connected")
	ErrVoiceSessionError = errors.New("voice session failed")
)

// VoiceGateway is the external layer that joins, moves and leaves voice
// channels. An empty channel id requests disconnection. The resulting
// voice-state update arrives later through ProvideVoiceState.
type VoiceGateway interface {
	UpdateVoiceState(guildID, channelID string, mute, deaf bool) error
}

// Link is the per-guild binding between a voice channel session and a node.
type Link struct {
	guildID string
	log     zerolog.Logger
	gateway VoiceGateway
	emit    EventFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	node       *node.Node
	player     *Player
	channelID  string
	sessionID  string
	server     *wire.VoiceServerEvent
	serverSent bool
	destroyed  bool
}

// New creates a link and its player for guildID, bound to n.
func New(guildID string, n *node.Node, gateway VoiceGateway, emit EventFunc, log zerolog.Logger) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		guildID: guildID,
		log:     log.With().Str("guild", guildID).Logger(),
		gateway: gateway,
		emit:    emit,
		ctx:     ctx,
		cancel:  cancel,
		node:    n,
	}
	l.player = newPlayer(l)
	n.AddGuild(guildID)
	return l
}

// GuildID returns the immutable guild key.
func (l *Link) GuildID() string { return l.guildID }

// Player returns the player owned by this link.
func (l *Link) Player() *Player { return l.player }

// Node returns the node currently responsible for this guild.
func (l *Link) Node() *node.Node {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.node
}

// ChannelID returns the voice channel this guild currently occupies, if any.
func (l *Link) ChannelID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channelID
}

// Connect asks the voice gateway to join or move to a channel. The grant
// halves arrive asynchronously via ProvideVoiceState / ProvideVoiceServer.
func (l *Link) Connect(channelID string, deaf, mute bool) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return ErrLinkDestroyed
	}
	l.mu.Unlock()
	return l.gateway.UpdateVoiceState(l.guildID, channelID, mute, deaf)
}

// Disconnect asks the voice gateway to leave voice and clears the channel.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	l.channelID = ""
	l.mu.Unlock()
	return l.gateway.UpdateVoiceState(l.guildID, "", false, false)
}

// ProvideVoiceState stores the local half of a voice grant. An empty channel
// id means the guild left voice. A state update for a different channel
// invalidates a buffered server grant, which is specific to its channel
// session.
func (l *Link) ProvideVoiceState(sessionID, channelID string) {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	if channelID == "" {
		l.channelID = ""
		l.sessionID = ""
		l.server = nil
		l.serverSent = false
		l.mu.Unlock()
		return
	}
	if l.channelID != "" && channelID != l.channelID && l.server != nil && !l.serverSent {
		l.server = nil
	}
	l.channelID = channelID
	l.sessionID = sessionID
	l.mu.Unlock()

	l.maybeVoiceUpdate()
}

// ProvideVoiceServer stores the remote half of a voice grant, overwriting any
// previous one.
func (l *Link) ProvideVoiceServer(ev wire.VoiceServerEvent) {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.server = &ev
	l.serverSent = false
	l.mu.Unlock()

	l.maybeVoiceUpdate()
}

// maybeVoiceUpdate dispatches the combined payload once both halves are
// buffered and the link is not being torn down.
func (l *Link) maybeVoiceUpdate() {
	l.mu.Lock()
	if l.destroyed || l.sessionID == "" || l.channelID == "" || l.server == nil || l.serverSent {
		l.mu.Unlock()
		return
	}
	payload := wire.VoiceUpdate{
		Op:        wire.OpVoiceUpdate,
		GuildID:   l.guildID,
		SessionID: l.sessionID,
		Event:     *l.server,
	}
	n := l.node
	l.mu.Unlock()

	// Session establishment must not be starved by bulk playback commands.
	pending := n.Send(payload, true)
	go l.settleVoiceUpdate(pending)
}

// settleVoiceUpdate marks the grant delivered, or keeps it buffered for a
// later retry. A permanently unavailable node surfaces a session failure.
func (l *Link) settleVoiceUpdate(pending *node.Pending) {
	err := pending.Wait(l.ctx)
	if err == nil {
		l.mu.Lock()
		l.serverSent = true
		l.mu.Unlock()
		l.log.Debug().Msg("voice session established")
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, node.ErrNodeUnavailable) {
		l.log.Error().Err(err).Msg("voice session failed")
		l.notify(Event{Type: EventVoiceSessionFailed, GuildID: l.guildID, Err: ErrVoiceSessionError})
		return
	}
	// Transient failure: halves stay buffered so a reconnect can resend
	// without requesting a fresh grant.
	l.log.Warn().Err(err).Msg("voice update not delivered, will retry")
}

// RetryVoiceUpdate resends a buffered, not yet delivered grant. Called after
// the owning node reconnects.
func (l *Link) RetryVoiceUpdate() {
	l.maybeVoiceUpdate()
}

// Move reassigns the link to target, re-indexes the guild and replays the
// voice session and playback state so the new node resumes where the old one
// left off. The link is left unchanged if target is not connected.
func (l *Link) Move(target *node.Node) error {
	if target.Status() != node.StatusConnected {
		return ErrNodeNotConnected
	}

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return ErrLinkDestroyed
	}
	old := l.node
	l.node = target
	l.serverSent = false
	paired := l.sessionID != "" && l.channelID != "" && l.server != nil
	l.mu.Unlock()

	if old != nil && old != target {
		old.RemoveGuild(l.guildID)
	}
	target.AddGuild(l.guildID)

	l.log.Info().Str("from", old.ID()).Str("to", target.ID()).Msg("moving guild to new node")

	if paired {
		l.maybeVoiceUpdate()
	}
	l.player.replayOn(target)
	return nil
}

// HandleMessage routes a node-originated message for this guild to the
// player and re-emits it as an observable event. A websocket-closed
// notification only ends this guild's remote session; it is not a node
// failure.
func (l *Link) HandleMessage(msg *wire.Message) {
	switch msg.Op {
	case wire.OpPlayerUpdate:
		if msg.State != nil {
			l.player.applyState(*msg.State)
			l.notify(Event{Type: EventPlayerUpdate, GuildID: l.guildID, State: msg.State})
		}
	case wire.OpEvent:
		l.handleEvent(msg)
	}
}

func (l *Link) handleEvent(msg *wire.Message) {
	switch msg.Type {
	case wire.EventTrackEnd:
		l.player.trackEnded()
		l.notify(Event{Type: EventTrackEnd, GuildID: l.guildID, Track: msg.Track, Reason: msg.Reason})
	case wire.EventTrackException:
		l.player.trackEnded()
		l.notify(Event{Type: EventTrackException, GuildID: l.guildID, Track: msg.Track, Exception: msg.Exception})
	case wire.EventTrackStuck:
		l.notify(Event{Type: EventTrackStuck, GuildID: l.guildID, Track: msg.Track, ThresholdMs: msg.ThresholdMs})
	case wire.EventWebSocketClosed:
		l.mu.Lock()
		l.serverSent = false
		l.mu.Unlock()
		l.notify(Event{Type: EventWebSocketClosed, GuildID: l.guildID, Code: msg.Code, Reason: msg.Reason, ByRemote: msg.ByRemote})
	default:
		l.log.Debug().Str("type", msg.Type).Msg("ignoring unknown event type")
	}
}

// Destroy tears the link down: playback stops, the node-side player is
// released, the guild index entry is dropped and any outstanding voice
// update retry for this guild is cancelled. Other guilds on the same node
// are unaffected.
func (l *Link) Destroy() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.destroyed = true
	n := l.node
	l.server = nil
	l.sessionID = ""
	l.channelID = ""
	l.mu.Unlock()

	l.cancel()
	l.player.reset()

	if n != nil {
		n.Send(wire.Destroy{Op: wire.OpDestroy, GuildID: l.guildID}, false)
		n.RemoveGuild(l.guildID)
	}
	l.log.Info().Msg("link destroyed")
}

// Destroyed reports whether the link has been torn down.
func (l *Link) Destroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

func (l *Link) notify(ev Event) {
	if l.emit != nil {
		go l.emit(ev)
	}
}
