package link

import "github.com/keshon/audiolink/internal/wire"

// EventType discriminates observable link/player events.
type EventType int

const (
	EventPlayerUpdate EventType = iota
	EventTrackEnd
	EventTrackException
	EventTrackStuck
	EventWebSocketClosed
	EventVoiceSessionFailed
)

func (t EventType) String() string {
	switch t {
	case EventPlayerUpdate:
		return "player-update"
	case EventTrackEnd:
		return "track-end"
	case EventTrackException:
		return "track-exception"
	case EventTrackStuck:
		return "track-stuck"
	case EventWebSocketClosed:
		return "websocket-closed"
	case EventVoiceSessionFailed:
		return "voice-session-failed"
	}
	return "unknown"
}

// Event is one observable notification about a guild's playback session.
type Event struct {
	Type    EventType
	GuildID string

	Track       string
	Reason      string
	Exception   *wire.Exception
	ThresholdMs int64
	Code        int
	ByRemote    bool
	State       *wire.PlayerState
	Err         error
}

// EventFunc receives link events. Emission is decoupled from the state
// mutation that caused it; handlers run on their own goroutine.
type EventFunc func(Event)
