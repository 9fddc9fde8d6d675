// Package wire defines the JSON payloads exchanged with remote audio nodes.
// Field names are protocol-defined and must not be changed.
package wire

import "encoding/json"

// Outgoing operation discriminators.
const (
	OpVoiceUpdate       = "voiceUpdate"
	OpPlay              = "play"
	OpStop              = "stop"
	OpPause             = "pause"
	OpSeek              = "seek"
	OpVolume            = "volume"
	OpEqualizer         = "equalizer"
	OpDestroy           = "destroy"
	OpConfigureResuming = "configureResuming"
)

// Incoming operation discriminators.
const (
	OpPlayerUpdate = "playerUpdate"
	OpStats        = "stats"
	OpEvent        = "event"
)

// Event sub-kinds carried in an "event" message.
const (
	EventTrackEnd        = "TrackEndEvent"
	EventTrackException  = "TrackExceptionEvent"
	EventTrackStuck      = "TrackStuckEvent"
	EventWebSocketClosed = "WebSocketClosedEvent"
)

// VoiceServerEvent is the raw voice-server grant forwarded to a node.
type VoiceServerEvent struct {
	Token    string `json:"token"`
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
}

// VoiceUpdate pairs the gateway session with the server grant for one guild.
type VoiceUpdate struct {
	Op        string           `json:"op"`
	GuildID   string           `json:"guildId"`
	SessionID string           `json:"sessionId"`
	Event     VoiceServerEvent `json:"event"`
}

// Play starts playback of an encoded track on the node.
type Play struct {
	Op        string `json:"op"`
	GuildID   string `json:"guildId"`
	Track     string `json:"track"`
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
	NoReplace bool   `json:"noReplace,omitempty"`
	Pause     bool   `json:"pause,omitempty"`
}

// Stop halts playback and clears the node-side track.
type Stop struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
}

// Pause toggles the paused state.
type Pause struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	Pause   bool   `json:"pause"`
}

// Seek moves the playback position, in milliseconds.
type Seek struct {
	Op       string `json:"op"`
	GuildID  string `json:"guildId"`
	Position int64  `json:"position"`
}

// Volume sets playback volume, 0-1000.
type Volume struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	Volume  int    `json:"volume"`
}

// EqualizerBand is one gain adjustment. Band is 0-14, Gain is -0.25 to 1.0.
type EqualizerBand struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"`
}

// Equalizer replaces the node-side equalizer configuration.
type Equalizer struct {
	Op      string          `json:"op"`
	GuildID string          `json:"guildId"`
	Bands   []EqualizerBand `json:"bands"`
}

// Destroy releases the node-side player for a guild.
type Destroy struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
}

// ConfigureResuming asks the node to buffer events under a resume key.
type ConfigureResuming struct {
	Op      string `json:"op"`
	Key     string `json:"key"`
	Timeout int    `json:"timeout"`
}

// Message is the envelope for everything a node sends us. Only the fields
// matching Op are populated; Raw keeps the original bytes for consumers.
type Message struct {
	Op      string `json:"op"`
	Type    string `json:"type,omitempty"`
	GuildID string `json:"guildId,omitempty"`

	// playerUpdate
	State *PlayerState `json:"state,omitempty"`

	// event payloads
	Track       string     `json:"track,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Error       string     `json:"error,omitempty"`
	Exception   *Exception `json:"exception,omitempty"`
	ThresholdMs int64      `json:"thresholdMs,omitempty"`
	Code        int        `json:"code,omitempty"`
	ByRemote    bool       `json:"byRemote,omitempty"`

	// stats
	Players        int         `json:"players,omitempty"`
	PlayingPlayers int         `json:"playingPlayers,omitempty"`
	Uptime         int64       `json:"uptime,omitempty"`
	Memory         *Memory     `json:"memory,omitempty"`
	CPU            *CPU        `json:"cpu,omitempty"`
	FrameStats     *FrameStats `json:"frameStats,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// PlayerState is the node-reported position snapshot.
type PlayerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
}

// Exception describes a track error reported by the node.
type Exception struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause,omitempty"`
}

// Memory is the node-reported memory block of a stats message.
type Memory struct {
	Free       int64 `json:"free"`
	Used       int64 `json:"used"`
	Allocated  int64 `json:"allocated"`
	Reservable int64 `json:"reservable"`
}

// CPU is the node-reported processor block of a stats message.
type CPU struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

// FrameStats counts audio frames over the node's last reporting window.
type FrameStats struct {
	Sent    int64 `json:"sent"`
	Nulled  int64 `json:"nulled"`
	Deficit int64 `json:"deficit"`
}

// Decode parses a raw node message into the envelope, keeping the bytes.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m.Raw = append(json.RawMessage(nil), data...)
	return &m, nil
}
