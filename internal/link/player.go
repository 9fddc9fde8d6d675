package link

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/keshon/audiolink/internal/node"
	"github.com/keshon/audiolink/internal/wire"
)

const (
	MinVolume     = 0
	MaxVolume     = 1000
	DefaultVolume = 100
)

var (
	ErrCommandUndeliverable = errors.New("command undeliverable: node not connected")
	ErrNoTrackLoaded        = errors.New("no track loaded")
	ErrVolumeOutOfRange     = fmt.Errorf("volume must be between %d and %d", MinVolume, MaxVolume)
)

// PlayOptions tune a play command. Times are in milliseconds.
type PlayOptions struct {
	StartTime int64
	EndTime   int64
	NoReplace bool
}

// Player is the per-guild playback state. It issues commands through its
// link's current node and applies node-reported state updates.
type Player struct {
	link *Link

	mu         sync.Mutex
	track      *wire.Track
	playing    bool
	paused     bool
	volume     int
	equalizer  []wire.EqualizerBand
	position   int64
	positionAt time.Time
}

func newPlayer(l *Link) *Player {
	return &Player{link: l, volume: DefaultVolume}
}

// GuildID returns the owning link's guild.
func (p *Player) GuildID() string { return p.link.guildID }

// Link returns the owning link.
func (p *Player) Link() *Link { return p.link }

// connectedNode returns the link's node if it can take commands right now.
func (p *Player) connectedNode() (*node.Node, error) {
	n := p.link.Node()
	if n == nil || n.Status() != node.StatusConnected {
		return nil, ErrCommandUndeliverable
	}
	return n, nil
}

// Play starts playback of track on the remote node. The local track and
// playing flags are set optimistically and corrected if the node reports
// otherwise.
func (p *Player) Play(ctx context.Context, track wire.Track, opts PlayOptions) error {
	n, err := p.connectedNode()
	if err != nil {
		return err
	}

	payload := wire.Play{
		Op:        wire.OpPlay,
		GuildID:   p.link.guildID,
		Track:     track.Encoded,
		StartTime: opts.StartTime,
		EndTime:   opts.EndTime,
		NoReplace: opts.NoReplace,
	}

	p.mu.Lock()
	p.track = &track
	p.playing = true
	p.paused = false
	p.position = opts.StartTime
	p.positionAt = time.Now()
	p.mu.Unlock()

	return n.Send(payload, false).Wait(ctx)
}

// Stop halts playback and clears the current track.
func (p *Player) Stop(ctx context.Context) error {
	n, err := p.connectedNode()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.track = nil
	p.playing = false
	p.paused = false
	p.mu.Unlock()

	return n.Send(wire.Stop{Op: wire.OpStop, GuildID: p.link.guildID}, false).Wait(ctx)
}

// Pause suspends playback without unloading the track.
func (p *Player) Pause(ctx context.Context) error {
	return p.setPaused(ctx, true)
}

// Resume continues a paused track.
func (p *Player) Resume(ctx context.Context) error {
	return p.setPaused(ctx, false)
}

func (p *Player) setPaused(ctx context.Context, paused bool) error {
	n, err := p.connectedNode()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.paused = paused
	p.playing = p.track != nil && !paused
	p.mu.Unlock()

	return n.Send(wire.Pause{Op: wire.OpPause, GuildID: p.link.guildID, Pause: paused}, false).Wait(ctx)
}

// Seek moves the playback position, in milliseconds.
func (p *Player) Seek(ctx context.Context, position int64) error {
	n, err := p.connectedNode()
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.track == nil {
		p.mu.Unlock()
		return ErrNoTrackLoaded
	}
	p.position = position
	p.positionAt = time.Now()
	p.mu.Unlock()

	return n.Send(wire.Seek{Op: wire.OpSeek, GuildID: p.link.guildID, Position: position}, false).Wait(ctx)
}

// SetVolume sets playback volume. Valid range is 0-1000.
func (p *Player) SetVolume(ctx context.Context, volume int) error {
	if volume < MinVolume || volume > MaxVolume {
		return ErrVolumeOutOfRange
	}
	n, err := p.connectedNode()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()

	return n.Send(wire.Volume{Op: wire.OpVolume, GuildID: p.link.guildID, Volume: volume}, false).Wait(ctx)
}

// SetEqualizer applies gain bands. With merge, new bands overwrite existing
// entries by band index and untouched bands are preserved; without it the
// equalizer is replaced wholesale.
func (p *Player) SetEqualizer(ctx context.Context, bands []wire.EqualizerBand, merge bool) error {
	n, err := p.connectedNode()
	if err != nil {
		return err
	}

	p.mu.Lock()
	byBand := make(map[int]float64)
	if merge {
		for _, b := range p.equalizer {
			byBand[b.Band] = b.Gain
		}
	}
	for _, b := range bands {
		byBand[b.Band] = b.Gain
	}
	merged := make([]wire.EqualizerBand, 0, len(byBand))
	for band, gain := range byBand {
		merged = append(merged, wire.EqualizerBand{Band: band, Gain: gain})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Band < merged[j].Band })
	p.equalizer = merged
	p.mu.Unlock()

	return n.Send(wire.Equalizer{Op: wire.OpEqualizer, GuildID: p.link.guildID, Bands: merged}, false).Wait(ctx)
}

// Track returns the currently loaded track, or nil.
func (p *Player) Track() *wire.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

// Playing reports whether a track is actively playing.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Paused reports whether playback is paused.
func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Volume returns the current volume setting.
func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Equalizer returns a copy of the active bands, ordered by band index.
func (p *Player) Equalizer() []wire.EqualizerBand {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]wire.EqualizerBand, len(p.equalizer))
	copy(out, p.equalizer)
	return out
}

// Position estimates the playback position in milliseconds, interpolating
// elapsed wall time since the last node snapshot while playing.
func (p *Player) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.track == nil {
		return 0
	}
	pos := p.position
	if p.playing && !p.paused && !p.positionAt.IsZero() {
		pos += time.Since(p.positionAt).Milliseconds()
	}
	if p.track.Info.Length > 0 && pos > p.track.Info.Length {
		pos = p.track.Info.Length
	}
	return pos
}

// applyState ingests a node-reported position snapshot.
func (p *Player) applyState(state wire.PlayerState) {
	p.mu.Lock()
	p.position = state.Position
	p.positionAt = time.Now()
	p.mu.Unlock()
}

// trackEnded clears playback state after the node reports the track is gone.
func (p *Player) trackEnded() {
	p.mu.Lock()
	p.track = nil
	p.playing = false
	p.paused = false
	p.mu.Unlock()
}

// Abandon clears playback state when the owning node is gone for good and
// no stop command can reach it.
func (p *Player) Abandon() {
	p.trackEnded()
}

// reset clears all local state during link teardown.
func (p *Player) reset() {
	p.mu.Lock()
	p.track = nil
	p.playing = false
	p.paused = false
	p.equalizer = nil
	p.position = 0
	p.mu.Unlock()
}

// replayOn pushes the current playback state to a freshly assigned node so
// it can resume where the previous node left off.
func (p *Player) replayOn(n *node.Node) {
	p.mu.Lock()
	track := p.track
	paused := p.paused
	volume := p.volume
	eq := make([]wire.EqualizerBand, len(p.equalizer))
	copy(eq, p.equalizer)
	position := p.position
	if p.playing && !p.paused && !p.positionAt.IsZero() {
		position += time.Since(p.positionAt).Milliseconds()
	}
	p.mu.Unlock()

	if track == nil {
		return
	}

	n.Send(wire.Play{
		Op:        wire.OpPlay,
		GuildID:   p.link.guildID,
		Track:     track.Encoded,
		StartTime: position,
		Pause:     paused,
	}, false)
	if volume != DefaultVolume {
		n.Send(wire.Volume{Op: wire.OpVolume, GuildID: p.link.guildID, Volume: volume}, false)
	}
	if len(eq) > 0 {
		n.Send(wire.Equalizer{Op: wire.OpEqualizer, GuildID: p.link.guildID, Bands: eq}, false)
	}
}
