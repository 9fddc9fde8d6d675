package node

import (
	"math"

	"github.com/keshon/audiolink/internal/wire"
)

// Stats is the last performance snapshot reported by the node.
type Stats struct {
	Players        int
	PlayingPlayers int
	Uptime         int64
	Memory         wire.Memory
	CPU            wire.CPU
	FrameStats     *wire.FrameStats
}

func (n *Node) storeStats(msg *wire.Message) {
	s := &Stats{
		Players:        msg.Players,
		PlayingPlayers: msg.PlayingPlayers,
		Uptime:         msg.Uptime,
	}
	if msg.Memory != nil {
		s.Memory = *msg.Memory
	}
	if msg.CPU != nil {
		s.CPU = *msg.CPU
	}
	s.FrameStats = msg.FrameStats

	n.mu.Lock()
	n.stats = s
	n.mu.Unlock()
}

// Stats returns the last reported snapshot, or nil before the first report.
func (n *Node) Stats() *Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Penalties scores the node for placement ranking: higher is worse. The score
// weighs active players, system load and frame loss over the last window.
// A node that never reported stats scores zero.
func (n *Node) Penalties() float64 {
	n.mu.Lock()
	s := n.stats
	n.mu.Unlock()
	if s == nil {
		return 0
	}

	penalty := float64(s.PlayingPlayers)
	penalty += math.Pow(1.05, 100*s.CPU.SystemLoad)*10 - 10

	if fs := s.FrameStats; fs != nil {
		penalty += math.Pow(1.03, 500*float64(fs.Deficit)/3000)*600 - 600
		penalty += (math.Pow(1.03, 500*float64(fs.Nulled)/3000)*300 - 300) * 2
	}
	return penalty
}
