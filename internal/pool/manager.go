// Package pool owns every node connection and every guild link. It places
// new links on the least loaded connected node, routes gateway and node
// events to the owning link and migrates guilds away from failed nodes.
package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keshon/audiolink/internal/link"
	"github.com/keshon/audiolink/internal/node"
	"github.com/keshon/audiolink/internal/storage"
	"github.com/keshon/audiolink/internal/telemetry"
)

var (
	ErrNoAvailableNode = errors.New("no available node")
	ErrDuplicateNode   = errors.New("node id already registered")
	ErrUnknownNode     = errors.New("unknown node id")
)

// ResumePolicy enables resume-key negotiation for all nodes. Keys are
// generated per node and persisted so a restarted client can resume.
type ResumePolicy struct {
	Enabled bool
	Timeout int // seconds the node buffers events
}

// Options configure the pool.
type Options struct {
	UserID     string // bot user id, used to filter voice-state updates
	ClientName string
	Reconnect  node.ReconnectPolicy // default policy, inherited by nodes
	Resume     ResumePolicy
}

// NodeStatusFunc observes node lifecycle transitions.
type NodeStatusFunc func(nodeID string, status node.Status)

// Manager is the pool of node connections and guild links.
type Manager struct {
	log     zerolog.Logger
	gateway link.VoiceGateway
	opts    Options
	store   *storage.Storage // optional

	mu         sync.RWMutex
	nodes      map[string]*node.Node
	order      []string // node insertion order, for deterministic ties
	links      map[string]*link.Link
	subs       []link.EventFunc
	statusSubs []NodeStatusFunc
}

// New creates an empty pool. store may be nil to disable persistence.
func New(gateway link.VoiceGateway, store *storage.Storage, opts Options, log zerolog.Logger) *Manager {
	return &Manager{
		log:     log.With().Str("component", "pool").Logger(),
		gateway: gateway,
		opts:    opts,
		store:   store,
		nodes:   make(map[string]*node.Node),
		links:   make(map[string]*link.Link),
	}
}

// Subscribe registers an observer for guild/player events.
func (m *Manager) Subscribe(fn link.EventFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// SubscribeNodeStatus registers an observer for node status transitions.
func (m *Manager) SubscribeNodeStatus(fn NodeStatusFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusSubs = append(m.statusSubs, fn)
}

func (m *Manager) notify(ev link.Event) {
	m.mu.RLock()
	subs := make([]link.EventFunc, len(m.subs))
	copy(subs, m.subs)
	m.mu.RUnlock()
	for _, fn := range subs {
		go fn(ev)
	}
}

// AddNode registers a node and starts connecting it in the background. The
// pool's default reconnect policy applies unless cfg carries its own, and a
// resume key is generated (or restored) when the resume policy is enabled.
func (m *Manager) AddNode(cfg node.Config) (*node.Node, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("node config: empty id")
	}

	if cfg.Reconnect == (node.ReconnectPolicy{}) {
		cfg.Reconnect = m.opts.Reconnect
	}
	if cfg.UserID == "" {
		cfg.UserID = m.opts.UserID
	}
	if cfg.ClientName == "" {
		cfg.ClientName = m.opts.ClientName
	}
	if m.opts.Resume.Enabled && cfg.ResumeKey == "" {
		cfg.ResumeKey = m.resumeKeyFor(cfg.ID)
		cfg.ResumeTimeout = m.opts.Resume.Timeout
	}

	m.mu.Lock()
	if _, exists := m.nodes[cfg.ID]; exists {
		m.mu.Unlock()
		return nil, ErrDuplicateNode
	}
	n := node.New(cfg, m.log)
	m.nodes[cfg.ID] = n
	m.order = append(m.order, cfg.ID)
	m.mu.Unlock()

	n.OnMessage(m.handleNodeMessage)
	n.OnTerminal(m.handleNodeTerminal)
	n.OnStatus(m.handleNodeStatus)

	go func() {
		if err := n.Connect(); err != nil {
			m.log.Warn().Err(err).Str("node", cfg.ID).Msg("node connect failed")
		}
	}()
	return n, nil
}

// resumeKeyFor restores a persisted resume key or mints a new one.
func (m *Manager) resumeKeyFor(nodeID string) string {
	if m.store != nil {
		if key, ok := m.store.ResumeKey(nodeID); ok {
			return key
		}
	}
	key := uuid.NewString()
	if m.store != nil {
		if err := m.store.SetResumeKey(nodeID, key); err != nil {
			m.log.Warn().Err(err).Str("node", nodeID).Msg("could not persist resume key")
		}
	}
	return key
}

// RemoveNode migrates the node's guilds elsewhere and shuts it down.
func (m *Manager) RemoveNode(nodeID string) error {
	m.mu.Lock()
	n, ok := m.nodes[nodeID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownNode
	}
	delete(m.nodes, nodeID)
	for i, id := range m.order {
		if id == nodeID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.migrateGuilds(n)
	n.Close()
	telemetry.DropNode(nodeID)
	return nil
}

// Node looks a node up by id.
func (m *Manager) Node(nodeID string) (*node.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[nodeID]
	return n, ok
}

// Nodes returns all registered nodes in insertion order.
func (m *Manager) Nodes() []*node.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*node.Node, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.nodes[id])
	}
	return out
}

// IdealNodes returns the connected nodes ordered by ascending penalty.
// Ordering is stable: ties keep insertion order.
func (m *Manager) IdealNodes() []*node.Node {
	candidates := make([]*node.Node, 0)
	for _, n := range m.Nodes() {
		if n.Status() == node.StatusConnected {
			candidates = append(candidates, n)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Penalties() < candidates[j].Penalties()
	})
	return candidates
}

// Create returns the guild's player, building a link on the given node (or
// the current ideal node) first if none exists. Idempotent per guild.
func (m *Manager) Create(guildID string, nodeID ...string) (*link.Player, error) {
	m.mu.RLock()
	if l, ok := m.links[guildID]; ok {
		m.mu.RUnlock()
		return l.Player(), nil
	}
	m.mu.RUnlock()

	var target *node.Node
	if len(nodeID) > 0 && nodeID[0] != "" {
		n, ok := m.Node(nodeID[0])
		if !ok {
			return nil, ErrUnknownNode
		}
		target = n
	} else if ideal := m.IdealNodes(); len(ideal) > 0 {
		target = ideal[0]
	}
	// Selection reads a snapshot; re-validate before committing.
	if target == nil || target.Status() != node.StatusConnected {
		return nil, ErrNoAvailableNode
	}

	m.mu.Lock()
	if l, ok := m.links[guildID]; ok {
		m.mu.Unlock()
		return l.Player(), nil
	}
	l := link.New(guildID, target, m.gateway, m.notify, m.log)
	m.links[guildID] = l
	m.mu.Unlock()

	m.log.Info().Str("guild", guildID).Str("node", target.ID()).Msg("created link")
	return l.Player(), nil
}

// Link returns the guild's link, if one exists.
func (m *Manager) Link(guildID string) (*link.Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[guildID]
	return l, ok
}

// Player returns the guild's player, if a link exists.
func (m *Manager) Player(guildID string) (*link.Player, bool) {
	l, ok := m.Link(guildID)
	if !ok {
		return nil, false
	}
	return l.Player(), true
}

// Links returns a snapshot of all live links.
func (m *Manager) Links() []*link.Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*link.Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

// Destroy tears down the guild's link. A no-op when none exists; safe
// against concurrent in-flight sends for the same guild.
func (m *Manager) Destroy(guildID string) {
	m.mu.Lock()
	l, ok := m.links[guildID]
	if ok {
		delete(m.links, guildID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	l.Destroy()
}

// Close destroys every link and shuts every node down.
func (m *Manager) Close() {
	m.mu.Lock()
	links := m.links
	nodes := m.nodes
	m.links = make(map[string]*link.Link)
	m.nodes = make(map[string]*node.Node)
	m.order = nil
	m.mu.Unlock()

	for _, l := range links {
		l.Destroy()
	}
	for _, n := range nodes {
		n.Close()
	}
}
