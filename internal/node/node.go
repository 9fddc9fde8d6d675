// Package node maintains the persistent websocket connection to one remote
// audio-processing host: status tracking, bounded reconnection, an ordered
// priority send queue and load scoring for pool placement.
package node

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/keshon/audiolink/internal/wire"
)

// Status is the connection lifecycle state of a node.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusReconnecting:
		return "Reconnecting"
	case StatusDisconnected:
		return "Disconnected"
	}
	return "Unknown"
}

var (
	ErrNodeUnavailable = errors.New("node unavailable")
	ErrAlreadyStarted  = errors.New("connect already in progress")
)

// ReconnectPolicy bounds automatic recovery after an unexpected closure.
type ReconnectPolicy struct {
	Auto     bool
	MaxTries int
	Delay    time.Duration
}

// Config identifies one remote node and how to reach it.
type Config struct {
	ID       string
	Host     string
	Port     int
	Password string
	Secure   bool

	UserID     string // bot user id presented on handshake
	ClientName string

	Reconnect     ReconnectPolicy
	ResumeKey     string
	ResumeTimeout int // seconds the node buffers events for us

	// Dial overrides the websocket dialer. Nil means the default.
	Dial DialFunc
}

// Conn is the subset of the websocket connection the node uses. Satisfied by
// *websocket.Conn; swapped for a fake in tests.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens the transport. The returned response carries resume headers.
type DialFunc func(url string, header http.Header) (Conn, *http.Response, error)

func gorillaDial(url string, header http.Header) (Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	return dialer.Dial(url, header)
}

// Node is one managed connection to a remote audio host.
type Node struct {
	cfg Config
	log zerolog.Logger

	dial DialFunc

	mu             sync.Mutex
	cond           *sync.Cond
	status         Status
	conn           Conn
	remainingTries int
	reconnecting   bool
	resumed        bool
	closed         bool
	queue          []*Pending
	stats          *Stats
	guilds         map[string]struct{}

	onMessage  func(n *Node, msg *wire.Message)
	onStatus   func(n *Node, status Status)
	onTerminal func(n *Node)
}

// New builds a node around cfg. Call Connect to open the transport.
func New(cfg Config, log zerolog.Logger) *Node {
	n := &Node{
		cfg:            cfg,
		log:            log.With().Str("node", cfg.ID).Logger(),
		dial:           cfg.Dial,
		status:         StatusIdle,
		remainingTries: cfg.Reconnect.MaxTries,
		guilds:         make(map[string]struct{}),
	}
	if n.dial == nil {
		n.dial = gorillaDial
	}
	n.cond = sync.NewCond(&n.mu)
	go n.writeLoop()
	return n
}

// ID returns the node's opaque identifier.
func (n *Node) ID() string { return n.cfg.ID }

// Status returns the current lifecycle state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Resumed reports whether the last handshake resumed a previous session.
func (n *Node) Resumed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.resumed
}

// RemainingTries returns the reconnect budget left.
func (n *Node) RemainingTries() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remainingTries
}

// OnMessage registers the handler for decoded node messages.
func (n *Node) OnMessage(fn func(n *Node, msg *wire.Message)) { n.onMessage = fn }

// OnStatus registers the handler invoked after every status transition.
func (n *Node) OnStatus(fn func(n *Node, status Status)) { n.onStatus = fn }

// OnTerminal registers the handler invoked once when the node gives up
// reconnecting, so the owner can migrate its guilds.
func (n *Node) OnTerminal(fn func(n *Node)) { n.onTerminal = fn }

func (n *Node) setStatus(s Status) {
	n.status = s
	if n.onStatus != nil {
		fn := n.onStatus
		go fn(n, s)
	}
}

func (n *Node) wsURL() string {
	scheme := "ws"
	if n.cfg.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, n.cfg.Host, n.cfg.Port)
}

// Connect opens the transport and performs the protocol handshake. Idempotent
// while a connect or reconnect is already in flight.
func (n *Node) Connect() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNodeUnavailable
	}
	switch n.status {
	case StatusConnected:
		n.mu.Unlock()
		return nil
	case StatusConnecting, StatusReconnecting:
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.setStatus(StatusConnecting)
	n.mu.Unlock()

	if err := n.dialAndHandshake(); err != nil {
		n.log.Error().Err(err).Msg("initial connect failed")
		n.mu.Lock()
		if n.cfg.Reconnect.Auto && n.remainingTries > 0 && !n.reconnecting {
			n.reconnecting = true
			n.setStatus(StatusReconnecting)
			go n.runReconnect()
		} else {
			n.setStatus(StatusDisconnected)
			n.failQueueLocked(ErrNodeUnavailable)
		}
		n.mu.Unlock()
		return fmt.Errorf("connect %s: %w", n.cfg.ID, err)
	}
	return nil
}

// dialAndHandshake performs one transport attempt. On success the node is
// Connected with a running read loop and a refreshed retry budget.
func (n *Node) dialAndHandshake() error {
	header := http.Header{}
	header.Set("Authorization", n.cfg.Password)
	header.Set("User-Id", n.cfg.UserID)
	header.Set("Client-Name", n.cfg.ClientName)
	if n.cfg.ResumeKey != "" {
		header.Set("Resume-Key", n.cfg.ResumeKey)
	}

	conn, resp, err := n.dial(n.wsURL(), header)
	if err != nil {
		return err
	}

	resumed := resp != nil && resp.Header.Get("Session-Resumed") == "true"

	n.mu.Lock()
	n.conn = conn
	n.resumed = resumed
	n.remainingTries = n.cfg.Reconnect.MaxTries
	n.setStatus(StatusConnected)
	n.cond.Broadcast()
	n.mu.Unlock()

	n.log.Info().Bool("resumed", resumed).Msg("connected")

	go n.readLoop(conn)

	if n.cfg.ResumeKey != "" && !resumed {
		n.Send(wire.ConfigureResuming{
			Op:      wire.OpConfigureResuming,
			Key:     n.cfg.ResumeKey,
			Timeout: n.cfg.ResumeTimeout,
		}, true)
	}
	return nil
}

// readLoop consumes node messages until the transport fails.
func (n *Node) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			n.handleClosed(conn, err)
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			// Malformed payloads are dropped, the connection stays up.
			n.log.Warn().Err(err).Msg("dropping undecodable message")
			continue
		}

		if msg.Op == wire.OpStats {
			n.storeStats(msg)
		}
		if n.onMessage != nil {
			n.onMessage(n, msg)
		}
	}
}

// handleClosed runs the post-closure policy: schedule a bounded reconnect or
// declare the node terminally unavailable.
func (n *Node) handleClosed(conn Conn, cause error) {
	n.mu.Lock()
	if n.conn != conn {
		// A newer connection superseded this one.
		n.mu.Unlock()
		return
	}
	n.conn = nil
	conn.Close()

	if n.closed {
		n.mu.Unlock()
		return
	}

	n.log.Warn().Err(cause).Int("remaining", n.remainingTries).Msg("connection lost")

	if n.cfg.Reconnect.Auto && n.remainingTries > 0 {
		n.setStatus(StatusReconnecting)
		if !n.reconnecting {
			n.reconnecting = true
			go n.runReconnect()
		}
		n.mu.Unlock()
		return
	}

	n.terminateLocked()
	n.mu.Unlock()
}

// terminateLocked moves the node to terminal Disconnected, rejects every
// queued send and notifies the owner exactly once. Caller holds n.mu.
func (n *Node) terminateLocked() {
	n.setStatus(StatusDisconnected)
	n.failQueueLocked(ErrNodeUnavailable)
	if n.onTerminal != nil {
		fn := n.onTerminal
		go fn(n)
	}
}

// runReconnect is the single outstanding reconnect schedule for this node.
// Each attempt consumes one retry; success resets the budget.
func (n *Node) runReconnect() {
	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(n.cfg.Reconnect.Delay),
		uint64(n.RemainingTries()),
	)

	err := backoff.Retry(func() error {
		n.mu.Lock()
		if n.closed || n.remainingTries <= 0 {
			n.mu.Unlock()
			return backoff.Permanent(ErrNodeUnavailable)
		}
		n.remainingTries--
		tries := n.remainingTries
		n.mu.Unlock()

		n.log.Info().Int("remaining", tries).Msg("reconnecting")
		return n.dialAndHandshake()
	}, policy)

	n.mu.Lock()
	n.reconnecting = false
	if err != nil && !n.closed {
		n.terminateLocked()
	}
	n.mu.Unlock()
}

// Reconnect manually triggers a reconnect attempt. A no-op while an attempt
// is already in flight.
func (n *Node) Reconnect() {
	n.mu.Lock()
	if n.closed || n.reconnecting || n.status == StatusConnecting || n.status == StatusConnected {
		n.mu.Unlock()
		return
	}
	n.reconnecting = true
	n.setStatus(StatusReconnecting)
	go n.runReconnect()
	n.mu.Unlock()
}

// Close shuts the node down for good. Queued sends are rejected; no reconnect
// is scheduled and no failover fires.
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	n.setStatus(StatusIdle)
	n.failQueueLocked(ErrNodeUnavailable)
	n.cond.Broadcast()
	n.mu.Unlock()
}

// AddGuild indexes a guild under this node.
func (n *Node) AddGuild(guildID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.guilds[guildID] = struct{}{}
}

// RemoveGuild drops a guild from this node's index.
func (n *Node) RemoveGuild(guildID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.guilds, guildID)
}

// HasGuild reports whether the guild is indexed under this node.
func (n *Node) HasGuild(guildID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.guilds[guildID]
	return ok
}

// Guilds returns a snapshot of the guilds indexed under this node.
func (n *Node) Guilds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.guilds))
	for g := range n.guilds {
		out = append(out, g)
	}
	return out
}
