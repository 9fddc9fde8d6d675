package pool_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshon/audiolink/internal/link"
	"github.com/keshon/audiolink/internal/node"
	"github.com/keshon/audiolink/internal/node/nodetest"
	"github.com/keshon/audiolink/internal/pool"
	"github.com/keshon/audiolink/internal/wire"
)

const botUserID = "bot-user"

type fakeGateway struct {
	mu    sync.Mutex
	calls int
}

func (g *fakeGateway) UpdateVoiceState(guildID, channelID string, mute, deaf bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return nil
}

type eventSink struct {
	mu     sync.Mutex
	events []link.Event
}

func (s *eventSink) emit(ev link.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) waitFor(t *testing.T, want link.EventType) link.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, ev := range s.events {
			if ev.Type == want {
				s.mu.Unlock()
				return ev
			}
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %v never emitted", want)
	return link.Event{}
}

func newManager(t *testing.T) (*pool.Manager, *eventSink) {
	t.Helper()
	sink := &eventSink{}
	m := pool.New(&fakeGateway{}, nil, pool.Options{
		UserID:     botUserID,
		ClientName: "audiolink-test",
		Reconnect:  node.ReconnectPolicy{},
	}, zerolog.Nop())
	t.Cleanup(m.Close)
	m.Subscribe(sink.emit)
	return m, sink
}

// addNode registers a node backed by a fake transport and waits for it to
// come up.
func addNode(t *testing.T, m *pool.Manager, id string) *nodetest.Dialer {
	t.Helper()
	dialer := &nodetest.Dialer{}
	_, err := m.AddNode(node.Config{
		ID:       id,
		Host:     "localhost",
		Port:     2333,
		Password: "pass",
		Dial:     dialer.Dial,
	})
	if err != nil {
		t.Fatalf("add node %s: %v", id, err)
	}
	n, _ := m.Node(id)
	waitStatus(t, n, node.StatusConnected)
	return dialer
}

func waitStatus(t *testing.T, n *node.Node, want node.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node %s never reached status %v", n.ID(), want)
}

func setPenalty(t *testing.T, m *pool.Manager, dialer *nodetest.Dialer, id string, playing int) {
	t.Helper()
	dialer.LastConn().Push([]byte(fmt.Sprintf(
		`{"op":"stats","players":%d,"playingPlayers":%d,"uptime":1,"cpu":{"cores":1,"systemLoad":0,"lavalinkLoad":0}}`,
		playing, playing)))
	n, _ := m.Node(id)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n.Penalties() == float64(playing) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node %s penalty never reached %d", id, playing)
}

func TestIdealNodesOrderByPenaltyWithStableTies(t *testing.T) {
	m, _ := newManager(t)
	dialerA := addNode(t, m, "a")
	dialerB := addNode(t, m, "b")
	addNode(t, m, "c")
	addNode(t, m, "d")

	setPenalty(t, m, dialerA, "a", 10)
	setPenalty(t, m, dialerB, "b", 3)

	ideal := m.IdealNodes()
	got := make([]string, len(ideal))
	for i, n := range ideal {
		got[i] = n.ID()
	}
	// c and d never reported stats: both score 0, insertion order breaks the tie.
	want := []string{"c", "d", "b", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ideal order = %v, want %v", got, want)
		}
	}
}

func TestIdealNodesSkipDisconnected(t *testing.T) {
	m, _ := newManager(t)
	dialerA := addNode(t, m, "a")
	addNode(t, m, "b")

	dialerA.Fail(fmt.Errorf("refused"))
	dialerA.LastConn().Close()
	n, _ := m.Node("a")
	waitStatus(t, n, node.StatusDisconnected)

	ideal := m.IdealNodes()
	if len(ideal) != 1 || ideal[0].ID() != "b" {
		t.Fatalf("ideal = %v, want just b", ideal)
	}
}

func TestCreatePicksLowestPenaltyNode(t *testing.T) {
	m, _ := newManager(t)
	dialerA := addNode(t, m, "a")
	dialerB := addNode(t, m, "b")
	setPenalty(t, m, dialerA, "a", 10)
	setPenalty(t, m, dialerB, "b", 3)

	p, err := m.Create("guild1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := p.Link().Node().ID(); got != "b" {
		t.Errorf("selected node = %s, want b", got)
	}
	nb, _ := m.Node("b")
	if !nb.HasGuild("guild1") {
		t.Error("guild not indexed on selected node")
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	m, _ := newManager(t)
	addNode(t, m, "a")

	p1, err := m.Create("guild1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p2, err := m.Create("guild1")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if p1 != p2 {
		t.Error("create returned a different player for the same guild")
	}
	if got := len(m.Links()); got != 1 {
		t.Errorf("link count = %d, want 1", got)
	}
}

func TestCreateFailsWithoutConnectedNode(t *testing.T) {
	m, _ := newManager(t)
	if _, err := m.Create("guild1"); err != pool.ErrNoAvailableNode {
		t.Errorf("create = %v, want ErrNoAvailableNode", err)
	}

	if _, err := m.Create("guild1", "ghost"); err != pool.ErrUnknownNode {
		t.Errorf("create on unknown node = %v, want ErrUnknownNode", err)
	}
}

func TestCreateRevalidatesExplicitNode(t *testing.T) {
	m, _ := newManager(t)
	dialer := addNode(t, m, "a")

	dialer.Fail(fmt.Errorf("refused"))
	dialer.LastConn().Close()
	n, _ := m.Node("a")
	waitStatus(t, n, node.StatusDisconnected)

	if _, err := m.Create("guild1", "a"); err != pool.ErrNoAvailableNode {
		t.Errorf("create on dead node = %v, want ErrNoAvailableNode", err)
	}
}

func TestDestroyReleasesGuild(t *testing.T) {
	m, _ := newManager(t)
	addNode(t, m, "a")

	if _, err := m.Create("guild1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.Destroy("guild1")

	if _, ok := m.Link("guild1"); ok {
		t.Error("link still registered after destroy")
	}
	n, _ := m.Node("a")
	if n.HasGuild("guild1") {
		t.Error("guild still indexed on node after destroy")
	}

	// Destroying a guild without a link is a no-op.
	m.Destroy("guild-without-link")
}

func TestVoiceEventRouting(t *testing.T) {
	m, _ := newManager(t)
	dialer := addNode(t, m, "a")

	if _, err := m.Create("g"); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Server half first, then the bot's own state update: exactly one send.
	m.HandleVoiceServerUpdate("g", "tok", "voice.example")
	m.HandleVoiceStateUpdate(botUserID, "g", "chan-1", "sess-1")

	writes, err := dialer.LastConn().WaitWrites(1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var vu wire.VoiceUpdate
	if err := json.Unmarshal(writes[0], &vu); err != nil {
		t.Fatal(err)
	}
	if vu.Op != wire.OpVoiceUpdate || vu.GuildID != "g" || vu.Event.Token != "tok" {
		t.Errorf("voice update = %+v", vu)
	}

	time.Sleep(30 * time.Millisecond)
	if got := len(dialer.LastConn().Writes()); got != 1 {
		t.Errorf("writes = %d, want exactly 1", got)
	}
}

func TestVoiceStateOfOtherUsersIgnored(t *testing.T) {
	m, _ := newManager(t)
	dialer := addNode(t, m, "a")

	if _, err := m.Create("g"); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.HandleVoiceServerUpdate("g", "tok", "voice.example")
	m.HandleVoiceStateUpdate("someone-else", "g", "chan-1", "sess-x")

	time.Sleep(30 * time.Millisecond)
	if got := len(dialer.LastConn().Writes()); got != 0 {
		t.Errorf("writes = %d, want 0 for foreign voice state", got)
	}
}

func TestNodeMessagesRouteToOwningLink(t *testing.T) {
	m, sink := newManager(t)
	dialer := addNode(t, m, "a")

	p, err := m.Create("g")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := p.Play(context.Background(), wire.Track{Encoded: "QAAA..."}, link.PlayOptions{}); err != nil {
		t.Fatalf("play: %v", err)
	}

	dialer.LastConn().Push([]byte(`{"op":"event","type":"TrackEndEvent","guildId":"g","track":"QAAA...","reason":"FINISHED"}`))

	ev := sink.waitFor(t, link.EventTrackEnd)
	if ev.GuildID != "g" || ev.Reason != "FINISHED" {
		t.Errorf("track end event = %+v", ev)
	}
	if p.Track() != nil {
		t.Error("track still loaded after node-reported end")
	}
}

func TestFailoverMigratesGuildsToIdealNode(t *testing.T) {
	m, _ := newManager(t)
	dialerA := addNode(t, m, "a")
	dialerB := addNode(t, m, "b")

	p, err := m.Create("g", "a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m.HandleVoiceServerUpdate("g", "tok", "voice.example")
	m.HandleVoiceStateUpdate(botUserID, "g", "chan-1", "sess-1")
	if err := p.Play(context.Background(), wire.Track{Encoded: "QAAA..."}, link.PlayOptions{}); err != nil {
		t.Fatalf("play: %v", err)
	}
	if _, err := dialerA.LastConn().WaitWrites(2, time.Second); err != nil {
		t.Fatal(err)
	}

	// Node a dies for good.
	dialerA.Fail(fmt.Errorf("refused"))
	dialerA.LastConn().Close()

	l, _ := m.Link("g")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && l.Node().ID() != "b" {
		time.Sleep(5 * time.Millisecond)
	}
	if l.Node().ID() != "b" {
		t.Fatal("guild never migrated to node b")
	}

	na, _ := m.Node("a")
	nb, _ := m.Node("b")
	if na.HasGuild("g") {
		t.Error("old node still carries the guild")
	}
	if !nb.HasGuild("g") {
		t.Error("new node does not carry the guild")
	}

	// The paired session and the running track are replayed on the new node.
	writes, err := dialerB.LastConn().WaitWrites(2, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var vu wire.VoiceUpdate
	if err := json.Unmarshal(writes[0], &vu); err != nil {
		t.Fatal(err)
	}
	if vu.Op != wire.OpVoiceUpdate || vu.GuildID != "g" {
		t.Errorf("replayed payload = %+v", vu)
	}
	var replay wire.Play
	if err := json.Unmarshal(writes[1], &replay); err != nil {
		t.Fatal(err)
	}
	if replay.Op != wire.OpPlay || replay.Track != "QAAA..." {
		t.Errorf("replayed play = %+v", replay)
	}

	// Later node messages for the guild route to the new node's link.
	dialerB.LastConn().Push([]byte(`{"op":"playerUpdate","guildId":"g","state":{"time":1,"position":777,"connected":true}}`))
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && l.Player().Position() < 777 {
		time.Sleep(5 * time.Millisecond)
	}
	if l.Player().Position() < 777 {
		t.Error("player update via new node never applied")
	}
}

func TestFailoverWithoutTargetReportsPerGuildError(t *testing.T) {
	m, sink := newManager(t)
	dialer := addNode(t, m, "a")

	p, err := m.Create("g")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := p.Play(context.Background(), wire.Track{Encoded: "QAAA..."}, link.PlayOptions{}); err != nil {
		t.Fatalf("play: %v", err)
	}

	dialer.Fail(fmt.Errorf("refused"))
	dialer.LastConn().Close()

	ev := sink.waitFor(t, link.EventVoiceSessionFailed)
	if ev.GuildID != "g" || ev.Err == nil {
		t.Errorf("failover event = %+v", ev)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && p.Playing() {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Playing() {
		t.Error("player still playing after unrecoverable node loss")
	}
}

func TestAddNodeRejectsDuplicateID(t *testing.T) {
	m, _ := newManager(t)
	addNode(t, m, "a")

	_, err := m.AddNode(node.Config{ID: "a", Host: "localhost", Port: 2333, Password: "pass", Dial: (&nodetest.Dialer{}).Dial})
	if err != pool.ErrDuplicateNode {
		t.Errorf("duplicate add = %v, want ErrDuplicateNode", err)
	}
}

func TestRemoveNodeMigratesGuilds(t *testing.T) {
	m, _ := newManager(t)
	addNode(t, m, "a")
	addNode(t, m, "b")

	if _, err := m.Create("g", "a"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.RemoveNode("a"); err != nil {
		t.Fatalf("remove node: %v", err)
	}

	if _, ok := m.Node("a"); ok {
		t.Error("node a still registered")
	}
	l, _ := m.Link("g")
	if l.Node().ID() != "b" {
		t.Errorf("guild on node %s after removal, want b", l.Node().ID())
	}
}
