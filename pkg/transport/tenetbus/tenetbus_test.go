package tenetbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/goleak"

	"github.com/shinyes/pairsync/pkg/mailbox"
	"github.com/shinyes/pairsync/pkg/transport"
	"github.com/shinyes/pairsync/pkg/transport/transporttest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const wait = time.Second

// mesh is an in-process stand-in for a tenet network. Nodes are addressed by
// their id and only pair up when they share a channel id.
type mesh struct {
	mu        sync.Mutex
	seq       int
	nodes     map[string]*fakeTunnel
	failStart error
}

func newMesh() *mesh {
	return &mesh{nodes: make(map[string]*fakeTunnel)}
}

func (m *mesh) open(channelID string) (Tunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &fakeTunnel{
		mesh:    m,
		id:      fmt.Sprintf("node-%d", m.seq),
		channel: channelID,
		box:     mailbox.New(),
		peers:   make(map[string]*fakeTunnel),
	}
	go t.box.Run()
	return t, nil
}

func (m *mesh) broker(t *testing.T, peers ...string) *Broker {
	t.Helper()
	b, err := New(Config{Peers: peers}, WithOpener(m.open))
	require.NoError(t, err)
	return b
}

type fakeTunnel struct {
	mesh    *mesh
	id      string
	channel string
	box     *mailbox.Mailbox

	// guarded by mesh.mu
	peers          map[string]*fakeTunnel
	onReceive      func(string, []byte)
	onConnected    func(string)
	onDisconnected func(string)
	stopped        bool
}

func (t *fakeTunnel) OnReceive(fn func(peerID string, data []byte)) {
	t.mesh.mu.Lock()
	t.onReceive = fn
	t.mesh.mu.Unlock()
}

func (t *fakeTunnel) OnPeerConnected(fn func(peerID string)) {
	t.mesh.mu.Lock()
	t.onConnected = fn
	t.mesh.mu.Unlock()
}

func (t *fakeTunnel) OnPeerDisconnected(fn func(peerID string)) {
	t.mesh.mu.Lock()
	t.onDisconnected = fn
	t.mesh.mu.Unlock()
}

func (t *fakeTunnel) Start() error {
	t.mesh.mu.Lock()
	defer t.mesh.mu.Unlock()
	if t.mesh.failStart != nil {
		return t.mesh.failStart
	}
	t.mesh.nodes[t.id] = t
	return nil
}

func (t *fakeTunnel) Connect(addr string) error {
	t.mesh.mu.Lock()
	defer t.mesh.mu.Unlock()
	other, ok := t.mesh.nodes[addr]
	if !ok || other.channel != t.channel {
		return fmt.Errorf("no node %s on channel %s", addr, t.channel)
	}
	t.peers[other.id] = other
	other.peers[t.id] = t
	t.postLocked(func() { t.onConnected(other.id) })
	other.postLocked(func() { other.onConnected(t.id) })
	return nil
}

// postLocked schedules fn on t's delivery goroutine unless t has stopped by
// then. mesh.mu must be held.
func (t *fakeTunnel) postLocked(fn func()) {
	t.box.Post(func() {
		t.mesh.mu.Lock()
		stopped := t.stopped
		t.mesh.mu.Unlock()
		if !stopped {
			fn()
		}
	})
}

func (t *fakeTunnel) deliverLocked(to *fakeTunnel, data []byte) {
	payload := append([]byte(nil), data...)
	from := t.id
	recv := to.onReceive
	to.postLocked(func() { recv(from, payload) })
}

func (t *fakeTunnel) Send(channelID, peerID string, data []byte) error {
	t.mesh.mu.Lock()
	defer t.mesh.mu.Unlock()
	peer, ok := t.peers[peerID]
	if !ok || channelID != t.channel {
		return fmt.Errorf("peer %s not connected", peerID)
	}
	t.deliverLocked(peer, data)
	return nil
}

func (t *fakeTunnel) Broadcast(channelID string, data []byte) (int, error) {
	t.mesh.mu.Lock()
	defer t.mesh.mu.Unlock()
	if channelID != t.channel {
		return 0, nil
	}
	for _, peer := range t.peers {
		t.deliverLocked(peer, data)
	}
	return len(t.peers), nil
}

func (t *fakeTunnel) GracefulStop() {
	t.mesh.mu.Lock()
	if t.stopped {
		t.mesh.mu.Unlock()
		return
	}
	t.stopped = true
	delete(t.mesh.nodes, t.id)
	for _, peer := range t.peers {
		delete(peer.peers, t.id)
		gone, onGone := t.id, peer.onDisconnected
		peer.postLocked(func() { onGone(gone) })
	}
	t.peers = nil
	t.mesh.mu.Unlock()

	t.box.Close()
	<-t.box.Done()
}

func (t *fakeTunnel) LocalID() string { return t.id }

func join(t *testing.T, b *Broker, id string) (transport.Channel, *transporttest.Recorder) {
	t.Helper()
	rec := transporttest.NewRecorder()
	ch, err := b.Join(context.Background(), "s1", transport.Member{ClientID: id, DisplayName: id + "!"}, rec)
	require.NoError(t, err)
	return ch, rec
}

func nodesOf(c *conn, clientID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[clientID]
}

func TestTenetBusPresenceAndBroadcast(t *testing.T) {
	m := newMesh()
	a, ra := join(t, m.broker(t), "alice")
	b, rb := join(t, m.broker(t, "node-1"), "bob")

	require.True(t, ra.WaitFor(wait, transporttest.HasPresence(transport.PresenceJoin, "bob")))
	require.True(t, rb.WaitFor(wait, transporttest.HasPresence(transport.PresenceJoin, "alice")))
	assert.Equal(t, "alice!", rb.Presence()[0].Member.DisplayName)

	for i := 0; i < 5; i++ {
		msg, err := transport.NewMessage("update", "", map[string]int{"n": i})
		require.NoError(t, err)
		require.NoError(t, a.Broadcast(context.Background(), msg))
	}
	require.True(t, rb.WaitFor(wait, transporttest.HasEvent("update", 5)))
	for i, msg := range rb.Messages() {
		assert.Equal(t, "alice", msg.From)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(msg.Payload))
	}
	assert.Empty(t, ra.Messages())

	require.NoError(t, b.Leave())
	require.NoError(t, b.Leave())
	require.True(t, ra.WaitFor(wait, transporttest.HasPresence(transport.PresenceLeave, "bob")))
	assert.ErrorIs(t, b.Broadcast(context.Background(), transport.Message{Event: "x"}), transport.ErrClosed)

	require.NoError(t, a.Leave())
}

func TestTenetBusRefcountsClientNodes(t *testing.T) {
	m := newMesh()
	a, ra := join(t, m.broker(t), "alice")
	b1, _ := join(t, m.broker(t, "node-1"), "bob")
	b2, _ := join(t, m.broker(t, "node-1"), "bob")
	defer a.Leave()

	require.Eventually(t, func() bool { return nodesOf(a.(*conn), "bob") == 2 }, wait, 5*time.Millisecond)

	require.NoError(t, b1.Leave())
	assert.False(t, ra.WaitFor(100*time.Millisecond, transporttest.HasPresence(transport.PresenceLeave, "bob")))

	require.NoError(t, b2.Leave())
	require.True(t, ra.WaitFor(wait, transporttest.HasPresence(transport.PresenceLeave, "bob")))

	joins := 0
	for _, e := range ra.Presence() {
		if e.Kind == transport.PresenceJoin {
			joins++
		}
	}
	assert.Equal(t, 1, joins)
}

func TestTenetBusDropsForeignFrames(t *testing.T) {
	m := newMesh()
	ch, rec := join(t, m.broker(t), "alice")
	defer ch.Leave()
	c := ch.(*conn)

	other, err := msgpack.Marshal(&frame{Kind: frameHello, Topic: "s2", Member: transport.Member{ClientID: "eve"}})
	require.NoError(t, err)
	own, err := msgpack.Marshal(&frame{Kind: frameHello, Topic: "s1", Member: transport.Member{ClientID: "alice"}})
	require.NoError(t, err)
	badMsg, err := msgpack.Marshal(&frame{Kind: frameMessage, Topic: "s1", Member: transport.Member{ClientID: "bob"}, Msg: []byte("{")})
	require.NoError(t, err)

	c.receive("node-9", []byte{0xc1})
	c.receive("node-9", other)
	c.receive("node-9", own)
	c.receive("node-8", badMsg)

	// bob 的帧虽然消息体损坏，但成员身份有效
	require.True(t, rec.WaitFor(wait, transporttest.HasPresence(transport.PresenceJoin, "bob")))
	assert.Len(t, rec.Presence(), 1)
	assert.Empty(t, rec.Messages())
}

func TestTenetBusJoinStartFailure(t *testing.T) {
	m := newMesh()
	m.failStart = errors.New("port in use")

	_, err := m.broker(t).Join(context.Background(), "s1", transport.Member{ClientID: "alice"}, transporttest.NewRecorder())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port in use")
}

func TestNewRequiresPassword(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
