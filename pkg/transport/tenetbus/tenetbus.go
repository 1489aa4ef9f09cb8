// Package tenetbus implements transport.Broker over tenet P2P tunnels.
//
// Each Join opens one tunnel whose channel id is the topic, so only nodes of
// the same session pair up. Tenet reports node connects and disconnects; the
// client behind a node is learned from the hello frame each side sends
// directly to the other on connect.
package tenetbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/pairsync/pkg/mailbox"
	"github.com/shinyes/pairsync/pkg/transport"
)

const (
	frameHello   = "hello"
	frameWelcome = "welcome"
	frameBye     = "bye"
	frameMessage = "msg"
)

type frame struct {
	Kind   string           `msgpack:"k"`
	Topic  string           `msgpack:"t"`
	Member transport.Member `msgpack:"m"`
	Msg    []byte           `msgpack:"p,omitempty"`
}

// Tunnel is the part of a tenet tunnel the bus drives.
type Tunnel interface {
	OnReceive(fn func(peerID string, data []byte))
	OnPeerConnected(fn func(peerID string))
	OnPeerDisconnected(fn func(peerID string))
	Start() error
	Connect(addr string) error
	Send(channelID, peerID string, data []byte) error
	Broadcast(channelID string, data []byte) (int, error)
	GracefulStop()
	LocalID() string
}

// Opener creates an unstarted tunnel for one channel id.
type Opener func(channelID string) (Tunnel, error)

// Broker is a tenet transport.Broker.
type Broker struct {
	open   Opener
	peers  []string
	logger *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithOpener replaces the tenet tunnel constructor.
func WithOpener(open Opener) Option {
	return func(b *Broker) { b.open = open }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Broker from cfg. Password is required unless WithOpener is given.
func New(cfg Config, opts ...Option) (*Broker, error) {
	b := &Broker{
		peers:  append([]string(nil), cfg.Peers...),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.open == nil {
		if cfg.Password == "" {
			return nil, errors.New("tenetbus: password is required")
		}
		b.open = apiOpener(cfg)
	}
	return b, nil
}

type conn struct {
	topic  string
	self   transport.Member
	h      transport.Handler
	tunnel Tunnel
	box    *mailbox.Mailbox
	logger *slog.Logger

	mu      sync.Mutex
	nodes   map[string]transport.Member
	clients map[string]int
	closed  bool

	wg sync.WaitGroup
}

// Join implements transport.Broker. It starts a tunnel on topic and dials the
// configured peers; members are reported as their hello frames arrive.
func (b *Broker) Join(ctx context.Context, topic string, self transport.Member, h transport.Handler) (transport.Channel, error) {
	tunnel, err := b.open(topic)
	if err != nil {
		return nil, fmt.Errorf("open tunnel %s: %w", topic, err)
	}

	c := &conn{
		topic:   topic,
		self:    self,
		h:       h,
		tunnel:  tunnel,
		box:     mailbox.New(),
		logger:  b.logger.With("topic", topic, "client", self.ClientID),
		nodes:   make(map[string]transport.Member),
		clients: make(map[string]int),
	}
	tunnel.OnReceive(c.receive)
	tunnel.OnPeerConnected(c.peerConnected)
	tunnel.OnPeerDisconnected(c.peerDisconnected)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.box.Run()
	}()

	if err := tunnel.Start(); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("start tunnel %s: %w", topic, err)
	}
	c.logger.Info("tunnel started", "node", tunnel.LocalID())

	for _, addr := range b.peers {
		if err := ctx.Err(); err != nil {
			c.shutdown()
			return nil, err
		}
		if err := tunnel.Connect(addr); err != nil {
			c.logger.Warn("connect peer failed", "addr", addr, "err", err)
		}
	}
	return c, nil
}

func (c *conn) Self() transport.Member { return c.self }

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) encode(kind string, msg *transport.Message) ([]byte, error) {
	f := frame{Kind: kind, Topic: c.topic, Member: c.self}
	if msg != nil {
		raw, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		f.Msg = raw
	}
	return msgpack.Marshal(&f)
}

func (c *conn) Broadcast(ctx context.Context, msg transport.Message) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.From == "" {
		msg.From = c.self.ClientID
	}
	data, err := c.encode(frameMessage, &msg)
	if err != nil {
		return err
	}
	if _, err := c.tunnel.Broadcast(c.topic, data); err != nil {
		return fmt.Errorf("broadcast %s: %w", msg.Event, err)
	}
	return nil
}

func (c *conn) Leave() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if data, err := c.encode(frameBye, nil); err == nil {
		if _, err := c.tunnel.Broadcast(c.topic, data); err != nil {
			c.logger.Debug("bye frame not sent", "err", err)
		}
	}
	c.shutdown()
	return nil
}

func (c *conn) shutdown() {
	c.tunnel.GracefulStop()
	c.box.Close()
	c.wg.Wait()
}

func (c *conn) sendTo(peerID, kind string) {
	data, err := c.encode(kind, nil)
	if err != nil {
		return
	}
	if err := c.tunnel.Send(c.topic, peerID, data); err != nil {
		c.logger.Debug("send failed", "kind", kind, "peer", peerID, "err", err)
	}
}

func (c *conn) peerConnected(peerID string) {
	if c.isClosed() {
		return
	}
	c.logger.Debug("node connected", "peer", peerID)
	c.sendTo(peerID, frameHello)
}

func (c *conn) peerDisconnected(peerID string) {
	c.logger.Debug("node disconnected", "peer", peerID)
	c.forget(peerID)
}

func (c *conn) receive(peerID string, data []byte) {
	var f frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		c.logger.Debug("dropping malformed frame", "peer", peerID, "err", err)
		return
	}
	if f.Topic != c.topic || f.Member.ClientID == "" || f.Member.ClientID == c.self.ClientID {
		return
	}

	switch f.Kind {
	case frameHello:
		// 对方可能先于我们的连接回调发来 hello，回一个 welcome 保证双方互相认识
		if c.learn(peerID, f.Member) {
			c.sendTo(peerID, frameWelcome)
		}
	case frameWelcome:
		c.learn(peerID, f.Member)
	case frameBye:
		c.forget(peerID)
	case frameMessage:
		c.learn(peerID, f.Member)
		var msg transport.Message
		if err := json.Unmarshal(f.Msg, &msg); err != nil {
			c.logger.Debug("dropping malformed message", "peer", peerID, "err", err)
			return
		}
		c.deliver(func(h transport.Handler) { h.OnMessage(msg) })
	default:
		c.logger.Debug("unknown frame kind", "kind", f.Kind)
	}
}

func (c *conn) deliver(fn func(transport.Handler)) {
	c.box.Post(func() {
		if !c.isClosed() {
			fn(c.h)
		}
	})
}

// learn records the member behind peerID and reports whether the node was new.
func (c *conn) learn(peerID string, member transport.Member) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.nodes[peerID]; ok {
		return false
	}
	c.nodes[peerID] = member
	c.clients[member.ClientID]++
	if c.clients[member.ClientID] == 1 {
		c.deliver(func(h transport.Handler) {
			h.OnPresence(transport.PresenceEvent{Kind: transport.PresenceJoin, Member: member})
		})
	}
	return true
}

func (c *conn) forget(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	member, ok := c.nodes[peerID]
	if !ok {
		return
	}
	delete(c.nodes, peerID)
	c.clients[member.ClientID]--
	if c.clients[member.ClientID] > 0 {
		return
	}
	delete(c.clients, member.ClientID)
	c.deliver(func(h transport.Handler) {
		h.OnPresence(transport.PresenceEvent{Kind: transport.PresenceLeave, Member: member})
	})
}
