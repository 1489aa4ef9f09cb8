// Package redisbus implements transport.Broker on Redis pub/sub.
//
// Every connection publishes JSON frames on one Redis channel per topic.
// Presence is derived from join/leave frames plus periodic heartbeats: a
// connection that stops heartbeating for longer than the timeout is treated
// as gone.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shinyes/pairsync/pkg/mailbox"
	"github.com/shinyes/pairsync/pkg/transport"
)

const (
	frameJoin      = "join"
	frameHeartbeat = "heartbeat"
	frameLeave     = "leave"
	frameMessage   = "msg"
)

type frame struct {
	Kind   string             `json:"kind"`
	Conn   string             `json:"conn"`
	Member transport.Member   `json:"member"`
	Msg    *transport.Message `json:"msg,omitempty"`
}

// Bus is a Redis pub/sub transport.Broker.
type Bus struct {
	client            redis.UniversalClient
	prefix            string
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	subscribeRetries  uint64
	logger            *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithPrefix sets the Redis channel prefix. Default "pairsync:session:".
func WithPrefix(prefix string) Option {
	return func(b *Bus) { b.prefix = prefix }
}

// WithHeartbeat sets how often connections announce themselves and how long a
// silent connection is kept before a leave is reported.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(b *Bus) {
		if interval > 0 {
			b.heartbeatInterval = interval
		}
		if timeout > 0 {
			b.heartbeatTimeout = timeout
		}
	}
}

// WithSubscribeRetries bounds the attempts to get a subscribe acknowledgment.
func WithSubscribeRetries(n uint64) Option {
	return func(b *Bus) { b.subscribeRetries = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Bus over client. The caller owns client.
func New(client redis.UniversalClient, opts ...Option) *Bus {
	b := &Bus{
		client:            client,
		prefix:            "pairsync:session:",
		heartbeatInterval: 2 * time.Second,
		heartbeatTimeout:  6 * time.Second,
		subscribeRetries:  5,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type peer struct {
	member   transport.Member
	lastSeen time.Time
}

type conn struct {
	bus     *Bus
	channel string
	id      string
	self    transport.Member
	h       transport.Handler
	ps      *redis.PubSub
	box     *mailbox.Mailbox
	logger  *slog.Logger

	mu      sync.Mutex
	peers   map[string]*peer
	clients map[string]int
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Join implements transport.Broker. It returns after Redis acknowledged the
// subscription and the join frame was published.
func (b *Bus) Join(ctx context.Context, topic string, self transport.Member, h transport.Handler) (transport.Channel, error) {
	channel := b.prefix + topic
	ps := b.client.Subscribe(ctx, channel)

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), b.subscribeRetries), ctx)
	err := backoff.Retry(func() error {
		msg, err := ps.Receive(ctx)
		if err != nil {
			return err
		}
		if _, ok := msg.(*redis.Subscription); !ok {
			return backoff.Permanent(fmt.Errorf("unexpected subscribe reply %T", msg))
		}
		return nil
	}, policy)
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		bus:     b,
		channel: channel,
		id:      uuid.NewString(),
		self:    self,
		h:       h,
		ps:      ps,
		box:     mailbox.New(),
		logger:  b.logger.With("topic", topic, "client", self.ClientID),
		peers:   make(map[string]*peer),
		clients: make(map[string]int),
		cancel:  cancel,
	}

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.box.Run()
	}()
	go c.readLoop(ps.Channel())
	go c.heartbeatLoop(loopCtx)

	if err := c.publish(ctx, frame{Kind: frameJoin}); err != nil {
		_ = c.Leave()
		return nil, err
	}
	return c, nil
}

func (c *conn) Self() transport.Member { return c.self }

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) publish(ctx context.Context, f frame) error {
	if f.Kind != frameLeave && c.isClosed() {
		return transport.ErrClosed
	}
	f.Conn = c.id
	f.Member = c.self
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := c.bus.client.Publish(ctx, c.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", f.Kind, err)
	}
	return nil
}

func (c *conn) Broadcast(ctx context.Context, msg transport.Message) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	if msg.From == "" {
		msg.From = c.self.ClientID
	}
	return c.publish(ctx, frame{Kind: frameMessage, Msg: &msg})
}

func (c *conn) Leave() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	err := c.publish(ctx, frame{Kind: frameLeave})
	cancel()
	if err != nil {
		c.logger.Debug("leave frame not published", "err", err)
	}

	c.cancel()
	closeErr := c.ps.Close()
	c.box.Close()
	c.wg.Wait()
	return closeErr
}

func (c *conn) readLoop(ch <-chan *redis.Message) {
	defer c.wg.Done()
	for raw := range ch {
		var f frame
		if err := json.Unmarshal([]byte(raw.Payload), &f); err != nil {
			c.logger.Debug("dropping malformed frame", "err", err)
			continue
		}
		if f.Conn == c.id || f.Member.ClientID == c.self.ClientID {
			continue
		}
		c.handleFrame(f)
	}
}

func (c *conn) handleFrame(f frame) {
	switch f.Kind {
	case frameLeave:
		c.drop(f.Conn)
		return
	case frameJoin:
		c.touch(f.Conn, f.Member)
		// 让新加入者尽快知道我们在线
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.publish(ctx, frame{Kind: frameHeartbeat}); err != nil {
			c.logger.Debug("heartbeat reply failed", "err", err)
		}
		cancel()
	case frameHeartbeat:
		c.touch(f.Conn, f.Member)
	case frameMessage:
		c.touch(f.Conn, f.Member)
		if f.Msg != nil {
			msg := *f.Msg
			c.deliver(func(h transport.Handler) { h.OnMessage(msg) })
		}
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

func (c *conn) touch(connID string, member transport.Member) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.peers[connID]; ok {
		p.lastSeen = time.Now()
		return
	}
	c.peers[connID] = &peer{member: member, lastSeen: time.Now()}
	c.clients[member.ClientID]++
	if c.clients[member.ClientID] == 1 {
		c.deliver(func(h transport.Handler) {
			h.OnPresence(transport.PresenceEvent{Kind: transport.PresenceJoin, Member: member})
		})
	}
}

func (c *conn) drop(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(connID)
}

func (c *conn) dropLocked(connID string) {
	p, ok := c.peers[connID]
	if !ok {
		return
	}
	delete(c.peers, connID)
	c.clients[p.member.ClientID]--
	if c.clients[p.member.ClientID] > 0 {
		return
	}
	delete(c.clients, p.member.ClientID)
	member := p.member
	c.deliver(func(h transport.Handler) {
		h.OnPresence(transport.PresenceEvent{Kind: transport.PresenceLeave, Member: member})
	})
}

func (c *conn) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.bus.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.publish(ctx, frame{Kind: frameHeartbeat}); err != nil && ctx.Err() == nil && !c.isClosed() {
				c.logger.Warn("heartbeat broadcast failed", "err", err)
			}
			c.expire(time.Now())
		}
	}
}

// expire drops connections that have been silent longer than the timeout.
func (c *conn) expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.peers {
		if elapsed := now.Sub(p.lastSeen); elapsed > c.bus.heartbeatTimeout {
			c.logger.Info("peer heartbeat timed out", "peer", p.member.ClientID, "silent", elapsed)
			c.dropLocked(id)
		}
	}
}
