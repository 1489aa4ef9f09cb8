package wsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shinyes/pairsync/pkg/transport"
)

// Broker dials a relay Server. It implements transport.Broker.
type Broker struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// NewBroker returns a Broker for the relay at baseURL (http, https, ws or wss).
func NewBroker(baseURL string, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broker{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger,
	}
}

func (b *Broker) endpoint(topic string, self transport.Member) (string, error) {
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/sessions/" + url.PathEscape(topic) + "/ws"
	q := u.Query()
	q.Set("client", self.ClientID)
	if self.DisplayName != "" {
		q.Set("name", self.DisplayName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type channel struct {
	self   transport.Member
	conn   *websocket.Conn
	h      transport.Handler
	logger *slog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

// Join dials the relay and waits for its ready frame. Presence frames that
// precede it are delivered before Join returns.
func (b *Broker) Join(ctx context.Context, topic string, self transport.Member, h transport.Handler) (transport.Channel, error) {
	endpoint, err := b.endpoint(topic, self)
	if err != nil {
		return nil, err
	}
	conn, _, err := b.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &channel{
		self:   self,
		conn:   conn,
		h:      h,
		logger: b.logger.With("topic", topic, "client", self.ClientID),
		done:   make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	for {
		f, err := c.read()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("await relay ready: %w", err)
		}
		if f.Kind == frameReady {
			break
		}
		c.dispatch(f)
	}
	_ = conn.SetReadDeadline(time.Time{})

	go c.readLoop()
	return c, nil
}

func (c *channel) read() (frame, error) {
	var f frame
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{Kind: "invalid"}, nil
	}
	return f, nil
}

func (c *channel) dispatch(f frame) {
	switch f.Kind {
	case frameJoin, frameLeave:
		if f.Member == nil {
			return
		}
		kind := transport.PresenceJoin
		if f.Kind == frameLeave {
			kind = transport.PresenceLeave
		}
		c.h.OnPresence(transport.PresenceEvent{Kind: kind, Member: *f.Member})
	case frameMsg:
		if f.Msg != nil {
			c.h.OnMessage(*f.Msg)
		}
	default:
		c.logger.Debug("ignoring relay frame", "kind", f.Kind)
	}
}

func (c *channel) readLoop() {
	defer close(c.done)
	for {
		f, err := c.read()
		if err != nil {
			if !c.isClosed() {
				c.logger.Warn("relay connection lost", "err", err)
			}
			return
		}
		if c.isClosed() {
			return
		}
		c.dispatch(f)
	}
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *channel) Self() transport.Member { return c.self }

func (c *channel) Broadcast(ctx context.Context, msg transport.Message) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	if msg.From == "" {
		msg.From = c.self.ClientID
	}
	data, err := json.Marshal(frame{Kind: frameMsg, Msg: &msg})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

func (c *channel) Leave() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug("close frame not sent", "err", err)
	}

	// 等待服务端回送关闭帧，超时则直接断开
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	_ = c.conn.Close()
	<-c.done
	return nil
}
