package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shinyes/pairsync/pkg/mailbox"
)

// MemoryBus is an in-process Broker. Each connection gets its own ordered
// delivery queue so one slow handler does not stall the others.
type MemoryBus struct {
	mu    sync.Mutex
	rooms map[string]map[string]*memoryConn
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{rooms: make(map[string]map[string]*memoryConn)}
}

type memoryConn struct {
	bus    *MemoryBus
	topic  string
	id     string
	self   Member
	h      Handler
	box    *mailbox.Mailbox
	closed atomic.Bool
}

func (c *memoryConn) deliver(fn func(Handler)) {
	c.box.Post(func() {
		if c.closed.Load() {
			return
		}
		fn(c.h)
	})
}

// Join implements Broker.
func (b *MemoryBus) Join(ctx context.Context, topic string, self Member, h Handler) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &memoryConn{
		bus:   b,
		topic: topic,
		id:    uuid.NewString(),
		self:  self,
		h:     h,
		box:   mailbox.New(),
	}
	go c.box.Run()

	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.rooms[topic]
	if room == nil {
		room = make(map[string]*memoryConn)
		b.rooms[topic] = room
	}

	firstForClient := true
	seen := make(map[string]bool)
	for _, other := range room {
		if other.self.ClientID == self.ClientID {
			firstForClient = false
			continue
		}
		if !seen[other.self.ClientID] {
			seen[other.self.ClientID] = true
			member := other.self
			c.deliver(func(h Handler) { h.OnPresence(PresenceEvent{Kind: PresenceJoin, Member: member}) })
		}
	}
	if firstForClient {
		for _, other := range room {
			if other.self.ClientID == self.ClientID {
				continue
			}
			other.deliver(func(h Handler) { h.OnPresence(PresenceEvent{Kind: PresenceJoin, Member: self}) })
		}
	}
	room[c.id] = c
	return c, nil
}

// Members returns the distinct client ids currently on topic.
func (b *MemoryBus) Members(topic string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, c := range b.rooms[topic] {
		if !seen[c.self.ClientID] {
			seen[c.self.ClientID] = true
			out = append(out, c.self.ClientID)
		}
	}
	return out
}

func (c *memoryConn) Self() Member { return c.self }

func (c *memoryConn) Broadcast(ctx context.Context, msg Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.From == "" {
		msg.From = c.self.ClientID
	}

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	for _, other := range c.bus.rooms[c.topic] {
		if other.self.ClientID == c.self.ClientID {
			continue
		}
		m := msg
		other.deliver(func(h Handler) { h.OnMessage(m) })
	}
	return nil
}

func (c *memoryConn) Leave() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.box.Close()

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	room := c.bus.rooms[c.topic]
	delete(room, c.id)

	for _, other := range room {
		if other.self.ClientID == c.self.ClientID {
			return nil
		}
	}
	for _, other := range room {
		member := c.self
		other.deliver(func(h Handler) { h.OnPresence(PresenceEvent{Kind: PresenceLeave, Member: member}) })
	}
	if len(room) == 0 {
		delete(c.bus.rooms, c.topic)
	}
	return nil
}
