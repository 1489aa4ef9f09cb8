package wsrelay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/shinyes/pairsync/pkg/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Server relays frames between websocket clients joined to the same topic.
type Server struct {
	upgrader websocket.Upgrader
	router   *mux.Router
	logger   *slog.Logger
	limit    rate.Limit
	burst    int

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

type room struct {
	conns   map[*client]struct{}
	clients map[string]int
}

type client struct {
	topic   string
	member  transport.Member
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	once    sync.Once
}

func (c *client) closeSend() {
	c.once.Do(func() { close(c.send) })
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRateLimit caps inbound frames per connection.
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		s.limit = rate.Limit(perSecond)
		s.burst = burst
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a relay. Mount it with http.Handle("/", srv).
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		limit:  200,
		burst:  400,
		rooms:  make(map[string]*room),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = mux.NewRouter()
	s.router.HandleFunc("/sessions/{topic}/ws", s.serveWS).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Topics returns the number of connected clients per topic.
func (s *Server) Topics() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.rooms))
	for topic, rm := range s.rooms {
		out[topic] = len(rm.clients)
	}
	return out
}

// Close disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	var all []*client
	for _, rm := range s.rooms {
		for c := range rm.conns {
			all = append(all, c)
		}
	}
	s.mu.Unlock()

	for _, c := range all {
		_ = c.conn.Close()
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		http.Error(w, "missing client", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		topic:   topic,
		member:  transport.Member{ClientID: clientID, DisplayName: r.URL.Query().Get("name")},
		conn:    conn,
		limiter: rate.NewLimiter(s.limit, s.burst),
	}
	if !s.register(c) {
		_ = conn.Close()
		return
	}
	s.logger.Info("client connected", "topic", topic, "client", clientID)

	go s.writePump(c)
	s.readPump(c)
}

func encode(f frame) []byte {
	data, _ := json.Marshal(f)
	return data
}

// register adds c to its room, replays current members to it and announces it.
// It creates c.send sized for the replay so it never blocks under s.mu.
func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	rm := s.rooms[c.topic]
	if rm == nil {
		rm = &room{conns: make(map[*client]struct{}), clients: make(map[string]int)}
		s.rooms[c.topic] = rm
	}

	var replay [][]byte
	seen := make(map[string]bool)
	for other := range rm.conns {
		if other.member.ClientID == c.member.ClientID || seen[other.member.ClientID] {
			continue
		}
		seen[other.member.ClientID] = true
		m := other.member
		replay = append(replay, encode(frame{Kind: frameJoin, Member: &m}))
	}
	replay = append(replay, encode(frame{Kind: frameReady}))

	c.send = make(chan []byte, len(replay)+sendBuffer)
	for _, data := range replay {
		c.send <- data
	}

	rm.clients[c.member.ClientID]++
	if rm.clients[c.member.ClientID] == 1 {
		m := c.member
		s.fanoutLocked(rm, c.member.ClientID, encode(frame{Kind: frameJoin, Member: &m}))
	}
	rm.conns[c] = struct{}{}
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.rooms[c.topic]
	if rm == nil {
		return
	}
	if _, ok := rm.conns[c]; !ok {
		return
	}
	delete(rm.conns, c)
	c.closeSend()

	rm.clients[c.member.ClientID]--
	if rm.clients[c.member.ClientID] <= 0 {
		delete(rm.clients, c.member.ClientID)
		m := c.member
		s.fanoutLocked(rm, c.member.ClientID, encode(frame{Kind: frameLeave, Member: &m}))
	}
	if len(rm.conns) == 0 {
		delete(s.rooms, c.topic)
	}
}

// fanoutLocked queues data for every connection not belonging to except.
// A connection whose buffer is full is dropped.
func (s *Server) fanoutLocked(rm *room, except string, data []byte) {
	for other := range rm.conns {
		if other.member.ClientID == except {
			continue
		}
		select {
		case other.send <- data:
		default:
			s.logger.Warn("send buffer full, dropping client", "topic", other.topic, "client", other.member.ClientID)
			_ = other.conn.Close()
		}
	}
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.unregister(c)
		_ = c.conn.Close()
		s.logger.Info("client disconnected", "topic", c.topic, "client", c.member.ClientID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			s.logger.Debug("rate limited frame dropped", "client", c.member.ClientID)
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Kind != frameMsg || f.Msg == nil {
			s.logger.Debug("dropping malformed frame", "client", c.member.ClientID)
			continue
		}
		f.Msg.From = c.member.ClientID

		s.mu.Lock()
		if rm := s.rooms[c.topic]; rm != nil {
			s.fanoutLocked(rm, c.member.ClientID, encode(f))
		}
		s.mu.Unlock()
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
