// Package session is the collaborative editing engine for one session: the
// replicated document, presence, cursors, language consensus and lifecycle.
//
// All state belongs to a single event loop. Transport deliveries, timer
// firings and public API calls are queued on the loop and run one at a time,
// so handlers never need locks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shinyes/pairsync/pkg/crdt"
	"github.com/shinyes/pairsync/pkg/hlc"
	"github.com/shinyes/pairsync/pkg/mailbox"
	"github.com/shinyes/pairsync/pkg/snapshot"
	"github.com/shinyes/pairsync/pkg/store"
	"github.com/shinyes/pairsync/pkg/transport"
)

const sendTimeout = 5 * time.Second

// Identity is a participant.
type Identity struct {
	ClientID    string `json:"id"`
	DisplayName string `json:"name"`
}

// Deps are the engine's collaborators. Only Broker is required.
type Deps struct {
	Broker    transport.Broker
	Snapshots snapshot.Store
	Local     store.Store
	Hooks     Hooks
}

// Engine runs one client's side of a session.
type Engine struct {
	cfg    Config
	deps   Deps
	hooks  Hooks
	logger *slog.Logger
	self   Identity
	clock  *hlc.Clock

	inbox  *mailbox.Mailbox // 事件循环
	outbox *mailbox.Mailbox // 按序发送
	ui     *mailbox.Mailbox // Hooks 回调
	bg     sync.WaitGroup

	disposeOnce sync.Once
	startMu     sync.Mutex
	started     bool

	// 以下字段只在事件循环中访问
	channel transport.Channel
	joined  bool
	early   []func() // Join 返回前到达的事件
	doc     crdt.Document
	ended   bool

	// document sync
	initialContent string
	seeded         bool
	stateResolved  bool
	graceTimer     *timerHandle
	pusher         *snapshot.Pusher

	// presence
	peers         map[string]*peerState
	pendingLeaves map[string]*pendingLeave
	displayed     *Identity
	identities    *lru.Cache[string, Identity]

	// cursors
	cursors   map[string]*cursorRecord
	selection localSelection

	// language
	authoritative crdt.LWWRegister
	selected      string
	outgoing      *outgoingProposal
	incoming      *Proposal
	answered      *answeredProposal

	navigateTimer *timerHandle
}

type handlerFunc func(e *Engine, msg transport.Message) error

var handlers = map[string]handlerFunc{
	EventRequestState:     (*Engine).onRequestState,
	EventSync:             (*Engine).onSync,
	EventUpdate:           (*Engine).onUpdate,
	EventCursorUpdate:     (*Engine).onCursorUpdate,
	EventWhoAreYou:        (*Engine).onWhoAreYou,
	EventIAm:              (*Engine).onIAm,
	EventLanguageProposal: (*Engine).onLanguageProposal,
	EventLanguageResponse: (*Engine).onLanguageResponse,
	EventLanguageCancel:   (*Engine).onLanguageCancel,
	EventLanguageChange:   (*Engine).onLanguageChange,
	EventExitSession:      (*Engine).onExitSession,
}

// New creates an engine. Its loop runs immediately; call Start to join the session.
func New(cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SessionID == "" {
		return nil, errors.New("session: SessionID required")
	}
	if deps.Broker == nil {
		return nil, errors.New("session: Broker required")
	}
	cfg = cfg.withDefaults()
	if cfg.Self.ClientID == "" {
		cfg.Self.ClientID = uuid.NewString()
	}

	identities, err := lru.New[string, Identity](cfg.IdentityCacheSize)
	if err != nil {
		return nil, fmt.Errorf("identity cache: %w", err)
	}

	hooks := deps.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}

	e := &Engine{
		cfg:            cfg,
		deps:           deps,
		hooks:          hooks,
		logger:         cfg.Logger.With("session", cfg.SessionID, "client", cfg.Self.ClientID),
		self:           cfg.Self,
		clock:          cfg.Clock,
		inbox:          mailbox.New(),
		outbox:         mailbox.New(),
		ui:             mailbox.New(),
		doc:            crdt.NewText(cfg.Clock),
		initialContent: cfg.InitialContent,
		peers:          make(map[string]*peerState),
		pendingLeaves:  make(map[string]*pendingLeave),
		identities:     identities,
		cursors:        make(map[string]*cursorRecord),
		selected:       cfg.InitialLanguage,
		authoritative:  crdt.LWWRegister{Value: cfg.InitialLanguage},
	}
	e.selection.anchor = crdt.Anchor{After: crdt.RootID}
	e.selection.head = crdt.Anchor{After: crdt.RootID}

	go e.inbox.Run()
	go e.outbox.Run()
	go e.ui.Run()
	return e, nil
}

// ClientID returns this engine's client id.
func (e *Engine) ClientID() string { return e.self.ClientID }

// do runs fn on the loop and waits for it.
func (e *Engine) do(fn func() error) error {
	errc := make(chan error, 1)
	if !e.inbox.Post(func() { errc <- fn() }) {
		return ErrEngineStopped
	}
	return <-errc
}

// post queues fn on the loop without waiting.
func (e *Engine) post(fn func()) {
	e.inbox.Post(fn)
}

// notify queues a hook call.
func (e *Engine) notify(fn func(h Hooks)) {
	e.ui.Post(func() { fn(e.hooks) })
}

// Start fetches the snapshot, surfaces stored notices, joins the channel and
// requests the current document from peers. A closed session triggers
// navigation away and returns ErrSessionClosed.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	var fetched *snapshot.Session
	if e.deps.Snapshots != nil {
		sess, err := e.deps.Snapshots.Fetch(ctx, e.cfg.SessionID)
		if err == nil {
			err = snapshot.CheckOpen(sess)
		}
		switch {
		case errors.Is(err, snapshot.ErrSessionClosed):
			e.logger.Info("session closed, leaving")
			_ = e.do(func() error {
				e.ended = true
				e.notify(func(h Hooks) { h.Navigate("/") })
				return nil
			})
			return fmt.Errorf("start session %s: %w", e.cfg.SessionID, err)
		case err != nil:
			e.logger.Warn("snapshot fetch failed, continuing without it", "err", err)
		default:
			fetched = &sess
		}
	}

	var cached *cachedDoc
	if fetched == nil {
		cached = e.loadCachedDocument()
	}
	e.drainNotices()

	ch, err := e.deps.Broker.Join(ctx, e.cfg.SessionID,
		transport.Member{ClientID: e.self.ClientID, DisplayName: e.self.DisplayName},
		transport.HandlerFuncs{
			Message:  func(m transport.Message) { e.deliver(func() { e.dispatch(m) }) },
			Presence: func(ev transport.PresenceEvent) { e.deliver(func() { e.onPresence(ev) }) },
		})
	if err != nil {
		return fmt.Errorf("join session %s: %w", e.cfg.SessionID, err)
	}

	return e.do(func() error {
		e.channel = ch
		e.joined = true
		if e.ended {
			e.leaveChannel()
			return ErrSessionEnded
		}
		e.startDocSync(fetched, cached)

		early := e.early
		e.early = nil
		for _, fn := range early {
			fn()
		}
		return nil
	})
}

// deliver queues a transport event on the loop. Events that arrive while
// Join is still in progress are held until the channel is usable.
func (e *Engine) deliver(fn func()) {
	e.post(func() {
		if !e.joined {
			e.early = append(e.early, fn)
			return
		}
		fn()
	})
}

// dispatch routes one channel message to its handler. A failing or panicking
// handler only drops that message.
func (e *Engine) dispatch(msg transport.Message) {
	if e.ended || msg.From == e.self.ClientID {
		return
	}
	h, ok := handlers[msg.Event]
	if !ok {
		e.logger.Debug("unknown event", "event", msg.Event, "from", msg.From)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked", "event", msg.Event, "from", msg.From, "panic", r)
		}
	}()
	if err := h(e, msg); err != nil {
		e.logger.Debug("dropping message", "event", msg.Event, "from", msg.From, "err", err)
	}
}

// send marshals payload and queues it on the outbox.
func (e *Engine) send(event string, payload any) {
	msg, err := transport.NewMessage(event, e.self.ClientID, payload)
	if err != nil {
		e.logger.Error("encode message", "event", event, "err", err)
		return
	}
	ch := e.channel
	if ch == nil {
		e.logger.Debug("not joined, dropping", "event", event)
		return
	}
	e.outbox.Post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := ch.Broadcast(ctx, msg); err != nil && !errors.Is(err, transport.ErrClosed) {
			e.logger.Warn("broadcast failed", "event", event, "err", err)
		}
	})
}

// flushOutbox waits until everything queued so far was sent, or ctx expires.
func (e *Engine) flushOutbox(ctx context.Context) {
	done := make(chan struct{})
	if !e.outbox.Post(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// leaveChannel queues Leave behind pending sends.
func (e *Engine) leaveChannel() {
	ch := e.channel
	if ch == nil {
		return
	}
	e.channel = nil
	e.outbox.Post(func() {
		if err := ch.Leave(); err != nil {
			e.logger.Warn("leave channel", "err", err)
		}
	})
}

// stopTimers cancels every timer except navigation.
func (e *Engine) stopTimers() {
	e.graceTimer.Stop()
	for id, pl := range e.pendingLeaves {
		pl.timer.Stop()
		delete(e.pendingLeaves, id)
	}
	if e.outgoing != nil {
		e.outgoing.timer.Stop()
	}
	if e.answered != nil {
		e.answered.timer.Stop()
	}
}

// Dispose leaves the channel, stops timers and background work and waits
// for every engine goroutine to exit. Safe to call more than once.
func (e *Engine) Dispose() {
	e.disposeOnce.Do(func() {
		_ = e.do(func() error {
			if e.stateResolved && !e.ended {
				e.cacheDocument(e.doc.Materialize())
			}
			e.stopTimers()
			e.navigateTimer.Stop()
			e.stopPusher(nil)
			e.leaveChannel()
			return nil
		})
		e.inbox.Close()
		<-e.inbox.Done()

		e.bg.Wait()
		e.outbox.Close()
		<-e.outbox.Done()
		e.ui.Close()
		<-e.ui.Done()
	})
}

// Text returns the current document.
func (e *Engine) Text() string {
	var s string
	_ = e.do(func() error { s = e.doc.Materialize(); return nil })
	return s
}

// Language returns the selected language.
func (e *Engine) Language() string {
	var s string
	_ = e.do(func() error { s = e.selected; return nil })
	return s
}

// Ended reports whether the session has ended locally.
func (e *Engine) Ended() bool {
	ended := true
	_ = e.do(func() error { ended = e.ended; return nil })
	return ended
}
