package snapshot

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// State is what the pusher persists.
type State struct {
	Code     string
	Language string
}

// Source reads the current state. It may fail when the owner has stopped.
type Source func(ctx context.Context) (State, error)

// Pusher periodically writes changed state to a Store. Failures are logged
// and retried on the next tick.
type Pusher struct {
	store     Store
	sessionID string
	source    Source
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	onPushed  func(State)

	pushMu sync.Mutex
	last   State
	seeded bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// PusherOption configures a Pusher.
type PusherOption func(*Pusher)

// WithInterval sets the push period. Default 5s.
func WithInterval(d time.Duration) PusherOption {
	return func(p *Pusher) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPushLogger sets the logger.
func WithPushLogger(l *slog.Logger) PusherOption {
	return func(p *Pusher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithOnPushed registers fn to receive the stored state after every
// successful push. It runs on the pushing goroutine.
func WithOnPushed(fn func(State)) PusherOption {
	return func(p *Pusher) { p.onPushed = fn }
}

// NewPusher creates a stopped pusher.
func NewPusher(store Store, sessionID string, source Source, opts ...PusherOption) *Pusher {
	p := &Pusher{
		store:     store,
		sessionID: sessionID,
		source:    source,
		interval:  5 * time.Second,
		timeout:   10 * time.Second,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Seed records the state already held by the store so it is not pushed again.
func (p *Pusher) Seed(s State) {
	p.pushMu.Lock()
	defer p.pushMu.Unlock()
	p.last = s
	p.seeded = true
}

// Start launches the ticker. Calling Start twice is a no-op.
func (p *Pusher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Tick(ctx)
			}
		}
	}()
}

// Stop halts the ticker and waits for an in-flight tick.
func (p *Pusher) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick reads the source and pushes whatever changed.
func (p *Pusher) Tick(ctx context.Context) {
	state, err := p.source(ctx)
	if err != nil {
		p.logger.Debug("snapshot source unavailable", "err", err)
		return
	}
	if err := p.Flush(ctx, state); err != nil {
		p.logger.Warn("snapshot push failed", "session", p.sessionID, "err", err)
	}
}

// Flush pushes state if it differs from the last successful push.
func (p *Pusher) Flush(ctx context.Context, state State) error {
	p.pushMu.Lock()
	defer p.pushMu.Unlock()

	var patch Patch
	// 未获取过远端快照时不推送空文本，避免覆盖已有内容
	if (p.seeded && state.Code != p.last.Code) || (!p.seeded && state.Code != "") {
		code := state.Code
		patch.Code = &code
	}
	if state.Language != "" && (!p.seeded || state.Language != p.last.Language) {
		lang := state.Language
		patch.Language = &lang
	}
	if patch.Empty() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.store.Save(ctx, p.sessionID, patch); err != nil {
		return err
	}
	if patch.Code != nil {
		p.last.Code = *patch.Code
	}
	if patch.Language != nil {
		p.last.Language = *patch.Language
	}
	p.seeded = true
	p.logger.Debug("snapshot pushed", "session", p.sessionID, "code", patch.Code != nil, "language", patch.Language != nil)
	if p.onPushed != nil {
		p.onPushed(p.last)
	}
	return nil
}

// SaveLanguage writes the authoritative language immediately.
func (p *Pusher) SaveLanguage(ctx context.Context, language string) error {
	p.pushMu.Lock()
	defer p.pushMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.store.Save(ctx, p.sessionID, Patch{Language: &language}); err != nil {
		return err
	}
	p.last.Language = language
	return nil
}
