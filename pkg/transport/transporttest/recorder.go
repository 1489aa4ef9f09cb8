// Package transporttest provides helpers for exercising transport.Broker
// implementations in tests.
package transporttest

import (
	"sync"
	"time"

	"github.com/shinyes/pairsync/pkg/transport"
)

// Recorder is a transport.Handler that keeps every delivery.
type Recorder struct {
	mu       sync.Mutex
	messages []transport.Message
	presence []transport.PresenceEvent
	notify   chan struct{}
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) OnMessage(m transport.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
	r.poke()
}

func (r *Recorder) OnPresence(e transport.PresenceEvent) {
	r.mu.Lock()
	r.presence = append(r.presence, e)
	r.mu.Unlock()
	r.poke()
}

func (r *Recorder) poke() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Messages returns a copy of the received messages.
func (r *Recorder) Messages() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Message(nil), r.messages...)
}

// Presence returns a copy of the received presence events.
func (r *Recorder) Presence() []transport.PresenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.PresenceEvent(nil), r.presence...)
}

// WaitFor polls until cond holds or timeout elapses, and reports which.
func (r *Recorder) WaitFor(timeout time.Duration, cond func(*Recorder) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if cond(r) {
			return true
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			return cond(r)
		}
	}
}

// HasPresence reports whether kind was seen for clientID.
func HasPresence(kind transport.PresenceKind, clientID string) func(*Recorder) bool {
	return func(r *Recorder) bool {
		for _, e := range r.Presence() {
			if e.Kind == kind && e.Member.ClientID == clientID {
				return true
			}
		}
		return false
	}
}

// HasEvent reports whether at least n messages with event arrived.
func HasEvent(event string, n int) func(*Recorder) bool {
	return func(r *Recorder) bool {
		count := 0
		for _, m := range r.Messages() {
			if m.Event == event {
				count++
			}
		}
		return count >= n
	}
}
