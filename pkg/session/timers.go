package session

import "time"

// timerHandle is a cancellable timer whose callback runs on the engine loop.
// Stop is only called from the loop, so a firing that was already queued
// when Stop ran sees stopped and does nothing.
type timerHandle struct {
	t       *time.Timer
	stopped bool
	fired   bool
}

func (e *Engine) after(d time.Duration, fn func()) *timerHandle {
	h := &timerHandle{}
	h.t = time.AfterFunc(d, func() {
		e.post(func() {
			if h.stopped || h.fired {
				return
			}
			h.fired = true
			fn()
		})
	})
	return h
}

// Stop cancels the timer. Nil handles are ignored.
func (h *timerHandle) Stop() {
	if h == nil {
		return
	}
	h.stopped = true
	h.t.Stop()
}

// Active reports whether the timer is armed and has not fired.
func (h *timerHandle) Active() bool {
	return h != nil && !h.stopped && !h.fired
}
