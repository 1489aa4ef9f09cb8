package session

import (
	"time"

	"github.com/shinyes/pairsync/pkg/snapshot"
	"github.com/shinyes/pairsync/pkg/transport"
)

// EndSession ends the session locally and, when broadcast is set, for every peer.
func (e *Engine) EndSession(broadcast bool) error {
	return e.do(func() error {
		e.endSession(broadcast)
		return nil
	})
}

func (e *Engine) onExitSession(msg transport.Message) error {
	p, err := decode[exitPayload](msg)
	if err != nil {
		return err
	}
	e.logger.Info("peer ended the session", "peer", senderOf(p.From, msg))
	e.endSession(false)
	return nil
}

// endSession tears down without re-broadcasting when broadcast is false.
func (e *Engine) endSession(broadcast bool) {
	if e.ended {
		return
	}
	if broadcast {
		e.send(EventExitSession, exitPayload{From: e.self.ClientID, Ts: time.Now().UnixMilli()})
	}
	e.ended = true
	e.stopTimers()
	e.outgoing = nil
	e.incoming = nil
	e.answered = nil

	var final *snapshot.State
	if e.stateResolved {
		final = &snapshot.State{Code: e.doc.Materialize(), Language: e.authoritative.Value}
		e.cacheDocument(final.Code)
	}
	e.stopPusher(final)
	e.leaveChannel()

	e.notify(func(h Hooks) {
		h.OnNotice(Notice{Kind: NoticeSessionEnded, Message: "The session has ended"})
		h.OnSessionEnded()
	})
	e.navigateTimer = e.after(e.cfg.NavigateDelay, func() {
		e.notify(func(h Hooks) { h.Navigate("/") })
	})
}
