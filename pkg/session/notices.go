package session

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/pairsync/pkg/store"
)

// 卸载提示保留一天，过期由 Badger TTL 清理
const noticeTTL = 24 * time.Hour

type storedNotice struct {
	Kind     NoticeKind `msgpack:"k"`
	Language string     `msgpack:"l"`
	Peer     string     `msgpack:"p,omitempty"`
	At       int64      `msgpack:"at"`
}

func (e *Engine) noticePrefix() string {
	return "notice/" + e.cfg.SessionID + "/"
}

func (e *Engine) rememberNotice(n storedNotice) {
	if e.deps.Local == nil {
		return
	}
	data, err := msgpack.Marshal(&n)
	if err != nil {
		e.logger.Error("encode notice", "err", err)
		return
	}
	key := e.noticePrefix() + ksuid.New().String()
	if err := store.Put(e.deps.Local, key, data, noticeTTL); err != nil {
		e.logger.Warn("store notice", "err", err)
	}
}

// drainNotices surfaces notices left by a previous run of this session.
func (e *Engine) drainNotices() {
	if e.deps.Local == nil {
		return
	}
	err := store.Drain(e.deps.Local, e.noticePrefix(), func(key string, value []byte) {
		var n storedNotice
		if err := msgpack.Unmarshal(value, &n); err != nil {
			e.logger.Debug("skip malformed notice", "key", key, "err", err)
			return
		}
		e.pushNotice(restoredNotice(n))
	})
	if err != nil && !errors.Is(err, store.ErrClosed) {
		e.logger.Warn("drain notices", "err", err)
	}
}

func restoredNotice(n storedNotice) Notice {
	out := Notice{Kind: n.Kind, Language: n.Language, Peer: n.Peer}
	switch n.Kind {
	case NoticeUnloadCancelled:
		out.Message = "Your switch to " + n.Language + " was cancelled when you left the page"
	case NoticeUnloadDeclined:
		out.Message = "You left the page, so the switch to " + n.Language + " from " + nameOr(n.Peer) + " was declined"
	default:
		out.Message = string(n.Kind)
	}
	return out
}

// PrepareUnload settles pending proposals before the process goes away: an
// outgoing proposal is cancelled and an incoming one declined. Both are
// remembered locally and shown on the next Start. It waits until the
// resulting messages were handed to the transport or ctx expires.
func (e *Engine) PrepareUnload(ctx context.Context) error {
	err := e.do(func() error {
		if e.ended {
			return nil
		}
		if out := e.withdrawOutgoing(); out != nil {
			e.rememberNotice(storedNotice{Kind: NoticeUnloadCancelled, Language: out.Language, At: time.Now().UnixMilli()})
		}
		if in := e.incoming; in != nil {
			e.incoming = nil
			e.respond(*in, false)
			e.rememberNotice(storedNotice{
				Kind:     NoticeUnloadDeclined,
				Language: in.Language,
				Peer:     e.bestName(in.FromClientID),
				At:       time.Now().UnixMilli(),
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.flushOutbox(ctx)
	return ctx.Err()
}
