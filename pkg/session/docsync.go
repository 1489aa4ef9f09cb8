package session

import (
	"context"

	"github.com/shinyes/pairsync/pkg/crdt"
	"github.com/shinyes/pairsync/pkg/snapshot"
	"github.com/shinyes/pairsync/pkg/transport"
)

// startDocSync runs once joined: apply the fetched snapshot metadata,
// request state from peers and arm the seed fallback. Without a fetched
// snapshot the locally cached document is used instead.
func (e *Engine) startDocSync(fetched *snapshot.Session, cached *cachedDoc) {
	if fetched == nil && cached != nil {
		e.restoreCachedDocument(cached)
	}
	if fetched != nil {
		if fetched.CurrentCode != "" {
			e.initialContent = fetched.CurrentCode
		}
		if fetched.CurrentLanguage != "" {
			e.authoritative = crdt.LWWRegister{Value: fetched.CurrentLanguage}
			e.selected = fetched.CurrentLanguage
		}
	}
	if e.deps.Snapshots != nil {
		e.pusher = snapshot.NewPusher(e.deps.Snapshots, e.cfg.SessionID, e.snapshotSource,
			snapshot.WithInterval(e.cfg.SnapshotInterval), snapshot.WithPushLogger(e.logger),
			snapshot.WithOnPushed(e.onSnapshotPushed))
		if fetched != nil {
			e.pusher.Seed(snapshot.State{Code: fetched.CurrentCode, Language: fetched.CurrentLanguage})
		}
	}

	if lang := e.selected; lang != "" {
		e.notify(func(h Hooks) { h.OnLanguageChanged(lang) })
	}

	e.send(EventRequestState, requestStatePayload{From: e.self.ClientID})
	e.graceTimer = e.after(e.cfg.StateGracePeriod, e.onGraceExpired)
	e.logger.Debug("requested state", "grace", e.cfg.StateGracePeriod)
}

func (e *Engine) snapshotSource(ctx context.Context) (snapshot.State, error) {
	var s snapshot.State
	err := e.do(func() error {
		s = snapshot.State{Code: e.doc.Materialize(), Language: e.authoritative.Value}
		return nil
	})
	return s, err
}

// resolveState marks the initial state as settled and starts snapshot pushes.
func (e *Engine) resolveState() {
	e.graceTimer.Stop()
	if e.stateResolved {
		return
	}
	e.stateResolved = true
	if e.pusher != nil {
		e.pusher.Start()
	}
}

// onGraceExpired seeds an empty document once if nobody answered.
func (e *Engine) onGraceExpired() {
	if !e.seeded && e.doc.Len() == 0 && e.initialContent != "" {
		e.seeded = true
		if err := e.applyLocal(0, 0, e.initialContent); err != nil {
			e.logger.Warn("seed initial content", "err", err)
		} else {
			e.logger.Info("seeded document", "runes", e.doc.Len())
		}
	}
	e.seeded = true
	e.resolveState()
}

// onRequestState answers a joiner with our full state.
func (e *Engine) onRequestState(msg transport.Message) error {
	p, err := decode[requestStatePayload](msg)
	if err != nil {
		return err
	}
	from := senderOf(p.From, msg)
	state, err := e.doc.EncodeFullState()
	if err != nil {
		return err
	}
	e.send(EventSync, syncPayload{To: from, Update: state})
	return nil
}

func (e *Engine) onSync(msg transport.Message) error {
	p, err := decode[syncPayload](msg)
	if err != nil {
		return err
	}
	if p.To != e.self.ClientID {
		return nil
	}
	if err := e.mergeRemote(p.Update); err != nil {
		return err
	}
	e.resolveState()
	return nil
}

func (e *Engine) onUpdate(msg transport.Message) error {
	p, err := decode[updatePayload](msg)
	if err != nil {
		return err
	}
	if err := e.mergeRemote(p.Update); err != nil {
		return err
	}
	e.resolveState()
	return nil
}

func (e *Engine) mergeRemote(update []byte) error {
	changed, err := e.doc.MergeRemoteDelta(update)
	if err != nil {
		return err
	}
	if changed {
		e.afterMutation()
	}
	return nil
}

// applyLocal edits the document and broadcasts the delta.
func (e *Engine) applyLocal(pos, deleteCount int, insert string) error {
	delta, err := e.doc.ApplyLocalEdit(pos, deleteCount, insert)
	if err != nil {
		return err
	}
	if delta.Empty() {
		return nil
	}
	data, err := delta.Bytes()
	if err != nil {
		return err
	}
	e.send(EventUpdate, updatePayload{Update: data})
	e.afterMutation()
	return nil
}

// afterMutation remaps cursors and re-renders.
func (e *Engine) afterMutation() {
	e.remapCursors()
	text := e.doc.Materialize()
	e.notify(func(h Hooks) { h.OnDocumentChanged(text) })
}

// ApplyLocalEdit deletes deleteCount runes at pos, inserts insert, and
// broadcasts the change.
func (e *Engine) ApplyLocalEdit(pos, deleteCount int, insert string) error {
	return e.do(func() error {
		if e.ended {
			return ErrSessionEnded
		}
		return e.applyLocal(pos, deleteCount, insert)
	})
}

// stopPusher stops the periodic push in the background and, when final is
// set, pushes it once more.
func (e *Engine) stopPusher(final *snapshot.State) {
	p := e.pusher
	if p == nil {
		return
	}
	e.pusher = nil
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		p.Stop()
		if final == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := p.Flush(ctx, *final); err != nil {
			e.logger.Warn("final snapshot push failed", "err", err)
		}
	}()
}
