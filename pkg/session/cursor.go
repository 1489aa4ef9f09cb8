package session

import (
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/shinyes/pairsync/pkg/crdt"
	"github.com/shinyes/pairsync/pkg/transport"
)

var cursorPalette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#9a6324",
}

// RemoteCursor is a peer's selection in the local document.
type RemoteCursor struct {
	ClientID    string
	Anchor      int
	Head        int
	Line        int // 0-based line of Head
	DisplayName string
	Color       string
	Timestamp   int64
}

type cursorRecord struct {
	RemoteCursor
	anchorPos crdt.Anchor
	headPos   crdt.Anchor
}

type localSelection struct {
	anchor crdt.Anchor
	head   crdt.Anchor
}

func colorFor(clientID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return cursorPalette[h.Sum32()%uint32(len(cursorPalette))]
}

// anchorOrRoot converts a clamped position to a stable anchor.
func (e *Engine) anchorOrRoot(pos int) crdt.Anchor {
	a, err := e.doc.AnchorAt(e.doc.Clamp(pos))
	if err != nil {
		return crdt.Anchor{After: crdt.RootID}
	}
	return a
}

// resolveOr maps a through the current document, clamping fallback on failure.
func (e *Engine) resolveOr(a crdt.Anchor, fallback int) int {
	pos, err := e.doc.Resolve(a)
	if err != nil {
		return e.doc.Clamp(fallback)
	}
	return e.doc.Clamp(pos)
}

// SetSelection records and broadcasts the local selection.
func (e *Engine) SetSelection(anchor, head int) error {
	return e.do(func() error {
		if e.ended {
			return ErrSessionEnded
		}
		e.selection.anchor = e.anchorOrRoot(anchor)
		e.selection.head = e.anchorOrRoot(head)
		e.sendCursor()
		return nil
	})
}

func (e *Engine) sendCursor() {
	e.send(EventCursorUpdate, cursorUpdatePayload{
		ClientID: e.self.ClientID,
		Selection: Selection{
			Anchor: e.resolveOr(e.selection.anchor, 0),
			Head:   e.resolveOr(e.selection.head, 0),
		},
		User: userRef{Name: e.self.DisplayName},
		Ts:   time.Now().UnixMilli(),
	})
}

func (e *Engine) onCursorUpdate(msg transport.Message) error {
	p, err := decode[cursorUpdatePayload](msg)
	if err != nil {
		return err
	}
	id := senderOf(p.ClientID, msg)
	if id == e.self.ClientID {
		return nil
	}

	rec, ok := e.cursors[id]
	if ok && p.Ts < rec.Timestamp {
		return nil
	}
	if !ok {
		rec = &cursorRecord{RemoteCursor: RemoteCursor{ClientID: id, Color: colorFor(id)}}
		e.cursors[id] = rec
	}

	rec.Anchor = e.doc.Clamp(p.Selection.Anchor)
	rec.Head = e.doc.Clamp(p.Selection.Head)
	rec.anchorPos = e.anchorOrRoot(rec.Anchor)
	rec.headPos = e.anchorOrRoot(rec.Head)
	rec.Timestamp = p.Ts
	if p.User.Name != "" {
		rec.DisplayName = p.User.Name
	} else if rec.DisplayName == "" {
		rec.DisplayName = e.bestName(id)
	}

	if e.displayed == nil || (e.displayed.ClientID == id && e.displayed.DisplayName != rec.DisplayName) {
		e.setDisplayed(&Identity{ClientID: id, DisplayName: rec.DisplayName})
	}
	e.renderCursors()
	return nil
}

// remapCursors moves every cursor through the latest document change.
func (e *Engine) remapCursors() {
	if len(e.cursors) == 0 {
		return
	}
	for _, rec := range e.cursors {
		rec.Anchor = e.resolveOr(rec.anchorPos, rec.Anchor)
		rec.Head = e.resolveOr(rec.headPos, rec.Head)
	}
	e.renderCursors()
}

func (e *Engine) cursorSnapshot() []RemoteCursor {
	text := e.doc.Materialize()
	out := make([]RemoteCursor, 0, len(e.cursors))
	for _, rec := range e.cursors {
		c := rec.RemoteCursor
		c.Line = lineOf(text, c.Head)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (e *Engine) renderCursors() {
	cursors := e.cursorSnapshot()
	e.notify(func(h Hooks) { h.OnCursorsChanged(cursors) })
}

// lineOf returns the 0-based line containing rune offset pos.
func lineOf(text string, pos int) int {
	runes := []rune(text)
	if pos > len(runes) {
		pos = len(runes)
	}
	return strings.Count(string(runes[:pos]), "\n")
}

// Cursors returns the remote cursors sorted by client id.
func (e *Engine) Cursors() []RemoteCursor {
	var out []RemoteCursor
	_ = e.do(func() error { out = e.cursorSnapshot(); return nil })
	return out
}
