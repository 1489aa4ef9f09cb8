package session

import (
	"time"

	"github.com/shinyes/pairsync/pkg/transport"
)

const fallbackPeerName = "Your partner"

type peerState struct {
	identity     Identity
	identified   bool
	presenceName string
	// resumed is set when a join cancelled a pending leave, so the
	// following i-am does not announce a fresh join.
	resumed bool
}

type pendingLeave struct {
	clientID    string
	scheduledAt time.Time
	timer       *timerHandle
}

func (e *Engine) peer(id string) *peerState {
	p, ok := e.peers[id]
	if !ok {
		p = &peerState{identity: Identity{ClientID: id}}
		e.peers[id] = p
	}
	return p
}

// cancelPendingLeave reports whether a pending leave for id was cancelled.
func (e *Engine) cancelPendingLeave(id string) bool {
	pl, ok := e.pendingLeaves[id]
	if !ok {
		return false
	}
	pl.timer.Stop()
	delete(e.pendingLeaves, id)
	e.logger.Debug("leave cancelled by reconnect", "peer", id, "after", time.Since(pl.scheduledAt))
	return true
}

func (e *Engine) onPresence(ev transport.PresenceEvent) {
	id := ev.Member.ClientID
	if e.ended || id == "" || id == e.self.ClientID {
		return
	}
	switch ev.Kind {
	case transport.PresenceJoin:
		e.onPeerJoin(ev.Member)
	case transport.PresenceLeave:
		e.onPeerLeave(ev.Member)
	}
}

func (e *Engine) onPeerJoin(m transport.Member) {
	p := e.peer(m.ClientID)
	if m.DisplayName != "" {
		p.presenceName = m.DisplayName
	}
	if e.cancelPendingLeave(m.ClientID) {
		p.resumed = true
	}

	e.send(EventWhoAreYou, whoAreYouPayload{To: m.ClientID, From: e.self.ClientID})
	e.sendCursor()
}

func (e *Engine) onWhoAreYou(msg transport.Message) error {
	p, err := decode[whoAreYouPayload](msg)
	if err != nil {
		return err
	}
	if p.To != e.self.ClientID {
		return nil
	}
	e.send(EventIAm, iAmPayload{
		To:   senderOf(p.From, msg),
		From: e.self.ClientID,
		User: userRef{ID: e.self.ClientID, Name: e.self.DisplayName},
	})
	return nil
}

func (e *Engine) onIAm(msg transport.Message) error {
	p, err := decode[iAmPayload](msg)
	if err != nil {
		return err
	}
	if p.To != e.self.ClientID {
		return nil
	}
	from := senderOf(p.From, msg)
	if from == e.self.ClientID {
		return nil
	}

	reconnected := e.cancelPendingLeave(from)
	peer := e.peer(from)
	if peer.resumed {
		reconnected = true
		peer.resumed = false
	}
	wasIdentified := peer.identified

	id := Identity{ClientID: from, DisplayName: p.User.Name}
	if id.DisplayName == "" {
		id.DisplayName = peer.presenceName
	}
	peer.identity = id
	peer.identified = true
	e.identities.Add(from, id)

	if e.displayed == nil || e.displayed.ClientID == from {
		e.setDisplayed(&id)
	}
	if !reconnected && !wasIdentified {
		e.pushNotice(Notice{Kind: NoticePeerJoined, Peer: id.DisplayName, Message: nameOr(id.DisplayName) + " joined"})
	}
	return nil
}

func (e *Engine) onPeerLeave(m transport.Member) {
	if _, ok := e.pendingLeaves[m.ClientID]; ok {
		return
	}
	if m.DisplayName != "" {
		e.peer(m.ClientID).presenceName = m.DisplayName
	}
	id := m.ClientID
	e.pendingLeaves[id] = &pendingLeave{
		clientID:    id,
		scheduledAt: time.Now(),
		timer:       e.after(e.cfg.LeaveDebounce, func() { e.finalizeLeave(id) }),
	}
}

// finalizeLeave removes a peer whose leave was not cancelled in time.
func (e *Engine) finalizeLeave(id string) {
	delete(e.pendingLeaves, id)
	name := e.bestName(id)

	if _, ok := e.cursors[id]; ok {
		delete(e.cursors, id)
		e.renderCursors()
	}
	if e.displayed != nil && e.displayed.ClientID == id {
		e.setDisplayed(nil)
	}
	if e.incoming != nil && e.incoming.FromClientID == id {
		e.dismissIncoming()
	}
	if e.answered != nil && e.answered.FromClientID == id {
		e.revertAnswered()
	}
	delete(e.peers, id)

	e.logger.Info("peer left", "peer", id)
	e.pushNotice(Notice{Kind: NoticePeerLeft, Peer: name, Message: name + " left"})
}

// bestName prefers the cursor record, then presence metadata, then the identity cache.
func (e *Engine) bestName(id string) string {
	if c, ok := e.cursors[id]; ok && c.DisplayName != "" {
		return c.DisplayName
	}
	if p, ok := e.peers[id]; ok {
		if p.presenceName != "" {
			return p.presenceName
		}
		if p.identity.DisplayName != "" {
			return p.identity.DisplayName
		}
	}
	if cached, ok := e.identities.Get(id); ok && cached.DisplayName != "" {
		return cached.DisplayName
	}
	return fallbackPeerName
}

func nameOr(name string) string {
	if name == "" {
		return fallbackPeerName
	}
	return name
}

func (e *Engine) setDisplayed(id *Identity) {
	if id == nil {
		e.displayed = nil
		e.notify(func(h Hooks) { h.OnDisplayedPeerChanged(nil) })
		return
	}
	cp := *id
	e.displayed = &cp
	out := cp
	e.notify(func(h Hooks) { h.OnDisplayedPeerChanged(&out) })
}

func (e *Engine) pushNotice(n Notice) {
	e.notify(func(h Hooks) { h.OnNotice(n) })
}

// DisplayedPeer returns the peer shown in the header, if any.
func (e *Engine) DisplayedPeer() *Identity {
	var out *Identity
	_ = e.do(func() error {
		if e.displayed != nil {
			cp := *e.displayed
			out = &cp
		}
		return nil
	})
	return out
}

// Peers returns identified peers.
func (e *Engine) Peers() []Identity {
	var out []Identity
	_ = e.do(func() error {
		for _, p := range e.peers {
			if p.identified {
				out = append(out, p.identity)
			}
		}
		return nil
	})
	return out
}
