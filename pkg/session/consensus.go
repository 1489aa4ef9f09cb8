package session

import (
	"context"
	"time"

	"github.com/shinyes/pairsync/pkg/transport"
)

// Proposal is a pending language change.
type Proposal struct {
	ProposalID   string
	Language     string
	FromClientID string
	CreatedAt    time.Time
}

type outgoingProposal struct {
	Proposal
	previous string
	timer    *timerHandle
}

// answeredProposal is an incoming proposal we accepted. Its language is shown
// until the proposer commits it with language-change; a matching cancel, the
// proposer leaving or the TTL passing reverts to previous.
type answeredProposal struct {
	Proposal
	previous string
	timer    *timerHandle
}

// RequestLanguageChange proposes lang to the peers. The selected language
// switches immediately and reverts if the proposal is rejected, cancelled or
// unanswered within the TTL.
func (e *Engine) RequestLanguageChange(lang string) error {
	return e.do(func() error {
		if e.ended {
			return ErrSessionEnded
		}
		if e.outgoing != nil {
			return ErrProposalPending
		}
		if lang == e.selected {
			return nil
		}

		p := Proposal{
			ProposalID:   e.cfg.NewProposalID(),
			Language:     lang,
			FromClientID: e.self.ClientID,
			CreatedAt:    time.Now(),
		}
		out := &outgoingProposal{Proposal: p, previous: e.selected}
		out.timer = e.after(e.cfg.ProposalTTL, func() { e.onProposalTimeout(p.ProposalID) })
		e.outgoing = out

		e.selectLanguage(lang)
		e.send(EventLanguageProposal, proposalPayload{
			Language:   lang,
			From:       e.self.ClientID,
			ProposalID: p.ProposalID,
			Ts:         p.CreatedAt.UnixMilli(),
		})
		e.logger.Info("language proposed", "language", lang, "proposal", p.ProposalID)
		return nil
	})
}

func (e *Engine) selectLanguage(lang string) {
	if e.selected == lang {
		return
	}
	e.selected = lang
	e.notify(func(h Hooks) { h.OnLanguageChanged(lang) })
}

// withdrawOutgoing cancels our pending proposal, tells the peers and reverts.
func (e *Engine) withdrawOutgoing() *outgoingProposal {
	out := e.outgoing
	if out == nil {
		return nil
	}
	out.timer.Stop()
	e.outgoing = nil
	e.send(EventLanguageCancel, cancelPayload{
		From:       e.self.ClientID,
		Language:   out.Language,
		ProposalID: out.ProposalID,
	})
	e.selectLanguage(out.previous)
	return out
}

func (e *Engine) onProposalTimeout(id string) {
	if e.outgoing == nil || e.outgoing.ProposalID != id {
		return
	}
	out := e.withdrawOutgoing()
	e.logger.Info("language proposal timed out", "proposal", id)
	e.pushNotice(Notice{
		Kind:     NoticeProposalTimedOut,
		Language: out.Language,
		Message:  "No response to switching to " + out.Language + "; staying on " + nameOrLang(out.previous),
	})
}

func nameOrLang(lang string) string {
	if lang == "" {
		return "the current language"
	}
	return lang
}

func (e *Engine) onLanguageResponse(msg transport.Message) error {
	p, err := decode[responsePayload](msg)
	if err != nil {
		return err
	}
	if p.To != e.self.ClientID {
		return nil
	}
	out := e.outgoing
	if out == nil || out.ProposalID != p.ProposalID {
		e.logger.Debug("stale language response", "proposal", p.ProposalID)
		return nil
	}
	out.timer.Stop()
	e.outgoing = nil
	peer := e.bestName(senderOf(p.From, msg))

	if !p.Accept {
		e.selectLanguage(out.previous)
		e.pushNotice(Notice{
			Kind:     NoticeProposalRejected,
			Peer:     peer,
			Language: out.Language,
			Message:  peer + " declined switching to " + out.Language,
		})
		return nil
	}

	e.commitLanguage(out.Language)
	e.pushNotice(Notice{
		Kind:     NoticeProposalAccepted,
		Peer:     peer,
		Language: out.Language,
		Message:  peer + " accepted switching to " + out.Language,
	})
	return nil
}

// commitLanguage makes lang authoritative: optional starter snippet, persist,
// then broadcast so peers switch without prompting.
func (e *Engine) commitLanguage(lang string) {
	ts := e.clock.Now()
	e.authoritative.Set(lang, ts, e.self.ClientID)
	e.selectLanguage(lang)
	if a := e.answered; a != nil {
		a.previous = lang
	}

	if snippet, ok := e.cfg.Snippets[lang]; ok && e.cfg.ResetOnLanguageChange {
		if err := e.replaceDocument(snippet); err != nil {
			e.logger.Warn("apply starter snippet", "language", lang, "err", err)
		}
	}

	if p := e.pusher; p != nil {
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := p.SaveLanguage(ctx, lang); err != nil {
				e.logger.Warn("persist language", "language", lang, "err", err)
			}
		}()
	}

	e.send(EventLanguageChange, languageChangePayload{Language: lang, Ts: ts, From: e.self.ClientID})
	e.logger.Info("language changed", "language", lang)
}

func (e *Engine) replaceDocument(content string) error {
	return e.applyLocal(0, e.doc.Len(), content)
}

func (e *Engine) onLanguageProposal(msg transport.Message) error {
	p, err := decode[proposalPayload](msg)
	if err != nil {
		return err
	}
	from := senderOf(p.From, msg)
	if from == e.self.ClientID || p.ProposalID == "" {
		return nil
	}
	in := Proposal{
		ProposalID:   p.ProposalID,
		Language:     p.Language,
		FromClientID: from,
		CreatedAt:    time.UnixMilli(p.Ts),
	}

	if out := e.outgoing; out != nil {
		// 同时发起：proposalId 字典序较小者胜出
		if in.ProposalID < out.ProposalID {
			e.withdrawOutgoing()
			e.pushNotice(Notice{
				Kind:     NoticeProposalWithdrawn,
				Language: out.Language,
				Message:  "Your switch to " + out.Language + " was withdrawn in favour of " + in.Language,
			})
		} else {
			e.respond(in, false)
			e.logger.Debug("auto-rejected losing proposal", "proposal", in.ProposalID, "ours", out.ProposalID)
			return nil
		}
	}

	if old := e.incoming; old != nil && old.ProposalID != in.ProposalID {
		e.respond(*old, false)
		e.dismissIncoming()
	}
	e.incoming = &in
	e.notify(func(h Hooks) { h.OnProposal(in) })
	return nil
}

func (e *Engine) respond(p Proposal, accept bool) {
	e.send(EventLanguageResponse, responsePayload{
		To:         p.FromClientID,
		From:       e.self.ClientID,
		Language:   p.Language,
		Accept:     accept,
		ProposalID: p.ProposalID,
	})
}

func (e *Engine) dismissIncoming() {
	if e.incoming == nil {
		return
	}
	id := e.incoming.ProposalID
	e.incoming = nil
	e.notify(func(h Hooks) { h.OnProposalDismissed(id) })
}

// RespondToProposal answers the incoming proposal.
func (e *Engine) RespondToProposal(accept bool) error {
	return e.do(func() error {
		if e.ended {
			return ErrSessionEnded
		}
		in := e.incoming
		if in == nil {
			return ErrNoIncomingProposal
		}
		e.incoming = nil
		if !accept {
			e.respond(*in, false)
			return nil
		}

		// 接受对方的提议即放弃自己的
		e.withdrawOutgoing()
		e.respond(*in, true)

		previous := e.selected
		if old := e.answered; old != nil {
			old.timer.Stop()
			previous = old.previous
		}
		id := in.ProposalID
		e.answered = &answeredProposal{Proposal: *in, previous: previous}
		e.answered.timer = e.after(e.cfg.ProposalTTL, func() { e.onAnsweredTimeout(id) })
		e.selectLanguage(in.Language)
		return nil
	})
}

// revertAnswered drops the accepted proposal and restores the language shown before it.
func (e *Engine) revertAnswered() *answeredProposal {
	a := e.answered
	if a == nil {
		return nil
	}
	a.timer.Stop()
	e.answered = nil
	if e.outgoing != nil {
		e.outgoing.previous = a.previous
		return a
	}
	e.selectLanguage(a.previous)
	return a
}

func (e *Engine) onAnsweredTimeout(id string) {
	if e.answered == nil || e.answered.ProposalID != id {
		return
	}
	a := e.revertAnswered()
	e.logger.Info("accepted proposal was never committed", "proposal", id, "language", a.Language)
}

func (e *Engine) onLanguageCancel(msg transport.Message) error {
	p, err := decode[cancelPayload](msg)
	if err != nil {
		return err
	}

	if in := e.incoming; in != nil && in.ProposalID == p.ProposalID {
		peer := e.bestName(in.FromClientID)
		e.dismissIncoming()
		e.pushNotice(Notice{
			Kind:     NoticeProposalCancelled,
			Peer:     peer,
			Language: in.Language,
			Message:  peer + " cancelled the switch to " + in.Language,
		})
		return nil
	}
	if a := e.answered; a != nil && a.ProposalID == p.ProposalID {
		peer := e.bestName(a.FromClientID)
		e.revertAnswered()
		e.pushNotice(Notice{
			Kind:     NoticeProposalCancelled,
			Peer:     peer,
			Language: a.Language,
			Message:  peer + " cancelled the switch to " + a.Language,
		})
		return nil
	}
	if out := e.outgoing; out != nil && out.ProposalID == p.ProposalID {
		out.timer.Stop()
		e.outgoing = nil
		e.selectLanguage(out.previous)
	}
	return nil
}

// onLanguageChange applies a committed change through the LWW register so a
// delayed older change cannot override a newer one.
func (e *Engine) onLanguageChange(msg transport.Message) error {
	p, err := decode[languageChangePayload](msg)
	if err != nil {
		return err
	}
	if p.Language == "" {
		return nil
	}
	ts := p.Ts
	if ts == 0 {
		ts = e.clock.Now()
	} else {
		e.clock.Update(ts)
	}
	if !e.authoritative.Set(p.Language, ts, senderOf(p.From, msg)) {
		return nil
	}
	if a := e.answered; a != nil {
		a.timer.Stop()
		e.answered = nil
	}
	if e.outgoing != nil {
		e.outgoing.previous = p.Language
		return nil
	}
	e.selectLanguage(p.Language)
	return nil
}

// PendingProposal returns our outstanding proposal, if any.
func (e *Engine) PendingProposal() *Proposal {
	var out *Proposal
	_ = e.do(func() error {
		if e.outgoing != nil {
			cp := e.outgoing.Proposal
			out = &cp
		}
		return nil
	})
	return out
}

// IncomingProposal returns the proposal awaiting our answer, if any.
func (e *Engine) IncomingProposal() *Proposal {
	var out *Proposal
	_ = e.do(func() error {
		if e.incoming != nil {
			cp := *e.incoming
			out = &cp
		}
		return nil
	})
	return out
}
