package session

import (
	"errors"

	"github.com/shinyes/pairsync/pkg/snapshot"
)

var (
	// ErrEngineStopped is returned by public methods after Dispose.
	ErrEngineStopped = errors.New("session: engine stopped")
	// ErrSessionEnded is returned for edits and proposals after the session ended.
	ErrSessionEnded = errors.New("session: ended")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session: already started")
	// ErrProposalPending is returned when a proposal is already outstanding.
	ErrProposalPending = errors.New("session: language proposal already pending")
	// ErrNoIncomingProposal is returned by RespondToProposal with nothing to answer.
	ErrNoIncomingProposal = errors.New("session: no incoming proposal")
	// ErrSessionClosed is snapshot.ErrSessionClosed, surfaced by Start.
	ErrSessionClosed = snapshot.ErrSessionClosed
)
