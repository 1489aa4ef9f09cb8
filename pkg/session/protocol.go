package session

import (
	"encoding/json"
	"fmt"

	"github.com/shinyes/pairsync/pkg/transport"
)

// Channel event names.
const (
	EventRequestState     = "request-state"
	EventSync             = "sync"
	EventUpdate           = "update"
	EventCursorUpdate     = "cursor-update"
	EventWhoAreYou        = "who-are-you"
	EventIAm              = "i-am"
	EventLanguageProposal = "language-proposal"
	EventLanguageResponse = "language-response"
	EventLanguageCancel   = "language-cancel"
	EventLanguageChange   = "language-change"
	EventExitSession      = "exit-session"
)

type requestStatePayload struct {
	From string `json:"from"`
}

type syncPayload struct {
	To     string `json:"to"`
	Update []byte `json:"update"`
}

type updatePayload struct {
	Update []byte `json:"update"`
}

// Selection is a caret (Anchor == Head) or a selected range, in runes.
type Selection struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

type userRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type cursorUpdatePayload struct {
	ClientID  string    `json:"clientId"`
	Selection Selection `json:"selection"`
	User      userRef   `json:"user"`
	Ts        int64     `json:"ts"`
}

type whoAreYouPayload struct {
	To   string `json:"to"`
	From string `json:"from"`
}

type iAmPayload struct {
	To   string  `json:"to"`
	From string  `json:"from"`
	User userRef `json:"user"`
}

type proposalPayload struct {
	Language   string `json:"language"`
	From       string `json:"from"`
	ProposalID string `json:"proposalId"`
	Ts         int64  `json:"ts"`
}

type responsePayload struct {
	To         string `json:"to"`
	From       string `json:"from"`
	Language   string `json:"language"`
	Accept     bool   `json:"accept"`
	ProposalID string `json:"proposalId"`
}

type cancelPayload struct {
	From       string `json:"from"`
	Language   string `json:"language"`
	ProposalID string `json:"proposalId"`
}

type languageChangePayload struct {
	Language string `json:"language"`
	Ts       int64  `json:"ts,omitempty"`
	From     string `json:"from,omitempty"`
}

type exitPayload struct {
	From string `json:"from"`
	Ts   int64  `json:"ts"`
}

func decode[T any](msg transport.Message) (T, error) {
	var v T
	if len(msg.Payload) == 0 {
		return v, fmt.Errorf("%s: empty payload", msg.Event)
	}
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("%s: %w", msg.Event, err)
	}
	return v, nil
}

// senderOf prefers the sender the transport stamped on the message, since a
// relay overwrites it, and falls back to the payload's from field.
func senderOf(payloadFrom string, msg transport.Message) string {
	if msg.From != "" {
		return msg.From
	}
	return payloadFrom
}
