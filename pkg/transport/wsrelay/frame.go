// Package wsrelay is a websocket fan-out relay for session topics and a
// transport.Broker client that talks to it.
package wsrelay

import "github.com/shinyes/pairsync/pkg/transport"

const (
	frameReady = "ready"
	frameJoin  = "join"
	frameLeave = "leave"
	frameMsg   = "msg"
)

type frame struct {
	Kind   string             `json:"kind"`
	Member *transport.Member  `json:"member,omitempty"`
	Msg    *transport.Message `json:"msg,omitempty"`
}
