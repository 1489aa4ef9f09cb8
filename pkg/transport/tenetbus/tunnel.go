package tenetbus

import (
	"fmt"

	"github.com/shinyes/tenet/api"
	tenetlog "github.com/shinyes/tenet/log"
)

// Config holds the tenet tunnel settings.
type Config struct {
	Password   string
	ListenPort int
	RelayNodes []string
	// Peers are node addresses dialed after the tunnel starts.
	Peers []string
	Debug bool
}

func apiOpener(cfg Config) Opener {
	return func(channelID string) (Tunnel, error) {
		opts := []api.Option{
			api.WithPassword(cfg.Password),
			api.WithListenPort(cfg.ListenPort),
			api.WithChannelID(channelID),
		}
		if len(cfg.RelayNodes) > 0 {
			opts = append(opts, api.WithRelayNodes(cfg.RelayNodes))
		}
		if cfg.Debug {
			logger := tenetlog.NewStdLogger(
				tenetlog.WithLevel(tenetlog.LevelDebug),
				tenetlog.WithPrefix(fmt.Sprintf("[tenet:%s]", channelID)),
			)
			opts = append(opts, api.WithLogger(logger))
		} else {
			opts = append(opts, api.WithLogger(tenetlog.Nop()))
		}

		tunnel, err := api.NewTunnel(opts...)
		if err != nil {
			return nil, fmt.Errorf("create tunnel failed: %w", err)
		}
		return &apiTunnel{t: tunnel}, nil
	}
}

// apiTunnel adapts *api.Tunnel to Tunnel.
type apiTunnel struct {
	t *api.Tunnel
}

func (a *apiTunnel) OnReceive(fn func(peerID string, data []byte)) {
	a.t.OnReceive(func(peerID string, data []byte) { fn(peerID, data) })
}

func (a *apiTunnel) OnPeerConnected(fn func(peerID string)) {
	a.t.OnPeerConnected(func(peerID string) { fn(peerID) })
}

func (a *apiTunnel) OnPeerDisconnected(fn func(peerID string)) {
	a.t.OnPeerDisconnected(func(peerID string) { fn(peerID) })
}

func (a *apiTunnel) Start() error { return a.t.Start() }

func (a *apiTunnel) Connect(addr string) error { return a.t.Connect(addr) }

func (a *apiTunnel) Send(channelID, peerID string, data []byte) error {
	return a.t.Send(channelID, peerID, data)
}

func (a *apiTunnel) Broadcast(channelID string, data []byte) (int, error) {
	return a.t.Broadcast(channelID, data)
}

func (a *apiTunnel) GracefulStop() { _ = a.t.GracefulStop() }

func (a *apiTunnel) LocalID() string { return a.t.LocalID() }
