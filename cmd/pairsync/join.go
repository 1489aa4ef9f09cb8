package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/shinyes/pairsync/pkg/config"
	"github.com/shinyes/pairsync/pkg/session"
	"github.com/shinyes/pairsync/pkg/snapshot"
	"github.com/shinyes/pairsync/pkg/store"
	"github.com/shinyes/pairsync/pkg/transport"
	"github.com/shinyes/pairsync/pkg/transport/redisbus"
	"github.com/shinyes/pairsync/pkg/transport/tenetbus"
	"github.com/shinyes/pairsync/pkg/transport/wsrelay"
)

const unloadTimeout = 2 * time.Second

var defaultSnippets = map[string]string{
	"go":         "package main\n\nfunc main() {\n}\n",
	"python":     "def main():\n    pass\n",
	"javascript": "function main() {\n}\n",
	"rust":       "fn main() {\n}\n",
}

func newJoinCmd(opts *rootOptions) *cobra.Command {
	var sessionID, name, clientID, transportKind string

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a session as an interactive peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if sessionID != "" {
				cfg.Session.ID = sessionID
			}
			if name != "" {
				cfg.Session.Name = name
			}
			if clientID != "" {
				cfg.Session.ClientID = clientID
			}
			if transportKind != "" {
				cfg.Transport = transportKind
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if cfg.Session.ID == "" {
				return errors.New("session id required (--session or session.id)")
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runJoin(ctx, cfg, opts.logger, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&clientID, "client", "", "stable client id (default: random)")
	cmd.Flags().StringVar(&transportKind, "transport", "", "memory, redis, relay or tenet")
	return cmd
}

// peerDeps holds what runJoin opened so it can close it again.
type peerDeps struct {
	session.Deps
	closers []func() error
}

func (d *peerDeps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

func openDeps(cfg *config.Config, logger *slog.Logger) (*peerDeps, error) {
	deps := &peerDeps{}

	switch cfg.Transport {
	case config.TransportRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		deps.closers = append(deps.closers, client.Close)
		deps.Broker = redisbus.New(client,
			redisbus.WithPrefix(cfg.Redis.Prefix),
			redisbus.WithHeartbeat(cfg.Redis.Heartbeat, 3*cfg.Redis.Heartbeat),
			redisbus.WithLogger(logger),
		)
	case config.TransportRelay:
		deps.Broker = wsrelay.NewBroker(cfg.Relay.URL, logger)
	case config.TransportTenet:
		broker, err := tenetbus.New(tenetbus.Config{
			Password:   cfg.Tenet.Password,
			ListenPort: cfg.Tenet.ListenPort,
			RelayNodes: cfg.Tenet.RelayNodes,
			Peers:      cfg.Tenet.Peers,
			Debug:      cfg.Tenet.Debug,
		}, tenetbus.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		deps.Broker = broker
	default:
		deps.Broker = transport.NewMemoryBus()
	}

	if cfg.Snapshot.URL != "" {
		deps.Snapshots = snapshot.NewHTTPStore(cfg.Snapshot.URL,
			snapshot.WithFetchRetries(cfg.Snapshot.Retries),
			snapshot.WithHTTPLogger(logger),
		)
	}

	var (
		local *store.BadgerStore
		err   error
	)
	if cfg.Store.Path == "" {
		local, err = store.NewBadgerStore("", store.WithInMemory())
	} else {
		local, err = store.NewBadgerStore(cfg.Store.Path)
	}
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.closers = append(deps.closers, local.Close)
	deps.Local = local
	return deps, nil
}

func runJoin(ctx context.Context, cfg *config.Config, logger *slog.Logger, in io.Reader, out io.Writer) error {
	deps, err := openDeps(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	console := newConsole(out)
	deps.Hooks = console

	engineCfg := cfg.Session.Engine()
	engine, err := session.New(engineCfg, deps.Deps,
		session.WithLogger(logger),
		session.WithSnippets(defaultSnippets, cfg.Session.ResetOnLanguage),
	)
	if err != nil {
		return err
	}
	defer engine.Dispose()

	if err := engine.Start(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "joined session %s as %s (%s)\n", cfg.Session.ID, nameOr(cfg.Session.Name), engine.ClientID())
	printHelp(out)

	done := make(chan struct{})
	defer close(done)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	r := &repl{engine: engine, out: out}
	for {
		fmt.Fprint(out, "> ")
		select {
		case <-console.done:
			return nil
		case <-ctx.Done():
			logger.Info("interrupted, leaving session", "session", cfg.Session.ID)
			return r.unload()
		case line, ok := <-lines:
			if !ok {
				return r.unload()
			}
			quit, err := r.handleCommand(strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func nameOr(name string) string {
	if name == "" {
		return "anonymous"
	}
	return name
}
