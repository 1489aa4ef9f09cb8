// Package config loads pairsync settings from defaults, an optional YAML
// file, a .env file and PAIRSYNC_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/shinyes/pairsync/pkg/session"
)

// EnvPrefix prefixes every environment variable, e.g. PAIRSYNC_REDIS_ADDR.
const EnvPrefix = "PAIRSYNC"

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportRelay  = "relay"
	TransportTenet  = "tenet"
)

// Config is the complete pairsync configuration.
type Config struct {
	Session   SessionConfig  `mapstructure:"session"`
	Transport string         `mapstructure:"transport"`
	Redis     RedisConfig    `mapstructure:"redis"`
	Relay     RelayConfig    `mapstructure:"relay"`
	Tenet     TenetConfig    `mapstructure:"tenet"`
	Snapshot  SnapshotConfig `mapstructure:"snapshot"`
	Store     StoreConfig    `mapstructure:"store"`
	Log       LogConfig      `mapstructure:"log"`
}

// SessionConfig holds the engine settings for one participant.
type SessionConfig struct {
	ID               string        `mapstructure:"id"`
	ClientID         string        `mapstructure:"client_id"`
	Name             string        `mapstructure:"name"`
	Language         string        `mapstructure:"language"`
	InitialContent   string        `mapstructure:"initial_content"`
	ResetOnLanguage  bool          `mapstructure:"reset_on_language"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	LeaveDebounce    time.Duration `mapstructure:"leave_debounce"`
	ProposalTTL      time.Duration `mapstructure:"proposal_ttl"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	NavigateDelay    time.Duration `mapstructure:"navigate_delay"`
}

// RedisConfig configures the Redis pub/sub transport.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Prefix    string        `mapstructure:"prefix"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// RelayConfig configures the websocket relay server and its clients.
type RelayConfig struct {
	URL    string  `mapstructure:"url"`
	Listen string  `mapstructure:"listen"`
	Rate   float64 `mapstructure:"rate"`
	Burst  int     `mapstructure:"burst"`
}

// TenetConfig configures the peer-to-peer tenet transport.
type TenetConfig struct {
	Password   string   `mapstructure:"password"`
	ListenPort int      `mapstructure:"listen_port"`
	RelayNodes []string `mapstructure:"relay_nodes"`
	Peers      []string `mapstructure:"peers"`
	Debug      bool     `mapstructure:"debug"`
}

// SnapshotConfig configures the snapshot service and its clients.
type SnapshotConfig struct {
	URL     string `mapstructure:"url"`
	Listen  string `mapstructure:"listen"`
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	Retries uint64 `mapstructure:"retries"`
}

// StoreConfig configures the local Badger store. An empty Path keeps it in memory.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	def := session.DefaultConfig()

	v.SetDefault("session.id", "")
	v.SetDefault("session.client_id", "")
	v.SetDefault("session.name", "")
	v.SetDefault("session.language", "go")
	v.SetDefault("session.initial_content", "")
	v.SetDefault("session.reset_on_language", false)
	v.SetDefault("session.grace_period", def.StateGracePeriod)
	v.SetDefault("session.leave_debounce", def.LeaveDebounce)
	v.SetDefault("session.proposal_ttl", def.ProposalTTL)
	v.SetDefault("session.snapshot_interval", def.SnapshotInterval)
	v.SetDefault("session.navigate_delay", def.NavigateDelay)

	v.SetDefault("transport", TransportRelay)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "pairsync:session:")
	v.SetDefault("redis.heartbeat", "2s")

	v.SetDefault("relay.url", "ws://localhost:8090")
	v.SetDefault("relay.listen", ":8090")
	v.SetDefault("relay.rate", 50.0)
	v.SetDefault("relay.burst", 100)

	v.SetDefault("tenet.password", "")
	v.SetDefault("tenet.listen_port", 0)
	v.SetDefault("tenet.relay_nodes", []string{})
	v.SetDefault("tenet.peers", []string{})
	v.SetDefault("tenet.debug", false)

	v.SetDefault("snapshot.url", "")
	v.SetDefault("snapshot.listen", ":8091")
	v.SetDefault("snapshot.driver", "sqlite")
	v.SetDefault("snapshot.dsn", "file:pairsync.db")
	v.SetDefault("snapshot.retries", 3)

	v.SetDefault("store.path", "")

	v.SetDefault("log.level", "info")
}

// Load reads the configuration. path names an optional YAML file; without
// it ./pairsync.yaml is used when present. envFiles default to ".env";
// missing env files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// 已存在的环境变量优先于 .env
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pairsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportMemory, TransportRedis, TransportRelay:
	case TransportTenet:
		if c.Tenet.Password == "" {
			return errors.New("tenet transport needs tenet.password")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.Snapshot.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("unknown snapshot driver %q", c.Snapshot.Driver)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Relay.Rate <= 0 || c.Relay.Burst <= 0 {
		return fmt.Errorf("relay rate and burst must be positive")
	}
	return nil
}

// SlogLevel parses Level (debug, info, warn, error).
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", l.Level, err)
	}
	return level, nil
}

// Engine converts the session settings to an engine configuration.
func (s SessionConfig) Engine() session.Config {
	cfg := session.DefaultConfig()
	cfg.SessionID = s.ID
	cfg.Self = session.Identity{ClientID: s.ClientID, DisplayName: s.Name}
	cfg.InitialLanguage = s.Language
	cfg.InitialContent = s.InitialContent
	cfg.ResetOnLanguageChange = s.ResetOnLanguage
	cfg.StateGracePeriod = s.GracePeriod
	cfg.LeaveDebounce = s.LeaveDebounce
	cfg.ProposalTTL = s.ProposalTTL
	cfg.SnapshotInterval = s.SnapshotInterval
	cfg.NavigateDelay = s.NavigateDelay
	return cfg
}
