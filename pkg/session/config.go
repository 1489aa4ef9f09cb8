package session

import (
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/shinyes/pairsync/pkg/hlc"
)

// Config controls one engine.
type Config struct {
	SessionID string
	// Self.ClientID should be the authenticated user id; empty means a fresh uuid.
	Self Identity

	// InitialContent seeds an empty document when no peer answers request-state.
	// A non-empty snapshot fetched on Start takes precedence.
	InitialContent  string
	InitialLanguage string

	// Snippets maps language -> starter code used when a change is accepted
	// and ResetOnLanguageChange is set.
	Snippets              map[string]string
	ResetOnLanguageChange bool

	StateGracePeriod  time.Duration // 等待 sync 的宽限期
	LeaveDebounce     time.Duration
	ProposalTTL       time.Duration
	SnapshotInterval  time.Duration
	NavigateDelay     time.Duration
	IdentityCacheSize int

	Logger *slog.Logger
	Clock  *hlc.Clock
	// NewProposalID generates proposal ids. They must be unique and totally ordered as strings.
	NewProposalID func() string
}

// Option modifies Config.
type Option func(*Config)

// WithProposalTTL sets how long an outgoing proposal waits for a response.
func WithProposalTTL(d time.Duration) Option {
	return func(c *Config) { c.ProposalTTL = d }
}

// WithLeaveDebounce sets how long a leave waits for a reconnect.
func WithLeaveDebounce(d time.Duration) Option {
	return func(c *Config) { c.LeaveDebounce = d }
}

// WithStateGracePeriod sets how long a joiner waits for sync before seeding.
func WithStateGracePeriod(d time.Duration) Option {
	return func(c *Config) { c.StateGracePeriod = d }
}

// WithSnapshotInterval sets the snapshot push period.
func WithSnapshotInterval(d time.Duration) Option {
	return func(c *Config) { c.SnapshotInterval = d }
}

// WithNavigateDelay sets the delay between session end and navigation.
func WithNavigateDelay(d time.Duration) Option {
	return func(c *Config) { c.NavigateDelay = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithClock shares an HLC with the document and language register.
func WithClock(clock *hlc.Clock) Option {
	return func(c *Config) { c.Clock = clock }
}

// WithProposalIDs overrides proposal id generation.
func WithProposalIDs(gen func() string) Option {
	return func(c *Config) { c.NewProposalID = gen }
}

// WithSnippets sets starter code per language. reset replaces the document on accepted changes.
func WithSnippets(snippets map[string]string, reset bool) Option {
	return func(c *Config) {
		c.Snippets = snippets
		c.ResetOnLanguageChange = reset
	}
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		StateGracePeriod:  1500 * time.Millisecond,
		LeaveDebounce:     2 * time.Second,
		ProposalTTL:       10 * time.Second,
		SnapshotInterval:  5 * time.Second,
		NavigateDelay:     1500 * time.Millisecond,
		IdentityCacheSize: 64,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StateGracePeriod <= 0 {
		c.StateGracePeriod = def.StateGracePeriod
	}
	if c.LeaveDebounce <= 0 {
		c.LeaveDebounce = def.LeaveDebounce
	}
	if c.ProposalTTL <= 0 {
		c.ProposalTTL = def.ProposalTTL
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = def.SnapshotInterval
	}
	if c.NavigateDelay <= 0 {
		c.NavigateDelay = def.NavigateDelay
	}
	if c.IdentityCacheSize <= 0 {
		c.IdentityCacheSize = def.IdentityCacheSize
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Clock == nil {
		c.Clock = hlc.New()
	}
	if c.NewProposalID == nil {
		c.NewProposalID = func() string { return ksuid.New().String() }
	}
	return c
}
