package chatsync

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Duration
// ============================================================================

// Duration is a time.Duration written as a Go duration string ("250ms") in
// TOML.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// ============================================================================
// Config
// ============================================================================

// Config is the full engine and CLI configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Sync      SyncConfig      `toml:"sync"`
	Reactions ReactionsConfig `toml:"reactions"`
	Receipts  ReceiptsConfig  `toml:"receipts"`
	Anchor    AnchorConfig    `toml:"anchor"`
	Cache     CacheConfig     `toml:"cache"`
	Log       LogConfig       `toml:"log"`
}

// ServerConfig locates the chat backend.
type ServerConfig struct {
	BaseURL       string `toml:"base_url"`
	Token         string `toml:"token"`
	UserID        string `toml:"user_id"`
	Transport     string `toml:"transport"` // "ws" or "sse"
	WebhookSecret string `toml:"webhook_secret"`
}

// SyncConfig tunes SyncCoordinator.
type SyncConfig struct {
	PageSize         int      `toml:"page_size"`
	DeltaMinInterval Duration `toml:"delta_min_interval"`
	TickInterval     Duration `toml:"tick_interval"`
	LookupCoolDown   Duration `toml:"lookup_cool_down"`
}

func (c *SyncConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.DeltaMinInterval <= 0 {
		c.DeltaMinInterval = Duration(DefaultDeltaMinInterval)
	}
	if c.TickInterval <= 0 {
		c.TickInterval = Duration(250 * time.Millisecond)
	}
	if c.LookupCoolDown <= 0 {
		c.LookupCoolDown = Duration(DefaultLookupCoolDown)
	}
}

// ReactionsConfig tunes ReactionAggregator.
type ReactionsConfig struct {
	Debounce    Duration `toml:"debounce"`
	DedupWindow int      `toml:"dedup_window"`
}

func (c *ReactionsConfig) defaults() {
	if c.Debounce <= 0 {
		c.Debounce = Duration(DefaultReactionDebounce)
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
}

// ReceiptsConfig tunes ReadReceiptManager and PresenceView.
type ReceiptsConfig struct {
	Debounce  Duration `toml:"debounce"`
	TypingTTL Duration `toml:"typing_ttl"`
}

func (c *ReceiptsConfig) defaults() {
	if c.Debounce <= 0 {
		c.Debounce = Duration(DefaultReceiptDebounce)
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = Duration(DefaultTypingTTL)
	}
}

// AnchorConfig tunes AnchorController.
type AnchorConfig struct {
	BottomThreshold float64  `toml:"bottom_threshold"`
	SwitchGrace     Duration `toml:"switch_grace"`
	PrependSuppress Duration `toml:"prepend_suppress"`
}

func (c *AnchorConfig) defaults() {
	if c.BottomThreshold <= 0 {
		c.BottomThreshold = DefaultBottomThreshold
	}
	if c.SwitchGrace <= 0 {
		c.SwitchGrace = Duration(DefaultSwitchGrace)
	}
	if c.PrependSuppress <= 0 {
		c.PrependSuppress = Duration(DefaultPrependSuppress)
	}
}

// CacheConfig selects the thread snapshot cache.
type CacheConfig struct {
	Backend   string   `toml:"backend"` // "memory", "redis" or "none"
	RedisAddr string   `toml:"redis_addr"`
	TTL       Duration `toml:"ttl"`
	Limit     int      `toml:"limit"`
}

func (c *CacheConfig) defaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.TTL <= 0 {
		c.TTL = Duration(DefaultCacheTTL)
	}
	if c.Limit <= 0 {
		c.Limit = DefaultCacheLimit
	}
}

// LogConfig sets the log level: debug, info, warn or error.
type LogConfig struct {
	Level string `toml:"level"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

func (c *Config) defaults() {
	if c.Server.Transport == "" {
		c.Server.Transport = "ws"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Sync.defaults()
	c.Reactions.defaults()
	c.Receipts.defaults()
	c.Anchor.defaults()
	c.Cache.defaults()
}

// ParseConfig decodes TOML and fills defaults.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	cfg.defaults()
	return &cfg, nil
}

// LoadConfig reads path. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	return ParseConfig(data)
}

// Save writes the config to path as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from CHATSYNC_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("CHATSYNC_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := getenv("CHATSYNC_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := getenv("CHATSYNC_USER_ID"); v != "" {
		c.Server.UserID = v
	}
	if v := getenv("CHATSYNC_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
	if v := getenv("CHATSYNC_REDIS_ADDR"); v != "" {
		c.Cache.Backend = "redis"
		c.Cache.RedisAddr = v
	}
	if v := getenv("CHATSYNC_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sync.PageSize = n
		}
	}
	if v := getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Set assigns a field by its dotted TOML key, e.g. "server.base_url".
func (c *Config) Set(key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}
	dur := func(d *Duration) error { return d.UnmarshalText([]byte(value)) }
	num := func(n *int) error {
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", value, err)
		}
		*n = v
		return nil
	}

	switch section + "." + field {
	case "server.base_url":
		c.Server.BaseURL = value
	case "server.token":
		c.Server.Token = value
	case "server.user_id":
		c.Server.UserID = value
	case "server.transport":
		if value != "ws" && value != "sse" {
			return fmt.Errorf("transport must be ws or sse")
		}
		c.Server.Transport = value
	case "server.webhook_secret":
		c.Server.WebhookSecret = value
	case "sync.page_size":
		return num(&c.Sync.PageSize)
	case "sync.delta_min_interval":
		return dur(&c.Sync.DeltaMinInterval)
	case "sync.tick_interval":
		return dur(&c.Sync.TickInterval)
	case "sync.lookup_cool_down":
		return dur(&c.Sync.LookupCoolDown)
	case "reactions.debounce":
		return dur(&c.Reactions.Debounce)
	case "reactions.dedup_window":
		return num(&c.Reactions.DedupWindow)
	case "receipts.debounce":
		return dur(&c.Receipts.Debounce)
	case "receipts.typing_ttl":
		return dur(&c.Receipts.TypingTTL)
	case "anchor.switch_grace":
		return dur(&c.Anchor.SwitchGrace)
	case "anchor.prepend_suppress":
		return dur(&c.Anchor.PrependSuppress)
	case "anchor.bottom_threshold":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", value, err)
		}
		c.Anchor.BottomThreshold = v
	case "cache.backend":
		c.Cache.Backend = value
	case "cache.redis_addr":
		c.Cache.RedisAddr = value
	case "cache.ttl":
		return dur(&c.Cache.TTL)
	case "cache.limit":
		return num(&c.Cache.Limit)
	case "log.level":
		c.Log.Level = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// NewLogger builds a text slog.Logger at the named level.
func NewLogger(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
