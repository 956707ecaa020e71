// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required credentials use ValidateChatReady and ValidateEventSubReady.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/tmilink/backoff"
)

// DefaultEventSubKeepalive is requested from EventSub when EVENTSUB_KEEPALIVE_SECONDS is unset.
const DefaultEventSubKeepalive = 30 * time.Second

// Subscription is one EVENTSUB_SUBSCRIPTIONS entry, written as type or type@version.
type Subscription struct {
	Type    string
	Version string
}

type Config struct {
	// Twitch
	TwitchLogin         string
	TwitchChannels      []string
	TwitchOAuthToken    string
	TwitchRefreshToken  string
	TwitchClientID      string
	TwitchClientSecret  string
	TwitchBroadcasterID string

	// Chat
	IRCAddr               string
	IRCTLS                bool
	JoinInterval          time.Duration
	KeepaliveInterval     time.Duration
	KeepaliveStaleTimeout time.Duration
	ChatRecord            bool

	// EventSub
	EventSubURL           string
	EventSubSubscriptions []Subscription
	EventSubKeepalive     time.Duration

	// Shared reconnect policy
	Reconnect backoff.Config

	Debug bool

	// Database; empty disables persistence
	DBDsn string
	// EncryptionKey seals stored tokens (base64, 32 bytes); empty stores plaintext
	EncryptionKey string

	// HTTP status surface
	HTTPAddr string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads environment variables and applies defaults. It doesn't fail if Twitch creds are missing;
// use the Validate helpers for the connections you start. Malformed values are reported together.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error
	p := parser{errs: &errs}

	cfg.TwitchLogin = strings.ToLower(strings.TrimSpace(os.Getenv("TWITCH_LOGIN")))
	cfg.TwitchChannels = splitList(os.Getenv("TWITCH_CHANNELS"))
	cfg.TwitchOAuthToken = strings.TrimPrefix(os.Getenv("TWITCH_OAUTH_TOKEN"), "oauth:")
	cfg.TwitchRefreshToken = os.Getenv("TWITCH_REFRESH_TOKEN")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchBroadcasterID = os.Getenv("TWITCH_BROADCASTER_ID")

	cfg.IRCAddr = envOr("IRC_ADDR", "irc.chat.twitch.tv:6697")
	cfg.IRCTLS = p.flag("IRC_TLS", true)
	cfg.JoinInterval = p.duration("JOIN_INTERVAL", 2*time.Second)
	cfg.KeepaliveInterval = p.duration("KEEPALIVE_INTERVAL", 60*time.Second)
	cfg.KeepaliveStaleTimeout = p.duration("KEEPALIVE_STALE_TIMEOUT", 0)
	cfg.ChatRecord = p.flag("CHAT_RECORD", false)

	cfg.EventSubURL = envOr("EVENTSUB_URL", "wss://eventsub.wss.twitch.tv/ws")
	for _, entry := range splitList(os.Getenv("EVENTSUB_SUBSCRIPTIONS")) {
		typ, version, _ := strings.Cut(entry, "@")
		cfg.EventSubSubscriptions = append(cfg.EventSubSubscriptions, Subscription{Type: typ, Version: version})
	}
	cfg.EventSubKeepalive = time.Duration(p.integer("EVENTSUB_KEEPALIVE_SECONDS", int(DefaultEventSubKeepalive/time.Second))) * time.Second

	def := backoff.DefaultConfig()
	cfg.Reconnect = backoff.Config{
		Min:         p.duration("RECONNECT_MIN", def.Min),
		Max:         p.duration("RECONNECT_MAX", def.Max),
		Decay:       p.number("RECONNECT_DECAY", def.Decay),
		MaxAttempts: p.integer("RECONNECT_MAX_ATTEMPTS", def.MaxAttempts),
	}
	// Max never below min; attempts never below Unlimited.
	if cfg.Reconnect.Max < cfg.Reconnect.Min {
		cfg.Reconnect.Max = cfg.Reconnect.Min
	}
	if cfg.Reconnect.MaxAttempts < backoff.Unlimited {
		cfg.Reconnect.MaxAttempts = backoff.Unlimited
	}

	cfg.Debug = p.flag("DEBUG", false)
	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	cfg.HTTPAddr = envOr("HTTP_ADDR", ":8080")
	cfg.LogLevel = strings.ToLower(envOr("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(envOr("LOG_FORMAT", "text"))

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Reconnect.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconnect settings: %w", err)
	}
	return cfg, nil
}

// ValidateChatReady checks required fields when the chat connection is enabled.
func (c *Config) ValidateChatReady() error {
	if c.TwitchLogin == "" || c.TwitchOAuthToken == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_LOGIN, TWITCH_OAUTH_TOKEN")
	}
	return nil
}

// ValidateEventSubReady checks required fields when EventSub subscriptions are configured.
func (c *Config) ValidateEventSubReady() error {
	if len(c.EventSubSubscriptions) == 0 {
		return nil
	}
	if c.TwitchClientID == "" || c.TwitchOAuthToken == "" {
		return fmt.Errorf("missing twitch env: EVENTSUB_SUBSCRIPTIONS require TWITCH_CLIENT_ID, TWITCH_OAUTH_TOKEN")
	}
	for _, s := range c.EventSubSubscriptions {
		if s.Type == "" {
			return fmt.Errorf("invalid EVENTSUB_SUBSCRIPTIONS entry with empty type")
		}
	}
	return nil
}

// ChatEnabled reports whether the chat connection should be started.
func (c *Config) ChatEnabled() bool { return c.TwitchLogin != "" && c.TwitchOAuthToken != "" }

// SubscriptionTypes returns the configured types in order and their versions.
func (c *Config) SubscriptionTypes() ([]string, map[string]string) {
	types := make([]string, 0, len(c.EventSubSubscriptions))
	versions := make(map[string]string)
	for _, s := range c.EventSubSubscriptions {
		types = append(types, s.Type)
		if s.Version != "" {
			versions[s.Type] = s.Version
		}
	}
	return types, versions
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// splitList splits on commas and whitespace, dropping empty entries.
func splitList(v string) []string {
	return strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' || r == '\n' })
}

type parser struct{ errs *[]error }

func (p parser) fail(key, v string, err error) {
	*p.errs = append(*p.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
}

func (p parser) flag(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p parser) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p parser) number(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

// duration accepts Go durations ("1.5s") or plain milliseconds ("1500").
func (p parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}
