package oauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/tmilink/db"
)

// DefaultProvider is the oauth_tokens key of the Twitch user token.
const DefaultProvider = "twitch"

// ErrNoRefreshToken is returned by Refresh when no refresh token is known.
var ErrNoRefreshToken = errors.New("oauth: no refresh token")

// Config configures Credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	AccessToken  string // initial token; "oauth:" prefix is stripped
	RefreshToken string

	DB       *sql.DB // optional persistence
	Provider string  // DefaultProvider when empty

	Endpoint   oauth2.Endpoint // twitch.Endpoint when zero
	HTTPClient *http.Client
}

// Credentials is the current Twitch user token. It satisfies the credential
// interfaces of the chat and eventsub managers and the Helix client.
type Credentials struct {
	cfg      Config
	oauthCfg *oauth2.Config
	group    singleflight.Group

	mu  sync.RWMutex
	tok db.Token
}

// NewCredentials returns credentials seeded from cfg.
func NewCredentials(cfg Config) *Credentials {
	if cfg.Provider == "" {
		cfg.Provider = DefaultProvider
	}
	if cfg.Endpoint == (oauth2.Endpoint{}) {
		cfg.Endpoint = twitch.Endpoint
	}
	// Twitch wants client_id and client_secret in the form body.
	cfg.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &Credentials{
		cfg: cfg,
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     cfg.Endpoint,
		},
		tok: db.Token{
			Provider:     cfg.Provider,
			AccessToken:  strings.TrimPrefix(cfg.AccessToken, "oauth:"),
			RefreshToken: cfg.RefreshToken,
		},
	}
}

// Load replaces the seeded token with the persisted one, when one exists.
func (c *Credentials) Load(ctx context.Context) error {
	if c.cfg.DB == nil {
		return nil
	}
	stored, err := db.GetOAuthToken(ctx, c.cfg.DB, c.cfg.Provider)
	if err != nil {
		return fmt.Errorf("load %s token: %w", c.cfg.Provider, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if stored.AccessToken == "" {
		return nil
	}
	if stored.RefreshToken == "" {
		stored.RefreshToken = c.tok.RefreshToken
	}
	c.tok = stored
	return nil
}

// Save persists the current token.
func (c *Credentials) Save(ctx context.Context) error {
	if c.cfg.DB == nil {
		return nil
	}
	return db.UpsertOAuthToken(ctx, c.cfg.DB, c.Token())
}

// AccessToken returns the current access token without the "oauth:" prefix.
func (c *Credentials) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tok.AccessToken
}

// Token returns a copy of the current token.
func (c *Credentials) Token() db.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tok
}

// SetToken replaces the current token, for example after a background
// refresher stored a new one.
func (c *Credentials) SetToken(tok db.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok.Provider = c.cfg.Provider
	c.tok = merge(c.tok, tok)
}

// Refresh exchanges the refresh token for a new access token and persists it.
// Concurrent calls share one exchange.
func (c *Credentials) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		rt := c.Token().RefreshToken
		if rt == "" {
			return nil, ErrNoRefreshToken
		}
		next, err := c.Exchange(ctx, rt)
		if err != nil {
			return nil, err
		}
		c.SetToken(next)
		slog.Info("twitch token refreshed", slog.String("provider", c.cfg.Provider), slog.Time("expires_at", next.Expiry))
		if err := c.Save(ctx); err != nil {
			return nil, fmt.Errorf("persist refreshed token: %w", err)
		}
		return nil, nil
	})
	return err
}

// Exchange runs the refresh_token grant without touching the current token.
// It has the RefreshFunc signature so it can drive StartRefresher.
func (c *Credentials) Exchange(ctx context.Context, refreshToken string) (db.Token, error) {
	if c.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	}
	src := c.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	t, err := src.Token()
	if err != nil {
		return db.Token{}, fmt.Errorf("refresh twitch token: %w", err)
	}
	return db.Token{
		Provider:     c.cfg.Provider,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
		Scope:        scopeOf(t),
	}, nil
}

// scopeOf flattens the scope field, which Twitch returns as a JSON array.
func scopeOf(t *oauth2.Token) string {
	switch v := t.Extra("scope").(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}
