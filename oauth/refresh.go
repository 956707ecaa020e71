// Package oauth keeps the Twitch user access token fresh. Credentials holds
// the current token for the connection managers and renews it with the
// refresh token; StartRefresher renews tokens persisted in the oauth_tokens
// table ahead of their expiry with jittered checks.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/onnwee/tmilink/db"
)

// RefreshFunc exchanges a refresh token for a new token. Empty RefreshToken
// or Scope in the result keep the stored values.
type RefreshFunc func(ctx context.Context, refreshToken string) (db.Token, error)

// StartRefresher launches a goroutine that periodically checks an oauth token row and refreshes it.
// provider: key in oauth_tokens table.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
// The returned channel is closed when the goroutine exits.
func StartRefresher(ctx context.Context, dbx *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) <-chan struct{} {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	log := slog.Default().With(slog.String("component", "oauth_refresher"), slog.String("provider", provider))
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Add per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			if err := refreshIfDue(ctx, dbx, provider, window, fn, log); err != nil {
				log.Warn("token refresh failed", slog.Any("err", err))
			}
		}
	}()
	return done
}

func refreshIfDue(ctx context.Context, dbx *sql.DB, provider string, window time.Duration, fn RefreshFunc, log *slog.Logger) error {
	cur, err := db.GetOAuthToken(ctx, dbx, provider)
	if err != nil {
		return err
	}
	if cur.RefreshToken == "" {
		return nil
	}
	// If still outside window skip quickly
	if time.Until(cur.Expiry) > window {
		return nil
	}
	// Small pre-refresh jitter to avoid stampedes when many pods see same expiry
	//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
	pre := time.Duration(rand.Int63n(int64(preRefreshJitter)))
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(pre):
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	next, err := fn(ctx2, cur.RefreshToken)
	cancel()
	if err != nil {
		return err
	}
	next = merge(cur, next)
	next.Provider = provider
	if err := db.UpsertOAuthToken(ctx, dbx, next); err != nil {
		return err
	}
	log.Info("token refreshed", slog.Time("expires_at", next.Expiry))
	return nil
}

// preRefreshJitter bounds the random wait before a due refresh.
var preRefreshJitter = 5 * time.Second

// merge fills the fields a refresh response may omit from the previous token.
func merge(prev, next db.Token) db.Token {
	next.Provider = prev.Provider
	if next.RefreshToken == "" {
		next.RefreshToken = prev.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = prev.Scope
	}
	next.Scope = strings.TrimSpace(next.Scope)
	return next
}
