package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ValidateURL is the token introspection endpoint.
const ValidateURL = "https://id.twitch.tv/oauth2/validate"

// ErrInvalidToken is returned when the validate endpoint rejects the token.
var ErrInvalidToken = errors.New("twitch: invalid access token")

// Validation describes a user access token.
type Validation struct {
	ClientID  string    `json:"client_id"`
	Login     string    `json:"login"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresIn int       `json:"expires_in"`
	ExpiresAt time.Time `json:"-"`
}

// HasScope reports whether the token carries scope.
func (v Validation) HasScope(scope string) bool {
	for _, s := range v.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ValidateToken asks Twitch who the token belongs to. hc may be nil.
func ValidateToken(ctx context.Context, hc *http.Client, token string) (Validation, error) {
	token = strings.TrimPrefix(token, "oauth:")
	if token == "" {
		return Validation{}, ErrInvalidToken
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ValidateURL, nil)
	if err != nil {
		return Validation{}, err
	}
	req.Header.Set("Authorization", "OAuth "+token)
	resp, err := hc.Do(req)
	if err != nil {
		return Validation{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return Validation{}, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Validation{}, fmt.Errorf("twitch token validation failed: %s: %s", resp.Status, string(b))
	}
	var v Validation
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Validation{}, err
	}
	v.ExpiresAt = ComputeExpiry(v.ExpiresIn)
	return v, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
