// Package twitchapi contains the Helix REST calls the connection managers need:
// EventSub subscription management over the WebSocket transport, user id
// resolution and token validation. Every call is made with the user access
// token, which is the only token type WebSocket subscriptions accept.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/onnwee/tmilink/eventsub"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

const maxAttempts = 3

// retryDelay is the wait before retrying a 429 or 5xx response, multiplied by the attempt.
var retryDelay = 500 * time.Millisecond

// TokenProvider supplies the user access token.
type TokenProvider interface {
	AccessToken() string
}

// refresher is implemented by token providers that can renew themselves
// after a 401.
type refresher interface {
	Refresh(ctx context.Context) error
}

// APIError is a non-2xx Helix response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("helix: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("helix: %d %s", e.Status, e.Message)
}

// ErrUserNotFound is returned by GetUserID for unknown logins.
var ErrUserNotFound = errors.New("helix: user not found")

// HelixClient calls Helix with a client id and user token. It implements
// eventsub.Subscriber.
type HelixClient struct {
	ClientID   string
	Token      TokenProvider
	BaseURL    string // DefaultBaseURL when empty
	HTTPClient *http.Client
}

var _ eventsub.Subscriber = (*HelixClient)(nil)

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) endpoint(path string, q url.Values) string {
	base := hc.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u := base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do sends one request, refreshing the token once on 401 and retrying 429
// and 5xx responses. out may be nil.
func (hc *HelixClient) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode helix request: %w", err)
		}
		payload = b
	}
	refreshed := false
	for attempt := 1; ; attempt++ {
		status, err := hc.once(ctx, method, path, q, payload, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return err
		}
		switch {
		case status == http.StatusUnauthorized && !refreshed:
			r, ok := hc.Token.(refresher)
			if !ok {
				return err
			}
			if rerr := r.Refresh(ctx); rerr != nil {
				return fmt.Errorf("%w (token refresh: %w)", err, rerr)
			}
			refreshed = true
			attempt--
		case (status == http.StatusTooManyRequests || status >= 500) && attempt < maxAttempts:
			slog.Warn("helix request retry", slog.String("path", path), slog.Int("status", status), slog.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * retryDelay):
			}
		default:
			return err
		}
	}
}

func (hc *HelixClient) once(ctx context.Context, method, path string, q url.Values, payload []byte, out any) (int, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, hc.endpoint(path, q), rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	if hc.Token != nil {
		req.Header.Set("Authorization", "Bearer "+hc.Token.AccessToken())
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(b, &e) != nil || e.Message == "" {
			e.Message = string(bytes.TrimSpace(b))
		}
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode helix response: %w", err)
	}
	return resp.StatusCode, nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}
	return body.Data[0].ID, nil
}

type subscriptionList struct {
	Data       []eventsub.Subscription `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// CreateSubscription creates an EventSub subscription.
func (hc *HelixClient) CreateSubscription(ctx context.Context, req eventsub.SubscriptionRequest) ([]eventsub.Subscription, error) {
	var body subscriptionList
	if err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, req, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// DeleteSubscription deletes a subscription by id. A 404 counts as deleted.
func (hc *HelixClient) DeleteSubscription(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("subscription id empty")
	}
	err := hc.do(ctx, http.MethodDelete, "/eventsub/subscriptions", url.Values{"id": {id}}, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// ListSubscriptions lists every subscription of the token's client, following pagination.
func (hc *HelixClient) ListSubscriptions(ctx context.Context) ([]eventsub.Subscription, error) {
	var out []eventsub.Subscription
	q := url.Values{}
	for {
		var page subscriptionList
		if err := hc.do(ctx, http.MethodGet, "/eventsub/subscriptions", q, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Data...)
		if page.Pagination.Cursor == "" || len(page.Data) == 0 {
			return out, nil
		}
		q = url.Values{"after": {page.Pagination.Cursor}}
	}
}
