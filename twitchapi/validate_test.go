package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestValidateToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/validate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "OAuth abc123" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status":401,"message":"invalid access token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"client_id":"cid","login":"botname","scopes":["chat:read","chat:edit"],"user_id":"141981764","expires_in":5520838}`))
	}))
	defer server.Close()
	hc := &http.Client{Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL}}

	v, err := ValidateToken(context.Background(), hc, "oauth:abc123")
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if v.Login != "botname" || v.UserID != "141981764" || v.ClientID != "cid" {
		t.Errorf("validation = %+v", v)
	}
	if !v.HasScope("chat:edit") || v.HasScope("moderator:read:followers") {
		t.Errorf("scopes = %v", v.Scopes)
	}
	if time.Until(v.ExpiresAt) < 5000000*time.Second {
		t.Errorf("ExpiresAt = %v, want about 64 days out", v.ExpiresAt)
	}

	if _, err := ValidateToken(context.Background(), hc, "wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken(wrong) error = %v, want ErrInvalidToken", err)
	}
	if _, err := ValidateToken(context.Background(), hc, ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken(\"\") error = %v, want ErrInvalidToken", err)
	}
}

func TestComputeExpiry(t *testing.T) {
	tests := []struct {
		name    string
		seconds int
		want    time.Duration
	}{
		{"positive", 3600, time.Hour},
		{"zero defaults", 0, 60 * time.Minute},
		{"negative defaults", -5, 60 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := time.Until(ComputeExpiry(tt.seconds))
			if got < tt.want-time.Second || got > tt.want+time.Second {
				t.Errorf("ComputeExpiry(%d) = +%v, want +%v", tt.seconds, got, tt.want)
			}
		})
	}
}
