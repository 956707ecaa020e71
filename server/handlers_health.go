package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// HandleHealthz responds to liveness probe requests. With a database it also checks connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once every enabled connection is open.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	type check struct {
		name string
		fn   func() error
	}
	var checks []check
	if h.db != nil {
		checks = append(checks, check{"database", func() error { return h.db.PingContext(r.Context()) }})
	}
	if h.chat != nil {
		checks = append(checks, check{"chat", func() error {
			if !h.chat.Ready() {
				return fmt.Errorf("chat connection %s", h.chat.State())
			}
			return nil
		}})
	}
	if h.eventsub != nil {
		checks = append(checks, check{"eventsub", func() error {
			if !h.eventsub.Ready() {
				return fmt.Errorf("eventsub connection %s", h.eventsub.State())
			}
			return nil
		}})
	}
	if len(checks) == 0 {
		checks = append(checks, check{"connections", func() error { return errors.New("no connection configured") }})
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type chatStatus struct {
	State     string   `json:"state"`
	LatencyMS int64    `json:"latency_ms"`
	Channels  []string `json:"channels"`
}

type subscriptionStatus struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

type eventSubStatus struct {
	State            string               `json:"state"`
	SessionID        string               `json:"session_id,omitempty"`
	KeepaliveSeconds int                  `json:"keepalive_seconds,omitempty"`
	ConnectedAt      *time.Time           `json:"connected_at,omitempty"`
	Subscriptions    []subscriptionStatus `json:"subscriptions"`
}

type statusResponse struct {
	UptimeSeconds int64           `json:"uptime_seconds"`
	Chat          *chatStatus     `json:"chat,omitempty"`
	EventSub      *eventSubStatus `json:"eventsub,omitempty"`
}

// HandleStatus reports both connections as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{UptimeSeconds: int64(time.Since(h.started).Seconds())}
	if h.chat != nil {
		channels := h.chat.Channels()
		if channels == nil {
			channels = []string{}
		}
		resp.Chat = &chatStatus{
			State:     h.chat.State().String(),
			LatencyMS: h.chat.Latency().Milliseconds(),
			Channels:  channels,
		}
	}
	if h.eventsub != nil {
		st := &eventSubStatus{State: h.eventsub.State().String(), Subscriptions: []subscriptionStatus{}}
		if s, ok := h.eventsub.Session(); ok {
			at := s.ConnectedAt
			st.SessionID = s.ID
			st.KeepaliveSeconds = int(s.KeepaliveTimeout / time.Second)
			st.ConnectedAt = &at
		}
		for typ, sub := range h.eventsub.Subscriptions() {
			st.Subscriptions = append(st.Subscriptions, subscriptionStatus{Type: typ, ID: sub.ID, Version: sub.Version, Status: sub.Status})
		}
		sort.Slice(st.Subscriptions, func(i, j int) bool { return st.Subscriptions[i].Type < st.Subscriptions[j].Type })
		resp.EventSub = st
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
