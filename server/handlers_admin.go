package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/tmilink/eventsub"
	"github.com/onnwee/tmilink/lifecycle"
	"github.com/onnwee/tmilink/telemetry"
)

// HandleAdminReconnect forces a reconnect of ?conn=chat or ?conn=eventsub.
func (h *Handlers) HandleAdminReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var reconnect func() error
	conn := r.URL.Query().Get("conn")
	switch conn {
	case "chat":
		if h.chat != nil {
			reconnect = h.chat.Reconnect
		}
	case "eventsub":
		if h.eventsub != nil {
			reconnect = h.eventsub.Reconnect
		}
	default:
		http.Error(w, "conn must be chat or eventsub", http.StatusBadRequest)
		return
	}
	if reconnect == nil {
		http.Error(w, conn+" connection disabled", http.StatusNotFound)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context())
	if err := reconnect(); err != nil {
		log.Warn("admin reconnect refused", slog.String("conn", conn), slog.Any("err", err))
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	log.Info("admin reconnect", slog.String("conn", conn))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting", "conn": conn})
}

// HandleAdminSubscriptions subscribes (POST) or unsubscribes (DELETE) ?type= on the EventSub session.
func (h *Handlers) HandleAdminSubscriptions(w http.ResponseWriter, r *http.Request) {
	if h.eventsub == nil {
		http.Error(w, "eventsub connection disabled", http.StatusNotFound)
		return
	}
	typ := r.URL.Query().Get("type")
	if typ == "" {
		http.Error(w, "type required", http.StatusBadRequest)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context())
	switch r.Method {
	case http.MethodPost:
		subs, err := h.eventsub.Subscribe(r.Context(), typ)
		if err != nil {
			log.Warn("admin subscribe failed", slog.String("subscription_type", typ), slog.Any("err", err))
			writeJSON(w, subscriptionErrorStatus(err), map[string]string{"error": err.Error()})
			return
		}
		sub := subs[typ]
		writeJSON(w, http.StatusOK, subscriptionStatus{Type: typ, ID: sub.ID, Version: sub.Version, Status: sub.Status})
	case http.MethodDelete:
		if err := h.eventsub.Unsubscribe(r.Context(), typ); err != nil {
			log.Warn("admin unsubscribe failed", slog.String("subscription_type", typ), slog.Any("err", err))
			writeJSON(w, subscriptionErrorStatus(err), map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func subscriptionErrorStatus(err error) int {
	var serr *eventsub.SubscriptionError
	switch {
	case errors.Is(err, lifecycle.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.As(err, &serr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
