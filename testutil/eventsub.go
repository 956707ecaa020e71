package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventSubServer is a scripted EventSub WebSocket endpoint.
type EventSubServer struct {
	t   testing.TB
	srv *httptest.Server

	// KeepaliveSeconds is declared in every welcome; zero omits the field.
	KeepaliveSeconds int
	// AutoWelcome sends session_welcome as soon as a client connects.
	AutoWelcome bool

	conns chan *EventSubConn

	mu       sync.Mutex
	accepted int
	open     []*EventSubConn
}

// EventSubConn is one accepted client socket.
type EventSubConn struct {
	SessionID string
	Query     map[string]string

	conn   *websocket.Conn
	wmu    sync.Mutex
	closed chan struct{}
}

// NewEventSubServer starts a server that welcomes every client with a new
// session id, or with the id in the reconnect_session query parameter.
func NewEventSubServer(t testing.TB) *EventSubServer {
	t.Helper()
	s := &EventSubServer{t: t, KeepaliveSeconds: 10, AutoWelcome: true, conns: make(chan *EventSubConn, 16)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &EventSubConn{SessionID: uuid.NewString(), Query: map[string]string{}, conn: ws, closed: make(chan struct{})}
		for k, v := range r.URL.Query() {
			c.Query[k] = v[0]
		}
		if id := c.Query["reconnect_session"]; id != "" {
			c.SessionID = id
		}

		s.mu.Lock()
		s.accepted++
		s.open = append(s.open, c)
		welcome := s.AutoWelcome
		keepalive := s.KeepaliveSeconds
		s.mu.Unlock()

		if welcome {
			c.SendWelcome(keepalive)
		}
		s.conns <- c
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}
		close(c.closed)
	}))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// endpoint.
func (s *EventSubServer) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// ReconnectURL returns the endpoint a session_reconnect should point at to
// keep session id.
func (s *EventSubServer) ReconnectURL(id string) string {
	return s.URL() + "?reconnect_session=" + id
}

// Accepted returns how many sockets were accepted.
func (s *EventSubServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Next waits for the next accepted socket.
func (s *EventSubServer) Next(timeout time.Duration) *EventSubConn {
	s.t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(timeout):
		s.t.Fatalf("no EventSub connection within %v", timeout)
		return nil
	}
}

// Close drops every socket and stops the server.
func (s *EventSubServer) Close() {
	s.mu.Lock()
	for _, c := range s.open {
		c.Close()
	}
	s.mu.Unlock()
	s.srv.Close()
}

// Closed is closed once the client side of the socket went away.
func (c *EventSubConn) Closed() <-chan struct{} { return c.closed }

// Close drops the socket without a close frame.
func (c *EventSubConn) Close() { _ = c.conn.Close() }

// Send writes one frame with a fresh message id and returns the id.
func (c *EventSubConn) Send(messageType, subscriptionType string, payload any) string {
	id := uuid.NewString()
	c.SendWithID(id, messageType, subscriptionType, payload)
	return id
}

// SendWithID writes one frame with the given message id.
func (c *EventSubConn) SendWithID(id, messageType, subscriptionType string, payload any) {
	meta := map[string]any{
		"message_id":        id,
		"message_type":      messageType,
		"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if subscriptionType != "" {
		meta["subscription_type"] = subscriptionType
		meta["subscription_version"] = "1"
	}
	if payload == nil {
		payload = map[string]any{}
	}
	data, _ := json.Marshal(map[string]any{"metadata": meta, "payload": payload})
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendWelcome writes session_welcome for c.SessionID.
func (c *EventSubConn) SendWelcome(keepaliveSeconds int) {
	session := map[string]any{
		"id":            c.SessionID,
		"status":        "connected",
		"connected_at":  time.Now().UTC().Format(time.RFC3339Nano),
		"reconnect_url": nil,
	}
	if keepaliveSeconds > 0 {
		session["keepalive_timeout_seconds"] = keepaliveSeconds
	}
	c.Send("session_welcome", "", map[string]any{"session": session})
}

// SendKeepalive writes session_keepalive.
func (c *EventSubConn) SendKeepalive() { c.Send("session_keepalive", "", nil) }

// SendReconnect writes session_reconnect pointing at url.
func (c *EventSubConn) SendReconnect(url string) {
	c.Send("session_reconnect", "", map[string]any{"session": map[string]any{
		"id":                        c.SessionID,
		"status":                    "reconnecting",
		"keepalive_timeout_seconds": nil,
		"reconnect_url":             url,
	}})
}

// SendNotification writes a notification for subscription type typ.
func (c *EventSubConn) SendNotification(id, typ string, event any) {
	c.SendWithID(id, "notification", typ, map[string]any{
		"subscription": map[string]any{
			"id": "sub-" + typ, "type": typ, "version": "1", "status": "enabled",
			"transport": map[string]any{"method": "websocket", "session_id": c.SessionID},
		},
		"event": event,
	})
}

// SendRevocation writes a revocation for subscription type typ.
func (c *EventSubConn) SendRevocation(typ, subscriptionID, status string) {
	c.Send("revocation", typ, map[string]any{
		"subscription": map[string]any{
			"id": subscriptionID, "type": typ, "version": "1", "status": status,
			"transport": map[string]any{"method": "websocket", "session_id": c.SessionID},
		},
	})
}
