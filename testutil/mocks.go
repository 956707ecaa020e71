package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockSubscription is one EventSub subscription held by MockTwitchServer.
type MockSubscription struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Condition map[string]string `json:"condition"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id"`
	} `json:"transport"`
	CreatedAt time.Time `json:"created_at"`
}

// MockTwitchServer mocks the Helix user and EventSub subscription endpoints
// plus the id.twitch.tv token endpoints. Subscriptions are kept in memory.
type MockTwitchServer struct {
	*httptest.Server

	// Token is the only access token accepted; empty accepts any bearer.
	Token string
	// Handlers override routes by path.
	Handlers map[string]http.HandlerFunc

	mu      sync.Mutex
	users   map[string]string // login -> id
	subs    map[string]*MockSubscription
	nextID  int
	creates int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		users:    make(map[string]string),
		subs:     make(map[string]*MockSubscription),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the base URL for a HelixClient.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// AddUser registers a login for /helix/users.
func (m *MockTwitchServer) AddUser(userID, login string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[strings.ToLower(login)] = userID
}

// Subscriptions returns the stored subscriptions sorted by type.
func (m *MockTwitchServer) Subscriptions() []MockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSubscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Creates counts create requests, including rejected ones.
func (m *MockTwitchServer) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

func (m *MockTwitchServer) serve(w http.ResponseWriter, r *http.Request) {
	if h, ok := m.Handlers[r.URL.Path]; ok {
		h(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/helix/") {
		if m.Token != "" && r.Header.Get("Authorization") != "Bearer "+m.Token {
			writeMockJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized", "status": 401, "message": "Invalid OAuth token"})
			return
		}
	}
	switch {
	case r.URL.Path == "/helix/users":
		m.serveUsers(w, r)
	case r.URL.Path == "/helix/eventsub/subscriptions":
		m.serveSubscriptions(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (m *MockTwitchServer) serveUsers(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := []map[string]string{}
	for _, login := range r.URL.Query()["login"] {
		if id, ok := m.users[strings.ToLower(login)]; ok {
			data = append(data, map[string]string{"id": id, "login": strings.ToLower(login)})
		}
	}
	writeMockJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (m *MockTwitchServer) serveSubscriptions(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch r.Method {
	case http.MethodPost:
		m.creates++
		var sub MockSubscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.Type == "" {
			writeMockJSON(w, http.StatusBadRequest, map[string]any{"error": "Bad Request", "status": 400, "message": "invalid body"})
			return
		}
		for _, s := range m.subs {
			if s.Type == sub.Type && s.Transport.SessionID == sub.Transport.SessionID {
				writeMockJSON(w, http.StatusConflict, map[string]any{"error": "Conflict", "status": 409, "message": "subscription already exists"})
				return
			}
		}
		m.nextID++
		sub.ID = fmt.Sprintf("mock-sub-%d", m.nextID)
		sub.Status = "enabled"
		sub.CreatedAt = time.Now().UTC()
		m.subs[sub.ID] = &sub
		writeMockJSON(w, http.StatusAccepted, map[string]any{"data": []MockSubscription{sub}, "total": len(m.subs)})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if _, ok := m.subs[id]; !ok {
			writeMockJSON(w, http.StatusNotFound, map[string]any{"error": "Not Found", "status": 404, "message": "subscription not found"})
			return
		}
		delete(m.subs, id)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		data := make([]MockSubscription, 0, len(m.subs))
		for _, s := range m.subs {
			data = append(data, *s)
		}
		writeMockJSON(w, http.StatusOK, map[string]any{"data": data, "total": len(data), "pagination": map[string]string{}})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// MockOAuthTokenResponse adds a handler for the refresh_token grant.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeMockJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
			"scope":         []string{"chat:read", "chat:edit"},
		})
	}
}

// MockValidateResponse adds a handler for /oauth2/validate.
func (m *MockTwitchServer) MockValidateResponse(login, userID string, expiresIn int) {
	m.Handlers["/oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		writeMockJSON(w, http.StatusOK, map[string]any{
			"client_id":  "test-client-id",
			"login":      login,
			"user_id":    userID,
			"scopes":     []string{"chat:read", "chat:edit"},
			"expires_in": expiresIn,
		})
	}
}

func writeMockJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
