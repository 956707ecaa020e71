package eventsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types sent by the EventSub WebSocket server.
const (
	TypeWelcome      = "session_welcome"
	TypeKeepalive    = "session_keepalive"
	TypeReconnect    = "session_reconnect"
	TypeNotification = "notification"
	TypeRevocation   = "revocation"
)

// Envelope is one inbound frame.
type Envelope struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`

	ReceivedAt time.Time `json:"-"`
}

// Metadata identifies a frame. The subscription fields are only set on
// notification and revocation frames.
type Metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

// Decode parses a text frame.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode eventsub frame: %w", err)
	}
	if env.Metadata.MessageType == "" {
		return nil, errors.New("decode eventsub frame: missing message_type")
	}
	env.ReceivedAt = time.Now()
	return &env, nil
}

// SessionInfo is the session object of welcome and reconnect frames.
type SessionInfo struct {
	ID                      string    `json:"id"`
	Status                  string    `json:"status"`
	ConnectedAt             time.Time `json:"connected_at"`
	KeepaliveTimeoutSeconds *int      `json:"keepalive_timeout_seconds"`
	ReconnectURL            string    `json:"reconnect_url,omitempty"`
}

type sessionPayload struct {
	Session SessionInfo `json:"session"`
}

// Session decodes the payload of a welcome or reconnect frame.
func (e *Envelope) Session() (SessionInfo, error) {
	var p sessionPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return SessionInfo{}, fmt.Errorf("decode session payload: %w", err)
	}
	return p.Session, nil
}

// Transport is the delivery method of a subscription.
type Transport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id,omitempty"`
}

// Subscription is one EventSub subscription as Helix reports it.
type Subscription struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
	CreatedAt time.Time         `json:"created_at"`
}

// SubscriptionRequest is the body of a subscription create call.
type SubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
}

type notificationPayload struct {
	Subscription Subscription    `json:"subscription"`
	Event        json.RawMessage `json:"event,omitempty"`
}

// Notification is a delivered event.
type Notification struct {
	MessageID    string
	Type         string
	Version      string
	Timestamp    time.Time
	Subscription Subscription
	Event        json.RawMessage
}

// Notification decodes a notification or revocation frame.
func (e *Envelope) Notification() (Notification, error) {
	var p notificationPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return Notification{}, fmt.Errorf("decode notification payload: %w", err)
	}
	typ := e.Metadata.SubscriptionType
	if typ == "" {
		typ = p.Subscription.Type
	}
	version := e.Metadata.SubscriptionVersion
	if version == "" {
		version = p.Subscription.Version
	}
	return Notification{
		MessageID:    e.Metadata.MessageID,
		Type:         typ,
		Version:      version,
		Timestamp:    e.Metadata.MessageTimestamp,
		Subscription: p.Subscription,
		Event:        p.Event,
	}, nil
}
