package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/tmilink/backoff"
	"github.com/onnwee/tmilink/correlate"
	"github.com/onnwee/tmilink/fanout"
	"github.com/onnwee/tmilink/lifecycle"
	"github.com/onnwee/tmilink/telemetry"
)

const (
	// DefaultURL is the Twitch EventSub WebSocket endpoint.
	DefaultURL = "wss://eventsub.wss.twitch.tv/ws"
	// DefaultKeepaliveTimeout is requested from the server when none is configured.
	DefaultKeepaliveTimeout = 30 * time.Second
	// DefaultKeepaliveGrace is added to the keepalive timeout before a session counts as stale.
	DefaultKeepaliveGrace = 5 * time.Second
	// DefaultWelcomeTimeout bounds the wait for session_welcome after a dial.
	DefaultWelcomeTimeout = 10 * time.Second
	// DefaultDedupeSize is how many notification ids are remembered.
	DefaultDedupeSize = 512

	defaultDialTimeout = 10 * time.Second
	subscribeTimeout   = 15 * time.Second
	refreshTimeout     = 15 * time.Second
	disconnectWait     = 3 * time.Second

	minKeepaliveSeconds = 10
	maxKeepaliveSeconds = 600
)

var (
	errNoSubscriber   = errors.New("eventsub: no subscriber configured")
	errSessionChanged = errors.New("eventsub: session changed during the request")
	errMigrated       = errors.New("eventsub: session migrated to a new connection")
)

// Subscriber manages subscriptions through the Helix REST API.
type Subscriber interface {
	CreateSubscription(ctx context.Context, req SubscriptionRequest) ([]Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
}

// CredentialRefresher renews the user credential after a revocation.
type CredentialRefresher interface {
	Refresh(ctx context.Context) error
}

// SubscriptionError reports a subscribe or unsubscribe call the remote side
// rejected. It does not affect the session.
type SubscriptionError struct {
	Type string
	Err  error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("eventsub subscription %s: %v", e.Type, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Config configures a Manager.
type Config struct {
	URL string // DefaultURL when empty
	// KeepaliveTimeout is requested from the server (clamped to 10..600s on
	// the wire) and used when the welcome does not declare one.
	KeepaliveTimeout time.Duration
	KeepaliveGrace   time.Duration
	WelcomeTimeout   time.Duration

	// Subscriptions are established, in order, on every new session.
	Subscriptions []string
	Versions      map[string]string // per type; "1" when absent
	Condition     map[string]string
	Subscriber    Subscriber
	Refresher     CredentialRefresher

	Backoff    backoff.Config
	DedupeSize int

	Debug  bool // log every inbound frame
	Logger *slog.Logger
	Dialer *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.KeepaliveGrace < 0 {
		c.KeepaliveGrace = 0
	}
	if c.WelcomeTimeout <= 0 {
		c.WelcomeTimeout = DefaultWelcomeTimeout
	}
	if c.Backoff == (backoff.Config{}) {
		c.Backoff = backoff.DefaultConfig()
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = DefaultDedupeSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: defaultDialTimeout, Proxy: http.ProxyFromEnvironment}
	}
	return c
}

// Session is the server-assigned identity of the open connection.
type Session struct {
	ID               string
	KeepaliveTimeout time.Duration
	ConnectedAt      time.Time
}

// Manager owns the EventSub WebSocket: session establishment, keepalive
// tracking, subscription bookkeeping and reconnection.
type Manager struct {
	cfg           Config
	log           *slog.Logger
	engine        *correlate.Engine[*Envelope]
	notifications *fanout.Hub[Notification]
	messages      *fanout.Hub[*Envelope]
	events        *fanout.Hub[lifecycle.Event]
	group         singleflight.Group

	mu         sync.Mutex
	state      lifecycle.State
	policy     *backoff.Policy
	link       *link
	next       *link // migration target waiting for its welcome
	gen        uint64
	dialing    bool
	retryTimer *time.Timer
	session    Session
	subs       map[string]Subscription
	wanted     map[string]struct{}
	recent     *recentIDs
}

// link is one WebSocket. watchdog, timeout and migrating are guarded by Manager.mu.
type link struct {
	conn     *websocket.Conn
	done     chan struct{}
	once     sync.Once
	cause    error
	dialedAt time.Time

	watchdog  *time.Timer
	timeout   time.Duration
	migrating bool
	local     bool // closed by Disconnect, whatever cause closeLink recorded
}

func dropCounter(stream string) func() {
	return func() { telemetry.IncObserverDrop(telemetry.ConnEventSub, stream) }
}

// NewManager returns a disconnected manager.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:           cfg,
		log:           cfg.Logger.With(slog.String("component", "eventsub")),
		notifications: fanout.New[Notification](fanout.WithDropHook[Notification](dropCounter("notifications"))),
		messages:      fanout.New[*Envelope](fanout.WithDropHook[*Envelope](dropCounter("messages"))),
		events:        fanout.New[lifecycle.Event](fanout.WithDropHook[lifecycle.Event](dropCounter("events"))),
		policy:        backoff.New(cfg.Backoff),
		subs:          make(map[string]Subscription),
		wanted:        make(map[string]struct{}),
		recent:        newRecentIDs(cfg.DedupeSize),
	}
	m.engine = correlate.New[*Envelope](nil, correlate.WithOutcomeHook[*Envelope](func(o correlate.Outcome) {
		telemetry.ObserveCorrelation(telemetry.ConnEventSub, o.String())
	}))
	for _, t := range cfg.Subscriptions {
		m.wanted[t] = struct{}{}
	}
	telemetry.SetConnectionState(telemetry.ConnEventSub, lifecycle.Disconnected)
	return m
}

// Notifications subscribes to delivered events, duplicates removed.
func (m *Manager) Notifications(buffer int) (<-chan Notification, func()) {
	return m.notifications.Subscribe(buffer)
}

// Messages subscribes to every decoded frame.
func (m *Manager) Messages(buffer int) (<-chan *Envelope, func()) { return m.messages.Subscribe(buffer) }

// Events subscribes to lifecycle events.
func (m *Manager) Events(buffer int) (<-chan lifecycle.Event, func()) { return m.events.Subscribe(buffer) }

// State returns the connection state.
func (m *Manager) State() lifecycle.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether a session is open.
func (m *Manager) Ready() bool { return m.State() == lifecycle.Open }

// Session returns the current session; ok is false before the welcome.
func (m *Manager) Session() (s Session, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.session.ID != ""
}

// Subscriptions returns a copy of the tracked subscriptions keyed by type.
func (m *Manager) Subscriptions() map[string]Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.subs)
}

// Connect dials the server and waits for session_welcome. If the socket
// opened but no welcome arrived the error is returned and the manager keeps
// recovering in the background.
func (m *Manager) Connect(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "eventsub.connect")
	err := m.connect(ctx)
	telemetry.EndSpan(span, err)
	return err
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.link != nil || m.dialing {
		m.mu.Unlock()
		return nil
	}
	m.stopRetryLocked()
	m.gen++
	gen := m.gen
	m.policy.Reset()
	m.policy.Begin()
	m.dialing = true
	m.setStateLocked(lifecycle.Connecting)
	m.mu.Unlock()

	welcome := m.engine.Register(isWelcome, m.cfg.WelcomeTimeout)
	l, err := m.dial(ctx, gen, m.connectURL())
	if err != nil {
		welcome.Cancel()
		m.mu.Lock()
		if gen == m.gen {
			m.dialing = false
			m.policy.Reset()
			m.setStateLocked(lifecycle.Disconnected)
		}
		m.mu.Unlock()
		return err
	}
	if _, err := welcome.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			m.closeLink(l, lifecycle.ErrLocalDisconnect)
		}
		return fmt.Errorf("eventsub welcome: %w", err)
	}
	return nil
}

func isWelcome(env *Envelope) bool { return env.Metadata.MessageType == TypeWelcome }

// Disconnect closes the session without reconnecting and cancels every
// pending wait.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.gen++
	m.dialing = false
	m.stopRetryLocked()
	if m.state != lifecycle.Closed {
		m.policy.Reset()
	}
	next := m.next
	m.next = nil
	if next != nil {
		m.stopWatchdogLocked(next)
	}
	l := m.link
	if l != nil {
		l.local = true
		m.stopWatchdogLocked(l)
	} else if m.state != lifecycle.Closed {
		m.session = Session{}
		m.setStateLocked(lifecycle.Disconnected)
	}
	m.mu.Unlock()

	m.engine.CancelAll(nil)
	if next != nil {
		m.closeLink(next, lifecycle.ErrLocalDisconnect)
	}
	if l == nil {
		return nil
	}
	m.closeLink(l, lifecycle.ErrLocalDisconnect)
	select {
	case <-l.done:
		return nil
	case <-time.After(disconnectWait):
		return errors.New("eventsub: timed out waiting for the connection to close")
	}
}

// Close disconnects and closes every observer channel.
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.notifications.Close()
	m.messages.Close()
	m.events.Close()
	return err
}

// Reconnect drops the socket and opens a new session at the current backoff
// delay. The new session resubscribes every tracked type.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	switch {
	case m.policy.Exhausted():
		m.mu.Unlock()
		return lifecycle.ErrMaxReconnect
	case m.state == lifecycle.Closed:
		m.mu.Unlock()
		return lifecycle.ErrClosed
	case !m.cfg.Backoff.Enabled():
		m.mu.Unlock()
		return errors.New("eventsub: reconnection disabled")
	}
	if l := m.link; l != nil {
		m.mu.Unlock()
		m.closeLink(l, lifecycle.ErrReconnectRequested)
		return nil
	}
	if m.dialing || m.policy.State() == backoff.StateWaiting {
		m.mu.Unlock()
		return nil
	}
	m.scheduleLocked(m.policy.Hold())
	m.mu.Unlock()
	return nil
}

// AwaitMessage waits for the next frame matching match. A non-positive
// timeout waits for one keepalive period.
func (m *Manager) AwaitMessage(ctx context.Context, match func(*Envelope) bool, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = m.keepalive()
	}
	return m.engine.Await(ctx, match, timeout)
}

func (m *Manager) keepalive() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.KeepaliveTimeout > 0 {
		return m.session.KeepaliveTimeout
	}
	return m.cfg.KeepaliveTimeout
}

// Subscribe subscribes the current session to typ and returns the tracked
// subscriptions. A type that is already tracked returns without a request;
// concurrent calls for the same type share one request. The type is also
// remembered and subscribed again on every new session.
func (m *Manager) Subscribe(ctx context.Context, typ string) (map[string]Subscription, error) {
	if typ == "" {
		return nil, errors.New("eventsub: empty subscription type")
	}
	m.mu.Lock()
	m.wanted[typ] = struct{}{}
	if _, ok := m.subs[typ]; ok {
		out := maps.Clone(m.subs)
		m.mu.Unlock()
		return out, nil
	}
	sessionID := m.session.ID
	m.mu.Unlock()
	if sessionID == "" {
		return nil, &SubscriptionError{Type: typ, Err: lifecycle.ErrNotConnected}
	}

	_, err, _ := m.group.Do(sessionID+"/"+typ, func() (any, error) {
		return nil, m.create(ctx, typ, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return m.Subscriptions(), nil
}

func (m *Manager) create(ctx context.Context, typ, sessionID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "eventsub.subscribe", attribute.String("subscription_type", typ))
	defer func() { telemetry.EndSpan(span, err) }()

	m.mu.Lock()
	_, tracked := m.subs[typ]
	current := m.session.ID == sessionID
	m.mu.Unlock()
	if tracked && current {
		return nil
	}
	if m.cfg.Subscriber == nil {
		return &SubscriptionError{Type: typ, Err: errNoSubscriber}
	}

	req := SubscriptionRequest{
		Type:      typ,
		Version:   m.version(typ),
		Condition: maps.Clone(m.cfg.Condition),
		Transport: Transport{Method: "websocket", SessionID: sessionID},
	}
	created, err := m.cfg.Subscriber.CreateSubscription(ctx, req)
	if err != nil {
		telemetry.IncSubscriptionError(typ)
		return &SubscriptionError{Type: typ, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.ID != sessionID {
		return &SubscriptionError{Type: typ, Err: errSessionChanged}
	}
	found := false
	for _, s := range created {
		if s.Type == "" {
			s.Type = typ
		}
		m.subs[s.Type] = s
		found = found || s.Type == typ
	}
	if !found {
		m.subs[typ] = Subscription{Type: typ, Version: req.Version, Status: "enabled", Condition: req.Condition, Transport: req.Transport}
	}
	m.log.Info("eventsub subscribed", slog.String("subscription_type", typ), slog.String("id", m.subs[typ].ID))
	return nil
}

func (m *Manager) version(typ string) string {
	if v := m.cfg.Versions[typ]; v != "" {
		return v
	}
	return "1"
}

// Unsubscribe deletes the subscription for typ. Untracked types are a no-op.
func (m *Manager) Unsubscribe(ctx context.Context, typ string) error {
	m.mu.Lock()
	delete(m.wanted, typ)
	s, ok := m.subs[typ]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if m.cfg.Subscriber == nil {
		return &SubscriptionError{Type: typ, Err: errNoSubscriber}
	}
	if err := m.cfg.Subscriber.DeleteSubscription(ctx, s.ID); err != nil {
		telemetry.IncSubscriptionError(typ)
		return &SubscriptionError{Type: typ, Err: err}
	}
	m.mu.Lock()
	if cur, ok := m.subs[typ]; ok && cur.ID == s.ID {
		delete(m.subs, typ)
	}
	m.mu.Unlock()
	return nil
}

// FetchSubscriptions returns the tracked subscriptions, listing them from
// Helix when none are tracked or force is set. Only enabled subscriptions
// bound to the current session are tracked.
func (m *Manager) FetchSubscriptions(ctx context.Context, force bool) (map[string]Subscription, error) {
	m.mu.Lock()
	if len(m.subs) > 0 && !force {
		out := maps.Clone(m.subs)
		m.mu.Unlock()
		return out, nil
	}
	sessionID := m.session.ID
	m.mu.Unlock()
	if sessionID == "" {
		return nil, lifecycle.ErrNotConnected
	}
	if m.cfg.Subscriber == nil {
		return nil, errNoSubscriber
	}
	list, err := m.cfg.Subscriber.ListSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list eventsub subscriptions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.ID == sessionID {
		for _, s := range list {
			if s.Transport.SessionID == sessionID && (s.Status == "" || s.Status == "enabled") {
				m.subs[s.Type] = s
			}
		}
	}
	return maps.Clone(m.subs), nil
}

func (m *Manager) connectURL() string {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return m.cfg.URL
	}
	secs := int(math.Ceil(m.cfg.KeepaliveTimeout.Seconds()))
	secs = min(max(secs, minKeepaliveSeconds), maxKeepaliveSeconds)
	q := u.Query()
	q.Set("keepalive_timeout_seconds", strconv.Itoa(secs))
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *Manager) open(ctx context.Context, rawURL string) (*link, error) {
	dctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	conn, _, err := m.cfg.Dialer.DialContext(dctx, rawURL, nil)
	if err != nil {
		return nil, &lifecycle.TransportError{Op: "dial", Err: err}
	}
	return &link{conn: conn, done: make(chan struct{}), dialedAt: time.Now()}, nil
}

func (m *Manager) dial(ctx context.Context, gen uint64, rawURL string) (*link, error) {
	l, err := m.open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = l.conn.Close()
		return nil, lifecycle.ErrLocalDisconnect
	}
	m.dialing = false
	m.link = l
	m.armWatchdogLocked(l, m.cfg.WelcomeTimeout)
	m.mu.Unlock()
	m.log.Info("eventsub transport open", slog.String("url", rawURL))

	go m.readLoop(l)
	return l, nil
}

func (m *Manager) readLoop(l *link) {
	defer close(l.done)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			m.closeLink(l, &lifecycle.TransportError{Op: "read", Err: err})
			break
		}
		env, err := Decode(data)
		if err != nil {
			m.log.Warn("dropping malformed eventsub frame", slog.Any("err", err))
			continue
		}
		m.handle(l, env)
	}
	m.handleClose(l)
}

// closeLink closes the socket once; the first cause wins.
func (m *Manager) closeLink(l *link, cause error) {
	l.once.Do(func() {
		l.cause = cause
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = l.conn.Close()
	})
}

func (m *Manager) handle(l *link, env *Envelope) {
	m.touch(l)
	if m.cfg.Debug {
		m.log.Debug("eventsub <", slog.String("type", env.Metadata.MessageType), slog.String("id", env.Metadata.MessageID))
	}
	switch env.Metadata.MessageType {
	case TypeWelcome:
		if !m.onWelcome(l, env) {
			return
		}
	case TypeKeepalive:
	case TypeNotification:
		if !m.onNotification(env) {
			return
		}
	case TypeReconnect:
		m.onReconnect(l, env)
	case TypeRevocation:
		m.onRevocation(l, env)
	default:
		m.log.Warn("ignoring unknown eventsub message type", slog.String("type", env.Metadata.MessageType))
	}
	m.engine.Dispatch(env)
	m.messages.Publish(env)
}

// onWelcome opens the session, or completes a migration. It reports whether
// the welcome belonged to the current or migrating socket.
func (m *Manager) onWelcome(l *link, env *Envelope) bool {
	info, err := env.Session()
	if err == nil && info.ID == "" {
		err = errors.New("missing session id")
	}
	if err != nil {
		m.closeLink(l, fmt.Errorf("invalid session_welcome: %w", err))
		return false
	}
	keepalive := m.cfg.KeepaliveTimeout
	if info.KeepaliveTimeoutSeconds != nil && *info.KeepaliveTimeoutSeconds > 0 {
		keepalive = time.Duration(*info.KeepaliveTimeoutSeconds) * time.Second
	}
	connectedAt := info.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = time.Now()
	}

	m.mu.Lock()
	if l == m.next {
		old := m.link
		m.link, m.next = l, nil
		m.session = Session{ID: info.ID, KeepaliveTimeout: keepalive, ConnectedAt: connectedAt}
		m.armWatchdogLocked(l, keepalive+m.cfg.KeepaliveGrace)
		if old != nil {
			m.stopWatchdogLocked(old)
		}
		m.setStateLocked(lifecycle.Open)
		m.mu.Unlock()
		if old != nil {
			m.closeLink(old, errMigrated)
		}
		m.log.Info("eventsub session migrated", slog.String("session_id", info.ID))
		m.events.Publish(lifecycle.Event{Kind: lifecycle.Ready, State: lifecycle.Open, Detail: info.ID, At: time.Now()})
		return true
	}
	if m.link != l {
		m.mu.Unlock()
		return false
	}
	m.stopRetryLocked()
	m.policy.RecordSuccess()
	m.session = Session{ID: info.ID, KeepaliveTimeout: keepalive, ConnectedAt: connectedAt}
	m.subs = make(map[string]Subscription)
	m.armWatchdogLocked(l, keepalive+m.cfg.KeepaliveGrace)
	m.setStateLocked(lifecycle.Open)
	types := m.wantedTypesLocked()
	m.mu.Unlock()

	telemetry.ObserveHandshake(telemetry.ConnEventSub, time.Since(l.dialedAt))
	m.log.Info("eventsub session open", slog.String("session_id", info.ID), slog.Duration("keepalive", keepalive))
	m.events.Publish(lifecycle.Event{Kind: lifecycle.Ready, State: lifecycle.Open, Detail: info.ID, At: time.Now()})
	go m.subscribeAll(info.ID, types)
	return true
}

// subscribeAll subscribes each type in order. A failed type does not stop
// the rest; every failure is reported in the SubscriptionsReady event.
func (m *Manager) subscribeAll(sessionID string, types []string) {
	var errs []error
	ok := 0
	for _, typ := range types {
		if s, open := m.Session(); !open || s.ID != sessionID {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		_, err := m.Subscribe(ctx, typ)
		cancel()
		if err != nil {
			m.log.Warn("eventsub subscribe failed", slog.String("subscription_type", typ), slog.Any("err", err))
			errs = append(errs, err)
			continue
		}
		ok++
	}
	m.events.Publish(lifecycle.Event{
		Kind:   lifecycle.SubscriptionsReady,
		State:  m.State(),
		Err:    errors.Join(errs...),
		Detail: fmt.Sprintf("%d/%d subscriptions", ok, len(types)),
		At:     time.Now(),
	})
}

// wantedTypesLocked returns the configured types first, then the others sorted.
func (m *Manager) wantedTypesLocked() []string {
	out := make([]string, 0, len(m.wanted))
	seen := make(map[string]bool, len(m.wanted))
	for _, t := range m.cfg.Subscriptions {
		if _, ok := m.wanted[t]; ok && !seen[t] {
			out = append(out, t)
			seen[t] = true
		}
	}
	var extra []string
	for t := range m.wanted {
		if !seen[t] {
			extra = append(extra, t)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func (m *Manager) onNotification(env *Envelope) bool {
	n, err := env.Notification()
	if err != nil {
		m.log.Warn("dropping malformed notification", slog.Any("err", err))
		return false
	}
	m.mu.Lock()
	fresh := m.recent.add(n.MessageID)
	m.mu.Unlock()
	if !fresh {
		m.log.Debug("dropping duplicate notification", slog.String("message_id", n.MessageID))
		return false
	}
	telemetry.IncNotification(n.Type)
	m.notifications.Publish(n)
	return true
}

// onReconnect migrates to reconnect_url. The old socket keeps delivering
// until the new one is welcomed.
func (m *Manager) onReconnect(l *link, env *Envelope) {
	info, err := env.Session()
	if err != nil || info.ReconnectURL == "" {
		m.log.Warn("session_reconnect without reconnect_url; reconnecting", slog.Any("err", err))
		m.closeLink(l, fmt.Errorf("%w by server", lifecycle.ErrReconnectRequested))
		return
	}
	m.mu.Lock()
	if m.link != l || m.next != nil || l.migrating {
		m.mu.Unlock()
		return
	}
	l.migrating = true
	gen := m.gen
	m.mu.Unlock()
	m.log.Info("eventsub session reconnect requested")
	go m.migrate(l, gen, info.ReconnectURL)
}

func (m *Manager) migrate(old *link, gen uint64, rawURL string) {
	nl, err := m.open(context.Background(), rawURL)
	m.mu.Lock()
	if err != nil || gen != m.gen || m.link != old {
		m.mu.Unlock()
		if nl != nil {
			_ = nl.conn.Close()
		}
		if err != nil {
			m.log.Warn("eventsub session migration failed; reconnecting", slog.Any("err", err))
			m.closeLink(old, fmt.Errorf("%w: migration failed: %w", lifecycle.ErrReconnectRequested, err))
		}
		return
	}
	m.next = nl
	m.armWatchdogLocked(nl, m.cfg.WelcomeTimeout)
	m.mu.Unlock()
	go m.readLoop(nl)
}

// onRevocation drops the subscription, refreshes the credential and opens a
// new session, which resubscribes every wanted type.
func (m *Manager) onRevocation(l *link, env *Envelope) {
	n, err := env.Notification()
	if err != nil {
		m.log.Warn("dropping malformed revocation", slog.Any("err", err))
		return
	}
	telemetry.IncRevocation(n.Type)
	m.log.Warn("eventsub subscription revoked", slog.String("subscription_type", n.Type), slog.String("status", n.Subscription.Status))

	m.mu.Lock()
	if cur, ok := m.subs[n.Type]; ok && (n.Subscription.ID == "" || cur.ID == n.Subscription.ID) {
		delete(m.subs, n.Type)
	}
	current := m.link == l
	state := m.state
	m.mu.Unlock()
	m.events.Publish(lifecycle.Event{Kind: lifecycle.Revoked, State: state, Detail: n.Type, At: time.Now()})
	if !current {
		return
	}

	go func() {
		if m.cfg.Refresher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			err := m.cfg.Refresher.Refresh(ctx)
			cancel()
			if err != nil {
				m.log.Error("credential refresh after revocation failed", slog.Any("err", err))
			}
		}
		m.closeLink(l, fmt.Errorf("%w after revocation of %s", lifecycle.ErrReconnectRequested, n.Type))
	}()
}

// handleClose runs on the read goroutine of a closed socket.
func (m *Manager) handleClose(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next == l {
		m.next = nil
		m.stopWatchdogLocked(l)
		cause := fmt.Errorf("%w: migration failed: %w", lifecycle.ErrReconnectRequested, l.cause)
		if cur := m.link; cur != nil {
			m.closeLink(cur, cause)
			return
		}
		m.log.Warn("eventsub session migration failed", slog.Any("err", l.cause))
		m.resetSessionLocked()
		m.recoverLocked(cause)
		return
	}
	if m.link != l {
		return
	}
	m.link = nil
	m.stopWatchdogLocked(l)
	if m.next != nil {
		// The server dropped the old socket before the new one was welcomed.
		m.setStateLocked(lifecycle.Reconnecting)
		return
	}
	cause := l.cause
	if l.local {
		cause = lifecycle.ErrLocalDisconnect
	}
	m.resetSessionLocked()
	m.recoverLocked(cause)
}

func (m *Manager) resetSessionLocked() {
	m.session = Session{}
	m.subs = make(map[string]Subscription)
	m.engine.CancelAll(lifecycle.ErrConnectionLost)
}

func (m *Manager) recoverLocked(cause error) {
	switch {
	case errors.Is(cause, lifecycle.ErrLocalDisconnect):
		m.policy.Reset()
		m.setStateLocked(lifecycle.Disconnected)
		m.log.Info("eventsub disconnected")
		m.events.Publish(lifecycle.Event{Kind: lifecycle.Disconnect, State: lifecycle.Disconnected, Err: cause, At: time.Now()})
	case errors.Is(cause, lifecycle.ErrReconnectRequested):
		if !m.cfg.Backoff.Enabled() {
			m.disconnectedLocked(cause)
			return
		}
		m.scheduleLocked(m.policy.Hold())
	default:
		m.log.Warn("eventsub connection lost", slog.Any("err", cause))
		m.failLocked(cause)
	}
}

func (m *Manager) failLocked(cause error) {
	if !m.cfg.Backoff.Enabled() {
		m.disconnectedLocked(cause)
		return
	}
	if m.policy.State() == backoff.StateWaiting {
		return
	}
	delay := m.policy.RecordFailure()
	if m.policy.Exhausted() {
		err := fmt.Errorf("%w: %w", lifecycle.ErrMaxReconnect, cause)
		m.setStateLocked(lifecycle.Closed)
		telemetry.IncMaxReconnect(telemetry.ConnEventSub)
		m.log.Error("eventsub reconnect attempts exhausted", slog.Int("attempts", m.policy.Attempts()), slog.Any("err", cause))
		m.events.Publish(lifecycle.Event{Kind: lifecycle.MaxReconnect, State: lifecycle.Closed, Err: err, Attempt: m.policy.Attempts(), At: time.Now()})
		return
	}
	m.scheduleLocked(delay)
}

func (m *Manager) disconnectedLocked(cause error) {
	m.policy.Reset()
	m.setStateLocked(lifecycle.Disconnected)
	m.events.Publish(lifecycle.Event{Kind: lifecycle.Disconnect, State: lifecycle.Disconnected, Err: cause, At: time.Now()})
}

func (m *Manager) scheduleLocked(delay time.Duration) {
	m.stopRetryLocked()
	m.setStateLocked(lifecycle.Reconnecting)
	gen := m.gen
	attempt := m.policy.Attempts()
	m.retryTimer = time.AfterFunc(delay, func() { m.retry(gen) })
	telemetry.IncReconnect(telemetry.ConnEventSub)
	m.log.Info("eventsub reconnect scheduled", slog.Duration("delay", delay), slog.Int("attempt", attempt))
	m.events.Publish(lifecycle.Event{Kind: lifecycle.Reconnect, State: lifecycle.Reconnecting, Attempt: attempt, Delay: delay, At: time.Now()})
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.link != nil || m.dialing || !m.policy.TimerFired() {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.dialing = true
	m.setStateLocked(lifecycle.Connecting)
	m.mu.Unlock()

	if _, err := m.dial(context.Background(), gen, m.connectURL()); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen {
			return
		}
		m.dialing = false
		m.log.Warn("eventsub reconnect failed", slog.Any("err", err))
		m.failLocked(err)
	}
}

// touch restarts the keepalive watchdog; any frame proves liveness.
func (m *Manager) touch(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.watchdog != nil {
		l.watchdog.Reset(l.timeout)
	}
}

func (m *Manager) armWatchdogLocked(l *link, d time.Duration) {
	if l.watchdog != nil {
		l.watchdog.Stop()
	}
	l.timeout = d
	l.watchdog = time.AfterFunc(d, func() {
		m.log.Warn("eventsub keepalive timed out", slog.Duration("timeout", d))
		m.closeLink(l, lifecycle.ErrStaleConnection)
	})
}

func (m *Manager) stopWatchdogLocked(l *link) {
	if l.watchdog != nil {
		l.watchdog.Stop()
		l.watchdog = nil
	}
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) setStateLocked(s lifecycle.State) {
	if m.state == s {
		return
	}
	m.state = s
	telemetry.SetConnectionState(telemetry.ConnEventSub, s)
	m.events.Publish(lifecycle.Event{Kind: lifecycle.StateChanged, State: s, At: time.Now()})
}
