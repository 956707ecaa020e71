package chat

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/tmilink/backoff"
	"github.com/onnwee/tmilink/correlate"
	"github.com/onnwee/tmilink/fanout"
	"github.com/onnwee/tmilink/lifecycle"
	"github.com/onnwee/tmilink/telemetry"
)

const (
	// DefaultAddr is the Twitch IRC endpoint for TLS connections.
	DefaultAddr = "irc.chat.twitch.tv:6697"
	// DefaultKeepaliveInterval is the delay between a welcome or pong and the next ping.
	DefaultKeepaliveInterval = 60 * time.Second

	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	disconnectWait      = 3 * time.Second
	minJoinInterval     = 300 * time.Millisecond
	maxLineBytes        = 1 << 20
)

var capabilities = []string{"commands", "tags", "membership"}

var (
	errPermissionDenied = errors.New("permission denied by server")
	errInvalidLine      = errors.New("chat: line must not contain CR or LF")
)

// Credentials supplies the current user access token. It is read on every
// connect so refreshed tokens are picked up by the next handshake.
type Credentials interface {
	AccessToken() string
}

// StaticToken is a fixed access token.
type StaticToken string

func (t StaticToken) AccessToken() string { return string(t) }

// Config configures a Manager.
type Config struct {
	Addr        string // host:port, DefaultAddr when empty
	TLS         bool
	Login       string
	Credentials Credentials
	Channels    []string // joined after every welcome
	// JoinInterval spaces the joins after a welcome; at least minJoinInterval when set.
	JoinInterval time.Duration

	Backoff           backoff.Config
	KeepaliveInterval time.Duration
	// StaleTimeout bounds the wait for a PONG. Defaults to Backoff.Min.
	StaleTimeout time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	Debug  bool // log every outbound line
	Logger *slog.Logger
	// Dialer overrides the transport dialer (tests, proxies).
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Backoff == (backoff.Config{}) {
		c.Backoff = backoff.DefaultConfig()
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = c.Backoff.Min
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.JoinInterval > 0 && c.JoinInterval < minJoinInterval {
		c.JoinInterval = minJoinInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Login = strings.ToLower(c.Login)
	return c
}

// Manager owns the IRC connection: handshake, keepalive, staleness detection
// and reconnection. All state is guarded by mu; the read goroutine of the
// current link is the only reader of the socket.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	engine   *correlate.Engine[*Message]
	messages *fanout.Hub[*Message]
	events   *fanout.Hub[lifecycle.Event]

	mu         sync.Mutex
	state      lifecycle.State
	policy     *backoff.Policy
	link       *link
	gen        uint64 // bumped by Connect and Disconnect; stale timers compare it
	dialing    bool
	retryTimer *time.Timer
	latency    time.Duration
	channels   map[string]struct{}
}

// link is one transport. Its timers and pingSent are guarded by Manager.mu.
type link struct {
	conn     net.Conn
	wmu      sync.Mutex
	done     chan struct{}
	once     sync.Once
	cause    error
	dialedAt time.Time

	pingTimer  *time.Timer
	staleTimer *time.Timer
	pingSent   time.Time
	local      bool // closed by Disconnect, whatever cause closeLink recorded
}

func dropCounter(stream string) func() {
	return func() { telemetry.IncObserverDrop(telemetry.ConnChat, stream) }
}

// NewManager returns a disconnected manager.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger.With(slog.String("component", "chat")),
		messages: fanout.New[*Message](fanout.WithDropHook[*Message](dropCounter("messages"))),
		events:   fanout.New[lifecycle.Event](fanout.WithDropHook[lifecycle.Event](dropCounter("events"))),
		policy:   backoff.New(cfg.Backoff),
		channels: make(map[string]struct{}),
	}
	m.engine = correlate.New[*Message](Classify, correlate.WithOutcomeHook[*Message](func(o correlate.Outcome) {
		telemetry.ObserveCorrelation(telemetry.ConnChat, o.String())
	}))
	for _, ch := range cfg.Channels {
		if ch = NormalizeChannel(ch); ch != "" {
			m.channels[ch] = struct{}{}
		}
	}
	telemetry.SetConnectionState(telemetry.ConnChat, lifecycle.Disconnected)
	return m
}

// Messages subscribes to every inbound message that is not handled
// internally (welcome, PING, PONG, RECONNECT and fatal notices).
func (m *Manager) Messages(buffer int) (<-chan *Message, func()) { return m.messages.Subscribe(buffer) }

// Events subscribes to lifecycle events.
func (m *Manager) Events(buffer int) (<-chan lifecycle.Event, func()) { return m.events.Subscribe(buffer) }

// State returns the connection state.
func (m *Manager) State() lifecycle.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether the welcome has been received on the current link.
func (m *Manager) Ready() bool { return m.State() == lifecycle.Open }

// Latency returns the last measured PING round-trip, zero before the first PONG.
func (m *Manager) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

// Connect opens the transport and sends the handshake. It returns once the
// handshake lines are written; Ready is published when the welcome arrives.
// Connect clears a terminal state left by an authentication failure or an
// exhausted reconnect policy.
func (m *Manager) Connect(ctx context.Context) error {
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

	established, err := m.dial(ctx, gen)
	if err != nil && !established {
		m.mu.Lock()
		if gen == m.gen {
			m.dialing = false
			m.policy.Reset()
			m.setStateLocked(lifecycle.Disconnected)
		}
		m.mu.Unlock()
	}
	return err
}

// Disconnect closes the connection without reconnecting, cancels every
// timer and cancels every pending correlation.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.gen++
	m.dialing = false
	m.stopRetryLocked()
	if m.state != lifecycle.Closed {
		m.policy.Reset()
	}
	l := m.link
	if l == nil {
		if m.state != lifecycle.Closed {
			m.setStateLocked(lifecycle.Disconnected)
		}
		m.mu.Unlock()
		m.engine.CancelAll(nil)
		return nil
	}
	l.local = true
	m.stopLinkTimersLocked(l)
	m.mu.Unlock()

	m.engine.CancelAll(nil)
	m.closeLink(l, lifecycle.ErrLocalDisconnect)
	select {
	case <-l.done:
		return nil
	case <-time.After(disconnectWait):
		return errors.New("chat: timed out waiting for the connection to close")
	}
}

// Close disconnects and closes every observer channel.
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.messages.Close()
	m.events.Close()
	return err
}

// Reconnect drops the current transport and retries once at the current
// backoff delay. Without a transport it schedules that retry directly.
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
		return errors.New("chat: reconnection disabled")
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

// SendLine writes one line. It fails immediately unless the connection is Open.
func (m *Manager) SendLine(text string, opts SendOptions) error {
	if strings.ContainsAny(text, "\r\n") {
		return errInvalidLine
	}
	l, err := m.openLink()
	if err != nil {
		return err
	}
	return m.writeLine(l, FormatLine(text, opts))
}

// AwaitResponse waits for the next inbound message matching match, or for a
// classified notice. A non-positive timeout derives one from the latency.
func (m *Manager) AwaitResponse(ctx context.Context, match func(*Message) bool, timeout time.Duration) (*Message, error) {
	return m.engine.Await(ctx, match, m.timeout(timeout))
}

// Command registers a correlation, sends text and waits for the response.
// The correlation is registered before the write so a fast reply cannot be missed.
func (m *Manager) Command(ctx context.Context, text string, opts SendOptions, match func(*Message) bool) (*Message, error) {
	ctx, span := telemetry.StartSpan(ctx, "chat.command", attribute.String("channel", opts.Channel))
	p := m.engine.Register(match, m.timeout(opts.Timeout))
	if err := m.SendLine(text, opts); err != nil {
		p.Cancel()
		telemetry.EndSpan(span, err)
		return nil, err
	}
	msg, err := p.Wait(ctx)
	telemetry.EndSpan(span, err)
	return msg, err
}

// Say sends a chat message and waits for the USERSTATE Twitch answers with.
func (m *Manager) Say(ctx context.Context, channel, text string) (*Message, error) {
	channel = NormalizeChannel(channel)
	return m.Command(ctx, text, SendOptions{Channel: channel}, func(msg *Message) bool {
		return msg.Command.Command == "USERSTATE" && msg.Command.Channel == channel
	})
}

// Action sends a "/me" message.
func (m *Manager) Action(ctx context.Context, channel, text string) (*Message, error) {
	return m.Say(ctx, channel, ActionText(text))
}

// Join joins a channel and waits for the membership echo. The channel is
// rejoined after every reconnect.
func (m *Manager) Join(ctx context.Context, channel string) error {
	channel = NormalizeChannel(channel)
	if channel == "" {
		return errors.New("chat: empty channel")
	}
	_, err := m.Command(ctx, "JOIN "+channel, SendOptions{}, m.echo("JOIN", channel))
	if err != nil {
		return fmt.Errorf("join %s: %w", channel, err)
	}
	m.mu.Lock()
	m.channels[channel] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Part leaves a channel.
func (m *Manager) Part(ctx context.Context, channel string) error {
	channel = NormalizeChannel(channel)
	m.mu.Lock()
	delete(m.channels, channel)
	m.mu.Unlock()
	if _, err := m.Command(ctx, "PART "+channel, SendOptions{}, m.echo("PART", channel)); err != nil {
		return fmt.Errorf("part %s: %w", channel, err)
	}
	return nil
}

// Channels returns the channels rejoined on reconnect, sorted.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) echo(command, channel string) func(*Message) bool {
	return func(msg *Message) bool {
		return msg.Command.Command == command && msg.Command.Channel == channel &&
			msg.Source != nil && strings.EqualFold(msg.Source.Nick, m.cfg.Login)
	}
}

func (m *Manager) timeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return correlate.DefaultTimeout(m.Latency())
}

func (m *Manager) openLink() (*link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == lifecycle.Closed {
		return nil, lifecycle.ErrClosed
	}
	if m.link == nil || m.state != lifecycle.Open {
		return nil, lifecycle.ErrNotConnected
	}
	return m.link, nil
}

// dial opens a transport and pipelines the handshake. established reports
// whether the link was installed; from then on its close handler owns recovery.
func (m *Manager) dial(ctx context.Context, gen uint64) (established bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "chat.dial", attribute.String("addr", m.cfg.Addr))
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.dialConn(dctx)
	cancel()
	if err != nil {
		err = &lifecycle.TransportError{Op: "dial", Err: err}
		telemetry.EndSpan(span, err)
		return false, err
	}

	l := &link{conn: conn, done: make(chan struct{}), dialedAt: time.Now()}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		telemetry.EndSpan(span, lifecycle.ErrLocalDisconnect)
		return false, lifecycle.ErrLocalDisconnect
	}
	m.dialing = false
	m.link = l
	m.mu.Unlock()
	m.log.Info("chat transport open", slog.String("addr", m.cfg.Addr))

	go m.readLoop(l)
	err = m.handshake(l)
	telemetry.EndSpan(span, err)
	return true, err
}

func (m *Manager) dialConn(ctx context.Context) (net.Conn, error) {
	if m.cfg.Dialer != nil {
		return m.cfg.Dialer(ctx, "tcp", m.cfg.Addr)
	}
	if m.cfg.TLS {
		host, _, err := net.SplitHostPort(m.cfg.Addr)
		if err != nil {
			return nil, err
		}
		d := &tls.Dialer{Config: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}}
		return d.DialContext(ctx, "tcp", m.cfg.Addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", m.cfg.Addr)
}

// handshake sends CAP, PASS and NICK without waiting for the capability ACK.
func (m *Manager) handshake(l *link) error {
	token := ""
	if m.cfg.Credentials != nil {
		token = strings.TrimPrefix(m.cfg.Credentials.AccessToken(), "oauth:")
	}
	lines := []string{
		"CAP REQ :twitch.tv/" + strings.Join(capabilities, " twitch.tv/"),
		"PASS oauth:" + token,
		"NICK " + m.cfg.Login,
	}
	for _, line := range lines {
		if err := m.writeLine(l, line); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) writeLine(l *link, line string) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if m.cfg.Debug {
		m.log.Debug("irc >", slog.String("line", maskSecrets(line)))
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if _, err := io.WriteString(l.conn, line+"\r\n"); err != nil {
		terr := &lifecycle.TransportError{Op: "write", Err: err}
		m.closeLink(l, terr)
		return terr
	}
	return nil
}

func (m *Manager) readLoop(l *link) {
	defer close(l.done)
	sc := bufio.NewScanner(l.conn)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for sc.Scan() {
		if msg := ParseLine(sc.Text()); msg != nil {
			m.handle(l, msg)
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	m.closeLink(l, &lifecycle.TransportError{Op: "read", Err: err})
	m.handleClose(l)
}

// closeLink closes the transport once; the first cause wins.
func (m *Manager) closeLink(l *link, cause error) {
	l.once.Do(func() {
		l.cause = cause
		_ = l.conn.Close()
	})
}

func (m *Manager) handle(l *link, msg *Message) {
	switch msg.Command.Command {
	case "001":
		m.onWelcome(l)
		return
	case "PING":
		pong := "PONG"
		if msg.Parameters != "" {
			pong += " :" + msg.Parameters
		}
		_ = m.writeLine(l, pong)
		return
	case "PONG":
		m.onPong(l)
		return
	case "RECONNECT":
		m.log.Info("server requested reconnect")
		m.closeLink(l, fmt.Errorf("%w by server", lifecycle.ErrReconnectRequested))
		return
	case "NOTICE":
		switch msg.Parameters {
		case "Login authentication failed", "Improperly formatted auth":
			m.log.Error("chat authentication failed; refresh the token or authorize again", slog.String("notice", msg.Parameters))
			m.closeLink(l, fmt.Errorf("%w: %s", lifecycle.ErrAuthFailed, msg.Parameters))
			return
		case "You don't have permission to perform that action":
			m.log.Warn("chat permission denied; check that the access token is still valid")
			m.closeLink(l, errPermissionDenied)
			return
		}
	case "CAP":
		if msg.Command.Channel == "NAK" {
			m.log.Warn("capability request rejected", slog.String("caps", msg.Parameters))
			m.events.Publish(lifecycle.Event{Kind: lifecycle.CapabilityRejected, State: m.State(), Detail: msg.Parameters, At: time.Now()})
		}
	}
	m.engine.Dispatch(msg)
	m.messages.Publish(msg)
}

func (m *Manager) onWelcome(l *link) {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	m.stopRetryLocked()
	m.policy.RecordSuccess()
	m.setStateLocked(lifecycle.Open)
	m.schedulePingLocked(l, m.cfg.KeepaliveInterval)
	channels := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()
	sort.Strings(channels)

	telemetry.ObserveHandshake(telemetry.ConnChat, time.Since(l.dialedAt))
	m.log.Info("chat ready", slog.String("login", m.cfg.Login))
	m.events.Publish(lifecycle.Event{Kind: lifecycle.Ready, State: lifecycle.Open, At: time.Now()})
	if len(channels) > 0 {
		go m.rejoin(channels)
	}
}

func (m *Manager) rejoin(channels []string) {
	for i, ch := range channels {
		if i > 0 && m.cfg.JoinInterval > 0 {
			time.Sleep(m.cfg.JoinInterval)
		}
		if !m.Ready() {
			return
		}
		if err := m.Join(context.Background(), ch); err != nil {
			m.log.Warn("chat join failed", slog.String("channel", ch), slog.Any("err", err))
		}
	}
}

func (m *Manager) onPong(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link != l {
		return
	}
	if l.staleTimer != nil {
		l.staleTimer.Stop()
		l.staleTimer = nil
	}
	if !l.pingSent.IsZero() {
		m.latency = time.Since(l.pingSent)
		l.pingSent = time.Time{}
		telemetry.SetLatency(telemetry.ConnChat, m.latency)
	}
	m.schedulePingLocked(l, m.cfg.KeepaliveInterval)
}

func (m *Manager) schedulePingLocked(l *link, after time.Duration) {
	if l.pingTimer != nil {
		l.pingTimer.Stop()
	}
	l.pingTimer = time.AfterFunc(after, func() { m.sendPing(l) })
}

// sendPing arms the stale timer and writes a PING. The timer is armed
// before the write so a fast PONG always finds it.
func (m *Manager) sendPing(l *link) {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	l.pingSent = time.Now()
	if l.staleTimer != nil {
		l.staleTimer.Stop()
	}
	l.staleTimer = time.AfterFunc(m.cfg.StaleTimeout, func() {
		m.mu.Lock()
		current := m.link == l
		m.mu.Unlock()
		if current {
			m.log.Warn("chat keepalive timed out", slog.Duration("stale_timeout", m.cfg.StaleTimeout))
			m.closeLink(l, lifecycle.ErrStaleConnection)
		}
	})
	m.mu.Unlock()
	_ = m.writeLine(l, "PING :tmi.twitch.tv")
}

// handleClose runs on the read goroutine after the transport closed and
// decides what the close cause means for the connection.
func (m *Manager) handleClose(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link != l {
		return
	}
	m.link = nil
	m.stopLinkTimersLocked(l)
	m.engine.CancelAll(lifecycle.ErrConnectionLost)
	cause := l.cause
	if l.local {
		cause = lifecycle.ErrLocalDisconnect
	}

	switch {
	case errors.Is(cause, lifecycle.ErrLocalDisconnect):
		m.setStateLocked(lifecycle.Disconnected)
		m.log.Info("chat disconnected")
		m.events.Publish(lifecycle.Event{Kind: lifecycle.Disconnect, State: lifecycle.Disconnected, Err: cause, At: time.Now()})
	case errors.Is(cause, lifecycle.ErrAuthFailed):
		m.policy.Terminate()
		m.setStateLocked(lifecycle.Closed)
		m.events.Publish(lifecycle.Event{Kind: lifecycle.AuthFailed, State: lifecycle.Closed, Err: cause, At: time.Now()})
	case errors.Is(cause, lifecycle.ErrReconnectRequested):
		if !m.cfg.Backoff.Enabled() {
			m.disconnectedLocked(cause)
			return
		}
		m.scheduleLocked(m.policy.Hold())
	default:
		m.log.Warn("chat connection lost", slog.Any("err", cause))
		m.failLocked(cause)
	}
}

// failLocked records a failed cycle and either schedules the next attempt or
// publishes the terminal max-reconnect signal.
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
		telemetry.IncMaxReconnect(telemetry.ConnChat)
		m.log.Error("chat reconnect attempts exhausted", slog.Int("attempts", m.policy.Attempts()), slog.Any("err", cause))
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
	telemetry.IncReconnect(telemetry.ConnChat)
	m.log.Info("chat reconnect scheduled", slog.Duration("delay", delay), slog.Int("attempt", attempt))
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

	established, err := m.dial(context.Background(), gen)
	if err == nil || established {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.dialing = false
	m.log.Warn("chat reconnect failed", slog.Any("err", err))
	m.failLocked(err)
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) stopLinkTimersLocked(l *link) {
	if l.pingTimer != nil {
		l.pingTimer.Stop()
	}
	if l.staleTimer != nil {
		l.staleTimer.Stop()
	}
}

func (m *Manager) setStateLocked(s lifecycle.State) {
	if m.state == s {
		return
	}
	m.state = s
	telemetry.SetConnectionState(telemetry.ConnChat, s)
	m.events.Publish(lifecycle.Event{Kind: lifecycle.StateChanged, State: s, At: time.Now()})
}
