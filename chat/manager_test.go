package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/tmilink/backoff"
	"github.com/onnwee/tmilink/correlate"
	"github.com/onnwee/tmilink/lifecycle"
	"github.com/onnwee/tmilink/testutil"
)

const waitTimeout = 2 * time.Second

func testConfig(addr string) Config {
	return Config{
		Addr:              addr,
		Login:             "TestBot",
		Credentials:       StaticToken("tok"),
		Backoff:           backoff.Config{Min: 20 * time.Millisecond, Max: 200 * time.Millisecond, Decay: 2, MaxAttempts: backoff.Unlimited},
		KeepaliveInterval: time.Hour,
		StaleTimeout:      50 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, <-chan lifecycle.Event) {
	t.Helper()
	m := NewManager(cfg)
	events, _ := m.Events(128)
	t.Cleanup(func() { _ = m.Close() })
	return m, events
}

func waitEvent(t *testing.T, events <-chan lifecycle.Event, kind lifecycle.Kind) lifecycle.Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %v", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %v event within %v", kind, waitTimeout)
		}
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandshakeOrder(t *testing.T) {
	srv := testutil.NewIRCServer(t, nil)
	m, events := newTestManager(t, testConfig(srv.Addr()))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c := srv.Next(waitTimeout)
	want := []string{
		"CAP REQ :twitch.tv/commands twitch.tv/tags twitch.tv/membership",
		"PASS oauth:tok",
		"NICK testbot",
	}
	for i, w := range want {
		if got := c.ReadLine(t, waitTimeout); got != w {
			t.Fatalf("handshake line %d = %q, want %q", i, got, w)
		}
	}
	waitEvent(t, events, lifecycle.Ready)
	if !m.Ready() || m.State() != lifecycle.Open {
		t.Errorf("state = %v after welcome, want open", m.State())
	}
}

func TestConnectFailsWhenTransportCannotOpen(t *testing.T) {
	srv := testutil.NewIRCServer(t, nil)
	addr := srv.Addr()
	srv.Close()

	m, _ := newTestManager(t, testConfig(addr))
	err := m.Connect(context.Background())
	var te *lifecycle.TransportError
	if !errors.As(err, &te) || te.Op != "dial" {
		t.Fatalf("Connect() error = %v, want dial TransportError", err)
	}
	if m.State() != lifecycle.Disconnected {
		t.Errorf("state = %v, want disconnected", m.State())
	}
}

func TestKeepalivePingMeasuresLatency(t *testing.T) {
	srv := testutil.NewIRCServer(t, nil)
	cfg := testConfig(srv.Addr())
	cfg.KeepaliveInterval = 30 * time.Millisecond
	cfg.StaleTimeout = time.Second
	m, events := newTestManager(t, cfg)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.Ready)

	c.WaitFor(t, "PING", waitTimeout)
	eventually(t, func() bool { return m.Latency() > 0 }, "latency measurement")
	// the pong reschedules the next ping
	c.WaitFor(t, "PING", waitTimeout)
	if m.State() != lifecycle.Open {
		t.Errorf("state = %v, want open", m.State())
	}
}

func TestStalePingForcesReconnectAfterBackoffDelay(t *testing.T) {
	srv := testutil.NewIRCServer(t, testutil.TwitchIRCHandler(false))
	cfg := testConfig(srv.Addr())
	cfg.KeepaliveInterval = 20 * time.Millisecond
	cfg.StaleTimeout = 30 * time.Millisecond
	cfg.Backoff = backoff.Config{Min: 40 * time.Millisecond, Max: time.Second, Decay: 2, MaxAttempts: backoff.Unlimited}
	m, events := newTestManager(t, cfg)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.Ready)
	first.WaitFor(t, "PING", waitTimeout)

	ev := waitEvent(t, events, lifecycle.Reconnect)
	scheduled := time.Now()
	if ev.Delay != 80*time.Millisecond {
		t.Errorf("reconnect delay = %v, want 80ms", ev.Delay)
	}
	if ev.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", ev.Attempt)
	}

	srv.Next(waitTimeout)
	if elapsed := time.Since(scheduled); elapsed < 60*time.Millisecond {
		t.Errorf("reconnected after %v, before the backoff delay", elapsed)
	}
	waitEvent(t, events, lifecycle.Ready)
}

func TestAuthFailureIsTerminal(t *testing.T) {
	srv := testutil.NewIRCServer(t, func(c *testutil.IRCConn, line string) {
		if strings.HasPrefix(line, "NICK ") {
			c.Send(":tmi.twitch.tv NOTICE * :Login authentication failed")
		}
	})
	m, events := newTestManager(t, testConfig(srv.Addr()))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, events, lifecycle.AuthFailed)
	if !errors.Is(ev.Err, lifecycle.ErrAuthFailed) {
		t.Errorf("event error = %v, want ErrAuthFailed", ev.Err)
	}
	if m.State() != lifecycle.Closed {
		t.Errorf("state = %v, want closed", m.State())
	}
	if err := m.SendLine("PRIVMSG #x :hi", SendOptions{}); !errors.Is(err, lifecycle.ErrClosed) {
		t.Errorf("SendLine() error = %v, want ErrClosed", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := srv.Accepted(); n != 1 {
		t.Errorf("accepted %d connections after auth failure, want 1", n)
	}
}

func TestPermissionDeniedNoticeReconnects(t *testing.T) {
	srv := testutil.NewIRCServer(t, func(c *testutil.IRCConn, line string) {
		testutil.TwitchIRCHandler(true)(c, line)
		if strings.HasPrefix(line, "NICK ") {
			c.Send(":tmi.twitch.tv NOTICE * :You don't have permission to perform that action")
		}
	})
	m, events := newTestManager(t, testConfig(srv.Addr()))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.Reconnect)
	srv.Next(waitTimeout)
	_ = m.Disconnect()
}

func TestServerReconnectRetriesAtCurrentDelay(t *testing.T) {
	srv := testutil.NewIRCServer(t, nil)
	m, events := newTestManager(t, testConfig(srv.Addr()))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.Ready)

	c.Send(":tmi.twitch.tv RECONNECT")
	ev := waitEvent(t, events, lifecycle.Reconnect)
	if ev.Delay != 20*time.Millisecond || ev.Attempt != 0 {
		t.Errorf("reconnect event = delay %v attempt %d, want 20ms and 0", ev.Delay, ev.Attempt)
	}
	srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.Ready)
}

func TestMaxReconnectAttemptsBoundary(t *testing.T) {
	srv := testutil.NewIRCServer(t, func(c *testutil.IRCConn, line string) {
		if strings.HasPrefix(line, "NICK ") {
			c.Close()
		}
	})
	cfg := testConfig(srv.Addr())
	cfg.Backoff = backoff.Config{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Decay: 2, MaxAttempts: 2}
	m, events := newTestManager(t, cfg)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, events, lifecycle.MaxReconnect)
	if !errors.Is(ev.Err, lifecycle.ErrMaxReconnect) {
		t.Errorf("event error = %v, want ErrMaxReconnect", ev.Err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := srv.Accepted(); n != 2 {
		t.Errorf("accepted %d connections, want 2", n)
	}
	if err := m.Reconnect(); !errors.Is(err, lifecycle.ErrMaxReconnect) {
		t.Errorf("Reconnect() error = %v, want ErrMaxReconnect", err)
	}
}

func TestReconnectDisabled(t *testing.T) {
	srv := testutil.NewIRCServer(t, nil)
	cfg := testConfig(srv.Addr())
	cfg.Backoff.MaxAttempts = 0
	m, events := newTestManager(t, cfg)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.Ready)
	c.Close()

	waitEvent(t, events, lifecycle.Disconnect)
	time.Sleep(60 * time.Millisecond)
	if n := srv.Accepted(); n != 1 {
		t.Errorf("accepted %d connections with reconnection disabled, want 1", n)
	}
}

// commandHandler answers PRIVMSG commands the way Twitch does.
func commandHandler(c *testutil.IRCConn, line string) {
	testutil.TwitchIRCHandler(true)(c, line)
	_, text, ok := strings.Cut(line, "PRIVMSG #chan :")
	if !ok {
		return
	}
	switch {
	case strings.HasPrefix(text, "/host"):
		c.Send("@msg-id=usage_host :tmi.twitch.tv NOTICE #chan :Usage: \"/host <channel>\"")
	case strings.HasPrefix(text, "/bad"):
		c.Send("@msg-id=bad_host_error :tmi.twitch.tv NOTICE #chan :There was a problem hosting that channel.")
	default:
		c.Send("@badge-info=;color=#FF0000 :tmi.twitch.tv USERSTATE #chan")
	}
}

func TestCommandClassification(t *testing.T) {
	srv := testutil.NewIRCServer(t, commandHandler)
	m, events := newTestManager(t, testConfig(srv.Addr()))
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, lifecycle.Ready)

	never := func(*Message) bool { return false }
	opts := SendOptions{Channel: "#chan", Timeout: time.Second}

	msg, err := m.Command(context.Background(), "/host someone", opts, never)
	if err != nil {
		t.Fatalf("usage_host rejected: %v", err)
	}
	if msg.MsgID() != "usage_host" {
		t.Errorf("resolved with msg-id %q, want usage_host", msg.MsgID())
	}

	_, err = m.Command(context.Background(), "/bad", opts, never)
	var re *correlate.RejectedError
	if !errors.As(err, &re) {
		t.Fatalf("bad_host_error error = %v, want RejectedError", err)
	}
	if re.ID != "bad_host_error" || re.Reason != "There was a problem hosting that channel." {
		t.Errorf("RejectedError = %+v", re)
	}

	if _, err := m.Say(context.Background(), "chan", "hello"); err != nil {
		t.Errorf("Say() error = %v", err)
	}
}

func TestJoinWaitsForEchoAndRejoinsOnWelcome(t *testing.T) {
	srv := testutil.NewIRCServer(t, nil)
	cfg := testConfig(srv.Addr())
	cfg.Channels = []string{"First"}
	m, events := newTestManager(t, cfg)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.Ready)
	c.WaitFor(t, "JOIN #first", waitTimeout)

	if err := m.Join(context.Background(), "#Second"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	got := m.Channels()
	if len(got) != 2 || got[0] != "#first" || got[1] != "#second" {
		t.Errorf("Channels() = %v", got)
	}

	c.Send(":tmi.twitch.tv RECONNECT")
	next := srv.Next(waitTimeout)
	next.WaitFor(t, "JOIN #first", waitTimeout)
	next.WaitFor(t, "JOIN #second", waitTimeout)
}

func TestServerPingIsAnswered(t *testing.T) {
	srv := testutil.NewIRCServer(t, nil)
	m, events := newTestManager(t, testConfig(srv.Addr()))
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.Ready)

	c.Send("PING :tmi.twitch.tv")
	c.WaitFor(t, "PONG :tmi.twitch.tv", waitTimeout)
}

func TestMessagesObserverSkipsInternalLines(t *testing.T) {
	srv := testutil.NewIRCServer(t, nil)
	m, events := newTestManager(t, testConfig(srv.Addr()))
	msgs, cancel := m.Messages(16)
	defer cancel()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.Ready)

	c.Send("PING :tmi.twitch.tv")
	c.Send("@msg-id=host_on :tmi.twitch.tv NOTICE #chan :Now hosting someone.")
	c.Send(":viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #chan :!dice 2")

	first := <-msgs
	if first.Command.Command != "NOTICE" || first.MsgID() != "host_on" {
		t.Fatalf("first observed message = %q, want the NOTICE", first.Raw)
	}
	second := <-msgs
	if second.Command.BotCommand != "dice" || second.Command.BotCommandParams != "2" {
		t.Errorf("bot command = %q %q", second.Command.BotCommand, second.Command.BotCommandParams)
	}
}

func TestDisconnectCancelsPendingAndSuppressesReconnect(t *testing.T) {
	srv := testutil.NewIRCServer(t, nil)
	m, events := newTestManager(t, testConfig(srv.Addr()))
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.Ready)

	done := make(chan error, 1)
	go func() {
		_, err := m.AwaitResponse(context.Background(), func(*Message) bool { return false }, time.Minute)
		done <- err
	}()
	eventually(t, func() bool { return m.engine.Len() == 1 }, "pending correlation")

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := <-done; !errors.Is(err, correlate.ErrCanceled) {
		t.Errorf("pending error = %v, want ErrCanceled", err)
	}
	if m.State() != lifecycle.Disconnected {
		t.Errorf("state = %v, want disconnected", m.State())
	}
	time.Sleep(60 * time.Millisecond)
	if n := srv.Accepted(); n != 1 {
		t.Errorf("accepted %d connections after Disconnect, want 1", n)
	}
}

func TestDisconnectAfterTransportErrorDoesNotReconnect(t *testing.T) {
	for i := 0; i < 5; i++ {
		srv := testutil.NewIRCServer(t, nil)
		m, events := newTestManager(t, testConfig(srv.Addr()))
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		srv.Next(waitTimeout)
		waitEvent(t, events, lifecycle.Ready)

		// The read loop sees this error and races Disconnect for mu.
		m.mu.Lock()
		m.closeLink(m.link, &lifecycle.TransportError{Op: "read", Err: errors.New("connection reset")})
		time.Sleep(20 * time.Millisecond)
		m.mu.Unlock()

		if err := m.Disconnect(); err != nil {
			t.Fatalf("run %d: Disconnect() error = %v", i, err)
		}
		time.Sleep(100 * time.Millisecond)
		if n := srv.Accepted(); n != 1 {
			t.Fatalf("run %d: accepted %d connections after Disconnect, want 1", i, n)
		}
		if m.State() != lifecycle.Disconnected {
			t.Fatalf("run %d: state = %v, want disconnected", i, m.State())
		}
	}
}

func TestSendLineRequiresOpenConnection(t *testing.T) {
	m, _ := newTestManager(t, testConfig("127.0.0.1:1"))
	if err := m.SendLine("PRIVMSG #chan :hi", SendOptions{}); !errors.Is(err, lifecycle.ErrNotConnected) {
		t.Errorf("SendLine() error = %v, want ErrNotConnected", err)
	}
	if err := m.SendLine("PRIVMSG #chan :hi\r\nQUIT", SendOptions{}); !errors.Is(err, errInvalidLine) {
		t.Errorf("SendLine() with CRLF error = %v, want errInvalidLine", err)
	}
}
