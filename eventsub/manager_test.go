package eventsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/tmilink/backoff"
	"github.com/onnwee/tmilink/correlate"
	"github.com/onnwee/tmilink/lifecycle"
	"github.com/onnwee/tmilink/testutil"
)

const waitTimeout = 2 * time.Second

type fakeSubscriber struct {
	mu      sync.Mutex
	creates []SubscriptionRequest
	deletes []string
	fail    map[string]error
	list    []Subscription
	gate    chan struct{} // when set, each create waits for a receive
	seq     int
}

func (f *fakeSubscriber) CreateSubscription(ctx context.Context, req SubscriptionRequest) ([]Subscription, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if err := f.fail[req.Type]; err != nil {
		return nil, err
	}
	f.seq++
	return []Subscription{{
		ID: fmt.Sprintf("sub-%d", f.seq), Type: req.Type, Version: req.Version,
		Status: "enabled", Condition: req.Condition, Transport: req.Transport,
	}}, nil
}

func (f *fakeSubscriber) DeleteSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeSubscriber) ListSubscriptions(context.Context) ([]Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list, nil
}

func (f *fakeSubscriber) created() []SubscriptionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SubscriptionRequest(nil), f.creates...)
}

type countingRefresher struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRefresher) Refresh(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *countingRefresher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testConfig(srv *testutil.EventSubServer, sub Subscriber) Config {
	return Config{
		URL:              srv.URL(),
		KeepaliveTimeout: 10 * time.Second,
		WelcomeTimeout:   500 * time.Millisecond,
		Subscriber:       sub,
		Condition:        map[string]string{"broadcaster_user_id": "42"},
		Backoff:          backoff.Config{Min: 20 * time.Millisecond, Max: 200 * time.Millisecond, Decay: 2, MaxAttempts: backoff.Unlimited},
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

func TestConnectWaitsForWelcome(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	m, _ := newTestManager(t, testConfig(srv, &fakeSubscriber{}))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c := srv.Next(waitTimeout)
	s, ok := m.Session()
	if !ok || s.ID != c.SessionID {
		t.Fatalf("Session() = %+v, %v; want id %q", s, ok, c.SessionID)
	}
	if s.KeepaliveTimeout != 10*time.Second {
		t.Errorf("keepalive = %v, want the declared 10s", s.KeepaliveTimeout)
	}
	if m.State() != lifecycle.Open {
		t.Errorf("State() = %v, want open", m.State())
	}
	if got := c.Query["keepalive_timeout_seconds"]; got != "10" {
		t.Errorf("keepalive_timeout_seconds = %q, want 10", got)
	}
}

func TestConnectURLClampsKeepalive(t *testing.T) {
	for _, tt := range []struct {
		timeout time.Duration
		want    string
	}{
		{time.Second, "wss://x/ws?keepalive_timeout_seconds=10"},
		{30 * time.Second, "wss://x/ws?keepalive_timeout_seconds=30"},
		{time.Hour, "wss://x/ws?keepalive_timeout_seconds=600"},
	} {
		m := NewManager(Config{URL: "wss://x/ws", KeepaliveTimeout: tt.timeout})
		if got := m.connectURL(); got != tt.want {
			t.Errorf("connectURL(%v) = %q, want %q", tt.timeout, got, tt.want)
		}
	}
}

func TestConnectFailsWhenServerUnreachable(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	cfg := testConfig(srv, nil)
	srv.Close()
	m, _ := newTestManager(t, cfg)

	err := m.Connect(context.Background())
	var terr *lifecycle.TransportError
	if !errors.As(err, &terr) || terr.Op != "dial" {
		t.Fatalf("Connect() error = %v, want a dial TransportError", err)
	}
	if m.State() != lifecycle.Disconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
}

func TestWelcomeSubscribesConfiguredTypesInOrder(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	rejected := errors.New("403 forbidden")
	sub := &fakeSubscriber{fail: map[string]error{"channel.ban": rejected}}
	cfg := testConfig(srv, sub)
	cfg.Subscriptions = []string{"channel.follow", "channel.ban", "stream.online"}
	cfg.Versions = map[string]string{"channel.follow": "2"}
	m, events := newTestManager(t, cfg)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c := srv.Next(waitTimeout)
	ev := waitEvent(t, events, lifecycle.SubscriptionsReady)

	var serr *SubscriptionError
	if !errors.As(ev.Err, &serr) || serr.Type != "channel.ban" || !errors.Is(ev.Err, rejected) {
		t.Fatalf("SubscriptionsReady error = %v, want the channel.ban rejection", ev.Err)
	}
	reqs := sub.created()
	if len(reqs) != 3 {
		t.Fatalf("create calls = %d, want 3", len(reqs))
	}
	for i, want := range cfg.Subscriptions {
		if reqs[i].Type != want {
			t.Errorf("create[%d] = %q, want %q", i, reqs[i].Type, want)
		}
		if reqs[i].Transport.Method != "websocket" || reqs[i].Transport.SessionID != c.SessionID {
			t.Errorf("create[%d] transport = %+v", i, reqs[i].Transport)
		}
		if reqs[i].Condition["broadcaster_user_id"] != "42" {
			t.Errorf("create[%d] condition = %v", i, reqs[i].Condition)
		}
	}
	if reqs[0].Version != "2" || reqs[2].Version != "1" {
		t.Errorf("versions = %q, %q; want 2 and the default 1", reqs[0].Version, reqs[2].Version)
	}
	subs := m.Subscriptions()
	if _, ok := subs["channel.ban"]; ok || len(subs) != 2 {
		t.Errorf("Subscriptions() = %v, want follow and online only", subs)
	}
}

func TestSubscribeTwiceIsOneRoundTrip(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	sub := &fakeSubscriber{}
	m, events := newTestManager(t, testConfig(srv, sub))
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitEvent(t, events, lifecycle.SubscriptionsReady)

	first, err := m.Subscribe(context.Background(), "channel.raid")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	second, err := m.Subscribe(context.Background(), "channel.raid")
	if err != nil {
		t.Fatalf("second Subscribe() error = %v", err)
	}
	if n := len(sub.created()); n != 1 {
		t.Fatalf("create calls = %d, want 1", n)
	}
	if first["channel.raid"].ID == "" || first["channel.raid"].ID != second["channel.raid"].ID {
		t.Errorf("subscriptions differ: %v vs %v", first, second)
	}
}

func TestConcurrentSubscribeSharesOneRequest(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	sub := &fakeSubscriber{}
	m, events := newTestManager(t, testConfig(srv, sub))
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitEvent(t, events, lifecycle.SubscriptionsReady)

	sub.gate = make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Subscribe(context.Background(), "channel.cheer")
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(sub.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Subscribe() error = %v", err)
		}
	}
	if n := len(sub.created()); n != 1 {
		t.Errorf("create calls = %d, want 1", n)
	}
}

func TestSubscribeWithoutSession(t *testing.T) {
	m := NewManager(Config{Subscriber: &fakeSubscriber{}})
	_, err := m.Subscribe(context.Background(), "channel.follow")
	var serr *SubscriptionError
	if !errors.As(err, &serr) || !errors.Is(err, lifecycle.ErrNotConnected) {
		t.Fatalf("Subscribe() error = %v, want SubscriptionError wrapping ErrNotConnected", err)
	}
	if got := m.wantedTypesLocked(); len(got) != 1 || got[0] != "channel.follow" {
		t.Errorf("wanted = %v; the type should be subscribed on the next session", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	sub := &fakeSubscriber{}
	cfg := testConfig(srv, sub)
	cfg.Subscriptions = []string{"channel.follow"}
	m, events := newTestManager(t, cfg)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitEvent(t, events, lifecycle.SubscriptionsReady)
	id := m.Subscriptions()["channel.follow"].ID

	for i := 0; i < 2; i++ {
		if err := m.Unsubscribe(context.Background(), "channel.follow"); err != nil {
			t.Fatalf("Unsubscribe() #%d error = %v", i, err)
		}
	}
	sub.mu.Lock()
	deletes := append([]string(nil), sub.deletes...)
	sub.mu.Unlock()
	if len(deletes) != 1 || deletes[0] != id {
		t.Errorf("deletes = %v, want [%s]", deletes, id)
	}
	if len(m.Subscriptions()) != 0 {
		t.Errorf("Subscriptions() = %v, want empty", m.Subscriptions())
	}
}

func TestNotificationsAreDeduplicated(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	m, _ := newTestManager(t, testConfig(srv, &fakeSubscriber{}))
	notes, _ := m.Notifications(8)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c := srv.Next(waitTimeout)

	c.SendNotification("n-1", "channel.follow", map[string]string{"user_login": "viewer"})
	c.SendNotification("n-1", "channel.follow", map[string]string{"user_login": "viewer"})
	c.SendNotification("n-2", "stream.online", map[string]string{"type": "live"})

	var got []Notification
	deadline := time.After(waitTimeout)
	for len(got) < 2 {
		select {
		case n := <-notes:
			got = append(got, n)
		case <-deadline:
			t.Fatalf("received %d notifications, want 2", len(got))
		}
	}
	if got[0].MessageID != "n-1" || got[0].Type != "channel.follow" || got[1].MessageID != "n-2" {
		t.Errorf("notifications = %+v", got)
	}
	if string(got[0].Event) != `{"user_login":"viewer"}` {
		t.Errorf("event = %s", got[0].Event)
	}
	if got[0].Subscription.ID != "sub-channel.follow" || got[0].Version != "1" {
		t.Errorf("subscription = %+v version %q", got[0].Subscription, got[0].Version)
	}
	select {
	case n := <-notes:
		t.Errorf("duplicate delivered: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAwaitMessageMatchesNotification(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	m, _ := newTestManager(t, testConfig(srv, &fakeSubscriber{}))
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c := srv.Next(waitTimeout)

	res := make(chan *Envelope, 1)
	go func() {
		env, err := m.AwaitMessage(context.Background(), func(e *Envelope) bool {
			return e.Metadata.SubscriptionType == "channel.raid"
		}, time.Second)
		if err != nil {
			t.Errorf("AwaitMessage() error = %v", err)
		}
		res <- env
	}()
	eventually(t, func() bool { return m.engine.Len() == 1 }, "pending wait")
	c.SendKeepalive()
	c.SendNotification("raid-1", "channel.raid", map[string]int{"viewers": 5})

	select {
	case env := <-res:
		if env == nil || env.Metadata.MessageID != "raid-1" {
			t.Errorf("AwaitMessage() = %+v", env)
		}
	case <-time.After(waitTimeout):
		t.Fatal("AwaitMessage did not resolve")
	}
}

func TestKeepaliveTimeoutReconnectsAndResubscribes(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	srv.KeepaliveSeconds = 0 // fall back to the configured timeout
	sub := &fakeSubscriber{}
	cfg := testConfig(srv, sub)
	cfg.KeepaliveTimeout = 60 * time.Millisecond
	cfg.Subscriptions = []string{"channel.follow"}
	m, events := newTestManager(t, cfg)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	first := srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.SubscriptionsReady)

	ev := waitEvent(t, events, lifecycle.Reconnect)
	if ev.Delay != 40*time.Millisecond || ev.Attempt != 1 {
		t.Errorf("reconnect = delay %v attempt %d, want 40ms attempt 1", ev.Delay, ev.Attempt)
	}
	second := srv.Next(waitTimeout)
	if second.SessionID == first.SessionID {
		t.Fatal("reconnect reused the old session")
	}
	waitEvent(t, events, lifecycle.SubscriptionsReady)

	reqs := sub.created()
	if len(reqs) != 2 || reqs[1].Transport.SessionID != second.SessionID {
		t.Fatalf("creates = %+v, want a resubscribe on the new session", reqs)
	}
	select {
	case <-first.Closed():
	case <-time.After(waitTimeout):
		t.Error("stale socket was not closed")
	}
}

func TestKeepaliveFramesKeepSessionAlive(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	srv.KeepaliveSeconds = 0
	cfg := testConfig(srv, &fakeSubscriber{})
	cfg.KeepaliveTimeout = 80 * time.Millisecond
	m, _ := newTestManager(t, cfg)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c := srv.Next(waitTimeout)

	for i := 0; i < 6; i++ {
		time.Sleep(30 * time.Millisecond)
		c.SendKeepalive()
	}
	if m.State() != lifecycle.Open {
		t.Fatalf("State() = %v after keepalives, want open", m.State())
	}
	if n := srv.Accepted(); n != 1 {
		t.Errorf("accepted %d connections, want 1", n)
	}
}

func TestSessionReconnectMigratesWithoutResubscribing(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	sub := &fakeSubscriber{}
	cfg := testConfig(srv, sub)
	cfg.Subscriptions = []string{"channel.follow"}
	m, events := newTestManager(t, cfg)
	notes, _ := m.Notifications(8)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	old := srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.SubscriptionsReady)

	old.SendReconnect(srv.ReconnectURL(old.SessionID))
	migrated := srv.Next(waitTimeout)
	select {
	case <-old.Closed():
	case <-time.After(waitTimeout):
		t.Fatal("old socket not closed after migration")
	}

	if s, _ := m.Session(); s.ID != old.SessionID {
		t.Errorf("session id = %q, want %q kept", s.ID, old.SessionID)
	}
	if m.State() != lifecycle.Open {
		t.Errorf("State() = %v, want open", m.State())
	}
	if n := len(sub.created()); n != 1 {
		t.Errorf("create calls = %d, want 1 (no resubscribe after migration)", n)
	}
	if _, ok := m.Subscriptions()["channel.follow"]; !ok {
		t.Error("subscription lost during migration")
	}

	migrated.SendNotification("after", "channel.follow", map[string]string{})
	select {
	case n := <-notes:
		if n.MessageID != "after" {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no notification on the migrated socket")
	}
}

func TestFailedMigrationFallsBackToReconnect(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	sub := &fakeSubscriber{}
	cfg := testConfig(srv, sub)
	cfg.Subscriptions = []string{"channel.follow"}
	m, events := newTestManager(t, cfg)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	old := srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.SubscriptionsReady)

	dead := testutil.NewEventSubServer(t)
	deadURL := dead.URL()
	dead.Close()
	old.SendReconnect(deadURL)

	ev := waitEvent(t, events, lifecycle.Reconnect)
	if ev.Attempt != 0 || ev.Delay != 20*time.Millisecond {
		t.Errorf("reconnect = attempt %d delay %v, want a single retry at the current delay", ev.Attempt, ev.Delay)
	}
	fresh := srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.SubscriptionsReady)
	reqs := sub.created()
	if len(reqs) != 2 || reqs[1].Transport.SessionID != fresh.SessionID {
		t.Errorf("creates = %+v, want a resubscribe on %s", reqs, fresh.SessionID)
	}
}

func TestRevocationRefreshesAndResubscribes(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	sub := &fakeSubscriber{}
	ref := &countingRefresher{}
	cfg := testConfig(srv, sub)
	cfg.Subscriptions = []string{"channel.follow"}
	cfg.Refresher = ref
	m, events := newTestManager(t, cfg)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c := srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.SubscriptionsReady)
	id := m.Subscriptions()["channel.follow"].ID

	c.SendRevocation("channel.follow", id, "authorization_revoked")
	ev := waitEvent(t, events, lifecycle.Revoked)
	if ev.Detail != "channel.follow" {
		t.Errorf("revoked detail = %q", ev.Detail)
	}
	next := srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.SubscriptionsReady)

	if ref.count() != 1 {
		t.Errorf("refresh calls = %d, want 1", ref.count())
	}
	reqs := sub.created()
	if len(reqs) != 2 || reqs[1].Transport.SessionID != next.SessionID {
		t.Errorf("creates = %+v, want resubscribe on the new session", reqs)
	}
}

func TestMissingWelcomeFailsConnect(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	srv.AutoWelcome = false
	cfg := testConfig(srv, nil)
	cfg.WelcomeTimeout = 50 * time.Millisecond
	cfg.Backoff.MaxAttempts = 0
	m, _ := newTestManager(t, cfg)

	err := m.Connect(context.Background())
	if !errors.Is(err, correlate.ErrTimeout) && !errors.Is(err, lifecycle.ErrConnectionLost) {
		t.Fatalf("Connect() error = %v, want a welcome timeout", err)
	}
	eventually(t, func() bool { return m.State() == lifecycle.Disconnected }, "disconnected state")
}

func TestMaxReconnectAttemptsBoundary(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	srv.AutoWelcome = false
	cfg := testConfig(srv, nil)
	cfg.WelcomeTimeout = 30 * time.Millisecond
	cfg.Backoff.MaxAttempts = 2
	m, events := newTestManager(t, cfg)

	_ = m.Connect(context.Background())
	ev := waitEvent(t, events, lifecycle.MaxReconnect)
	if !errors.Is(ev.Err, lifecycle.ErrMaxReconnect) || !errors.Is(ev.Err, lifecycle.ErrStaleConnection) {
		t.Errorf("max reconnect error = %v", ev.Err)
	}
	if ev.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", ev.Attempt)
	}
	time.Sleep(100 * time.Millisecond)
	if n := srv.Accepted(); n != 2 {
		t.Errorf("accepted %d connections, want 2", n)
	}
	if m.State() != lifecycle.Closed {
		t.Errorf("State() = %v, want closed", m.State())
	}
	if err := m.Reconnect(); !errors.Is(err, lifecycle.ErrMaxReconnect) {
		t.Errorf("Reconnect() error = %v, want ErrMaxReconnect", err)
	}
}

func TestUnknownMessageTypeIsIgnored(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	m, _ := newTestManager(t, testConfig(srv, &fakeSubscriber{}))
	notes, _ := m.Notifications(4)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c := srv.Next(waitTimeout)

	c.Send("session_mystery", "", map[string]string{"x": "y"})
	c.SendNotification("n-1", "channel.follow", map[string]string{})
	select {
	case <-notes:
	case <-time.After(waitTimeout):
		t.Fatal("notification after unknown frame not delivered")
	}
	if m.State() != lifecycle.Open {
		t.Errorf("State() = %v, want open", m.State())
	}
}

func TestDisconnectCancelsWaitsAndSuppressesReconnect(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	m, events := newTestManager(t, testConfig(srv, &fakeSubscriber{}))
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c := srv.Next(waitTimeout)

	errc := make(chan error, 1)
	go func() {
		_, err := m.AwaitMessage(context.Background(), func(*Envelope) bool { return false }, time.Minute)
		errc <- err
	}()
	eventually(t, func() bool { return m.engine.Len() == 1 }, "pending wait")

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, correlate.ErrCanceled) {
			t.Errorf("pending wait error = %v, want ErrCanceled", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("pending wait not canceled")
	}
	waitEvent(t, events, lifecycle.Disconnect)
	select {
	case <-c.Closed():
	case <-time.After(waitTimeout):
		t.Fatal("socket not closed")
	}
	time.Sleep(100 * time.Millisecond)
	if srv.Accepted() != 1 {
		t.Errorf("accepted %d connections after Disconnect, want 1", srv.Accepted())
	}
	if _, ok := m.Session(); ok {
		t.Error("session still set after Disconnect")
	}
}

func TestDisconnectAfterTransportErrorDoesNotReconnect(t *testing.T) {
	for i := 0; i < 5; i++ {
		srv := testutil.NewEventSubServer(t)
		m, _ := newTestManager(t, testConfig(srv, &fakeSubscriber{}))
		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		srv.Next(waitTimeout)

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

func TestFetchSubscriptions(t *testing.T) {
	srv := testutil.NewEventSubServer(t)
	sub := &fakeSubscriber{}
	m, events := newTestManager(t, testConfig(srv, sub))
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c := srv.Next(waitTimeout)
	waitEvent(t, events, lifecycle.SubscriptionsReady)

	sub.list = []Subscription{
		{ID: "a", Type: "channel.follow", Status: "enabled", Transport: Transport{Method: "websocket", SessionID: c.SessionID}},
		{ID: "b", Type: "channel.ban", Status: "enabled", Transport: Transport{Method: "websocket", SessionID: "other"}},
		{ID: "c", Type: "stream.online", Status: "websocket_disconnected", Transport: Transport{Method: "websocket", SessionID: c.SessionID}},
	}
	got, err := m.FetchSubscriptions(context.Background(), false)
	if err != nil {
		t.Fatalf("FetchSubscriptions() error = %v", err)
	}
	if len(got) != 1 || got["channel.follow"].ID != "a" {
		t.Fatalf("FetchSubscriptions() = %v, want only the enabled one on this session", got)
	}

	sub.list = nil
	got, err = m.FetchSubscriptions(context.Background(), false)
	if err != nil || len(got) != 1 {
		t.Errorf("cached FetchSubscriptions() = %v, %v", got, err)
	}
}
