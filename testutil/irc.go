package testutil

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// IRCHandler reacts to one line received from the client.
type IRCHandler func(c *IRCConn, line string)

// IRCServer is a scripted Twitch IRC endpoint on a loopback TCP listener.
type IRCServer struct {
	t       testing.TB
	ln      net.Listener
	handler IRCHandler
	conns   chan *IRCConn

	mu       sync.Mutex
	accepted int
	open     []*IRCConn
}

// IRCConn is one accepted client connection.
type IRCConn struct {
	conn  net.Conn
	Lines chan string // every line received, in order
	Nick  string

	wmu sync.Mutex
}

// Send writes a line to the client, appending CRLF.
func (c *IRCConn) Send(line string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, _ = c.conn.Write([]byte(line + "\r\n"))
}

// Close drops the connection.
func (c *IRCConn) Close() { _ = c.conn.Close() }

// NewIRCServer starts a server. A nil handler uses TwitchIRCHandler(true).
func NewIRCServer(t testing.TB, handler IRCHandler) *IRCServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if handler == nil {
		handler = TwitchIRCHandler(true)
	}
	s := &IRCServer{t: t, ln: ln, handler: handler, conns: make(chan *IRCConn, 16)}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns host:port of the listener.
func (s *IRCServer) Addr() string { return s.ln.Addr().String() }

// Accepted returns how many connections were accepted.
func (s *IRCServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Next waits for the next accepted connection.
func (s *IRCServer) Next(timeout time.Duration) *IRCConn {
	s.t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(timeout):
		s.t.Fatalf("no IRC connection within %v", timeout)
		return nil
	}
}

// Close stops the listener and every open connection.
func (s *IRCServer) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.open {
		c.Close()
	}
}

func (s *IRCServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := &IRCConn{conn: conn, Lines: make(chan string, 256)}
		s.mu.Lock()
		s.accepted++
		s.open = append(s.open, c)
		s.mu.Unlock()
		s.conns <- c
		go s.read(c)
	}
}

func (s *IRCServer) read(c *IRCConn) {
	defer close(c.Lines)
	sc := bufio.NewScanner(c.conn)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "NICK ") {
			c.Nick = strings.TrimPrefix(line, "NICK ")
		}
		select {
		case c.Lines <- line:
		default:
		}
		s.handler(c, line)
	}
}

// ReadLine waits for the next line the client sent on c.
func (c *IRCConn) ReadLine(t testing.TB, timeout time.Duration) string {
	t.Helper()
	select {
	case line, ok := <-c.Lines:
		if !ok {
			t.Fatal("connection closed before a line arrived")
		}
		return line
	case <-time.After(timeout):
		t.Fatalf("no line within %v", timeout)
		return ""
	}
}

// WaitFor reads lines until one has the given prefix.
func (c *IRCConn) WaitFor(t testing.TB, prefix string, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-c.Lines:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", prefix)
			}
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-deadline:
			t.Fatalf("no line with prefix %q within %v", prefix, timeout)
			return ""
		}
	}
}

// TwitchIRCHandler answers NICK with the 001 welcome, server-bound PINGs
// with PONG (when pong is true) and JOIN/PART with the membership echo.
func TwitchIRCHandler(pong bool) IRCHandler {
	return func(c *IRCConn, line string) {
		switch {
		case strings.HasPrefix(line, "NICK "):
			c.Send(":tmi.twitch.tv 001 " + c.Nick + " :Welcome, GLHF!")
		case strings.HasPrefix(line, "PING") && pong:
			c.Send(":tmi.twitch.tv PONG tmi.twitch.tv :tmi.twitch.tv")
		case strings.HasPrefix(line, "JOIN "), strings.HasPrefix(line, "PART "):
			cmd, channel, _ := strings.Cut(line, " ")
			c.Send(":" + c.Nick + "!" + c.Nick + "@" + c.Nick + ".tmi.twitch.tv " + cmd + " " + channel)
		}
	}
}
