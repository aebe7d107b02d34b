package ftp

import (
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockServer provides a simple way to script server responses
type mockServer struct {
	listener net.Listener
	addr     string
	greeting string
	// handlers override the default reply for a command
	handlers map[string]func(conn *textproto.Conn, args string)
	// dataListener is used for passive mode
	dataListener net.Listener

	mu               sync.Mutex
	conn             net.Conn
	receivedCommands []string
	done             chan struct{}
}

func newMockServer(t *testing.T) *mockServer {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return &mockServer{
		listener: l,
		addr:     l.Addr().String(),
		greeting: "220 Service ready",
		handlers: make(map[string]func(*textproto.Conn, string)),
		done:     make(chan struct{}),
	}
}

func (s *mockServer) start() {
	go func() {
		defer close(s.done)
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		textConn := textproto.NewConn(conn)
		defer textConn.Close()

		_ = textConn.PrintfLine("%s", s.greeting)

		for {
			line, err := textConn.ReadLine()
			if err != nil {
				return
			}

			cmd, args, _ := strings.Cut(line, " ")
			cmd = strings.ToUpper(cmd)

			s.mu.Lock()
			s.receivedCommands = append(s.receivedCommands, cmd)
			s.mu.Unlock()

			if handler, ok := s.handlers[cmd]; ok {
				handler(textConn, args)
				continue
			}

			switch cmd {
			case "USER":
				_ = textConn.PrintfLine("331 User name okay, need password.")
			case "PASS":
				_ = textConn.PrintfLine("230 User logged in, proceed.")
			case "QUIT":
				_ = textConn.PrintfLine("221 Service closing control connection.")
				return
			case "TYPE", "NOOP":
				_ = textConn.PrintfLine("200 Command okay.")
			default:
				_ = textConn.PrintfLine("502 Command not implemented.")
			}
		}
	}()
}

func (s *mockServer) stop() {
	s.listener.Close()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	if s.dataListener != nil {
		s.dataListener.Close()
	}
	<-s.done
}

func (s *mockServer) count(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.receivedCommands {
		if c == cmd {
			n++
		}
	}
	return n
}

// listData serves an empty listing on the data listener.
func (s *mockServer) listData(t *testing.T) func(*textproto.Conn, string) {
	return func(c *textproto.Conn, args string) {
		_ = c.PrintfLine("150 File status okay; about to open data connection.")
		dconn, err := s.dataListener.Accept()
		if err != nil {
			t.Errorf("Mock server failed to accept data conn: %v", err)
			return
		}
		dconn.Close()
		_ = c.PrintfLine("226 Closing data connection.")
	}
}

func pasvReply(host string, l net.Listener) string {
	port := l.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("227 Entering Passive Mode (%s,%d,%d).", strings.ReplaceAll(host, ".", ","), port/256, port%256)
}

func dialMock(t *testing.T, ms *mockServer, opts ...Option) *Client {
	t.Helper()
	c, err := Dial(ms.addr, append([]Option{WithTimeout(time.Second)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Quit() })
	return c
}

func TestClient_Login(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		user     string
		pass     string
		wantCode int
	}{
		{name: "password accepted", user: "foo", pass: "pass"},
		{name: "no password needed", user: "anonymous", pass: "anonymous@"},
		{name: "password rejected", user: "foo", pass: "wrong", wantCode: 530},
		{name: "user rejected", user: "nobody", pass: "x", wantCode: 530},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := newMockServer(t)
			ms.handlers["USER"] = func(c *textproto.Conn, args string) {
				switch args {
				case "anonymous":
					_ = c.PrintfLine("230 Anonymous access granted.")
				case "nobody":
					_ = c.PrintfLine("530 Unknown user.")
				default:
					_ = c.PrintfLine("331 Password required.")
				}
			}
			ms.handlers["PASS"] = func(c *textproto.Conn, args string) {
				if args == "pass" {
					_ = c.PrintfLine("230 Logged in.")
				} else {
					_ = c.PrintfLine("530 Login incorrect.")
				}
			}
			ms.start()
			defer ms.stop()

			c := dialMock(t, ms)
			err := c.Login(tt.user, tt.pass)

			if tt.wantCode == 0 {
				if err != nil {
					t.Fatalf("Login() = %v", err)
				}
				return
			}

			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("Login() = %v, want *ProtocolError", err)
			}
			if pe.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", pe.Code, tt.wantCode)
			}
			if strings.Contains(err.Error(), tt.pass) {
				t.Errorf("password leaked into %q", err.Error())
			}
		})
	}
}

func TestClient_GreetingRejected(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)
	ms.greeting = "421 Too many users, try again later."
	ms.start()
	defer ms.stop()

	_, err := Dial(ms.addr, WithTimeout(time.Second))
	if err == nil {
		t.Fatal("Dial() succeeded against a server refusing service")
	}
}

func TestClient_SetOption(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)
	ms.handlers["OPTS"] = func(c *textproto.Conn, args string) {
		if args == "UTF8 ON" {
			_ = c.PrintfLine("200 Always in UTF8 mode.")
			return
		}
		_ = c.PrintfLine("501 Option not understood.")
	}
	ms.start()
	defer ms.stop()

	c := dialMock(t, ms)
	if err := c.SetOption("UTF8", "ON"); err != nil {
		t.Errorf("SetOption(UTF8 ON) = %v", err)
	}

	err := c.SetOption("MLST", "type;")
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("SetOption(MLST) = %v, want *ProtocolError", err)
	}
	if pe.Command != "OPTS MLST type;" {
		t.Errorf("Command = %q", pe.Command)
	}
	if pe.Reply() != "501 Option not understood." {
		t.Errorf("Reply() = %q", pe.Reply())
	}
}

func TestClient_EnterPassiveMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		reply   string
		wantErr bool
	}{
		{name: "accepted", reply: "227 Entering Passive Mode (127,0,0,1,195,80)."},
		{name: "rejected", reply: "500 PASV not understood.", wantErr: true},
		{name: "unparseable", reply: "227 Entering Passive Mode somewhere.", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := newMockServer(t)
			ms.handlers["PASV"] = func(c *textproto.Conn, args string) {
				_ = c.PrintfLine("%s", tt.reply)
			}
			ms.start()
			defer ms.stop()

			c := dialMock(t, ms, WithActiveMode())
			err := c.EnterPassiveMode()
			if (err != nil) != tt.wantErr {
				t.Fatalf("EnterPassiveMode() = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && c.activeMode {
				t.Error("client still in active mode")
			}
		})
	}
}

func TestClient_SetIgnorePassiveAddress(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)
	ms.start()
	defer ms.stop()

	c := dialMock(t, ms, WithActiveMode())
	if err := c.SetIgnorePassiveAddress(true); err == nil {
		t.Error("SetIgnorePassiveAddress(true) succeeded in active mode")
	}
	if err := c.SetIgnorePassiveAddress(false); err != nil {
		t.Errorf("SetIgnorePassiveAddress(false) = %v", err)
	}
}

func TestClient_IgnorePassiveAddress(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)

	pasvL, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ms.dataListener = pasvL

	ms.handlers["EPSV"] = func(c *textproto.Conn, args string) {
		_ = c.PrintfLine("502 Command not implemented.")
	}
	// Advertise an unroutable documentation address.
	ms.handlers["PASV"] = func(c *textproto.Conn, args string) {
		_ = c.PrintfLine("%s", pasvReply("192.0.2.1", pasvL))
	}
	ms.handlers["LIST"] = ms.listData(t)
	ms.start()
	defer ms.stop()

	c := dialMock(t, ms)
	if err := c.SetIgnorePassiveAddress(true); err != nil {
		t.Fatal(err)
	}
	if _, err := c.List(""); err != nil {
		t.Fatalf("List() = %v", err)
	}
}

func TestClient_EPSV_Fallback(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)

	pasvL, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ms.dataListener = pasvL

	ms.handlers["EPSV"] = func(c *textproto.Conn, args string) {
		_ = c.PrintfLine("502 Command not implemented.")
	}
	ms.handlers["PASV"] = func(c *textproto.Conn, args string) {
		_ = c.PrintfLine("%s", pasvReply("127.0.0.1", pasvL))
	}
	ms.handlers["LIST"] = ms.listData(t)
	ms.start()
	defer ms.stop()

	c := dialMock(t, ms)

	// 1st List: Should try EPSV, fail, try PASV, succeed
	if _, err := c.List("."); err != nil {
		t.Errorf("First List failed: %v", err)
	}

	// 2nd List: Should NOT try EPSV, straight to PASV
	if _, err := c.List("."); err != nil {
		t.Errorf("Second List failed: %v", err)
	}

	if n := ms.count("EPSV"); n != 1 {
		t.Errorf("Expected exactly 1 EPSV command, got %d", n)
	}
}

func TestClient_EPSV_FailButNot502(t *testing.T) {
	t.Parallel()
	// Only a 502 disables EPSV; other failures fall back to PASV for the
	// current request and EPSV is tried again next time.
	ms := newMockServer(t)

	pasvL, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ms.dataListener = pasvL

	ms.handlers["EPSV"] = func(c *textproto.Conn, args string) {
		_ = c.PrintfLine("500 Syntax error, command unrecognized.")
	}
	ms.handlers["PASV"] = func(c *textproto.Conn, args string) {
		_ = c.PrintfLine("%s", pasvReply("127.0.0.1", pasvL))
	}
	ms.handlers["LIST"] = ms.listData(t)
	ms.start()
	defer ms.stop()

	c := dialMock(t, ms)

	if _, err := c.List("."); err != nil {
		t.Errorf("First List failed: %v", err)
	}
	if _, err := c.List("."); err != nil {
		t.Errorf("Second List failed: %v", err)
	}

	if n := ms.count("EPSV"); n != 2 {
		t.Errorf("Expected 2 EPSV commands (retry on non-502), got %d", n)
	}
}

func TestClient_SetTimeout(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)
	ms.start()
	defer ms.stop()

	c := dialMock(t, ms)
	if err := c.SetTimeout(0); err == nil {
		t.Error("SetTimeout(0) succeeded")
	}
	if err := c.SetTimeout(2 * time.Second); err != nil {
		t.Fatalf("SetTimeout() = %v", err)
	}
	if c.timeout != 2*time.Second {
		t.Errorf("timeout = %s", c.timeout)
	}

	if err := c.Quit(); err != nil {
		t.Fatal(err)
	}
	if err := c.SetTimeout(time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetTimeout() after Quit = %v, want ErrNotConnected", err)
	}
	if err := c.Noop(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Noop() after Quit = %v, want ErrNotConnected", err)
	}
}

func TestClient_RejectsLineBreaks(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)
	ms.handlers["CWD"] = func(c *textproto.Conn, args string) {
		_ = c.PrintfLine("250 Directory changed.")
	}
	ms.handlers["DELE"] = func(c *textproto.Conn, args string) {
		_ = c.PrintfLine("250 Deleted.")
	}
	ms.start()
	defer ms.stop()

	c := dialMock(t, ms)

	for _, arg := range []string{"a\r\nDELE x", "a\nDELE x", "a\rDELE x"} {
		if err := c.ChangeDir(arg); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ChangeDir(%q) = %v, want ErrInvalidArgument", arg, err)
		}
	}
	if err := c.Login("foo\r\nDELE x", "pass"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Login() = %v, want ErrInvalidArgument", err)
	}

	// The connection stays usable.
	if err := c.ChangeDir("ok"); err != nil {
		t.Fatalf("ChangeDir() error = %v", err)
	}
	if n := ms.count("DELE"); n != 0 {
		t.Errorf("server received %d DELE commands, want 0", n)
	}
	if n := ms.count("CWD"); n != 1 {
		t.Errorf("server received %d CWD commands, want 1", n)
	}
}

func TestClient_CurrentDir(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)
	ms.handlers["CWD"] = func(c *textproto.Conn, args string) {
		if args == "/home/foo/upload" {
			_ = c.PrintfLine("250 Directory changed.")
			return
		}
		_ = c.PrintfLine("550 %s: No such file or directory.", args)
	}
	ms.handlers["PWD"] = func(c *textproto.Conn, args string) {
		_ = c.PrintfLine(`257 "/home/foo/upload" is the current directory.`)
	}
	ms.start()
	defer ms.stop()

	c := dialMock(t, ms)
	if err := c.ChangeDir("/home/foo/upload"); err != nil {
		t.Fatal(err)
	}
	dir, err := c.CurrentDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != "/home/foo/upload" {
		t.Errorf("CurrentDir() = %q", dir)
	}

	err = c.ChangeDir("/missing")
	var pe *ProtocolError
	if !errors.As(err, &pe) || !pe.IsNotFound() {
		t.Errorf("ChangeDir(/missing) = %v, want a 550 ProtocolError", err)
	}
}
