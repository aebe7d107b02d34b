// Package ftptest runs a small in-process FTP server for tests. It serves a
// directory of the local filesystem, supports passive (PASV, EPSV) and active
// (PORT, EPRT) data connections, records every command it receives and can
// be told to answer a command with a canned reply to simulate failures.
package ftptest

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// Credentials and layout used by Start.
const (
	User     = "foo"
	Password = "pass"
	Home     = "/home/foo/upload"
)

// Server is an FTP server listening on a loopback address.
type Server struct {
	root           string
	users          map[string]string
	advertisedHost string
	logger         *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup

	mu        sync.Mutex
	replies   map[string]string
	commands  []string
	sessions  map[*session]struct{}
	closed    bool
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithUser adds an account.
func WithUser(name, password string) Option {
	return func(s *Server) {
		s.users[name] = password
	}
}

// WithLogger logs every command and reply at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAdvertisedHost makes PASV replies advertise host instead of the
// loopback address the data listener really uses. Clients can only
// transfer data when they ignore the advertised address.
func WithAdvertisedHost(host string) Option {
	return func(s *Server) {
		s.advertisedHost = host
	}
}

// New starts a server on 127.0.0.1 serving root.
func New(root string, options ...Option) (*Server, error) {
	s := &Server{
		root:           root,
		users:          make(map[string]string),
		advertisedHost: "127.0.0.1",
		logger:         zap.NewNop(),
		replies:        make(map[string]string),
		sessions:       make(map[*session]struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("ftptest: listen: %w", err)
	}
	s.listener = l

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Start runs a server for the duration of t with the account foo/pass and
// the directory /home/foo/upload, and returns it. The server is closed by
// t.Cleanup.
func Start(t testing.TB, options ...Option) *Server {
	t.Helper()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(Home)), 0o755); err != nil {
		t.Fatalf("ftptest: %v", err)
	}

	s, err := New(root, append([]Option{WithUser(User, Password)}, options...)...)
	if err != nil {
		t.Fatalf("ftptest: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listening host.
func (s *Server) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Root returns the local directory served as "/".
func (s *Server) Root() string {
	return s.root
}

// LocalPath maps a server path onto the local filesystem.
func (s *Server) LocalPath(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(cleanPath("/", p)))
}

// SetReply makes the server answer command with reply, verbatim, instead of
// executing it. An empty reply restores normal handling.
//
//	srv.SetReply("OPTS", "501 Option not understood")
func (s *Server) SetReply(command, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	command = strings.ToUpper(command)
	if reply == "" {
		delete(s.replies, command)
		return
	}
	s.replies[command] = reply
}

func (s *Server) reply(command string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replies[command]
	return r, ok
}

// Commands returns every command received so far, in order, as sent on the
// wire. Passwords are masked.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Received reports whether a command with the given verb was received.
func (s *Server) Received(verb string) bool {
	for _, c := range s.Commands() {
		v, _, _ := strings.Cut(c, " ")
		if strings.EqualFold(v, verb) {
			return true
		}
	}
	return false
}

func (s *Server) record(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, line)
}

// Disconnect closes every open session without stopping the server, as an
// idle timeout on a real server would.
func (s *Server) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
}

// Close stops accepting connections and terminates open sessions.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.Disconnect()

		err = s.listener.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("accept failed", zap.Error(err))
			}
			return
		}

		sess := &session{
			server: s,
			conn:   conn,
			reader: bufio.NewReader(conn),
			writer: bufio.NewWriter(conn),
			cwd:    "/",
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.serve()

			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
		}()
	}
}

// cleanPath resolves p against cwd into an absolute, clean server path.
func cleanPath(cwd, p string) string {
	if !strings.HasPrefix(p, "/") {
		p = cwd + "/" + p
	}
	return path.Clean("/" + p)
}

func formatPASV(host string, port int) string {
	ip := net.ParseIP(host).To4()
	if ip == nil {
		ip = net.IPv4(127, 0, 0, 1).To4()
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port/256, port%256)
}

func parsePORT(arg string) (string, error) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		return "", fmt.Errorf("malformed PORT argument %q", arg)
	}
	var n [6]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 || v > 255 {
			return "", fmt.Errorf("malformed PORT argument %q", arg)
		}
		n[i] = v
	}
	host := fmt.Sprintf("%d.%d.%d.%d", n[0], n[1], n[2], n[3])
	return net.JoinHostPort(host, strconv.Itoa(n[4]*256+n[5])), nil
}

func parseEPRT(arg string) (string, error) {
	if len(arg) < 2 {
		return "", fmt.Errorf("malformed EPRT argument %q", arg)
	}
	delim := arg[:1]
	parts := strings.Split(arg[1:], delim)
	if len(parts) < 3 {
		return "", fmt.Errorf("malformed EPRT argument %q", arg)
	}
	if _, err := strconv.Atoi(parts[2]); err != nil {
		return "", fmt.Errorf("malformed EPRT port %q", parts[2])
	}
	return net.JoinHostPort(parts[1], parts[2]), nil
}
