package ftp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transfer types accepted by WithTransferType and Type.
const (
	TypeBinary = "I"
	TypeASCII  = "A"
)

// ErrNotConnected is returned when a command is issued on a client whose
// control connection has been closed.
var ErrNotConnected = errors.New("ftp: not connected")

// ErrInvalidArgument is returned, before anything is sent, when a command
// or one of its arguments contains a CR or LF.
var ErrInvalidArgument = errors.New("ftp: line break in command")

// Client represents an FTP client connection.
type Client struct {
	// conn is the underlying network connection (control channel)
	conn net.Conn

	// reader is a buffered reader for the control channel
	reader *bufio.Reader

	// tlsConfig is the TLS configuration (if TLS is enabled)
	tlsConfig *tls.Config

	tlsMode tlsMode

	// timeout bounds every read and write on the control and data channels
	timeout time.Duration

	logger *zap.Logger

	dialer *net.Dialer

	host string
	port string

	// activeMode selects PORT/EPRT instead of PASV/EPSV
	activeMode bool

	disableEPSV bool

	// ignorePassiveAddress makes PASV replies connect to the control host
	ignorePassiveAddress bool

	// transferType is the TYPE used by Store and Retrieve
	transferType string

	// currentType tracks the current transfer type to avoid redundant TYPE commands
	currentType string

	// mu serialises commands on the control channel
	mu sync.Mutex

	// activeDataConn tracks the currently active data connection
	activeDataConn net.Conn
}

// Dial connects to an FTP server at the given address and reads its greeting.
// The address should be in the form "host:port".
//
// Example with Explicit TLS:
//
//	client, err := ftp.Dial("ftp.example.com:21",
//	    ftp.WithExplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit()
func Dial(addr string, options ...Option) (*Client, error) {
	return DialContext(context.Background(), addr, options...)
}

// DialContext is like Dial but aborts the TCP connect when ctx is done.
// Once the transport is open the greeting and any TLS negotiation are
// bounded by the configured timeout only.
func DialContext(ctx context.Context, addr string, options ...Option) (*Client, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	c := &Client{
		host:         host,
		port:         port,
		timeout:      30 * time.Second,
		tlsMode:      tlsModeNone,
		dialer:       &net.Dialer{},
		logger:       zap.NewNop(),
		transferType: TypeBinary,
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	c.dialer.Timeout = c.timeout

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// connect establishes the control connection and handles the initial handshake.
func (c *Client) connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, c.port)
	c.logger.Debug("connecting to ftp server", zap.String("addr", addr), zap.Stringer("tls_mode", c.tlsMode))

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	// For implicit TLS, wrap the connection immediately
	if c.tlsMode == tlsModeImplicit {
		c.logger.Debug("starting TLS handshake", zap.String("mode", "implicit"))
		tlsConn := tls.Client(conn, c.tlsConfig)

		if c.timeout > 0 {
			if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
				conn.Close()
				return fmt.Errorf("failed to set deadline: %w", err)
			}
		}

		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
		conn = tlsConn
	}

	c.conn = conn
	c.reader = bufio.NewReader(c.conn)

	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			c.conn.Close()
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	resp, err := readResponse(c.reader)
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to read greeting: %w", err)
	}

	c.logger.Debug("ftp greeting", zap.Int("code", resp.Code), zap.String("message", resp.Message))

	if resp.Code != 220 {
		c.conn.Close()
		return newProtocolError(resp, "CONNECT")
	}

	if c.tlsMode == tlsModeExplicit {
		if err := c.upgradeToTLS(); err != nil {
			c.conn.Close()
			return err
		}
	}

	return nil
}

// upgradeToTLS upgrades the connection to TLS using AUTH TLS.
func (c *Client) upgradeToTLS() error {
	if _, err := c.expectCode(234, "AUTH", "TLS"); err != nil {
		return fmt.Errorf("AUTH TLS failed: %w", err)
	}

	c.logger.Debug("starting TLS handshake", zap.String("mode", "explicit"))
	tlsConn := tls.Client(c.conn, c.tlsConfig)

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("failed to set deadline: %w", err)
		}
	}

	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(c.conn)

	if _, err := c.expectCode(200, "PBSZ", "0"); err != nil {
		return fmt.Errorf("PBSZ failed: %w", err)
	}

	if _, err := c.expectCode(200, "PROT", "P"); err != nil {
		return fmt.Errorf("PROT failed: %w", err)
	}

	return nil
}

// Login authenticates with the FTP server using the provided username and password.
func (c *Client) Login(username, password string) error {
	resp, err := c.sendCommand("USER", username)
	if err != nil {
		return err
	}

	// 230: no password required
	if resp.Code == 230 {
		return nil
	}

	if resp.Code != 331 {
		return newProtocolError(resp, "USER", username)
	}

	if _, err := c.expectCode(230, "PASS", password); err != nil {
		return err
	}

	return nil
}

// SetTimeout replaces the I/O timeout used for every subsequent command and
// data transfer, and arms it on the control connection immediately.
func (c *Client) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("timeout must be positive: %s", timeout)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}
	c.timeout = timeout
	c.dialer.Timeout = timeout
	return nil
}

// SetOption sets an option for a feature using the OPTS command.
// This implements RFC 2389 - Feature negotiation mechanism for FTP.
//
// Example:
//
//	err := client.SetOption("UTF8", "ON")
func (c *Client) SetOption(option, value string) error {
	_, err := c.expect2xx("OPTS", option, value)
	return err
}

// EnterPassiveMode switches the client to passive data connections and
// confirms the server accepts PASV by requesting a passive endpoint once.
func (c *Client) EnterPassiveMode() error {
	resp, err := c.sendCommand("PASV")
	if err != nil {
		return fmt.Errorf("PASV failed: %w", err)
	}

	if !resp.Is2xx() {
		return newProtocolError(resp, "PASV")
	}

	if _, err := parsePASV(resp.String()); err != nil {
		return err
	}

	c.mu.Lock()
	c.activeMode = false
	c.mu.Unlock()
	return nil
}

// SetIgnorePassiveAddress controls whether the address advertised in PASV
// replies is replaced with the control connection host. Servers behind NAT
// often advertise an unreachable private address.
//
// It returns an error when enabled on a client in active mode.
func (c *Client) SetIgnorePassiveAddress(ignore bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ignore && c.activeMode {
		return errors.New("ftp: passive address can only be ignored in passive mode")
	}
	c.ignorePassiveAddress = ignore
	return nil
}

// Quit closes the connection gracefully by sending the QUIT command.
// If a file transfer is in progress, it will be aborted by closing the data connection.
func (c *Client) Quit() error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	if c.activeDataConn != nil {
		c.activeDataConn.Close()
		c.activeDataConn = nil
	}
	c.mu.Unlock()

	// Ignore errors, we're closing anyway
	_, _ = c.sendCommand("QUIT")

	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Type sets the transfer type (e.g., "A", "I").
func (c *Client) Type(transferType string) error {
	if c.currentType == transferType {
		return nil
	}

	if _, err := c.expectCode(200, "TYPE", transferType); err != nil {
		return err
	}

	c.currentType = transferType
	return nil
}

// Noop sends a NOOP (no operation) command to the server.
func (c *Client) Noop() error {
	_, err := c.expect2xx("NOOP")
	return err
}

// Features queries the server for supported features using the FEAT command.
func (c *Client) Features() (map[string]string, error) {
	resp, err := c.sendCommand("FEAT")
	if err != nil {
		return nil, err
	}

	if resp.Code != 211 {
		return nil, newProtocolError(resp, "FEAT")
	}

	return parseFeatureLines(resp.Lines), nil
}

// parseFeatureLines parses the lines of a FEAT response.
// Supports both formats:
// - RFC 2389: "211-Features:\r\n FEAT1\r\n FEAT2 params\r\n211 End"
// - Traditional: "211-Features\r\n211-FEAT1\r\n211-FEAT2 params\r\n211 End"
func parseFeatureLines(lines []string) map[string]string {
	features := make(map[string]string)
	for i, line := range lines {
		var featureLine string
		switch {
		case len(line) > 0 && line[0] == ' ':
			featureLine = strings.TrimSpace(line)
		case i > 0 && i < len(lines)-1 && len(line) > 4 && line[3] == '-':
			featureLine = strings.TrimSpace(line[4:])
		default:
			continue
		}

		if featureLine == "" {
			continue
		}

		name, params, _ := strings.Cut(featureLine, " ")
		features[strings.ToUpper(name)] = params
	}
	return features
}
