package ftpfs

import "sync"

// Connection is a Ready control channel: connected, authenticated,
// configured and scoped to the root directory. It is owned by a single
// caller and is not safe for concurrent use.
type Connection struct {
	session Session
	opts    ConnectionOptions
	root    string

	closeOnce sync.Once
	closeErr  error
}

// Session returns the underlying control channel.
func (c *Connection) Session() Session {
	return c.session
}

// Root returns the working directory the server reported after entering
// the configured root.
func (c *Connection) Root() string {
	return c.root
}

// Options returns the options the connection was built from.
func (c *Connection) Options() ConnectionOptions {
	return c.opts
}

// Close quits the session. Subsequent calls return the first result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.session.Quit()
	})
	return c.closeErr
}
