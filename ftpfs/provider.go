package ftpfs

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ConnectionProvider produces Ready connections.
type ConnectionProvider interface {
	CreateConnection(ctx context.Context, opts ConnectionOptions) (*Connection, error)
}

// State is a bootstrap stage. Failed is absorbing.
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateAuthenticated
	StateModeConfigured
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateModeConfigured:
		return "mode-configured"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Credentials used when no username is configured.
const (
	AnonymousUsername = "anonymous"
	AnonymousPassword = "anonymous@"
)

// Provider bootstraps FTP control connections. It holds no per-connection
// state and may be shared.
type Provider struct {
	dialer Dialer
	logger *zap.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithDialer replaces the network dialer, typically with a fake in tests.
func WithDialer(d Dialer) ProviderOption {
	return func(p *Provider) {
		p.dialer = d
	}
}

// NewProvider returns a provider dialing real servers. A nil logger
// disables logging.
func NewProvider(logger *zap.Logger, opts ...ProviderOption) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	if p.dialer == nil {
		p.dialer = &NetDialer{Logger: logger.Named("ftp")}
	}
	return p
}

// CreateConnection runs the bootstrap steps in order and stops at the first
// failure, which is returned as a *ConnectionError. A session opened before
// the failure is closed. Invalid options yield a *ConfigurationError before
// any I/O.
//
// Only the dial observes ctx; later steps are bounded by the option timeout.
func (p *Provider) CreateConnection(ctx context.Context, opts ConnectionOptions) (*Connection, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	b := &bootstrap{
		opts:   opts,
		dialer: p.dialer,
		logger: p.logger.With(zap.String("host", opts.Host), zap.Int("port", opts.Port)),
	}
	return b.run(ctx)
}

// step is one transition of the bootstrap. Skipped steps still advance the
// state.
type step struct {
	name    string
	from    State
	to      State
	applies func(o *ConnectionOptions) bool
	run     func(b *bootstrap, ctx context.Context) *ConnectionError
}

var steps = []step{
	{name: "connect", from: StateUnconnected, to: StateConnected, run: (*bootstrap).connect},
	{name: "authenticate", from: StateConnected, to: StateAuthenticated, run: (*bootstrap).authenticate},
	{name: "timeout", from: StateAuthenticated, to: StateAuthenticated, run: (*bootstrap).applyTimeout},
	{
		name: "utf8", from: StateAuthenticated, to: StateAuthenticated,
		applies: func(o *ConnectionOptions) bool { return o.UTF8 },
		run:     (*bootstrap).enableUTF8,
	},
	{
		name: "passive", from: StateAuthenticated, to: StateAuthenticated,
		applies: func(o *ConnectionOptions) bool { return o.Passive },
		run:     (*bootstrap).enterPassive,
	},
	{
		name: "ignorePassiveAddress", from: StateAuthenticated, to: StateModeConfigured,
		applies: func(o *ConnectionOptions) bool { return o.Passive && o.IgnorePassiveAddress },
		run:     (*bootstrap).ignorePassiveAddress,
	},
	{name: "root", from: StateModeConfigured, to: StateReady, run: (*bootstrap).enterRoot},
}

type bootstrap struct {
	opts    ConnectionOptions
	dialer  Dialer
	logger  *zap.Logger
	state   State
	session Session
	root    string
}

func (b *bootstrap) run(ctx context.Context) (*Connection, error) {
	for _, s := range steps {
		if s.applies != nil && !s.applies(&b.opts) {
			b.logger.Debug("skipping bootstrap step", zap.String("step", s.name))
			b.state = s.to
			continue
		}
		if err := s.run(b, ctx); err != nil {
			b.fail(s.name, err)
			return nil, err
		}
		b.state = s.to
	}

	b.logger.Debug("ftp connection ready", zap.String("root", b.root))
	return &Connection{session: b.session, opts: b.opts, root: b.root}, nil
}

// fail moves to StateFailed and releases a half-built session.
func (b *bootstrap) fail(stepName string, err *ConnectionError) {
	b.logger.Debug("bootstrap step failed",
		zap.String("step", stepName),
		zap.Stringer("state", b.state),
		zap.Stringer("kind", err.Kind),
		zap.Error(err))
	b.state = StateFailed
	if b.session == nil {
		return
	}
	if qerr := b.session.Quit(); qerr != nil {
		b.logger.Debug("closing failed session", zap.Error(qerr))
	}
	b.session = nil
}

func (b *bootstrap) connect(ctx context.Context) *ConnectionError {
	session, err := b.dialer.Dial(ctx, b.opts)
	if err != nil {
		return &ConnectionError{
			Kind: UnableToConnectToFtpHost,
			Host: b.opts.Host,
			Port: b.opts.Port,
			SSL:  b.opts.SSL,
			Err:  err,
		}
	}
	b.session = session
	return nil
}

func (b *bootstrap) authenticate(context.Context) *ConnectionError {
	username, password := b.opts.Username, b.opts.Password
	if username == "" {
		username, password = AnonymousUsername, AnonymousPassword
	}
	if err := b.session.Login(username, password); err != nil {
		return &ConnectionError{
			Kind:     UnableToAuthenticate,
			Host:     b.opts.Host,
			Port:     b.opts.Port,
			Username: username,
			Reply:    replyOf(err),
			Err:      err,
		}
	}
	return nil
}

func (b *bootstrap) applyTimeout(context.Context) *ConnectionError {
	if err := b.session.SetTimeout(b.opts.TimeoutDuration()); err != nil {
		return &ConnectionError{
			Kind:   UnableToSetFtpOption,
			Host:   b.opts.Host,
			Port:   b.opts.Port,
			Option: "timeout",
			Err:    err,
		}
	}
	return nil
}

func (b *bootstrap) enableUTF8(context.Context) *ConnectionError {
	if err := b.session.SetOption("UTF8", "ON"); err != nil {
		return &ConnectionError{
			Kind:  UnableToEnableUtf8Mode,
			Host:  b.opts.Host,
			Port:  b.opts.Port,
			Reply: replyOf(err),
			Err:   err,
		}
	}
	return nil
}

func (b *bootstrap) enterPassive(context.Context) *ConnectionError {
	if err := b.session.EnterPassiveMode(); err != nil {
		return &ConnectionError{
			Kind:  UnableToMakeConnectionPassive,
			Host:  b.opts.Host,
			Port:  b.opts.Port,
			Reply: replyOf(err),
			Err:   err,
		}
	}
	return nil
}

func (b *bootstrap) ignorePassiveAddress(context.Context) *ConnectionError {
	if err := b.session.SetIgnorePassiveAddress(true); err != nil {
		return &ConnectionError{
			Kind:   UnableToSetFtpOption,
			Host:   b.opts.Host,
			Port:   b.opts.Port,
			Option: "ignorePassiveAddress",
			Err:    err,
		}
	}
	return nil
}

func (b *bootstrap) enterRoot(context.Context) *ConnectionError {
	if err := b.session.ChangeDir(b.opts.Root); err != nil {
		return &ConnectionError{
			Kind:         UnableToConnectToFtpHost,
			Host:         b.opts.Host,
			Port:         b.opts.Port,
			SSL:          b.opts.SSL,
			Root:         b.opts.Root,
			RootNotFound: true,
			Reply:        replyOf(err),
			Err:          err,
		}
	}

	dir, err := b.session.CurrentDir()
	if err != nil {
		b.logger.Debug("PWD failed, using configured root", zap.Error(err))
		dir = b.opts.Root
	}
	b.root = dir
	return nil
}
