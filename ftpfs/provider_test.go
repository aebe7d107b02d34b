package ftpfs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gonzalop/filestore/ftp"
)

// fakeSession records the bootstrap primitives it receives. Transfer
// methods are not implemented and panic through the nil embedded interface.
type fakeSession struct {
	Session

	calls []string
	fail  map[string]error
	pwd   string
}

func newFakeSession() *fakeSession {
	return &fakeSession{fail: make(map[string]error)}
}

func (f *fakeSession) call(name string) error {
	f.calls = append(f.calls, name)
	return f.fail[name]
}

func (f *fakeSession) Login(username, password string) error {
	return f.call("Login " + username + " " + password)
}

func (f *fakeSession) SetTimeout(d time.Duration) error {
	return f.call("SetTimeout " + d.String())
}

func (f *fakeSession) SetOption(option, value string) error {
	return f.call("SetOption " + option + " " + value)
}

func (f *fakeSession) EnterPassiveMode() error {
	return f.call("EnterPassiveMode")
}

func (f *fakeSession) SetIgnorePassiveAddress(ignore bool) error {
	if ignore {
		return f.call("SetIgnorePassiveAddress true")
	}
	return f.call("SetIgnorePassiveAddress false")
}

func (f *fakeSession) ChangeDir(p string) error {
	if err := f.call("ChangeDir " + p); err != nil {
		return err
	}
	if f.pwd == "" {
		f.pwd = p
	}
	return nil
}

func (f *fakeSession) CurrentDir() (string, error) {
	if err := f.call("CurrentDir"); err != nil {
		return "", err
	}
	return f.pwd, nil
}

func (f *fakeSession) Quit() error {
	return f.call("Quit")
}

func (f *fakeSession) failOn(prefix string, err error) {
	f.fail[prefix] = err
}

type fakeDialer struct {
	session *fakeSession
	err     error
	dials   int
}

func (d *fakeDialer) Dial(context.Context, ConnectionOptions) (Session, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

func testOptions(t *testing.T, overrides map[string]any) ConnectionOptions {
	t.Helper()
	raw := map[string]any{
		"host":     "ftp.example.com",
		"username": "foo",
		"password": "pass",
		"root":     "/home/foo/upload",
	}
	for k, v := range overrides {
		raw[k] = v
	}
	opts, err := OptionsFromMap(raw)
	require.NoError(t, err)
	return opts
}

func TestCreateConnectionRunsStepsInOrder(t *testing.T) {
	session := newFakeSession()
	dialer := &fakeDialer{session: session}
	p := NewProvider(zaptest.NewLogger(t), WithDialer(dialer))

	opts := testOptions(t, map[string]any{"utf8": true, "ignorePassiveAddress": true, "timeout": 30})
	conn, err := p.CreateConnection(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Login foo pass",
		"SetTimeout 30s",
		"SetOption UTF8 ON",
		"EnterPassiveMode",
		"SetIgnorePassiveAddress true",
		"ChangeDir /home/foo/upload",
		"CurrentDir",
	}, session.calls)
	assert.Equal(t, "/home/foo/upload", conn.Root())
	assert.Equal(t, opts, conn.Options())
	assert.Same(t, session, conn.Session())
}

func TestCreateConnectionSkipsDisabledSteps(t *testing.T) {
	session := newFakeSession()
	p := NewProvider(nil, WithDialer(&fakeDialer{session: session}))

	opts := testOptions(t, map[string]any{"passive": false, "ignorePassiveAddress": true})
	_, err := p.CreateConnection(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Login foo pass",
		"SetTimeout 1m30s",
		"ChangeDir /home/foo/upload",
		"CurrentDir",
	}, session.calls)
}

func TestCreateConnectionAnonymousLogin(t *testing.T) {
	session := newFakeSession()
	p := NewProvider(nil, WithDialer(&fakeDialer{session: session}))

	opts, err := NewConnectionOptions("ftp.example.com")
	require.NoError(t, err)
	_, err = p.CreateConnection(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, "Login anonymous anonymous@", session.calls[0])
}

func TestCreateConnectionResolvesRootWithPWD(t *testing.T) {
	session := newFakeSession()
	session.pwd = "/srv/ftp/upload"
	p := NewProvider(nil, WithDialer(&fakeDialer{session: session}))

	conn, err := p.CreateConnection(context.Background(), testOptions(t, map[string]any{"root": "upload"}))
	require.NoError(t, err)
	assert.Equal(t, "/srv/ftp/upload", conn.Root())
}

func TestCreateConnectionFallsBackToConfiguredRoot(t *testing.T) {
	session := newFakeSession()
	session.failOn("CurrentDir", errors.New("PWD not supported"))
	p := NewProvider(nil, WithDialer(&fakeDialer{session: session}))

	conn, err := p.CreateConnection(context.Background(), testOptions(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "/home/foo/upload", conn.Root())
}

func TestCreateConnectionStepFailures(t *testing.T) {
	reply := func(code int, msg string) error {
		return &ftp.ProtocolError{Command: "X", Response: msg, Code: code}
	}

	tests := []struct {
		name      string
		failOn    string
		err       error
		kind      ErrorKind
		option    string
		reply     string
		lastCall  string
		rootError bool
	}{
		{
			name:     "authenticate",
			failOn:   "Login foo pass",
			err:      reply(530, "Login incorrect"),
			kind:     UnableToAuthenticate,
			reply:    "530 Login incorrect",
			lastCall: "Login foo pass",
		},
		{
			name:     "timeout",
			failOn:   "SetTimeout 1m30s",
			err:      errors.New("deadline not supported"),
			kind:     UnableToSetFtpOption,
			option:   "timeout",
			lastCall: "SetTimeout 1m30s",
		},
		{
			name:     "utf8",
			failOn:   "SetOption UTF8 ON",
			err:      reply(501, "Option not understood"),
			kind:     UnableToEnableUtf8Mode,
			reply:    "501 Option not understood",
			lastCall: "SetOption UTF8 ON",
		},
		{
			name:     "passive",
			failOn:   "EnterPassiveMode",
			err:      reply(500, "PASV not understood"),
			kind:     UnableToMakeConnectionPassive,
			reply:    "500 PASV not understood",
			lastCall: "EnterPassiveMode",
		},
		{
			name:     "ignore passive address",
			failOn:   "SetIgnorePassiveAddress true",
			err:      errors.New("not supported"),
			kind:     UnableToSetFtpOption,
			option:   "ignorePassiveAddress",
			lastCall: "SetIgnorePassiveAddress true",
		},
		{
			name:      "root",
			failOn:    "ChangeDir /home/foo/upload",
			err:       reply(550, "No such directory"),
			kind:      UnableToConnectToFtpHost,
			reply:     "550 No such directory",
			lastCall:  "ChangeDir /home/foo/upload",
			rootError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := newFakeSession()
			session.failOn(tt.failOn, tt.err)
			p := NewProvider(zaptest.NewLogger(t), WithDialer(&fakeDialer{session: session}))

			opts := testOptions(t, map[string]any{"utf8": true, "ignorePassiveAddress": true})
			conn, err := p.CreateConnection(context.Background(), opts)
			require.Error(t, err)
			assert.Nil(t, conn)

			var ce *ConnectionError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.kind, ce.Kind)
			assert.Equal(t, tt.option, ce.Option)
			assert.Equal(t, tt.reply, ce.Reply)
			assert.Equal(t, tt.rootError, ce.RootNotFound)
			assert.ErrorIs(t, err, tt.err)

			// The failing step is the last one attempted and the session
			// is closed right after it.
			n := len(session.calls)
			require.GreaterOrEqual(t, n, 2)
			assert.Equal(t, tt.lastCall, session.calls[n-2])
			assert.Equal(t, "Quit", session.calls[n-1])
		})
	}
}

func TestCreateConnectionUTF8FailureStopsBeforePassive(t *testing.T) {
	session := newFakeSession()
	session.failOn("SetOption UTF8 ON", &ftp.ProtocolError{Command: "OPTS UTF8 ON", Response: "Unknown command", Code: 500})
	p := NewProvider(nil, WithDialer(&fakeDialer{session: session}))

	_, err := p.CreateConnection(context.Background(), testOptions(t, map[string]any{"utf8": true, "ignorePassiveAddress": true}))
	require.ErrorIs(t, err, ErrUnableToEnableUtf8Mode)
	assert.NotContains(t, session.calls, "EnterPassiveMode")
	assert.NotContains(t, session.calls, "SetIgnorePassiveAddress true")
}

func TestCreateConnectionIgnoreAddressFailureIsNotPassiveFailure(t *testing.T) {
	session := newFakeSession()
	session.failOn("SetIgnorePassiveAddress true", errors.New("unsupported"))
	p := NewProvider(nil, WithDialer(&fakeDialer{session: session}))

	_, err := p.CreateConnection(context.Background(), testOptions(t, map[string]any{"ignorePassiveAddress": true}))
	require.ErrorIs(t, err, ErrUnableToSetFtpOption)
	assert.NotErrorIs(t, err, ErrUnableToMakeConnectionPassive)
}

func TestCreateConnectionDialFailure(t *testing.T) {
	for _, ssl := range []bool{false, true} {
		dialer := &fakeDialer{err: errors.New("connection refused")}
		p := NewProvider(nil, WithDialer(dialer))

		opts := testOptions(t, map[string]any{"ssl": ssl, "port": 2121})
		_, err := p.CreateConnection(context.Background(), opts)

		var ce *ConnectionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, UnableToConnectToFtpHost, ce.Kind)
		assert.Equal(t, "ftp.example.com", ce.Host)
		assert.Equal(t, 2121, ce.Port)
		assert.Equal(t, ssl, ce.SSL)
		assert.False(t, ce.RootNotFound)
		assert.True(t, IsTransient(err))
	}
}

func TestCreateConnectionRejectsInvalidOptions(t *testing.T) {
	dialer := &fakeDialer{session: newFakeSession()}
	p := NewProvider(nil, WithDialer(dialer))

	_, err := p.CreateConnection(context.Background(), ConnectionOptions{Host: "ftp.example.com"})
	require.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.Zero(t, KindOf(err))
	assert.Zero(t, dialer.dials)
}

func TestAuthenticationErrorOmitsPassword(t *testing.T) {
	session := newFakeSession()
	session.failOn("Login foo s3cret-pw", &ftp.ProtocolError{Command: "PASS", Response: "Login incorrect", Code: 530})
	p := NewProvider(nil, WithDialer(&fakeDialer{session: session}))

	_, err := p.CreateConnection(context.Background(), testOptions(t, map[string]any{"password": "s3cret-pw"}))
	require.ErrorIs(t, err, ErrUnableToAuthenticate)
	assert.False(t, strings.Contains(err.Error(), "s3cret-pw"), err.Error())
}

func TestBootstrapStepsFormChain(t *testing.T) {
	state := StateUnconnected
	for _, s := range steps {
		assert.Equal(t, state, s.from, "step %s", s.name)
		assert.GreaterOrEqual(t, s.to, s.from, "step %s", s.name)
		state = s.to
	}
	assert.Equal(t, StateReady, state)
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	session := newFakeSession()
	conn := &Connection{session: session}

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, []string{"Quit"}, session.calls)
}
