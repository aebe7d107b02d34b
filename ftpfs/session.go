package ftpfs

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gonzalop/filestore/ftp"
)

// Session is the set of control channel primitives the provider and the
// filesystem adapter drive. *ftp.Client implements it; tests substitute
// fakes.
type Session interface {
	Login(username, password string) error
	SetTimeout(timeout time.Duration) error
	SetOption(option, value string) error
	EnterPassiveMode() error
	SetIgnorePassiveAddress(ignore bool) error
	ChangeDir(path string) error
	CurrentDir() (string, error)

	Store(path string, r io.Reader) error
	Retrieve(path string, w io.Writer) error
	List(path string) ([]*ftp.Entry, error)
	NameList(path string) ([]string, error)
	Size(path string) (int64, error)
	Delete(path string) error
	MakeDir(path string) error
	Noop() error
	Features() (map[string]string, error)
	Quit() error
}

var _ Session = (*ftp.Client)(nil)

// Dialer opens the transport for a session: TCP, TLS when requested and the
// server greeting. It must return a nil Session on error.
type Dialer interface {
	Dial(ctx context.Context, opts ConnectionOptions) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, opts ConnectionOptions) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, opts ConnectionOptions) (Session, error) {
	return f(ctx, opts)
}

// NetDialer dials real servers with package ftp.
type NetDialer struct {
	Logger *zap.Logger

	// TLSConfig is cloned for every dial when opts.SSL is set. ServerName
	// defaults to the option host.
	TLSConfig *tls.Config
}

func (d *NetDialer) Dial(ctx context.Context, opts ConnectionOptions) (Session, error) {
	ftpOpts := []ftp.Option{
		ftp.WithTimeout(opts.TimeoutDuration()),
		ftp.WithTransferType(transferType(opts.TransferMode)),
	}
	if d.Logger != nil {
		ftpOpts = append(ftpOpts, ftp.WithLogger(d.Logger))
	}
	if !opts.Passive {
		ftpOpts = append(ftpOpts, ftp.WithActiveMode())
	}
	if opts.SSL {
		cfg := d.tlsConfig(opts)
		if opts.ImplicitTLS() {
			ftpOpts = append(ftpOpts, ftp.WithImplicitTLS(cfg))
		} else {
			ftpOpts = append(ftpOpts, ftp.WithExplicitTLS(cfg))
		}
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	client, err := ftp.DialContext(ctx, addr, ftpOpts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (d *NetDialer) tlsConfig(opts ConnectionOptions) *tls.Config {
	var cfg *tls.Config
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = opts.Host
	}
	if opts.TLSInsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

func transferType(mode string) string {
	if mode == TransferModeASCII {
		return ftp.TypeASCII
	}
	return ftp.TypeBinary
}
