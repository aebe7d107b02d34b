package ftpfs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gonzalop/filestore/ftp"
)

// ErrorKind identifies which bootstrap step failed.
type ErrorKind int

// The closed set of connection failure kinds.
const (
	UnableToConnectToFtpHost ErrorKind = iota + 1
	UnableToAuthenticate
	UnableToEnableUtf8Mode
	UnableToMakeConnectionPassive
	UnableToSetFtpOption
)

func (k ErrorKind) String() string {
	switch k {
	case UnableToConnectToFtpHost:
		return "UnableToConnectToFtpHost"
	case UnableToAuthenticate:
		return "UnableToAuthenticate"
	case UnableToEnableUtf8Mode:
		return "UnableToEnableUtf8Mode"
	case UnableToMakeConnectionPassive:
		return "UnableToMakeConnectionPassive"
	case UnableToSetFtpOption:
		return "UnableToSetFtpOption"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinels for errors.Is. They match any *ConnectionError of the same kind.
var (
	ErrUnableToConnectToFtpHost      = &ConnectionError{Kind: UnableToConnectToFtpHost}
	ErrUnableToAuthenticate          = &ConnectionError{Kind: UnableToAuthenticate}
	ErrUnableToEnableUtf8Mode        = &ConnectionError{Kind: UnableToEnableUtf8Mode}
	ErrUnableToMakeConnectionPassive = &ConnectionError{Kind: UnableToMakeConnectionPassive}
	ErrUnableToSetFtpOption          = &ConnectionError{Kind: UnableToSetFtpOption}
)

// ConnectionError reports a failed bootstrap step. Only the fields relevant
// to Kind are set; the password is never recorded.
type ConnectionError struct {
	Kind ErrorKind

	Host string
	Port int
	SSL  bool

	// Username is set for UnableToAuthenticate.
	Username string

	// Option names the option for UnableToSetFtpOption.
	Option string

	// Reply is the raw server reply, when the server sent one.
	Reply string

	// Root and RootNotFound are set when the root directory could not be
	// entered. The kind is UnableToConnectToFtpHost in that case.
	Root         string
	RootNotFound bool

	Err error
}

func (e *ConnectionError) Error() string {
	var b strings.Builder
	b.WriteString("ftpfs: ")
	switch e.Kind {
	case UnableToConnectToFtpHost:
		if e.RootNotFound {
			fmt.Fprintf(&b, "root directory %q does not exist on %s:%d", e.Root, e.Host, e.Port)
		} else {
			fmt.Fprintf(&b, "unable to connect to FTP host %s:%d (ssl: %t)", e.Host, e.Port, e.SSL)
		}
	case UnableToAuthenticate:
		fmt.Fprintf(&b, "unable to authenticate as %q", e.Username)
	case UnableToEnableUtf8Mode:
		b.WriteString("unable to enable UTF-8 mode")
	case UnableToMakeConnectionPassive:
		fmt.Fprintf(&b, "unable to make connection to %s:%d passive", e.Host, e.Port)
	case UnableToSetFtpOption:
		fmt.Fprintf(&b, "unable to set FTP option %s", e.Option)
	default:
		b.WriteString(e.Kind.String())
	}

	switch {
	case e.Reply != "":
		b.WriteString(": ")
		b.WriteString(e.Reply)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels such as ErrUnableToAuthenticate.
func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// ErrInvalidConfiguration matches every *ConfigurationError.
var ErrInvalidConfiguration = errors.New("ftpfs: invalid configuration")

// ConfigurationError reports options that were rejected before any network
// I/O took place.
type ConfigurationError struct {
	// Key is the offending option, empty when the input as a whole was
	// unusable.
	Key    string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "ftpfs: invalid configuration"
	if e.Key != "" {
		msg += ": " + e.Key
	}
	if e.Reason != "" {
		msg += " " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// KindOf returns the kind of a *ConnectionError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

// IsTransient reports whether a failed bootstrap is worth retrying: the
// transport could not be established. Authentication, option and missing
// root failures are permanent.
func IsTransient(err error) bool {
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == UnableToConnectToFtpHost && !ce.RootNotFound
}

// replyOf extracts the raw server reply from a protocol client error.
func replyOf(err error) string {
	var pe *ftp.ProtocolError
	if errors.As(err, &pe) {
		return pe.Reply()
	}
	return ""
}
