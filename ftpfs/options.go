package ftpfs

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap/zapcore"
)

// Defaults applied by OptionsFromMap and NewConnectionOptions.
const (
	DefaultPort         = 21
	DefaultTimeout      = 90
	DefaultRoot         = "/"
	DefaultTransferMode = TransferModeBinary

	// ImplicitTLSPort is the port convention for implicit FTPS. Any other
	// port negotiates TLS explicitly with AUTH TLS.
	ImplicitTLSPort = 990
)

// Transfer modes accepted by the transferMode option.
const (
	TransferModeBinary = "binary"
	TransferModeASCII  = "ascii"
)

// ConnectionOptions describes how to reach and configure one FTP session.
//
// Values built by OptionsFromMap or NewConnectionOptions are validated and
// must be treated as read-only; they are safe to share between goroutines.
type ConnectionOptions struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	SSL      bool   `mapstructure:"ssl"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Root     string `mapstructure:"root"`
	UTF8     bool   `mapstructure:"utf8"`
	Passive  bool   `mapstructure:"passive"`

	// IgnorePassiveAddress only has an effect when Passive is set.
	IgnorePassiveAddress bool `mapstructure:"ignorePassiveAddress"`

	// Timeout is the control channel I/O timeout in seconds.
	Timeout int `mapstructure:"timeout"`

	TransferMode          string `mapstructure:"transferMode"`
	TLSInsecureSkipVerify bool   `mapstructure:"tlsInsecureSkipVerify"`
}

// OptionKeys returns the option names OptionsFromMap accepts, in field
// order.
func OptionKeys() []string {
	t := reflect.TypeOf(ConnectionOptions{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		keys = append(keys, t.Field(i).Tag.Get("mapstructure"))
	}
	return keys
}

func optionKind(key string) (reflect.Kind, bool) {
	t := reflect.TypeOf(ConnectionOptions{})
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("mapstructure") == key {
			return t.Field(i).Type.Kind(), true
		}
	}
	return reflect.Invalid, false
}

// ParseOption converts the textual value of key, as found in environment
// variables, into the type OptionsFromMap expects for it.
func ParseOption(key, value string) (any, error) {
	kind, ok := optionKind(key)
	if !ok {
		return nil, &ConfigurationError{Key: key, Reason: "unknown option"}
	}
	switch kind {
	case reflect.Int:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, &ConfigurationError{Key: key, Reason: fmt.Sprintf("expected an integer, got %q", value)}
		}
		return n, nil
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return nil, &ConfigurationError{Key: key, Reason: fmt.Sprintf("expected a boolean, got %q", value)}
		}
		return b, nil
	}
	return value, nil
}

func defaultOptions() ConnectionOptions {
	return ConnectionOptions{
		Port:         DefaultPort,
		Root:         DefaultRoot,
		Passive:      true,
		Timeout:      DefaultTimeout,
		TransferMode: DefaultTransferMode,
	}
}

// NewConnectionOptions returns the default options for host.
func NewConnectionOptions(host string) (ConnectionOptions, error) {
	opts := defaultOptions()
	opts.Host = host
	if err := opts.Validate(); err != nil {
		return ConnectionOptions{}, err
	}
	return opts, nil
}

// OptionsFromMap builds validated options from a flat configuration map
// keyed by the option names (host, port, ssl, username, password, root,
// utf8, passive, ignorePassiveAddress, timeout, transferMode,
// tlsInsecureSkipVerify). Keys are case sensitive. Unknown keys, values of
// the wrong type and out-of-range values are rejected with a
// *ConfigurationError; no network I/O happens here.
func OptionsFromMap(raw map[string]any) (ConnectionOptions, error) {
	opts := defaultOptions()

	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &opts,
		Metadata:   &md,
		DecodeHook: rejectFractional,
		MatchName: func(mapKey, fieldName string) bool {
			return mapKey == fieldName
		},
	})
	if err != nil {
		return ConnectionOptions{}, &ConfigurationError{Reason: "building decoder", Err: err}
	}

	if err := decoder.Decode(raw); err != nil {
		return ConnectionOptions{}, &ConfigurationError{Reason: "decoding options", Err: err}
	}

	if len(md.Unused) > 0 {
		sort.Strings(md.Unused)
		return ConnectionOptions{}, &ConfigurationError{Key: md.Unused[0], Reason: "unknown option"}
	}

	if err := opts.Validate(); err != nil {
		return ConnectionOptions{}, err
	}
	return opts, nil
}

// rejectFractional stops the decoder from truncating 21.5 into 21.
func rejectFractional(from, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Int {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Float32, reflect.Float64:
		f := reflect.ValueOf(data).Float()
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("expected an integer, got %v", f)
		}
	}
	return data, nil
}

// Validate checks every option value.
func (o ConnectionOptions) Validate() error {
	// These values end up in FTP commands.
	for _, f := range []struct{ key, value string }{
		{"host", o.Host},
		{"username", o.Username},
		{"password", o.Password},
		{"root", o.Root},
	} {
		if hasControl(f.value) {
			return &ConfigurationError{Key: f.key, Reason: "must not contain control characters"}
		}
	}

	switch {
	case o.Host == "":
		return &ConfigurationError{Key: "host", Reason: "is required"}
	case o.Port < 1 || o.Port > 65535:
		return &ConfigurationError{Key: "port", Reason: "must be between 1 and 65535, got " + strconv.Itoa(o.Port)}
	case o.Root == "":
		return &ConfigurationError{Key: "root", Reason: "must not be empty"}
	case o.Timeout <= 0:
		return &ConfigurationError{Key: "timeout", Reason: "must be a positive number of seconds, got " + strconv.Itoa(o.Timeout)}
	case o.TransferMode != TransferModeBinary && o.TransferMode != TransferModeASCII:
		return &ConfigurationError{Key: "transferMode", Reason: fmt.Sprintf("must be %q or %q, got %q", TransferModeBinary, TransferModeASCII, o.TransferMode)}
	}
	return nil
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return r < 0x20 || r == 0x7f
	}) >= 0
}

// Address returns host:port.
func (o ConnectionOptions) Address() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// TimeoutDuration returns Timeout as a time.Duration.
func (o ConnectionOptions) TimeoutDuration() time.Duration {
	return time.Duration(o.Timeout) * time.Second
}

// ImplicitTLS reports whether SSL uses implicit TLS (port 990).
func (o ConnectionOptions) ImplicitTLS() bool {
	return o.SSL && o.Port == ImplicitTLSPort
}

// MarshalLogObject implements zapcore.ObjectMarshaler. The password is never
// logged.
func (o ConnectionOptions) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("host", o.Host)
	enc.AddInt("port", o.Port)
	enc.AddBool("ssl", o.SSL)
	enc.AddString("username", o.Username)
	enc.AddString("root", o.Root)
	enc.AddBool("utf8", o.UTF8)
	enc.AddBool("passive", o.Passive)
	enc.AddBool("ignorePassiveAddress", o.IgnorePassiveAddress)
	enc.AddInt("timeout", o.Timeout)
	enc.AddString("transferMode", o.TransferMode)
	return nil
}
