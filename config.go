package o2gate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/viper"
)

// ListenerSettings enables one local protocol listener
type ListenerSettings struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// PolicySettings is the stored form of Policy. Lists are free text.
type PolicySettings struct {
	BlockList    string `mapstructure:"block_list" yaml:"block_list"`
	ToCcMax      int    `mapstructure:"to_cc_max" yaml:"to_cc_max"`
	ToCcExclude  string `mapstructure:"to_cc_exclude" yaml:"to_cc_exclude"`
	RemoveHeader bool   `mapstructure:"remove_header" yaml:"remove_header"`
	// SendDelay is in seconds
	SendDelay           int  `mapstructure:"send_delay" yaml:"send_delay"`
	RewriteEnvelopeFrom bool `mapstructure:"rewrite_envelope_from" yaml:"rewrite_envelope_from"`
	StripCompression    bool `mapstructure:"strip_compression" yaml:"strip_compression"`
}

// AccountMapping routes one email address to a named client configuration
type AccountMapping struct {
	Email  string `mapstructure:"email" yaml:"email"`
	Client string `mapstructure:"client" yaml:"client"`
}

// CredentialSettings selects where credential records are persisted
type CredentialSettings struct {
	// Backend is "keyring" or "sqlite"
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path is the keyring file directory or the sqlite database file
	Path string `mapstructure:"path" yaml:"path"`
}

// Settings is the gateway configuration file
type Settings struct {
	ListenHost string `mapstructure:"listen_host" yaml:"listen_host"`
	// Email fixes the account identity for every connection
	Email      string  `mapstructure:"email" yaml:"email"`
	Verbose    bool    `mapstructure:"verbose" yaml:"verbose"`
	CAFile     string  `mapstructure:"ca_file" yaml:"ca_file"`
	AcceptRate float64 `mapstructure:"accept_rate" yaml:"accept_rate"`

	POP3 ListenerSettings `mapstructure:"pop3" yaml:"pop3"`
	IMAP ListenerSettings `mapstructure:"imap" yaml:"imap"`
	SMTP ListenerSettings `mapstructure:"smtp" yaml:"smtp"`

	Policy      PolicySettings          `mapstructure:"policy" yaml:"policy"`
	Clients     map[string]ClientConfig `mapstructure:"clients" yaml:"clients"`
	Accounts    []AccountMapping        `mapstructure:"accounts" yaml:"accounts"`
	Credentials CredentialSettings      `mapstructure:"credentials" yaml:"credentials"`
}

// Listeners is the set of local ports to serve; a zero port is disabled
type Listeners struct {
	Host string
	POP3 int
	IMAP int
	SMTP int
}

const (
	BackendKeyring = "keyring"
	BackendSQLite  = "sqlite"
)

// DefaultSettingsDir returns ~/.config/o2gate, or the working directory when
// no home is known
func DefaultSettingsDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "o2gate")
}

// DefaultSettingsPath returns the settings file under DefaultSettingsDir
func DefaultSettingsPath() string {
	return filepath.Join(DefaultSettingsDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_host", "127.0.0.1")
	v.SetDefault("pop3.enabled", true)
	v.SetDefault("pop3.port", DefaultPOP3Port)
	v.SetDefault("imap.enabled", true)
	v.SetDefault("imap.port", DefaultIMAPPort)
	v.SetDefault("smtp.enabled", true)
	v.SetDefault("smtp.port", DefaultSMTPPort)
	v.SetDefault("policy.to_cc_max", 10)
	v.SetDefault("policy.send_delay", 5)
	v.SetDefault("credentials.backend", BackendKeyring)
	v.SetDefault("credentials.path", DefaultSettingsDir())
	v.SetDefault("verbose", false)
	v.SetDefault("email", "")
	v.SetDefault("ca_file", "")
	v.SetDefault("accept_rate", 0)
}

// LoadSettings reads the settings file at path. A missing file yields the
// defaults. O2GATE_* environment variables override file values, with
// nested keys joined by underscores (O2GATE_SMTP_PORT).
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	setDefaults(v)
	v.SetEnvPrefix("O2GATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading settings %s: %w", path, err)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", path, err)
	}
	if len(s.Clients) == 0 {
		s.Clients = map[string]ClientConfig{DefaultIdentity: {}}
	}
	return s, nil
}

// SaveSettings writes s to path, creating parent directories as needed
func SaveSettings(path string, s *Settings) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating settings directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	v.Set("listen_host", s.ListenHost)
	v.Set("email", s.Email)
	v.Set("verbose", s.Verbose)
	v.Set("ca_file", s.CAFile)
	v.Set("accept_rate", s.AcceptRate)
	v.Set("pop3", s.POP3)
	v.Set("imap", s.IMAP)
	v.Set("smtp", s.SMTP)
	v.Set("policy", s.Policy)
	v.Set("clients", s.Clients)
	v.Set("accounts", s.Accounts)
	v.Set("credentials", s.Credentials)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing settings to %s: %w", path, err)
	}
	return nil
}

// OutboundPolicy converts the stored policy settings
func (s *Settings) OutboundPolicy() Policy {
	return Policy{
		BlockList:           ParseRules(s.Policy.BlockList),
		ToCcMax:             s.Policy.ToCcMax,
		ToCcExclude:         ParseRules(s.Policy.ToCcExclude),
		SendDelay:           time.Duration(s.Policy.SendDelay) * time.Second,
		RemoveHeader:        s.Policy.RemoveHeader,
		RewriteEnvelopeFrom: s.Policy.RewriteEnvelopeFrom,
	}
}

// AccountBook builds the account resolver from the client and mapping
// sections
func (s *Settings) AccountBook() (*AccountBook, error) {
	mapping := make(map[string]string, len(s.Accounts))
	for _, m := range s.Accounts {
		mapping[m.Email] = m.Client
	}
	return NewAccountBook(s.Clients, mapping)
}

// Listeners returns the enabled local ports
func (s *Settings) Listeners() Listeners {
	l := Listeners{Host: s.ListenHost}
	if s.POP3.Enabled {
		l.POP3 = s.POP3.Port
	}
	if s.IMAP.Enabled {
		l.IMAP = s.IMAP.Port
	}
	if s.SMTP.Enabled {
		l.SMTP = s.SMTP.Port
	}
	return l
}

// OpenCredentials opens the configured credential backend. The returned
// close function releases it.
func (s *Settings) OpenCredentials() (CredentialBackend, func() error, error) {
	switch strings.ToLower(s.Credentials.Backend) {
	case "", BackendKeyring:
		ring, err := OpenKeyring(s.Credentials.Path)
		if err != nil {
			return nil, nil, err
		}
		return NewKeyringBackend(ring), func() error { return nil }, nil
	case BackendSQLite:
		path := s.Credentials.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "credentials.db")
		}
		b, err := NewSQLiteBackend(path)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	}
	return nil, nil, fmt.Errorf("o2gate: unknown credential backend %q", s.Credentials.Backend)
}

// Redacted returns a copy with client secrets masked
func (s *Settings) Redacted() *Settings {
	out := *s
	out.Clients = make(map[string]ClientConfig, len(s.Clients))
	for name, c := range s.Clients {
		if c.ClientSecret != "" {
			c.ClientSecret = redacted
		}
		out.Clients[name] = c
	}
	out.Accounts = append([]AccountMapping(nil), s.Accounts...)
	return &out
}

// Dump renders the redacted settings for debug output
func (s *Settings) Dump() string {
	return spew.Sdump(s.Redacted())
}

// NewGatewayFromSettings builds a gateway from loaded settings. tokens
// supplies bearer tokens and delay holds outbound messages; delay may be
// nil.
func NewGatewayFromSettings(s *Settings, tokens TokenProvider, delay Delayer) (*Gateway, error) {
	book, err := s.AccountBook()
	if err != nil {
		return nil, err
	}
	dialer, err := NewTLSDialer(s.CAFile)
	if err != nil {
		return nil, err
	}
	return NewGateway(Config{
		Accounts:         book,
		Tokens:           tokens,
		Policy:           s.OutboundPolicy(),
		Delay:            delay,
		Dialer:           dialer,
		Identity:         s.Email,
		StripCompression: s.Policy.StripCompression,
		AcceptRate:       s.AcceptRate,
	})
}
