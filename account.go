package o2gate

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// DefaultIdentity names the account used when no mapping matches
const DefaultIdentity = "default"

// ProviderMode selects wire-format differences between OAuth2 mail providers
type ProviderMode string

const (
	ProviderStandard  ProviderMode = "standard"
	ProviderMicrosoft ProviderMode = "microsoft"
)

// offlineAccessScope is requested from Microsoft but never persisted
const offlineAccessScope = "offline_access"

// inferProvider picks the Microsoft variant when any scope targets an
// Office 365 resource
func inferProvider(scopes []string) ProviderMode {
	for _, s := range scopes {
		s = strings.ToLower(s)
		if strings.Contains(s, "outlook.office") || strings.Contains(s, "office365") {
			return ProviderMicrosoft
		}
	}
	return ProviderStandard
}

// Endpoint is a remote mail server address
type Endpoint struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// StartTLS connects in plaintext and upgrades with STARTTLS. An SMTP
	// endpoint on the submission port always does.
	StartTLS bool `mapstructure:"starttls" yaml:"starttls"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ClientConfig is an OAuth client registration plus the remote servers its
// accounts talk to
type ClientConfig struct {
	ClientID     string       `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string       `mapstructure:"client_secret" yaml:"client_secret"`
	SecretFile   string       `mapstructure:"secret_file" yaml:"secret_file"`
	Scopes       []string     `mapstructure:"scopes" yaml:"scopes"`
	Provider     ProviderMode `mapstructure:"provider" yaml:"provider"`
	Tenant       string       `mapstructure:"tenant" yaml:"tenant"`
	RedirectPort int          `mapstructure:"redirect_port" yaml:"redirect_port"`
	AuthURL      string       `mapstructure:"auth_url" yaml:"auth_url"`
	TokenURL     string       `mapstructure:"token_url" yaml:"token_url"`
	POP3         Endpoint     `mapstructure:"pop3" yaml:"pop3"`
	IMAP         Endpoint     `mapstructure:"imap" yaml:"imap"`
	SMTP         Endpoint     `mapstructure:"smtp" yaml:"smtp"`
}

// Account is the resolved configuration for one mail identity. It is
// immutable for the life of a session.
type Account struct {
	Identity string
	ClientConfig
}

// Mode returns the provider mode, inferring it from the scopes when unset
func (a *Account) Mode() ProviderMode {
	if a.Provider != "" {
		return a.Provider
	}
	return inferProvider(a.Scopes)
}

// Remote returns the remote endpoint for proto
func (a *Account) Remote(proto Protocol) Endpoint {
	switch proto {
	case ProtoPOP3:
		return a.POP3
	case ProtoIMAP:
		return a.IMAP
	default:
		return a.SMTP
	}
}

// OAuth2Config builds the oauth2 configuration for the account
func (a *Account) OAuth2Config() *oauth2.Config {
	cfg := &oauth2.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		Scopes:       append([]string(nil), a.Scopes...),
	}
	if a.Mode() == ProviderMicrosoft {
		tenant := a.Tenant
		if tenant == "" {
			tenant = "common"
		}
		cfg.Endpoint = microsoft.AzureADEndpoint(tenant)
	} else {
		cfg.Endpoint = google.Endpoint
	}
	if a.AuthURL != "" {
		cfg.Endpoint.AuthURL = a.AuthURL
	}
	if a.TokenURL != "" {
		cfg.Endpoint.TokenURL = a.TokenURL
	}
	return cfg
}

// persistedScopes returns the scope list stored with a credential record
func (a *Account) persistedScopes() []string {
	scopes := make([]string, 0, len(a.Scopes))
	for _, s := range a.Scopes {
		if a.Mode() == ProviderMicrosoft && s == offlineAccessScope {
			continue
		}
		scopes = append(scopes, s)
	}
	return scopes
}

// withDefaults fills unset remote endpoints and scopes for the provider
func (c ClientConfig) withDefaults() ClientConfig {
	mode := c.Provider
	if mode == "" {
		mode = inferProvider(c.Scopes)
	}
	var pop3, imap, smtp Endpoint
	var scopes []string
	if mode == ProviderMicrosoft {
		pop3 = Endpoint{Host: "outlook.office365.com", Port: 995}
		imap = Endpoint{Host: "outlook.office365.com", Port: 993}
		smtp = Endpoint{Host: "smtp.office365.com", Port: submissionPort, StartTLS: true}
		scopes = []string{
			"https://outlook.office.com/POP.AccessAsUser.All",
			"https://outlook.office.com/IMAP.AccessAsUser.All",
			"https://outlook.office.com/SMTP.Send",
			offlineAccessScope,
		}
	} else {
		pop3 = Endpoint{Host: "pop.gmail.com", Port: 995}
		imap = Endpoint{Host: "imap.gmail.com", Port: 993}
		smtp = Endpoint{Host: "smtp.gmail.com", Port: 465}
		scopes = []string{"https://mail.google.com/"}
	}
	if c.POP3.Host == "" {
		c.POP3 = pop3
	}
	if c.IMAP.Host == "" {
		c.IMAP = imap
	}
	if c.SMTP.Host == "" {
		c.SMTP = smtp
	}
	if c.SMTP.Port == submissionPort {
		c.SMTP.StartTLS = true
	}
	if len(c.Scopes) == 0 {
		c.Scopes = scopes
	}
	return c
}

// loadSecretFile fills the client id and secret from a Google-style client
// secret JSON file ("installed" or "web" application)
func (c *ClientConfig) loadSecretFile() error {
	if c.SecretFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.SecretFile)
	if err != nil {
		return fmt.Errorf("reading client secret file %s: %w", c.SecretFile, err)
	}
	var file map[string]struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		AuthURI      string `json:"auth_uri"`
		TokenURI     string `json:"token_uri"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing client secret file %s: %w", c.SecretFile, err)
	}
	for _, kind := range []string{"installed", "web"} {
		entry, ok := file[kind]
		if !ok {
			continue
		}
		c.ClientID, c.ClientSecret = entry.ClientID, entry.ClientSecret
		if c.AuthURL == "" {
			c.AuthURL = entry.AuthURI
		}
		if c.TokenURL == "" {
			c.TokenURL = entry.TokenURI
		}
		return nil
	}
	return fmt.Errorf("client secret file %s: no installed or web client", c.SecretFile)
}

// AccountBook resolves mail identities to accounts: an exact email mapping
// to a named client configuration, falling back to the default client.
type AccountBook struct {
	clients map[string]ClientConfig
	mapping map[string]string
}

// NewAccountBook builds a book from named client configurations and an
// email to client-name mapping. clients must contain DefaultIdentity.
func NewAccountBook(clients map[string]ClientConfig, mapping map[string]string) (*AccountBook, error) {
	if _, ok := clients[DefaultIdentity]; !ok {
		return nil, fmt.Errorf("o2gate: no %q client configured", DefaultIdentity)
	}
	b := &AccountBook{
		clients: make(map[string]ClientConfig, len(clients)),
		mapping: make(map[string]string, len(mapping)),
	}
	for name, c := range clients {
		if err := c.loadSecretFile(); err != nil {
			return nil, err
		}
		b.clients[strings.ToLower(name)] = c.withDefaults()
	}
	for email, name := range mapping {
		name = strings.ToLower(name)
		if _, ok := b.clients[name]; !ok {
			return nil, fmt.Errorf("o2gate: account %s maps to unknown client %q", email, name)
		}
		b.mapping[strings.ToLower(email)] = name
	}
	return b, nil
}

// Resolve returns the account for identity. Unmapped identities use the
// default client; an empty identity resolves to DefaultIdentity.
func (b *AccountBook) Resolve(identity string) *Account {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = DefaultIdentity
	}
	name, ok := b.mapping[strings.ToLower(identity)]
	if !ok {
		name = DefaultIdentity
	}
	return &Account{Identity: identity, ClientConfig: b.clients[name]}
}
