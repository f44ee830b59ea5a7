package o2gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/oauth2"
)

// ErrNoCredential is returned by a CredentialBackend with nothing stored for
// an identity
var ErrNoCredential = errors.New("o2gate: no stored credential")

// CredentialRecord is the cached token material for one account. Client id
// and secret are replaced by redactedSecret whenever the record is
// persisted and restored from the live Account on load.
type CredentialRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	Scopes       []string  `json:"scopes"`
}

const redactedSecret = "*"

func (r *CredentialRecord) token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Expiry:       r.Expiry,
	}
}

// redact returns a copy safe to persist
func (r *CredentialRecord) redact() *CredentialRecord {
	out := *r
	out.ClientID = redactedSecret
	out.ClientSecret = redactedSecret
	out.Scopes = append([]string(nil), r.Scopes...)
	return &out
}

func newCredentialRecord(tok *oauth2.Token, acct *Account) *CredentialRecord {
	return &CredentialRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		ClientID:     acct.ClientID,
		ClientSecret: acct.ClientSecret,
		Scopes:       acct.persistedScopes(),
	}
}

// CredentialBackend persists credential records keyed by account identity
type CredentialBackend interface {
	Load(identity string) (*CredentialRecord, error)
	Save(identity string, rec *CredentialRecord) error
	Delete(identity string) error
}

// Authorizer runs the interactive authorization-code flow for an account
// and returns the resulting token
type Authorizer interface {
	Authorize(ctx context.Context, cfg *oauth2.Config, loginHint string, redirectPort int) (*oauth2.Token, error)
}

// CredentialStore implements TokenProvider: cached tokens are returned
// while valid, refreshed when expired, and obtained interactively otherwise.
type CredentialStore struct {
	accounts   *AccountBook
	backend    CredentialBackend
	authorizer Authorizer

	mu sync.Mutex
}

// NewCredentialStore returns a store resolving accounts through accounts and
// persisting records in backend.
func NewCredentialStore(accounts *AccountBook, backend CredentialBackend, authorizer Authorizer) *CredentialStore {
	return &CredentialStore{
		accounts:   accounts,
		backend:    backend,
		authorizer: authorizer,
	}
}

// GetToken returns a valid access token for identity. loginHint is passed to
// the consent page when an interactive authorization is needed. Errors are
// never retried here.
func (s *CredentialStore) GetToken(ctx context.Context, identity, loginHint string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.accounts.Resolve(identity)
	cfg := acct.OAuth2Config()

	rec, err := s.load(acct)
	if err != nil && !errors.Is(err, ErrNoCredential) {
		return "", err
	}

	if rec != nil {
		tok := rec.token()
		if tok.Valid() {
			return tok.AccessToken, nil
		}
		if tok.RefreshToken != "" {
			debugLog(-1, protoNone, "refreshing token", "identity", acct.Identity)
			fresh, err := cfg.TokenSource(ctx, tok).Token()
			if err != nil {
				return "", fmt.Errorf("refreshing token for %s: %w", acct.Identity, err)
			}
			return s.store(acct, fresh)
		}
	}

	if s.authorizer == nil {
		return "", fmt.Errorf("no usable credential for %s and no authorizer configured", acct.Identity)
	}
	if loginHint == "" {
		loginHint = acct.Identity
	}
	infoLog(-1, protoNone, "starting interactive authorization", "identity", acct.Identity)
	tok, err := s.authorizer.Authorize(ctx, cfg, loginHint, acct.RedirectPort)
	if err != nil {
		return "", fmt.Errorf("authorizing %s: %w", acct.Identity, err)
	}
	return s.store(acct, tok)
}

// Reset drops the cached credential for identity, forcing a fresh
// authorization on next use
func (s *CredentialStore) Reset(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts.Resolve(identity)
	err := s.backend.Delete(acct.Identity)
	if errors.Is(err, ErrNoCredential) {
		return nil
	}
	return err
}

// load reads a record and restores the live client secrets into it
func (s *CredentialStore) load(acct *Account) (*CredentialRecord, error) {
	rec, err := s.backend.Load(acct.Identity)
	if err != nil {
		return nil, err
	}
	rec.ClientID = acct.ClientID
	rec.ClientSecret = acct.ClientSecret
	if Verbose {
		debugLog(-1, protoNone, "loaded credential", "identity", acct.Identity, "record", spew.Sdump(rec.redact()))
	}
	return rec, nil
}

func (s *CredentialStore) store(acct *Account, tok *oauth2.Token) (string, error) {
	rec := newCredentialRecord(tok, acct)
	if err := s.backend.Save(acct.Identity, rec.redact()); err != nil {
		return "", fmt.Errorf("saving credential for %s: %w", acct.Identity, err)
	}
	return tok.AccessToken, nil
}
