package o2gate

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const keyringService = "o2gate"

// OpenKeyring opens the system keyring, falling back to an encrypted file
// keyring under dir.
func OpenKeyring(dir string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("o2gate-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// KeyringBackend stores credential records as JSON keyring items
type KeyringBackend struct {
	ring keyring.Keyring
}

// NewKeyringBackend wraps an open keyring
func NewKeyringBackend(ring keyring.Keyring) *KeyringBackend {
	return &KeyringBackend{ring: ring}
}

func keyringKey(identity string) string {
	return "token-" + identity
}

// Load implements CredentialBackend
func (b *KeyringBackend) Load(identity string) (*CredentialRecord, error) {
	item, err := b.ring.Get(keyringKey(identity))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", identity, err)
	}
	var rec CredentialRecord
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return nil, fmt.Errorf("decoding credential %q: %w", identity, err)
	}
	return &rec, nil
}

// Save implements CredentialBackend
func (b *KeyringBackend) Save(identity string, rec *CredentialRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding credential %q: %w", identity, err)
	}
	err = b.ring.Set(keyring.Item{
		Key:         keyringKey(identity),
		Data:        data,
		Label:       "o2gate OAuth2 token for " + identity,
		Description: "OAuth2 credential",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", identity, err)
	}
	return nil
}

// Delete implements CredentialBackend
func (b *KeyringBackend) Delete(identity string) error {
	// some backends report success for a missing key
	if _, err := b.ring.Get(keyringKey(identity)); errors.Is(err, keyring.ErrKeyNotFound) {
		return ErrNoCredential
	}
	err := b.ring.Remove(keyringKey(identity))
	if errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, os.ErrNotExist) {
		return ErrNoCredential
	}
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", identity, err)
	}
	return nil
}

// credentialSchema creates the credential table; version 1
const credentialSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	identity   TEXT PRIMARY KEY,
	record     TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// SQLiteBackend stores credential records in a local SQLite database
type SQLiteBackend struct {
	db *sqlx.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath. Use ":memory:"
// for a throwaway store.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("creating credential directory: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(credentialSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating credential table: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Close closes the underlying database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// Load implements CredentialBackend
func (b *SQLiteBackend) Load(identity string) (*CredentialRecord, error) {
	var raw string
	err := b.db.Get(&raw, "SELECT record FROM credentials WHERE identity = ?", identity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential %q: %w", identity, err)
	}
	var rec CredentialRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding credential %q: %w", identity, err)
	}
	return &rec, nil
}

// Save implements CredentialBackend
func (b *SQLiteBackend) Save(identity string, rec *CredentialRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding credential %q: %w", identity, err)
	}
	_, err = b.db.Exec(`
INSERT INTO credentials (identity, record, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(identity) DO UPDATE SET record = excluded.record, updated_at = CURRENT_TIMESTAMP`,
		identity, string(data))
	if err != nil {
		return fmt.Errorf("saving credential %q: %w", identity, err)
	}
	return nil
}

// Delete implements CredentialBackend
func (b *SQLiteBackend) Delete(identity string) error {
	res, err := b.db.Exec("DELETE FROM credentials WHERE identity = ?", identity)
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", identity, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoCredential
	}
	return nil
}
