// Package walletstore is an encrypted credential store on SQLite. Every row is
// sealed with the wallet key, and a sealed canary decides whether a key opens
// the store.
package walletstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"

	"github.com/layer-3/pidwallet/core"
)

var (
	// ErrCorruptStore is returned when the store has data but no canary
	ErrCorruptStore = errors.New("wallet store is corrupt")

	ErrClosed             = errors.New("wallet store is closed")
	ErrCredentialNotFound = errors.New("credential not found")
)

const (
	canaryKey   = "canary"
	canaryValue = "pidwallet-canary-v1"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	sealed BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Opener opens the store at Path; it implements ports.WalletOpener
type Opener struct {
	Path string
}

// Open opens the wallet store with key
func (o Opener) Open(ctx context.Context, key []byte) (core.UnlockedContext, error) {
	return Open(ctx, o.Path, key)
}

// Destroy removes the database file and its journal files. The store must be
// closed first.
func (o Opener) Destroy(ctx context.Context) error {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(o.Path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove wallet store: %w", err)
		}
	}
	log.Info().Str("path", o.Path).Msg("wallet store removed")
	return nil
}

// SQLiteStore holds issued credentials sealed with the wallet key
type SQLiteStore struct {
	db   *sql.DB
	key  []byte
	path string
	mu   sync.RWMutex
}

// Open opens or creates the store at path. A new store is sealed with key; an
// existing store returns core.ErrInvalidPin when key does not open its canary.
func Open(ctx context.Context, path string, key []byte) (*SQLiteStore, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("wallet key must be %d bytes", chacha20poly1305.KeySize)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		key:  append([]byte(nil), key...),
		path: path,
	}
	if err := s.checkCanary(ctx); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) checkCanary(ctx context.Context) error {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", canaryKey).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM credentials").Scan(&n); err != nil {
			return fmt.Errorf("failed to inspect store: %w", err)
		}
		if n > 0 {
			return ErrCorruptStore
		}

		sealed, err := s.seal([]byte(canaryValue), []byte(canaryKey))
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?)", canaryKey, sealed); err != nil {
			return fmt.Errorf("failed to write canary: %w", err)
		}
		log.Info().Str("path", s.path).Msg("wallet store created")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read canary: %w", err)
	}

	plain, err := s.open(sealed, []byte(canaryKey))
	if err != nil || string(plain) != canaryValue {
		return core.ErrInvalidPin
	}
	return nil
}

// StoreCredential seals and stores record, replacing any record with the same ID
func (s *SQLiteStore) StoreCredential(ctx context.Context, record *core.CredentialRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}

	plain, err := cbor.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	defer core.Zero(plain)

	sealed, err := s.seal(plain, []byte(record.ID))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO credentials (id, sealed, created_at) VALUES (?, ?, ?)",
		record.ID, sealed, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	log.Info().Str("credential_id", record.ID).Str("issuer", record.Issuer).Msg("credential stored")
	return nil
}

// GetCredential returns the credential with id
func (s *SQLiteStore) GetCredential(ctx context.Context, id string) (*core.CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	var sealed []byte
	err := s.db.QueryRowContext(ctx, "SELECT sealed FROM credentials WHERE id = ?", id).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	return s.decodeRecord(id, sealed)
}

// ListCredentials returns all credentials, oldest first
func (s *SQLiteStore) ListCredentials(ctx context.Context) ([]*core.CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, sealed FROM credentials ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var records []*core.CredentialRecord
	for rows.Next() {
		var id string
		var sealed []byte
		if err := rows.Scan(&id, &sealed); err != nil {
			return nil, err
		}
		record, err := s.decodeRecord(id, sealed)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// DeleteCredential removes the credential with id
func (s *SQLiteStore) DeleteCredential(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// Close zeroes the key and closes the database
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	core.Zero(s.key)
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) decodeRecord(id string, sealed []byte) (*core.CredentialRecord, error) {
	plain, err := s.open(sealed, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("failed to open credential %s: %w", id, err)
	}
	defer core.Zero(plain)

	var record core.CredentialRecord
	if err := cbor.Unmarshal(plain, &record); err != nil {
		return nil, fmt.Errorf("failed to decode credential %s: %w", id, err)
	}
	return &record, nil
}

// seal returns nonce || ciphertext
func (s *SQLiteStore) seal(plain, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, aad), nil
}

func (s *SQLiteStore) open(sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed value too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, aad)
}
