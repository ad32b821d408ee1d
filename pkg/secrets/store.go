// Package secrets is the per-user encrypted key/value credential store. Rows
// are keyed by (user_id, key) and values are AES-GCM encrypted at rest;
// decrypted values never outlive the request that asked for them.
package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a user has no secret stored under a key.
var ErrNotFound = errors.New("secret not found")

// Well-known secret keys consumed by the tool gateway and token refresher.
const (
	KeyDishCookie      = "DISH_COOKIE"
	KeyTeamID          = "TEAM_ID"
	KeyMemberID        = "MEMBER_ID"
	KeyCalendarToken   = "GOOGLE_CALENDAR_ACCESS_TOKEN"
	KeyCalendarRefresh = "GOOGLE_CALENDAR_REFRESH_TOKEN"
	KeyCalendarExpiry  = "GOOGLE_CALENDAR_EXPIRY_DATE"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_secrets (
	user_id         TEXT NOT NULL,
	key             TEXT NOT NULL,
	encrypted_value BLOB NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, key)
);
CREATE INDEX IF NOT EXISTS idx_user_secrets_user_id ON user_secrets (user_id);
`

// Store persists per-user secrets in SQLite.
type Store struct {
	db     *sql.DB
	cipher *Cipher
}

// Open opens (creating if needed) the secrets database at path, encrypting
// values with the given base64 key.
func Open(path, encodedKey string) (*Store, error) {
	cipher, err := NewCipher(encodedKey)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create secrets directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open secrets database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize secrets schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Secrets store opened")
	return &Store{db: db, cipher: cipher}, nil
}

// Set stores or replaces a secret for a user.
func (s *Store) Set(ctx context.Context, userID, key, value string) error {
	if userID == "" || key == "" {
		return fmt.Errorf("user id and key are required")
	}

	encrypted, err := s.cipher.Encrypt(value)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_secrets (user_id, key, encrypted_value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, key) DO UPDATE SET
			encrypted_value = excluded.encrypted_value,
			updated_at = excluded.updated_at`,
		userID, key, encrypted, now, now)
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}

	log.Debug().Str("user_id", userID).Str("key", key).Msg("Secret stored")
	return nil
}

// Get returns the decrypted secret for a user, or ErrNotFound.
func (s *Store) Get(ctx context.Context, userID, key string) (string, error) {
	var encrypted []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_value FROM user_secrets WHERE user_id = ? AND key = ?`,
		userID, key).Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load secret: %w", err)
	}
	return s.cipher.Decrypt(encrypted)
}

// Delete removes a secret. Returns ErrNotFound when nothing was stored.
func (s *Store) Delete(ctx context.Context, userID, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_secrets WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	log.Debug().Str("user_id", userID).Str("key", key).Msg("Secret deleted")
	return nil
}

// Keys lists the secret keys a user has stored. Values are not returned.
func (s *Store) Keys(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM user_secrets WHERE user_id = ? ORDER BY key`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list secret keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan secret key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// GetAll returns every decrypted secret a user has stored, keyed by name.
func (s *Store) GetAll(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, encrypted_value FROM user_secrets WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key string
		var encrypted []byte
		if err := rows.Scan(&key, &encrypted); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		value, err := s.cipher.Decrypt(encrypted)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
