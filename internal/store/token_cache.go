package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveAccessToken encrypts and caches a provider access token.
func (s *Store) SaveAccessToken(provider, token string, expiresAt time.Time) error {
	if s.encryptor == nil {
		return fmt.Errorf("encryption not configured")
	}
	encrypted, err := s.encryptor.Encrypt(token)
	if err != nil {
		return fmt.Errorf("encrypting token: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO token_cache (provider, token, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET token = excluded.token,
			expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		provider, encrypted, formatTime(expiresAt), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("caching access token: %w", err)
	}
	return nil
}

// LoadAccessToken returns the cached token for provider. A missing entry, an
// expired one or a store without an encryptor yields an empty token.
func (s *Store) LoadAccessToken(provider string) (string, time.Time, error) {
	if s.encryptor == nil {
		return "", time.Time{}, nil
	}
	var encrypted, expires string
	err := s.db.QueryRow(`SELECT token, expires_at FROM token_cache WHERE provider = ?`, provider).
		Scan(&encrypted, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("loading access token: %w", err)
	}
	exp, err := parseTime(expires)
	if err != nil {
		return "", time.Time{}, err
	}
	if !time.Now().Before(exp) {
		return "", time.Time{}, nil
	}
	token, err := s.encryptor.Decrypt(encrypted)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("decrypting token: %w", err)
	}
	return token, exp, nil
}

func (s *Store) DeleteAccessToken(provider string) error {
	if _, err := s.db.Exec(`DELETE FROM token_cache WHERE provider = ?`, provider); err != nil {
		return fmt.Errorf("deleting access token: %w", err)
	}
	return nil
}
