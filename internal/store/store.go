// Package store persists account registrations and app state in a local
// SQLite database. Credential material never lands in the database: secrets
// are split out to a TokenStore (OS keyring, with an encrypted file
// fallback) and re-attached on load.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/heronmail/heron/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	position INTEGER NOT NULL,
	options TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS app_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const selectedAccountKey = "selected_account"

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sqlx.DB
	tokens TokenStore
}

// Open opens (creating if needed) the database at path and prepares the
// schema. Secrets read and written through the store go via tokens.
func Open(path string, tokens TokenStore) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids busy errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare schema: %w", err)
	}
	return &Store{db: db, tokens: tokens}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// accountSecrets is the credential material split away from the persisted
// options blob.
type accountSecrets struct {
	Pass string             `json:"pass,omitempty"`
	Auth *models.OAuthToken `json:"auth,omitempty"`
}

// SaveAccount upserts an account. The options row keeps everything except
// credentials; password and OAuth token go to the token store.
func (s *Store) SaveAccount(opts models.AccountOptions) error {
	secrets := accountSecrets{
		Pass: opts.Connection.Pass,
		Auth: opts.Connection.Auth,
	}

	stripped := opts
	stripped.Connection.Pass = ""
	stripped.Connection.Auth = nil

	blob, err := json.Marshal(stripped)
	if err != nil {
		return fmt.Errorf("failed to encode account options: %w", err)
	}

	if secrets.Pass != "" || secrets.Auth != nil {
		secretBlob, err := json.Marshal(secrets)
		if err != nil {
			return fmt.Errorf("failed to encode account secrets: %w", err)
		}
		if err := s.tokens.Save(opts.ID, secretBlob); err != nil {
			return fmt.Errorf("failed to store account secrets: %w", err)
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO accounts (id, position, options)
		VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM accounts), ?)
		ON CONFLICT(id) DO UPDATE SET options = excluded.options`,
		opts.ID, string(blob))
	if err != nil {
		return fmt.Errorf("failed to persist account: %w", err)
	}
	return nil
}

// Accounts lists persisted accounts in registration order, with their
// secrets re-attached. An account whose secrets are unreadable is returned
// without them; connecting it will fail and surface through verification.
func (s *Store) Accounts() ([]models.AccountOptions, error) {
	var rows []struct {
		ID      string `db:"id"`
		Options string `db:"options"`
	}
	if err := s.db.Select(&rows, `SELECT id, options FROM accounts ORDER BY position`); err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	accounts := make([]models.AccountOptions, 0, len(rows))
	for _, row := range rows {
		var opts models.AccountOptions
		if err := json.Unmarshal([]byte(row.Options), &opts); err != nil {
			return nil, fmt.Errorf("failed to decode account %s: %w", row.ID, err)
		}

		secretBlob, err := s.tokens.Load(row.ID)
		switch {
		case err == nil:
			var secrets accountSecrets
			if err := json.Unmarshal(secretBlob, &secrets); err != nil {
				return nil, fmt.Errorf("failed to decode secrets for %s: %w", row.ID, err)
			}
			opts.Connection.Pass = secrets.Pass
			opts.Connection.Auth = secrets.Auth
		case errors.Is(err, ErrSecretNotFound):
			log.Printf("store: no secrets for account %s", row.ID)
		default:
			return nil, fmt.Errorf("failed to load secrets for %s: %w", row.ID, err)
		}

		accounts = append(accounts, opts)
	}
	return accounts, nil
}

// DeleteAccount removes an account row and its secrets.
func (s *Store) DeleteAccount(id string) error {
	if _, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if err := s.tokens.Delete(id); err != nil && !errors.Is(err, ErrSecretNotFound) {
		return fmt.Errorf("failed to delete account secrets: %w", err)
	}
	return nil
}

// SelectedAccount returns the persisted selection marker, empty when none
// was ever set.
func (s *Store) SelectedAccount() (string, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM app_state WHERE key = ?`, selectedAccountKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load selected account: %w", err)
	}
	return value, nil
}

// SetSelectedAccount persists the selection marker.
func (s *Store) SetSelectedAccount(id string) error {
	_, err := s.db.Exec(`
		INSERT INTO app_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		selectedAccountKey, id)
	if err != nil {
		return fmt.Errorf("failed to persist selected account: %w", err)
	}
	return nil
}
