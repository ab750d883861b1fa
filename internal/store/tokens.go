package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"

	"github.com/heronmail/heron/internal/crypto"
)

// ErrSecretNotFound is returned when no secret is stored for an account.
var ErrSecretNotFound = errors.New("secret not found")

// TokenStore holds per-account credential blobs.
type TokenStore interface {
	Save(accountID string, secret []byte) error
	Load(accountID string) ([]byte, error)
	Delete(accountID string) error
}

// KeyringStore keeps secrets in the OS keyring. Blobs are base64-wrapped
// since keyring entries are strings.
type KeyringStore struct {
	Service string
}

func (k *KeyringStore) Save(accountID string, secret []byte) error {
	encoded := base64.StdEncoding.EncodeToString(secret)
	if err := keyring.Set(k.Service, accountID, encoded); err != nil {
		return fmt.Errorf("failed to write keyring entry: %w", err)
	}
	return nil
}

func (k *KeyringStore) Load(accountID string) ([]byte, error) {
	encoded, err := keyring.Get(k.Service, accountID)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring entry: %w", err)
	}

	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode keyring entry: %w", err)
	}
	return secret, nil
}

func (k *KeyringStore) Delete(accountID string) error {
	err := keyring.Delete(k.Service, accountID)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrSecretNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete keyring entry: %w", err)
	}
	return nil
}

// FileStore keeps AES-GCM sealed secrets as files under a directory. It is
// the fallback for headless systems and containers without a keyring.
type FileStore struct {
	Dir    string
	Cipher *crypto.Cipher
}

func (f *FileStore) path(accountID string) string {
	// Account ids are UUIDs, safe as file names.
	return filepath.Join(f.Dir, accountID+".tok")
}

func (f *FileStore) Save(accountID string, secret []byte) error {
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create token dir: %w", err)
	}

	sealed, err := f.Cipher.Seal(secret)
	if err != nil {
		return fmt.Errorf("failed to seal secret: %w", err)
	}
	if err := os.WriteFile(f.path(accountID), sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}
	return nil
}

func (f *FileStore) Load(accountID string) ([]byte, error) {
	sealed, err := os.ReadFile(f.path(accountID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}

	secret, err := f.Cipher.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret file: %w", err)
	}
	return secret, nil
}

func (f *FileStore) Delete(accountID string) error {
	err := os.Remove(f.path(accountID))
	if errors.Is(err, os.ErrNotExist) {
		return ErrSecretNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete secret file: %w", err)
	}
	return nil
}

// FallbackStore tries the primary store first and falls back to the
// secondary when the primary fails, so a broken keyring degrades to the
// encrypted file store instead of losing credentials.
type FallbackStore struct {
	Primary   TokenStore
	Secondary TokenStore
}

func (f *FallbackStore) Save(accountID string, secret []byte) error {
	if err := f.Primary.Save(accountID, secret); err != nil {
		log.Printf("store: primary secret store failed, using fallback: %v", err)
		return f.Secondary.Save(accountID, secret)
	}
	return nil
}

func (f *FallbackStore) Load(accountID string) ([]byte, error) {
	secret, err := f.Primary.Load(accountID)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		log.Printf("store: primary secret store failed, using fallback: %v", err)
	}
	return f.Secondary.Load(accountID)
}

func (f *FallbackStore) Delete(accountID string) error {
	primaryErr := f.Primary.Delete(accountID)
	secondaryErr := f.Secondary.Delete(accountID)
	if primaryErr == nil || secondaryErr == nil {
		return nil
	}
	return primaryErr
}
