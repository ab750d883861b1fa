package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	DataDir             string
	DBPath              string
	EncryptionKeyBase64 string
	GmailClientID       string
	GmailClientSecret   string
	GmailTokenURL       string
	KeyringService      string
	Port                string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("HERON_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	dataDir := getEnvOrDefault("HERON_DATA_DIR", defaultDataDir())

	config := &Config{
		Environment:         env,
		DataDir:             dataDir,
		DBPath:              getEnvOrDefault("HERON_DB_PATH", filepath.Join(dataDir, "heron.db")),
		EncryptionKeyBase64: os.Getenv("HERON_ENCRYPTION_KEY_BASE64"),
		GmailClientID:       os.Getenv("HERON_GMAIL_CLIENT_ID"),
		GmailClientSecret:   os.Getenv("HERON_GMAIL_CLIENT_SECRET"),
		GmailTokenURL:       getEnvOrDefault("HERON_GMAIL_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		KeyringService:      getEnvOrDefault("HERON_KEYRING_SERVICE", "heron"),
		Port:                getEnvOrDefault("PORT", "8080"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("HERON_ENCRYPTION_KEY_BASE64 is required")
	}

	key, err := base64.StdEncoding.DecodeString(c.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("HERON_ENCRYPTION_KEY_BASE64 is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("HERON_ENCRYPTION_KEY_BASE64 must decode to 32 bytes, got %d", len(key))
	}

	if !isValidPort(c.Port) {
		return fmt.Errorf("PORT is not a valid port number: %s", c.Port)
	}

	// Gmail accounts need the OAuth client pair; either both or neither.
	if (c.GmailClientID == "") != (c.GmailClientSecret == "") {
		return fmt.Errorf("HERON_GMAIL_CLIENT_ID and HERON_GMAIL_CLIENT_SECRET must be set together")
	}

	return nil
}

func isValidPort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".heron"
	}
	return filepath.Join(base, "heron")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
