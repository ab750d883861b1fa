package models

import "time"

// Service discriminates the ConnectionOptions variants.
type Service string

const (
	// ServiceIMAP is a plain IMAP account addressed by host/port.
	ServiceIMAP Service = "imap"
	// ServiceGmail is a Gmail account authenticated with OAuth (XOAUTH2).
	ServiceGmail Service = "gmail"
)

// OAuthToken carries the credential set obtained from an OAuth flow.
type OAuthToken struct {
	Access    string    `json:"access"`
	Refresh   string    `json:"refresh"`
	Scope     string    `json:"scope"`
	TokenType string    `json:"token_type"`
	IDToken   string    `json:"id_token,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ConnectionOptions is a tagged union over the account kinds. The Service
// field selects which of the remaining fields apply: host/port/secure/pass
// for ServiceIMAP, Auth for ServiceGmail; User is common to both.
//
// Values are treated as immutable: a credential rotation replaces the whole
// ConnectionOptions value rather than mutating it in place.
type ConnectionOptions struct {
	Service Service `json:"service"`

	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"`
	Secure bool   `json:"secure,omitempty"`
	User   string `json:"user"`
	Pass   string `json:"pass,omitempty"`

	Auth *OAuthToken `json:"auth,omitempty"`
}

// AccountOptions ties a stable account id to its connection parameters.
type AccountOptions struct {
	ID         string            `json:"id"`
	Connection ConnectionOptions `json:"connection"`
}

// AccountConnectionError is the outcome of a failed account verification.
type AccountConnectionError struct {
	Type string `json:"type"`
}

// AccountConnectionStatus reports the outcome of verifying account
// credentials. Error is nil on success.
type AccountConnectionStatus struct {
	Error *AccountConnectionError `json:"error"`
}
