package imap

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthenticationFailed is an explicit credential rejection during
	// connect. Anything else the server or network does wrong surfaces as a
	// plain wrapped error (the "unknown" kind).
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrMailboxLockViolation is returned when an operation addresses a
	// second mailbox while another one is locked. This is a programming
	// error on the caller's side and fails fast.
	ErrMailboxLockViolation = errors.New("cannot switch mailbox while locked")

	// ErrNotConnected is returned for mailbox operations on a client that
	// has no live connection.
	ErrNotConnected = errors.New("not connected")
)

// classifyAuthError wraps a login/authenticate error, tagging explicit
// credential rejections. go-imap surfaces a NO status response as a plain
// error, so classification matches on the AUTHENTICATIONFAILED response
// code and common rejection phrasing.
func classifyAuthError(err error) error {
	if err == nil {
		return nil
	}
	text := strings.ToLower(err.Error())
	if strings.Contains(text, "authenticationfailed") ||
		strings.Contains(text, "authentication") ||
		strings.Contains(text, "invalid credentials") ||
		strings.Contains(text, "bad username") ||
		strings.Contains(text, "login failed") {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return fmt.Errorf("failed to authenticate: %w", err)
}
