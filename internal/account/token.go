package account

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/oauth2"

	"github.com/heronmail/heron/internal/imap"
	"github.com/heronmail/heron/internal/models"
)

// refreshThreshold is how close to expiry an access token may get before it
// is rotated. Refreshing early keeps a live connection from hitting the
// server with a token that expires mid-session.
const refreshThreshold = 5 * time.Minute

// refreshRetrySleep spaces retries after a failed rotation.
const refreshRetrySleep = time.Minute

// ErrTokenRefreshFailed tags a failed access-token rotation.
var ErrTokenRefreshFailed = errors.New("token refresh failed")

// TokenRefresher exchanges a refresh token for a fresh access token at an
// OAuth token endpoint.
type TokenRefresher struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Refresh performs the refresh-token grant. The returned token keeps the old
// refresh token when the endpoint does not rotate it.
func (r *TokenRefresher) Refresh(ctx context.Context, refreshToken string) (*models.OAuthToken, error) {
	conf := &oauth2.Config{
		ClientID:     r.ClientID,
		ClientSecret: r.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: r.TokenURL},
	}

	// A token with only a refresh token forces an immediate refresh grant.
	source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}

	refreshed := &models.OAuthToken{
		Access:    token.AccessToken,
		Refresh:   token.RefreshToken,
		TokenType: token.TokenType,
		ExpiresAt: token.Expiry,
	}
	if refreshed.Refresh == "" {
		refreshed.Refresh = refreshToken
	}
	if scope, ok := token.Extra("scope").(string); ok {
		refreshed.Scope = scope
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		refreshed.IDToken = idToken
	}
	return refreshed, nil
}

// RefreshCredentials rotates the account's access token when it is within
// the refresh threshold of expiry. Accounts without OAuth credentials are
// left alone. Returns whether a rotation happened.
func (a *Account) RefreshCredentials(ctx context.Context, refresher *TokenRefresher) (bool, error) {
	opts := a.Options()
	auth := opts.Connection.Auth
	if opts.Connection.Service != models.ServiceGmail || auth == nil {
		return false, nil
	}
	if time.Until(auth.ExpiresAt) > refreshThreshold {
		return false, nil
	}

	token, err := refresher.Refresh(ctx, auth.Refresh)
	if err != nil {
		return false, err
	}

	opts.Connection.Auth = token
	if err := a.ApplyOptions(opts); err != nil {
		return true, err
	}
	return true, nil
}

// ApplyOptions swaps in new connection options. A connected account is
// reconnected with the new credentials; cached threads and the id index are
// preserved, since mailbox UIDs stay valid across sessions.
func (a *Account) ApplyOptions(opts models.AccountOptions) error {
	a.mu.Lock()
	old := a.mailer
	a.opts = opts
	mailer := imap.NewMailer(opts.Connection)
	a.mailer = mailer
	a.mu.Unlock()

	if !old.Connected() {
		return nil
	}

	if err := old.Disconnect(); err != nil {
		log.Printf("account %s: failed to close old connection: %v", opts.ID, err)
	}
	if err := mailer.Connect(); err != nil {
		return fmt.Errorf("failed to reconnect account %s: %w", opts.ID, err)
	}
	go a.consumeEvents(mailer)
	mailer.StartIdle(DefaultMailbox)
	return nil
}

// ScheduleRefresh arms a background rotation that fires refreshThreshold
// before each expiry and re-arms itself from the new token. The returned
// stop function cancels the schedule; it is called once. Non-OAuth accounts
// get a no-op schedule.
func (a *Account) ScheduleRefresh(refresher *TokenRefresher, onRotate func(models.AccountOptions)) (stop func()) {
	stopCh := make(chan struct{})

	go func() {
		for {
			opts := a.Options()
			auth := opts.Connection.Auth
			if opts.Connection.Service != models.ServiceGmail || auth == nil {
				return
			}

			delay := time.Until(auth.ExpiresAt) - refreshThreshold
			if delay < 0 {
				delay = 0
			}
			timer := time.NewTimer(delay)
			select {
			case <-stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}

			rotated, err := a.RefreshCredentials(context.Background(), refresher)
			if err != nil {
				log.Printf("account %s: %v", a.ID(), err)
				select {
				case <-stopCh:
					return
				case <-time.After(refreshRetrySleep):
				}
				continue
			}
			if rotated && onRotate != nil {
				onRotate(a.Options())
			}
		}
	}()

	return func() { close(stopCh) }
}
