package imap

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/heronmail/heron/internal/models"
)

const (
	gmailServer = "imap.gmail.com:993"
	dialTimeout = 5 * time.Second
)

// serverAddress derives the transport parameters from the connection
// options. The switch over the service tag is exhaustive; adding a service
// kind without extending it is a bug caught by the default branch.
func serverAddress(opts models.ConnectionOptions) (string, bool, error) {
	switch opts.Service {
	case models.ServiceIMAP:
		return net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)), opts.Secure, nil
	case models.ServiceGmail:
		return gmailServer, true, nil
	default:
		return "", false, fmt.Errorf("unknown service kind %q", opts.Service)
	}
}

// dial connects to the IMAP server with a dial timeout. Non-TLS connections
// are only used for plain accounts that ask for them (and tests).
func dial(address string, secure bool) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}

	if secure {
		c, err := client.DialWithDialerTLS(dialer, address, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	}

	c, err := client.DialWithDialer(dialer, address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return c, nil
}

// authenticate logs in with the mechanism the connection options call for:
// LOGIN for plain IMAP accounts, XOAUTH2 for Gmail.
func authenticate(c *client.Client, opts models.ConnectionOptions) error {
	switch opts.Service {
	case models.ServiceIMAP:
		return classifyAuthError(c.Login(opts.User, opts.Pass))
	case models.ServiceGmail:
		if opts.Auth == nil {
			return fmt.Errorf("%w: no oauth token", ErrAuthenticationFailed)
		}
		return classifyAuthError(c.Authenticate(newXOAuth2Client(opts.User, opts.Auth.Access)))
	default:
		return fmt.Errorf("unknown service kind %q", opts.Service)
	}
}

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail.
// https://developers.google.com/gmail/imap/xoauth2-protocol
type xoauth2Client struct {
	username string
	token    string
}

func newXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	response := "user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01"
	return "XOAUTH2", []byte(response), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// The server only challenges on failure, with a base64 JSON error blob.
	return nil, fmt.Errorf("xoauth2 rejected: %s", challenge)
}
