// Package testutil provides an in-memory IMAP server for integration tests.
package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer is an in-memory IMAP server instance. The memory backend
// creates a default user ("username"/"password") whose INBOX is pre-seeded
// with one sample message; tests that need a clean slate call ClearMailbox.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	cleanup  func()
	username string
	password string
}

// TestMessage describes a message to append to the test server.
type TestMessage struct {
	MessageID string
	InReplyTo string
	Subject   string
	From      string
	To        string
	Date      time.Time
	// Body is the raw MIME payload after the generated headers. When
	// ContentType is empty a text/plain header is generated.
	ContentType string
	Body        string
	Flags       []string
}

// NewTestIMAPServer starts a test IMAP server on a random local port.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := listener.Addr().String()

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server error: %v", err)
		}
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	return &TestIMAPServer{
		Server:   s,
		Address:  addr,
		Backend:  be,
		cleanup:  func() { _ = s.Close() },
		username: "username",
		password: "password",
	}
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Connect creates a logged-in IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() { _ = client.Logout() }
}

// ClearMailbox removes every message from a mailbox, including the sample
// message the memory backend seeds INBOX with.
func (s *TestIMAPServer) ClearMailbox(t *testing.T, mailbox string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	status, err := client.Select(mailbox, false)
	if err != nil {
		t.Fatalf("Failed to select %s: %v", mailbox, err)
	}
	if status.Messages == 0 {
		return
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, status.Messages)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := client.Store(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Failed to flag messages deleted: %v", err)
	}
	if err := client.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge %s: %v", mailbox, err)
	}
}

// AddMessage appends a message to a mailbox and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, mailbox string, msg TestMessage) uint32 {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(mailbox, false); err != nil {
		t.Fatalf("Failed to select %s: %v", mailbox, err)
	}

	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	body := msg.Body
	if body == "" {
		body = "Test message body."
	}

	var raw strings.Builder
	fmt.Fprintf(&raw, "Message-ID: %s\r\n", msg.MessageID)
	if msg.InReplyTo != "" {
		fmt.Fprintf(&raw, "In-Reply-To: %s\r\n", msg.InReplyTo)
	}
	fmt.Fprintf(&raw, "Date: %s\r\n", date.Format(time.RFC1123Z))
	fmt.Fprintf(&raw, "From: %s\r\n", msg.From)
	fmt.Fprintf(&raw, "To: %s\r\n", msg.To)
	fmt.Fprintf(&raw, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&raw, "Content-Type: %s\r\n", contentType)
	raw.WriteString("\r\n")
	raw.WriteString(body)
	raw.WriteString("\r\n")

	if err := client.Append(mailbox, msg.Flags, date, strings.NewReader(raw.String())); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", msg.MessageID)
	uids, err := client.UidSearch(criteria)
	if err != nil {
		t.Fatalf("Failed to search for message: %v", err)
	}
	if len(uids) == 0 {
		t.Fatalf("Message not found after append")
	}
	return uids[len(uids)-1]
}
