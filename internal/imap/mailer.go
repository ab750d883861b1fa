// Package imap implements the protocol client of the sync engine: a single
// long-lived IMAP connection per account, mailbox-scoped operations behind a
// mailbox lock, and translation of server pushes into typed domain events.
package imap

import (
	"fmt"
	"log"
	"sync"

	"github.com/emersion/go-imap/client"
	"github.com/heronmail/heron/internal/models"
)

const (
	eventBuffer  = 32
	updateBuffer = 16
)

// mailboxState is what the client remembers about one mailbox across
// operations on the same connection: the last announced message count and
// the uid/Message-ID to thread-id indexes built during scans. None of it
// survives a reconnect; UIDs are only meaningful within one session.
type mailboxState struct {
	lastCount uint32
	uidThread map[uint32]string
	msgThread map[string]string
}

// Mailer owns the IMAP connection for one account.
//
// State machine: Disconnected -> Connecting -> Connected -> Disconnected.
// All mailbox-touching operations serialize through a single mailbox lock
// (see lock.go); server pushes are consumed by a pump goroutine and
// re-emitted as typed events on the Events channel.
type Mailer struct {
	opts models.ConnectionOptions

	connMu    sync.Mutex
	client    *client.Client
	connected bool

	// Mailbox lock. mu serializes mailbox operations; lockMu guards the
	// name of the mailbox currently locked so a conflicting request can
	// fail fast instead of queueing behind a different mailbox.
	mu          sync.Mutex
	lockMu      sync.Mutex
	locked      string
	selected    string
	selReadOnly bool

	stateMu sync.Mutex
	states  map[string]*mailboxState

	eventMu      sync.Mutex
	events       chan Event
	eventsClosed bool

	wake     chan struct{}
	stopIdle chan struct{}
}

// NewMailer creates a protocol client for the given connection options.
// The client starts disconnected.
func NewMailer(opts models.ConnectionOptions) *Mailer {
	return &Mailer{
		opts:   opts,
		states: make(map[string]*mailboxState),
	}
}

// Connect dials the server and authenticates. Safe to call again after a
// disconnect; a no-op when already connected.
func (m *Mailer) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return nil
	}

	address, secure, err := serverAddress(m.opts)
	if err != nil {
		return err
	}

	c, err := dial(address, secure)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := authenticate(c, m.opts); err != nil {
		_ = c.Close()
		return err
	}

	m.client = c
	m.connected = true
	m.eventMu.Lock()
	m.events = make(chan Event, eventBuffer)
	m.eventsClosed = false
	m.eventMu.Unlock()
	m.wake = make(chan struct{}, 1)
	m.stopIdle = make(chan struct{})

	go m.runEventPump(c)
	return nil
}

// Disconnect logs out gracefully when connected, otherwise just closes the
// raw socket. Idempotent and safe to call from any state.
func (m *Mailer) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.client == nil {
		return nil
	}

	if m.stopIdle != nil {
		select {
		case <-m.stopIdle:
		default:
			close(m.stopIdle)
		}
	}

	if !m.connected {
		// Clean up any lingering socket without a protocol logout.
		_ = m.client.Close()
		return nil
	}

	m.connected = false
	if err := m.client.Logout(); err != nil {
		_ = m.client.Close()
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// Connected reports whether the client holds a live, authenticated
// connection.
func (m *Mailer) Connected() bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.connected
}

// Events returns the push event stream for the current connection epoch.
// The channel is closed when the connection ends; subscribers re-subscribe
// after a reconnect.
func (m *Mailer) Events() <-chan Event {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	return m.events
}

func (m *Mailer) emit(ev Event) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	if m.events == nil || m.eventsClosed {
		return
	}
	select {
	case m.events <- ev:
	default:
		log.Printf("imap: dropping %T event, consumer too slow", ev)
	}
}

func (m *Mailer) closeEvents() {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	if m.events != nil && !m.eventsClosed {
		m.eventsClosed = true
		close(m.events)
	}
}

// state returns the tracked state for a mailbox, creating it on first use.
// Callers touch the returned struct's fields under stateMu.
func (m *Mailer) state(mailbox string) *mailboxState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	st, ok := m.states[mailbox]
	if !ok {
		st = &mailboxState{
			uidThread: make(map[uint32]string),
			msgThread: make(map[string]string),
		}
		m.states[mailbox] = st
	}
	return st
}

// threadMembers returns the known member UIDs of a thread, from the indexes
// built by previous scans on this connection.
func (m *Mailer) threadMembers(mailbox, threadID string) []uint32 {
	st := m.state(mailbox)
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	var uids []uint32
	for uid, tid := range st.uidThread {
		if tid == threadID {
			uids = append(uids, uid)
		}
	}
	return uids
}
