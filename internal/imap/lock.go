package imap

import (
	"fmt"

	"github.com/emersion/go-imap/client"
)

// withMailbox runs fn with the mailbox selected and the mailbox lock held.
//
// Lock discipline: requests against the locked mailbox queue in FIFO order;
// a request against a different mailbox while one is locked fails fast with
// ErrMailboxLockViolation instead of queueing, since the caller is about to
// operate on state that belongs to another mailbox. The lock is released on
// every exit path, error or not.
func (m *Mailer) withMailbox(mailbox string, write bool, fn func(c *client.Client) error) error {
	// Kick a background idle off the connection before queueing behind it.
	m.wakeIdle()
	return m.lockMailbox(mailbox, write, fn)
}

func (m *Mailer) lockMailbox(mailbox string, write bool, fn func(c *client.Client) error) error {
	m.lockMu.Lock()
	if m.locked != "" && m.locked != mailbox {
		m.lockMu.Unlock()
		return fmt.Errorf("%w: %s is locked, requested %s", ErrMailboxLockViolation, m.locked, mailbox)
	}
	m.lockMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.connMu.Lock()
	connected, c := m.connected, m.client
	m.connMu.Unlock()
	if !connected || c == nil {
		return ErrNotConnected
	}

	if err := m.selectMailbox(c, mailbox, !write); err != nil {
		return err
	}

	m.lockMu.Lock()
	m.locked = mailbox
	m.lockMu.Unlock()
	defer func() {
		m.lockMu.Lock()
		m.locked = ""
		m.lockMu.Unlock()
	}()

	return fn(c)
}

// selectMailbox issues SELECT/EXAMINE unless the mailbox is already selected
// in a sufficient mode. A read-only selection is upgraded when a write
// operation comes along; a read-write selection serves both.
func (m *Mailer) selectMailbox(c *client.Client, mailbox string, readOnly bool) error {
	if m.selected == mailbox && (!m.selReadOnly || readOnly) {
		return nil
	}

	status, err := c.Select(mailbox, readOnly)
	if err != nil {
		return fmt.Errorf("failed to select mailbox %s: %w", mailbox, err)
	}
	// Written under lockMu so the event pump can read the selected name
	// without touching the mailbox lock.
	m.lockMu.Lock()
	m.selected = mailbox
	m.selReadOnly = readOnly
	m.lockMu.Unlock()

	st := m.state(mailbox)
	m.stateMu.Lock()
	st.lastCount = status.Messages
	m.stateMu.Unlock()
	return nil
}

// wakeIdle nudges a background idle to release the mailbox lock. Non-blocking;
// a buffered token is enough since the idle loop re-checks after every wake.
func (m *Mailer) wakeIdle() {
	m.connMu.Lock()
	wake := m.wake
	m.connMu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}
