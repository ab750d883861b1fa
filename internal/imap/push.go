package imap

import (
	"errors"
	"log"
	"time"

	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"
	"github.com/heronmail/heron/internal/mail"
	"github.com/heronmail/heron/internal/models"
)

const (
	idleFallbackPoll = 5 * time.Second
	idleRetrySleep   = 10 * time.Second
	// idleYieldSleep keeps the idle loop from re-contending for the mailbox
	// lock against the operation that just woke it. The operation is already
	// queued on the lock when the wake token arrives, so any pause hands the
	// lock over before the loop re-idles.
	idleYieldSleep = 10 * time.Millisecond
)

// Event is a typed server push translated into the domain vocabulary.
type Event interface {
	imapEvent()
}

// ClosedEvent signals the end of the connection, whether from an explicit
// logout or a dropped socket. It is the last event before the channel closes.
type ClosedEvent struct{}

// NewMessagesEvent carries messages that arrived in a mailbox since the last
// known message count.
type NewMessagesEvent struct {
	Mailbox  string
	Messages []models.Message
}

// FlagUpdateEvent carries a server-side flag change for one message.
type FlagUpdateEvent struct {
	Mailbox string
	UID     uint32
	Flags   models.MessageFlags
}

// DeleteMessageEvent signals that a message was removed from a mailbox by an
// explicit archive call on this client.
type DeleteMessageEvent struct {
	Mailbox string
	ID      string
}

func (ClosedEvent) imapEvent()        {}
func (NewMessagesEvent) imapEvent()   {}
func (FlagUpdateEvent) imapEvent()    {}
func (DeleteMessageEvent) imapEvent() {}

// runEventPump drains unsolicited server updates for the lifetime of one
// connection and re-emits them as typed events. It is the sole closer of the
// events channel.
func (m *Mailer) runEventPump(c *client.Client) {
	updates := make(chan client.Update, updateBuffer)
	c.Updates = updates

	for {
		select {
		case <-c.LoggedOut():
			m.connMu.Lock()
			m.connected = false
			m.connMu.Unlock()
			m.emit(ClosedEvent{})
			m.closeEvents()
			return
		case update := <-updates:
			m.handleUpdate(update)
		}
	}
}

func (m *Mailer) handleUpdate(update client.Update) {
	switch u := update.(type) {
	case *client.MailboxUpdate:
		if u.Mailbox == nil {
			return
		}
		m.handleMailboxUpdate(u.Mailbox.Name, u.Mailbox.Messages)

	case *client.MessageUpdate:
		if u.Message == nil {
			return
		}
		if u.Message.Uid == 0 {
			// Nothing to correlate the change against without a UID.
			log.Printf("imap: dropping flag update without uid (seq %d)", u.Message.SeqNum)
			return
		}
		m.emit(FlagUpdateEvent{
			Mailbox: m.selectedMailbox(),
			UID:     u.Message.Uid,
			Flags:   mail.ParseFlags(u.Message.Flags),
		})

	case *client.ExpungeUpdate:
		// Deletions are reconciled from explicit archive calls, not from
		// expunge pushes; unprompted expunges only get logged.
		log.Printf("imap: expunge push for seq %d on %s", u.SeqNum, m.selectedMailbox())
	}
}

// handleMailboxUpdate reacts to an EXISTS push: when the message count grew,
// the new tail of the mailbox is fetched off the pump goroutine and emitted.
func (m *Mailer) handleMailboxUpdate(mailbox string, count uint32) {
	st := m.state(mailbox)
	m.stateMu.Lock()
	previous := st.lastCount
	grew := count > previous
	if grew {
		st.lastCount = count
	}
	m.stateMu.Unlock()

	if !grew {
		return
	}

	go func() {
		messages, err := m.FetchNewMessages(mailbox, previous, count)
		if err != nil {
			log.Printf("imap: failed to fetch new messages in %s: %v", mailbox, err)
			return
		}
		if len(messages) > 0 {
			m.emit(NewMessagesEvent{Mailbox: mailbox, Messages: messages})
		}
	}()
}

// selectedMailbox is safe to call from the event pump: it reads under lockMu
// and never waits for the mailbox lock.
func (m *Mailer) selectedMailbox() string {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	return m.selected
}

// StartIdle begins watching a mailbox for pushes in the background. The
// watch holds the mailbox lock while idling and yields it whenever another
// operation signals the wake channel.
func (m *Mailer) StartIdle(mailbox string) {
	go m.idleLoop(mailbox)
}

func (m *Mailer) idleLoop(mailbox string) {
	for {
		select {
		case <-m.stopIdle:
			return
		default:
		}

		woken := false
		err := m.lockMailbox(mailbox, false, func(c *client.Client) error {
			idleClient := idle.NewClient(c)
			stop := make(chan struct{})
			done := make(chan error, 1)
			go func() {
				done <- idleClient.IdleWithFallback(stop, idleFallbackPoll)
			}()

			select {
			case <-m.stopIdle:
				close(stop)
				<-done
				return nil
			case <-m.wake:
				// Another operation wants the connection; yield and re-idle.
				woken = true
				close(stop)
				<-done
				return nil
			case err := <-done:
				return err
			}
		})
		if woken {
			select {
			case <-m.stopIdle:
				return
			case <-time.After(idleYieldSleep):
			}
		}
		if err != nil {
			if errors.Is(err, ErrNotConnected) {
				return
			}
			log.Printf("imap: idle on %s: %v", mailbox, err)
			select {
			case <-m.stopIdle:
				return
			case <-time.After(idleRetrySleep):
			}
		}
	}
}
