// Package account maintains the in-memory mail state for one account: the
// per-mailbox thread cache, the message-id to UID index, and the
// reconciliation of server pushes into outward events. It sits between the
// protocol client and the UI event stream.
package account

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/heronmail/heron/internal/events"
	"github.com/heronmail/heron/internal/imap"
	"github.com/heronmail/heron/internal/models"
)

const (
	// DefaultMailbox is the mailbox queries operate on.
	DefaultMailbox = "INBOX"
	// queryLimit caps how many threads a query emits, newest first.
	queryLimit = 50
)

// mailboxView is the cached thread state of one mailbox.
type mailboxView struct {
	threads map[string]*models.Thread
}

// Account owns the sync state of one mail account.
type Account struct {
	publisher events.Publisher

	mu     sync.Mutex
	opts   models.AccountOptions
	mailer *imap.Mailer
	views  map[string]*mailboxView
	// idMap resolves message ids to the UIDs of the current session.
	idMap map[string]uint32
}

// New creates an account around its connection options. The account starts
// disconnected.
func New(opts models.AccountOptions, publisher events.Publisher) *Account {
	return &Account{
		publisher: publisher,
		opts:      opts,
		mailer:    imap.NewMailer(opts.Connection),
		views:     make(map[string]*mailboxView),
		idMap:     make(map[string]uint32),
	}
}

// ID returns the stable account id.
func (a *Account) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts.ID
}

// Options returns the current account options.
func (a *Account) Options() models.AccountOptions {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts
}

// Connect establishes the IMAP session, starts consuming server pushes and
// begins watching the default mailbox.
func (a *Account) Connect() error {
	mailer := a.currentMailer()
	if err := mailer.Connect(); err != nil {
		return fmt.Errorf("failed to connect account %s: %w", a.ID(), err)
	}
	go a.consumeEvents(mailer)
	mailer.StartIdle(DefaultMailbox)
	return nil
}

// Disconnect closes the IMAP session. Cached threads and the id index are
// kept so a reconnect can resume from the same view.
func (a *Account) Disconnect() error {
	return a.currentMailer().Disconnect()
}

// Connected reports whether the account has a live session.
func (a *Account) Connected() bool {
	return a.currentMailer().Connected()
}

func (a *Account) currentMailer() *imap.Mailer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mailer
}

// view returns the cached state for a mailbox, creating it on first use.
// Caller holds a.mu.
func (a *Account) view(mailbox string) *mailboxView {
	v, ok := a.views[mailbox]
	if !ok {
		v = &mailboxView{threads: make(map[string]*models.Thread)}
		a.views[mailbox] = v
	}
	return v
}

// QueryThreads runs the three-stage query pipeline on a mailbox. Each stage
// emits as soon as its data is ready so the consumer can render
// progressively, starting with thread skeletons and ending with previews.
func (a *Account) QueryThreads(mailbox string) error {
	mailer := a.currentMailer()

	threads, err := a.cachedThreads(mailbox)
	if err != nil {
		return err
	}

	sort.Slice(threads, func(i, j int) bool { return threads[i].Date.After(threads[j].Date) })
	if len(threads) > queryLimit {
		threads = threads[:queryLimit]
	}
	a.publisher.Publish(events.ThreadsQueried{Threads: threads})

	var uids []uint32
	for _, thread := range threads {
		uids = append(uids, thread.Messages...)
	}

	messages, err := mailer.FetchMessagesByUID(mailbox, uids)
	if err != nil {
		return fmt.Errorf("failed to fetch thread messages: %w", err)
	}
	a.updateIDMap(messages)
	a.publisher.Publish(events.MessagesFetched{Messages: messages})

	previews, err := mailer.FetchPreviews(mailbox, messages)
	if err != nil {
		return fmt.Errorf("failed to fetch previews: %w", err)
	}
	if len(previews) > 0 {
		a.publisher.Publish(events.MessagesUpdated{Partials: previews})
	}
	return nil
}

// cachedThreads returns the mailbox's cached thread list, scanning the
// server only when the cache is empty. Pushes keep the cache current in
// between scans.
func (a *Account) cachedThreads(mailbox string) ([]models.Thread, error) {
	a.mu.Lock()
	v := a.view(mailbox)
	if len(v.threads) > 0 {
		threads := make([]models.Thread, 0, len(v.threads))
		for _, thread := range v.threads {
			threads = append(threads, *thread)
		}
		a.mu.Unlock()
		return threads, nil
	}
	a.mu.Unlock()

	scanned, err := a.currentMailer().GetMailboxThreads(mailbox)
	if err != nil {
		return nil, fmt.Errorf("failed to scan mailbox %s: %w", mailbox, err)
	}

	a.mu.Lock()
	v = a.view(mailbox)
	v.threads = make(map[string]*models.Thread, len(scanned))
	for i := range scanned {
		thread := scanned[i]
		v.threads[thread.ID] = &thread
	}
	a.mu.Unlock()
	return scanned, nil
}

// QueryThreadDetails fetches and emits the fully decoded messages of one
// thread. Failures are logged, not returned: the query is fire-and-forget
// from the UI and a broken message must not wedge the view.
func (a *Account) QueryThreadDetails(mailbox, threadID string) {
	details, err := a.currentMailer().FetchThreadMessageDetails(mailbox, threadID)
	if err != nil {
		log.Printf("account %s: failed to fetch thread details: %v", a.ID(), err)
		return
	}
	a.updateIDMapDetails(details)
	a.publisher.Publish(events.ThreadDetails{Messages: details})
}

// SetRead marks messages as seen. Unresolvable ids are skipped; the flag
// change comes back as a server push and reconciles there.
func (a *Account) SetRead(mailbox string, ids []string) error {
	messages := a.resolveIDs(ids)
	if len(messages) == 0 {
		return nil
	}
	return a.currentMailer().SetRead(mailbox, messages)
}

// Archive removes messages from the mailbox. Thread state reconciles from
// the deletion events the removal produces.
func (a *Account) Archive(mailbox string, ids []string) error {
	messages := a.resolveIDs(ids)
	if len(messages) == 0 {
		return nil
	}
	return a.currentMailer().Delete(mailbox, messages)
}

func (a *Account) resolveIDs(ids []string) []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	var messages []models.Message
	for _, id := range ids {
		uid, ok := a.idMap[id]
		if !ok {
			log.Printf("account %s: no uid for message %s, skipping", a.opts.ID, id)
			continue
		}
		messages = append(messages, models.Message{ID: id, UID: uid})
	}
	return messages
}

func (a *Account) updateIDMap(messages []models.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, message := range messages {
		a.idMap[message.ID] = message.UID
	}
}

func (a *Account) updateIDMapDetails(details []models.MessageDetails) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, detail := range details {
		a.idMap[detail.ID] = detail.UID
	}
}
