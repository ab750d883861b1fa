package imap

import (
	"fmt"
	"log"
	"time"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
	"github.com/heronmail/heron/internal/models"
)

// scanThreads builds the thread list for the selected mailbox and refreshes
// the per-mailbox uid and Message-ID indexes. Servers advertising
// THREAD=REFERENCES do the grouping for us; everything else gets a
// client-side walk over In-Reply-To chains. Caller holds the mailbox lock.
func (m *Mailer) scanThreads(c *client.Client, mailbox string) ([]models.Thread, error) {
	supported, err := c.Support("THREAD=REFERENCES")
	if err != nil {
		return nil, fmt.Errorf("failed to check capabilities: %w", err)
	}

	st := m.state(mailbox)
	if supported {
		return m.scanThreadsServer(c, st)
	}
	return m.scanThreadsFallback(c, st)
}

// scanThreadsServer groups messages with UID THREAD and identifies each
// thread by its root's Message-ID, which is stable across sessions in a way
// server-assigned UIDs are not.
func (m *Mailer) scanThreadsServer(c *client.Client, st *mailboxState) ([]models.Thread, error) {
	threadClient := sortthread.NewThreadClient(c)

	roots, err := threadClient.UidThread(sortthread.References, imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("failed to run thread search: %w", err)
	}

	rootOf := make(map[uint32]uint32)
	var uids []uint32
	for _, root := range roots {
		collectThreadUIDs(root, firstThreadUID(root), rootOf, &uids)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	fetched, err := fetchThreadScanItems(c, uids)
	if err != nil {
		return nil, err
	}

	// Resolve root UIDs to stable ids before grouping.
	rootID := make(map[uint32]string)
	for _, root := range rootOf {
		if _, ok := rootID[root]; ok {
			continue
		}
		id := ""
		if msg := fetched[root]; msg != nil && msg.Envelope != nil {
			id = msg.Envelope.MessageId
		}
		if id == "" {
			id = fmt.Sprintf("thread-uid:%d", root)
		}
		rootID[root] = id
	}

	acc := newThreadAccumulator()
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	for _, uid := range uids {
		msg := fetched[uid]
		if msg == nil || msg.InternalDate.IsZero() {
			log.Printf("imap: skipping uid %d without internal date", uid)
			continue
		}
		tid := rootID[rootOf[uid]]
		st.uidThread[uid] = tid
		if msg.Envelope != nil && msg.Envelope.MessageId != "" {
			st.msgThread[msg.Envelope.MessageId] = tid
		}
		acc.add(tid, uid, msg.InternalDate)
	}
	return acc.threads(), nil
}

// scanThreadsFallback threads the whole mailbox client-side: a message whose
// In-Reply-To points at a known message joins that message's thread,
// otherwise it starts a thread identified by its own Message-ID. Messages
// without both a thread identity and an internal date are skipped.
func (m *Mailer) scanThreadsFallback(c *client.Client, st *mailboxState) ([]models.Thread, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, 0)

	messages := make(chan *imap.Message, updateBuffer)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqSet, threadScanItems(), messages)
	}()

	acc := newThreadAccumulator()
	m.stateMu.Lock()
	for msg := range messages {
		tid := ""
		if env := msg.Envelope; env != nil {
			if env.InReplyTo != "" {
				tid = st.msgThread[env.InReplyTo]
			}
			if tid == "" {
				tid = env.MessageId
			}
		}
		if tid == "" || msg.InternalDate.IsZero() {
			log.Printf("imap: skipping uid %d without thread identity", msg.Uid)
			continue
		}
		st.uidThread[msg.Uid] = tid
		if msg.Envelope.MessageId != "" {
			st.msgThread[msg.Envelope.MessageId] = tid
		}
		acc.add(tid, msg.Uid, msg.InternalDate)
	}
	m.stateMu.Unlock()

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages for threading: %w", err)
	}
	return acc.threads(), nil
}

func threadScanItems() []imap.FetchItem {
	return []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, imap.FetchEnvelope}
}

func fetchThreadScanItems(c *client.Client, uids []uint32) (map[uint32]*imap.Message, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, threadScanItems(), messages)
	}()

	fetched := make(map[uint32]*imap.Message, len(uids))
	for msg := range messages {
		fetched[msg.Uid] = msg
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch thread members: %w", err)
	}
	return fetched, nil
}

// collectThreadUIDs flattens a THREAD response subtree, mapping every member
// to the subtree's root UID.
func collectThreadUIDs(node *sortthread.Thread, root uint32, rootOf map[uint32]uint32, uids *[]uint32) {
	if node == nil {
		return
	}
	if node.Id != 0 {
		rootOf[node.Id] = root
		*uids = append(*uids, node.Id)
	}
	for _, child := range node.Children {
		collectThreadUIDs(child, root, rootOf, uids)
	}
}

// firstThreadUID finds the first real UID in a subtree. THREAD responses can
// have a zero-id placeholder root when siblings share a lost parent.
func firstThreadUID(node *sortthread.Thread) uint32 {
	if node == nil {
		return 0
	}
	if node.Id != 0 {
		return node.Id
	}
	for _, child := range node.Children {
		if uid := firstThreadUID(child); uid != 0 {
			return uid
		}
	}
	return 0
}

// threadAccumulator groups member UIDs per thread in first-seen order,
// keeping each thread's date at the maximum member date.
type threadAccumulator struct {
	order []string
	byID  map[string]*models.Thread
}

func newThreadAccumulator() *threadAccumulator {
	return &threadAccumulator{byID: make(map[string]*models.Thread)}
}

func (a *threadAccumulator) add(tid string, uid uint32, date time.Time) {
	thread, ok := a.byID[tid]
	if !ok {
		thread = &models.Thread{ID: tid}
		a.byID[tid] = thread
		a.order = append(a.order, tid)
	}
	thread.Messages = append(thread.Messages, uid)
	if date.After(thread.Date) {
		thread.Date = date
	}
}

func (a *threadAccumulator) threads() []models.Thread {
	threads := make([]models.Thread, 0, len(a.order))
	for _, tid := range a.order {
		threads = append(threads, *a.byID[tid])
	}
	return threads
}
