package imap

import (
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/heronmail/heron/internal/mail"
	"github.com/heronmail/heron/internal/models"
)

// sourceKey is the part-map key for the raw RFC 822 source of a message.
// Real part ids are dotted digit strings or the "text" pseudo id, so this
// never collides.
const sourceKey = "source"

var messageItems = []imap.FetchItem{
	imap.FetchEnvelope,
	imap.FetchFlags,
	imap.FetchBodyStructure,
	imap.FetchUid,
}

// GetMailboxThreads scans the mailbox and returns its threads. The scan also
// refreshes the uid indexes later lookups depend on.
func (m *Mailer) GetMailboxThreads(mailbox string) ([]models.Thread, error) {
	var threads []models.Thread
	err := m.withMailbox(mailbox, false, func(c *client.Client) error {
		var err error
		threads, err = m.scanThreads(c, mailbox)
		return err
	})
	return threads, err
}

// FetchMessagesByUID fetches header-level message data (envelope, flags,
// body structure) for the given UIDs. Results without an envelope are
// dropped from the batch, not fatal to it.
func (m *Mailer) FetchMessagesByUID(mailbox string, uids []uint32) ([]models.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	var result []models.Message
	err := m.withMailbox(mailbox, false, func(c *client.Client) error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uids...)

		messages := make(chan *imap.Message, len(uids))
		done := make(chan error, 1)
		go func() {
			done <- c.UidFetch(seqSet, messageItems, messages)
		}()

		st := m.state(mailbox)
		for msg := range messages {
			converted := mail.MessageFromIMAP(msg, m.threadFor(st, msg))
			if converted == nil {
				log.Printf("imap: skipping uid %d without envelope", msg.Uid)
				continue
			}
			result = append(result, *converted)
		}

		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}
		return nil
	})
	return result, err
}

// FetchPreviews fetches the preview part for each message and returns the
// generated summaries. One part per message: the last renderable leaf, which
// the alternative ordering rule makes the richest. Messages whose preview
// cannot be built are omitted rather than failing the batch.
func (m *Mailer) FetchPreviews(mailbox string, messages []models.Message) ([]models.PartialMessage, error) {
	var previews []models.PartialMessage
	err := m.withMailbox(mailbox, false, func(c *client.Client) error {
		for _, message := range messages {
			if len(message.ContentParts) == 0 {
				continue
			}
			part := message.ContentParts[len(message.ContentParts)-1]

			section, err := sectionForPart(part.Part)
			if err != nil {
				log.Printf("imap: preview for %s: %v", message.ID, err)
				continue
			}

			fetched, err := fetchSingleUID(c, message.UID, []imap.FetchItem{section.FetchItem(), imap.FetchUid})
			if err != nil {
				return fmt.Errorf("failed to fetch preview part: %w", err)
			}
			if fetched == nil {
				continue
			}

			summary, ok := mail.SummarizeBodyPart(bodyPartMap(fetched), part)
			if !ok {
				continue
			}
			s := summary
			previews = append(previews, models.PartialMessage{ID: message.ID, Summary: &s})
		}
		return nil
	})
	return previews, err
}

// FetchThreadMessageDetails fetches the full renderable content of every
// message in a thread. Two phases under one lock hold: a structure-only peek
// to learn which leaves are renderable, then a full fetch requesting exactly
// those leaves plus the raw source for attachment metadata.
func (m *Mailer) FetchThreadMessageDetails(mailbox, threadID string) ([]models.MessageDetails, error) {
	var details []models.MessageDetails
	err := m.withMailbox(mailbox, false, func(c *client.Client) error {
		uids := m.threadMembers(mailbox, threadID)
		if len(uids) == 0 {
			// The mailbox has not been scanned on this connection yet.
			if _, err := m.scanThreads(c, mailbox); err != nil {
				return err
			}
			uids = m.threadMembers(mailbox, threadID)
			if len(uids) == 0 {
				return nil
			}
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

		parts, err := peekContentParts(c, uids)
		if err != nil {
			return err
		}

		for _, uid := range uids {
			fetched, err := fetchMessageDetails(c, uid, parts[uid])
			if err != nil {
				return err
			}
			if fetched == nil {
				continue
			}

			partMap := bodyPartMap(fetched)
			source := partMap[sourceKey]
			delete(partMap, sourceKey)

			converted := mail.DetailsFromIMAP(fetched, threadID, partMap, source)
			if converted == nil {
				log.Printf("imap: skipping uid %d without envelope", uid)
				continue
			}
			details = append(details, *converted)
		}
		return nil
	})
	return details, err
}

// peekContentParts fetches body structures only (no body bytes, no flag
// side effects) and maps each UID to its renderable leaves.
func peekContentParts(c *client.Client, uids []uint32) (map[uint32][]models.ContentPart, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, []imap.FetchItem{imap.FetchBodyStructure, imap.FetchUid}, messages)
	}()

	parts := make(map[uint32][]models.ContentPart, len(uids))
	for msg := range messages {
		parts[msg.Uid] = mail.FindContentParts(msg.BodyStructure)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to peek body structures: %w", err)
	}
	return parts, nil
}

func fetchMessageDetails(c *client.Client, uid uint32, parts []models.ContentPart) (*imap.Message, error) {
	sourceSection := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchBodyStructure,
		imap.FetchUid,
		sourceSection.FetchItem(),
	}
	for _, part := range parts {
		section, err := sectionForPart(part.Part)
		if err != nil {
			log.Printf("imap: uid %d: %v", uid, err)
			continue
		}
		items = append(items, section.FetchItem())
	}

	fetched, err := fetchSingleUID(c, uid, items)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message details: %w", err)
	}
	return fetched, nil
}

// FetchNewMessages fetches messages by sequence number in (previous, count],
// the tail of the mailbox beyond the last known message count.
func (m *Mailer) FetchNewMessages(mailbox string, previous, count uint32) ([]models.Message, error) {
	if count <= previous {
		return nil, nil
	}

	var result []models.Message
	err := m.withMailbox(mailbox, false, func(c *client.Client) error {
		seqSet := new(imap.SeqSet)
		seqSet.AddRange(previous+1, count)

		messages := make(chan *imap.Message, count-previous)
		done := make(chan error, 1)
		go func() {
			done <- c.Fetch(seqSet, messageItems, messages)
		}()

		st := m.state(mailbox)
		for msg := range messages {
			converted := mail.MessageFromIMAP(msg, m.threadFor(st, msg))
			if converted == nil {
				log.Printf("imap: skipping uid %d without envelope", msg.Uid)
				continue
			}
			result = append(result, *converted)
		}

		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch new messages: %w", err)
		}

		m.stateMu.Lock()
		if count > st.lastCount {
			st.lastCount = count
		}
		m.stateMu.Unlock()
		return nil
	})
	return result, err
}

// SetRead marks messages as seen.
func (m *Mailer) SetRead(mailbox string, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	return m.withMailbox(mailbox, true, func(c *client.Client) error {
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := c.UidStore(messageSeqSet(messages), item, []interface{}{imap.SeenFlag}, nil); err != nil {
			return fmt.Errorf("failed to mark messages read: %w", err)
		}
		return nil
	})
}

// Delete flags messages deleted and expunges them, then emits a deletion
// event per message so account state reconciles exactly once per removal.
func (m *Mailer) Delete(mailbox string, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	err := m.withMailbox(mailbox, true, func(c *client.Client) error {
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := c.UidStore(messageSeqSet(messages), item, []interface{}{imap.DeletedFlag}, nil); err != nil {
			return fmt.Errorf("failed to flag messages deleted: %w", err)
		}
		if err := c.Expunge(nil); err != nil {
			return fmt.Errorf("failed to expunge: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	st := m.state(mailbox)
	m.stateMu.Lock()
	for _, message := range messages {
		delete(st.uidThread, message.UID)
	}
	m.stateMu.Unlock()

	for _, message := range messages {
		m.emit(DeleteMessageEvent{Mailbox: mailbox, ID: message.ID})
	}
	return nil
}

// threadFor resolves (or derives) the thread id for a fetched message,
// keeping the mailbox indexes current. A reply whose In-Reply-To matches a
// known message joins that thread; anything else roots its own.
func (m *Mailer) threadFor(st *mailboxState, msg *imap.Message) string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if tid, ok := st.uidThread[msg.Uid]; ok {
		return tid
	}

	env := msg.Envelope
	if env == nil {
		return ""
	}
	tid := ""
	if env.InReplyTo != "" {
		tid = st.msgThread[env.InReplyTo]
	}
	if tid == "" {
		tid = env.MessageId
	}
	if tid == "" {
		return ""
	}

	st.uidThread[msg.Uid] = tid
	if env.MessageId != "" {
		st.msgThread[env.MessageId] = tid
	}
	return tid
}

// fetchSingleUID runs a UID fetch expected to return at most one message.
func fetchSingleUID(c *client.Client, uid uint32, items []imap.FetchItem) (*imap.Message, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	var fetched *imap.Message
	for msg := range messages {
		if fetched == nil {
			fetched = msg
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return fetched, nil
}

// sectionForPart builds a peeking body section for a part id, so content
// fetches never set \Seen as a side effect.
func sectionForPart(part string) (*imap.BodySectionName, error) {
	if part == mail.PartText {
		return &imap.BodySectionName{
			BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier},
			Peek:         true,
		}, nil
	}

	segments := strings.Split(part, ".")
	path := make([]int, len(segments))
	for i, segment := range segments {
		n, err := strconv.Atoi(segment)
		if err != nil {
			return nil, fmt.Errorf("invalid part id %q", part)
		}
		path[i] = n
	}
	return &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Path: path},
		Peek:         true,
	}, nil
}

// bodyPartMap reads all fetched body sections into a part-id keyed map. The
// raw source (BODY[]) lands under sourceKey, the non-multipart text body
// under the "text" pseudo id.
func bodyPartMap(msg *imap.Message) map[string][]byte {
	parts := make(map[string][]byte, len(msg.Body))
	for name, literal := range msg.Body {
		if name == nil || literal == nil {
			continue
		}
		data, err := io.ReadAll(literal)
		if err != nil {
			log.Printf("imap: failed to read body section: %v", err)
			continue
		}
		switch {
		case len(name.Path) > 0:
			parts[pathKey(name.Path)] = data
		case name.Specifier == imap.TextSpecifier:
			parts[mail.PartText] = data
		case name.Specifier == imap.EntireSpecifier:
			parts[sourceKey] = data
		}
	}
	return parts
}

func pathKey(path []int) string {
	segments := make([]string, len(path))
	for i, n := range path {
		segments[i] = strconv.Itoa(n)
	}
	return strings.Join(segments, ".")
}

func messageSeqSet(messages []models.Message) *imap.SeqSet {
	seqSet := new(imap.SeqSet)
	for _, message := range messages {
		seqSet.AddNum(message.UID)
	}
	return seqSet
}
