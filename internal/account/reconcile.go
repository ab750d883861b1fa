package account

import (
	"log"

	"github.com/heronmail/heron/internal/events"
	"github.com/heronmail/heron/internal/imap"
	"github.com/heronmail/heron/internal/models"
)

// consumeEvents drains one connection epoch's push events into the account
// state. It returns when the mailer closes its event stream.
func (a *Account) consumeEvents(mailer *imap.Mailer) {
	for ev := range mailer.Events() {
		switch e := ev.(type) {
		case imap.NewMessagesEvent:
			a.onNewMessages(e)
		case imap.FlagUpdateEvent:
			a.onFlagUpdate(e)
		case imap.DeleteMessageEvent:
			a.onMessageDeleted(e)
		case imap.ClosedEvent:
			log.Printf("account %s: connection closed", a.ID())
		}
	}
}

// onNewMessages folds arrived messages into the thread cache. A message
// lands in its thread if cached, otherwise it seeds a new one; the thread
// date only ever rises.
func (a *Account) onNewMessages(e imap.NewMessagesEvent) {
	a.mu.Lock()
	v := a.view(e.Mailbox)

	changed := make(map[string]*models.Thread)
	for _, message := range e.Messages {
		if message.ThreadID == "" {
			log.Printf("account %s: pushed message %s has no thread, skipping", a.opts.ID, message.ID)
			continue
		}
		thread, ok := v.threads[message.ThreadID]
		if !ok {
			thread = &models.Thread{ID: message.ThreadID, Date: message.Date}
			v.threads[message.ThreadID] = thread
		}
		thread.Messages = append(thread.Messages, message.UID)
		if message.Date.After(thread.Date) {
			thread.Date = message.Date
		}
		a.idMap[message.ID] = message.UID
		changed[thread.ID] = thread
	}

	changedThreads := make([]models.Thread, 0, len(changed))
	for _, thread := range changed {
		changedThreads = append(changedThreads, *thread)
	}
	a.mu.Unlock()

	if len(changedThreads) == 0 {
		return
	}
	a.publisher.Publish(events.MessagesPushed{
		Messages:       e.Messages,
		ChangedThreads: changedThreads,
	})
}

// onFlagUpdate translates a server-side flag change into a partial message
// update. The push carries a UID; when no known message id maps to it the
// update is dropped, since there is nothing on the consumer side it could
// apply to.
func (a *Account) onFlagUpdate(e imap.FlagUpdateEvent) {
	id, ok := a.idForUID(e.UID)
	if !ok {
		return
	}
	flags := e.Flags
	a.publisher.Publish(events.MessagesUpdated{
		Partials: []models.PartialMessage{{ID: id, Flags: &flags}},
	})
}

// idForUID reverse-resolves a UID through the id index. UIDs are unique per
// mailbox within a session, so the first match wins.
func (a *Account) idForUID(uid uint32) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, mapped := range a.idMap {
		if mapped == uid {
			return id, true
		}
	}
	return "", false
}

// onMessageDeleted drops a removed message from its thread. A thread losing
// its last member is removed outright; otherwise it shrinks in place and
// keeps its date.
func (a *Account) onMessageDeleted(e imap.DeleteMessageEvent) {
	a.mu.Lock()
	uid, known := a.idMap[e.ID]
	if known {
		delete(a.idMap, e.ID)
	}

	v := a.view(e.Mailbox)
	var changedThreads []models.Thread
	var removedThreads []string
	if known {
		for tid, thread := range v.threads {
			kept := thread.Messages[:0]
			for _, member := range thread.Messages {
				if member != uid {
					kept = append(kept, member)
				}
			}
			if len(kept) == len(thread.Messages) {
				continue
			}
			thread.Messages = kept
			if len(thread.Messages) == 0 {
				delete(v.threads, tid)
				removedThreads = append(removedThreads, tid)
			} else {
				changedThreads = append(changedThreads, *thread)
			}
		}
	}
	a.mu.Unlock()

	a.publisher.Publish(events.MessageDeleted{
		ID:             e.ID,
		ChangedThreads: changedThreads,
		RemovedThreads: removedThreads,
	})
}
