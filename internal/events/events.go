// Package events defines the outward event stream the sync engine emits
// toward the UI layer. The engine only knows the Publisher interface; the
// WebSocket bridge is one implementation.
package events

import "github.com/heronmail/heron/internal/models"

// Event is one outward notification. Type returns a stable wire name.
type Event interface {
	Type() string
}

// Publisher consumes engine events.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) { f(e) }

// ThreadsQueried carries the newest threads of the queried mailbox.
type ThreadsQueried struct {
	Threads []models.Thread `json:"threads"`
}

func (ThreadsQueried) Type() string { return "threads_queried" }

// MessagesFetched carries the full messages of previously emitted threads.
type MessagesFetched struct {
	Messages []models.Message `json:"messages"`
}

func (MessagesFetched) Type() string { return "messages_fetched" }

// MessagesUpdated carries flag or summary deltas, merged by the consumer
// into existing message state keyed by id.
type MessagesUpdated struct {
	Partials []models.PartialMessage `json:"partials"`
}

func (MessagesUpdated) Type() string { return "messages_updated" }

// MessagesPushed is a live new-mail notification with the threads it changed.
type MessagesPushed struct {
	Messages       []models.Message `json:"messages"`
	ChangedThreads []models.Thread  `json:"changed_threads"`
}

func (MessagesPushed) Type() string { return "messages_pushed" }

// MessageDeleted reports a reconciled deletion.
type MessageDeleted struct {
	ID             string          `json:"id"`
	ChangedThreads []models.Thread `json:"changed_threads"`
	RemovedThreads []string        `json:"removed_threads"`
}

func (MessageDeleted) Type() string { return "message_deleted" }

// ThreadDetails carries the fully decoded messages of one thread.
type ThreadDetails struct {
	Messages []models.MessageDetails `json:"messages"`
}

func (ThreadDetails) Type() string { return "thread_details" }

// AccountAdded reports a newly registered account.
type AccountAdded struct {
	ID      string                `json:"id"`
	Options models.AccountOptions `json:"options"`
}

func (AccountAdded) Type() string { return "account_added" }

// AccountOptionsChanged reports a credential rotation on an account.
type AccountOptionsChanged struct {
	ID string `json:"id"`
}

func (AccountOptionsChanged) Type() string { return "account_options_changed" }
