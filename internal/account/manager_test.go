package account

import (
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heronmail/heron/internal/events"
	"github.com/heronmail/heron/internal/models"
	"github.com/heronmail/heron/internal/testutil"
)

// memoryStore is an in-memory Store for tests.
type memoryStore struct {
	accounts map[string]models.AccountOptions
	order    []string
	selected string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{accounts: make(map[string]models.AccountOptions)}
}

func (s *memoryStore) Accounts() ([]models.AccountOptions, error) {
	result := make([]models.AccountOptions, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.accounts[id])
	}
	return result, nil
}

func (s *memoryStore) SaveAccount(opts models.AccountOptions) error {
	if _, ok := s.accounts[opts.ID]; !ok {
		s.order = append(s.order, opts.ID)
	}
	s.accounts[opts.ID] = opts
	return nil
}

func (s *memoryStore) SelectedAccount() (string, error) {
	return s.selected, nil
}

func (s *memoryStore) SetSelectedAccount(id string) error {
	s.selected = id
	return nil
}

func serverConnection(t *testing.T, s *testutil.TestIMAPServer) models.ConnectionOptions {
	t.Helper()

	host, portText, err := net.SplitHostPort(s.Address)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	return models.ConnectionOptions{
		Service: models.ServiceIMAP,
		Host:    host,
		Port:    port,
		Secure:  false,
		User:    s.Username(),
		Pass:    s.Password(),
	}
}

func TestAccountIDForAddress(t *testing.T) {
	id := AccountIDForAddress("alice@example.com")
	assert.NotEmpty(t, id)

	t.Run("stable across normalization", func(t *testing.T) {
		assert.Equal(t, id, AccountIDForAddress("Alice@Example.com"))
		assert.Equal(t, id, AccountIDForAddress("  alice@example.com  "))
	})

	t.Run("distinct addresses get distinct ids", func(t *testing.T) {
		assert.NotEqual(t, id, AccountIDForAddress("bob@example.com"))
	})
}

func TestManagerVerify(t *testing.T) {
	s := testutil.NewTestIMAPServer(t)
	defer s.Close()

	m := NewManager(newMemoryStore(), &capturingPublisher{}, nil)

	t.Run("accepts valid credentials", func(t *testing.T) {
		status := m.Verify(serverConnection(t, s))
		assert.Nil(t, status.Error)
	})

	t.Run("rejects bad credentials", func(t *testing.T) {
		conn := serverConnection(t, s)
		conn.Pass = "wrong"
		status := m.Verify(conn)
		require.NotNil(t, status.Error)
		assert.Equal(t, "authentication_failed", status.Error.Type)
	})

	t.Run("classifies unreachable servers as unknown", func(t *testing.T) {
		conn := serverConnection(t, s)
		conn.Port = 1 // nothing listens here
		status := m.Verify(conn)
		require.NotNil(t, status.Error)
		assert.Equal(t, "unknown", status.Error.Type)
	})
}

func TestManagerAdd(t *testing.T) {
	s := testutil.NewTestIMAPServer(t)
	defer s.Close()

	store := newMemoryStore()
	pub := &capturingPublisher{}
	m := NewManager(store, pub, nil)
	defer m.Shutdown()

	status, err := m.Add("alice@example.com", serverConnection(t, s))
	require.NoError(t, err)
	assert.Nil(t, status.Error)

	id := AccountIDForAddress("alice@example.com")

	t.Run("persists and announces the account", func(t *testing.T) {
		persisted, err := store.Accounts()
		require.NoError(t, err)
		require.Len(t, persisted, 1)
		assert.Equal(t, id, persisted[0].ID)

		var added *events.AccountAdded
		for _, ev := range pub.all() {
			if e, ok := ev.(events.AccountAdded); ok {
				added = &e
			}
		}
		require.NotNil(t, added)
		assert.Equal(t, id, added.ID)
	})

	t.Run("selects the first account", func(t *testing.T) {
		selected := m.Selected()
		require.NotNil(t, selected)
		assert.Equal(t, id, selected.ID())
		assert.Equal(t, id, store.selected)
	})

	t.Run("a failed verification registers nothing", func(t *testing.T) {
		conn := serverConnection(t, s)
		conn.Pass = "wrong"

		status, err := m.Add("mallory@example.com", conn)
		require.NoError(t, err)
		require.NotNil(t, status.Error)
		assert.Equal(t, "authentication_failed", status.Error.Type)

		persisted, err := store.Accounts()
		require.NoError(t, err)
		assert.Len(t, persisted, 1)
	})

	t.Run("re-adding updates in place", func(t *testing.T) {
		status, err := m.Add("alice@example.com", serverConnection(t, s))
		require.NoError(t, err)
		assert.Nil(t, status.Error)

		persisted, err := store.Accounts()
		require.NoError(t, err)
		assert.Len(t, persisted, 1)
		assert.Len(t, m.Accounts(), 1)
	})
}

func TestManagerLoad(t *testing.T) {
	store := newMemoryStore()
	require.NoError(t, store.SaveAccount(models.AccountOptions{
		ID:         "acc-a",
		Connection: models.ConnectionOptions{Service: models.ServiceIMAP, User: "a"},
	}))
	require.NoError(t, store.SaveAccount(models.AccountOptions{
		ID:         "acc-b",
		Connection: models.ConnectionOptions{Service: models.ServiceIMAP, User: "b"},
	}))

	t.Run("restores the persisted selection", func(t *testing.T) {
		require.NoError(t, store.SetSelectedAccount("acc-b"))

		m := NewManager(store, &capturingPublisher{}, nil)
		require.NoError(t, m.Load())
		require.NotNil(t, m.Selected())
		assert.Equal(t, "acc-b", m.Selected().ID())
	})

	t.Run("falls back to the first account", func(t *testing.T) {
		require.NoError(t, store.SetSelectedAccount("acc-gone"))

		m := NewManager(store, &capturingPublisher{}, nil)
		require.NoError(t, m.Load())
		require.NotNil(t, m.Selected())
		assert.Equal(t, "acc-a", m.Selected().ID())
	})

	t.Run("selecting an unknown account fails", func(t *testing.T) {
		m := NewManager(store, &capturingPublisher{}, nil)
		require.NoError(t, m.Load())
		assert.ErrorIs(t, m.Select("acc-gone"), ErrUnknownAccount)
	})
}

func TestManagerQueryWithoutAccount(t *testing.T) {
	m := NewManager(newMemoryStore(), &capturingPublisher{}, nil)
	assert.ErrorIs(t, m.Query(), ErrNoAccountSelected)
	assert.ErrorIs(t, m.SetRead([]string{"<x@y>"}), ErrNoAccountSelected)
	assert.ErrorIs(t, m.ArchiveMessages([]string{"<x@y>"}), ErrNoAccountSelected)
	assert.ErrorIs(t, m.QueryThreadDetails("<x@y>"), ErrNoAccountSelected)
}

func TestManagerQueryPipeline(t *testing.T) {
	s := testutil.NewTestIMAPServer(t)
	defer s.Close()
	s.ClearMailbox(t, "INBOX")

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID: "<q1@example.com>",
		Subject:   "First",
		From:      "alice@example.com",
		To:        "bob@example.com",
		Date:      base,
		Body:      "The first message body.",
	})
	s.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID: "<q2@example.com>",
		InReplyTo: "<q1@example.com>",
		Subject:   "Re: First",
		From:      "bob@example.com",
		To:        "alice@example.com",
		Date:      base.Add(time.Hour),
		Body:      "A reply body.",
	})

	store := newMemoryStore()
	pub := &capturingPublisher{}
	m := NewManager(store, pub, nil)
	defer m.Shutdown()

	_, err := m.Add("alice@example.com", serverConnection(t, s))
	require.NoError(t, err)

	require.NoError(t, m.Query())

	var queried *events.ThreadsQueried
	var fetched *events.MessagesFetched
	var updated *events.MessagesUpdated
	for _, ev := range pub.all() {
		switch e := ev.(type) {
		case events.ThreadsQueried:
			queried = &e
		case events.MessagesFetched:
			fetched = &e
		case events.MessagesUpdated:
			updated = &e
		}
	}

	require.NotNil(t, queried, "stage one must emit threads")
	require.Len(t, queried.Threads, 1)
	assert.Equal(t, "<q1@example.com>", queried.Threads[0].ID)
	assert.Len(t, queried.Threads[0].Messages, 2)

	require.NotNil(t, fetched, "stage two must emit messages")
	assert.Len(t, fetched.Messages, 2)

	require.NotNil(t, updated, "stage three must emit previews")
	require.NotEmpty(t, updated.Partials)
	require.NotNil(t, updated.Partials[0].Summary)
	assert.NotEmpty(t, *updated.Partials[0].Summary)
}

func TestManagerConnectRotatesExpiredToken(t *testing.T) {
	gmailAccount := func() models.AccountOptions {
		return models.AccountOptions{
			ID: "acc-gmail",
			Connection: models.ConnectionOptions{
				Service: models.ServiceGmail,
				User:    "user@gmail.com",
				Auth: &models.OAuthToken{
					Access:  "old-access",
					Refresh: "old-refresh",
					// Expired while the app was closed.
					ExpiresAt: time.Now().Add(-time.Hour),
				},
			},
		}
	}

	t.Run("rotates before dialing", func(t *testing.T) {
		refresher := grantingEndpoint(t)
		store := newMemoryStore()
		require.NoError(t, store.SaveAccount(gmailAccount()))
		pub := &capturingPublisher{}

		m := NewManager(store, pub, refresher)
		require.NoError(t, m.Load())

		// The dial against the real Gmail host fails in tests; the rotation
		// must already have happened by then.
		assert.Error(t, m.Query())

		auth := m.Selected().Options().Connection.Auth
		require.NotNil(t, auth)
		assert.Equal(t, "new-access", auth.Access)
		assert.Equal(t, "new-refresh", auth.Refresh)

		persisted := store.accounts["acc-gmail"]
		require.NotNil(t, persisted.Connection.Auth)
		assert.Equal(t, "new-access", persisted.Connection.Auth.Access)

		var announced bool
		for _, ev := range pub.all() {
			if _, ok := ev.(events.AccountOptionsChanged); ok {
				announced = true
			}
		}
		assert.True(t, announced, "rotation must be announced")
	})

	t.Run("surfaces a failed rotation instead of dialing", func(t *testing.T) {
		refresher := newTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error": "invalid_grant"}`, http.StatusBadRequest)
		})
		store := newMemoryStore()
		require.NoError(t, store.SaveAccount(gmailAccount()))

		m := NewManager(store, &capturingPublisher{}, refresher)
		require.NoError(t, m.Load())

		assert.ErrorIs(t, m.Query(), ErrTokenRefreshFailed)
		// The old credentials stay in place for a manual retry.
		assert.Equal(t, "old-access", store.accounts["acc-gmail"].Connection.Auth.Access)
	})
}
