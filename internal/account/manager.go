package account

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/heronmail/heron/internal/events"
	"github.com/heronmail/heron/internal/imap"
	"github.com/heronmail/heron/internal/models"
)

var (
	// ErrNoAccountSelected is returned by mail operations when the manager
	// has no selected account to run them against.
	ErrNoAccountSelected = errors.New("no account selected")

	// ErrUnknownAccount is returned when an id resolves to no registered
	// account.
	ErrUnknownAccount = errors.New("unknown account")
)

// Store persists account registrations and the selected-account marker.
type Store interface {
	Accounts() ([]models.AccountOptions, error)
	SaveAccount(models.AccountOptions) error
	SelectedAccount() (string, error)
	SetSelectedAccount(id string) error
}

// Manager owns the registered accounts, their lifecycles and the selection
// marker. All mail operations address the selected account.
type Manager struct {
	store     Store
	publisher events.Publisher
	refresher *TokenRefresher

	mu       sync.Mutex
	accounts map[string]*Account
	order    []string
	selected string
	stops    map[string]func()
}

// NewManager creates an empty manager; Load brings in persisted accounts.
func NewManager(store Store, publisher events.Publisher, refresher *TokenRefresher) *Manager {
	return &Manager{
		store:     store,
		publisher: publisher,
		refresher: refresher,
		accounts:  make(map[string]*Account),
		stops:     make(map[string]func()),
	}
}

// AccountIDForAddress derives the stable account id from a mail address.
// The same address always maps to the same id, so re-adding an account
// overwrites rather than duplicates it.
func AccountIDForAddress(address string) string {
	normalized := "mailto:" + strings.ToLower(strings.TrimSpace(address))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(normalized)).String()
}

// Load restores persisted accounts and the selection marker. Accounts come
// back disconnected; the first query connects them.
func (m *Manager) Load() error {
	registered, err := m.store.Accounts()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	selected, err := m.store.SelectedAccount()
	if err != nil {
		return fmt.Errorf("failed to load selected account: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, opts := range registered {
		if _, ok := m.accounts[opts.ID]; ok {
			continue
		}
		m.accounts[opts.ID] = New(opts, m.publisher)
		m.order = append(m.order, opts.ID)
	}
	if _, ok := m.accounts[selected]; ok {
		m.selected = selected
	} else if len(m.order) > 0 {
		m.selected = m.order[0]
	}
	return nil
}

// Verify checks credentials by running a full connect/authenticate cycle
// and reports the outcome without registering anything.
func (m *Manager) Verify(conn models.ConnectionOptions) models.AccountConnectionStatus {
	mailer := imap.NewMailer(conn)
	err := mailer.Connect()
	if err == nil {
		_ = mailer.Disconnect()
		return models.AccountConnectionStatus{}
	}

	kind := "unknown"
	if errors.Is(err, imap.ErrAuthenticationFailed) {
		kind = "authentication_failed"
	}
	return models.AccountConnectionStatus{Error: &models.AccountConnectionError{Type: kind}}
}

// Add verifies and registers an account. On a verification failure the
// status carries the error kind and nothing is registered. A successful add
// is persisted and announced; the first account becomes the selection.
func (m *Manager) Add(address string, conn models.ConnectionOptions) (models.AccountConnectionStatus, error) {
	status := m.Verify(conn)
	if status.Error != nil {
		return status, nil
	}

	opts := models.AccountOptions{
		ID:         AccountIDForAddress(address),
		Connection: conn,
	}
	if err := m.store.SaveAccount(opts); err != nil {
		return status, fmt.Errorf("failed to persist account: %w", err)
	}

	m.mu.Lock()
	if existing, ok := m.accounts[opts.ID]; ok {
		m.mu.Unlock()
		if err := existing.ApplyOptions(opts); err != nil {
			return status, err
		}
		m.mu.Lock()
	} else {
		m.accounts[opts.ID] = New(opts, m.publisher)
		m.order = append(m.order, opts.ID)
	}
	first := len(m.order) == 1
	m.mu.Unlock()

	m.publisher.Publish(events.AccountAdded{ID: opts.ID, Options: opts})

	if first {
		if err := m.Select(opts.ID); err != nil {
			return status, err
		}
	}
	return status, nil
}

// Select makes an account current and persists the choice.
func (m *Manager) Select(id string) error {
	m.mu.Lock()
	if _, ok := m.accounts[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	m.selected = id
	m.mu.Unlock()

	if err := m.store.SetSelectedAccount(id); err != nil {
		return fmt.Errorf("failed to persist selection: %w", err)
	}
	return nil
}

// Selected returns the current account, or nil when none is registered.
func (m *Manager) Selected() *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[m.selected]
}

// Accounts lists the registered account options in registration order.
func (m *Manager) Accounts() []models.AccountOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]models.AccountOptions, 0, len(m.order))
	for _, id := range m.order {
		result = append(result, m.accounts[id].Options())
	}
	return result
}

// Shutdown stops refresh schedules and disconnects every account.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	stops := m.stops
	m.stops = make(map[string]func())
	var accounts []*Account
	for _, id := range m.order {
		accounts = append(accounts, m.accounts[id])
	}
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	for _, a := range accounts {
		_ = a.Disconnect()
	}
}

// ensureConnected connects an account on first use and arms its token
// refresh schedule. Rotations are persisted and announced.
func (m *Manager) ensureConnected(a *Account) error {
	if a.Connected() {
		return nil
	}

	// An access token can expire while the app is closed; authenticating
	// with it would fail and never reach the background refresh. Rotate
	// before dialing when the stored token is already within the threshold.
	rotated, err := a.RefreshCredentials(context.Background(), m.refresher)
	if err != nil {
		return err
	}
	if rotated {
		m.persistRotation(a.Options())
	}

	if err := a.Connect(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := a.ID()
	if _, armed := m.stops[id]; !armed {
		m.stops[id] = a.ScheduleRefresh(m.refresher, m.persistRotation)
	}
	return nil
}

// persistRotation saves rotated credentials and announces the change.
func (m *Manager) persistRotation(opts models.AccountOptions) {
	if err := m.store.SaveAccount(opts); err != nil {
		// The rotated token still works for this session; losing the
		// persisted copy only costs a re-auth after restart.
		log.Printf("failed to persist rotated credentials for %s: %v", opts.ID, err)
	}
	m.publisher.Publish(events.AccountOptionsChanged{ID: opts.ID})
}

func (m *Manager) selectedOrErr() (*Account, error) {
	a := m.Selected()
	if a == nil {
		return nil, ErrNoAccountSelected
	}
	if err := m.ensureConnected(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Query runs the thread query pipeline on the selected account's inbox.
func (m *Manager) Query() error {
	a, err := m.selectedOrErr()
	if err != nil {
		return err
	}
	return a.QueryThreads(DefaultMailbox)
}

// QueryThreadDetails emits the decoded messages of one inbox thread.
func (m *Manager) QueryThreadDetails(threadID string) error {
	a, err := m.selectedOrErr()
	if err != nil {
		return err
	}
	a.QueryThreadDetails(DefaultMailbox, threadID)
	return nil
}

// SetRead marks inbox messages seen on the selected account.
func (m *Manager) SetRead(ids []string) error {
	a, err := m.selectedOrErr()
	if err != nil {
		return err
	}
	return a.SetRead(DefaultMailbox, ids)
}

// ArchiveMessages removes inbox messages on the selected account.
func (m *Manager) ArchiveMessages(ids []string) error {
	a, err := m.selectedOrErr()
	if err != nil {
		return err
	}
	return a.Archive(DefaultMailbox, ids)
}
