package imap

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heronmail/heron/internal/testutil"
)

func TestMailboxLockViolation(t *testing.T) {
	s := testutil.NewTestIMAPServer(t)
	defer s.Close()

	m := newTestMailer(t, s)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.withMailbox("INBOX", false, func(c *client.Client) error {
			close(locked)
			<-release
			return nil
		})
	}()

	<-locked

	// A different mailbox fails fast instead of queueing.
	_, err := m.GetMailboxThreads("Archive")
	assert.ErrorIs(t, err, ErrMailboxLockViolation)

	close(release)
	require.NoError(t, <-done)

	// Once released, other mailboxes are reachable again (the error now is
	// the server's, since the mailbox doesn't exist, not a lock violation).
	_, err = m.GetMailboxThreads("Archive")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMailboxLockViolation)
}

func TestMailboxLockSerializes(t *testing.T) {
	s := testutil.NewTestIMAPServer(t)
	defer s.Close()

	m := newTestMailer(t, s)

	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.withMailbox("INBOX", false, func(c *client.Client) error {
				assert.Equal(t, int32(1), atomic.AddInt32(&inside, 1), "operations overlapped")
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestLockReleasedOnError(t *testing.T) {
	s := testutil.NewTestIMAPServer(t)
	defer s.Close()

	m := newTestMailer(t, s)

	// A failed select (nonexistent mailbox) must not leave the lock held.
	_, err := m.GetMailboxThreads("NoSuchBox")
	require.Error(t, err)

	_, err = m.GetMailboxThreads("INBOX")
	assert.NoError(t, err)
}
