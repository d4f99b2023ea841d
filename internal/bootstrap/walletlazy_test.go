package bootstrap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nanocurrency/nanod/internal/ledger"
	"github.com/nanocurrency/nanod/internal/log"
)

var errBulkPullAccountFailed = errors.New("fake bulk_pull_account failure")

// fakeWalletConn answers BulkPullAccount from a per-account map and can be
// told to fail the first call for a given account, exercising the
// requeue-on-error path.
type fakeWalletConn struct {
	mu        sync.Mutex
	entries   map[ledger.Account][]PendingEntry
	failOnce  map[ledger.Account]bool
	pullCalls int
}

func newFakeWalletConn() *fakeWalletConn {
	return &fakeWalletConn{
		entries:  make(map[ledger.Account][]PendingEntry),
		failOnce: make(map[ledger.Account]bool),
	}
}

func (c *fakeWalletConn) seed(account ledger.Account, entries ...PendingEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[account] = entries
}

func (c *fakeWalletConn) failFirstCallFor(account ledger.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failOnce[account] = true
}

func (c *fakeWalletConn) BulkPull(ctx context.Context, start [32]byte, end ledger.BlockHash, count uint32) ([]ledger.Block, error) {
	return nil, nil
}

func (c *fakeWalletConn) BulkPullAccount(ctx context.Context, account ledger.Account, minimum ledger.Balance) ([]PendingEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pullCalls++
	if c.failOnce[account] {
		c.failOnce[account] = false
		return nil, errBulkPullAccountFailed
	}
	return c.entries[account], nil
}

func (c *fakeWalletConn) Close() error { return nil }

// recvCollector implements Receiver, recording every discovered entry.
type recvCollector struct {
	mu      sync.Mutex
	entries map[ledger.Account][]PendingEntry
}

func newRecvCollector() *recvCollector {
	return &recvCollector{entries: make(map[ledger.Account][]PendingEntry)}
}

func (r *recvCollector) PendingDiscovered(account ledger.Account, entry PendingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[account] = append(r.entries[account], entry)
}

func (r *recvCollector) countFor(account ledger.Account) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[account])
}

func walletAcct(b byte) ledger.Account {
	var a ledger.Account
	a[0] = b
	return a
}

func TestWalletLazyAttemptFinishedWhenQueueEmpty(t *testing.T) {
	w := NewWalletLazyAttempt(DefaultWalletLazyConfig(), &fakePool{conn: newFakeWalletConn()}, log.NewNopLogger())
	require.True(t, w.Finished())

	w.Enqueue(walletAcct(1))
	require.False(t, w.Finished())
}

func TestWalletLazyAttemptDrainsQueueAndReportsPending(t *testing.T) {
	conn := newFakeWalletConn()
	a1, a2 := walletAcct(1), walletAcct(2)
	conn.seed(a1, PendingEntry{Source: walletAcct(9), Amount: ledger.NewBalance(10)})
	conn.seed(a2,
		PendingEntry{Source: walletAcct(9), Amount: ledger.NewBalance(20)},
		PendingEntry{Source: walletAcct(8), Amount: ledger.NewBalance(5)},
	)

	w := NewWalletLazyAttempt(DefaultWalletLazyConfig(), &fakePool{conn: conn}, log.NewNopLogger())
	w.Enqueue(a1)
	w.Enqueue(a2)

	recv := newRecvCollector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, recv) }()

	require.Eventually(t, func() bool { return w.Finished() }, 3*time.Second, 5*time.Millisecond)
	w.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	require.Equal(t, 1, recv.countFor(a1))
	require.Equal(t, 2, recv.countFor(a2))
}

func TestWalletLazyAttemptRequeuesAfterConnectionFailure(t *testing.T) {
	conn := newFakeWalletConn()
	account := walletAcct(3)
	conn.seed(account, PendingEntry{Source: walletAcct(9), Amount: ledger.NewBalance(1)})
	conn.failFirstCallFor(account)

	w := NewWalletLazyAttempt(DefaultWalletLazyConfig(), &fakePool{conn: conn}, log.NewNopLogger())
	w.Enqueue(account)

	recv := newRecvCollector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx, recv)
	defer w.Stop()

	// The first pull fails and requeues; the account must eventually be
	// retried and succeed without operator intervention.
	require.Eventually(t, func() bool { return recv.countFor(account) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, conn.pullCalls, 2)
}

func TestWalletLazyAttemptStopEndsRunPromptly(t *testing.T) {
	w := NewWalletLazyAttempt(DefaultWalletLazyConfig(), &blockingPool{}, log.NewNopLogger())
	w.Enqueue(walletAcct(4)) // pool never yields a connection, so this never drains on its own

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, nil) }()

	// Let Run settle into its polling loop, then stop it.
	time.Sleep(20 * time.Millisecond)
	w.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not observe Stop")
	}
}

func TestWalletLazyAttemptExpiresAfterMaxWallclock(t *testing.T) {
	cfg := WalletLazyConfig{MaxWallclock: 10 * time.Millisecond}
	// The pool never hands out a connection, so the queue can never drain
	// before the deadline.
	w := NewWalletLazyAttempt(cfg, &blockingPool{}, log.NewNopLogger())
	w.Enqueue(walletAcct(5))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := w.Run(ctx, nil)
	require.ErrorIs(t, err, ErrExpired)
}

// blockingPool never has an idle connection, forcing the wallet-lazy run
// loop to keep requeuing until its wallclock budget is exhausted.
type blockingPool struct{}

func (blockingPool) TryAcquire() (Connection, bool) { return nil, false }
func (blockingPool) Release(Connection)             {}
