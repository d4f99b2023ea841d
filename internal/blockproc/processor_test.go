package blockproc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/crypto/ed25519"

	"github.com/nanocurrency/nanod/internal/ledger"
	"github.com/nanocurrency/nanod/internal/log"
	"github.com/nanocurrency/nanod/internal/metrics"
	"github.com/nanocurrency/nanod/internal/store"
)

type keypair struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newKeypair(t *testing.T) keypair {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return keypair{pub: pub, priv: priv}
}

func (k keypair) account() ledger.Account {
	var a ledger.Account
	copy(a[:], k.pub)
	return a
}

func signState(t *testing.T, k keypair, b *ledger.StateBlock) {
	t.Helper()
	hash := b.Hash()
	sig := ed25519.Sign(k.priv, hash[:])
	copy(b.Sig[:], sig)
}

type recorder struct {
	mu     sync.Mutex
	events []ledger.ProcessResult
}

func (r *recorder) BlockCommitted(_ ledger.Block, result ledger.ProcessResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, result)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) tally() (gaps, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.events {
		if res == ledger.Progress {
			progress++
		} else {
			gaps++
		}
	}
	return
}

// TestGapBootstrapAndGapLiveDrain exercises spec.md 4.G's "gap_bootstrap" /
// "gap_live" scenario: a receive that arrives before its source send
// (gap_source) and a chain continuation that arrives before its account has
// ever been opened (gap_previous) both park in the unchecked table, then
// drain automatically once their dependency commits.
func TestGapBootstrapAndGapLiveDrain(t *testing.T) {
	st := store.New(dbm.NewMemDB())
	a := newKeypair(t)
	b := newKeypair(t)
	c := newKeypair(t)

	var openHashA ledger.BlockHash
	openHashA[0] = 0xaa
	require.NoError(t, st.Update(func(txn store.Txn) error {
		if err := txn.PutAccountInfo(a.account(), ledger.AccountInfo{
			Head:       openHashA,
			OpenBlock:  openHashA,
			Balance:    ledger.NewBalance(100),
			BlockCount: 1,
		}); err != nil {
			return err
		}
		return txn.PutFrontier(a.account(), openHashA)
	}))

	sendToB := &ledger.StateBlock{
		AccountPub:     a.account(),
		PreviousHash:   openHashA,
		Representative: a.account(),
		Balance:        ledger.NewBalance(40),
		Link:           ledger.BlockHash(b.account()),
	}
	signState(t, a, sendToB)

	sendToC := &ledger.StateBlock{
		AccountPub:     a.account(),
		PreviousHash:   sendToB.Hash(),
		Representative: a.account(),
		Balance:        ledger.NewBalance(10),
		Link:           ledger.BlockHash(c.account()),
	}
	signState(t, a, sendToC)

	openB := &ledger.StateBlock{
		AccountPub:     b.account(),
		Representative: b.account(),
		Balance:        ledger.NewBalance(60),
		Link:           sendToB.Hash(),
	}
	signState(t, b, openB)

	openC := &ledger.StateBlock{
		AccountPub:     c.account(),
		Representative: c.account(),
		Balance:        ledger.NewBalance(30),
		Link:           sendToC.Hash(),
	}
	signState(t, c, openC)

	c2 := &ledger.StateBlock{
		AccountPub:     c.account(),
		PreviousHash:   openC.Hash(),
		Representative: c.account(),
		Balance:        ledger.NewBalance(30),
		Link:           ledger.EpochLink,
	}
	signState(t, c, c2)

	p := New(st, log.NewNopLogger(), metrics.NewDiscard(), 16)
	rec := &recorder{}
	p.Subscribe(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	// openB references a source send (sendToB) that hasn't committed yet:
	// gap_source.
	require.NoError(t, p.Submit(ctx, Item{Block: openB}))
	// c2 continues an account chain (C) that has never been opened: gap_previous.
	require.NoError(t, p.Submit(ctx, Item{Block: c2}))
	require.Eventually(t, func() bool { return rec.count() >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, p.Submit(ctx, Item{Block: sendToB}))
	require.Eventually(t, func() bool { return rec.count() >= 4 }, time.Second, time.Millisecond)

	require.NoError(t, p.Submit(ctx, Item{Block: sendToC}))
	require.NoError(t, p.Submit(ctx, Item{Block: openC}))
	require.Eventually(t, func() bool { return rec.count() >= 7 }, time.Second, time.Millisecond)

	gaps, progress := rec.tally()
	require.Equal(t, 2, gaps, "openB and c2 each gap exactly once before their dependency commits")
	require.Equal(t, 5, progress)

	var infoB, infoC ledger.AccountInfo
	require.NoError(t, st.View(func(txn store.Txn) error {
		var ok bool
		var err error
		infoB, ok, err = txn.GetAccountInfo(b.account())
		require.True(t, ok)
		if err != nil {
			return err
		}
		infoC, ok, err = txn.GetAccountInfo(c.account())
		require.True(t, ok)
		return err
	}))
	require.Equal(t, openB.Hash(), infoB.Head)
	require.Equal(t, c2.Hash(), infoC.Head, "c2 should have drained and committed on top of openC")

	p.Stop()
}
