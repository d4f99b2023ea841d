package confheight

import (
	"testing"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/nanocurrency/nanod/internal/ledger"
	"github.com/nanocurrency/nanod/internal/log"
	"github.com/nanocurrency/nanod/internal/metrics"
	"github.com/nanocurrency/nanod/internal/store"
)

// chain builds an n-block account-chain of state blocks directly in
// storage (bypassing ledger.Process, which needs real signatures) and
// returns the hashes tip-last (hashes[0] is the open block).
func buildChain(t *testing.T, st *store.Store, account ledger.Account, n int) []ledger.BlockHash {
	t.Helper()
	var hashes []ledger.BlockHash
	err := st.Update(func(txn store.Txn) error {
		var prev ledger.BlockHash
		for i := 0; i < n; i++ {
			b := &ledger.StateBlock{
				AccountPub:     account,
				PreviousHash:   prev,
				Representative: account,
				Balance:        ledger.NewBalance(uint64(i + 1)),
				Link:           ledger.EpochLink,
			}
			if err := txn.PutBlock(b); err != nil {
				return err
			}
			hashes = append(hashes, b.Hash())
			prev = b.Hash()
		}
		if err := txn.PutAccountInfo(account, ledger.AccountInfo{
			Head:       prev,
			OpenBlock:  hashes[0],
			Balance:    ledger.NewBalance(uint64(n)),
			BlockCount: uint64(n),
		}); err != nil {
			return err
		}
		return txn.PutFrontier(account, prev)
	})
	require.NoError(t, err)
	return hashes
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(dbm.NewMemDB())
}

func TestConfirmDynamicAlgorithmSwitch(t *testing.T) {
	var account ledger.Account
	account[0] = 0x01

	st := newTestStore(t)
	hashes := buildChain(t, st, account, 10)

	// A tiny cutoff forces the unbounded path even for this small chain.
	trUnbounded := New(st, Config{BatchWriteSize: 4, UnboundedCutoff: 2}, log.NewNopLogger(), metrics.NewDiscard())
	require.NoError(t, trUnbounded.Confirm(hashes[len(hashes)-1]))

	var height ledger.ConfirmationHeightInfo
	require.NoError(t, st.View(func(txn store.Txn) error {
		h, _, err := txn.GetConfirmationHeight(account)
		height = h
		return err
	}))
	require.Equal(t, uint64(10), height.Height)
	require.Equal(t, hashes[len(hashes)-1], height.Frontier)
}

func TestConfirmBoundedAlgorithm(t *testing.T) {
	var account ledger.Account
	account[0] = 0x02

	st := newTestStore(t)
	hashes := buildChain(t, st, account, 6)

	// A generous cutoff keeps this on the bounded path, batching in groups
	// of 2.
	tr := New(st, Config{BatchWriteSize: 2, UnboundedCutoff: 1000}, log.NewNopLogger(), metrics.NewDiscard())
	require.NoError(t, tr.Confirm(hashes[len(hashes)-1]))

	var height ledger.ConfirmationHeightInfo
	require.NoError(t, st.View(func(txn store.Txn) error {
		h, _, err := txn.GetConfirmationHeight(account)
		height = h
		return err
	}))
	require.Equal(t, uint64(6), height.Height)
	require.Equal(t, hashes[len(hashes)-1], height.Frontier)
}

func TestConfirmEmitsObserverEventsGenesisFirst(t *testing.T) {
	var account ledger.Account
	account[0] = 0x03

	st := newTestStore(t)
	hashes := buildChain(t, st, account, 3)

	tr := New(st, Config{BatchWriteSize: 16, UnboundedCutoff: 1000}, log.NewNopLogger(), metrics.NewDiscard())
	var events []Event
	tr.Subscribe(recorderObserver{&events})
	require.NoError(t, tr.Confirm(hashes[len(hashes)-1]))

	require.Len(t, events, 3)
	require.Equal(t, hashes[0], events[0].Hash)
	require.Equal(t, hashes[2], events[2].Hash)
	require.Equal(t, uint64(1), events[0].Height)
	require.Equal(t, uint64(3), events[2].Height)
}

type recorderObserver struct{ events *[]Event }

func (r recorderObserver) BlockCemented(e Event) { *r.events = append(*r.events, e) }

func TestRollbackRefusesCementedBlock(t *testing.T) {
	var account ledger.Account
	account[0] = 0x04

	st := newTestStore(t)
	hashes := buildChain(t, st, account, 5)

	tr := New(st, DefaultConfig(), log.NewNopLogger(), metrics.NewDiscard())
	require.NoError(t, tr.Confirm(hashes[len(hashes)-1]))

	// hashes[2] is at position 3, at or below the cemented height (5):
	// rollback must refuse without mutating anything.
	refused, err := tr.Rollback(hashes[2])
	require.NoError(t, err)
	require.True(t, refused)

	var height ledger.ConfirmationHeightInfo
	require.NoError(t, st.View(func(txn store.Txn) error {
		h, _, err := txn.GetConfirmationHeight(account)
		height = h
		return err
	}))
	require.Equal(t, uint64(5), height.Height, "refused rollback must not change the cemented height")
}
