package store

import (
	"testing"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/nanocurrency/nanod/internal/ledger"
)

func acct(b byte) ledger.Account {
	var a ledger.Account
	a[0] = b
	return a
}

func hash(b byte) ledger.BlockHash {
	var h ledger.BlockHash
	h[0] = b
	return h
}

func TestAccountInfoCodecRoundTrip(t *testing.T) {
	info := ledger.AccountInfo{
		Head:           hash(1),
		Representative: acct(2),
		OpenBlock:      hash(3),
		Balance:        ledger.NewBalance(12345),
		BlockCount:     7,
		ModifiedUnix:   1_700_000_000,
	}
	got, err := decodeAccountInfo(encodeAccountInfo(info))
	require.NoError(t, err)
	require.Equal(t, info.Head, got.Head)
	require.Equal(t, info.Representative, got.Representative)
	require.Equal(t, info.OpenBlock, got.OpenBlock)
	require.Equal(t, 0, info.Balance.Cmp(got.Balance))
	require.Equal(t, info.BlockCount, got.BlockCount)
	require.Equal(t, info.ModifiedUnix, got.ModifiedUnix)
}

func TestPendingCodecRoundTrip(t *testing.T) {
	info := ledger.PendingInfo{Source: acct(9), Amount: ledger.NewBalance(555)}
	got, err := decodePending(encodePending(info))
	require.NoError(t, err)
	require.Equal(t, info.Source, got.Source)
	require.Equal(t, 0, info.Amount.Cmp(got.Amount))
}

func TestConfirmationHeightCodecRoundTrip(t *testing.T) {
	info := ledger.ConfirmationHeightInfo{Height: 42, Frontier: hash(8)}
	got, err := decodeConfirmationHeight(encodeConfirmationHeight(info))
	require.NoError(t, err)
	require.Equal(t, info, got)
}

func TestDecodeAccountInfoRejectsMalformedInput(t *testing.T) {
	_, err := decodeAccountInfo([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestTryUpdateRejectsConcurrentWriter(t *testing.T) {
	st := New(dbm.NewMemDB())

	started := make(chan struct{})
	release := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- st.Update(func(txn Txn) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := st.TryUpdate(func(txn Txn) error { return nil })
	require.ErrorIs(t, err, ErrWriteInProgress)

	close(release)
	require.NoError(t, <-errc)

	// Once the first writer releases, TryUpdate succeeds normally.
	require.NoError(t, st.TryUpdate(func(txn Txn) error { return nil }))
}

func TestIterateFrontiersIsOrderedAndResumable(t *testing.T) {
	st := New(dbm.NewMemDB())
	accounts := []ledger.Account{acct(1), acct(2), acct(3), acct(5)}
	require.NoError(t, st.Update(func(txn Txn) error {
		for _, a := range accounts {
			if err := txn.PutFrontier(a, hash(a[0])); err != nil {
				return err
			}
		}
		return nil
	}))

	var seen []ledger.Account
	require.NoError(t, st.View(func(txn Txn) error {
		return txn.IterateFrontiers(func(a ledger.Account, head ledger.BlockHash) (bool, error) {
			seen = append(seen, a)
			return false, nil
		})
	}))
	require.Equal(t, accounts, seen)

	// Resuming from acct(3) must skip the earlier accounts but include it.
	var resumed []ledger.Account
	require.NoError(t, st.View(func(txn Txn) error {
		return txn.IterateFrontiersFrom(acct(3), func(a ledger.Account, head ledger.BlockHash) (bool, error) {
			resumed = append(resumed, a)
			return false, nil
		})
	}))
	require.Equal(t, []ledger.Account{acct(3), acct(5)}, resumed)
}

func TestIteratePendingScopesToDestination(t *testing.T) {
	st := New(dbm.NewMemDB())
	dest := acct(9)
	other := acct(8)
	require.NoError(t, st.Update(func(txn Txn) error {
		if err := txn.PutPending(ledger.PendingKey{Destination: dest, Send: hash(1)}, ledger.PendingInfo{Amount: ledger.NewBalance(10)}); err != nil {
			return err
		}
		if err := txn.PutPending(ledger.PendingKey{Destination: dest, Send: hash(2)}, ledger.PendingInfo{Amount: ledger.NewBalance(20)}); err != nil {
			return err
		}
		return txn.PutPending(ledger.PendingKey{Destination: other, Send: hash(3)}, ledger.PendingInfo{Amount: ledger.NewBalance(30)})
	}))

	var found []ledger.BlockHash
	require.NoError(t, st.View(func(txn Txn) error {
		return txn.IteratePending(dest, func(key ledger.PendingKey, info ledger.PendingInfo) (bool, error) {
			require.Equal(t, dest, key.Destination)
			found = append(found, key.Send)
			return false, nil
		})
	}))
	require.ElementsMatch(t, []ledger.BlockHash{hash(1), hash(2)}, found)
}

func TestUncheckedPutGetDelete(t *testing.T) {
	st := New(dbm.NewMemDB())
	dep := hash(0xaa)

	b1 := &ledger.StateBlock{AccountPub: acct(0x42), PreviousHash: dep, Balance: ledger.NewBalance(1), Link: ledger.EpochLink}

	require.NoError(t, st.Update(func(txn Txn) error {
		return txn.PutUnchecked(dep, b1)
	}))

	var parked []ledger.Block
	require.NoError(t, st.View(func(txn Txn) error {
		var err error
		parked, err = txn.GetUnchecked(dep)
		return err
	}))
	require.Len(t, parked, 1)
	require.Equal(t, b1.Hash(), parked[0].Hash())

	require.NoError(t, st.Update(func(txn Txn) error {
		return txn.DeleteUnchecked(dep, b1)
	}))
	require.NoError(t, st.View(func(txn Txn) error {
		var err error
		parked, err = txn.GetUnchecked(dep)
		return err
	}))
	require.Empty(t, parked)
}

func TestWriteOnReadOnlyTxnFails(t *testing.T) {
	st := New(dbm.NewMemDB())
	require.NoError(t, st.View(func(txn Txn) error {
		err := txn.PutFrontier(acct(1), hash(1))
		require.Error(t, err)
		return nil
	}))
}
