package bootstrapserver

import (
	"testing"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/crypto/ed25519"

	"github.com/nanocurrency/nanod/internal/ledger"
	"github.com/nanocurrency/nanod/internal/store"
	"github.com/nanocurrency/nanod/internal/wire"
)

func newKeypair(t *testing.T) (ledger.Account, ed25519.PrivateKey) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var acc ledger.Account
	copy(acc[:], pub)
	return acc, priv
}

func sign(priv ed25519.PrivateKey, b *ledger.StateBlock) {
	h := b.Hash()
	copy(b.Sig[:], ed25519.Sign(priv, h[:]))
}

// seedChain writes the given blocks directly into storage (bypassing
// ledger.Process, since the server only ever reads committed state) and sets
// the frontier to the chain's tip.
func seedChain(t *testing.T, st *store.Store, account ledger.Account, blocks ...*ledger.StateBlock) {
	require.NoError(t, st.Update(func(txn store.Txn) error {
		for _, b := range blocks {
			if err := txn.PutBlock(b); err != nil {
				return err
			}
		}
		last := blocks[len(blocks)-1]
		return txn.PutFrontier(account, last.Hash())
	}))
}

type blockCollector struct {
	blocks []ledger.Block
}

func (c *blockCollector) SendBlock(b ledger.Block) error {
	c.blocks = append(c.blocks, b)
	return nil
}

func TestBulkPullWalksFromAccountHeadToGenesis(t *testing.T) {
	st := store.New(dbm.NewMemDB())
	account, priv := newKeypair(t)

	open := &ledger.StateBlock{AccountPub: account, Representative: account, Balance: ledger.NewBalance(10), Link: ledger.EpochLink}
	sign(priv, open)
	second := &ledger.StateBlock{AccountPub: account, PreviousHash: open.Hash(), Representative: account, Balance: ledger.NewBalance(10), Link: ledger.EpochLink}
	sign(priv, second)
	tip := &ledger.StateBlock{AccountPub: account, PreviousHash: second.Hash(), Representative: account, Balance: ledger.NewBalance(10), Link: ledger.EpochLink}
	sign(priv, tip)

	seedChain(t, st, account, open, second, tip)

	srv := New(st)
	var sink blockCollector
	req := wire.BulkPull{Start: account, End: ledger.BlockHash{}}
	require.NoError(t, srv.BulkPull(req, &sink))

	require.Len(t, sink.blocks, 3)
	require.Equal(t, tip.Hash(), sink.blocks[0].Hash())
	require.Equal(t, second.Hash(), sink.blocks[1].Hash())
	require.Equal(t, open.Hash(), sink.blocks[2].Hash())
}

func TestBulkPullStopsAtEndHash(t *testing.T) {
	st := store.New(dbm.NewMemDB())
	account, priv := newKeypair(t)

	open := &ledger.StateBlock{AccountPub: account, Representative: account, Balance: ledger.NewBalance(10), Link: ledger.EpochLink}
	sign(priv, open)
	second := &ledger.StateBlock{AccountPub: account, PreviousHash: open.Hash(), Representative: account, Balance: ledger.NewBalance(10), Link: ledger.EpochLink}
	sign(priv, second)
	tip := &ledger.StateBlock{AccountPub: account, PreviousHash: second.Hash(), Representative: account, Balance: ledger.NewBalance(10), Link: ledger.EpochLink}
	sign(priv, tip)

	seedChain(t, st, account, open, second, tip)

	srv := New(st)
	var sink blockCollector
	req := wire.BulkPull{Start: account, End: second.Hash()}
	require.NoError(t, srv.BulkPull(req, &sink))

	require.Len(t, sink.blocks, 2)
	require.Equal(t, tip.Hash(), sink.blocks[0].Hash())
	require.Equal(t, second.Hash(), sink.blocks[1].Hash())
}

func TestBulkPullStartingFromUnknownAccountTreatsStartAsBlockHash(t *testing.T) {
	st := store.New(dbm.NewMemDB())
	account, priv := newKeypair(t)

	open := &ledger.StateBlock{AccountPub: account, Representative: account, Balance: ledger.NewBalance(10), Link: ledger.EpochLink}
	sign(priv, open)
	seedChain(t, st, account, open)

	srv := New(st)
	var sink blockCollector
	// Start is the block's own hash, not an account: no frontier exists for
	// it, so resolveStart falls back to treating the raw bytes as a hash.
	var rawStart [32]byte
	h := open.Hash()
	copy(rawStart[:], h[:])
	req := wire.BulkPull{Start: rawStart}
	require.NoError(t, srv.BulkPull(req, &sink))

	require.Len(t, sink.blocks, 1)
	require.Equal(t, open.Hash(), sink.blocks[0].Hash())
}

type pendingCollector struct {
	sources []ledger.Account
	amounts []ledger.Balance
}

func (c *pendingCollector) SendPending(entry wire.BulkPullAccount, source ledger.Account, amount ledger.Balance) error {
	c.sources = append(c.sources, source)
	c.amounts = append(c.amounts, amount)
	return nil
}

func TestBulkPullAccountFiltersBelowMinimum(t *testing.T) {
	st := store.New(dbm.NewMemDB())
	dest, _ := newKeypair(t)
	src1, _ := newKeypair(t)
	src2, _ := newKeypair(t)

	require.NoError(t, st.Update(func(txn store.Txn) error {
		if err := txn.PutPending(ledger.PendingKey{Destination: dest, Send: ledger.BlockHash{0x01}}, ledger.PendingInfo{
			Source: src1,
			Amount: ledger.NewBalance(5),
		}); err != nil {
			return err
		}
		return txn.PutPending(ledger.PendingKey{Destination: dest, Send: ledger.BlockHash{0x02}}, ledger.PendingInfo{
			Source: src2,
			Amount: ledger.NewBalance(500),
		})
	}))

	srv := New(st)
	var sink pendingCollector
	req := wire.BulkPullAccount{Account: dest, MinimumAmount: ledger.NewBalance(100)}
	require.NoError(t, srv.BulkPullAccount(req, &sink))

	require.Len(t, sink.sources, 1)
	require.Equal(t, src2, sink.sources[0])
	require.Equal(t, 0, sink.amounts[0].Cmp(ledger.NewBalance(500)))
}

type frontierCollector struct {
	accounts []ledger.Account
	heads    []ledger.BlockHash
}

func (c *frontierCollector) SendFrontier(account ledger.Account, head ledger.BlockHash) error {
	c.accounts = append(c.accounts, account)
	c.heads = append(c.heads, head)
	return nil
}

func TestFrontierReqSkipsStaleAccountsAndTerminatesWithZeroRecord(t *testing.T) {
	st := store.New(dbm.NewMemDB())
	fresh, _ := newKeypair(t)
	stale, _ := newKeypair(t)

	// orderedcode keys sort by raw account bytes: make "fresh" sort after
	// "stale" so iteration order matches the names.
	fresh[0], stale[0] = 2, 1

	const now = int64(1_700_000_000)
	require.NoError(t, st.Update(func(txn store.Txn) error {
		if err := txn.PutFrontier(stale, ledger.BlockHash{0x01}); err != nil {
			return err
		}
		if err := txn.PutAccountInfo(stale, ledger.AccountInfo{Head: ledger.BlockHash{0x01}, ModifiedUnix: now - 10_000}); err != nil {
			return err
		}
		if err := txn.PutFrontier(fresh, ledger.BlockHash{0x02}); err != nil {
			return err
		}
		return txn.PutAccountInfo(fresh, ledger.AccountInfo{Head: ledger.BlockHash{0x02}, ModifiedUnix: now - 5})
	}))

	srv := New(st)
	var sink frontierCollector
	req := wire.FrontierReq{AgeSeconds: 60}
	require.NoError(t, srv.FrontierReq(req, now, &sink))

	require.Len(t, sink.accounts, 2, "one real frontier plus the terminating zero record")
	require.Equal(t, fresh, sink.accounts[0])
	require.Equal(t, ledger.BlockHash{0x02}, sink.heads[0])
	require.Equal(t, ledger.Account{}, sink.accounts[1])
	require.Equal(t, ledger.BlockHash{}, sink.heads[1])
}

func TestFrontierReqWithNoAgeLimitIncludesEverything(t *testing.T) {
	st := store.New(dbm.NewMemDB())
	a1, _ := newKeypair(t)
	a1[0] = 1
	a2, _ := newKeypair(t)
	a2[0] = 2

	require.NoError(t, st.Update(func(txn store.Txn) error {
		if err := txn.PutFrontier(a1, ledger.BlockHash{0x01}); err != nil {
			return err
		}
		return txn.PutFrontier(a2, ledger.BlockHash{0x02})
	}))

	srv := New(st)
	var sink frontierCollector
	req := wire.FrontierReq{}
	require.NoError(t, srv.FrontierReq(req, 0, &sink))

	require.Len(t, sink.accounts, 3) // a1, a2, terminating zero record
}
