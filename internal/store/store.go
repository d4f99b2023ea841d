// Package store is the transactional key/value abstraction of spec.md
// section 4.B, built on github.com/tendermint/tm-db's dbm.DB/dbm.Batch/
// dbm.Iterator surface. It owns the blocks, accounts,
// pending, confirmation_height, frontiers, peers, unchecked, vote and
// online_weight tables; the storage *engine* behind dbm.DB is out of scope
// (spec.md section 1).
package store

import (
	"errors"
	"sync/atomic"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/nanocurrency/nanod/internal/ledger"
)

// ErrWriteInProgress is returned by TryUpdate when another write transaction
// is already open, per the Design Notes: "attempting a write while holding
// another write fails immediately" rather than deadlocking or queueing.
var ErrWriteInProgress = errors.New("store: a write transaction is already in progress")

// Store owns one tm-db handle and serializes writers against it, matching
// spec.md section 5: "Storage writes acquire the writer lock; readers never
// block writers or each other."
type Store struct {
	db      dbm.DB
	writing uint32 // atomic; 1 while an Update is in flight
}

func New(db dbm.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// View runs fn against a read-only Txn. Its reads go straight to the db; no
// snapshot is taken, so a write committed while fn runs can be visible to
// fn's later reads.
func (s *Store) View(fn func(Txn) error) error {
	return fn(&txn{db: s.db})
}

// ExistsBlock is a convenience wrapper the bootstrap puller uses heavily
// when deduplicating pulls against blocks already committed to storage.
func (s *Store) ExistsBlock(hash ledger.BlockHash) (bool, error) {
	var ok bool
	err := s.View(func(txn Txn) error {
		_, found, err := txn.GetBlock(hash)
		ok = found
		return err
	})
	return ok, err
}

// Update serializes against any other writer, opens a batch, runs fn, and
// commits synchronously iff fn returns nil. All table mutations inside fn
// become visible atomically on success (spec.md 4.B: "All inter-table
// updates within a write transaction are atomic").
func (s *Store) Update(fn func(Txn) error) error {
	for !atomic.CompareAndSwapUint32(&s.writing, 0, 1) {
		// A single dedicated writer is expected to hold this for
		// microseconds at a time (spec.md section 5); callers that must not
		// block should use TryUpdate instead.
	}
	defer atomic.StoreUint32(&s.writing, 0)
	return s.runUpdate(fn)
}

// TryUpdate behaves like Update but returns ErrWriteInProgress immediately
// instead of blocking if a write is already open.
func (s *Store) TryUpdate(fn func(Txn) error) error {
	if !atomic.CompareAndSwapUint32(&s.writing, 0, 1) {
		return ErrWriteInProgress
	}
	defer atomic.StoreUint32(&s.writing, 0)
	return s.runUpdate(fn)
}

func (s *Store) runUpdate(fn func(Txn) error) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	t := &txn{db: s.db, batch: batch}
	if err := fn(t); err != nil {
		return err
	}
	return batch.WriteSync()
}

// Txn is the full table surface a write (or read) transaction exposes,
// embedding ledger.Txn (what Process needs) plus the tables the other
// components (G unchecked, H confirmation height, I frontier scan, peers,
// vote, online weight) need.
type Txn interface {
	ledger.Txn

	GetConfirmationHeightFull(a ledger.Account) (ledger.ConfirmationHeightInfo, bool, error)
	PutConfirmationHeight(a ledger.Account, info ledger.ConfirmationHeightInfo) error

	IterateFrontiers(fn func(account ledger.Account, head ledger.BlockHash) (stop bool, err error)) error
	IterateFrontiersFrom(start ledger.Account, fn func(account ledger.Account, head ledger.BlockHash) (stop bool, err error)) error

	// IteratePending walks every pending entry addressed to account, in key
	// (i.e. send-hash) order, for bulk_pull_account (spec.md 4.F).
	IteratePending(account ledger.Account, fn func(ledger.PendingKey, ledger.PendingInfo) (stop bool, err error)) error

	GetPeer(endpoint string) ([]byte, bool, error)
	PutPeer(endpoint string, value []byte) error
	DeletePeer(endpoint string) error

	// PutUnchecked parks a block awaiting the given missing dependency hash
	// (spec.md 4.G). GetUnchecked returns every block parked under it.
	PutUnchecked(dependency ledger.BlockHash, block ledger.Block) error
	GetUnchecked(dependency ledger.BlockHash) ([]ledger.Block, error)
	DeleteUnchecked(dependency ledger.BlockHash, block ledger.Block) error

	PutVote(account ledger.Account, weight ledger.Balance, blockHash ledger.BlockHash) error
	GetVote(account ledger.Account) (weight ledger.Balance, blockHash ledger.BlockHash, ok bool, err error)

	PutOnlineWeight(timestampUnix int64, weight ledger.Balance) error
}

type txn struct {
	db    dbm.DB
	batch dbm.Batch // nil for read-only transactions
}

func (t *txn) requireWritable() error {
	if t.batch == nil {
		return errors.New("store: write attempted on a read-only transaction")
	}
	return nil
}

// --- ledger.Txn ---

func (t *txn) GetBlock(hash ledger.BlockHash) (ledger.Block, bool, error) {
	bz, err := t.db.Get(blockKey(hash))
	if err != nil {
		return nil, false, err
	}
	if bz == nil {
		return nil, false, nil
	}
	b, err := decodeBlock(bz)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (t *txn) PutBlock(b ledger.Block) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	return t.batch.Set(blockKey(b.Hash()), encodeBlock(b))
}

func (t *txn) GetAccountInfo(a ledger.Account) (ledger.AccountInfo, bool, error) {
	bz, err := t.db.Get(accountKey(a))
	if err != nil {
		return ledger.AccountInfo{}, false, err
	}
	if bz == nil {
		return ledger.AccountInfo{}, false, nil
	}
	info, err := decodeAccountInfo(bz)
	return info, err == nil, err
}

func (t *txn) PutAccountInfo(a ledger.Account, info ledger.AccountInfo) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	return t.batch.Set(accountKey(a), encodeAccountInfo(info))
}

func (t *txn) GetFrontier(a ledger.Account) (ledger.BlockHash, bool, error) {
	bz, err := t.db.Get(frontierKey(a))
	if err != nil {
		return ledger.BlockHash{}, false, err
	}
	if len(bz) != 32 {
		return ledger.BlockHash{}, false, nil
	}
	var h ledger.BlockHash
	copy(h[:], bz)
	return h, true, nil
}

func (t *txn) PutFrontier(a ledger.Account, head ledger.BlockHash) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	return t.batch.Set(frontierKey(a), head[:])
}

func (t *txn) DeleteFrontier(a ledger.Account) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	return t.batch.Delete(frontierKey(a))
}

func (t *txn) GetPending(key ledger.PendingKey) (ledger.PendingInfo, bool, error) {
	bz, err := t.db.Get(pendingKey(key))
	if err != nil {
		return ledger.PendingInfo{}, false, err
	}
	if bz == nil {
		return ledger.PendingInfo{}, false, nil
	}
	info, err := decodePending(bz)
	return info, err == nil, err
}

func (t *txn) PutPending(key ledger.PendingKey, info ledger.PendingInfo) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	return t.batch.Set(pendingKey(key), encodePending(info))
}

func (t *txn) DeletePending(key ledger.PendingKey) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	return t.batch.Delete(pendingKey(key))
}

func (t *txn) IteratePending(account ledger.Account, fn func(ledger.PendingKey, ledger.PendingInfo) (bool, error)) error {
	start, end := pendingRangeForAccount(account)
	iter, err := t.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer iter.Close()
	for ; iter.Valid(); iter.Next() {
		var prefix int64
		var destStr, sendStr string
		if _, err := orderedcode.Parse(string(iter.Key()), &prefix, &destStr, &sendStr); err != nil {
			return err
		}
		var send ledger.BlockHash
		copy(send[:], sendStr)
		key := ledger.PendingKey{Destination: account, Send: send}

		info, err := decodePending(iter.Value())
		if err != nil {
			return err
		}
		stop, err := fn(key, info)
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}
	return iter.Error()
}

func (t *txn) GetConfirmationHeight(a ledger.Account) (ledger.ConfirmationHeightInfo, bool, error) {
	return t.GetConfirmationHeightFull(a)
}

// --- broader Txn surface ---

func (t *txn) GetConfirmationHeightFull(a ledger.Account) (ledger.ConfirmationHeightInfo, bool, error) {
	bz, err := t.db.Get(confirmationHeightKey(a))
	if err != nil {
		return ledger.ConfirmationHeightInfo{}, false, err
	}
	if bz == nil {
		return ledger.ConfirmationHeightInfo{}, false, nil
	}
	info, err := decodeConfirmationHeight(bz)
	return info, err == nil, err
}

func (t *txn) PutConfirmationHeight(a ledger.Account, info ledger.ConfirmationHeightInfo) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	return t.batch.Set(confirmationHeightKey(a), encodeConfirmationHeight(info))
}

func (t *txn) IterateFrontiers(fn func(ledger.Account, ledger.BlockHash) (bool, error)) error {
	start, end := frontierRangeAll()
	return t.iterateFrontierRange(start, end, fn)
}

func (t *txn) IterateFrontiersFrom(start ledger.Account, fn func(ledger.Account, ledger.BlockHash) (bool, error)) error {
	startKey := frontierKey(start)
	_, end := frontierRangeAll()
	return t.iterateFrontierRange(startKey, end, fn)
}

func (t *txn) iterateFrontierRange(start, end []byte, fn func(ledger.Account, ledger.BlockHash) (bool, error)) error {
	iter, err := t.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer iter.Close()
	for ; iter.Valid(); iter.Next() {
		var prefix int64
		var accountStr string
		if _, err := orderedcode.Parse(string(iter.Key()), &prefix, &accountStr); err != nil {
			return err
		}
		var account ledger.Account
		copy(account[:], accountStr)
		var head ledger.BlockHash
		copy(head[:], iter.Value())
		stop, err := fn(account, head)
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}
	return iter.Error()
}

func (t *txn) GetPeer(endpoint string) ([]byte, bool, error) {
	bz, err := t.db.Get(peerKey(endpoint))
	if err != nil {
		return nil, false, err
	}
	return bz, bz != nil, nil
}

func (t *txn) PutPeer(endpoint string, value []byte) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	return t.batch.Set(peerKey(endpoint), value)
}

func (t *txn) DeletePeer(endpoint string) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	return t.batch.Delete(peerKey(endpoint))
}

func (t *txn) PutUnchecked(dependency ledger.BlockHash, block ledger.Block) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	h := block.Hash()
	key := mustAppend(prefixUnchecked, string(dependency[:]), string(h[:]))
	return t.batch.Set(key, encodeBlock(block))
}

func (t *txn) GetUnchecked(dependency ledger.BlockHash) ([]ledger.Block, error) {
	start, end := uncheckedRangeForDependencyHash(dependency)
	iter, err := t.db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []ledger.Block
	for ; iter.Valid(); iter.Next() {
		b, err := decodeBlock(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, iter.Error()
}

func (t *txn) DeleteUnchecked(dependency ledger.BlockHash, block ledger.Block) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	h := block.Hash()
	key := mustAppend(prefixUnchecked, string(dependency[:]), string(h[:]))
	return t.batch.Delete(key)
}

func (t *txn) PutVote(account ledger.Account, weight ledger.Balance, blockHash ledger.BlockHash) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	bal := weight.Bytes()
	buf := make([]byte, 16+32)
	copy(buf[:16], bal[:])
	copy(buf[16:], blockHash[:])
	return t.batch.Set(voteKey(account), buf)
}

func (t *txn) GetVote(account ledger.Account) (ledger.Balance, ledger.BlockHash, bool, error) {
	bz, err := t.db.Get(voteKey(account))
	if err != nil {
		return ledger.Balance{}, ledger.BlockHash{}, false, err
	}
	if len(bz) != 16+32 {
		return ledger.Balance{}, ledger.BlockHash{}, false, nil
	}
	var bal [16]byte
	copy(bal[:], bz[:16])
	var hash ledger.BlockHash
	copy(hash[:], bz[16:])
	return ledger.BalanceFromBytes(bal), hash, true, nil
}

func (t *txn) PutOnlineWeight(timestampUnix int64, weight ledger.Balance) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	bal := weight.Bytes()
	return t.batch.Set(onlineWeightKey(timestampUnix), bal[:])
}

func uncheckedRangeForDependencyHash(dependency ledger.BlockHash) (start, end []byte) {
	start = mustAppend(prefixUnchecked, string(dependency[:]))
	var upperHash [32]byte
	for i := range upperHash {
		upperHash[i] = 0xff
	}
	end = mustAppend(prefixUnchecked, string(dependency[:]), string(upperHash[:]))
	return start, end
}
