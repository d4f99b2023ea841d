// Package confheight implements the confirmation-height tracker of spec.md
// section 4.H: given an externally-confirmed block, cement it and every
// causal ancestor (same-chain predecessors, and for each receive/open the
// send it pockets, recursively) while preserving confirmation_height's
// monotone, never-rolled-back invariant.
package confheight

import (
	"context"
	"fmt"

	"github.com/nanocurrency/nanod/internal/ledger"
	"github.com/nanocurrency/nanod/internal/log"
	"github.com/nanocurrency/nanod/internal/metrics"
	"github.com/nanocurrency/nanod/internal/service"
	"github.com/nanocurrency/nanod/internal/store"
)

// Event is emitted once per newly cemented block, oldest (genesis-ward)
// first within a commit.
type Event struct {
	Account ledger.Account
	Hash    ledger.BlockHash
	Height  uint64
}

// Observer receives cementation events as they commit.
type Observer interface {
	BlockCemented(Event)
}

// Config bounds the two walking strategies spec.md 4.H describes.
type Config struct {
	// BatchWriteSize caps how many pending per-account height updates the
	// bounded walker accumulates before committing.
	BatchWriteSize int
	// UnboundedCutoff is the pending-block count above which the tracker
	// switches from the bounded to the unbounded walker.
	UnboundedCutoff int
}

func DefaultConfig() Config {
	return Config{BatchWriteSize: 16384, UnboundedCutoff: 32768}
}

// Tracker cements confirmed blocks. It holds no mutable state of its own
// beyond what's passed into Confirm: all bookkeeping lives in the
// confirmation_height table, so concurrent Confirm calls on different
// accounts never contend beyond the store's single-writer serialization.
type Tracker struct {
	service.BaseService

	store   *store.Store
	cfg     Config
	log     log.Logger
	metrics *metrics.Metrics

	observers []Observer
}

func New(st *store.Store, cfg Config, logger log.Logger, m *metrics.Metrics) *Tracker {
	t := &Tracker{store: st, cfg: cfg, log: logger, metrics: m}
	t.BaseService = *service.NewBaseService(logger, "ConfirmationHeightTracker", t)
	return t
}

func (t *Tracker) Subscribe(o Observer) { t.observers = append(t.observers, o) }

// OnStart is a no-op: Confirm/Rollback are synchronous, caller-driven
// operations with no background loop of their own.
func (t *Tracker) OnStart(ctx context.Context) error { return nil }

// OnStop is a no-op for the same reason.
func (t *Tracker) OnStop() {}

// Confirm cements confirmedHash and every block it causally depends on that
// isn't already cemented. It chooses the bounded or unbounded walker
// automatically based on how much work the closure looks like it needs
// (tested: "dynamic_algorithm").
func (t *Tracker) Confirm(confirmedHash ledger.BlockHash) error {
	pendingEstimate, err := t.estimatePendingWork(confirmedHash)
	if err != nil {
		return err
	}

	if pendingEstimate > t.cfg.UnboundedCutoff {
		return t.confirmUnbounded(confirmedHash)
	}
	return t.confirmBounded(confirmedHash)
}

// estimatePendingWork walks backwards from confirmedHash under a read
// transaction, counting uncemented blocks until either the cemented
// frontier is reached or the unbounded cutoff is exceeded (at which point
// counting stops early — the caller only needs to know "more than cutoff").
func (t *Tracker) estimatePendingWork(confirmedHash ledger.BlockHash) (int, error) {
	count := 0
	err := t.store.View(func(txn store.Txn) error {
		frontier := []ledger.BlockHash{confirmedHash}
		visited := map[ledger.BlockHash]bool{}
		for len(frontier) > 0 && count <= t.cfg.UnboundedCutoff {
			h := frontier[len(frontier)-1]
			frontier = frontier[:len(frontier)-1]
			if visited[h] || h.IsZero() {
				continue
			}
			visited[h] = true

			b, ok, err := txn.GetBlock(h)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			info, ok, err := txn.GetAccountInfo(b.Account())
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			heightInfo, _, err := txn.GetConfirmationHeight(b.Account())
			if err != nil {
				return err
			}
			if heightInfo.Frontier == h {
				continue // already cemented
			}
			count++
			if !b.Previous().IsZero() {
				frontier = append(frontier, b.Previous())
			}
			if src, ok := sourceOf(b); ok {
				frontier = append(frontier, src)
			}
			_ = info
		}
		return nil
	})
	return count, err
}

// sourceOf returns the send hash a receive/open pockets, if any.
func sourceOf(b ledger.Block) (ledger.BlockHash, bool) {
	switch v := b.(type) {
	case *ledger.OpenBlock:
		return v.SourceHash, true
	case *ledger.ReceiveBlock:
		return v.SourceHash, true
	case *ledger.StateBlock:
		// Only a meaningful source when this state block was resolved as a
		// receive/open; absent a stored subtype we treat any non-epoch,
		// non-zero link (a send's destination included) as a candidate source.
		// The walker tolerates false positives here (GetBlock simply misses).
		if v.Link != ledger.EpochLink && !v.Link.IsZero() {
			return v.Link, true
		}
	}
	return ledger.BlockHash{}, false
}

// confirmBounded walks in capped batches, committing accumulated per-account
// height updates every BatchWriteSize blocks.
func (t *Tracker) confirmBounded(confirmedHash ledger.BlockHash) error {
	hashesByAccount := map[ledger.Account][]ledger.BlockHash{}
	targets := []ledger.BlockHash{confirmedHash}
	visited := map[ledger.BlockHash]bool{}
	batchCount := 0

	for len(targets) > 0 {
		h := targets[len(targets)-1]
		targets = targets[:len(targets)-1]
		if visited[h] || h.IsZero() {
			continue
		}
		visited[h] = true

		var b ledger.Block
		var curHeight ledger.ConfirmationHeightInfo
		var done bool
		err := t.store.View(func(txn store.Txn) error {
			blk, ok, err := txn.GetBlock(h)
			if err != nil || !ok {
				done = true
				return err
			}
			b = blk
			curHeight, _, err = txn.GetConfirmationHeight(b.Account())
			return err
		})
		if err != nil {
			return err
		}
		if done || curHeight.Frontier == h {
			continue
		}

		hashesByAccount[b.Account()] = append(hashesByAccount[b.Account()], h)
		batchCount++

		if !b.Previous().IsZero() {
			targets = append(targets, b.Previous())
		}
		if src, ok := sourceOf(b); ok {
			targets = append(targets, src)
		}

		if batchCount >= t.cfg.BatchWriteSize || len(targets) == 0 {
			if err := t.commitBatch(hashesByAccount); err != nil {
				return err
			}
			hashesByAccount = map[ledger.Account][]ledger.BlockHash{}
			batchCount = 0
			if t.metrics != nil {
				t.metrics.BlocksConfirmedBounded.Add(1)
			}
		}
	}
	return t.commitBatch(hashesByAccount)
}

// confirmUnbounded accumulates the full closure in memory, then commits in
// one write transaction.
func (t *Tracker) confirmUnbounded(confirmedHash ledger.BlockHash) error {
	hashesByAccount := map[ledger.Account][]ledger.BlockHash{}
	targets := []ledger.BlockHash{confirmedHash}
	visited := map[ledger.BlockHash]bool{}

	err := t.store.View(func(txn store.Txn) error {
		for len(targets) > 0 {
			h := targets[len(targets)-1]
			targets = targets[:len(targets)-1]
			if visited[h] || h.IsZero() {
				continue
			}
			visited[h] = true

			b, ok, err := txn.GetBlock(h)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			heightInfo, _, err := txn.GetConfirmationHeight(b.Account())
			if err != nil {
				return err
			}
			if heightInfo.Frontier == h {
				continue
			}
			hashesByAccount[b.Account()] = append(hashesByAccount[b.Account()], h)

			if !b.Previous().IsZero() {
				targets = append(targets, b.Previous())
			}
			if src, ok := sourceOf(b); ok {
				targets = append(targets, src)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.BlocksConfirmedUnbounded.Add(1)
	}
	return t.commitBatch(hashesByAccount)
}

// commitBatch writes confirmation_height for every touched account in one
// transaction and emits events in chain order (genesis-ward first), per
// spec.md 4.H. hashesByAccount lists each account's newly-cemented hashes in
// the order they were discovered walking backward from the tip, i.e.
// tip-first; Event emission reverses that to genesis-first.
func (t *Tracker) commitBatch(hashesByAccount map[ledger.Account][]ledger.BlockHash) error {
	if len(hashesByAccount) == 0 {
		return nil
	}

	type update struct {
		account ledger.Account
		events  []Event
	}
	var updates []update

	err := t.store.Update(func(txn store.Txn) error {
		for account, hashes := range hashesByAccount {
			info, _, err := txn.GetAccountInfo(account)
			if err != nil {
				return err
			}
			heightInfo, _, err := txn.GetConfirmationHeight(account)
			if err != nil {
				return err
			}

			// hashes were discovered tip-first, so hashes[0] is the highest
			// block in this list. A bounded walk commits tip-side batches
			// before the blocks below them, so the stored height and
			// frontier only move up to hashes[0]'s chain position.
			tipHeight, err := chainPosition(txn, account, hashes[0])
			if err != nil {
				return err
			}
			newHeight, newFrontier := heightInfo.Height, heightInfo.Frontier
			if tipHeight > newHeight {
				newHeight, newFrontier = tipHeight, hashes[0]
			}
			if newHeight > info.BlockCount {
				return fmt.Errorf("confheight: computed height %d exceeds block_count %d for %s", newHeight, info.BlockCount, account)
			}

			if err := txn.PutConfirmationHeight(account, ledger.ConfirmationHeightInfo{
				Height:   newHeight,
				Frontier: newFrontier,
			}); err != nil {
				return err
			}

			// hashes is tip-first; reverse it so events fire genesis-first,
			// each carrying the height it cements to.
			events := make([]Event, len(hashes))
			for i, h := range hashes {
				eventHeight := tipHeight - uint64(i)
				events[len(hashes)-1-i] = Event{Account: account, Hash: h, Height: eventHeight}
			}
			updates = append(updates, update{account: account, events: events})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, u := range updates {
		for _, ev := range u.events {
			if t.metrics != nil {
				t.metrics.BlocksConfirmed.Add(1)
			}
			for _, o := range t.observers {
				o.BlockCemented(ev)
			}
		}
	}
	return nil
}

// Rollback attempts to unwind hash's account chain back to (and excluding)
// hash itself. Per spec.md 4.H, a cemented block can never be rolled back:
// if hash is at or below the account's confirmation height, Rollback refuses
// and returns true without mutating anything (tested: "S6 Rollback
// refusal"). Legacy (non-state) blocks above hash are not supported — a
// chain containing one aborts with an error rather than silently
// corrupting pending/account bookkeeping it can't fully reconstruct, since
// open/receive/change blocks don't carry the balance a correct undo needs.
func (t *Tracker) Rollback(hash ledger.BlockHash) (refused bool, err error) {
	err = t.store.Update(func(txn store.Txn) error {
		b, ok, err := txn.GetBlock(hash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("confheight: rollback target %s not found", hash)
		}
		account := b.Account()

		heightInfo, _, err := txn.GetConfirmationHeight(account)
		if err != nil {
			return err
		}
		info, _, err := txn.GetAccountInfo(account)
		if err != nil {
			return err
		}

		position, err := chainPosition(txn, account, hash)
		if err != nil {
			return err
		}
		if position <= heightInfo.Height {
			refused = true
			return nil
		}

		// Collect every block strictly above hash, tip-first.
		var above []ledger.Block
		cur := info.Head
		for cur != hash {
			blk, ok, err := txn.GetBlock(cur)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("confheight: rollback: broken chain above %s", hash)
			}
			if _, isState := blk.(*ledger.StateBlock); !isState {
				return fmt.Errorf("confheight: rollback: unsupported legacy block %s above target", cur)
			}
			above = append(above, blk)
			cur = blk.Previous()
		}

		for _, blk := range above {
			sb := blk.(*ledger.StateBlock)
			if err := undoStateBlock(txn, sb); err != nil {
				return err
			}
			if err := txn.DeleteFrontier(account); err != nil {
				return err
			}
		}

		target := b.(*ledger.StateBlock)
		newInfo := ledger.AccountInfo{
			Head:           hash,
			Representative: target.Representative,
			OpenBlock:      info.OpenBlock,
			Balance:        target.Balance,
			BlockCount:     position,
			ModifiedUnix:   info.ModifiedUnix,
		}
		if err := txn.PutAccountInfo(account, newInfo); err != nil {
			return err
		}
		return txn.PutFrontier(account, hash)
	})
	return refused, err
}

// chainPosition returns hash's 1-based position in account's chain (the
// open block is position 1), by walking backward from the current head.
func chainPosition(txn store.Txn, account ledger.Account, hash ledger.BlockHash) (uint64, error) {
	info, ok, err := txn.GetAccountInfo(account)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("confheight: unknown account %s", account)
	}
	pos := info.BlockCount
	cur := info.Head
	for {
		if cur == hash {
			return pos, nil
		}
		blk, ok, err := txn.GetBlock(cur)
		if err != nil {
			return 0, err
		}
		if !ok || blk.Previous().IsZero() {
			return 0, fmt.Errorf("confheight: rollback target %s not on account %s's chain", hash, account)
		}
		cur = blk.Previous()
		pos--
	}
}

// undoStateBlock reverses the pending-table side effect a state block had
// when it was first processed: a send's created pending entry is deleted; a
// receive/open's consumed pending entry is restored by looking up the
// source send (still present in storage, since only the destination chain
// is being unwound) for its sender account and amount delta.
func undoStateBlock(txn store.Txn, sb *ledger.StateBlock) error {
	if sb.Link == ledger.EpochLink {
		return nil
	}

	var prevBalance ledger.Balance
	if !sb.PreviousHash.IsZero() {
		prev, ok, err := txn.GetBlock(sb.PreviousHash)
		if err != nil {
			return err
		}
		if ok {
			prevBalance = prev.(*ledger.StateBlock).Balance
		}
	}

	switch sb.Balance.Cmp(prevBalance) {
	case -1: // send: Link is the destination account
		return txn.DeletePending(ledger.PendingKey{Destination: ledger.Account(sb.Link), Send: sb.Hash()})
	case 1: // receive/open: Link is the source send's hash
		srcBlock, ok, err := txn.GetBlock(sb.Link)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("confheight: rollback: source block %s for receive %s not found", sb.Link, sb.Hash())
		}
		amount := sb.Balance.Sub(prevBalance)
		return txn.PutPending(ledger.PendingKey{Destination: sb.AccountPub, Send: sb.Link}, ledger.PendingInfo{
			Source: srcBlock.Account(),
			Amount: amount,
		})
	default:
		return nil // change block: no pending side effect
	}
}
