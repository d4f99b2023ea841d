// Package frontier implements the frontier prioritizer of spec.md section
// 4.I: two capped, count-ordered collections of accounts whose tails are
// furthest from cemented, one for wallet-owned accounts and one for the
// rest, feeding the (out-of-scope) voting layer's election attention.
package frontier

import (
	"container/heap"
	"context"
	"time"

	"github.com/nanocurrency/nanod/internal/ledger"
	"github.com/nanocurrency/nanod/internal/log"
	"github.com/nanocurrency/nanod/internal/metrics"
	"github.com/nanocurrency/nanod/internal/service"
	"github.com/nanocurrency/nanod/internal/store"
)

// DefaultScanInterval is how often OnStart's background loop re-runs Scan
// absent an explicit interval.
const DefaultScanInterval = time.Minute

// entry is one account's priority-queue membership.
type entry struct {
	account         ledger.Account
	uncementedCount uint64
	index           int // heap index, maintained by container/heap
}

// minHeap keeps the lowest uncementedCount at the root, so eviction (when
// the collection is full) is an O(log n) pop of the worst candidate.
type minHeap []*entry

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].uncementedCount < h[j].uncementedCount }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *minHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// collection is one of the two capped priority queues (wallet / non-wallet).
type collection struct {
	cap     int
	heap    minHeap
	byAcct  map[ledger.Account]*entry
}

func newCollection(cap int) *collection {
	return &collection{cap: cap, byAcct: make(map[ledger.Account]*entry)}
}

// upsert inserts or updates account's priority. When the collection is at
// capacity and account is new, it is admitted only if its count strictly
// exceeds the current worst (lowest) member's count, which is then evicted
// (tested: "prioritize_frontiers_overwrite").
func (c *collection) upsert(account ledger.Account, count uint64) {
	if e, ok := c.byAcct[account]; ok {
		e.uncementedCount = count
		heap.Fix(&c.heap, e.index)
		return
	}

	if len(c.heap) < c.cap {
		e := &entry{account: account, uncementedCount: count}
		heap.Push(&c.heap, e)
		c.byAcct[account] = e
		return
	}

	worst := c.heap[0]
	if count <= worst.uncementedCount {
		return
	}
	delete(c.byAcct, worst.account)
	heap.Pop(&c.heap)

	e := &entry{account: account, uncementedCount: count}
	heap.Push(&c.heap, e)
	c.byAcct[account] = e
}

func (c *collection) remove(account ledger.Account) {
	e, ok := c.byAcct[account]
	if !ok {
		return
	}
	heap.Remove(&c.heap, e.index)
	delete(c.byAcct, account)
}

func (c *collection) contains(account ledger.Account) bool {
	_, ok := c.byAcct[account]
	return ok
}

func (c *collection) len() int { return len(c.heap) }

// WalletSet answers whether an account belongs to the local wallet, the
// narrow dependency the prioritizer needs without owning wallet logic
// itself (out of scope per spec.md section 1).
type WalletSet interface {
	Contains(account ledger.Account) bool
}

// Prioritizer holds the wallet and non-wallet collections. Once started it
// re-runs Scan on a timer, the periodic refresh spec.md 4.I calls for: its
// own store is kept only for that loop, not for Update/Contains/Len, which
// stay synchronous and storage-free.
type Prioritizer struct {
	service.BaseService

	store     *store.Store
	wallet    *collection
	nonWallet *collection
	wallets   WalletSet
	log       log.Logger
	metrics   *metrics.Metrics

	scanInterval time.Duration
	stopScan     chan struct{}
}

// New builds a Prioritizer with both collections capped at maxEntries. st
// may be nil in tests that only exercise Update/Contains/Len directly and
// never Start the background scan loop.
func New(st *store.Store, maxEntries int, wallets WalletSet, logger log.Logger, m *metrics.Metrics, scanInterval time.Duration) *Prioritizer {
	if scanInterval <= 0 {
		scanInterval = DefaultScanInterval
	}
	p := &Prioritizer{
		store:        st,
		wallet:       newCollection(maxEntries),
		nonWallet:    newCollection(maxEntries),
		wallets:      wallets,
		log:          logger,
		metrics:      m,
		scanInterval: scanInterval,
		stopScan:     make(chan struct{}),
	}
	p.BaseService = *service.NewBaseService(logger, "FrontierPrioritizer", p)
	return p
}

// OnStart launches the periodic account scan spec.md 4.I describes
// ("scans accounts and confirmation_height").
func (p *Prioritizer) OnStart(ctx context.Context) error {
	go p.scanLoop(ctx)
	return nil
}

// OnStop signals the scan loop to exit.
func (p *Prioritizer) OnStop() { close(p.stopScan) }

func (p *Prioritizer) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(p.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopScan:
			return
		case <-ticker.C:
			if p.store == nil {
				continue
			}
			if err := Scan(p.store, p); err != nil && p.log != nil {
				p.log.Error("frontier scan failed", "err", err)
			}
		}
	}
}

// Update inserts or refreshes account's priority, routing it to the wallet
// or non-wallet collection. An account is moved between collections (rather
// than left stale in both) if its wallet membership changed since the last
// Update, preserving the invariant that it never appears in both at once.
func (p *Prioritizer) Update(account ledger.Account, blockCount, cementedHeight uint64) {
	uncemented := uint64(0)
	if blockCount > cementedHeight {
		uncemented = blockCount - cementedHeight
	}

	isWallet := p.wallets != nil && p.wallets.Contains(account)
	if isWallet {
		p.nonWallet.remove(account)
		p.wallet.upsert(account, uncemented)
	} else {
		p.wallet.remove(account)
		p.nonWallet.upsert(account, uncemented)
	}

	if p.metrics != nil {
		p.metrics.PrioritizedFrontiers.Set(float64(p.wallet.len() + p.nonWallet.len()))
	}
}

// Contains reports whether account is currently prioritized in either
// collection (for the invariant test: never both).
func (p *Prioritizer) Contains(account ledger.Account) (wallet, nonWallet bool) {
	return p.wallet.contains(account), p.nonWallet.contains(account)
}

func (p *Prioritizer) Len() (wallet, nonWallet int) {
	return p.wallet.len(), p.nonWallet.len()
}

// Scan walks every account in storage, computing uncemented_count and
// feeding it to Update. Intended to run periodically (spec.md 4.I "scans
// accounts and confirmation_height").
func Scan(st *store.Store, p *Prioritizer) error {
	return st.View(func(txn store.Txn) error {
		return txn.IterateFrontiers(func(account ledger.Account, _ ledger.BlockHash) (bool, error) {
			info, ok, err := txn.GetAccountInfo(account)
			if err != nil || !ok {
				return false, err
			}
			heightInfo, _, err := txn.GetConfirmationHeight(account)
			if err != nil {
				return false, err
			}
			p.Update(account, info.BlockCount, heightInfo.Height)
			return false, nil
		})
	})
}
