// Package bootstrap implements the lazy and wallet-lazy pull state machines
// of spec.md section 4.E: transitively discovering and fetching an unknown
// block sub-graph from peers starting at a seed hash, with bounded memory
// and no duplicate work.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nanocurrency/nanod/internal/blockproc"
	"github.com/nanocurrency/nanod/internal/ledger"
	"github.com/nanocurrency/nanod/internal/log"
	"github.com/nanocurrency/nanod/internal/metrics"
	"github.com/nanocurrency/nanod/internal/service"
	"github.com/nanocurrency/nanod/internal/store"
)

// ErrExpired is returned by Run when an attempt hits its wallclock or size
// cap without finishing.
var ErrExpired = errors.New("bootstrap: attempt expired")

// retryLimitUnlimited marks a pull as coming from an already-confirmed
// source: process_block_lazy submits such blocks to the processor as
// pre-verified, and requeue never gives up on them (spec.md 4.E, and the
// Design Notes' "precise interaction... implementers should choose a
// saturating comparison" open question — resolved here as: unlimited means
// exactly that, requeue always re-tries).
const retryLimitUnlimited = -1

// Config bounds a lazy attempt's behavior; see spec.md 4.E for the name of
// each knob.
type Config struct {
	TargetBlocksPerConnection uint32
	MaxPulls                  int
	LazyMaxPullBlocks         uint32
	LazyMinPullBlocks         uint32
	RetryLimit                int
	LegacyBootstrapDisabled   bool
	MaxLazyBlocks             int
	MaxDestinations           int
	ExpiryWithLegacy          time.Duration
	ExpiryWithoutLegacy       time.Duration
}

func DefaultConfig() Config {
	return Config{
		TargetBlocksPerConnection: 2048,
		MaxPulls:                  300,
		LazyMaxPullBlocks:         512,
		LazyMinPullBlocks:         32,
		RetryLimit:                16,
		LegacyBootstrapDisabled:   true,
		MaxLazyBlocks:             1 << 20,
		MaxDestinations:           4096,
		ExpiryWithLegacy:          30 * time.Minute,
		ExpiryWithoutLegacy:       7 * 24 * time.Hour,
	}
}

// pullRequest is one (hash, retry_limit) entry of lazy_pulls/pulls.
type pullRequest struct {
	hash       ledger.BlockHash
	retryLimit int
	attempts   int
	processed  int
}

// backlogEntry is one lazy_state_backlog row: a state block (link, balance)
// was seen whose predecessor wasn't yet known, so whether its link is a
// receive source or a send destination is deferred until the predecessor's
// balance arrives.
type backlogEntry struct {
	link       ledger.BlockHash
	balance    ledger.Balance
	retryLimit int
}

// Attempt drives one lazy bootstrap pull, from Seed through completion or
// expiry. lazyMu guards the seven data structures spec.md 4.E names
// (lazy_keys, lazy_pulls, lazy_blocks, lazy_state_backlog, lazy_balances,
// lazy_destinations, lazy_undefined_links); dispatchMu guards pulls and the
// idle-connection signal. Per the Design Notes, lazyMu is never held while
// acquiring dispatchMu.
type Attempt struct {
	service.BaseService

	cfg       Config
	pool      Pool
	processor *blockproc.Processor
	store     *store.Store
	log       log.Logger
	metrics   *metrics.Metrics
	sem       *semaphore.Weighted
	id        string

	lazyMu         sync.Mutex
	keys           map[ledger.BlockHash]struct{}
	pullQueue      []pullRequest
	blocksSeen     map[ledger.BlockHash]struct{}
	stateBacklog   map[ledger.BlockHash]backlogEntry
	balances       map[ledger.BlockHash]ledger.Balance
	dest           *destinations
	undefinedLinks map[ledger.BlockHash]struct{}
	totalSeen      int

	dispatchMu sync.Mutex
	inFlight   []pullRequest

	startedAt time.Time

	group    *errgroup.Group
	groupCtx context.Context

	errMu  sync.Mutex
	runErr error
}

// NewAttempt builds a fresh (not yet started) lazy attempt. Each attempt is
// tagged with its own id so log lines from concurrently-running attempts
// (and from the goroutines one attempt fans out via dispatchOne) can be
// correlated back to it.
func NewAttempt(cfg Config, pool Pool, processor *blockproc.Processor, st *store.Store, logger log.Logger, m *metrics.Metrics) *Attempt {
	id := uuid.New().String()
	a := &Attempt{
		cfg:            cfg,
		pool:           pool,
		processor:      processor,
		store:          st,
		log:            logger.With("attempt_id", id),
		metrics:        m,
		sem:            semaphore.NewWeighted(int64(cfg.MaxPulls)),
		id:             id,
		keys:           make(map[ledger.BlockHash]struct{}),
		blocksSeen:     make(map[ledger.BlockHash]struct{}),
		stateBacklog:   make(map[ledger.BlockHash]backlogEntry),
		balances:       make(map[ledger.BlockHash]ledger.Balance),
		dest:           newDestinations(cfg.MaxDestinations),
		undefinedLinks: make(map[ledger.BlockHash]struct{}),
	}
	a.BaseService = *service.NewBaseService(logger, "LazyAttempt", a)
	return a
}

// Seed seeds the attempt with one hash to transitively pull from
// (lazy_start). confirmed marks the seed as coming from an already-verified
// source, so its pull never gives up on retry exhaustion.
func (a *Attempt) Seed(seed ledger.BlockHash, confirmed bool) {
	a.lazyMu.Lock()
	defer a.lazyMu.Unlock()

	a.keys[seed] = struct{}{}
	retryLimit := a.cfg.RetryLimit
	if confirmed {
		retryLimit = retryLimitUnlimited
	}
	a.pullQueue = append(a.pullQueue, pullRequest{hash: seed, retryLimit: retryLimit})
	a.startedAt = time.Now()
}

// OnStart launches the attempt's drive loop in the background. The errgroup
// it creates here is what dispatchOne fans pulls out onto; canceling
// groupCtx (on the first pull that returns a fatal error) cancels every
// sibling pull in flight.
func (a *Attempt) OnStart(ctx context.Context) error {
	a.group, a.groupCtx = errgroup.WithContext(ctx)
	go a.run(ctx)
	return nil
}

// OnStop is a no-op: run's own loop already watches for the BaseService
// quit signal via IsRunning, and Wait blocks on it.
func (a *Attempt) OnStop() {}

// run drives the attempt to completion and records the outcome for Err,
// stopping the service itself if the loop returned naturally (expiry,
// finished, or a fatal error) rather than via an external Stop.
func (a *Attempt) run(ctx context.Context) {
	err := a.loop(ctx)
	if werr := a.group.Wait(); werr != nil && err == nil {
		err = werr
	}

	a.errMu.Lock()
	a.runErr = err
	a.errMu.Unlock()

	if a.IsRunning() {
		_ = a.Stop()
	}
}

// Err returns the error run exited with, valid only after Wait returns.
func (a *Attempt) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.runErr
}

// loop implements the attempt's drive step: flush ready pulls, dispatch one,
// and otherwise wait out backpressure, until finished, expired, cancelled,
// or externally stopped.
func (a *Attempt) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !a.IsRunning() {
			return nil
		}
		done, err := a.finished()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if a.expired() {
			return ErrExpired
		}

		a.flush()

		dispatched := a.dispatchOne()
		if !dispatched {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// flush moves ready entries from lazy_pulls into pulls, capped at
// 3×target_blocks_per_connection and deduplicated against lazy_blocks and
// existing storage (spec.md 4.E step 2). lazy_pull_flush is the only path
// from lazy_pulls to pulls.
func (a *Attempt) flush() {
	cap := int(3 * a.cfg.TargetBlocksPerConnection)
	inFlight := a.inFlightLen()

	a.lazyMu.Lock()
	var ready []pullRequest
	remaining := a.pullQueue[:0]
	for _, req := range a.pullQueue {
		if len(ready)+inFlight >= cap {
			remaining = append(remaining, req)
			continue
		}
		if _, seen := a.blocksSeen[req.hash]; seen {
			continue
		}
		ready = append(ready, req)
	}
	a.pullQueue = remaining
	a.lazyMu.Unlock()

	if len(ready) == 0 {
		return
	}

	var toQueue []pullRequest
	for _, req := range ready {
		existing, err := a.store.ExistsBlock(req.hash)
		if err == nil && existing {
			continue
		}
		toQueue = append(toQueue, req)
	}

	a.dispatchMu.Lock()
	a.inFlight = append(a.inFlight, toQueue...)
	a.dispatchMu.Unlock()
}

func (a *Attempt) inFlightLen() int {
	a.dispatchMu.Lock()
	defer a.dispatchMu.Unlock()
	return len(a.inFlight)
}

// dispatchOne pops one pull off the in-flight queue and, if an idle
// connection and a pull slot are both available, fans it out onto the
// attempt's errgroup. Returns false if nothing was dispatched this round
// (the run loop's backpressure signal to wait).
func (a *Attempt) dispatchOne() bool {
	a.dispatchMu.Lock()
	if len(a.inFlight) == 0 {
		a.dispatchMu.Unlock()
		return false
	}
	req := a.inFlight[0]
	a.inFlight = a.inFlight[1:]
	a.dispatchMu.Unlock()

	if !a.sem.TryAcquire(1) {
		a.requeue(req)
		return false
	}
	conn, ok := a.pool.TryAcquire()
	if !ok {
		a.sem.Release(1)
		a.requeue(req)
		return false
	}

	a.group.Go(func() error {
		defer a.sem.Release(1)
		defer a.pool.Release(conn)
		return a.pullOnce(a.groupCtx, conn, req)
	})
	return true
}

func (a *Attempt) requeue(req pullRequest) {
	a.dispatchMu.Lock()
	a.inFlight = append([]pullRequest{req}, a.inFlight...)
	a.dispatchMu.Unlock()
}

// pullOnce dispatches one pull over conn and feeds returned blocks through
// processBlockLazy, applying the requeue policy on error. A network error
// is absorbed by the requeue policy rather than returned (it isn't fatal to
// the group); a processor submission failure is returned, which cancels
// groupCtx and surfaces the failure through Err.
func (a *Attempt) pullOnce(ctx context.Context, conn Connection, req pullRequest) error {
	count := a.adaptiveBatchSize()
	var start [32]byte
	copy(start[:], req.hash[:])

	blocks, err := conn.BulkPull(ctx, start, ledger.BlockHash{}, count)
	if err != nil {
		a.requeuePullLazy(req, len(blocks) > 0, true)
		if a.metrics != nil {
			a.metrics.PullsRequeued.Add(1)
		}
		a.log.Debug("bulk_pull failed, requeuing", "hash", req.hash, "err", err)
		return nil
	}

	for _, b := range blocks {
		if err := a.processBlockLazy(ctx, b, req.retryLimit == retryLimitUnlimited); err != nil {
			a.log.Error("submitting pulled block to processor failed", "hash", b.Hash(), "err", err)
			return err
		}
	}

	if len(blocks) >= int(a.cfg.LazyMaxPullBlocks) {
		// More chain likely remains behind the last block returned; reseed.
		last := blocks[len(blocks)-1]
		a.lazyMu.Lock()
		a.pullQueue = append(a.pullQueue, pullRequest{hash: last.Previous(), retryLimit: req.retryLimit})
		a.lazyMu.Unlock()
	}
	return nil
}

// adaptiveBatchSize shrinks the per-pull block count as the attempt's
// duplicate ratio rises (spec.md 4.E "Adaptive batch size"), floored at
// lazy_min_pull_blocks.
func (a *Attempt) adaptiveBatchSize() uint32 {
	a.lazyMu.Lock()
	total := a.totalSeen
	distinct := len(a.blocksSeen)
	a.lazyMu.Unlock()

	if distinct == 0 || total <= distinct {
		return a.cfg.LazyMaxPullBlocks
	}
	ratio := float64(total) / float64(distinct)
	if ratio <= 2 {
		return a.cfg.LazyMaxPullBlocks
	}
	scaled := float64(a.cfg.LazyMaxPullBlocks) / (ratio * ratio * ratio * math.Sqrt(ratio))
	size := uint32(scaled)
	if size < a.cfg.LazyMinPullBlocks {
		size = a.cfg.LazyMinPullBlocks
	}
	if size > a.cfg.LazyMaxPullBlocks {
		size = a.cfg.LazyMaxPullBlocks
	}
	return size
}

// requeuePullLazy implements requeue_pull_lazy (spec.md 4.E): a network
// error increments attempts and reinserts at the queue tail while under the
// retry budget; otherwise the pull is dropped, and if any blocks were
// delivered the chain's head is re-seeded since the source may have more.
func (a *Attempt) requeuePullLazy(req pullRequest, delivered bool, networkError bool) {
	req.attempts++
	budget := req.retryLimit
	saturating := budget == retryLimitUnlimited
	withinBudget := saturating || req.attempts <= budget+req.processed/int(maxUint32(a.cfg.LazyMaxPullBlocks, 1))

	a.lazyMu.Lock()
	defer a.lazyMu.Unlock()

	_, known := a.blocksSeen[req.hash]
	if withinBudget && !known {
		a.pullQueue = append(a.pullQueue, req)
		return
	}
	if delivered {
		a.pullQueue = append(a.pullQueue, pullRequest{hash: req.hash, retryLimit: req.retryLimit})
	}
	if a.metrics != nil {
		a.metrics.PullsDropped.Add(1)
	}
}

func maxUint32(v uint32, floor uint32) uint32 {
	if v < floor {
		return floor
	}
	return v
}

// processBlockLazy implements spec.md 4.E step 3: discover dependencies,
// record the block as seen, resolve any backlog entry it unblocks, and
// submit it to the block processor.
func (a *Attempt) processBlockLazy(ctx context.Context, b ledger.Block, verified bool) error {
	hash := b.Hash()

	a.lazyMu.Lock()
	a.totalSeen++
	if _, dup := a.blocksSeen[hash]; dup {
		if a.metrics != nil {
			a.metrics.LazyDuplicates.Add(1)
		}
		a.lazyMu.Unlock()
		return nil
	}

	switch v := b.(type) {
	case *ledger.OpenBlock:
		if !v.SourceHash.IsZero() {
			a.queuePullLocked(v.SourceHash)
		}
	case *ledger.ReceiveBlock:
		if !v.SourceHash.IsZero() {
			a.queuePullLocked(v.SourceHash)
		}
	case *ledger.SendBlock:
		a.dest.bump(v.Destination)
	case *ledger.StateBlock:
		a.resolveStateLocked(v)
	}

	a.blocksSeen[hash] = struct{}{}
	a.recordBalanceLocked(b)

	// hash is the predecessor any backlog entry keyed on it was waiting for
	// (lazy_state_backlog is keyed by the *blocked* block's previous hash).
	backlogHit, hasBacklog := a.stateBacklog[hash]
	if hasBacklog {
		delete(a.stateBacklog, hash)
	}
	a.lazyMu.Unlock()

	if hasBacklog {
		a.resolveBacklogHit(b, backlogHit)
	}

	if err := a.processor.Submit(ctx, blockproc.Item{Block: b, Verified: verified}); err != nil {
		return fmt.Errorf("submitting block %s: %w", hash, err)
	}
	return nil
}

// resolveStateLocked implements lazy_block_state: a state block's link means
// source (pull further) for a receive, or destination (no pull) for a send,
// decided by the sign of balance−previous.balance. Must be called with
// lazyMu held.
func (a *Attempt) resolveStateLocked(b *ledger.StateBlock) {
	if b.Link == ledger.EpochLink {
		return
	}
	if b.IsOpen() {
		a.queuePullLocked(b.Link) // open-as-state always receives
		return
	}

	prevBalance, knowledge := a.previousBalanceLocked(b.PreviousHash)
	switch knowledge {
	case knowledgeUnknown:
		a.stateBacklog[b.PreviousHash] = backlogEntry{link: b.Link, balance: b.Balance, retryLimit: a.cfg.RetryLimit}
		return
	}

	if b.Balance.Cmp(prevBalance) > 0 {
		a.queuePullLocked(b.Link) // receive: link is the source hash
	} else if b.Balance.Cmp(prevBalance) < 0 {
		a.dest.bump(ledger.Account(b.Link)) // send: link is the destination account
	}
}

type balanceKnowledge int

const (
	knowledgeUnknown balanceKnowledge = iota
	knowledgeKnown
)

// previousBalanceLocked looks prevHash's balance up in lazy_balances, then in
// storage (state blocks only), and reports it unknown otherwise. Must be
// called with lazyMu held; the storage read also runs under lazyMu.
func (a *Attempt) previousBalanceLocked(prevHash ledger.BlockHash) (ledger.Balance, balanceKnowledge) {
	if bal, ok := a.balances[prevHash]; ok {
		return bal, knowledgeKnown
	}
	var bal ledger.Balance
	var found bool
	_ = a.store.View(func(txn store.Txn) error {
		blk, ok, err := txn.GetBlock(prevHash)
		if err != nil || !ok {
			return err
		}
		if sb, ok := blk.(*ledger.StateBlock); ok {
			bal = sb.Balance
			found = true
		}
		return nil
	})
	if found {
		return bal, knowledgeKnown
	}
	return ledger.Balance{}, knowledgeUnknown
}

func (a *Attempt) recordBalanceLocked(b ledger.Block) {
	if sb, ok := b.(*ledger.StateBlock); ok {
		a.balances[sb.Hash()] = sb.Balance
	}
}

// arrivedBalance returns the balance a just-committed block carries, for the
// blocks that carry one at all: legacy open/receive/change blocks don't, and
// resolveBacklogHit has a separate, conservative path for those.
func arrivedBalance(b ledger.Block) (ledger.Balance, bool) {
	switch v := b.(type) {
	case *ledger.StateBlock:
		return v.Balance, true
	case *ledger.SendBlock:
		return v.Balance, true
	}
	return ledger.Balance{}, false
}

// resolveBacklogHit implements lazy_block_state_backlog_check: arrived is the
// block whose hash a backlogged state block's predecessor lookup was
// waiting on; entry is what that blocked state block stored about itself
// (its own link and balance) when it first deferred. Comparing entry's
// balance against arrived's resolves the same receive-vs-send question
// resolveStateLocked answers for a predecessor that was already known.
func (a *Attempt) resolveBacklogHit(arrived ledger.Block, entry backlogEntry) {
	arrivedBalance, hasBalance := arrivedBalance(arrived)
	if !hasBalance {
		// Legacy open/receive/change predecessor: no balance to compare, so
		// the link's nature can't be decided here. lazy_undefined_links
		// queues it once as a precaution rather than silently dropping it.
		a.lazyMu.Lock()
		_, already := a.undefinedLinks[entry.link]
		a.undefinedLinks[entry.link] = struct{}{}
		a.lazyMu.Unlock()
		if !already {
			a.queuePullWithRetry(entry.link, a.cfg.RetryLimit)
		}
		return
	}

	if entry.balance.Cmp(arrivedBalance) > 0 {
		a.queuePullWithRetry(entry.link, entry.retryLimit) // receive: link is the source hash
	} else if entry.balance.Cmp(arrivedBalance) < 0 {
		a.lazyMu.Lock()
		a.dest.bump(ledger.Account(entry.link)) // send: link is the destination account
		a.lazyMu.Unlock()
	}
}

func (a *Attempt) queuePullLocked(hash ledger.BlockHash) {
	a.queuePullLockedWithRetry(hash, a.cfg.RetryLimit)
}

// queuePullLockedWithRetry is queuePullLocked generalized to a caller-chosen
// retry budget, the form a backlog resolution needs since it must honor the
// blocked pull's own retryLimit rather than always falling back to the
// attempt's default. Must be called with lazyMu held.
func (a *Attempt) queuePullLockedWithRetry(hash ledger.BlockHash, retryLimit int) {
	if _, seen := a.blocksSeen[hash]; seen {
		return
	}
	a.pullQueue = append(a.pullQueue, pullRequest{hash: hash, retryLimit: retryLimit})
}

// queuePullWithRetry is queuePullLockedWithRetry for callers that don't
// already hold lazyMu.
func (a *Attempt) queuePullWithRetry(hash ledger.BlockHash, retryLimit int) {
	a.lazyMu.Lock()
	a.queuePullLockedWithRetry(hash, retryLimit)
	a.lazyMu.Unlock()
}

// finished implements lazy_finished: every seed hash exists in storage and
// lazy_pulls/lazy_state_backlog/lazy_destinations are all empty.
func (a *Attempt) finished() (bool, error) {
	a.lazyMu.Lock()
	if len(a.pullQueue) > 0 || len(a.stateBacklog) > 0 || a.dest.len() > 0 {
		a.lazyMu.Unlock()
		return false, nil
	}
	keys := make([]ledger.BlockHash, 0, len(a.keys))
	for k := range a.keys {
		keys = append(keys, k)
	}
	a.lazyMu.Unlock()

	for _, k := range keys {
		ok, err := a.store.ExistsBlock(k)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// expired implements lazy_has_expired: a hard wallclock cap, or lazy_blocks
// exceeding its size limit.
func (a *Attempt) expired() bool {
	a.lazyMu.Lock()
	size := len(a.blocksSeen)
	a.lazyMu.Unlock()
	if size > a.cfg.MaxLazyBlocks {
		return true
	}

	cap := a.cfg.ExpiryWithoutLegacy
	if !a.cfg.LegacyBootstrapDisabled {
		cap = a.cfg.ExpiryWithLegacy
	}
	return time.Since(a.startedAt) > cap
}

// Stats is a read-only snapshot for tests and telemetry.
func (a *Attempt) Stats() (blocksSeen int, pending int, backlog int) {
	a.lazyMu.Lock()
	defer a.lazyMu.Unlock()
	return len(a.blocksSeen), len(a.pullQueue), len(a.stateBacklog)
}
