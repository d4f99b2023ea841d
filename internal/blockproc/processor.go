// Package blockproc implements the single FIFO block processor of spec.md
// section 4.G: every block, whether it arrived live over a channel or was
// returned by the bootstrap puller, is validated and admitted through here.
package blockproc

import (
	"context"
	"fmt"

	"github.com/nanocurrency/nanod/internal/ledger"
	"github.com/nanocurrency/nanod/internal/log"
	"github.com/nanocurrency/nanod/internal/metrics"
	"github.com/nanocurrency/nanod/internal/service"
	"github.com/nanocurrency/nanod/internal/store"
)

// Item is one unit of processor work: a block plus the context it arrived
// with. Verified is carried along with the block; ledger.Process checks
// every block's signature regardless of it.
type Item struct {
	Block    ledger.Block
	Verified bool
}

// Observer is notified once per processed block with its result, gaps and
// rejections included; the node command's confirmation-height bridge
// attaches here.
type Observer interface {
	BlockCommitted(block ledger.Block, result ledger.ProcessResult)
}

// Processor drains a single FIFO of incoming blocks. It is not safe to run
// more than one Processor against the same Store: admission order matters
// for dependency resolution, and a single-threaded processor keeps messages
// for the same block serialized.
type Processor struct {
	service.BaseService

	store     *store.Store
	log       log.Logger
	metrics   *metrics.Metrics
	observers []Observer

	itemCh chan Item
	done   chan struct{}
}

// New builds a Processor backed by st, with a bounded inbound queue of the
// given size (callers that submit faster than the processor drains will
// block on Submit once it fills, applying backpressure up to the channel
// layer).
func New(st *store.Store, logger log.Logger, m *metrics.Metrics, queueSize int) *Processor {
	if queueSize <= 0 {
		queueSize = 4096
	}
	p := &Processor{
		store:   st,
		log:     logger,
		metrics: m,
		itemCh:  make(chan Item, queueSize),
		done:    make(chan struct{}),
	}
	p.BaseService = *service.NewBaseService(logger, "BlockProcessor", p)
	return p
}

// Subscribe registers an observer; must be called before Start.
func (p *Processor) Subscribe(o Observer) {
	p.observers = append(p.observers, o)
}

// Submit enqueues a block for processing, blocking if the queue is full.
func (p *Processor) Submit(ctx context.Context, item Item) error {
	select {
	case p.itemCh <- item:
		return nil
	case <-p.done:
		return fmt.Errorf("blockproc: processor stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnStart launches the processor's drain loop in the background.
func (p *Processor) OnStart(ctx context.Context) error {
	go p.run(ctx)
	return nil
}

// OnStop closes done, unblocking Submit and ending run.
func (p *Processor) OnStop() { close(p.done) }

// run drains the queue until ctx is cancelled or the processor is stopped.
func (p *Processor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case item := <-p.itemCh:
			p.process(item)
		}
	}
}

func (p *Processor) process(item Item) {
	var result ledger.ProcessResult
	err := p.store.Update(func(txn store.Txn) error {
		var perr error
		result, perr = ledger.Process(txn, item.Block)
		if perr != nil {
			return perr
		}
		switch result {
		case ledger.GapPrevious, ledger.GapSource:
			dep := missingDependency(item.Block, result)
			if perr := txn.PutUnchecked(dep, item.Block); perr != nil {
				return perr
			}
			if p.metrics != nil {
				p.metrics.BlocksGapped.Add(1)
			}
		case ledger.Progress:
			if p.metrics != nil {
				p.metrics.BlocksProcessed.Add(1)
			}
		}
		return nil
	})
	if err != nil {
		if p.log != nil {
			p.log.Error("block processing failed", "hash", item.Block.Hash(), "err", err)
		}
		return
	}

	for _, o := range p.observers {
		o.BlockCommitted(item.Block, result)
	}

	if result == ledger.Progress {
		p.drainUnchecked(item.Block.Hash())
	}
}

// drainUnchecked re-submits every block that was parked waiting on hash,
// recursively unblocking a chain of dependents (spec.md 4.G "gap_bootstrap",
// "gap_live"). It runs inline rather than round-tripping through Submit so
// a long dependent chain resolves within one processing step.
func (p *Processor) drainUnchecked(hash ledger.BlockHash) {
	var dependents []ledger.Block
	err := p.store.View(func(txn store.Txn) error {
		var verr error
		dependents, verr = txn.GetUnchecked(hash)
		return verr
	})
	if err != nil || len(dependents) == 0 {
		return
	}

	for _, b := range dependents {
		if err := p.store.Update(func(txn store.Txn) error {
			return txn.DeleteUnchecked(hash, b)
		}); err != nil && p.log != nil {
			p.log.Error("clearing unchecked entry failed", "hash", hash, "err", err)
		}
		p.process(Item{Block: b, Verified: true})
	}
}

// missingDependency returns the hash a gap_previous/gap_source result is
// blocked on, the key process_block_lazy and the live path both insert
// into `unchecked` under.
func missingDependency(b ledger.Block, result ledger.ProcessResult) ledger.BlockHash {
	switch result {
	case ledger.GapPrevious:
		return b.Previous()
	case ledger.GapSource:
		switch v := b.(type) {
		case *ledger.OpenBlock:
			return v.SourceHash
		case *ledger.ReceiveBlock:
			return v.SourceHash
		case *ledger.StateBlock:
			return v.Link
		}
	}
	return ledger.BlockHash{}
}
