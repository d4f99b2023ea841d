// Package bootstrapserver implements the bootstrap server of spec.md
// section 4.F: per incoming connection, read one framed request and stream
// back the response (bulk_pull, bulk_pull_account, frontier_req).
package bootstrapserver

import (
	"context"

	"github.com/google/uuid"

	"github.com/nanocurrency/nanod/internal/ledger"
	"github.com/nanocurrency/nanod/internal/log"
	"github.com/nanocurrency/nanod/internal/service"
	"github.com/nanocurrency/nanod/internal/store"
	"github.com/nanocurrency/nanod/internal/wire"
)

// BlockSink receives blocks in the order the server wants to emit them; the
// concrete sender (stream channel write, or a test collector) implements
// it.
type BlockSink interface {
	SendBlock(ledger.Block) error
}

// PendingSink receives {block, source/amount} pairs for bulk_pull_account.
type PendingSink interface {
	SendPending(entry wire.BulkPullAccount, source ledger.Account, amount ledger.Balance) error
}

// FrontierSink receives {account, head} pairs for frontier_req, terminated
// by a single zero-frontier record.
type FrontierSink interface {
	SendFrontier(account ledger.Account, head ledger.BlockHash) error
}

// Server answers bootstrap requests against a Store. It embeds
// service.BaseService for consistency with the rest of the node's
// subsystems, though each request is served to completion synchronously by
// its own caller-provided goroutine; the server itself has no background
// loop to start or stop.
type Server struct {
	service.BaseService

	store *store.Store
	log   log.Logger
}

func New(st *store.Store) *Server {
	s := &Server{store: st, log: log.NewNopLogger()}
	s.BaseService = *service.NewBaseService(log.NewNopLogger(), "BootstrapServer", s)
	return s
}

// requestID tags one served request with a uuid so its log lines can be
// correlated end to end, the same way bootstrap.Attempt tags attempt_id.
func (s *Server) requestID() log.Logger {
	return s.log.With("request_id", uuid.New().String())
}

// OnStart is a no-op: see the Server doc comment.
func (s *Server) OnStart(ctx context.Context) error { return nil }

// OnStop is a no-op: see the Server doc comment.
func (s *Server) OnStop() {}

// BulkPull walks backward from req.Start (an account head or a block hash)
// toward req.End, streaming each block via sink. If End isn't an ancestor
// of Start on the same chain, it behaves as if End were zero (walks all
// the way to genesis). At most req.Count blocks are sent if Count != 0.
func (s *Server) BulkPull(req wire.BulkPull, sink BlockSink) error {
	logger := s.requestID()

	start, err := s.resolveStart(req.Start)
	if err != nil {
		logger.Debug("bulk_pull failed to resolve start", "err", err)
		return err
	}

	sent := uint32(0)
	cur := start
	for !cur.IsZero() {
		if req.Count != 0 && sent >= req.Count {
			break
		}

		var b ledger.Block
		var ok bool
		if err := s.store.View(func(txn store.Txn) error {
			var verr error
			b, ok, verr = txn.GetBlock(cur)
			return verr
		}); err != nil {
			logger.Debug("bulk_pull store error", "err", err)
			return err
		}
		if !ok {
			break
		}

		if err := sink.SendBlock(b); err != nil {
			logger.Debug("bulk_pull sink error", "err", err)
			return err
		}
		sent++

		if cur == req.End {
			break
		}
		cur = b.Previous()
	}
	logger.Debug("bulk_pull served", "sent", sent)
	return nil
}

// resolveStart interprets BulkPull.Start: if it names a known account, walk
// from that account's head; otherwise treat it as a block hash directly.
func (s *Server) resolveStart(raw [32]byte) (ledger.BlockHash, error) {
	var account ledger.Account
	copy(account[:], raw[:])

	var head ledger.BlockHash
	var isAccount bool
	err := s.store.View(func(txn store.Txn) error {
		h, ok, verr := txn.GetFrontier(account)
		if verr != nil {
			return verr
		}
		if ok {
			head, isAccount = h, true
		}
		return nil
	})
	if err != nil {
		return ledger.BlockHash{}, err
	}
	if isAccount {
		return head, nil
	}
	var hash ledger.BlockHash
	copy(hash[:], raw[:])
	return hash, nil
}

// BulkPullAccount streams pending entries for req.Account above
// req.MinimumAmount, shaped by req.Flags.
func (s *Server) BulkPullAccount(req wire.BulkPullAccount, sink PendingSink) error {
	logger := s.requestID()
	sent := 0
	err := s.store.View(func(txn store.Txn) error {
		return txn.IteratePending(req.Account, func(key ledger.PendingKey, info ledger.PendingInfo) (bool, error) {
			if info.Amount.Cmp(req.MinimumAmount) < 0 {
				return false, nil
			}
			sent++
			return false, sink.SendPending(req, info.Source, info.Amount)
		})
	})
	if err != nil {
		logger.Debug("bulk_pull_account failed", "err", err)
		return err
	}
	logger.Debug("bulk_pull_account served", "sent", sent)
	return nil
}

// FrontierReq iterates the frontier table in key order from req.Start,
// skipping accounts whose last modification is older than req.AgeSeconds,
// emitting a single zero-frontier record at end-of-stream.
func (s *Server) FrontierReq(req wire.FrontierReq, nowUnix int64, sink FrontierSink) error {
	logger := s.requestID()
	sent := uint32(0)
	err := s.store.View(func(txn store.Txn) error {
		return txn.IterateFrontiersFrom(req.Start, func(account ledger.Account, head ledger.BlockHash) (bool, error) {
			if req.Count != 0 && sent >= req.Count {
				return true, nil
			}
			info, ok, verr := txn.GetAccountInfo(account)
			if verr != nil {
				return false, verr
			}
			if ok && req.AgeSeconds != 0 {
				age := nowUnix - info.ModifiedUnix
				if age > int64(req.AgeSeconds) {
					return false, nil
				}
			}
			sent++
			return false, sink.SendFrontier(account, head)
		})
	})
	if err != nil {
		logger.Debug("frontier_req failed", "err", err)
		return err
	}
	logger.Debug("frontier_req served", "sent", sent)
	return sink.SendFrontier(ledger.Account{}, ledger.BlockHash{})
}
