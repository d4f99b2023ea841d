package bootstrap

import (
	"context"

	"github.com/nanocurrency/nanod/internal/ledger"
)

// Connection is the narrow surface the puller needs from an established
// bootstrap peer connection: issue one bulk_pull and stream back the
// blocks it returns. Real dialing and framing live in internal/netp2p and
// internal/wire; the puller only ever sees this interface, so tests can
// substitute a fake peer without a socket.
type Connection interface {
	// BulkPull requests the chain walking backward from start toward end,
	// returning at most count blocks (0 = unlimited).
	BulkPull(ctx context.Context, start [32]byte, end ledger.BlockHash, count uint32) ([]ledger.Block, error)

	// BulkPullAccount requests pending entries for account above minimum.
	BulkPullAccount(ctx context.Context, account ledger.Account, minimum ledger.Balance) ([]PendingEntry, error)

	Close() error
}

// PendingEntry is one {source, amount} pair returned by bulk_pull_account.
type PendingEntry struct {
	Source ledger.Account
	Amount ledger.Balance
}

// Pool hands out idle connections to dispatch pulls on, gating dispatch the
// way spec.md section 5 requires ("Dispatch is gated on an idle-connection
// signal"). TryAcquire never blocks — ok is false when nothing is idle,
// which is itself the backpressure signal the run loop waits on.
type Pool interface {
	TryAcquire() (conn Connection, ok bool)
	Release(Connection)
}
