package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nanocurrency/nanod/internal/ledger"
	"github.com/nanocurrency/nanod/internal/log"
	"github.com/nanocurrency/nanod/internal/service"
)

// WalletLazyConfig bounds a wallet-lazy attempt.
type WalletLazyConfig struct {
	MinimumPendingAmount ledger.Balance
	MaxWallclock         time.Duration
}

func DefaultWalletLazyConfig() WalletLazyConfig {
	return WalletLazyConfig{MaxWallclock: 30 * time.Minute}
}

// Receiver is notified of every pending entry a wallet-lazy pull turns up.
type Receiver interface {
	PendingDiscovered(account ledger.Account, entry PendingEntry)
}

// WalletLazyAttempt pulls pending (unreceived) entries for a set of
// wallet-owned accounts via bulk_pull_account (spec.md 4.E "Wallet-lazy
// attempt"). Unlike the lazy attempt, it never touches the block processor
// directly — discovered PendingEntry values are handed to a Receiver for
// whatever layer turns them into receive blocks (out of scope here: wallet
// key management, spec.md section 1).
type WalletLazyAttempt struct {
	service.BaseService

	cfg  WalletLazyConfig
	pool Pool
	log  log.Logger
	id   string

	mu        sync.Mutex
	queue     []ledger.Account
	inFlight  int
	startedAt time.Time
	recv      Receiver

	errMu  sync.Mutex
	runErr error
}

func NewWalletLazyAttempt(cfg WalletLazyConfig, pool Pool, logger log.Logger) *WalletLazyAttempt {
	id := uuid.New().String()
	w := &WalletLazyAttempt{
		cfg:  cfg,
		pool: pool,
		log:  logger.With("attempt_id", id),
		id:   id,
	}
	w.BaseService = *service.NewBaseService(logger, "WalletLazyAttempt", w)
	return w
}

// SetReceiver installs the Receiver that dispatch delivers discovered
// pending entries to. Must be called before Start; Run (the convenience
// blocking form) does this for you.
func (w *WalletLazyAttempt) SetReceiver(recv Receiver) {
	w.mu.Lock()
	w.recv = recv
	w.mu.Unlock()
}

// Enqueue adds an account to the pull queue.
func (w *WalletLazyAttempt) Enqueue(account ledger.Account) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, account)
}

// Finished implements wallet_finished: running ∧ (queue non-empty ∨ pulls
// in flight) — inverted here to report "nothing left to do".
func (w *WalletLazyAttempt) Finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) == 0 && w.inFlight == 0
}

// OnStart launches the attempt's drive loop in the background.
func (w *WalletLazyAttempt) OnStart(ctx context.Context) error {
	w.mu.Lock()
	w.startedAt = time.Now()
	w.mu.Unlock()
	go w.run(ctx)
	return nil
}

// OnStop is a no-op: loop already watches IsRunning for the external-stop
// signal, and Wait blocks on the BaseService quit channel directly.
func (w *WalletLazyAttempt) OnStop() {}

// run drives the attempt and records the outcome for Err, stopping the
// service itself if loop returned naturally rather than via external Stop.
func (w *WalletLazyAttempt) run(ctx context.Context) {
	err := w.loop(ctx)

	w.errMu.Lock()
	w.runErr = err
	w.errMu.Unlock()

	if w.IsRunning() {
		_ = w.Stop()
	}
}

// Err returns the error run exited with, valid only after Wait returns.
func (w *WalletLazyAttempt) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.runErr
}

// Run is a convenience wrapper around SetReceiver/Start/Wait/Err for callers
// that just want one blocking call, the shape wallet-lazy attempts were
// driven with before they grew a proper Service lifecycle.
func (w *WalletLazyAttempt) Run(ctx context.Context, recv Receiver) error {
	w.SetReceiver(recv)
	if err := w.Start(ctx); err != nil {
		return err
	}
	w.Wait()
	return w.Err()
}

// loop dispatches queued accounts one at a time against an idle connection
// until the queue and in-flight set both drain, ctx is cancelled, the
// service is stopped, or MaxWallclock elapses.
func (w *WalletLazyAttempt) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !w.IsRunning() {
			return nil
		}
		if w.Finished() {
			return nil
		}
		if time.Since(w.startedAt) > w.cfg.MaxWallclock {
			return ErrExpired
		}

		account, ok := w.pop()
		if !ok {
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		conn, ok := w.pool.TryAcquire()
		if !ok {
			w.requeue(account)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		w.dispatch(ctx, conn, account)
	}
}

func (w *WalletLazyAttempt) pop() (ledger.Account, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return ledger.Account{}, false
	}
	a := w.queue[0]
	w.queue = w.queue[1:]
	w.inFlight++
	return a, true
}

func (w *WalletLazyAttempt) requeue(account ledger.Account) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, account)
	w.inFlight--
}

func (w *WalletLazyAttempt) dispatch(ctx context.Context, conn Connection, account ledger.Account) {
	go func() {
		defer w.pool.Release(conn)
		defer func() {
			w.mu.Lock()
			w.inFlight--
			w.mu.Unlock()
		}()

		entries, err := conn.BulkPullAccount(ctx, account, minimumBalance(w.cfg))
		if err != nil {
			w.requeueAfterFailure(account)
			w.log.Debug("bulk_pull_account failed, requeuing", "account", account, "err", err)
			return
		}

		w.mu.Lock()
		recv := w.recv
		w.mu.Unlock()
		for _, e := range entries {
			if recv != nil {
				recv.PendingDiscovered(account, e)
			}
		}
	}()
}

func (w *WalletLazyAttempt) requeueAfterFailure(account ledger.Account) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, account)
}

func minimumBalance(cfg WalletLazyConfig) ledger.Balance {
	return cfg.MinimumPendingAmount
}
