package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	dbm "github.com/tendermint/tm-db"

	"github.com/nanocurrency/nanod/internal/blockproc"
	"github.com/nanocurrency/nanod/internal/confheight"
	"github.com/nanocurrency/nanod/internal/config"
	"github.com/nanocurrency/nanod/internal/frontier"
	"github.com/nanocurrency/nanod/internal/ledger"
	"github.com/nanocurrency/nanod/internal/log"
	"github.com/nanocurrency/nanod/internal/metrics"
	"github.com/nanocurrency/nanod/internal/netp2p"
	"github.com/nanocurrency/nanod/internal/nodectx"
	"github.com/nanocurrency/nanod/internal/store"
)

// noWallet reports every account as non-wallet-owned; a real wallet-key
// registry (spec.md section 1, out of scope) would implement
// frontier.WalletSet instead.
type noWallet struct{}

func (noWallet) Contains(ledger.Account) bool { return false }

// NewNodeCommand builds the "node" subcommand that starts the storage,
// block processor, confirmation tracker and frontier prioritizer, and
// blocks until interrupted. It opens no network sockets and starts no
// bootstrap attempt; only the in-process components are wired here.
func NewNodeCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "node",
		Short: "run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(conf)
		},
	}
}

func runNode(conf *config.Config) error {
	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	m := metrics.New("node")

	dataDir := filepath.Join(conf.RootDir, conf.Store.DataDir)
	db, err := dbm.NewDB("nanod", dbm.BackendType(conf.Store.Backend), dataDir)
	if err != nil {
		return fmt.Errorf("opening store backend %q at %s: %w", conf.Store.Backend, dataDir, err)
	}
	defer db.Close()

	st := store.New(db)
	nctx := nodectx.New(logger, m, st)

	processor := blockproc.New(st, nctx.Component("blockproc"), m, 4096)

	confCfg := confheight.Config{
		BatchWriteSize:  int(conf.Confirmation.BatchWriteSize),
		UnboundedCutoff: int(conf.Confirmation.UnboundedCutoff),
	}
	confirmer := confheight.New(st, confCfg, nctx.Component("confheight"), m)
	processor.Subscribe(committedToConfirmer{confirmer})

	prioritizer := frontier.New(st, 4096, noWallet{}, nctx.Component("frontier"), m, frontier.DefaultScanInterval)

	channels := netp2p.NewTable()
	nctx = nctx.WithComponents(processor, confirmer, prioritizer, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := processor.Start(ctx); err != nil {
		return fmt.Errorf("starting block processor: %w", err)
	}
	if err := confirmer.Start(ctx); err != nil {
		return fmt.Errorf("starting confirmation height tracker: %w", err)
	}
	if err := prioritizer.Start(ctx); err != nil {
		return fmt.Errorf("starting frontier prioritizer: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("node started", "network", conf.Network, "home", conf.RootDir)
	<-sigCh
	logger.Info("shutting down")
	prioritizer.Stop()
	confirmer.Stop()
	processor.Stop()
	return nil
}

// committedToConfirmer bridges blockproc.Observer to the tracker: every
// block processed with Progress is passed to Confirm, which cements it and
// its uncemented ancestors; the pending-work estimate only chooses between
// the bounded and unbounded walkers.
type committedToConfirmer struct {
	confirmer *confheight.Tracker
}

func (c committedToConfirmer) BlockCommitted(block ledger.Block, result ledger.ProcessResult) {
	if result != ledger.Progress {
		return
	}
	_ = c.confirmer.Confirm(block.Hash())
}
