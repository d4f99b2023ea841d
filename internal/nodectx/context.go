// Package nodectx carries the narrow, explicit set of shared collaborators
// every subsystem needs at construction, replacing a back-pointer to one
// monolithic node object (the Design Notes call this out explicitly:
// components take what they need, not "the node").
package nodectx

import (
	"github.com/nanocurrency/nanod/internal/blockproc"
	"github.com/nanocurrency/nanod/internal/confheight"
	"github.com/nanocurrency/nanod/internal/frontier"
	"github.com/nanocurrency/nanod/internal/log"
	"github.com/nanocurrency/nanod/internal/metrics"
	"github.com/nanocurrency/nanod/internal/netp2p"
	"github.com/nanocurrency/nanod/internal/store"
)

// Context is assembled once at startup (it is a small struct of
// pointers/interfaces). The node command passes subsystem constructors its
// Component loggers, the store and the metrics, not the Context itself.
type Context struct {
	Logger  log.Logger
	Metrics *metrics.Metrics
	Store   *store.Store

	Processor  *blockproc.Processor
	Confirmer  *confheight.Tracker
	Prioritizer *frontier.Prioritizer
	Channels   *netp2p.Table
}

// New builds a Context from already-constructed collaborators. Each field
// may be nil in tests that only exercise one subsystem.
func New(logger log.Logger, m *metrics.Metrics, st *store.Store) Context {
	return Context{Logger: logger, Metrics: m, Store: st}
}

// WithComponents returns a copy of c with the wiring-phase collaborators
// attached, once they exist (they're constructed after Context.New because
// their constructors take the Component loggers it hands out).
func (c Context) WithComponents(p *blockproc.Processor, conf *confheight.Tracker, pr *frontier.Prioritizer, ch *netp2p.Table) Context {
	c.Processor = p
	c.Confirmer = conf
	c.Prioritizer = pr
	c.Channels = ch
	return c
}

// Component returns a logger narrowed with a "component" key, the pattern
// every subsystem constructor uses to tag its log lines.
func (c Context) Component(name string) log.Logger {
	if c.Logger == nil {
		return nil
	}
	return c.Logger.With("component", name)
}
