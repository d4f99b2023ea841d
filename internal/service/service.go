// Package service gives every long-running subsystem the same start/stop
// lifecycle: Start/Stop/IsRunning/Wait around an OnStart/OnStop hook pair.
package service

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/nanocurrency/nanod/internal/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")
	// ErrAlreadyStopped is returned when somebody tries to stop an already
	// stopped service.
	ErrAlreadyStopped = errors.New("already stopped")
	// ErrNotStarted is returned when somebody tries to stop a not running
	// service.
	ErrNotStarted = errors.New("not started")
)

// Service is what every subsystem exposes once it embeds BaseService.
type Service interface {
	// Start runs the service's OnStart hook, then returns. The service
	// keeps running in the background until ctx is done or Stop is called.
	Start(context.Context) error
	IsRunning() bool
	String() string
	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation is what a concrete subsystem provides to BaseService.
type Implementation interface {
	Service

	OnStart(context.Context) error
	OnStop()
}

// BaseService is embedded, classical-inheritance-style, by every subsystem
// in the node: the outer type implements OnStart/OnStop and gets
// Start/Stop/IsRunning/Wait/String for free via method promotion.
//
//	type FooService struct {
//		service.BaseService
//		// private fields
//	}
//
//	func NewFooService(logger log.Logger) *FooService {
//		fs := &FooService{}
//		fs.BaseService = *service.NewBaseService(logger, "FooService", fs)
//		return fs
//	}
//
// The caller must ensure Start and Stop are not called concurrently. It is
// fine to call Stop without calling Start first.
type BaseService struct {
	logger  log.Logger
	name    string
	started uint32 // atomic
	stopped uint32 // atomic
	quit    chan struct{}

	impl Implementation
}

// NewBaseService creates a new BaseService wrapping impl.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	return &BaseService{
		logger: logger,
		name:   name,
		quit:   make(chan struct{}),
		impl:   impl,
	}
}

// Start calls impl.OnStart, then returns. A background goroutine watches
// ctx and calls Stop once it's done, unless the service already stopped
// itself in the meantime.
func (bs *BaseService) Start(ctx context.Context) error {
	if atomic.CompareAndSwapUint32(&bs.started, 0, 1) {
		if atomic.LoadUint32(&bs.stopped) == 1 {
			bs.logger.Error("not starting service; already stopped", "service", bs.name, "impl", bs.impl.String())
			atomic.StoreUint32(&bs.started, 0)
			return ErrAlreadyStopped
		}

		bs.logger.Info("starting service", "service", bs.name, "impl", bs.impl.String())

		if err := bs.impl.OnStart(ctx); err != nil {
			atomic.StoreUint32(&bs.started, 0)
			return err
		}

		go func(ctx context.Context) {
			select {
			case <-bs.quit:
				// already stopped explicitly
			case <-ctx.Done():
				if !bs.impl.IsRunning() {
					return
				}
				if err := bs.Stop(); err != nil {
					bs.logger.Error("stopping service", "err", err.Error(), "service", bs.name, "impl", bs.impl.String())
				}
			}
		}(ctx)

		return nil
	}
	return ErrAlreadyStarted
}

// Stop calls impl.OnStop and closes the quit channel Wait blocks on.
func (bs *BaseService) Stop() error {
	if atomic.CompareAndSwapUint32(&bs.stopped, 0, 1) {
		if atomic.LoadUint32(&bs.started) == 0 {
			bs.logger.Error("not stopping service; not started yet", "service", bs.name, "impl", bs.impl.String())
			atomic.StoreUint32(&bs.stopped, 0)
			return ErrNotStarted
		}

		bs.logger.Info("stopping service", "service", bs.name, "impl", bs.impl.String())
		bs.impl.OnStop()
		close(bs.quit)
		return nil
	}
	return ErrAlreadyStopped
}

// IsRunning reports whether the service has started and not yet stopped.
func (bs *BaseService) IsRunning() bool {
	return atomic.LoadUint32(&bs.started) == 1 && atomic.LoadUint32(&bs.stopped) == 0
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() { <-bs.quit }

// String returns the service's name.
func (bs *BaseService) String() string { return bs.name }
