package service

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/starkline/diffsync/libs/log"
)

var (
	ErrAlreadyStarted = errors.New("already started")
	ErrAlreadyStopped = errors.New("already stopped")
	ErrNotStarted     = errors.New("not started")
)

// Service defines a service that can be started and stopped.
type Service interface {
	// Start is called to start the service, which should run until
	// the context terminates. If the service is already running, Start
	// must report an error.
	Start(context.Context) error

	// Return true if the service is running
	IsRunning() bool

	// String representation of the service
	String() string

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation describes the implementation that the
// BaseService implementation wraps.
type Implementation interface {
	Service

	// Called by the Services Start Method
	OnStart(context.Context) error

	// Called when the service's context is canceled.
	OnStop()
}

/*
BaseService is embedded by long-running components (the sync pipelines, the
node) to get a uniform Start/Stop/Wait lifecycle.

Users implement OnStart/OnStop. In the absence of errors, these methods are
guaranteed to be called at most once. If OnStart returns an error, the
service won't be marked as started, so the user can call Start again.

A service stops when Stop is called or when the context handed to Start is
canceled, whichever happens first. The caller must ensure that Start and Stop
are not called concurrently.

Typical usage:

	type Pipeline struct {
		service.BaseService
		// private fields
	}

	func NewPipeline(logger log.Logger) *Pipeline {
		p := &Pipeline{
			// init
		}
		p.BaseService = *service.NewBaseService(logger, "Pipeline", p)
		return p
	}

	func (p *Pipeline) OnStart(ctx context.Context) error {
		// start subroutines bound to ctx
	}

	func (p *Pipeline) OnStop() {
		// cancel subroutines, wait for them
	}
*/
type BaseService struct {
	logger log.Logger
	name   string
	impl   Implementation

	state uint32 // atomic serviceState
	quit  chan struct{}
}

type serviceState = uint32

const (
	stateIdle serviceState = iota
	stateStarting
	stateRunning
	stateStopped
)

// NewBaseService creates a new BaseService. A nil logger discards output.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &BaseService{
		logger: logger,
		name:   name,
		impl:   impl,
		quit:   make(chan struct{}),
	}
}

// swap moves the service from one of the states in from to next. It
// reports the state it found.
func (bs *BaseService) swap(next serviceState, from ...serviceState) (serviceState, bool) {
	for _, s := range from {
		if atomic.CompareAndSwapUint32(&bs.state, s, next) {
			return s, true
		}
	}
	return atomic.LoadUint32(&bs.state), false
}

// Start calls OnStart and, once it succeeds, stops the service when ctx is
// canceled. A stopped service cannot be started again.
func (bs *BaseService) Start(ctx context.Context) error {
	switch state, ok := bs.swap(stateStarting, stateIdle); {
	case ok:
	case state == stateStopped:
		bs.logger.Error("not starting service; already stopped", "service", bs.name)
		return ErrAlreadyStopped
	default:
		return ErrAlreadyStarted
	}

	bs.logger.Info("starting service", "service", bs.name, "impl", bs.impl.String())
	if err := bs.impl.OnStart(ctx); err != nil {
		bs.swap(stateIdle, stateStarting)
		return err
	}
	bs.swap(stateRunning, stateStarting)

	go func() {
		select {
		case <-bs.quit:
		case <-ctx.Done():
			if err := bs.Stop(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
				bs.logger.Error("stopping service on context end", "service", bs.name, "err", err)
				return
			}
			bs.logger.Info("stopped service", "service", bs.name)
		}
	}()
	return nil
}

// Stop calls OnStop and releases everyone blocked in Wait. It fails with
// ErrNotStarted before Start and with ErrAlreadyStopped after the first call.
func (bs *BaseService) Stop() error {
	switch state, ok := bs.swap(stateStopped, stateRunning); {
	case ok:
	case state == stateStopped:
		return ErrAlreadyStopped
	default:
		bs.logger.Error("not stopping service; not started yet", "service", bs.name)
		return ErrNotStarted
	}

	bs.logger.Info("stopping service", "service", bs.name, "impl", bs.impl.String())
	bs.impl.OnStop()
	close(bs.quit)
	return nil
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (bs *BaseService) IsRunning() bool {
	return atomic.LoadUint32(&bs.state) == stateRunning
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() { <-bs.quit }

// String returns the service name.
func (bs *BaseService) String() string { return bs.name }
