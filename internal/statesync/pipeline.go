package statesync

import (
	"context"
	"errors"

	"github.com/creachadair/taskgroup"

	"github.com/starkline/diffsync/config"
	"github.com/starkline/diffsync/internal/source"
	"github.com/starkline/diffsync/libs/log"
	"github.com/starkline/diffsync/libs/service"
)

// Pipeline runs a Syncer and a CommitRouter connected by a channel holding
// at most EventBufferSize events.
type Pipeline struct {
	service.BaseService
	logger log.Logger

	syncer *Syncer
	router *CommitRouter
	events chan *SyncEvent

	consumerGone chan struct{}
	cancel       context.CancelFunc
	done         chan struct{}
	err          error
}

// NewPipeline returns a state diff pipeline fetching from src and writing to
// storage.
func NewPipeline(
	cfg *config.SyncConfig,
	logger log.Logger,
	src source.StateUpdateSource,
	storage Storage,
	metrics *Metrics,
) *Pipeline {
	p := &Pipeline{
		logger:       logger,
		events:       make(chan *SyncEvent, cfg.EventBufferSize),
		consumerGone: make(chan struct{}),
		done:         make(chan struct{}),
	}
	p.syncer = NewSyncer(cfg, logger.With("component", "syncer"), src, storage, p.events, p.consumerGone, metrics)
	p.router = NewCommitRouter(cfg, logger.With("component", "router"), storage, metrics)
	p.BaseService = *service.NewBaseService(logger, "StateSync", p)
	return p
}

// Subscribe returns a channel receiving a copy of every accepted event
// before it is stored. Slow subscribers miss events. It must be called
// before Start.
func (p *Pipeline) Subscribe(buf int) <-chan *SyncEvent {
	return p.router.Subscribe(buf)
}

// State returns the state of the syncer.
func (p *Pipeline) State() SyncerState {
	return p.syncer.State()
}

// OnStart implements service.Service.
func (p *Pipeline) OnStart(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	g := taskgroup.New(func(err error) error {
		// either half failing takes the other one down
		p.cancel()
		return err
	})
	g.Go(func() error {
		err := p.syncer.Run(ctx)
		if errors.Is(err, ErrConsumerGone) || ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer close(p.consumerGone)
		return p.router.Run(p.events)
	})

	go func() {
		defer close(p.done)
		if err := g.Wait(); err != nil {
			p.err = err
			p.logger.Error("state diff pipeline stopped", "err", err)
		}
	}()
	return nil
}

// OnStop implements service.Service.
func (p *Pipeline) OnStop() {
	p.cancel()
	<-p.done
}

// Done is closed once both halves of the pipeline have returned.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns why the pipeline stopped on its own, or nil.
func (p *Pipeline) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}
