package statesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/starkline/diffsync/config"
	"github.com/starkline/diffsync/internal/source"
	"github.com/starkline/diffsync/libs/log"
	"github.com/starkline/diffsync/types"
)

// ErrConsumerGone is returned by Syncer.Run once nobody receives its events
// anymore.
var ErrConsumerGone = errors.New("state diff consumer is gone")

// SyncerState is what the Syncer is doing.
type SyncerState uint32

const (
	// StateCatchingUp means some headers have no state diff yet.
	StateCatchingUp SyncerState = iota
	// StateIdleWait means every stored header has its state diff.
	StateIdleWait
)

func (s SyncerState) String() string {
	switch s {
	case StateCatchingUp:
		return "catching-up"
	case StateIdleWait:
		return "idle-wait"
	default:
		return fmt.Sprintf("SyncerState(%d)", uint32(s))
	}
}

// Syncer is the producing half of the pipeline. It streams missing state
// diffs from the source and forwards them, normalized, on its events
// channel.
type Syncer struct {
	cfg      *config.SyncConfig
	logger   log.Logger
	metrics  *Metrics
	source   source.StateUpdateSource
	storage  Storage
	detector *ReorgDetector

	events       chan<- *SyncEvent
	consumerGone <-chan struct{}

	state uint32 // atomic SyncerState

	// next is the first block not forwarded yet. Blocks in
	// [state marker, next) sit in the channel or are being committed.
	next types.BlockNumber
	// state marker seen by the last pass that had nothing left to forward
	pendingMarker types.BlockNumber
	pending       bool

	sleep func(context.Context, time.Duration) error
}

// NewSyncer returns a Syncer sending on events. Closing consumerGone tells
// the Syncer that events is no longer read.
func NewSyncer(
	cfg *config.SyncConfig,
	logger log.Logger,
	src source.StateUpdateSource,
	storage Storage,
	events chan<- *SyncEvent,
	consumerGone <-chan struct{},
	metrics *Metrics,
) *Syncer {
	return &Syncer{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		source:       src,
		storage:      storage,
		detector:     NewReorgDetector(storage),
		events:       events,
		consumerGone: consumerGone,
		state:        uint32(StateCatchingUp),
		sleep:        sleepContext,
	}
}

// State returns what the Syncer is currently doing.
func (s *Syncer) State() SyncerState {
	return SyncerState(atomic.LoadUint32(&s.state))
}

func (s *Syncer) setState(st SyncerState) {
	atomic.StoreUint32(&s.state, uint32(st))
	if st == StateCatchingUp {
		s.metrics.CatchingUp.Set(1)
	} else {
		s.metrics.CatchingUp.Set(0)
	}
}

// Run syncs until ctx ends or the consumer goes away, and closes the events
// channel before returning. Every other failure is logged and retried after
// RecoverableErrorSleepDuration.
func (s *Syncer) Run(ctx context.Context) error {
	defer close(s.events)

	for {
		err := s.pass(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrConsumerGone):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}

		s.metrics.RecoverableErrors.Add(1)
		s.logger.Error("state diff sync failed; retrying",
			"err", err,
			"retry_in", s.cfg.RecoverableErrorSleepDuration)
		if err := s.sleep(ctx, s.cfg.RecoverableErrorSleepDuration); err != nil {
			return err
		}
	}
}

// pass runs one round: read the markers, then either wait for new headers or
// stream and forward the missing state diffs.
func (s *Syncer) pass(ctx context.Context) error {
	txn, err := s.storage.BeginReadTxn()
	if err != nil {
		return fmt.Errorf("opening read transaction: %w", err)
	}
	stateMarker, headerMarker := txn.StateMarker(), txn.HeaderMarker()

	if stateMarker >= headerMarker {
		s.setState(StateIdleWait)
		s.pending = false
		s.next = stateMarker
		s.logger.Debug("waiting for new headers", "state_marker", stateMarker)
		return s.sleep(ctx, s.cfg.BlockPropagationSleepDuration)
	}
	s.setState(StateCatchingUp)

	// Headers were reverted, or another writer moved the state marker.
	if s.next < stateMarker || s.next > headerMarker {
		s.next = stateMarker
	}

	if s.next == headerMarker {
		return s.awaitCommits(ctx, stateMarker)
	}
	s.pending = false

	return s.forward(ctx, s.next, headerMarker)
}

// awaitCommits is called when every missing block has been forwarded but not
// all of them are stored yet. If the router drained the channel and the
// marker stood still for a whole wait, the remaining blocks were dropped and
// are fetched again.
func (s *Syncer) awaitCommits(ctx context.Context, stateMarker types.BlockNumber) error {
	if s.pending && s.pendingMarker == stateMarker && len(s.events) == 0 {
		s.logger.Info("forwarded state diffs were not stored; fetching again",
			"from", stateMarker, "to", s.next)
		to := s.next
		s.pending = false
		s.next = stateMarker
		return s.forward(ctx, stateMarker, to)
	}

	s.pending, s.pendingMarker = true, stateMarker
	s.logger.Debug("waiting for forwarded state diffs to be stored",
		"state_marker", stateMarker, "forwarded_to", s.next)
	return s.sleep(ctx, s.cfg.BlockPropagationSleepDuration)
}

func (s *Syncer) forward(ctx context.Context, from, to types.BlockNumber) error {
	s.logger.Info("syncing state diffs", "from", from, "to", to)

	stream := s.source.StreamStateUpdates(ctx, from, to)
	defer stream.Close()

	for {
		u, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("streaming state updates [%d, %d): %w", from, to, err)
		}
		if u.StateDiff == nil {
			return fmt.Errorf("state update %d has no state diff", u.BlockNumber)
		}

		n, hash := u.BlockNumber, u.BlockHash
		u.StateDiff.Normalize()
		ev := &SyncEvent{
			BlockNumber: n,
			BlockHash:   hash,
			StateDiff:   u.StateDiff,
			Classes:     u.Classes,
		}

		select {
		case s.events <- ev:
		case <-s.consumerGone:
			return ErrConsumerGone
		case <-ctx.Done():
			return ctx.Err()
		}
		s.next = n + 1

		verdict, err := s.detector.Classify(n, hash)
		if err != nil {
			return err
		}
		if verdict == VerdictDiverged {
			// n goes to the ommers; it is not canonical progress.
			s.next = n
			s.metrics.Reorgs.Add(1)
			s.logger.Info("block diverges from stored header; restarting",
				"height", n,
				"hash", hash,
				"retry_in", s.cfg.RecoverableErrorSleepDuration)
			return s.sleep(ctx, s.cfg.RecoverableErrorSleepDuration)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
