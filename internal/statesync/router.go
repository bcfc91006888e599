package statesync

import (
	"errors"
	"fmt"
	"sync"

	"github.com/starkline/diffsync/config"
	"github.com/starkline/diffsync/internal/store"
	"github.com/starkline/diffsync/libs/log"
	"github.com/starkline/diffsync/types"
)

// ErrSkipLimitExceeded is returned by the CommitRouter when one block was
// skipped MaxStructuralSkips times in a row.
var ErrSkipLimitExceeded = errors.New("structural skip limit exceeded")

// CommitRouter is the consuming half of the pipeline. It stores every event
// either on the canonical chain or as an ommer.
type CommitRouter struct {
	cfg     *config.SyncConfig
	logger  log.Logger
	metrics *Metrics
	storage Storage

	skippedHeight types.BlockNumber
	skips         int

	mtx         sync.Mutex
	subscribers []chan *SyncEvent
}

// NewCommitRouter returns a router writing to storage.
func NewCommitRouter(cfg *config.SyncConfig, logger log.Logger, storage Storage, metrics *Metrics) *CommitRouter {
	return &CommitRouter{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		storage: storage,
	}
}

// Subscribe returns a channel receiving a copy of every event the router
// receives, before it is stored. Events are dropped when the channel is
// full. The channel is closed when Run returns.
func (r *CommitRouter) Subscribe(buf int) <-chan *SyncEvent {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	ch := make(chan *SyncEvent, buf)
	r.subscribers = append(r.subscribers, ch)
	return ch
}

// Run routes events until the channel is closed. Failures to store an event
// are logged and the event is dropped; Run only returns early with
// ErrSkipLimitExceeded.
func (r *CommitRouter) Run(events <-chan *SyncEvent) error {
	defer r.closeSubscribers()

	for ev := range events {
		r.publish(ev)

		err := r.Route(ev)
		switch {
		case err == nil:
		case errors.Is(err, ErrSkipLimitExceeded):
			r.logger.Error("giving up on state diff", "height", ev.BlockNumber, "err", err)
			return err
		case store.IsStructural(err):
			r.logger.Info("state diff does not fit storage; skipping",
				"height", ev.BlockNumber, "hash", ev.BlockHash, "err", err)
		default:
			r.logger.Error("failed to store state diff; skipping",
				"height", ev.BlockNumber, "hash", ev.BlockHash, "err", err)
		}
	}
	return nil
}

// Route stores ev. The stored header decides where: an event agreeing with
// it, or arriving before it, extends the canonical chain; an event
// contradicting it becomes an ommer. The verdict is taken inside the write
// transaction, so it holds for the commit.
func (r *CommitRouter) Route(ev *SyncEvent) error {
	txn, err := r.storage.BeginWriteTxn()
	if err != nil {
		r.metrics.SkippedEvents.Add(1)
		return fmt.Errorf("opening write transaction: %w", err)
	}
	defer txn.Discard()

	verdict, err := classify(txn, ev.BlockNumber, ev.BlockHash)
	if err != nil {
		r.metrics.SkippedEvents.Add(1)
		return err
	}

	if verdict == VerdictDiverged {
		return r.storeOmmer(txn, ev)
	}
	return r.storeCanonical(txn, ev)
}

func (r *CommitRouter) storeCanonical(txn WriteTxn, ev *SyncEvent) error {
	if ev.BlockNumber < txn.StateMarker() {
		// fetched twice; the first copy is already stored
		r.skips = 0
		r.logger.Debug("state diff already stored", "height", ev.BlockNumber)
		return nil
	}

	err := txn.AppendStateDiff(ev.BlockNumber, ev.StateDiff, ev.Classes)
	if err == nil {
		err = txn.Commit()
	}
	if err != nil {
		r.metrics.SkippedEvents.Add(1)
		if store.IsStructural(err) {
			return r.countSkip(ev.BlockNumber, err)
		}
		return fmt.Errorf("appending state diff %d: %w", ev.BlockNumber, err)
	}

	r.skips = 0
	r.metrics.CommittedStateDiffs.Add(1)
	r.metrics.StateMarker.Set(float64(ev.BlockNumber + 1))
	r.logger.Debug("stored state diff", "height", ev.BlockNumber, "hash", ev.BlockHash)
	return nil
}

func (r *CommitRouter) storeOmmer(txn WriteTxn, ev *SyncEvent) error {
	err := txn.InsertOmmerStateDiff(ev.BlockHash, ev.BlockNumber, ev.StateDiff, ev.Classes)
	if errors.Is(err, store.ErrOmmerExists) {
		r.skips = 0
		r.logger.Debug("ommer state diff already stored", "height", ev.BlockNumber, "hash", ev.BlockHash)
		return nil
	}
	if err == nil {
		err = txn.Commit()
	}
	if err != nil {
		r.metrics.SkippedEvents.Add(1)
		return fmt.Errorf("storing ommer state diff %v: %w", ev.BlockHash, err)
	}

	r.skips = 0
	r.metrics.OmmerStateDiffs.Add(1)
	r.logger.Info("stored ommer state diff", "height", ev.BlockNumber, "hash", ev.BlockHash)
	return nil
}

// countSkip tracks consecutive structural skips of the same block. Any event
// the router handles without a skip ends the streak.
func (r *CommitRouter) countSkip(n types.BlockNumber, err error) error {
	if r.skips > 0 && r.skippedHeight == n {
		r.skips++
	} else {
		r.skippedHeight, r.skips = n, 1
	}

	if limit := r.cfg.MaxStructuralSkips; limit > 0 && r.skips >= limit {
		return fmt.Errorf("%w: block %d skipped %d times: %v", ErrSkipLimitExceeded, n, r.skips, err)
	}
	return err
}

func (r *CommitRouter) publish(ev *SyncEvent) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, ch := range r.subscribers {
		select {
		case ch <- ev.Copy():
		default:
			r.logger.Debug("subscriber is full; dropping event", "height", ev.BlockNumber)
		}
	}
}

func (r *CommitRouter) closeSubscribers() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, ch := range r.subscribers {
		close(ch)
	}
	r.subscribers = nil
}
