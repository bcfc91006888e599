package headersync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/starkline/diffsync/config"
	"github.com/starkline/diffsync/internal/source"
	"github.com/starkline/diffsync/internal/store"
	"github.com/starkline/diffsync/libs/log"
	"github.com/starkline/diffsync/libs/service"
	"github.com/starkline/diffsync/types"
)

// errReverted ends a pass after the last stored block was reverted.
var errReverted = errors.New("last stored block reverted")

// Syncer appends upstream headers to the store and reverts stored blocks the
// upstream chain no longer contains.
type Syncer struct {
	service.BaseService
	logger log.Logger

	cfg     *config.SyncConfig
	metrics *Metrics
	source  source.HeaderSource
	store   *store.Store

	sleep func(context.Context, time.Duration) error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyncer returns a header Syncer reading from src and writing to st.
func NewSyncer(
	cfg *config.SyncConfig,
	logger log.Logger,
	src source.HeaderSource,
	st *store.Store,
	metrics *Metrics,
) *Syncer {
	s := &Syncer{
		logger:  logger,
		cfg:     cfg,
		metrics: metrics,
		source:  src,
		store:   st,
		sleep:   sleepContext,
		done:    make(chan struct{}),
	}
	s.BaseService = *service.NewBaseService(logger, "HeaderSync", s)
	return s
}

// OnStart runs the sync loop in the background.
func (s *Syncer) OnStart(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		_ = s.Run(ctx)
	}()
	return nil
}

// OnStop stops the sync loop and waits for it to return.
func (s *Syncer) OnStop() {
	s.cancel()
	<-s.done
}

// Run syncs headers until ctx ends. Failed passes are logged and retried
// after RecoverableErrorSleepDuration.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		err := s.pass(ctx)
		switch {
		case err == nil:
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errReverted):
			// already logged
		default:
			s.metrics.RecoverableErrors.Add(1)
			s.logger.Error("header sync failed; retrying",
				"err", err,
				"retry_in", s.cfg.RecoverableErrorSleepDuration)
		}

		if err := s.sleep(ctx, s.cfg.RecoverableErrorSleepDuration); err != nil {
			return err
		}
	}
}

func (s *Syncer) pass(ctx context.Context) error {
	txn, err := s.store.BeginReadTxn()
	if err != nil {
		return fmt.Errorf("opening read transaction: %w", err)
	}
	marker := txn.HeaderMarker()
	s.metrics.HeaderMarker.Set(float64(marker))

	latest, err := s.source.LatestBlockNumber(ctx)
	switch {
	case errors.Is(err, source.ErrBlockNotFound):
		s.logger.Debug("source has no blocks yet")
		return s.sleep(ctx, s.cfg.BlockPropagationSleepDuration)
	case err != nil:
		return fmt.Errorf("getting latest block number: %w", err)
	}
	s.metrics.SourceLatest.Set(float64(latest))

	if latest < marker {
		if last, ok := marker.Prev(); ok {
			if err := s.checkTip(ctx, txn, last, latest); err != nil {
				return err
			}
		}
		s.logger.Debug("waiting for new blocks", "header_marker", marker, "latest", latest)
		return s.sleep(ctx, s.cfg.BlockPropagationSleepDuration)
	}

	from, to := marker, latest+1
	s.logger.Info("syncing headers", "from", from, "to", to)

	stream := s.source.StreamHeaders(ctx, from, to)
	defer stream.Close()

	for {
		h, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("streaming headers [%d, %d): %w", from, to, err)
		}
		if err := s.apply(h); err != nil {
			return err
		}
	}
}

// apply appends h, or reverts the last stored block when h does not extend
// it.
func (s *Syncer) apply(h *types.BlockHeader) error {
	txn, err := s.store.BeginWriteTxn()
	if err != nil {
		return fmt.Errorf("opening write transaction: %w", err)
	}
	defer txn.Discard()

	marker := txn.HeaderMarker()
	if h.BlockNumber != marker {
		return fmt.Errorf("%w: got header %d, header marker %d", store.ErrMarkerMismatch, h.BlockNumber, marker)
	}

	if last, ok := marker.Prev(); ok {
		stored, err := txn.BlockHeader(last)
		if err != nil {
			return err
		}

		err = VerifyAdjacent(stored, h)
		var mismatch ErrParentMismatch
		switch {
		case errors.As(err, &mismatch):
			return s.revert(txn, last, "hash", mismatch.Stored, "upstream_parent", mismatch.Parent)
		case err != nil:
			return fmt.Errorf("verifying header %d: %w", h.BlockNumber, err)
		}
	} else if err := h.ValidateBasic(); err != nil {
		return fmt.Errorf("verifying genesis header: %w", err)
	}

	if err := txn.AppendHeader(h); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("committing header %d: %w", h.BlockNumber, err)
	}
	s.metrics.HeaderMarker.Set(float64(h.BlockNumber + 1))
	return nil
}

// revert moves block n, the last stored one, to ommer storage in a single
// transaction. keyvals describe the divergence in the log line.
func (s *Syncer) revert(txn *store.WriteTxn, n types.BlockNumber, keyvals ...interface{}) error {
	hadState := txn.StateMarker() > n
	if hadState {
		if err := txn.RevertStateDiff(n); err != nil {
			return fmt.Errorf("reverting state diff %d: %w", n, err)
		}
	}
	if err := txn.RevertHeader(n); err != nil {
		return fmt.Errorf("reverting header %d: %w", n, err)
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("committing revert of block %d: %w", n, err)
	}

	s.metrics.RevertedBlocks.Add(1)
	s.metrics.HeaderMarker.Set(float64(n))
	s.logger.Info("reorg detected; reverted last stored block", append([]interface{}{
		"height", n,
		"state_diff", hadState,
		"retry_in", s.cfg.RecoverableErrorSleepDuration,
	}, keyvals...)...)
	return errReverted
}

// checkTip compares the highest block both chains have, last or latest,
// against the upstream header at that height. An upstream reorg that does not
// grow past the stored chain is only visible this way. On a mismatch the last
// stored block is reverted.
func (s *Syncer) checkTip(ctx context.Context, rtxn *store.ReadTxn, last, latest types.BlockNumber) error {
	n := last
	if latest < n {
		n = latest
	}

	stored, err := rtxn.BlockHeader(n)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("no header stored for block %d", n)
	}

	stream := s.source.StreamHeaders(ctx, n, n+1)
	defer stream.Close()
	upstream, err := stream.Next(ctx)
	if err != nil {
		return fmt.Errorf("fetching header %d: %w", n, err)
	}
	if upstream.BlockHash == stored.BlockHash {
		return nil
	}

	txn, err := s.store.BeginWriteTxn()
	if err != nil {
		return fmt.Errorf("opening write transaction: %w", err)
	}
	defer txn.Discard()

	if marker := txn.HeaderMarker(); marker != last+1 {
		return fmt.Errorf("%w: header marker moved to %d", store.ErrMarkerMismatch, marker)
	}
	return s.revert(txn, last,
		"diverged_height", n,
		"hash", stored.BlockHash,
		"upstream_hash", upstream.BlockHash)
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
