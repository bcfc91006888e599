package headersync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/starkline/diffsync/config"
	"github.com/starkline/diffsync/internal/source"
	"github.com/starkline/diffsync/internal/store"
	"github.com/starkline/diffsync/libs/log"
	"github.com/starkline/diffsync/types"
)

func hash(v uint64) types.BlockHash { return types.FeltFromUint64(v) }

func header(n, h, parent uint64) *types.BlockHeader {
	return &types.BlockHeader{
		BlockHash:   hash(h),
		ParentHash:  hash(parent),
		BlockNumber: types.BlockNumber(n),
		StateRoot:   hash(n + 1),
	}
}

func stateDiff(n uint64) *types.StateDiff {
	return &types.StateDiff{
		Nonces: []types.ContractNonce{{Address: hash(n + 1), Nonce: hash(n)}},
	}
}

// chain returns the headers linking the given hashes from block 0.
func chain(hashes ...uint64) []*types.BlockHeader {
	headers := make([]*types.BlockHeader, len(hashes))
	for n, h := range hashes {
		var parent uint64
		if n > 0 {
			parent = hashes[n-1]
		}
		headers[n] = header(uint64(n), h, parent)
	}
	return headers
}

// newStore returns a store holding the given headers and a state diff for
// each of the first stateMarker of them.
func newStore(t *testing.T, headers []*types.BlockHeader, stateMarker int) *store.Store {
	t.Helper()

	s := store.NewStore(dbm.NewMemDB())
	txn, err := s.BeginWriteTxn()
	require.NoError(t, err)
	defer txn.Discard()

	for _, h := range headers {
		require.NoError(t, txn.AppendHeader(h))
	}
	for n := 0; n < stateMarker; n++ {
		require.NoError(t, txn.AppendStateDiff(types.BlockNumber(n), stateDiff(uint64(n)), nil))
	}
	require.NoError(t, txn.Commit())
	return s
}

func newSource(headers []*types.BlockHeader) *source.MemorySource {
	src := source.NewMemorySource()
	for _, h := range headers {
		src.SetHeader(h)
	}
	return src
}

type sleepRecorder struct {
	mtx   sync.Mutex
	calls []time.Duration
	hook  func(time.Duration)
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mtx.Lock()
	r.calls = append(r.calls, d)
	r.mtx.Unlock()

	if r.hook != nil {
		r.hook(d)
	}
	return ctx.Err()
}

func (r *sleepRecorder) all() []time.Duration {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]time.Duration(nil), r.calls...)
}

const (
	propagation = time.Second
	recoverable = 2 * time.Second
)

// runUntilIdle runs a Syncer until it first waits for new blocks and returns
// every sleep it asked for.
func runUntilIdle(t *testing.T, src source.HeaderSource, s *store.Store) []time.Duration {
	t.Helper()

	cfg := config.TestSyncConfig()
	cfg.BlockPropagationSleepDuration = propagation
	cfg.RecoverableErrorSleepDuration = recoverable

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &sleepRecorder{hook: func(d time.Duration) {
		if d == propagation {
			cancel()
		}
	}}
	syncer := NewSyncer(cfg, log.TestingLogger(), src, s, NopMetrics())
	syncer.sleep = rec.sleep

	require.ErrorIs(t, syncer.Run(ctx), context.Canceled)
	return rec.all()
}

func readTxn(t *testing.T, s *store.Store) *store.ReadTxn {
	t.Helper()

	txn, err := s.BeginReadTxn()
	require.NoError(t, err)
	return txn
}

func requireChain(t *testing.T, s *store.Store, want []*types.BlockHeader) {
	t.Helper()

	txn := readTxn(t, s)
	require.EqualValues(t, len(want), txn.HeaderMarker())
	for _, h := range want {
		got, err := txn.BlockHeader(h.BlockNumber)
		require.NoError(t, err)
		require.Equal(t, h, got, "header %d", h.BlockNumber)
	}
}

func TestSyncerAppendsHeaders(t *testing.T) {
	headers := chain(0xA0, 0xA1, 0xA2)
	s := newStore(t, nil, 0)
	src := newSource(headers)

	sleeps := runUntilIdle(t, src, s)

	assert.Equal(t, []time.Duration{propagation}, sleeps)
	// the second range checks the stored tip while idle
	assert.Equal(t, []source.Range{{From: 0, To: 3}, {From: 2, To: 3}}, src.HeaderRequests())
	requireChain(t, s, headers)
}

func TestSyncerResumesFromHeaderMarker(t *testing.T) {
	headers := chain(0xA0, 0xA1, 0xA2, 0xA3)
	s := newStore(t, headers[:2], 1)
	src := newSource(headers)

	runUntilIdle(t, src, s)

	assert.Equal(t, []source.Range{{From: 2, To: 4}, {From: 3, To: 4}}, src.HeaderRequests())
	requireChain(t, s, headers)
	assert.EqualValues(t, 1, readTxn(t, s).StateMarker())
}

func TestSyncerWaitsForSource(t *testing.T) {
	t.Run("no blocks upstream", func(t *testing.T) {
		src := source.NewMemorySource()
		sleeps := runUntilIdle(t, src, newStore(t, nil, 0))

		assert.Equal(t, []time.Duration{propagation}, sleeps)
		assert.Empty(t, src.HeaderRequests())
	})

	t.Run("caught up", func(t *testing.T) {
		headers := chain(0xA0, 0xA1)
		src := newSource(headers)
		sleeps := runUntilIdle(t, src, newStore(t, headers, 2))

		assert.Equal(t, []time.Duration{propagation}, sleeps)
		assert.Equal(t, []source.Range{{From: 1, To: 2}}, src.HeaderRequests())
	})
}

func TestSyncerRetriesSourceFailures(t *testing.T) {
	headers := chain(0xA0, 0xA1)
	s := newStore(t, nil, 0)
	src := newSource(headers)
	src.FailStreams(2)

	sleeps := runUntilIdle(t, src, s)

	assert.Equal(t, []time.Duration{recoverable, recoverable, propagation}, sleeps)
	requireChain(t, s, headers)
}

func TestSyncerRevertsOnParentMismatch(t *testing.T) {
	stored := chain(0xA0, 0xA1, 0xA2, 0xA3)
	s := newStore(t, stored, 4)

	upstream := chain(0xA0, 0xA1, 0xA2, 0xB3, 0xB4)
	src := newSource(upstream)

	sleeps := runUntilIdle(t, src, s)

	// one revert, then the new branch is appended
	assert.Equal(t, []time.Duration{recoverable, propagation}, sleeps)
	assert.Equal(t, []source.Range{{From: 4, To: 5}, {From: 3, To: 5}, {From: 4, To: 5}}, src.HeaderRequests())
	requireChain(t, s, upstream)

	txn := readTxn(t, s)
	assert.EqualValues(t, 3, txn.StateMarker())

	ommerHeader, err := txn.OmmerHeader(hash(0xA3))
	require.NoError(t, err)
	assert.Equal(t, stored[3], ommerHeader)

	ommer, err := txn.OmmerStateDiff(hash(0xA3))
	require.NoError(t, err)
	require.NotNil(t, ommer)
	assert.EqualValues(t, 3, ommer.BlockNumber)
	assert.True(t, stateDiff(3).Equal(ommer.StateDiff))

	canonical, err := txn.StateDiff(3)
	require.NoError(t, err)
	assert.Nil(t, canonical)
}

func TestSyncerWalksBackToForkPoint(t *testing.T) {
	stored := chain(0xA0, 0xA1, 0xA2, 0xA3)
	s := newStore(t, stored, 2)

	upstream := chain(0xA0, 0xB1, 0xB2, 0xB3, 0xB4)
	src := newSource(upstream)

	sleeps := runUntilIdle(t, src, s)

	assert.Equal(t, []time.Duration{recoverable, recoverable, recoverable, propagation}, sleeps)
	requireChain(t, s, upstream)

	txn := readTxn(t, s)
	assert.EqualValues(t, 1, txn.StateMarker())

	for _, h := range stored[1:] {
		ommerHeader, err := txn.OmmerHeader(h.BlockHash)
		require.NoError(t, err)
		assert.Equal(t, h, ommerHeader)
	}

	// only block 1 had a state diff when it was reverted
	hashes, err := txn.OmmerHashes()
	require.NoError(t, err)
	assert.Equal(t, []types.BlockHash{hash(0xA1)}, hashes)

	ommer, err := txn.OmmerStateDiff(hash(0xA1))
	require.NoError(t, err)
	require.NotNil(t, ommer)
	assert.True(t, stateDiff(1).Equal(ommer.StateDiff))
}

func TestSyncerChecksStoredTip(t *testing.T) {
	testCases := []struct {
		name     string
		upstream []*types.BlockHeader
		want     []*types.BlockHeader
		ommers   []uint64
		sleeps   []time.Duration
	}{
		{
			name:     "tip replaced at same height",
			upstream: chain(0xA0, 0xB1, 0xB2, 0xB3),
			want:     chain(0xA0, 0xB1, 0xB2, 0xB3),
			ommers:   []uint64{0xA1, 0xA2, 0xA3},
			sleeps:   []time.Duration{recoverable, recoverable, recoverable, propagation},
		},
		{
			name:     "shorter upstream branch",
			upstream: chain(0xA0, 0xB1),
			want:     chain(0xA0, 0xB1),
			ommers:   []uint64{0xA1, 0xA2, 0xA3},
			sleeps:   []time.Duration{recoverable, recoverable, recoverable, propagation},
		},
		{
			name:     "upstream lagging behind",
			upstream: chain(0xA0, 0xA1),
			want:     chain(0xA0, 0xA1, 0xA2, 0xA3),
			sleeps:   []time.Duration{propagation},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			stored := chain(0xA0, 0xA1, 0xA2, 0xA3)
			s := newStore(t, stored, 4)

			sleeps := runUntilIdle(t, newSource(tc.upstream), s)

			assert.Equal(t, tc.sleeps, sleeps)
			requireChain(t, s, tc.want)

			txn := readTxn(t, s)
			for _, h := range tc.ommers {
				ommerHeader, err := txn.OmmerHeader(hash(h))
				require.NoError(t, err)
				require.NotNil(t, ommerHeader, "ommer header %#x", h)

				ommer, err := txn.OmmerStateDiff(hash(h))
				require.NoError(t, err)
				require.NotNil(t, ommer, "ommer state diff %#x", h)
			}
		})
	}
}

func TestSyncerRejectsInvalidGenesis(t *testing.T) {
	s := newStore(t, nil, 0)
	src := newSource([]*types.BlockHeader{header(0, 0xA0, 0xFF)})

	cfg := config.TestSyncConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncer := NewSyncer(cfg, log.TestingLogger(), src, s, NopMetrics())
	syncer.sleep = (&sleepRecorder{hook: func(time.Duration) { cancel() }}).sleep

	require.ErrorIs(t, syncer.Run(ctx), context.Canceled)
	assert.EqualValues(t, 0, readTxn(t, s).HeaderMarker())
}

func TestSyncerService(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	headers := chain(0xA0, 0xA1, 0xA2)
	s := newStore(t, nil, 0)
	src := newSource(headers)

	syncer := NewSyncer(config.TestSyncConfig(), log.TestingLogger(), src, s, NopMetrics())
	require.NoError(t, syncer.Start(context.Background()))
	assert.True(t, syncer.IsRunning())

	require.Eventually(t, func() bool {
		txn, err := s.BeginReadTxn()
		return err == nil && txn.HeaderMarker() == 3
	}, 5*time.Second, 5*time.Millisecond)

	// a block arrives while the syncer waits
	src.SetHeader(header(3, 0xA3, 0xA2))
	require.Eventually(t, func() bool {
		txn, err := s.BeginReadTxn()
		return err == nil && txn.HeaderMarker() == 4
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, syncer.Stop())
	assert.False(t, syncer.IsRunning())
}
