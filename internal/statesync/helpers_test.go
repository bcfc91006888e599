package statesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

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

// diff returns a state diff whose collections are deliberately unsorted.
func diff(seed uint64) *types.StateDiff {
	return &types.StateDiff{
		StorageDiffs: []types.StorageDiff{
			{Address: hash(seed + 9), Entries: []types.StorageEntry{
				{Key: hash(5), Value: hash(seed)},
				{Key: hash(2), Value: hash(seed + 1)},
			}},
			{Address: hash(seed + 1), Entries: []types.StorageEntry{
				{Key: hash(1), Value: hash(seed)},
			}},
		},
		Nonces: []types.ContractNonce{
			{Address: hash(seed + 4), Nonce: hash(1)},
			{Address: hash(seed + 2), Nonce: hash(3)},
		},
	}
}

func event(n, h uint64) *SyncEvent {
	return &SyncEvent{
		BlockNumber: types.BlockNumber(n),
		BlockHash:   hash(h),
		StateDiff:   diff(n).Normalized(),
	}
}

func stateUpdate(n, h uint64) *source.StateUpdate {
	return &source.StateUpdate{
		BlockNumber: types.BlockNumber(n),
		BlockHash:   hash(h),
		StateDiff:   diff(n),
	}
}

//-----------------------------------------------------------------------------

// memStorage is a Storage whose markers can be set independently of the
// stored headers.
type memStorage struct {
	writeMtx sync.Mutex

	mtx          sync.Mutex
	headerMarker types.BlockNumber
	stateMarker  types.BlockNumber
	headers      map[types.BlockNumber]*types.BlockHeader
	diffs        map[types.BlockNumber]*SyncEvent
	ommers       map[types.BlockHash]*SyncEvent

	readFailures int
	appendErr    error
}

var errStorage = errors.New("storage unavailable")

func newMemStorage(headerMarker, stateMarker types.BlockNumber, headers ...*types.BlockHeader) *memStorage {
	m := &memStorage{
		headerMarker: headerMarker,
		stateMarker:  stateMarker,
		headers:      make(map[types.BlockNumber]*types.BlockHeader),
		diffs:        make(map[types.BlockNumber]*SyncEvent),
		ommers:       make(map[types.BlockHash]*SyncEvent),
	}
	for _, h := range headers {
		m.headers[h.BlockNumber] = h
	}
	return m
}

func (m *memStorage) markers() (headerMarker, stateMarker types.BlockNumber) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.headerMarker, m.stateMarker
}

func (m *memStorage) stateDiff(n types.BlockNumber) *SyncEvent {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.diffs[n]
}

func (m *memStorage) ommer(h types.BlockHash) *SyncEvent {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.ommers[h]
}

func (m *memStorage) numOmmers() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.ommers)
}

func (m *memStorage) failReads(k int) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.readFailures = k
}

func (m *memStorage) BeginReadTxn() (ReadTxn, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.readFailures > 0 {
		m.readFailures--
		return nil, errStorage
	}
	return &memReadTxn{m: m, headerMarker: m.headerMarker, stateMarker: m.stateMarker}, nil
}

func (m *memStorage) BeginWriteTxn() (WriteTxn, error) {
	m.writeMtx.Lock()

	m.mtx.Lock()
	defer m.mtx.Unlock()
	return &memWriteTxn{
		memReadTxn: memReadTxn{m: m, headerMarker: m.headerMarker, stateMarker: m.stateMarker},
		appendErr:  m.appendErr,
	}, nil
}

type memReadTxn struct {
	m            *memStorage
	headerMarker types.BlockNumber
	stateMarker  types.BlockNumber
}

func (r *memReadTxn) HeaderMarker() types.BlockNumber { return r.headerMarker }
func (r *memReadTxn) StateMarker() types.BlockNumber  { return r.stateMarker }

func (r *memReadTxn) BlockHeader(n types.BlockNumber) (*types.BlockHeader, error) {
	r.m.mtx.Lock()
	defer r.m.mtx.Unlock()
	return r.m.headers[n], nil
}

type memWriteTxn struct {
	memReadTxn

	appendErr error
	canonical *SyncEvent
	ommer     *SyncEvent
	done      bool
}

func (w *memWriteTxn) AppendStateDiff(n types.BlockNumber, diff *types.StateDiff, classes types.ClassDefinitionSet) error {
	switch {
	case w.appendErr != nil:
		return w.appendErr
	case n != w.stateMarker:
		return fmt.Errorf("%w: %d != %d", store.ErrMarkerMismatch, n, w.stateMarker)
	case n >= w.headerMarker:
		return fmt.Errorf("%w: %d >= %d", store.ErrStateAheadOfHeader, n, w.headerMarker)
	}
	w.canonical = &SyncEvent{BlockNumber: n, StateDiff: diff.Copy(), Classes: classes.Copy()}
	w.stateMarker++
	return nil
}

func (w *memWriteTxn) InsertOmmerStateDiff(
	h types.BlockHash,
	n types.BlockNumber,
	diff *types.StateDiff,
	classes types.ClassDefinitionSet,
) error {
	if w.m.ommer(h) != nil {
		return fmt.Errorf("%w: %v", store.ErrOmmerExists, h)
	}
	w.ommer = &SyncEvent{BlockNumber: n, BlockHash: h, StateDiff: diff.Copy(), Classes: classes.Copy()}
	return nil
}

func (w *memWriteTxn) Commit() error {
	if w.done {
		return store.ErrTxnDone
	}
	w.m.mtx.Lock()
	if w.canonical != nil {
		w.m.diffs[w.canonical.BlockNumber] = w.canonical
		w.m.stateMarker = w.stateMarker
	}
	if w.ommer != nil {
		w.m.ommers[w.ommer.BlockHash] = w.ommer
	}
	w.m.mtx.Unlock()

	w.done = true
	w.m.writeMtx.Unlock()
	return nil
}

func (w *memWriteTxn) Discard() {
	if !w.done {
		w.done = true
		w.m.writeMtx.Unlock()
	}
}

//-----------------------------------------------------------------------------

// newStore returns a store holding headers 0..len(hashes)-1 with the given
// hashes, and state diffs for the first stateMarker of them.
func newStore(t *testing.T, hashes []uint64, stateMarker int) *store.Store {
	t.Helper()

	s := store.NewStore(dbm.NewMemDB())
	txn, err := s.BeginWriteTxn()
	require.NoError(t, err)
	defer txn.Discard()

	for n, h := range hashes {
		var parent uint64
		if n > 0 {
			parent = hashes[n-1]
		}
		require.NoError(t, txn.AppendHeader(header(uint64(n), h, parent)))
	}
	for n := 0; n < stateMarker; n++ {
		require.NoError(t, txn.AppendStateDiff(types.BlockNumber(n), diff(uint64(n)), nil))
	}
	require.NoError(t, txn.Commit())
	return s
}

func storeMarkers(t *testing.T, s *store.Store) (headerMarker, stateMarker types.BlockNumber) {
	t.Helper()

	txn, err := s.BeginReadTxn()
	require.NoError(t, err)
	return txn.HeaderMarker(), txn.StateMarker()
}

//-----------------------------------------------------------------------------

// sleepRecorder replaces the Syncer's sleep. It returns at once and hands
// every call to hook, which may cancel the run.
type sleepRecorder struct {
	mtx   sync.Mutex
	calls []time.Duration
	hook  func(time.Duration)
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mtx.Lock()
	r.calls = append(r.calls, d)
	hook := r.hook
	r.mtx.Unlock()

	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (r *sleepRecorder) count(d time.Duration) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	k := 0
	for _, c := range r.calls {
		if c == d {
			k++
		}
	}
	return k
}

func (r *sleepRecorder) all() []time.Duration {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]time.Duration(nil), r.calls...)
}

// syncConfig tells the two sleeps apart. They are never actually slept with
// a sleepRecorder.
func syncConfig() *config.SyncConfig {
	cfg := config.TestSyncConfig()
	cfg.BlockPropagationSleepDuration = time.Second
	cfg.RecoverableErrorSleepDuration = 2 * time.Second
	return cfg
}

type harness struct {
	cfg    *config.SyncConfig
	syncer *Syncer
	router *CommitRouter
	events chan *SyncEvent
	gone   chan struct{}
	rec    *sleepRecorder
}

func newHarness(cfg *config.SyncConfig, src source.StateUpdateSource, storage Storage) *harness {
	h := &harness{
		cfg:    cfg,
		events: make(chan *SyncEvent, cfg.EventBufferSize),
		gone:   make(chan struct{}),
		rec:    &sleepRecorder{},
	}
	logger := log.TestingLogger()
	h.syncer = NewSyncer(cfg, logger, src, storage, h.events, h.gone, NopMetrics())
	h.syncer.sleep = h.rec.sleep
	h.router = NewCommitRouter(cfg, logger, storage, NopMetrics())
	return h
}

// run runs the syncer and the router until the syncer returns, then waits
// for the router to drain.
func (h *harness) run(ctx context.Context) (syncErr, routerErr error) {
	routerDone := make(chan error, 1)
	go func() {
		defer close(h.gone)
		routerDone <- h.router.Run(h.events)
	}()

	syncErr = h.syncer.Run(ctx)
	return syncErr, <-routerDone
}
