package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/starkline/diffsync/types"
)

// ErrInjected is the failure produced by MemorySource.FailStreams.
var ErrInjected = errors.New("injected source failure")

// Range is a half-open block range requested from a source.
type Range struct {
	From, To types.BlockNumber
}

// MemorySource serves a chain held in memory. Its content can be rewritten
// at any time, which is how tests simulate reorgs upstream.
type MemorySource struct {
	mtx sync.Mutex

	headers map[types.BlockNumber]*types.BlockHeader
	updates map[types.BlockNumber]*StateUpdate
	latest  types.BlockNumber
	hasTip  bool

	failStreams    int
	stateRequests  []Range
	headerRequests []Range
}

var _ Source = (*MemorySource)(nil)

// NewMemorySource returns an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		headers: make(map[types.BlockNumber]*types.BlockHeader),
		updates: make(map[types.BlockNumber]*StateUpdate),
	}
}

// SetHeader adds or replaces the header at h.BlockNumber and moves the tip
// up to it if needed.
func (m *MemorySource) SetHeader(h *types.BlockHeader) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	cp := *h
	m.headers[h.BlockNumber] = &cp
	m.bumpTip(h.BlockNumber)
}

// SetStateUpdate adds or replaces the state update at u.BlockNumber.
func (m *MemorySource) SetStateUpdate(u *StateUpdate) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.updates[u.BlockNumber] = u.Copy()
	m.bumpTip(u.BlockNumber)
}

// SetLatest overrides the tip reported by LatestBlockNumber.
func (m *MemorySource) SetLatest(n types.BlockNumber) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.latest, m.hasTip = n, true
}

func (m *MemorySource) bumpTip(n types.BlockNumber) {
	if !m.hasTip || n > m.latest {
		m.latest, m.hasTip = n, true
	}
}

// FailStreams makes the next k streams, of either kind, fail with
// ErrInjected before yielding anything.
func (m *MemorySource) FailStreams(k int) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.failStreams = k
}

// StateRequests returns the ranges requested through StreamStateUpdates.
func (m *MemorySource) StateRequests() []Range {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return append([]Range(nil), m.stateRequests...)
}

// HeaderRequests returns the ranges requested through StreamHeaders.
func (m *MemorySource) HeaderRequests() []Range {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return append([]Range(nil), m.headerRequests...)
}

// LatestBlockNumber implements HeaderSource.
func (m *MemorySource) LatestBlockNumber(ctx context.Context) (types.BlockNumber, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if !m.hasTip {
		return 0, ErrBlockNotFound
	}
	return m.latest, nil
}

// StreamStateUpdates implements StateUpdateSource. Every yielded update is a
// copy owned by the caller.
func (m *MemorySource) StreamStateUpdates(ctx context.Context, from, to types.BlockNumber) *StateUpdateStream {
	m.mtx.Lock()
	m.stateRequests = append(m.stateRequests, Range{From: from, To: to})
	fail := m.takeFailure()
	m.mtx.Unlock()

	return NewStateUpdateStream(ctx, from, to, func(ctx context.Context, emit func(*StateUpdate) error) error {
		if fail {
			return ErrInjected
		}
		for n := from; n < to; n++ {
			m.mtx.Lock()
			u, ok := m.updates[n]
			if ok {
				u = u.Copy()
			}
			m.mtx.Unlock()

			if !ok {
				return fmt.Errorf("%w: state update %d", ErrBlockNotFound, n)
			}
			if err := emit(u); err != nil {
				return err
			}
		}
		return nil
	})
}

// StreamHeaders implements HeaderSource.
func (m *MemorySource) StreamHeaders(ctx context.Context, from, to types.BlockNumber) *HeaderStream {
	m.mtx.Lock()
	m.headerRequests = append(m.headerRequests, Range{From: from, To: to})
	fail := m.takeFailure()
	m.mtx.Unlock()

	return NewHeaderStream(ctx, from, to, func(ctx context.Context, emit func(*types.BlockHeader) error) error {
		if fail {
			return ErrInjected
		}
		for n := from; n < to; n++ {
			m.mtx.Lock()
			h, ok := m.headers[n]
			var cp types.BlockHeader
			if ok {
				cp = *h
			}
			m.mtx.Unlock()

			if !ok {
				return fmt.Errorf("%w: header %d", ErrBlockNotFound, n)
			}
			if err := emit(&cp); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *MemorySource) takeFailure() bool {
	if m.failStreams > 0 {
		m.failStreams--
		return true
	}
	return false
}
