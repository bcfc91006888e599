// Package source provides the upstream chain data consumed by the sync
// pipelines: state updates and block headers, delivered as finite ordered
// streams over a half-open range of block numbers.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/starkline/diffsync/types"
)

var (
	// ErrOutOfOrder is returned by a stream whose producer delivered a block
	// other than the next one in the requested range.
	ErrOutOfOrder = errors.New("upstream delivered blocks out of order")

	// ErrBlockNotFound is returned when upstream does not know the block.
	ErrBlockNotFound = errors.New("block not found")
)

// StateUpdate is the state diff of one block together with the class
// definitions of deployed contracts that were not declared in that diff.
type StateUpdate struct {
	BlockNumber types.BlockNumber
	BlockHash   types.BlockHash
	StateDiff   *types.StateDiff
	Classes     types.ClassDefinitionSet
}

// Copy returns a deep copy of u.
func (u *StateUpdate) Copy() *StateUpdate {
	return &StateUpdate{
		BlockNumber: u.BlockNumber,
		BlockHash:   u.BlockHash,
		StateDiff:   u.StateDiff.Copy(),
		Classes:     u.Classes.Copy(),
	}
}

// StateUpdateSource streams state updates for the blocks [from, to).
type StateUpdateSource interface {
	StreamStateUpdates(ctx context.Context, from, to types.BlockNumber) *StateUpdateStream
}

// HeaderSource streams block headers for the blocks [from, to) and reports
// the most recent block upstream knows about.
type HeaderSource interface {
	LatestBlockNumber(ctx context.Context) (types.BlockNumber, error)
	StreamHeaders(ctx context.Context, from, to types.BlockNumber) *HeaderStream
}

// Source is an upstream able to serve both pipelines.
type Source interface {
	StateUpdateSource
	HeaderSource
}

//-----------------------------------------------------------------------------

// StateUpdateStream yields state updates in increasing block order. It is
// lazy, finite and cannot be restarted.
type StateUpdateStream struct {
	s *stream
}

// NewStateUpdateStream runs produce in its own goroutine. produce must call
// emit once per block of [from, to), in order, and stop when emit fails.
func NewStateUpdateStream(
	ctx context.Context,
	from, to types.BlockNumber,
	produce func(ctx context.Context, emit func(*StateUpdate) error) error,
) *StateUpdateStream {
	return &StateUpdateStream{s: newStream(ctx, from, to, func(ctx context.Context, emit emitFunc) error {
		return produce(ctx, func(u *StateUpdate) error { return emit(u.BlockNumber, u) })
	})}
}

// Next returns the next state update, or io.EOF once the whole range was
// delivered.
func (s *StateUpdateStream) Next(ctx context.Context) (*StateUpdate, error) {
	v, err := s.s.next(ctx)
	if err != nil {
		return nil, err
	}
	return v.(*StateUpdate), nil
}

// Close stops the producer and waits for it to exit.
func (s *StateUpdateStream) Close() { s.s.close() }

// HeaderStream yields block headers in increasing block order. It is lazy,
// finite and cannot be restarted.
type HeaderStream struct {
	s *stream
}

// NewHeaderStream is NewStateUpdateStream for headers.
func NewHeaderStream(
	ctx context.Context,
	from, to types.BlockNumber,
	produce func(ctx context.Context, emit func(*types.BlockHeader) error) error,
) *HeaderStream {
	return &HeaderStream{s: newStream(ctx, from, to, func(ctx context.Context, emit emitFunc) error {
		return produce(ctx, func(h *types.BlockHeader) error { return emit(h.BlockNumber, h) })
	})}
}

// Next returns the next header, or io.EOF once the whole range was
// delivered.
func (s *HeaderStream) Next(ctx context.Context) (*types.BlockHeader, error) {
	v, err := s.s.next(ctx)
	if err != nil {
		return nil, err
	}
	return v.(*types.BlockHeader), nil
}

// Close stops the producer and waits for it to exit.
func (s *HeaderStream) Close() { s.s.close() }

//-----------------------------------------------------------------------------

type emitFunc func(n types.BlockNumber, v interface{}) error

type streamItem struct {
	n   types.BlockNumber
	v   interface{}
	err error
}

type stream struct {
	items  chan streamItem
	cancel context.CancelFunc
	done   chan struct{}

	expected types.BlockNumber
	to       types.BlockNumber
	err      error // sticky
}

func newStream(
	ctx context.Context,
	from, to types.BlockNumber,
	produce func(ctx context.Context, emit emitFunc) error,
) *stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &stream{
		items:    make(chan streamItem),
		cancel:   cancel,
		done:     make(chan struct{}),
		expected: from,
		to:       to,
	}

	go func() {
		defer close(s.done)
		defer close(s.items)

		if from >= to {
			return
		}

		err := produce(ctx, func(n types.BlockNumber, v interface{}) error {
			select {
			case s.items <- streamItem{n: n, v: v}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && ctx.Err() == nil {
			select {
			case s.items <- streamItem{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return s
}

func (s *stream) next(ctx context.Context) (interface{}, error) {
	if s.err != nil {
		return nil, s.err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case item, ok := <-s.items:
		switch {
		case !ok && s.expected >= s.to:
			s.err = io.EOF
		case !ok:
			s.err = fmt.Errorf("%w: stream ended at block %d, expected blocks up to %d",
				io.ErrUnexpectedEOF, s.expected, s.to)
		case item.err != nil:
			s.err = item.err
		case item.n != s.expected || item.n >= s.to:
			s.err = fmt.Errorf("%w: got block %d, expected %d", ErrOutOfOrder, item.n, s.expected)
			s.cancel()
		default:
			s.expected++
			return item.v, nil
		}
		return nil, s.err
	}
}

func (s *stream) close() {
	s.cancel()
	<-s.done
}
