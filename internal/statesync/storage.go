package statesync

import (
	"github.com/starkline/diffsync/internal/store"
	"github.com/starkline/diffsync/types"
)

// ReadTxn is the read-only view of storage the pipeline needs. Markers are
// fixed when the transaction begins.
type ReadTxn interface {
	HeaderMarker() types.BlockNumber
	StateMarker() types.BlockNumber
	// BlockHeader returns nil when no header is stored at n.
	BlockHeader(n types.BlockNumber) (*types.BlockHeader, error)
}

// WriteTxn is a read-write transaction. Nothing it does is visible to others
// before Commit. Discard must be safe to call after Commit.
type WriteTxn interface {
	ReadTxn

	AppendStateDiff(n types.BlockNumber, diff *types.StateDiff, classes types.ClassDefinitionSet) error
	InsertOmmerStateDiff(hash types.BlockHash, n types.BlockNumber, diff *types.StateDiff, classes types.ClassDefinitionSet) error

	Commit() error
	Discard()
}

// Storage opens transactions on the chain storage.
type Storage interface {
	BeginReadTxn() (ReadTxn, error)
	BeginWriteTxn() (WriteTxn, error)
}

type storeBackend struct {
	s *store.Store
}

// StoreBackend exposes s as Storage.
func StoreBackend(s *store.Store) Storage {
	return storeBackend{s: s}
}

func (b storeBackend) BeginReadTxn() (ReadTxn, error) {
	txn, err := b.s.BeginReadTxn()
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (b storeBackend) BeginWriteTxn() (WriteTxn, error) {
	txn, err := b.s.BeginWriteTxn()
	if err != nil {
		return nil, err
	}
	return txn, nil
}
