package statesync

import (
	"github.com/starkline/diffsync/types"
)

// SyncEvent carries one accepted block from the Syncer to the CommitRouter.
// The receiver owns it; the sender never touches it after the send.
type SyncEvent struct {
	BlockNumber types.BlockNumber
	BlockHash   types.BlockHash
	// StateDiff is normalized.
	StateDiff *types.StateDiff
	Classes   types.ClassDefinitionSet
}

// Copy returns a deep copy of ev.
func (ev *SyncEvent) Copy() *SyncEvent {
	return &SyncEvent{
		BlockNumber: ev.BlockNumber,
		BlockHash:   ev.BlockHash,
		StateDiff:   ev.StateDiff.Copy(),
		Classes:     ev.Classes.Copy(),
	}
}
