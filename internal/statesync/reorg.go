package statesync

import (
	"fmt"

	"github.com/starkline/diffsync/types"
)

// Verdict relates a block observed upstream to the header stored at its
// number.
type Verdict uint8

const (
	// VerdictUnknown means no header is stored at that number yet.
	VerdictUnknown Verdict = iota
	// VerdictConfirmed means the stored header has the observed hash.
	VerdictConfirmed
	// VerdictDiverged means the stored header has another hash: one of the
	// two blocks is not canonical.
	VerdictDiverged
)

func (v Verdict) String() string {
	switch v {
	case VerdictUnknown:
		return "unknown"
	case VerdictConfirmed:
		return "confirmed"
	case VerdictDiverged:
		return "diverged"
	default:
		return fmt.Sprintf("Verdict(%d)", uint8(v))
	}
}

func classify(txn ReadTxn, n types.BlockNumber, hash types.BlockHash) (Verdict, error) {
	h, err := txn.BlockHeader(n)
	if err != nil {
		return VerdictUnknown, fmt.Errorf("reading header %d: %w", n, err)
	}
	switch {
	case h == nil:
		return VerdictUnknown, nil
	case h.BlockHash == hash:
		return VerdictConfirmed, nil
	default:
		return VerdictDiverged, nil
	}
}

// ReorgDetector compares observed block hashes against stored headers.
type ReorgDetector struct {
	storage Storage
}

// NewReorgDetector returns a detector reading from storage.
func NewReorgDetector(storage Storage) *ReorgDetector {
	return &ReorgDetector{storage: storage}
}

// Classify reports how (n, hash) relates to the header stored at n. It only
// reads.
func (d *ReorgDetector) Classify(n types.BlockNumber, hash types.BlockHash) (Verdict, error) {
	txn, err := d.storage.BeginReadTxn()
	if err != nil {
		return VerdictUnknown, fmt.Errorf("opening read transaction: %w", err)
	}
	return classify(txn, n, hash)
}
