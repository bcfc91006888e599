package headersync

import (
	"errors"
	"fmt"

	"github.com/starkline/diffsync/types"
)

// ErrParentMismatch means a header does not extend the stored chain.
type ErrParentMismatch struct {
	Height types.BlockNumber
	Stored types.BlockHash
	Parent types.BlockHash
}

func (e ErrParentMismatch) Error() string {
	return fmt.Sprintf("header %d has parent %v, stored header %d is %v",
		e.Height, e.Parent, e.Height-1, e.Stored)
}

// VerifyAdjacent checks that untrusted directly follows trusted.
func VerifyAdjacent(
	trusted *types.BlockHeader, // height=X
	untrusted *types.BlockHeader, // height=X+1
) error {
	if trusted == nil {
		return errors.New("no trusted header")
	}
	if err := untrusted.ValidateBasic(); err != nil {
		return fmt.Errorf("untrusted header failed ValidateBasic: %w", err)
	}
	if untrusted.BlockNumber != trusted.BlockNumber+1 {
		return fmt.Errorf("headers must be adjacent in height, got %d after %d",
			untrusted.BlockNumber, trusted.BlockNumber)
	}
	if untrusted.ParentHash != trusted.BlockHash {
		return ErrParentMismatch{
			Height: untrusted.BlockNumber,
			Stored: trusted.BlockHash,
			Parent: untrusted.ParentHash,
		}
	}
	return nil
}
