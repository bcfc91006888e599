package types

import (
	"errors"
	"fmt"
	"strconv"

	dsproto "github.com/starkline/diffsync/proto/diffsync/types"
)

// BlockNumber is the position of a block in the chain, starting at 0.
type BlockNumber uint64

// Next returns the following block number.
func (n BlockNumber) Next() BlockNumber { return n + 1 }

// Prev returns the preceding block number and false for the genesis block.
func (n BlockNumber) Prev() (BlockNumber, bool) {
	if n == 0 {
		return 0, false
	}
	return n - 1, true
}

func (n BlockNumber) String() string { return strconv.FormatUint(uint64(n), 10) }

// BlockHeader is the subset of a block header the sync engine persists and
// uses to decide canonicity.
type BlockHeader struct {
	BlockHash        BlockHash       `json:"block_hash"`
	ParentHash       BlockHash       `json:"parent_block_hash"`
	BlockNumber      BlockNumber     `json:"block_number"`
	StateRoot        Felt            `json:"state_root"`
	SequencerAddress ContractAddress `json:"sequencer_address"`
	Timestamp        uint64          `json:"timestamp"`
}

// ValidateBasic performs stateless checks on the header.
func (h *BlockHeader) ValidateBasic() error {
	if h == nil {
		return errors.New("nil header")
	}
	if h.BlockHash.IsZero() {
		return errors.New("zero block hash")
	}
	if h.BlockNumber == 0 && !h.ParentHash.IsZero() {
		return fmt.Errorf("genesis block must have a zero parent hash, got %v", h.ParentHash)
	}
	if h.BlockHash == h.ParentHash {
		return fmt.Errorf("block %d is its own parent", h.BlockNumber)
	}
	return nil
}

// ToProto converts the header to its protobuf representation.
func (h *BlockHeader) ToProto() *dsproto.BlockHeader {
	if h == nil {
		return nil
	}
	return &dsproto.BlockHeader{
		BlockHash:        h.BlockHash.Bytes(),
		ParentHash:       h.ParentHash.Bytes(),
		BlockNumber:      uint64(h.BlockNumber),
		StateRoot:        h.StateRoot.Bytes(),
		SequencerAddress: h.SequencerAddress.Bytes(),
		Timestamp:        h.Timestamp,
	}
}

// BlockHeaderFromProto converts a protobuf header back. It returns an error
// when a field has the wrong length.
func BlockHeaderFromProto(ph *dsproto.BlockHeader) (*BlockHeader, error) {
	if ph == nil {
		return nil, errors.New("nil BlockHeader")
	}

	h := &BlockHeader{
		BlockNumber: BlockNumber(ph.BlockNumber),
		Timestamp:   ph.Timestamp,
	}

	var err error
	if h.BlockHash, err = feltFromProto(ph.BlockHash, "block_hash"); err != nil {
		return nil, err
	}
	if h.ParentHash, err = feltFromProto(ph.ParentHash, "parent_hash"); err != nil {
		return nil, err
	}
	if h.StateRoot, err = feltFromProto(ph.StateRoot, "state_root"); err != nil {
		return nil, err
	}
	if h.SequencerAddress, err = feltFromProto(ph.SequencerAddress, "sequencer_address"); err != nil {
		return nil, err
	}

	return h, nil
}
