// Package types holds the protobuf messages used to persist chain state.
//
// The messages are declared directly with protobuf struct tags and are
// encoded through gogo/protobuf's reflection-based marshaller. Collections are
// always repeated fields, never proto maps, so the encoding of a message is
// fully determined by the order of its slices.
package types

import (
	"github.com/gogo/protobuf/proto"
)

type BlockHeader struct {
	BlockHash        []byte `protobuf:"bytes,1,opt,name=block_hash,json=blockHash,proto3" json:"block_hash,omitempty"`
	ParentHash       []byte `protobuf:"bytes,2,opt,name=parent_hash,json=parentHash,proto3" json:"parent_hash,omitempty"`
	BlockNumber      uint64 `protobuf:"varint,3,opt,name=block_number,json=blockNumber,proto3" json:"block_number,omitempty"`
	StateRoot        []byte `protobuf:"bytes,4,opt,name=state_root,json=stateRoot,proto3" json:"state_root,omitempty"`
	SequencerAddress []byte `protobuf:"bytes,5,opt,name=sequencer_address,json=sequencerAddress,proto3" json:"sequencer_address,omitempty"`
	Timestamp        uint64 `protobuf:"varint,6,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
}

func (m *BlockHeader) Reset()         { *m = BlockHeader{} }
func (m *BlockHeader) String() string { return proto.CompactTextString(m) }
func (*BlockHeader) ProtoMessage()    {}

type DeployedContract struct {
	Address   []byte `protobuf:"bytes,1,opt,name=address,proto3" json:"address,omitempty"`
	ClassHash []byte `protobuf:"bytes,2,opt,name=class_hash,json=classHash,proto3" json:"class_hash,omitempty"`
}

func (m *DeployedContract) Reset()         { *m = DeployedContract{} }
func (m *DeployedContract) String() string { return proto.CompactTextString(m) }
func (*DeployedContract) ProtoMessage()    {}

type StorageEntry struct {
	Key   []byte `protobuf:"bytes,1,opt,name=key,proto3" json:"key,omitempty"`
	Value []byte `protobuf:"bytes,2,opt,name=value,proto3" json:"value,omitempty"`
}

func (m *StorageEntry) Reset()         { *m = StorageEntry{} }
func (m *StorageEntry) String() string { return proto.CompactTextString(m) }
func (*StorageEntry) ProtoMessage()    {}

type StorageDiff struct {
	Address []byte          `protobuf:"bytes,1,opt,name=address,proto3" json:"address,omitempty"`
	Entries []*StorageEntry `protobuf:"bytes,2,rep,name=entries,proto3" json:"entries,omitempty"`
}

func (m *StorageDiff) Reset()         { *m = StorageDiff{} }
func (m *StorageDiff) String() string { return proto.CompactTextString(m) }
func (*StorageDiff) ProtoMessage()    {}

type ContractClass struct {
	Version    string `protobuf:"bytes,1,opt,name=version,proto3" json:"version,omitempty"`
	Definition []byte `protobuf:"bytes,2,opt,name=definition,proto3" json:"definition,omitempty"`
}

func (m *ContractClass) Reset()         { *m = ContractClass{} }
func (m *ContractClass) String() string { return proto.CompactTextString(m) }
func (*ContractClass) ProtoMessage()    {}

type DeclaredClass struct {
	ClassHash         []byte         `protobuf:"bytes,1,opt,name=class_hash,json=classHash,proto3" json:"class_hash,omitempty"`
	CompiledClassHash []byte         `protobuf:"bytes,2,opt,name=compiled_class_hash,json=compiledClassHash,proto3" json:"compiled_class_hash,omitempty"`
	Class             *ContractClass `protobuf:"bytes,3,opt,name=class,proto3" json:"class,omitempty"`
}

func (m *DeclaredClass) Reset()         { *m = DeclaredClass{} }
func (m *DeclaredClass) String() string { return proto.CompactTextString(m) }
func (*DeclaredClass) ProtoMessage()    {}

type DeprecatedDeclaredClass struct {
	ClassHash []byte         `protobuf:"bytes,1,opt,name=class_hash,json=classHash,proto3" json:"class_hash,omitempty"`
	Class     *ContractClass `protobuf:"bytes,2,opt,name=class,proto3" json:"class,omitempty"`
}

func (m *DeprecatedDeclaredClass) Reset()         { *m = DeprecatedDeclaredClass{} }
func (m *DeprecatedDeclaredClass) String() string { return proto.CompactTextString(m) }
func (*DeprecatedDeclaredClass) ProtoMessage()    {}

type ContractNonce struct {
	Address []byte `protobuf:"bytes,1,opt,name=address,proto3" json:"address,omitempty"`
	Nonce   []byte `protobuf:"bytes,2,opt,name=nonce,proto3" json:"nonce,omitempty"`
}

func (m *ContractNonce) Reset()         { *m = ContractNonce{} }
func (m *ContractNonce) String() string { return proto.CompactTextString(m) }
func (*ContractNonce) ProtoMessage()    {}

type ReplacedClass struct {
	Address   []byte `protobuf:"bytes,1,opt,name=address,proto3" json:"address,omitempty"`
	ClassHash []byte `protobuf:"bytes,2,opt,name=class_hash,json=classHash,proto3" json:"class_hash,omitempty"`
}

func (m *ReplacedClass) Reset()         { *m = ReplacedClass{} }
func (m *ReplacedClass) String() string { return proto.CompactTextString(m) }
func (*ReplacedClass) ProtoMessage()    {}

type StateDiff struct {
	DeployedContracts         []*DeployedContract        `protobuf:"bytes,1,rep,name=deployed_contracts,json=deployedContracts,proto3" json:"deployed_contracts,omitempty"`
	StorageDiffs              []*StorageDiff             `protobuf:"bytes,2,rep,name=storage_diffs,json=storageDiffs,proto3" json:"storage_diffs,omitempty"`
	DeclaredClasses           []*DeclaredClass           `protobuf:"bytes,3,rep,name=declared_classes,json=declaredClasses,proto3" json:"declared_classes,omitempty"`
	DeprecatedDeclaredClasses []*DeprecatedDeclaredClass `protobuf:"bytes,4,rep,name=deprecated_declared_classes,json=deprecatedDeclaredClasses,proto3" json:"deprecated_declared_classes,omitempty"`
	Nonces                    []*ContractNonce           `protobuf:"bytes,5,rep,name=nonces,proto3" json:"nonces,omitempty"`
	ReplacedClasses           []*ReplacedClass           `protobuf:"bytes,6,rep,name=replaced_classes,json=replacedClasses,proto3" json:"replaced_classes,omitempty"`
}

func (m *StateDiff) Reset()         { *m = StateDiff{} }
func (m *StateDiff) String() string { return proto.CompactTextString(m) }
func (*StateDiff) ProtoMessage()    {}

type ClassDefinition struct {
	ClassHash []byte         `protobuf:"bytes,1,opt,name=class_hash,json=classHash,proto3" json:"class_hash,omitempty"`
	Class     *ContractClass `protobuf:"bytes,2,opt,name=class,proto3" json:"class,omitempty"`
}

func (m *ClassDefinition) Reset()         { *m = ClassDefinition{} }
func (m *ClassDefinition) String() string { return proto.CompactTextString(m) }
func (*ClassDefinition) ProtoMessage()    {}

type ClassDefinitionSet struct {
	Definitions []*ClassDefinition `protobuf:"bytes,1,rep,name=definitions,proto3" json:"definitions,omitempty"`
}

func (m *ClassDefinitionSet) Reset()         { *m = ClassDefinitionSet{} }
func (m *ClassDefinitionSet) String() string { return proto.CompactTextString(m) }
func (*ClassDefinitionSet) ProtoMessage()    {}

// OmmerStateDiff is a state diff quarantined under the hash of a block that
// is not part of the canonical chain.
type OmmerStateDiff struct {
	BlockNumber uint64              `protobuf:"varint,1,opt,name=block_number,json=blockNumber,proto3" json:"block_number,omitempty"`
	StateDiff   *StateDiff          `protobuf:"bytes,2,opt,name=state_diff,json=stateDiff,proto3" json:"state_diff,omitempty"`
	Classes     *ClassDefinitionSet `protobuf:"bytes,3,opt,name=classes,proto3" json:"classes,omitempty"`
}

func (m *OmmerStateDiff) Reset()         { *m = OmmerStateDiff{} }
func (m *OmmerStateDiff) String() string { return proto.CompactTextString(m) }
func (*OmmerStateDiff) ProtoMessage()    {}
