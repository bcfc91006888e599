package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/gogo/protobuf/proto"

	dsproto "github.com/starkline/diffsync/proto/diffsync/types"
)

// DeployedContract records a contract deployed at Address with class ClassHash.
type DeployedContract struct {
	Address   ContractAddress `json:"address"`
	ClassHash ClassHash       `json:"class_hash"`
}

// StorageEntry is a single storage write.
type StorageEntry struct {
	Key   StorageKey `json:"key"`
	Value Felt       `json:"value"`
}

// StorageDiff holds the storage writes of one contract.
type StorageDiff struct {
	Address ContractAddress `json:"address"`
	Entries []StorageEntry  `json:"storage_entries"`
}

// DeclaredClass is a class declared in the block together with the hash of
// its compiled form.
type DeclaredClass struct {
	ClassHash         ClassHash         `json:"class_hash"`
	CompiledClassHash CompiledClassHash `json:"compiled_class_hash"`
	Class             ContractClass     `json:"class"`
}

// DeprecatedDeclaredClass is a class declared through the legacy flow, which
// carries no compiled class hash.
type DeprecatedDeclaredClass struct {
	ClassHash ClassHash     `json:"class_hash"`
	Class     ContractClass `json:"class"`
}

// ContractNonce is the new nonce of a contract.
type ContractNonce struct {
	Address ContractAddress `json:"address"`
	Nonce   Nonce           `json:"nonce"`
}

// ReplacedClass records a contract whose class was replaced.
type ReplacedClass struct {
	Address   ContractAddress `json:"address"`
	ClassHash ClassHash       `json:"class_hash"`
}

/*
StateDiff is the set of state changes introduced by one block.

Every collection is a mapping from a unique key to a value. The slices keep
the order in which the entries arrived; that order carries no meaning and is
erased by Normalize before the diff is persisted, so that two diffs equal as
mappings are stored as the same bytes.
*/
type StateDiff struct {
	DeployedContracts         []DeployedContract        `json:"deployed_contracts"`
	StorageDiffs              []StorageDiff             `json:"storage_diffs"`
	DeclaredClasses           []DeclaredClass           `json:"declared_classes"`
	DeprecatedDeclaredClasses []DeprecatedDeclaredClass `json:"deprecated_declared_classes"`
	Nonces                    []ContractNonce           `json:"nonces"`
	ReplacedClasses           []ReplacedClass           `json:"replaced_classes"`
}

// DuplicateKeyError reports a key that appears twice within one collection.
type DuplicateKeyError struct {
	Collection string
	Key        Felt
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %v in %s", e.Key, e.Collection)
}

// Normalize sorts every collection of the diff, and the storage entries of
// every contract, in ascending key order. It is idempotent.
func (sd *StateDiff) Normalize() {
	if sd == nil {
		return
	}

	sort.Slice(sd.DeployedContracts, func(i, j int) bool {
		return sd.DeployedContracts[i].Address.Compare(sd.DeployedContracts[j].Address) < 0
	})
	sort.Slice(sd.StorageDiffs, func(i, j int) bool {
		return sd.StorageDiffs[i].Address.Compare(sd.StorageDiffs[j].Address) < 0
	})
	for _, diff := range sd.StorageDiffs {
		entries := diff.Entries
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Key.Compare(entries[j].Key) < 0
		})
	}
	sort.Slice(sd.DeclaredClasses, func(i, j int) bool {
		return sd.DeclaredClasses[i].ClassHash.Compare(sd.DeclaredClasses[j].ClassHash) < 0
	})
	sort.Slice(sd.DeprecatedDeclaredClasses, func(i, j int) bool {
		return sd.DeprecatedDeclaredClasses[i].ClassHash.Compare(sd.DeprecatedDeclaredClasses[j].ClassHash) < 0
	})
	sort.Slice(sd.Nonces, func(i, j int) bool {
		return sd.Nonces[i].Address.Compare(sd.Nonces[j].Address) < 0
	})
	sort.Slice(sd.ReplacedClasses, func(i, j int) bool {
		return sd.ReplacedClasses[i].Address.Compare(sd.ReplacedClasses[j].Address) < 0
	})
}

// Normalized returns a normalized deep copy, leaving sd untouched.
func (sd *StateDiff) Normalized() *StateDiff {
	cp := sd.Copy()
	cp.Normalize()
	return cp
}

// IsNormalized reports whether every collection is in strictly ascending key
// order.
func (sd *StateDiff) IsNormalized() bool {
	if sd == nil {
		return true
	}

	ascending := func(n int, key func(int) Felt) bool {
		for i := 1; i < n; i++ {
			if key(i-1).Compare(key(i)) >= 0 {
				return false
			}
		}
		return true
	}

	for _, diff := range sd.StorageDiffs {
		entries := diff.Entries
		if !ascending(len(entries), func(i int) Felt { return entries[i].Key }) {
			return false
		}
	}

	return ascending(len(sd.DeployedContracts), func(i int) Felt { return sd.DeployedContracts[i].Address }) &&
		ascending(len(sd.StorageDiffs), func(i int) Felt { return sd.StorageDiffs[i].Address }) &&
		ascending(len(sd.DeclaredClasses), func(i int) Felt { return sd.DeclaredClasses[i].ClassHash }) &&
		ascending(len(sd.DeprecatedDeclaredClasses), func(i int) Felt { return sd.DeprecatedDeclaredClasses[i].ClassHash }) &&
		ascending(len(sd.Nonces), func(i int) Felt { return sd.Nonces[i].Address }) &&
		ascending(len(sd.ReplacedClasses), func(i int) Felt { return sd.ReplacedClasses[i].Address })
}

// ValidateBasic checks that keys are unique within each collection.
func (sd *StateDiff) ValidateBasic() error {
	if sd == nil {
		return errors.New("nil state diff")
	}

	unique := func(collection string, n int, key func(int) Felt) error {
		seen := make(map[Felt]struct{}, n)
		for i := 0; i < n; i++ {
			k := key(i)
			if _, ok := seen[k]; ok {
				return &DuplicateKeyError{Collection: collection, Key: k}
			}
			seen[k] = struct{}{}
		}
		return nil
	}

	if err := unique("deployed_contracts", len(sd.DeployedContracts),
		func(i int) Felt { return sd.DeployedContracts[i].Address }); err != nil {
		return err
	}
	if err := unique("storage_diffs", len(sd.StorageDiffs),
		func(i int) Felt { return sd.StorageDiffs[i].Address }); err != nil {
		return err
	}
	for _, diff := range sd.StorageDiffs {
		entries := diff.Entries
		if err := unique(fmt.Sprintf("storage_diffs[%v]", diff.Address), len(entries),
			func(i int) Felt { return entries[i].Key }); err != nil {
			return err
		}
	}
	if err := unique("declared_classes", len(sd.DeclaredClasses),
		func(i int) Felt { return sd.DeclaredClasses[i].ClassHash }); err != nil {
		return err
	}
	if err := unique("deprecated_declared_classes", len(sd.DeprecatedDeclaredClasses),
		func(i int) Felt { return sd.DeprecatedDeclaredClasses[i].ClassHash }); err != nil {
		return err
	}
	if err := unique("nonces", len(sd.Nonces),
		func(i int) Felt { return sd.Nonces[i].Address }); err != nil {
		return err
	}
	return unique("replaced_classes", len(sd.ReplacedClasses),
		func(i int) Felt { return sd.ReplacedClasses[i].Address })
}

// IsEmpty reports whether the diff changes nothing.
func (sd *StateDiff) IsEmpty() bool {
	return sd == nil ||
		len(sd.DeployedContracts) == 0 &&
			len(sd.StorageDiffs) == 0 &&
			len(sd.DeclaredClasses) == 0 &&
			len(sd.DeprecatedDeclaredClasses) == 0 &&
			len(sd.Nonces) == 0 &&
			len(sd.ReplacedClasses) == 0
}

// Copy returns a deep copy of the diff, preserving order.
func (sd *StateDiff) Copy() *StateDiff {
	if sd == nil {
		return nil
	}

	cp := &StateDiff{
		DeployedContracts: append([]DeployedContract(nil), sd.DeployedContracts...),
		Nonces:            append([]ContractNonce(nil), sd.Nonces...),
		ReplacedClasses:   append([]ReplacedClass(nil), sd.ReplacedClasses...),
	}

	for _, diff := range sd.StorageDiffs {
		cp.StorageDiffs = append(cp.StorageDiffs, StorageDiff{
			Address: diff.Address,
			Entries: append([]StorageEntry(nil), diff.Entries...),
		})
	}
	for _, dc := range sd.DeclaredClasses {
		cp.DeclaredClasses = append(cp.DeclaredClasses, DeclaredClass{
			ClassHash:         dc.ClassHash,
			CompiledClassHash: dc.CompiledClassHash,
			Class:             dc.Class.Copy(),
		})
	}
	for _, dc := range sd.DeprecatedDeclaredClasses {
		cp.DeprecatedDeclaredClasses = append(cp.DeprecatedDeclaredClasses, DeprecatedDeclaredClass{
			ClassHash: dc.ClassHash,
			Class:     dc.Class.Copy(),
		})
	}

	return cp
}

// Equal reports whether the two diffs hold the same key/value pairs,
// regardless of the order in which they are listed.
func (sd *StateDiff) Equal(other *StateDiff) bool {
	if sd == nil || other == nil {
		return sd == other
	}
	return bytes.Equal(sd.Normalized().MustMarshal(), other.Normalized().MustMarshal())
}

// Marshal encodes the diff in its current order. Normalize first to obtain
// the canonical encoding.
func (sd *StateDiff) Marshal() ([]byte, error) {
	return proto.Marshal(sd.ToProto())
}

// MustMarshal is Marshal that panics on failure.
func (sd *StateDiff) MustMarshal() []byte {
	bz, err := sd.Marshal()
	if err != nil {
		panic(fmt.Errorf("unable to marshal state diff: %w", err))
	}
	return bz
}

// ToProto converts the diff to its protobuf representation, keeping order.
func (sd *StateDiff) ToProto() *dsproto.StateDiff {
	if sd == nil {
		return nil
	}

	pb := &dsproto.StateDiff{}
	for _, dc := range sd.DeployedContracts {
		pb.DeployedContracts = append(pb.DeployedContracts, &dsproto.DeployedContract{
			Address:   dc.Address.Bytes(),
			ClassHash: dc.ClassHash.Bytes(),
		})
	}
	for _, diff := range sd.StorageDiffs {
		psd := &dsproto.StorageDiff{Address: diff.Address.Bytes()}
		for _, e := range diff.Entries {
			psd.Entries = append(psd.Entries, &dsproto.StorageEntry{
				Key:   e.Key.Bytes(),
				Value: e.Value.Bytes(),
			})
		}
		pb.StorageDiffs = append(pb.StorageDiffs, psd)
	}
	for _, dc := range sd.DeclaredClasses {
		pb.DeclaredClasses = append(pb.DeclaredClasses, &dsproto.DeclaredClass{
			ClassHash:         dc.ClassHash.Bytes(),
			CompiledClassHash: dc.CompiledClassHash.Bytes(),
			Class:             dc.Class.toProto(),
		})
	}
	for _, dc := range sd.DeprecatedDeclaredClasses {
		pb.DeprecatedDeclaredClasses = append(pb.DeprecatedDeclaredClasses, &dsproto.DeprecatedDeclaredClass{
			ClassHash: dc.ClassHash.Bytes(),
			Class:     dc.Class.toProto(),
		})
	}
	for _, n := range sd.Nonces {
		pb.Nonces = append(pb.Nonces, &dsproto.ContractNonce{
			Address: n.Address.Bytes(),
			Nonce:   n.Nonce.Bytes(),
		})
	}
	for _, rc := range sd.ReplacedClasses {
		pb.ReplacedClasses = append(pb.ReplacedClasses, &dsproto.ReplacedClass{
			Address:   rc.Address.Bytes(),
			ClassHash: rc.ClassHash.Bytes(),
		})
	}

	return pb
}

// StateDiffFromProto converts a protobuf diff back, keeping order, and runs
// ValidateBasic on the result.
func StateDiffFromProto(pb *dsproto.StateDiff) (*StateDiff, error) {
	if pb == nil {
		return nil, errors.New("nil StateDiff")
	}

	var (
		sd  = new(StateDiff)
		err error
	)

	for _, pdc := range pb.DeployedContracts {
		var dc DeployedContract
		if dc.Address, err = feltFromProto(pdc.Address, "deployed_contracts.address"); err != nil {
			return nil, err
		}
		if dc.ClassHash, err = feltFromProto(pdc.ClassHash, "deployed_contracts.class_hash"); err != nil {
			return nil, err
		}
		sd.DeployedContracts = append(sd.DeployedContracts, dc)
	}

	for _, psd := range pb.StorageDiffs {
		var diff StorageDiff
		if diff.Address, err = feltFromProto(psd.Address, "storage_diffs.address"); err != nil {
			return nil, err
		}
		for _, pe := range psd.Entries {
			var e StorageEntry
			if e.Key, err = feltFromProto(pe.Key, "storage_diffs.entries.key"); err != nil {
				return nil, err
			}
			if e.Value, err = feltFromProto(pe.Value, "storage_diffs.entries.value"); err != nil {
				return nil, err
			}
			diff.Entries = append(diff.Entries, e)
		}
		sd.StorageDiffs = append(sd.StorageDiffs, diff)
	}

	for _, pdc := range pb.DeclaredClasses {
		var dc DeclaredClass
		if dc.ClassHash, err = feltFromProto(pdc.ClassHash, "declared_classes.class_hash"); err != nil {
			return nil, err
		}
		if dc.CompiledClassHash, err = feltFromProto(pdc.CompiledClassHash, "declared_classes.compiled_class_hash"); err != nil {
			return nil, err
		}
		if dc.Class, err = contractClassFromProto(pdc.Class); err != nil {
			return nil, err
		}
		sd.DeclaredClasses = append(sd.DeclaredClasses, dc)
	}

	for _, pdc := range pb.DeprecatedDeclaredClasses {
		var dc DeprecatedDeclaredClass
		if dc.ClassHash, err = feltFromProto(pdc.ClassHash, "deprecated_declared_classes.class_hash"); err != nil {
			return nil, err
		}
		if dc.Class, err = contractClassFromProto(pdc.Class); err != nil {
			return nil, err
		}
		sd.DeprecatedDeclaredClasses = append(sd.DeprecatedDeclaredClasses, dc)
	}

	for _, pn := range pb.Nonces {
		var n ContractNonce
		if n.Address, err = feltFromProto(pn.Address, "nonces.address"); err != nil {
			return nil, err
		}
		if n.Nonce, err = feltFromProto(pn.Nonce, "nonces.nonce"); err != nil {
			return nil, err
		}
		sd.Nonces = append(sd.Nonces, n)
	}

	for _, prc := range pb.ReplacedClasses {
		var rc ReplacedClass
		if rc.Address, err = feltFromProto(prc.Address, "replaced_classes.address"); err != nil {
			return nil, err
		}
		if rc.ClassHash, err = feltFromProto(prc.ClassHash, "replaced_classes.class_hash"); err != nil {
			return nil, err
		}
		sd.ReplacedClasses = append(sd.ReplacedClasses, rc)
	}

	if err := sd.ValidateBasic(); err != nil {
		return nil, err
	}

	return sd, nil
}
