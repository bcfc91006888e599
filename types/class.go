package types

import (
	"bytes"
	"errors"
	"sort"

	dsproto "github.com/starkline/diffsync/proto/diffsync/types"
)

// ContractClass is the definition of a declared class as delivered upstream.
// The definition body is kept opaque; the engine never executes it.
type ContractClass struct {
	Version    string `json:"version"`
	Definition []byte `json:"definition"`
}

// Copy returns a deep copy of the class.
func (c ContractClass) Copy() ContractClass {
	return ContractClass{
		Version:    c.Version,
		Definition: append([]byte(nil), c.Definition...),
	}
}

func (c ContractClass) Equal(o ContractClass) bool {
	return c.Version == o.Version && bytes.Equal(c.Definition, o.Definition)
}

func (c ContractClass) toProto() *dsproto.ContractClass {
	return &dsproto.ContractClass{
		Version:    c.Version,
		Definition: append([]byte(nil), c.Definition...),
	}
}

func contractClassFromProto(pc *dsproto.ContractClass) (ContractClass, error) {
	if pc == nil {
		return ContractClass{}, errors.New("nil ContractClass")
	}
	return ContractClass{
		Version:    pc.Version,
		Definition: append([]byte(nil), pc.Definition...),
	}, nil
}

// ClassDefinitionSet maps class hashes to the full class bodies delivered
// alongside a state diff for classes first seen in that diff.
type ClassDefinitionSet map[ClassHash]ContractClass

// SortedHashes returns the class hashes in ascending order.
func (s ClassDefinitionSet) SortedHashes() []ClassHash {
	hashes := make([]ClassHash, 0, len(s))
	for h := range s {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Compare(hashes[j]) < 0 })
	return hashes
}

// Copy returns a deep copy of the set. A nil set copies to nil.
func (s ClassDefinitionSet) Copy() ClassDefinitionSet {
	if s == nil {
		return nil
	}
	cp := make(ClassDefinitionSet, len(s))
	for h, c := range s {
		cp[h] = c.Copy()
	}
	return cp
}

// ToProto encodes the set in ascending class-hash order so that equal sets
// always produce identical bytes.
func (s ClassDefinitionSet) ToProto() *dsproto.ClassDefinitionSet {
	pb := &dsproto.ClassDefinitionSet{}
	for _, h := range s.SortedHashes() {
		pb.Definitions = append(pb.Definitions, &dsproto.ClassDefinition{
			ClassHash: h.Bytes(),
			Class:     s[h].toProto(),
		})
	}
	return pb
}

// ClassDefinitionSetFromProto decodes a set, rejecting duplicate hashes.
func ClassDefinitionSetFromProto(pb *dsproto.ClassDefinitionSet) (ClassDefinitionSet, error) {
	if pb == nil {
		return ClassDefinitionSet{}, nil
	}

	s := make(ClassDefinitionSet, len(pb.Definitions))
	for _, def := range pb.Definitions {
		h, err := feltFromProto(def.ClassHash, "class_hash")
		if err != nil {
			return nil, err
		}
		if _, ok := s[h]; ok {
			return nil, &DuplicateKeyError{Collection: "class_definitions", Key: h}
		}
		c, err := contractClassFromProto(def.Class)
		if err != nil {
			return nil, err
		}
		s[h] = c
	}
	return s, nil
}
