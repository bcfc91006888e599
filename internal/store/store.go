package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogo/protobuf/proto"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	dsproto "github.com/starkline/diffsync/proto/diffsync/types"
	"github.com/starkline/diffsync/types"
)

// Structural errors. They mean the write no longer fits the stored chain,
// usually because another writer got there first, and never that the
// database is unhealthy.
var (
	ErrMarkerMismatch     = errors.New("block number does not match marker")
	ErrStateAheadOfHeader = errors.New("state diff ahead of header")
	ErrOmmerExists        = errors.New("ommer already exists")
)

// ErrTxnDone is returned when a write transaction is used after Commit or
// Discard.
var ErrTxnDone = errors.New("transaction already committed or discarded")

// IsStructural reports whether err is one of the structural errors.
func IsStructural(err error) bool {
	return errors.Is(err, ErrMarkerMismatch) ||
		errors.Is(err, ErrStateAheadOfHeader) ||
		errors.Is(err, ErrOmmerExists)
}

/*
Store persists block headers, state diffs and their class definitions.

Canonical data is keyed by block number and tracked by two markers, each the
next block number not yet stored for its kind:

  - header marker: headers are stored for [0, header marker)
  - state marker:  state diffs are stored for [0, state marker)

The state marker never exceeds the header marker. Both markers live under a
single key so that a reader always observes a consistent pair.

Data that turned out not to belong to the canonical chain is kept as ommer
records keyed by block hash. Ommer records never move markers.

Reads happen through a ReadTxn, which observes committed data only. Writes
happen through a WriteTxn; at most one WriteTxn is open at a time and its
changes reach the database atomically on Commit.
*/
type Store struct {
	db dbm.DB

	// held by the open WriteTxn
	writeMtx sync.Mutex
}

// NewStore returns a Store persisting to db.
func NewStore(db dbm.DB) *Store {
	return &Store{db: db}
}

// BeginReadTxn opens a read transaction. Markers are read once, here; callers
// should copy out what they need and drop the transaction.
func (s *Store) BeginReadTxn() (*ReadTxn, error) {
	r := reader{get: s.db.Get}
	if err := r.loadMarkers(); err != nil {
		return nil, err
	}
	return &ReadTxn{reader: r, db: s.db}, nil
}

// BeginWriteTxn opens the write transaction, blocking while another one is
// open. The caller must Commit or Discard it.
func (s *Store) BeginWriteTxn() (*WriteTxn, error) {
	s.writeMtx.Lock()

	txn := &WriteTxn{
		store:   s,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
	txn.reader.get = txn.lookup
	if err := txn.loadMarkers(); err != nil {
		s.writeMtx.Unlock()
		return nil, err
	}
	return txn, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

//-----------------------------------------------------------------------------

// OmmerStateDiff is a state diff recorded under the hash of a block that is
// not part of the canonical chain.
type OmmerStateDiff struct {
	BlockHash   types.BlockHash
	BlockNumber types.BlockNumber
	StateDiff   *types.StateDiff
	Classes     types.ClassDefinitionSet
}

type reader struct {
	get          func([]byte) ([]byte, error)
	headerMarker types.BlockNumber
	stateMarker  types.BlockNumber
}

func (r *reader) loadMarkers() error {
	bz, err := r.get(markersKey())
	if err != nil {
		return fmt.Errorf("reading markers: %w", err)
	}
	if len(bz) == 0 {
		r.headerMarker, r.stateMarker = 0, 0
		return nil
	}
	header, state, err := decodeMarkers(bz)
	if err != nil {
		return err
	}
	r.headerMarker, r.stateMarker = header, state
	return nil
}

// HeaderMarker returns the next block number without a stored header.
func (r *reader) HeaderMarker() types.BlockNumber { return r.headerMarker }

// StateMarker returns the next block number without a stored state diff.
func (r *reader) StateMarker() types.BlockNumber { return r.stateMarker }

// BlockHeader returns the canonical header at n, or nil when none is stored.
func (r *reader) BlockHeader(n types.BlockNumber) (*types.BlockHeader, error) {
	return r.loadHeader(headerKey(n))
}

// StateDiff returns the canonical state diff at n, or nil when none is stored.
func (r *reader) StateDiff(n types.BlockNumber) (*types.StateDiff, error) {
	if n >= r.stateMarker {
		return nil, nil
	}
	// an empty diff encodes to no bytes
	bz, err := r.get(stateDiffKey(n))
	if err != nil {
		return nil, err
	}
	pb := new(dsproto.StateDiff)
	if err := proto.Unmarshal(bz, pb); err != nil {
		return nil, fmt.Errorf("unmarshal state diff %d: %w", n, err)
	}
	return types.StateDiffFromProto(pb)
}

// ClassDefinitions returns the class definitions stored with the canonical
// state diff at n, or nil when none are stored.
func (r *reader) ClassDefinitions(n types.BlockNumber) (types.ClassDefinitionSet, error) {
	if n >= r.stateMarker {
		return nil, nil
	}
	bz, err := r.get(classesKey(n))
	if err != nil {
		return nil, err
	}
	pb := new(dsproto.ClassDefinitionSet)
	if err := proto.Unmarshal(bz, pb); err != nil {
		return nil, fmt.Errorf("unmarshal class definitions %d: %w", n, err)
	}
	return types.ClassDefinitionSetFromProto(pb)
}

// OmmerHeader returns the ommer header recorded under hash, or nil.
func (r *reader) OmmerHeader(hash types.BlockHash) (*types.BlockHeader, error) {
	return r.loadHeader(ommerHeaderKey(hash))
}

// OmmerStateDiff returns the ommer state diff recorded under hash, or nil.
func (r *reader) OmmerStateDiff(hash types.BlockHash) (*OmmerStateDiff, error) {
	bz, err := r.get(ommerStateDiffKey(hash))
	if err != nil || len(bz) == 0 {
		return nil, err
	}
	pb := new(dsproto.OmmerStateDiff)
	if err := proto.Unmarshal(bz, pb); err != nil {
		return nil, fmt.Errorf("unmarshal ommer state diff %v: %w", hash, err)
	}
	sd, err := types.StateDiffFromProto(pb.StateDiff)
	if err != nil {
		return nil, err
	}
	classes, err := types.ClassDefinitionSetFromProto(pb.Classes)
	if err != nil {
		return nil, err
	}
	return &OmmerStateDiff{
		BlockHash:   hash,
		BlockNumber: types.BlockNumber(pb.BlockNumber),
		StateDiff:   sd,
		Classes:     classes,
	}, nil
}

func (r *reader) loadHeader(key []byte) (*types.BlockHeader, error) {
	bz, err := r.get(key)
	if err != nil || len(bz) == 0 {
		return nil, err
	}
	pb := new(dsproto.BlockHeader)
	if err := proto.Unmarshal(bz, pb); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}
	return types.BlockHeaderFromProto(pb)
}

//-----------------------------------------------------------------------------

// ReadTxn is a read-only view of committed data.
type ReadTxn struct {
	reader
	db dbm.DB
}

// OmmerHashes lists the hashes of all ommer state diffs in ascending order.
func (r *ReadTxn) OmmerHashes() ([]types.BlockHash, error) {
	iter, err := r.db.Iterator(
		prefixKey(prefixOmmerStateDiff),
		prefixKey(prefixOmmerStateDiff+1),
	)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var hashes []types.BlockHash
	for ; iter.Valid(); iter.Next() {
		hash, err := decodeHashKey(iter.Key(), prefixOmmerStateDiff)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, iter.Error()
}

//-----------------------------------------------------------------------------

// WriteTxn buffers writes until Commit. Reads through a WriteTxn observe its
// own pending writes.
type WriteTxn struct {
	reader
	store *Store

	writes  map[string][]byte
	deletes map[string]struct{}
	done    bool
}

func (w *WriteTxn) lookup(key []byte) ([]byte, error) {
	if bz, ok := w.writes[string(key)]; ok {
		return bz, nil
	}
	if _, ok := w.deletes[string(key)]; ok {
		return nil, nil
	}
	return w.store.db.Get(key)
}

func (w *WriteTxn) set(key, value []byte) {
	delete(w.deletes, string(key))
	w.writes[string(key)] = value
}

func (w *WriteTxn) del(key []byte) {
	delete(w.writes, string(key))
	w.deletes[string(key)] = struct{}{}
}

func (w *WriteTxn) setMarkers(header, state types.BlockNumber) {
	w.headerMarker, w.stateMarker = header, state
	w.set(markersKey(), encodeMarkers(header, state))
}

// AppendHeader stores h as the canonical header at the header marker and
// advances the marker.
func (w *WriteTxn) AppendHeader(h *types.BlockHeader) error {
	if w.done {
		return ErrTxnDone
	}
	if err := h.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	if h.BlockNumber != w.headerMarker {
		return fmt.Errorf("%w: header %d, header marker %d", ErrMarkerMismatch, h.BlockNumber, w.headerMarker)
	}

	w.set(headerKey(h.BlockNumber), mustEncode(h.ToProto()))
	w.setMarkers(w.headerMarker+1, w.stateMarker)
	return nil
}

// AppendStateDiff stores the normalized form of diff and its class
// definitions as the canonical data of block n, which must equal the state
// marker and lie below the header marker. The marker advances to n+1.
func (w *WriteTxn) AppendStateDiff(n types.BlockNumber, diff *types.StateDiff, classes types.ClassDefinitionSet) error {
	if w.done {
		return ErrTxnDone
	}
	if n != w.stateMarker {
		return fmt.Errorf("%w: state diff %d, state marker %d", ErrMarkerMismatch, n, w.stateMarker)
	}
	if n >= w.headerMarker {
		return fmt.Errorf("%w: state diff %d, header marker %d", ErrStateAheadOfHeader, n, w.headerMarker)
	}
	if err := diff.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid state diff %d: %w", n, err)
	}

	w.set(stateDiffKey(n), mustEncode(diff.Normalized().ToProto()))
	w.set(classesKey(n), mustEncode(classes.ToProto()))
	w.setMarkers(w.headerMarker, w.stateMarker+1)
	return nil
}

// InsertOmmerStateDiff records diff and its class definitions under hash.
// It fails with ErrOmmerExists if a record for hash is already present.
func (w *WriteTxn) InsertOmmerStateDiff(
	hash types.BlockHash,
	n types.BlockNumber,
	diff *types.StateDiff,
	classes types.ClassDefinitionSet,
) error {
	if w.done {
		return ErrTxnDone
	}
	existing, err := w.lookup(ommerStateDiffKey(hash))
	if err != nil {
		return err
	}
	if len(existing) != 0 {
		return fmt.Errorf("%w: state diff %v", ErrOmmerExists, hash)
	}
	if err := diff.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid ommer state diff %v: %w", hash, err)
	}

	w.putOmmerStateDiff(hash, n, diff, classes)
	return nil
}

// InsertOmmerHeader records h under its own hash. It fails with
// ErrOmmerExists if a header for that hash is already present.
func (w *WriteTxn) InsertOmmerHeader(h *types.BlockHeader) error {
	if w.done {
		return ErrTxnDone
	}
	if err := h.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid ommer header: %w", err)
	}
	existing, err := w.lookup(ommerHeaderKey(h.BlockHash))
	if err != nil {
		return err
	}
	if len(existing) != 0 {
		return fmt.Errorf("%w: header %v", ErrOmmerExists, h.BlockHash)
	}

	w.set(ommerHeaderKey(h.BlockHash), mustEncode(h.ToProto()))
	return nil
}

// RevertStateDiff moves the canonical state diff of block n, the last one
// stored, into ommer storage under the hash of the header at n and steps the
// state marker back to n.
func (w *WriteTxn) RevertStateDiff(n types.BlockNumber) error {
	if w.done {
		return ErrTxnDone
	}
	if w.stateMarker == 0 || n != w.stateMarker-1 {
		return fmt.Errorf("%w: revert state diff %d, state marker %d", ErrMarkerMismatch, n, w.stateMarker)
	}

	header, err := w.BlockHeader(n)
	if err != nil {
		return err
	}
	if header == nil {
		return fmt.Errorf("no header stored for block %d", n)
	}
	diff, err := w.StateDiff(n)
	if err != nil {
		return err
	}
	if diff == nil {
		return fmt.Errorf("no state diff stored for block %d", n)
	}
	classes, err := w.ClassDefinitions(n)
	if err != nil {
		return err
	}

	w.putOmmerStateDiff(header.BlockHash, n, diff, classes)
	w.del(stateDiffKey(n))
	w.del(classesKey(n))
	w.setMarkers(w.headerMarker, n)
	return nil
}

// RevertHeader moves the canonical header of block n, the last one stored,
// into ommer storage and steps the header marker back to n. The state diff
// of n must have been reverted first.
func (w *WriteTxn) RevertHeader(n types.BlockNumber) error {
	if w.done {
		return ErrTxnDone
	}
	if w.headerMarker == 0 || n != w.headerMarker-1 {
		return fmt.Errorf("%w: revert header %d, header marker %d", ErrMarkerMismatch, n, w.headerMarker)
	}
	if w.stateMarker > n {
		return fmt.Errorf("%w: revert header %d, state marker %d", ErrStateAheadOfHeader, n, w.stateMarker)
	}

	header, err := w.BlockHeader(n)
	if err != nil {
		return err
	}
	if header == nil {
		return fmt.Errorf("no header stored for block %d", n)
	}

	// a block that was reverted, restored and reverted again keeps its
	// first ommer record
	if err := w.InsertOmmerHeader(header); err != nil && !errors.Is(err, ErrOmmerExists) {
		return err
	}
	w.del(headerKey(n))
	w.setMarkers(n, w.stateMarker)
	return nil
}

// Commit durably writes the buffered changes and releases the transaction.
func (w *WriteTxn) Commit() error {
	if w.done {
		return ErrTxnDone
	}
	defer w.release()

	batch := w.store.db.NewBatch()
	defer batch.Close()

	for key, value := range w.writes {
		if err := batch.Set([]byte(key), value); err != nil {
			return err
		}
	}
	for key := range w.deletes {
		if err := batch.Delete([]byte(key)); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// Discard drops the buffered changes and releases the transaction. It is a
// no-op after Commit, so it may be deferred.
func (w *WriteTxn) Discard() {
	if w.done {
		return
	}
	w.release()
}

func (w *WriteTxn) release() {
	w.done = true
	w.writes, w.deletes = nil, nil
	w.store.writeMtx.Unlock()
}

func (w *WriteTxn) putOmmerStateDiff(
	hash types.BlockHash,
	n types.BlockNumber,
	diff *types.StateDiff,
	classes types.ClassDefinitionSet,
) {
	w.set(ommerStateDiffKey(hash), mustEncode(&dsproto.OmmerStateDiff{
		BlockNumber: uint64(n),
		StateDiff:   diff.Normalized().ToProto(),
		Classes:     classes.ToProto(),
	}))
}

//---------------------------------- KEY ENCODING -----------------------------------------

// key prefixes
const (
	prefixMarkers        = int64(0)
	prefixHeader         = int64(1)
	prefixStateDiff      = int64(2)
	prefixClasses        = int64(3)
	prefixOmmerHeader    = int64(4)
	prefixOmmerStateDiff = int64(5)
)

func prefixKey(prefix int64) []byte {
	key, err := orderedcode.Append(nil, prefix)
	if err != nil {
		panic(err)
	}
	return key
}

func markersKey() []byte {
	return prefixKey(prefixMarkers)
}

func headerKey(n types.BlockNumber) []byte {
	key, err := orderedcode.Append(nil, prefixHeader, uint64(n))
	if err != nil {
		panic(err)
	}
	return key
}

func stateDiffKey(n types.BlockNumber) []byte {
	key, err := orderedcode.Append(nil, prefixStateDiff, uint64(n))
	if err != nil {
		panic(err)
	}
	return key
}

func classesKey(n types.BlockNumber) []byte {
	key, err := orderedcode.Append(nil, prefixClasses, uint64(n))
	if err != nil {
		panic(err)
	}
	return key
}

func ommerHeaderKey(hash types.BlockHash) []byte {
	key, err := orderedcode.Append(nil, prefixOmmerHeader, string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func ommerStateDiffKey(hash types.BlockHash) []byte {
	key, err := orderedcode.Append(nil, prefixOmmerStateDiff, string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func decodeHashKey(key []byte, wantPrefix int64) (types.BlockHash, error) {
	var (
		prefix int64
		hash   string
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &hash)
	if err != nil {
		return types.BlockHash{}, err
	}
	if len(remaining) != 0 {
		return types.BlockHash{}, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != wantPrefix {
		return types.BlockHash{}, fmt.Errorf("incorrect prefix. Expected %v, got %v", wantPrefix, prefix)
	}
	return types.FeltFromBytes([]byte(hash))
}

func encodeMarkers(header, state types.BlockNumber) []byte {
	bz, err := orderedcode.Append(nil, uint64(header), uint64(state))
	if err != nil {
		panic(err)
	}
	return bz
}

func decodeMarkers(bz []byte) (header, state types.BlockNumber, err error) {
	var h, s uint64
	remaining, err := orderedcode.Parse(string(bz), &h, &s)
	if err != nil {
		return 0, 0, fmt.Errorf("decoding markers: %w", err)
	}
	if len(remaining) != 0 {
		return 0, 0, fmt.Errorf("expected complete markers but got remainder: %x", remaining)
	}
	if s > h {
		return 0, 0, fmt.Errorf("corrupt markers: state marker %d above header marker %d", s, h)
	}
	return types.BlockNumber(h), types.BlockNumber(s), nil
}

//-----------------------------------------------------------------------------

// mustEncode proto encodes a proto.message and panics if fails. The result
// is never nil, since the database rejects nil values.
func mustEncode(pb proto.Message) []byte {
	bz, err := proto.Marshal(pb)
	if err != nil {
		panic(fmt.Errorf("unable to marshal: %w", err))
	}
	if bz == nil {
		bz = []byte{}
	}
	return bz
}
