package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/starkline/diffsync/libs/log"
	"github.com/starkline/diffsync/types"
)

const (
	defaultConcurrentRequests = 10
	defaultRequestTimeout     = 30 * time.Second

	blockNotFoundCode = "StarknetErrorCode.BLOCK_NOT_FOUND"
)

// CentralConfig configures a CentralSource.
type CentralConfig struct {
	// URL of the feeder gateway, e.g. https://alpha-mainnet.starknet.io
	URL string
	// Maximum number of requests in flight per stream.
	ConcurrentRequests int
	// Deadline of a single request.
	RequestTimeout time.Duration
}

// HTTPError is returned for a non-200 answer from the feeder gateway.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("feeder gateway: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("feeder gateway: %d %s", e.StatusCode, e.Message)
}

// Is lets errors.Is match ErrBlockNotFound.
func (e *HTTPError) Is(target error) bool {
	return target == ErrBlockNotFound && e.Code == blockNotFoundCode
}

// CentralSource reads chain data from a feeder gateway over HTTP.
//
// Streams fetch up to ConcurrentRequests blocks ahead of the consumer but
// always deliver them in block order.
//
// CentralSource is safe for concurrent use by multiple goroutines.
type CentralSource struct {
	baseURL     string
	client      *http.Client
	concurrency int
	timeout     time.Duration
	logger      log.Logger
}

var _ Source = (*CentralSource)(nil)

// NewCentralSource returns a client for the feeder gateway at cfg.URL.
func NewCentralSource(cfg CentralConfig, logger log.Logger) (*CentralSource, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid feeder gateway url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported feeder gateway scheme %q", u.Scheme)
	}

	c := &CentralSource{
		baseURL:     strings.TrimRight(u.String(), "/"),
		client:      &http.Client{},
		concurrency: cfg.ConcurrentRequests,
		timeout:     cfg.RequestTimeout,
		logger:      logger.With("module", "central"),
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultConcurrentRequests
	}
	if c.timeout <= 0 {
		c.timeout = defaultRequestTimeout
	}
	return c, nil
}

// LatestBlockNumber returns the number of the most recent accepted block.
func (c *CentralSource) LatestBlockNumber(ctx context.Context) (types.BlockNumber, error) {
	var header types.BlockHeader
	if err := c.get(ctx, "get_block", url.Values{"blockNumber": {"latest"}}, &header); err != nil {
		return 0, err
	}
	return header.BlockNumber, nil
}

// StreamHeaders streams the headers of [from, to).
func (c *CentralSource) StreamHeaders(ctx context.Context, from, to types.BlockNumber) *HeaderStream {
	return NewHeaderStream(ctx, from, to, func(ctx context.Context, emit func(*types.BlockHeader) error) error {
		return c.fetchOrdered(ctx, from, to,
			func(ctx context.Context, n types.BlockNumber) (interface{}, error) {
				return c.fetchHeader(ctx, n)
			},
			func(v interface{}) error { return emit(v.(*types.BlockHeader)) },
		)
	})
}

// StreamStateUpdates streams the state updates of [from, to).
func (c *CentralSource) StreamStateUpdates(ctx context.Context, from, to types.BlockNumber) *StateUpdateStream {
	return NewStateUpdateStream(ctx, from, to, func(ctx context.Context, emit func(*StateUpdate) error) error {
		return c.fetchOrdered(ctx, from, to,
			func(ctx context.Context, n types.BlockNumber) (interface{}, error) {
				return c.fetchStateUpdate(ctx, n)
			},
			func(v interface{}) error { return emit(v.(*StateUpdate)) },
		)
	})
}

type fetchResult struct {
	v   interface{}
	err error
}

// fetchOrdered keeps up to c.concurrency fetches in flight and hands the
// results to deliver in block order.
func (c *CentralSource) fetchOrdered(
	ctx context.Context,
	from, to types.BlockNumber,
	fetch func(context.Context, types.BlockNumber) (interface{}, error),
	deliver func(interface{}) error,
) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		pending []chan fetchResult
		next    = from
	)
	for next < to || len(pending) > 0 {
		for next < to && len(pending) < c.concurrency {
			ch := make(chan fetchResult, 1)
			pending = append(pending, ch)

			wg.Add(1)
			go func(n types.BlockNumber) {
				defer wg.Done()
				v, err := fetch(ctx, n)
				ch <- fetchResult{v: v, err: err}
			}(next)
			next++
		}

		var res fetchResult
		select {
		case res = <-pending[0]:
		case <-ctx.Done():
			return ctx.Err()
		}
		pending = pending[1:]

		if res.err != nil {
			return res.err
		}
		if err := deliver(res.v); err != nil {
			return err
		}
	}
	return nil
}

func (c *CentralSource) fetchHeader(ctx context.Context, n types.BlockNumber) (*types.BlockHeader, error) {
	header := new(types.BlockHeader)
	if err := c.get(ctx, "get_block", url.Values{"blockNumber": {n.String()}}, header); err != nil {
		return nil, err
	}
	if header.BlockNumber != n {
		return nil, fmt.Errorf("%w: requested header %d, got %d", ErrOutOfOrder, n, header.BlockNumber)
	}
	if err := header.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid header %d: %w", n, err)
	}
	return header, nil
}

func (c *CentralSource) fetchStateUpdate(ctx context.Context, n types.BlockNumber) (*StateUpdate, error) {
	var raw feederStateUpdate
	if err := c.get(ctx, "get_state_update", url.Values{"blockNumber": {n.String()}}, &raw); err != nil {
		return nil, err
	}
	if raw.BlockHash.IsZero() {
		return nil, fmt.Errorf("state update %d has no block hash", n)
	}

	update := &StateUpdate{
		BlockNumber: n,
		BlockHash:   raw.BlockHash,
		StateDiff:   raw.StateDiff.toStateDiff(),
		Classes:     types.ClassDefinitionSet{},
	}
	if err := update.StateDiff.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("state update %d: %w", n, err)
	}
	if err := c.fetchClasses(ctx, update); err != nil {
		return nil, err
	}

	c.logger.Debug("fetched state update", "block_number", n, "block_hash", update.BlockHash)
	return update, nil
}

// fetchClasses fills in the bodies of the declared classes and collects the
// definitions of deployed classes that this update does not declare.
func (c *CentralSource) fetchClasses(ctx context.Context, update *StateUpdate) error {
	sd := update.StateDiff

	declared := make(map[types.ClassHash]bool)
	for _, dc := range sd.DeclaredClasses {
		declared[dc.ClassHash] = true
	}
	for _, dc := range sd.DeprecatedDeclaredClasses {
		declared[dc.ClassHash] = true
	}

	var deployed []types.ClassHash
	for _, dc := range sd.DeployedContracts {
		if !declared[dc.ClassHash] {
			deployed = append(deployed, dc.ClassHash)
			declared[dc.ClassHash] = true
		}
	}
	deployedBodies := make([]types.ContractClass, len(deployed))

	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, c.concurrency)
	fetch := func(hash types.ClassHash, dst *types.ContractClass) {
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			defer func() { <-sem }()

			class, err := c.fetchClass(ctx, hash)
			if err != nil {
				return err
			}
			*dst = class
			return nil
		})
	}

	for i := range sd.DeclaredClasses {
		fetch(sd.DeclaredClasses[i].ClassHash, &sd.DeclaredClasses[i].Class)
	}
	for i := range sd.DeprecatedDeclaredClasses {
		fetch(sd.DeprecatedDeclaredClasses[i].ClassHash, &sd.DeprecatedDeclaredClasses[i].Class)
	}
	for i, hash := range deployed {
		fetch(hash, &deployedBodies[i])
	}

	if err := g.Wait(); err != nil {
		return err
	}
	for i, hash := range deployed {
		update.Classes[hash] = deployedBodies[i]
	}
	return nil
}

func (c *CentralSource) fetchClass(ctx context.Context, hash types.ClassHash) (types.ContractClass, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "get_class_by_hash", url.Values{"classHash": {hash.String()}}, &raw); err != nil {
		return types.ContractClass{}, errors.Wrapf(err, "class %v", hash)
	}

	var probe struct {
		SierraProgram json.RawMessage `json:"sierra_program"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return types.ContractClass{}, errors.Wrapf(err, "class %v", hash)
	}

	version := "0"
	if probe.SierraProgram != nil {
		version = "1"
	}
	return types.ContractClass{Version: version, Definition: []byte(raw)}, nil
}

// get issues GET {baseURL}/feeder_gateway/{method}?{params} and decodes the
// JSON answer into result.
func (c *CentralSource) get(ctx context.Context, method string, params url.Values, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/feeder_gateway/" + method + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, method+" failed")
	}
	defer resp.Body.Close() // nolint: errcheck

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode != http.StatusOK {
		httpErr := &HTTPError{StatusCode: resp.StatusCode}
		var feederErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &feederErr) == nil && feederErr.Code != "" {
			httpErr.Code, httpErr.Message = feederErr.Code, feederErr.Message
		} else {
			httpErr.Message = strconv.Quote(string(bytes.TrimSpace(body)))
		}
		return httpErr
	}

	if err := json.Unmarshal(body, result); err != nil {
		return errors.Wrapf(err, "failed to decode %s response", method)
	}
	return nil
}

//-----------------------------------------------------------------------------
// feeder gateway wire format

type feederStateUpdate struct {
	BlockHash types.BlockHash `json:"block_hash"`
	NewRoot   types.Felt      `json:"new_root"`
	OldRoot   types.Felt      `json:"old_root"`
	StateDiff feederStateDiff `json:"state_diff"`
}

type feederStateDiff struct {
	StorageDiffs map[types.ContractAddress][]struct {
		Key   types.StorageKey `json:"key"`
		Value types.Felt       `json:"value"`
	} `json:"storage_diffs"`
	DeployedContracts []struct {
		Address   types.ContractAddress `json:"address"`
		ClassHash types.ClassHash       `json:"class_hash"`
	} `json:"deployed_contracts"`
	OldDeclaredContracts []types.ClassHash `json:"old_declared_contracts"`
	DeclaredClasses      []struct {
		ClassHash         types.ClassHash         `json:"class_hash"`
		CompiledClassHash types.CompiledClassHash `json:"compiled_class_hash"`
	} `json:"declared_classes"`
	Nonces          map[types.ContractAddress]types.Nonce `json:"nonces"`
	ReplacedClasses []struct {
		Address   types.ContractAddress `json:"address"`
		ClassHash types.ClassHash       `json:"class_hash"`
	} `json:"replaced_classes"`
}

// toStateDiff converts the wire form. Objects decode into Go maps, so the
// resulting order is arbitrary until the diff is normalized.
func (f feederStateDiff) toStateDiff() *types.StateDiff {
	sd := &types.StateDiff{}
	for addr, entries := range f.StorageDiffs {
		diff := types.StorageDiff{Address: addr}
		for _, e := range entries {
			diff.Entries = append(diff.Entries, types.StorageEntry{Key: e.Key, Value: e.Value})
		}
		sd.StorageDiffs = append(sd.StorageDiffs, diff)
	}
	for _, dc := range f.DeployedContracts {
		sd.DeployedContracts = append(sd.DeployedContracts, types.DeployedContract{
			Address:   dc.Address,
			ClassHash: dc.ClassHash,
		})
	}
	for _, hash := range f.OldDeclaredContracts {
		sd.DeprecatedDeclaredClasses = append(sd.DeprecatedDeclaredClasses, types.DeprecatedDeclaredClass{
			ClassHash: hash,
		})
	}
	for _, dc := range f.DeclaredClasses {
		sd.DeclaredClasses = append(sd.DeclaredClasses, types.DeclaredClass{
			ClassHash:         dc.ClassHash,
			CompiledClassHash: dc.CompiledClassHash,
		})
	}
	for addr, nonce := range f.Nonces {
		sd.Nonces = append(sd.Nonces, types.ContractNonce{Address: addr, Nonce: nonce})
	}
	for _, rc := range f.ReplacedClasses {
		sd.ReplacedClasses = append(sd.ReplacedClasses, types.ReplacedClass{
			Address:   rc.Address,
			ClassHash: rc.ClassHash,
		})
	}
	return sd
}
