package commands

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/starkline/diffsync/config"
	"github.com/starkline/diffsync/internal/headersync"
	"github.com/starkline/diffsync/internal/source"
	"github.com/starkline/diffsync/internal/statesync"
	"github.com/starkline/diffsync/libs/cli"
	"github.com/starkline/diffsync/libs/log"
	"github.com/starkline/diffsync/libs/service"
	"github.com/starkline/diffsync/node"
	"github.com/starkline/diffsync/types"
)

func TestRunNodeCmd(t *testing.T) {
	root := t.TempDir()
	conf := clearConfig(t, root)

	src := source.NewMemorySource()
	var parent types.BlockHash
	for n := uint64(0); n < 3; n++ {
		src.SetHeader(&types.BlockHeader{BlockHash: hash(0xA0 + n), ParentHash: parent, BlockNumber: types.BlockNumber(n)})
		src.SetStateUpdate(&source.StateUpdate{
			BlockNumber: types.BlockNumber(n),
			BlockHash:   hash(0xA0 + n),
			StateDiff:   &types.StateDiff{},
		})
		parent = hash(0xA0 + n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := func(ctx context.Context, cfg *config.Config, logger log.Logger) (service.Service, error) {
		n, err := node.New(cfg, logger, dbm.NewMemDB(), src,
			func() (*headersync.Metrics, *statesync.Metrics) {
				return headersync.NopMetrics(), statesync.NopMetrics()
			})
		if err != nil {
			return nil, err
		}
		go func() {
			for {
				txn, err := n.Store().BeginReadTxn()
				if err == nil && txn.StateMarker() == 3 {
					cancel()
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
				}
			}
		}()
		return n, nil
	}

	cmd := RootCommand(conf)
	cmd.AddCommand(NewRunNodeCmd(conf, provider))

	done := make(chan error, 1)
	go func() {
		done <- cli.RunWithArgs(ctx, cmd, []string{cmd.Use, "start", "--home", root,
			"--sync.block_propagation_sleep_duration", "10ms",
			"--sync.recoverable_error_sleep_duration", "10ms"}, nil)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("node did not sync")
	}
}

func TestRunNodeCmdProviderError(t *testing.T) {
	root := t.TempDir()
	conf := clearConfig(t, root)

	errProvider := errors.New("no node for you")
	provider := func(context.Context, *config.Config, log.Logger) (service.Service, error) {
		return nil, errProvider
	}

	cmd := RootCommand(conf)
	cmd.AddCommand(NewRunNodeCmd(conf, provider))

	err := cli.RunWithArgs(context.Background(), cmd, []string{cmd.Use, "start", "--home", root}, nil)
	require.ErrorIs(t, err, errProvider)
}
