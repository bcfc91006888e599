package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/starkline/diffsync/config"
	"github.com/starkline/diffsync/libs/service"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a diffsync node
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String("moniker", conf.Moniker, "node name")

	cmd.Flags().String("source.url", conf.Source.URL, "feeder gateway URL")
	cmd.Flags().Int("source.concurrent_requests", conf.Source.ConcurrentRequests,
		"blocks fetched ahead of the one being processed")
	cmd.Flags().Duration("source.request_timeout", conf.Source.RequestTimeout,
		"timeout of a single feeder gateway request")

	cmd.Flags().Duration("sync.block_propagation_sleep_duration", conf.Sync.BlockPropagationSleepDuration,
		"wait between polls once caught up")
	cmd.Flags().Duration("sync.recoverable_error_sleep_duration", conf.Sync.RecoverableErrorSleepDuration,
		"wait before retrying after an error")
	cmd.Flags().Int("sync.max_structural_skips", conf.Sync.MaxStructuralSkips,
		"give up after skipping the same block this many times in a row (0 - never)")

	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus,
		"serve Prometheus metrics")

	addDBFlags(cmd, conf)
}

func addDBFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String(
		"db_backend",
		conf.DBBackend,
		"database backend: goleveldb | cleveldb | boltdb | rocksdb | badgerdb | memdb")
	cmd.Flags().String(
		"db_dir",
		conf.DBPath,
		"database directory")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
// It can be used with a custom node provider.
func NewRunNodeCmd(conf *config.Config, nodeProvider config.ServiceProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the diffsync node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			n, err := nodeProvider(ctx, conf, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("started node", "node", n.String())

			return waitForNode(ctx, cancel, n)
		},
	}

	AddNodeFlags(cmd, conf)
	return cmd
}

// stoppable is satisfied by *node.Node.
type stoppable interface {
	Done() <-chan struct{}
	Err() error
}

// waitForNode blocks until ctx ends or the node stops syncing on its own,
// then stops the node.
func waitForNode(ctx context.Context, cancel context.CancelFunc, n service.Service) error {
	var err error
	if s, ok := n.(stoppable); ok {
		select {
		case <-ctx.Done():
		case <-s.Done():
			err = s.Err()
		}
	} else {
		<-ctx.Done()
	}

	cancel()
	n.Wait()
	if err != nil {
		return fmt.Errorf("node stopped: %w", err)
	}
	logger.Info("node stopped")
	return nil
}
