package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/starkline/diffsync/config"
	"github.com/starkline/diffsync/internal/store"
	"github.com/starkline/diffsync/node"
	"github.com/starkline/diffsync/types"
)

func openStore(conf *config.Config) (*store.Store, error) {
	db, err := config.DefaultDBProvider(&config.DBContext{ID: node.DBID, Config: conf})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return store.NewStore(db), nil
}

func printJSON(w io.Writer, v interface{}) error {
	bz, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(bz))
	return err
}

// NewMarkersCmd returns the command printing the header and state markers
// of the store.
func NewMarkersCmd(conf *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "markers",
		Short: "Show how far headers and state diffs have been synced",
		Long: `Show the header marker and the state marker: the first block without a
stored header and the first block without a stored state diff.
The node must not be running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(conf)
			if err != nil {
				return err
			}
			defer s.Close()

			txn, err := s.BeginReadTxn()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				HeaderMarker types.BlockNumber `json:"header_marker"`
				StateMarker  types.BlockNumber `json:"state_marker"`
			}{txn.HeaderMarker(), txn.StateMarker()})
		},
	}
	addDBFlags(cmd, conf)
	return cmd
}

// NewOmmersCmd returns the command listing ommer state diffs, or showing
// the one recorded under a block hash.
func NewOmmersCmd(conf *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ommers [block-hash]",
		Short: "List the stored ommer blocks or show one of them",
		Long: `Without arguments, list the hashes of all blocks stored as ommers.
With a block hash, show its ommer header and ommer state diff.
The node must not be running.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(conf)
			if err != nil {
				return err
			}
			defer s.Close()

			txn, err := s.BeginReadTxn()
			if err != nil {
				return err
			}

			if len(args) == 0 {
				hashes, err := txn.OmmerHashes()
				if err != nil {
					return err
				}
				if hashes == nil {
					hashes = []types.BlockHash{}
				}
				return printJSON(cmd.OutOrStdout(), hashes)
			}

			hash, err := types.FeltFromHex(args[0])
			if err != nil {
				return fmt.Errorf("invalid block hash: %w", err)
			}
			header, err := txn.OmmerHeader(hash)
			if err != nil {
				return err
			}
			diff, err := txn.OmmerStateDiff(hash)
			if err != nil {
				return err
			}
			if header == nil && diff == nil {
				return fmt.Errorf("no ommer stored under %v", hash)
			}

			out := struct {
				Header      *types.BlockHeader       `json:"header,omitempty"`
				BlockNumber *types.BlockNumber       `json:"block_number,omitempty"`
				StateDiff   *types.StateDiff         `json:"state_diff,omitempty"`
				Classes     types.ClassDefinitionSet `json:"classes,omitempty"`
			}{Header: header}
			if diff != nil {
				out.BlockNumber = &diff.BlockNumber
				out.StateDiff = diff.StateDiff
				out.Classes = diff.Classes
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	addDBFlags(cmd, conf)
	return cmd
}
