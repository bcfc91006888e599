package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starkline/diffsync/config"
	"github.com/starkline/diffsync/libs/cli"
	"github.com/starkline/diffsync/types"
)

func hash(v uint64) types.BlockHash { return types.FeltFromUint64(v) }

// seedStore writes three headers and two state diffs to the database under
// root, then reverts the last two blocks into ommer storage.
func seedStore(t *testing.T, root string) {
	t.Helper()

	conf := config.DefaultConfig().SetRoot(root)
	config.EnsureRoot(root)

	s, err := openStore(conf)
	require.NoError(t, err)
	defer s.Close()

	txn, err := s.BeginWriteTxn()
	require.NoError(t, err)
	defer txn.Discard()

	var parent types.BlockHash
	for n := uint64(0); n < 3; n++ {
		require.NoError(t, txn.AppendHeader(&types.BlockHeader{
			BlockHash:   hash(0xA0 + n),
			ParentHash:  parent,
			BlockNumber: types.BlockNumber(n),
		}))
		parent = hash(0xA0 + n)
	}
	for n := uint64(0); n < 2; n++ {
		require.NoError(t, txn.AppendStateDiff(types.BlockNumber(n), &types.StateDiff{
			Nonces: []types.ContractNonce{{Address: hash(n + 1), Nonce: hash(7)}},
		}, nil))
	}
	require.NoError(t, txn.RevertHeader(2))
	require.NoError(t, txn.RevertStateDiff(1))
	require.NoError(t, txn.RevertHeader(1))
	require.NoError(t, txn.Commit())
}

func runCmd(t *testing.T, conf *config.Config, args ...string) (string, error) {
	t.Helper()

	cmd := RootCommand(conf)
	cmd.AddCommand(NewInitCmd(conf), NewMarkersCmd(conf), NewOmmersCmd(conf), VersionCmd)

	var out bytes.Buffer
	cmd.SetOut(&out)
	err := cli.RunWithArgs(context.Background(), cmd, append([]string{cmd.Use}, args...), nil)
	return out.String(), err
}

func TestInitCmd(t *testing.T) {
	root := t.TempDir()
	conf := clearConfig(t, root)

	_, err := runCmd(t, conf, "init", "--home", root)
	require.NoError(t, err)

	path := config.ConfigFilePath(root)
	var decoded map[string]interface{}
	_, err = toml.DecodeFile(path, &decoded)
	require.NoError(t, err)
	assert.Equal(t, conf.LogLevel, decoded["log_level"])

	// an existing file is left alone
	require.NoError(t, writeConfigVals(root+"/config", map[string]string{"moniker": "kept"}))
	conf = clearConfig(t, t.TempDir())
	_, err = runCmd(t, conf, "init", "--home", root)
	require.NoError(t, err)

	_, err = toml.DecodeFile(path, &decoded)
	require.NoError(t, err)
	assert.Equal(t, "kept", decoded["moniker"])
}

func TestMarkersCmd(t *testing.T) {
	root := t.TempDir()
	seedStore(t, root)

	out, err := runCmd(t, clearConfig(t, t.TempDir()), "markers", "--home", root)
	require.NoError(t, err)

	var markers struct {
		HeaderMarker uint64 `json:"header_marker"`
		StateMarker  uint64 `json:"state_marker"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &markers))
	assert.EqualValues(t, 1, markers.HeaderMarker)
	assert.EqualValues(t, 1, markers.StateMarker)
}

func TestOmmersCmd(t *testing.T) {
	root := t.TempDir()
	seedStore(t, root)

	t.Run("list", func(t *testing.T) {
		out, err := runCmd(t, clearConfig(t, t.TempDir()), "ommers", "--home", root)
		require.NoError(t, err)

		var hashes []types.BlockHash
		require.NoError(t, json.Unmarshal([]byte(out), &hashes))
		assert.Equal(t, []types.BlockHash{hash(0xA1)}, hashes)
	})

	t.Run("show with state diff", func(t *testing.T) {
		out, err := runCmd(t, clearConfig(t, t.TempDir()), "ommers", hash(0xA1).String(), "--home", root)
		require.NoError(t, err)

		var ommer struct {
			Header      *types.BlockHeader `json:"header"`
			BlockNumber *uint64            `json:"block_number"`
			StateDiff   *types.StateDiff   `json:"state_diff"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &ommer))
		require.NotNil(t, ommer.Header)
		assert.Equal(t, hash(0xA1), ommer.Header.BlockHash)
		require.NotNil(t, ommer.BlockNumber)
		assert.EqualValues(t, 1, *ommer.BlockNumber)
		require.NotNil(t, ommer.StateDiff)
		assert.Len(t, ommer.StateDiff.Nonces, 1)
	})

	t.Run("show header only", func(t *testing.T) {
		out, err := runCmd(t, clearConfig(t, t.TempDir()), "ommers", hash(0xA2).String(), "--home", root)
		require.NoError(t, err)
		assert.NotContains(t, out, "state_diff")
		assert.Contains(t, out, hash(0xA2).String())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := runCmd(t, clearConfig(t, t.TempDir()), "ommers", "0xdead", "--home", root)
		require.Error(t, err)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := runCmd(t, clearConfig(t, t.TempDir()), "ommers", "nothex", "--home", root)
		require.Error(t, err)
	})
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, clearConfig(t, t.TempDir()), "version")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}
