package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starkline/diffsync/config"
	"github.com/starkline/diffsync/libs/cli"
	dsos "github.com/starkline/diffsync/libs/os"
)

// writeConfigVals writes a toml file with the given values.
// It returns an error if writing was impossible.
func writeConfigVals(dir string, vals map[string]string) error {
	data := ""
	for k, v := range vals {
		data += fmt.Sprintf("%s = \"%s\"\n", k, v)
	}
	cfile := filepath.Join(dir, "config.toml")
	return os.WriteFile(cfile, []byte(data), 0600)
}

// clearConfig clears env vars, the given root dir, and resets viper.
func clearConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	require.NoError(t, os.Unsetenv("DSHOME"))
	require.NoError(t, os.Unsetenv("DS_HOME"))
	require.NoError(t, os.Unsetenv("DS_LOG_LEVEL"))
	require.NoError(t, os.RemoveAll(dir))

	viper.Reset()
	conf := config.DefaultConfig()
	conf.SetRoot(dir)

	return conf
}

// prepare new rootCmd
func testRootCmd(conf *config.Config) *cobra.Command {
	cmd := RootCommand(conf)
	cmd.RunE = func(cmd *cobra.Command, args []string) error { return nil }
	var l string
	cmd.PersistentFlags().String("log", l, "Log")
	return cmd
}

func testSetup(ctx context.Context, t *testing.T, conf *config.Config, args []string, env map[string]string) error {
	t.Helper()

	cmd := testRootCmd(conf)

	// run with the args and env
	args = append([]string{cmd.Use}, args...)
	return cli.RunWithArgs(ctx, cmd, args, env)
}

func TestRootHome(t *testing.T) {
	root := t.TempDir()
	newRoot := filepath.Join(root, "something-else")
	envRoot := filepath.Join(root, "from-env")
	cases := []struct {
		args []string
		env  map[string]string
		root string
	}{
		{[]string{"--home", newRoot}, nil, newRoot},
		{nil, map[string]string{"DSHOME": envRoot}, envRoot},
		{nil, map[string]string{"DS_HOME": envRoot}, envRoot},
		{[]string{"--home", newRoot}, map[string]string{"DS_HOME": envRoot}, newRoot},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, tc := range cases {
		tc := tc
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			conf := clearConfig(t, tc.root)

			err := testSetup(ctx, t, conf, tc.args, tc.env)
			require.NoError(t, err)

			require.Equal(t, tc.root, conf.RootDir)
			require.Equal(t, filepath.Join(tc.root, "data"), conf.DBDir())
			require.DirExists(t, filepath.Join(tc.root, "config"))
		})
	}
}

func TestRootFlagsEnv(t *testing.T) {
	// defaults
	defaults := config.DefaultConfig()
	defaultDir := t.TempDir()

	defaultLogLvl := defaults.LogLevel

	cases := []struct {
		args     []string
		env      map[string]string
		logLevel string
	}{
		{[]string{"--log", "debug"}, nil, defaultLogLvl}, // wrong flag
		{[]string{"--log_level", "debug"}, nil, "debug"}, // right flag
		{nil, map[string]string{"DS_LOG_LEVEL": "error"}, "error"},
		// flag over env
		{[]string{"--log_level", "debug"}, map[string]string{"DS_LOG_LEVEL": "error"}, "debug"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, tc := range cases {
		tc := tc
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			conf := clearConfig(t, defaultDir)

			args := append([]string{"--home", defaultDir}, tc.args...)
			err := testSetup(ctx, t, conf, args, tc.env)
			require.NoError(t, err)

			assert.Equal(t, tc.logLevel, conf.LogLevel)
		})
	}
}

func TestRootConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// write non-default config
	nonDefaultLogLvl := "debug"
	cvals := map[string]string{
		"log_level": nonDefaultLogLvl,
	}

	cases := []struct {
		args   []string
		env    map[string]string
		logLvl string
	}{
		{nil, nil, nonDefaultLogLvl},                // should load config
		{[]string{"--log_level=warn"}, nil, "warn"}, // flag over rides
	}

	for i, tc := range cases {
		tc := tc
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			defaultRoot := t.TempDir()
			conf := clearConfig(t, defaultRoot)

			configFilePath := filepath.Join(defaultRoot, "config")
			require.NoError(t, dsos.EnsureDir(configFilePath, 0700))

			// write the non-defaults to a different path
			require.NoError(t, writeConfigVals(configFilePath, cvals))

			args := append([]string{"--home", defaultRoot}, tc.args...)
			err := testSetup(ctx, t, conf, args, tc.env)
			require.NoError(t, err)

			require.Equal(t, tc.logLvl, conf.LogLevel)
		})
	}
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	root := t.TempDir()
	conf := clearConfig(t, root)

	err := testSetup(context.Background(), t, conf, []string{"--home", root, "--log_format", "xml"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error in config file")
}
