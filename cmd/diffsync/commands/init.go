package commands

import (
	"github.com/spf13/cobra"

	"github.com/starkline/diffsync/config"
	dsos "github.com/starkline/diffsync/libs/os"
)

// NewInitCmd returns the command writing a default config file to the home
// directory.
func NewInitCmd(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initializes a diffsync home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initFiles(conf)
		},
	}
}

func initFiles(conf *config.Config) error {
	config.EnsureRoot(conf.RootDir)

	path := config.ConfigFilePath(conf.RootDir)
	if dsos.FileExists(path) {
		logger.Info("Found config file", "path", path)
		return nil
	}

	if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
		return err
	}
	logger.Info("Generated config file", "path", path)
	return nil
}
