package main

import (
	"context"
	"os"

	"github.com/starkline/diffsync/cmd/diffsync/commands"
	"github.com/starkline/diffsync/config"
	"github.com/starkline/diffsync/libs/cli"
	"github.com/starkline/diffsync/node"
)

func main() {
	ctx := context.Background()

	conf := config.DefaultConfig()

	rootCmd := commands.RootCommand(conf)
	rootCmd.AddCommand(
		commands.NewInitCmd(conf),
		commands.NewMarkersCmd(conf),
		commands.NewOmmersCmd(conf),
		commands.VersionCmd,
	)

	// NOTE:
	// Users wishing to:
	//	* Use an external source
	//	* Use an external DB
	// can copy this file and swap node.NewDefault for their own
	// config.ServiceProvider.
	rootCmd.AddCommand(commands.NewRunNodeCmd(conf, node.NewDefault))

	if err := cli.RunWithTrace(ctx, rootCmd); err != nil {
		os.Exit(1)
	}
}
