package main

import (
	"context"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.org/spindle/log"
	"tangled.org/spindle/spindle"
)

func main() {
	cmd := &cli.Command{
		Name:    "spindle",
		Usage:   "run CI workflows locally or as a daemon",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			spindle.RunCommand(),
			spindle.ServeCommand(),
			spindle.StatusCommand(),
			spindle.LogsCommand(),
			spindle.SecretCommand(),
		},
	}

	ctx := context.Background()
	logger := log.New("spindle")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(spindle.ExitInternal)
	}
}
