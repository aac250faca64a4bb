package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/maximhar/oh-my-pi/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "omp",
		Usage: "Run batches of delegated agent tasks concurrently",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewRunCommand(),
			NewAgentsCommand(),
			NewModelsCommand(),
			NewGatewayCommand(),
			NewAuthCommand(),
		},
	}
}
