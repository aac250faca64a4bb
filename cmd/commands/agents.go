package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"
)

// NewAgentsCommand returns the agents subcommand.
func NewAgentsCommand() *cli.Command {
	return &cli.Command{
		Name:   "agents",
		Usage:  "List available agent definitions",
		Action: runAgents,
	}
}

func runAgents(_ context.Context, cmd *cli.Command) error {
	stack, err := buildStack(cmd)
	if err != nil {
		return err
	}
	defer stack.close()

	names := stack.agents.Names()
	if len(names) == 0 {
		fmt.Println("no agent definitions found")
		return nil
	}
	for _, name := range names {
		def, err := stack.agents.Get(name)
		if err != nil {
			continue
		}
		line := name
		if def.Description != "" {
			line += "  " + def.Description
		}
		if len(def.Tools) > 0 {
			line += "  [" + strings.Join(def.Tools, ", ") + "]"
		}
		fmt.Println(line)
	}
	return nil
}
