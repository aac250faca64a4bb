package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// NewModelsCommand returns the models subcommand.
func NewModelsCommand() *cli.Command {
	return &cli.Command{
		Name:   "models",
		Usage:  "List known models and their pricing",
		Action: runModels,
	}
}

func runModels(_ context.Context, cmd *cli.Command) error {
	stack, err := buildStack(cmd)
	if err != nil {
		return err
	}
	defer stack.close()

	def, err := stack.models.Default()
	if err != nil {
		return err
	}
	for _, m := range stack.models.List() {
		marker := " "
		if m.ID == def.ID {
			marker = "*"
		}
		fmt.Printf("%s %-22s ctx %7d  in $%.2f/MTok  out $%.2f/MTok\n",
			marker, m.ID, m.ContextWindow, m.Pricing.InputPerMTok, m.Pricing.OutputPerMTok)
	}
	return nil
}
