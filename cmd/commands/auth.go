package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/maximhar/oh-my-pi/internal/config"
	"github.com/maximhar/oh-my-pi/internal/models"
)

// NewAuthCommand returns the auth subcommand.
func NewAuthCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Manage provider credentials",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Store an API key (read from stdin), encrypted at rest",
				ArgsUsage: "PROVIDER",
				Action:    runAuthSet,
			},
		},
	}
}

func runAuthSet(_ context.Context, cmd *cli.Command) error {
	provider := cmd.Args().First()
	if provider == "" {
		provider = "anthropic"
	}

	fmt.Fprintf(os.Stderr, "Enter API key for %s: ", provider)
	reader := bufio.NewReader(os.Stdin)
	key, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("empty key")
	}

	auth := models.NewAuthStorage(config.CredentialsPath(), config.AgeKeyPath())
	if err := auth.Store(provider, key); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "stored credentials for %s\n", provider)
	return nil
}
