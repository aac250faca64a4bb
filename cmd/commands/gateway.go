package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/maximhar/oh-my-pi/internal/gateway"
)

// NewGatewayCommand returns the gateway subcommand.
func NewGatewayCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Start the omp gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runGateway,
	}
}

func runGateway(ctx context.Context, cmd *cli.Command) error {
	stack, err := buildStack(cmd)
	if err != nil {
		return err
	}
	defer stack.close()

	if cmd.IsSet("host") {
		stack.cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		stack.cfg.Gateway.Port = cmd.Int("port")
	}

	orch := stack.orchestrator(false, nil)
	srv := gateway.NewServer(stack.bus, orch, stack.agents, stack.models,
		stack.cfg.Gateway.Host, stack.cfg.Gateway.Port)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
