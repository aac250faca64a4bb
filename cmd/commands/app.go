package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/maximhar/oh-my-pi/internal/agents"
	"github.com/maximhar/oh-my-pi/internal/artifacts"
	"github.com/maximhar/oh-my-pi/internal/config"
	"github.com/maximhar/oh-my-pi/internal/events"
	"github.com/maximhar/oh-my-pi/internal/models"
	"github.com/maximhar/oh-my-pi/internal/session"
	"github.com/maximhar/oh-my-pi/internal/subagent"
	"github.com/maximhar/oh-my-pi/internal/worker"
)

// appStack is everything a command needs, wired once at startup.
type appStack struct {
	cfg    *config.Config
	bus    *events.Bus
	agents *agents.Registry
	models *models.Registry
	sink   *artifacts.Sink
}

func buildStack(cmd *cli.Command) (*appStack, error) {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	agentReg := agents.NewRegistry()
	agentsDir := cfg.Subagents.AgentsDir
	if agentsDir == "" {
		agentsDir = filepath.Join(config.OmpPath(), "agents")
	}
	if err := agentReg.LoadDir(agentsDir); err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}

	auth := models.NewAuthStorage(config.CredentialsPath(), config.AgeKeyPath())
	modelReg := models.NewRegistry(cfg.Models, auth)

	stack := &appStack{
		cfg:    cfg,
		bus:    events.NewBus(cfg.Events.BufferSize),
		agents: agentReg,
		models: modelReg,
	}
	if cfg.Artifacts.Enabled {
		dir := cfg.Artifacts.Dir
		if dir == "" {
			dir = filepath.Join(config.OmpPath(), "artifacts")
		}
		stack.sink = artifacts.NewSink(dir)
	}
	return stack, nil
}

func (s *appStack) close() {
	s.bus.Close()
}

func (s *appStack) orchestrator(failFast bool, onProgress func(subagent.AgentProgress)) *subagent.Orchestrator {
	return subagent.NewOrchestrator(subagent.Options{
		Config:     s.cfg.Subagents,
		Agents:     s.agents,
		Tools:      agents.NewToolRegistry(),
		Bus:        s.bus,
		Sink:       s.sink,
		Sessions:   s.sessionBuilder(),
		FailFast:   failFast,
		OnProgress: onProgress,
	})
}

// sessionBuilder opens real provider-backed sessions for worker runtimes.
func (s *appStack) sessionBuilder() subagent.SessionBuilder {
	return func(ctx context.Context, payload worker.StartPayload) (session.Session, error) {
		model, err := s.models.Resolve(payload.Model)
		if err != nil {
			return nil, err
		}
		client, err := s.models.Client()
		if err != nil {
			return nil, err
		}
		return session.NewWithClient(client, session.Options{
			Model:     model.ID,
			MaxTokens: s.models.MaxTokensFor(model),
			Pricing:   model.Pricing,
			System:    payload.SystemPrompt,
			Tools:     worker.CompletionRunner{Schema: payload.OutputSchema},
		}), nil
	}
}
