package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/maximhar/oh-my-pi/internal/subagent"
)

// NewRunCommand returns the run subcommand.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run one or more tasks through an agent",
		ArgsUsage: "TASK [TASK...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "agent",
				Aliases:  []string{"a"},
				Usage:    "Agent definition to run the tasks with",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "model",
				Aliases: []string{"m"},
				Usage:   "Model id or fuzzy pattern, overrides the agent's model",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Maximum tasks running at once",
			},
			&cli.BoolFlag{
				Name:  "fail-fast",
				Usage: "Stop the batch on the first failed task",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print results as JSON",
			},
			&cli.StringFlag{
				Name:  "cwd",
				Usage: "Working directory for the tasks",
			},
		},
		Action: runRun,
	}
}

func runRun(ctx context.Context, cmd *cli.Command) error {
	taskTexts := cmd.Args().Slice()
	if len(taskTexts) == 0 {
		return fmt.Errorf("at least one task is required")
	}

	stack, err := buildStack(cmd)
	if err != nil {
		return err
	}
	defer stack.close()

	if cmd.IsSet("concurrency") {
		stack.cfg.Subagents.MaxConcurrent = cmd.Int("concurrency")
	}

	var tasks []subagent.Task
	for _, text := range taskTexts {
		tasks = append(tasks, subagent.Task{
			Agent:         cmd.String("agent"),
			Task:          text,
			ModelOverride: cmd.String("model"),
			Cwd:           cmd.String("cwd"),
		})
	}

	asJSON := cmd.Bool("json")
	var onProgress func(subagent.AgentProgress)
	if !asJSON {
		onProgress = func(p subagent.AgentProgress) {
			if p.CurrentTool != "" {
				fmt.Fprintf(os.Stderr, "[%d] %s: %s (%d tools, %d tokens)\n",
					p.Index, p.Status, p.CurrentTool, p.ToolCount, p.Tokens)
			}
		}
	}

	orch := stack.orchestrator(cmd.Bool("fail-fast"), onProgress)
	results, err := orch.RunAll(ctx, tasks)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		printResults(results)
	}

	for _, res := range results {
		if res.ExitCode != 0 {
			return fmt.Errorf("%d of %d tasks failed", countFailed(results), len(results))
		}
	}
	return nil
}

func countFailed(results []subagent.SingleResult) int {
	n := 0
	for _, res := range results {
		if res.ExitCode != 0 {
			n++
		}
	}
	return n
}

func printResults(results []subagent.SingleResult) {
	for _, res := range results {
		header := fmt.Sprintf("task %d (%s)", res.Index, res.TaskID)
		switch {
		case res.Aborted:
			fmt.Printf("%s aborted", header)
		case res.ExitCode != 0:
			fmt.Printf("%s failed: %s", header, res.Error)
		default:
			fmt.Printf("%s completed in %dms, %d tokens ($%.4f)", header,
				res.DurationMs, res.Tokens, res.Usage.Cost.Total)
		}
		if res.Truncated {
			fmt.Print(" [output truncated]")
		}
		fmt.Println()
		if out := strings.TrimSpace(res.Output); out != "" {
			fmt.Println(out)
		}
		fmt.Println()
	}
}
