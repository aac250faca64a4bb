package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maximhar/oh-my-pi/internal/agents"
	"github.com/maximhar/oh-my-pi/internal/artifacts"
	"github.com/maximhar/oh-my-pi/internal/config"
	"github.com/maximhar/oh-my-pi/internal/events"
	"github.com/maximhar/oh-my-pi/internal/parallel"
	"github.com/maximhar/oh-my-pi/internal/session"
	"github.com/maximhar/oh-my-pi/internal/wire"
	"github.com/maximhar/oh-my-pi/internal/worker"
)

// SessionBuilder opens the agent session backing one worker runtime.
type SessionBuilder func(ctx context.Context, payload worker.StartPayload) (session.Session, error)

// Options wires an Orchestrator to its collaborators. Agents and Sessions
// are required; the rest are optional.
type Options struct {
	Config   config.SubagentsConfig
	Agents   *agents.Registry
	Tools    *agents.ToolRegistry
	Bus      *events.Bus
	Sink     *artifacts.Sink
	Sessions SessionBuilder

	// FailFast stops dispatching on the first failed task and returns that
	// task's error instead of the result array.
	FailFast bool

	// OnProgress additionally receives every progress snapshot, for direct
	// rendering.
	OnProgress func(AgentProgress)
}

// Orchestrator fans a batch of tasks out to concurrent executors and gathers
// results back in input order.
type Orchestrator struct {
	opts Options
}

func NewOrchestrator(opts Options) *Orchestrator {
	return &Orchestrator{opts: opts}
}

// RunAll executes the batch with the configured concurrency ceiling. The
// returned slice has one result per task, in input order, regardless of
// completion order. Without FailFast, per-task failures live inside their
// results and err is non-nil only on batch-level cancellation.
func (o *Orchestrator) RunAll(ctx context.Context, tasks []Task) ([]SingleResult, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	for i := range tasks {
		tasks[i].Index = i
		if tasks[i].TaskID == "" {
			tasks[i].TaskID = uuid.NewString()
		}
	}

	batchID := uuid.NewString()
	started := time.Now()
	o.publish(batchID, events.BatchStartedPayload{
		BatchID:     batchID,
		TaskCount:   len(tasks),
		Concurrency: o.opts.Config.MaxConcurrent,
	})
	slog.Info("batch started", "batch_id", batchID, "tasks", len(tasks))

	results, err := parallel.Map(ctx, tasks, o.opts.Config.MaxConcurrent,
		func(ctx context.Context, i int, task Task) (SingleResult, error) {
			res := o.runOne(ctx, batchID, task)
			if o.opts.FailFast && res.ExitCode != 0 && !res.Aborted {
				return res, fmt.Errorf("task %s failed: %s", res.TaskID, res.Error)
			}
			return res, nil
		})

	failed, aborted := 0, 0
	for _, r := range results {
		switch {
		case r.Aborted:
			aborted++
		case r.ExitCode != 0:
			failed++
		}
	}
	o.publish(batchID, events.BatchCompletedPayload{
		BatchID:    batchID,
		DurationMs: time.Since(started).Milliseconds(),
		Failed:     failed,
		Aborted:    aborted,
	})
	slog.Info("batch completed", "batch_id", batchID,
		"duration", time.Since(started), "failed", failed, "aborted", aborted)

	if err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) runOne(ctx context.Context, batchID string, task Task) SingleResult {
	def, err := o.opts.Agents.Get(task.Agent)
	if err != nil {
		res := SingleResult{
			Index:    task.Index,
			TaskID:   task.TaskID,
			ExitCode: 1,
			Error:    err.Error(),
		}
		o.publish(batchID, events.TaskFailedPayload{Index: task.Index, TaskID: task.TaskID, Error: res.Error})
		return res
	}

	payload := worker.StartPayload{
		Cwd:          task.Cwd,
		Task:         composePrompt(task),
		SystemPrompt: def.SystemPrompt,
		Model:        task.ModelOverride,
		ToolNames:    def.Tools,
		OutputSchema: task.OutputSchema,
	}
	if payload.Model == "" {
		payload.Model = def.Model
	}

	o.publish(batchID, events.TaskStartedPayload{Index: task.Index, TaskID: task.TaskID, Agent: task.Agent})

	var paths []string
	if o.opts.Sink != nil {
		if p := o.opts.Sink.WriteInput(batchID, task.TaskID, payload.Task); p != "" {
			paths = append(paths, p)
		}
	}

	rt := worker.NewRuntime(worker.SessionFactory(o.opts.Sessions))
	exec := NewExecutor(task, ExecOptions{
		Runtime: rt,
		Payload: payload,
		Tools:   o.opts.Tools,
		Limits: OutputLimits{
			MaxBytes: o.opts.Config.OutputMaxBytes,
			MaxLines: o.opts.Config.OutputMaxLines,
		},
		OnProgress: func(p AgentProgress) {
			o.publish(batchID, progressPayload(p))
			if o.opts.OnProgress != nil {
				o.opts.OnProgress(p)
			}
		},
		OnEvent: func(ev wire.Event) {
			o.publish(batchID, events.StreamEventPayload{Index: task.Index, TaskID: task.TaskID, Event: ev})
			if o.opts.Sink != nil {
				o.opts.Sink.AppendEvent(batchID, task.TaskID, ev)
			}
		},
	})

	res := exec.Run(ctx)

	if o.opts.Sink != nil {
		if p := o.opts.Sink.WriteOutput(batchID, task.TaskID, res.Output); p != "" {
			paths = append(paths, p)
		}
		o.opts.Sink.CloseTask(batchID, task.TaskID)
	}
	res.ArtifactPaths = paths

	switch {
	case res.Aborted:
		o.publish(batchID, events.TaskAbortedPayload{Index: task.Index, TaskID: task.TaskID, Reason: res.Error})
	case res.ExitCode != 0:
		o.publish(batchID, events.TaskFailedPayload{Index: task.Index, TaskID: task.TaskID, Error: res.Error})
	default:
		o.publish(batchID, events.TaskCompletedPayload{
			Index:      task.Index,
			TaskID:     task.TaskID,
			ExitCode:   res.ExitCode,
			DurationMs: res.DurationMs,
			Tokens:     res.Tokens,
			Truncated:  res.Truncated,
		})
	}
	return res
}

func (o *Orchestrator) publish(batchID string, payload events.Payload) {
	if o.opts.Bus != nil {
		o.opts.Bus.Publish(events.New(batchID, payload))
	}
}

func progressPayload(p AgentProgress) events.TaskProgressPayload {
	return events.TaskProgressPayload{
		Index:        p.Index,
		TaskID:       p.TaskID,
		Status:       string(p.Status),
		CurrentTool:  p.CurrentTool,
		RecentTools:  p.RecentTools,
		RecentOutput: p.RecentOutput,
		ToolCount:    p.ToolCount,
		Tokens:       p.Tokens,
		DurationMs:   p.DurationMs,
	}
}

func composePrompt(task Task) string {
	if task.Context == "" {
		return task.Task
	}
	return task.Context + "\n\n" + task.Task
}
