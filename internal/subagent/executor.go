package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maximhar/oh-my-pi/internal/agents"
	"github.com/maximhar/oh-my-pi/internal/wire"
	"github.com/maximhar/oh-my-pi/internal/worker"
)

// graceTimeout is the hard termination delay after a cooperative abort
// request. A runtime that has not sent Done by then gets a synthesized one.
const graceTimeout = 10 * time.Second

// settleTimeout bounds how long a terminate-after-tool trigger waits for the
// in-flight turn's message end before aborting anyway.
const settleTimeout = 5 * time.Second

// runtime is the executor's view of its worker.
type runtime interface {
	Send(worker.Message) error
	Messages() <-chan worker.Message
}

// ExecOptions configures one Executor.
type ExecOptions struct {
	Runtime    runtime
	Payload    worker.StartPayload
	Tools      *agents.ToolRegistry
	OnProgress func(AgentProgress)
	OnEvent    func(wire.Event)
	Limits     OutputLimits

	// Overridable in tests; zero values mean the package defaults.
	Grace  time.Duration
	Settle time.Duration
}

type completionReport struct {
	status string
	result string
	reason string
}

// Executor owns one task's runtime for its whole lifetime: it dispatches the
// start message, folds events into the progress snapshot, arbitrates the two
// cancellation triggers, and produces the task's single terminal result.
type Executor struct {
	task Task
	opts ExecOptions

	progress   AgentProgress
	usage      wire.Usage
	text       []string
	completion *completionReport

	abortSent        bool
	terminatePending bool
	abortReason      string
}

func NewExecutor(task Task, opts ExecOptions) *Executor {
	if opts.Grace == 0 {
		opts.Grace = graceTimeout
	}
	if opts.Settle == 0 {
		opts.Settle = settleTimeout
	}
	return &Executor{
		task: task,
		opts: opts,
		progress: AgentProgress{
			Index:     task.Index,
			TaskID:    task.TaskID,
			AgentName: task.Agent,
			Status:    StatusRunning,
		},
	}
}

// Run drives the task to completion. It blocks until the runtime's Done
// arrives or the grace period forces termination, and always returns exactly
// one result. ctx cancellation is the signal-abort trigger; Run still waits
// for the runtime to wind down (bounded by the grace period) before
// returning.
func (e *Executor) Run(ctx context.Context) SingleResult {
	started := time.Now()
	e.publishProgress(started)

	if err := e.opts.Runtime.Send(worker.Start{Payload: e.opts.Payload}); err != nil {
		return e.finalize(worker.Done{
			ExitCode: 1,
			Error:    fmt.Sprintf("dispatch failed: %v", err),
		}, started)
	}

	grace := time.NewTimer(e.opts.Grace)
	grace.Stop()
	defer grace.Stop()
	settle := time.NewTimer(e.opts.Settle)
	settle.Stop()
	defer settle.Stop()

	cancelCh := ctx.Done()
	for {
		select {
		case <-cancelCh:
			cancelCh = nil
			e.sendAbort("signal", grace)

		case <-settle.C:
			// The turn never landed; stop waiting for its usage.
			e.sendAbort("terminate", grace)

		case <-grace.C:
			slog.Warn("forcing task termination after grace period",
				"task_id", e.task.TaskID, "reason", e.abortReason)
			return e.finalize(worker.Done{
				ExitCode:   1,
				Aborted:    true,
				Error:      fmt.Sprintf("worker did not stop within %s of abort (%s)", e.opts.Grace, e.abortReason),
				DurationMs: time.Since(started).Milliseconds(),
			}, started)

		case msg := <-e.opts.Runtime.Messages():
			switch m := msg.(type) {
			case worker.EventMsg:
				e.handleEvent(m.Event, started, grace, settle)
			case worker.Done:
				return e.finalize(m, started)
			}
		}
	}
}

// sendAbort raises the cooperative abort once and arms the grace timer.
func (e *Executor) sendAbort(reason string, grace *time.Timer) {
	if e.abortSent {
		return
	}
	e.abortSent = true
	e.abortReason = reason
	e.terminatePending = false
	if err := e.opts.Runtime.Send(worker.Abort{}); err != nil {
		slog.Warn("abort dispatch failed", "task_id", e.task.TaskID, "error", err)
	}
	grace.Reset(e.opts.Grace)
}

func (e *Executor) handleEvent(ev wire.Event, started time.Time, grace, settle *time.Timer) {
	if e.opts.OnEvent != nil {
		e.opts.OnEvent(ev)
	}

	switch ev.Type {
	case wire.EventTextDelta:
		e.progress.noteOutput(ev.Delta)

	case wire.EventToolcallStart:
		if block := blockAt(ev); block != nil {
			e.progress.noteTool(block.Name)
		}

	case wire.EventToolcallEnd:
		e.progress.CurrentTool = ""
		if block := blockAt(ev); block != nil {
			e.handleToolEnd(block, ev, settle)
		}

	case wire.EventDone:
		e.handleMessageEnd(ev, grace, settle)
	}

	e.publishProgress(started)
}

func (e *Executor) handleToolEnd(block *wire.ContentBlock, ev wire.Event, settle *time.Timer) {
	if block.Name == worker.CompletionTool {
		e.completion = parseCompletion(block.Arguments)
	}
	if e.opts.Tools == nil {
		return
	}
	handler, ok := e.opts.Tools.Handler(block.Name)
	if !ok {
		return
	}
	if handler.ExtractData != nil {
		if value, ok := handler.ExtractData(ev); ok {
			e.progress.extract(block.Name, value)
		}
	}
	if handler.ShouldTerminate != nil && handler.ShouldTerminate(ev) && !e.abortSent && !e.terminatePending {
		// Let the current turn land first so its usage is counted.
		e.terminatePending = true
		settle.Reset(e.opts.Settle)
	}
}

// handleMessageEnd folds the finished turn's usage and text, then fires any
// deferred terminate trigger now that authoritative usage has arrived.
func (e *Executor) handleMessageEnd(ev wire.Event, grace, settle *time.Timer) {
	msg := ev.Message
	if msg != nil && msg.StopReason != wire.StopReasonAborted && msg.StopReason != wire.StopReasonError {
		e.usage.Add(msg.Usage)
		e.progress.Tokens = e.usage.TotalTokens
		if text := msg.Text(); text != "" {
			e.text = append(e.text, text)
		}
	}
	if e.terminatePending {
		settle.Stop()
		e.sendAbort("terminate", grace)
	}
}

func blockAt(ev wire.Event) *wire.ContentBlock {
	if ev.Message == nil || ev.ContentIndex < 0 || ev.ContentIndex >= len(ev.Message.Content) {
		return nil
	}
	return ev.Message.Content[ev.ContentIndex]
}

func parseCompletion(args map[string]any) *completionReport {
	report := &completionReport{}
	if s, ok := args["status"].(string); ok {
		report.status = s
	}
	if s, ok := args["result"].(string); ok {
		report.result = s
	}
	if s, ok := args["reason"].(string); ok {
		report.reason = s
	}
	return report
}

func (e *Executor) publishProgress(started time.Time) {
	if e.opts.OnProgress == nil {
		return
	}
	e.progress.DurationMs = time.Since(started).Milliseconds()
	e.opts.OnProgress(e.progress.snapshot())
}

// finalize assembles the single terminal result from the Done message and
// everything folded from the event stream.
func (e *Executor) finalize(done worker.Done, started time.Time) SingleResult {
	duration := done.DurationMs
	if duration == 0 {
		duration = time.Since(started).Milliseconds()
	}

	result := SingleResult{
		Index:             e.task.Index,
		TaskID:            e.task.TaskID,
		ExitCode:          done.ExitCode,
		Stderr:            done.Error,
		DurationMs:        duration,
		Tokens:            e.usage.TotalTokens,
		Usage:             e.usage,
		Error:             done.Error,
		Aborted:           done.Aborted,
		ExtractedToolData: e.progress.ExtractedToolData,
	}

	output := e.assembleOutput(done)
	result.Output, result.Truncated = truncate(output, e.opts.Limits)

	switch {
	case done.Aborted:
		e.progress.Status = StatusAborted
	case done.ExitCode != 0 || done.Error != "":
		e.progress.Status = StatusFailed
	default:
		e.progress.Status = StatusCompleted
	}
	e.progress.CurrentTool = ""
	e.publishProgress(started)

	return result
}

func (e *Executor) assembleOutput(done worker.Done) string {
	if e.completion != nil {
		// A tool-reported abort is a graceful decline, not a failure.
		if e.completion.status == "aborted" {
			return e.completion.reason
		}
		return e.completion.result
	}
	accumulated := joinText(e.text)
	if done.Aborted || done.Error != "" {
		return accumulated
	}
	return incompleteWarning + accumulated
}

func joinText(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}
