package subagent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maximhar/oh-my-pi/internal/agents"
	"github.com/maximhar/oh-my-pi/internal/wire"
	"github.com/maximhar/oh-my-pi/internal/worker"
)

// fakeRuntime records inbound messages and lets the test script outbound
// ones. onAbort, when set, runs once on the first Abort.
type fakeRuntime struct {
	mu      sync.Mutex
	sent    []worker.Message
	out     chan worker.Message
	onAbort func()
	aborted bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{out: make(chan worker.Message, 64)}
}

func (f *fakeRuntime) Send(m worker.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	fire := false
	if _, ok := m.(worker.Abort); ok && !f.aborted {
		f.aborted = true
		fire = f.onAbort != nil
	}
	f.mu.Unlock()
	if fire {
		f.onAbort()
	}
	return nil
}

func (f *fakeRuntime) Messages() <-chan worker.Message { return f.out }

func (f *fakeRuntime) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if _, ok := m.(worker.Abort); ok {
			n++
		}
	}
	return n
}

func (f *fakeRuntime) emit(ev wire.Event) {
	f.out <- worker.EventMsg{Event: ev}
}

func (f *fakeRuntime) done(d worker.Done) {
	f.out <- d
}

func newMsg() *wire.AssistantMessage {
	return &wire.AssistantMessage{Role: "assistant", Timestamp: time.Now()}
}

// appendTool grows the message with a tool-call block and returns the
// start/end event pair for it.
func appendTool(msg *wire.AssistantMessage, name string, args map[string]any) (wire.Event, wire.Event) {
	idx := len(msg.Content)
	msg.Content = append(msg.Content, &wire.ContentBlock{
		Kind: wire.BlockToolCall, ID: "tu_1", Name: name, Arguments: args,
	})
	return wire.Event{Type: wire.EventToolcallStart, ContentIndex: idx, Message: msg},
		wire.Event{Type: wire.EventToolcallEnd, ContentIndex: idx, Message: msg}
}

func appendText(msg *wire.AssistantMessage, text string) wire.Event {
	idx := len(msg.Content)
	msg.Content = append(msg.Content, &wire.ContentBlock{Kind: wire.BlockText, Text: text})
	return wire.Event{Type: wire.EventTextDelta, ContentIndex: idx, Delta: text, Message: msg}
}

func endMsg(msg *wire.AssistantMessage, reason wire.StopReason, input, output int) wire.Event {
	msg.StopReason = reason
	msg.Usage = wire.Usage{Input: input, Output: output, TotalTokens: input + output}
	return wire.Event{Type: wire.EventDone, Message: msg}
}

func newExec(task Task, rt *fakeRuntime, tools *agents.ToolRegistry, onProgress func(AgentProgress)) *Executor {
	return NewExecutor(task, ExecOptions{
		Runtime:    rt,
		Payload:    worker.StartPayload{Task: task.Task},
		Tools:      tools,
		OnProgress: onProgress,
		Limits:     OutputLimits{MaxBytes: 10_000, MaxLines: 100},
		Grace:      200 * time.Millisecond,
		Settle:     100 * time.Millisecond,
	})
}

func TestExecutorCompletionToolResult(t *testing.T) {
	rt := newFakeRuntime()
	var mu sync.Mutex
	var statuses []Status
	exec := newExec(Task{Index: 2, TaskID: "t-2", Agent: "explorer", Task: "explore"}, rt, nil,
		func(p AgentProgress) {
			mu.Lock()
			statuses = append(statuses, p.Status)
			mu.Unlock()
		})

	msg := newMsg()
	start, end := appendTool(msg, worker.CompletionTool, map[string]any{
		"status": "completed", "result": "all good",
	})
	go func() {
		rt.emit(start)
		rt.emit(end)
		rt.emit(endMsg(msg, wire.StopReasonToolUse, 1000, 500))
		rt.done(worker.Done{ExitCode: 0, DurationMs: 12})
	}()

	res := exec.Run(context.Background())
	if res.ExitCode != 0 || res.Aborted || res.Error != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Output != "all good" {
		t.Fatalf("output = %q", res.Output)
	}
	if res.Tokens != 1500 {
		t.Fatalf("tokens = %d, want 1500", res.Tokens)
	}
	if res.Index != 2 || res.TaskID != "t-2" {
		t.Fatalf("identity lost: %+v", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if statuses[0] != StatusRunning || statuses[len(statuses)-1] != StatusCompleted {
		t.Fatalf("status progression: %v", statuses)
	}
}

func TestExecutorIncompleteCompletionWarns(t *testing.T) {
	rt := newFakeRuntime()
	exec := newExec(Task{TaskID: "t-1", Task: "do"}, rt, nil, nil)

	msg := newMsg()
	go func() {
		rt.emit(appendText(msg, "here is my analysis"))
		rt.emit(endMsg(msg, wire.StopReasonStop, 100, 50))
		rt.done(worker.Done{ExitCode: 0})
	}()

	res := exec.Run(context.Background())
	if res.ExitCode != 0 {
		t.Fatalf("incomplete completion must stay non-fatal: %+v", res)
	}
	if !strings.HasPrefix(res.Output, "WARNING:") {
		t.Fatalf("expected warning prefix, got %q", res.Output)
	}
	if !strings.Contains(res.Output, "here is my analysis") {
		t.Fatalf("accumulated text missing: %q", res.Output)
	}
}

func TestExecutorToolReportedAbortIsClean(t *testing.T) {
	rt := newFakeRuntime()
	exec := newExec(Task{TaskID: "t-1"}, rt, nil, nil)

	msg := newMsg()
	start, end := appendTool(msg, worker.CompletionTool, map[string]any{
		"status": "aborted", "reason": "repository has no tests to fix",
	})
	go func() {
		rt.emit(start)
		rt.emit(end)
		rt.emit(endMsg(msg, wire.StopReasonToolUse, 10, 5))
		rt.done(worker.Done{ExitCode: 0})
	}()

	res := exec.Run(context.Background())
	if res.ExitCode != 0 || res.Aborted {
		t.Fatalf("graceful decline must be a clean exit: %+v", res)
	}
	if res.Output != "repository has no tests to fix" {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestExecutorUsageSkipsAbortedTurns(t *testing.T) {
	rt := newFakeRuntime()
	exec := newExec(Task{TaskID: "t-1"}, rt, nil, nil)

	first := newMsg()
	second := newMsg()
	go func() {
		rt.emit(appendText(first, "partial work"))
		rt.emit(endMsg(first, wire.StopReasonToolUse, 1000, 500))
		rt.emit(endMsg(second, wire.StopReasonAborted, 300, 100))
		rt.done(worker.Done{ExitCode: 1, Aborted: true})
	}()

	res := exec.Run(context.Background())
	if res.Tokens != 1500 {
		t.Fatalf("aborted turn usage must not count: tokens = %d", res.Tokens)
	}
	if !res.Aborted {
		t.Fatalf("expected aborted result: %+v", res)
	}
}

func TestExecutorSignalAbort(t *testing.T) {
	rt := newFakeRuntime()
	rt.onAbort = func() {
		rt.done(worker.Done{ExitCode: 1, Aborted: true, DurationMs: 5})
	}
	exec := newExec(Task{TaskID: "t-1"}, rt, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := exec.Run(ctx)
	if !res.Aborted || res.ExitCode != 1 {
		t.Fatalf("expected aborted failure, got %+v", res)
	}
	if rt.abortCount() != 1 {
		t.Fatalf("expected exactly one Abort, got %d", rt.abortCount())
	}
}

func TestExecutorGracePeriodForcesTermination(t *testing.T) {
	rt := newFakeRuntime() // never answers the abort
	exec := newExec(Task{TaskID: "t-1"}, rt, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := time.Now()
	res := exec.Run(ctx)
	elapsed := time.Since(started)

	if !res.Aborted || res.ExitCode != 1 {
		t.Fatalf("expected synthesized aborted Done, got %+v", res)
	}
	if !strings.Contains(res.Error, "did not stop") {
		t.Fatalf("expected descriptive error, got %q", res.Error)
	}
	if elapsed < 150*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("termination not bounded by grace period: %v", elapsed)
	}
}

func TestExecutorTerminateAfterToolWaitsForMessageEnd(t *testing.T) {
	tools := agents.NewToolRegistry()
	tools.RegisterHandler("reporter", agents.ToolHandler{
		ShouldTerminate: func(ev wire.Event) bool { return true },
	})

	rt := newFakeRuntime()
	rt.onAbort = func() {
		rt.done(worker.Done{ExitCode: 0, DurationMs: 3})
	}
	exec := newExec(Task{TaskID: "t-1"}, rt, tools, nil)

	resCh := make(chan SingleResult, 1)
	go func() { resCh <- exec.Run(context.Background()) }()

	msg := newMsg()
	start, end := appendTool(msg, "reporter", map[string]any{"finding": "x"})
	rt.emit(start)
	rt.emit(end)

	// The trigger is deferred: no abort until the turn's message end.
	time.Sleep(30 * time.Millisecond)
	if rt.abortCount() != 0 {
		t.Fatal("abort sent before message end")
	}

	rt.emit(endMsg(msg, wire.StopReasonToolUse, 200, 100))

	select {
	case res := <-resCh:
		if res.Tokens != 300 {
			t.Fatalf("turn usage lost: tokens = %d", res.Tokens)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not finish after terminate trigger")
	}
	if rt.abortCount() != 1 {
		t.Fatalf("expected exactly one Abort, got %d", rt.abortCount())
	}
}

func TestExecutorTerminateSettleTimeout(t *testing.T) {
	tools := agents.NewToolRegistry()
	tools.RegisterHandler("reporter", agents.ToolHandler{
		ShouldTerminate: func(ev wire.Event) bool { return true },
	})

	rt := newFakeRuntime()
	rt.onAbort = func() {
		rt.done(worker.Done{ExitCode: 1, Aborted: true})
	}
	exec := newExec(Task{TaskID: "t-1"}, rt, tools, nil)

	resCh := make(chan SingleResult, 1)
	go func() { resCh <- exec.Run(context.Background()) }()

	msg := newMsg()
	start, end := appendTool(msg, "reporter", nil)
	rt.emit(start)
	rt.emit(end)
	// No message end ever arrives; the settle timeout must fire the abort.

	select {
	case res := <-resCh:
		if !res.Aborted {
			t.Fatalf("expected aborted result, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("settle timeout never fired")
	}
	if rt.abortCount() != 1 {
		t.Fatalf("expected exactly one Abort, got %d", rt.abortCount())
	}
}

func TestExecutorExtractedToolData(t *testing.T) {
	tools := agents.NewToolRegistry()
	tools.RegisterHandler("reporter", agents.ToolHandler{
		ExtractData: func(ev wire.Event) (any, bool) {
			block := ev.Message.Content[ev.ContentIndex]
			return block.Arguments["finding"], true
		},
	})

	rt := newFakeRuntime()
	exec := newExec(Task{TaskID: "t-1"}, rt, tools, nil)

	msg := newMsg()
	s1, e1 := appendTool(msg, "reporter", map[string]any{"finding": "first"})
	s2, e2 := appendTool(msg, "reporter", map[string]any{"finding": "second"})
	go func() {
		rt.emit(s1)
		rt.emit(e1)
		rt.emit(s2)
		rt.emit(e2)
		rt.emit(endMsg(msg, wire.StopReasonStop, 10, 5))
		rt.done(worker.Done{ExitCode: 0})
	}()

	res := exec.Run(context.Background())
	got := res.ExtractedToolData["reporter"]
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("extracted data = %v", got)
	}
}

func TestExecutorProgressTracksTools(t *testing.T) {
	rt := newFakeRuntime()
	var mu sync.Mutex
	var last AgentProgress
	exec := newExec(Task{TaskID: "t-1", Agent: "fixer"}, rt, nil, func(p AgentProgress) {
		mu.Lock()
		last = p
		mu.Unlock()
	})

	msg := newMsg()
	go func() {
		for _, name := range []string{"bash", "read", "edit", "bash", "grep", "edit", "bash"} {
			s, e := appendTool(msg, name, nil)
			rt.emit(s)
			rt.emit(e)
		}
		rt.emit(appendText(msg, "line one\nline two"))
		rt.emit(endMsg(msg, wire.StopReasonStop, 10, 5))
		rt.done(worker.Done{ExitCode: 0})
	}()

	exec.Run(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if last.ToolCount != 7 {
		t.Fatalf("tool count = %d", last.ToolCount)
	}
	if len(last.RecentTools) != 5 {
		t.Fatalf("recent tools ring = %v", last.RecentTools)
	}
	if last.RecentTools[4] != "bash" || last.RecentTools[0] != "edit" {
		t.Fatalf("recent tools ring contents = %v", last.RecentTools)
	}
	if len(last.RecentOutput) != 2 || last.RecentOutput[1] != "line two" {
		t.Fatalf("recent output = %v", last.RecentOutput)
	}
}

func TestExecutorTruncatesOutput(t *testing.T) {
	rt := newFakeRuntime()
	exec := NewExecutor(Task{TaskID: "t-1"}, ExecOptions{
		Runtime: rt,
		Limits:  OutputLimits{MaxBytes: 60, MaxLines: 3},
		Grace:   time.Second,
		Settle:  time.Second,
	})

	msg := newMsg()
	start, end := appendTool(msg, worker.CompletionTool, map[string]any{
		"status": "completed",
		"result": "one\ntwo\nthree\nfour\nfive",
	})
	go func() {
		rt.emit(start)
		rt.emit(end)
		rt.emit(endMsg(msg, wire.StopReasonToolUse, 5, 5))
		rt.done(worker.Done{ExitCode: 0})
	}()

	res := exec.Run(context.Background())
	if !res.Truncated {
		t.Fatal("expected truncated flag")
	}
	if res.Output != "one\ntwo\nthree" {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestTruncateByteBudgetCutsAtLineBoundary(t *testing.T) {
	s := strings.Repeat("aaaa\n", 10) // 50 bytes
	out, cut := truncate(s, OutputLimits{MaxBytes: 23})
	if !cut {
		t.Fatal("expected truncation")
	}
	if out != "aaaa\naaaa\naaaa\naaaa" {
		t.Fatalf("out = %q", out)
	}

	out, cut = truncate("no-newlines-here-at-all", OutputLimits{MaxBytes: 10})
	if !cut || out != "no-newline" {
		t.Fatalf("hard cut = %q (%v)", out, cut)
	}

	out, cut = truncate("short", OutputLimits{MaxBytes: 100, MaxLines: 10})
	if cut || out != "short" {
		t.Fatalf("unexpected truncation of %q", out)
	}
}
