package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/maximhar/oh-my-pi/internal/wire"
)

const startEvent = `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","usage":{"input_tokens":10,"output_tokens":1}}}`

func sse(eventType, data string) ssestream.Event {
	return ssestream.Event{Type: eventType, Data: json.RawMessage(data)}
}

func textStream(text string) []ssestream.Event {
	return []ssestream.Event{
		sse("message_start", startEvent),
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"`+text+`"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}
}

func toolStream(id, name, args string) []ssestream.Event {
	return []ssestream.Event{
		sse("message_start", startEvent),
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"`+id+`","name":"`+name+`","input":{}}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":`+string(mustMarshal(args))+`}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}
}

func mustMarshal(s string) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return b
}

// fakeDecoder replays canned server-sent events. When blockCtx is set it
// hangs after the last event until the context is cancelled, mimicking a
// connection that the caller has to abort.
type fakeDecoder struct {
	events   []ssestream.Event
	pos      int
	cur      ssestream.Event
	blockCtx context.Context
	err      error
}

func (d *fakeDecoder) Next() bool {
	if d.pos >= len(d.events) {
		if d.blockCtx != nil {
			<-d.blockCtx.Done()
			d.err = d.blockCtx.Err()
		}
		return false
	}
	d.cur = d.events[d.pos]
	d.pos++
	return true
}

func (d *fakeDecoder) Event() ssestream.Event { return d.cur }
func (d *fakeDecoder) Close() error           { return nil }
func (d *fakeDecoder) Err() error             { return d.err }

// scriptOpener hands out one canned stream per turn.
type scriptOpener struct {
	mu      sync.Mutex
	turns   [][]ssestream.Event
	params  []anthropic.MessageNewParams
	blocked bool
}

func (o *scriptOpener) open(ctx context.Context, params anthropic.MessageNewParams) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.params = append(o.params, params)

	dec := &fakeDecoder{}
	if len(o.turns) > 0 {
		dec.events = o.turns[0]
		o.turns = o.turns[1:]
	}
	if len(o.turns) == 0 && o.blocked {
		dec.blockCtx = ctx
	}
	return ssestream.NewStream[anthropic.MessageStreamEventUnion](dec, nil)
}

type recordingRunner struct {
	mu     sync.Mutex
	calls  []string
	args   []map[string]any
	result ToolResult
	err    error
}

func (r *recordingRunner) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "read_file",
		Description: "Read a file",
		Properties:  map[string]any{"path": map[string]any{"type": "string"}},
		Required:    []string{"path"},
	}}
}

func (r *recordingRunner) Run(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	r.args = append(r.args, args)
	return r.result, r.err
}

func newTestChat(opener *scriptOpener, tools ToolRunner) *Chat {
	return New(Options{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		System:    "be brief",
		Tools:     tools,
		Open:      opener.open,
	})
}

func TestPromptSingleTurn(t *testing.T) {
	opener := &scriptOpener{turns: [][]ssestream.Event{textStream("hello there")}}
	chat := newTestChat(opener, nil)

	var mu sync.Mutex
	var seen []wire.EventType
	chat.Subscribe(func(ev wire.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	if err := chat.Prompt(context.Background(), "hi"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	msgs := chat.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Text() != "hello there" {
		t.Fatalf("unexpected text %q", msgs[0].Text())
	}
	if msgs[0].StopReason != wire.StopReasonStop {
		t.Fatalf("unexpected stop reason %s", msgs[0].StopReason)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[len(seen)-1] != wire.EventDone {
		t.Fatalf("expected trailing done event, got %v", seen)
	}

	// System prompt and model must reach the request.
	p := opener.params[0]
	if string(p.Model) != "claude-sonnet-4-5" || len(p.System) != 1 || p.System[0].Text != "be brief" {
		t.Fatalf("request params not built from session options: %+v", p)
	}
}

func TestPromptToolLoop(t *testing.T) {
	runner := &recordingRunner{result: ToolResult{Content: "package main"}}
	opener := &scriptOpener{turns: [][]ssestream.Event{
		toolStream("tu_1", "read_file", `{"path":"main.go"}`),
		textStream("done reading"),
	}}
	chat := newTestChat(opener, runner)

	if err := chat.Prompt(context.Background(), "read main.go"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	runner.mu.Lock()
	if len(runner.calls) != 1 || runner.calls[0] != "read_file" {
		t.Fatalf("expected one read_file call, got %v", runner.calls)
	}
	if runner.args[0]["path"] != "main.go" {
		t.Fatalf("tool received wrong arguments: %v", runner.args[0])
	}
	runner.mu.Unlock()

	msgs := chat.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].StopReason != wire.StopReasonToolUse {
		t.Fatalf("first message stop reason: %s", msgs[0].StopReason)
	}
	if msgs[1].Text() != "done reading" {
		t.Fatalf("second message text: %q", msgs[1].Text())
	}

	// Second request must carry the tool definitions and the history.
	if len(opener.params) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(opener.params))
	}
	if len(opener.params[1].Tools) != 1 {
		t.Fatalf("expected tool definitions on the request")
	}
	if len(opener.params[1].Messages) != 3 {
		t.Fatalf("expected user+assistant+toolresult history, got %d entries", len(opener.params[1].Messages))
	}
}

func TestPromptToolError(t *testing.T) {
	runner := &recordingRunner{err: errors.New("permission denied")}
	opener := &scriptOpener{turns: [][]ssestream.Event{
		toolStream("tu_1", "read_file", `{"path":"/etc/shadow"}`),
		textStream("cannot do that"),
	}}
	chat := newTestChat(opener, runner)

	if err := chat.Prompt(context.Background(), "read it"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if len(chat.Messages()) != 2 {
		t.Fatal("tool failure should be reported to the model, not end the prompt")
	}
}

func TestPromptAbort(t *testing.T) {
	opener := &scriptOpener{
		turns: [][]ssestream.Event{{
			sse("message_start", startEvent),
			sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
			sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"working on"}}`),
		}},
		blocked: true,
	}
	chat := newTestChat(opener, nil)

	sawDelta := make(chan struct{})
	var once sync.Once
	chat.Subscribe(func(ev wire.Event) {
		if ev.Type == wire.EventTextDelta {
			once.Do(func() { close(sawDelta) })
		}
	})

	errCh := make(chan error, 1)
	go func() { errCh <- chat.Prompt(context.Background(), "go") }()

	select {
	case <-sawDelta:
	case <-time.After(2 * time.Second):
		t.Fatal("never saw streamed text")
	}
	chat.Abort()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Prompt did not return after abort")
	}

	msgs := chat.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected partial message recorded, got %d", len(msgs))
	}
	if msgs[0].StopReason != wire.StopReasonAborted {
		t.Fatalf("expected aborted stop reason, got %s", msgs[0].StopReason)
	}
	if msgs[0].Text() != "working on" {
		t.Fatalf("expected partial text preserved, got %q", msgs[0].Text())
	}
}

func TestPromptTruncatedStream(t *testing.T) {
	opener := &scriptOpener{turns: [][]ssestream.Event{{
		sse("message_start", startEvent),
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
	}}}
	chat := newTestChat(opener, nil)

	err := chat.Prompt(context.Background(), "hi")
	if !errors.Is(err, errTruncatedStream) {
		t.Fatalf("expected truncated stream error, got %v", err)
	}
	msgs := chat.Messages()
	if len(msgs) != 1 || msgs[0].StopReason != wire.StopReasonError {
		t.Fatalf("expected one errored message, got %+v", msgs)
	}
}

func TestPromptAfterDispose(t *testing.T) {
	chat := newTestChat(&scriptOpener{}, nil)
	chat.Dispose()
	if err := chat.Prompt(context.Background(), "hi"); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
}
