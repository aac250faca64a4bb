package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/maximhar/oh-my-pi/internal/wire"
)

// StreamOpener starts one streamed model request. Injectable so tests can
// drive a session from canned wire events.
type StreamOpener func(ctx context.Context, params anthropic.MessageNewParams) *ssestream.Stream[anthropic.MessageStreamEventUnion]

var (
	ErrDisposed = errors.New("session: disposed")

	errTruncatedStream = errors.New("session: stream ended before message_stop")
)

// A runaway tool loop is a model bug; cut it off rather than burn tokens.
const maxTurnsPerPrompt = 50

// Options configures a Chat.
type Options struct {
	Model     string
	MaxTokens int
	Pricing   wire.Pricing
	System    string
	Tools     ToolRunner
	Open      StreamOpener
}

// Chat is the provider-backed Session implementation.
type Chat struct {
	model     string
	maxTokens int
	pricing   wire.Pricing
	system    string
	tools     ToolRunner
	open      StreamOpener

	mu       sync.Mutex
	history  []anthropic.MessageParam
	msgs     []*wire.AssistantMessage
	subs     map[int]func(wire.Event)
	nextSub  int
	cancel   context.CancelFunc
	disposed bool
}

// New creates a session that opens streams through opts.Open.
func New(opts Options) *Chat {
	return &Chat{
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		pricing:   opts.Pricing,
		system:    opts.System,
		tools:     opts.Tools,
		open:      opts.Open,
		subs:      make(map[int]func(wire.Event)),
	}
}

// NewWithClient creates a session backed by a real API client.
func NewWithClient(client anthropic.Client, opts Options) *Chat {
	opts.Open = func(ctx context.Context, params anthropic.MessageNewParams) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
		return client.Messages.NewStreaming(ctx, params)
	}
	return New(opts)
}

func (c *Chat) Subscribe(fn func(wire.Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Chat) publish(ev wire.Event) {
	c.mu.Lock()
	fns := make([]func(wire.Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Chat) Messages() []*wire.AssistantMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.msgs)
}

// Abort cancels the in-flight prompt, if any. The session stays usable.
func (c *Chat) Abort() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Chat) Dispose() {
	c.mu.Lock()
	c.disposed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Prompt appends a user message and runs turns until the model stops calling
// tools. Every assistant message produced, including partial aborted ones, is
// recorded and visible through Messages.
func (c *Chat) Prompt(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.history = append(c.history, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	for turn := 0; turn < maxTurnsPerPrompt; turn++ {
		msg, err := c.turn(ctx)
		if msg != nil {
			c.record(msg)
		}
		if err != nil {
			return err
		}

		if msg.StopReason != wire.StopReasonToolUse {
			return nil
		}
		results := c.runTools(ctx, msg.ToolCalls())
		c.mu.Lock()
		c.history = append(c.history, anthropic.NewUserMessage(results...))
		c.mu.Unlock()
	}
	return fmt.Errorf("session: turn limit (%d) exceeded", maxTurnsPerPrompt)
}

func (c *Chat) record(msg *wire.AssistantMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)

	var blocks []anthropic.ContentBlockParamUnion
	for _, b := range msg.Content {
		switch b.Kind {
		case wire.BlockText:
			if b.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			}
		case wire.BlockToolCall:
			args := b.Arguments
			if args == nil {
				args = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, args, b.Name))
		}
	}
	if len(blocks) > 0 {
		c.history = append(c.history, anthropic.NewAssistantMessage(blocks...))
	}
}

func (c *Chat) turn(ctx context.Context) (*wire.AssistantMessage, error) {
	norm := wire.NewNormalizer(c.pricing, c.publish)
	stream := c.open(ctx, c.buildParams())
	defer stream.Close()

	for stream.Next() {
		if err := norm.HandleEvent(stream.Current()); err != nil {
			norm.Fail(err)
			return norm.Message(), err
		}
	}
	if err := stream.Err(); err != nil {
		norm.Fail(err)
		return norm.Message(), err
	}
	if err := ctx.Err(); err != nil && !norm.Done() {
		norm.Fail(err)
		return norm.Message(), err
	}
	if !norm.Done() {
		norm.Fail(errTruncatedStream)
		return norm.Message(), errTruncatedStream
	}
	return norm.Message(), nil
}

func (c *Chat) runTools(ctx context.Context, calls []*wire.ContentBlock) []anthropic.ContentBlockParamUnion {
	results := make([]anthropic.ContentBlockParamUnion, 0, len(calls))
	for _, call := range calls {
		content, isErr := c.runTool(ctx, call)
		results = append(results, anthropic.NewToolResultBlock(call.ID, content, isErr))
	}
	return results
}

func (c *Chat) runTool(ctx context.Context, call *wire.ContentBlock) (string, bool) {
	if c.tools == nil {
		return fmt.Sprintf("tool %q is not available", call.Name), true
	}
	res, err := c.tools.Run(ctx, call.Name, call.Arguments)
	if err != nil {
		slog.Warn("tool execution failed", "tool", call.Name, "error", err)
		return err.Error(), true
	}
	return res.Content, res.IsError
}

func (c *Chat) buildParams() anthropic.MessageNewParams {
	c.mu.Lock()
	msgs := slices.Clone(c.history)
	c.mu.Unlock()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages:  msgs,
	}
	if c.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.system}}
	}
	if c.tools != nil {
		for _, def := range c.tools.Definitions() {
			inputSchema := anthropic.ToolInputSchemaParam{}
			if def.Properties != nil {
				inputSchema.Properties = def.Properties
			}
			if len(def.Required) > 0 {
				inputSchema.Required = def.Required
			}
			toolParam := anthropic.ToolUnionParamOfTool(inputSchema, def.Name)
			if toolParam.OfTool != nil {
				toolParam.OfTool.Description = param.NewOpt(def.Description)
			}
			params.Tools = append(params.Tools, toolParam)
		}
	}
	return params
}
