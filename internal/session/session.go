// Package session runs multi-turn conversations against the model provider:
// one streamed request per turn, tool calls executed between turns until the
// model stops asking for them.
package session

import (
	"context"

	"github.com/maximhar/oh-my-pi/internal/wire"
)

// ToolDefinition describes one tool advertised to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolRunner exposes tools to a session and executes the model's calls.
type ToolRunner interface {
	Definitions() []ToolDefinition
	Run(ctx context.Context, name string, args map[string]any) (ToolResult, error)
}

// Session is a live conversation. Prompt blocks until the model reaches a
// non-tool stop; Abort cancels the in-flight prompt without disposing the
// session, Dispose ends it for good.
type Session interface {
	Prompt(ctx context.Context, text string) error
	Abort()
	Dispose()
	Subscribe(fn func(wire.Event)) func()
	Messages() []*wire.AssistantMessage
}
