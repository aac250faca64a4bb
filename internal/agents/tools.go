package agents

import (
	"github.com/maximhar/oh-my-pi/internal/wire"
)

// ToolHandler lets the platform inspect completed tool-call events without
// this engine knowing anything about individual tool implementations.
// ExtractData contributes values to the task's extracted-tool-data map;
// ShouldTerminate raises the terminate-after-tool cancellation trigger.
type ToolHandler struct {
	ExtractData     func(ev wire.Event) (any, bool)
	ShouldTerminate func(ev wire.Event) bool
}

// ToolRegistry maps tool names to optional handlers. Read-only during
// execution.
type ToolRegistry struct {
	handlers map[string]ToolHandler
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{handlers: make(map[string]ToolHandler)}
}

// RegisterHandler attaches a handler to a tool name, replacing any existing
// one.
func (r *ToolRegistry) RegisterHandler(name string, h ToolHandler) {
	r.handlers[name] = h
}

// Handler returns the handler for a tool name, if one is registered.
func (r *ToolRegistry) Handler(name string) (ToolHandler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}
