package worker

import (
	"context"
	"fmt"

	"github.com/maximhar/oh-my-pi/internal/session"
)

// CompletionRunner is the minimal tool surface every task session carries:
// the completion tool itself. Schema, when set, replaces the default schema
// of the result argument.
type CompletionRunner struct {
	Schema map[string]any
}

func (r CompletionRunner) Definitions() []session.ToolDefinition {
	result := map[string]any{
		"type":        "string",
		"description": "The final result of the task.",
	}
	if r.Schema != nil {
		result = r.Schema
	}
	return []session.ToolDefinition{{
		Name:        CompletionTool,
		Description: "Report the final outcome of the task. Must be called exactly once, when the task is finished or cannot proceed.",
		Properties: map[string]any{
			"status": map[string]any{
				"type": "string",
				"enum": []string{"completed", "aborted"},
			},
			"result": result,
			"reason": map[string]any{
				"type":        "string",
				"description": "Why the task was aborted. Only for status=aborted.",
			},
		},
		Required: []string{"status"},
	}}
}

func (r CompletionRunner) Run(ctx context.Context, name string, args map[string]any) (session.ToolResult, error) {
	if name != CompletionTool {
		return session.ToolResult{}, fmt.Errorf("tool %q is not available", name)
	}
	return session.ToolResult{Content: "Result recorded."}, nil
}
