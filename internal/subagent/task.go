// Package subagent executes delegated tasks: each task gets its own worker
// runtime, a progress snapshot folded from the event stream, and exactly one
// terminal result.
package subagent

import (
	"slices"
	"strings"

	"github.com/maximhar/oh-my-pi/internal/wire"
)

// Task is one unit of delegated work. Immutable, caller-owned; Index is the
// task's slot in the batch result array.
type Task struct {
	Index         int            `json:"index"`
	TaskID        string         `json:"taskId"`
	Agent         string         `json:"agent"`
	Task          string         `json:"task"`
	Description   string         `json:"description,omitempty"`
	ModelOverride string         `json:"modelOverride,omitempty"`
	Context       string         `json:"context,omitempty"`
	OutputSchema  map[string]any `json:"outputSchema,omitempty"`
	Cwd           string         `json:"cwd,omitempty"`
}

// Status is a task's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

const (
	recentToolsKeep  = 5
	recentOutputKeep = 8
)

// AgentProgress is a task's live snapshot, mutated only by its executor and
// published by value after every change.
type AgentProgress struct {
	Index             int              `json:"index"`
	TaskID            string           `json:"taskId"`
	AgentName         string           `json:"agentName"`
	Status            Status           `json:"status"`
	RecentTools       []string         `json:"recentTools,omitempty"`
	CurrentTool       string           `json:"currentTool,omitempty"`
	RecentOutput      []string         `json:"recentOutput,omitempty"`
	ToolCount         int              `json:"toolCount"`
	Tokens            int              `json:"tokens"`
	DurationMs        int64            `json:"durationMs"`
	ExtractedToolData map[string][]any `json:"extractedToolData,omitempty"`
}

func (p *AgentProgress) noteTool(name string) {
	p.CurrentTool = name
	p.ToolCount++
	p.RecentTools = append(p.RecentTools, name)
	if len(p.RecentTools) > recentToolsKeep {
		p.RecentTools = p.RecentTools[len(p.RecentTools)-recentToolsKeep:]
	}
}

func (p *AgentProgress) noteOutput(text string) {
	for line := range strings.Lines(text) {
		line = strings.TrimRight(line, "\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.RecentOutput = append(p.RecentOutput, line)
	}
	if len(p.RecentOutput) > recentOutputKeep {
		p.RecentOutput = p.RecentOutput[len(p.RecentOutput)-recentOutputKeep:]
	}
}

func (p *AgentProgress) extract(tool string, value any) {
	if p.ExtractedToolData == nil {
		p.ExtractedToolData = make(map[string][]any)
	}
	p.ExtractedToolData[tool] = append(p.ExtractedToolData[tool], value)
}

// snapshot deep-copies the slices so callback consumers never observe later
// mutation.
func (p *AgentProgress) snapshot() AgentProgress {
	out := *p
	out.RecentTools = slices.Clone(p.RecentTools)
	out.RecentOutput = slices.Clone(p.RecentOutput)
	if p.ExtractedToolData != nil {
		out.ExtractedToolData = make(map[string][]any, len(p.ExtractedToolData))
		for k, v := range p.ExtractedToolData {
			out.ExtractedToolData[k] = slices.Clone(v)
		}
	}
	return out
}

// SingleResult is a task's terminal outcome, produced exactly once.
type SingleResult struct {
	Index             int              `json:"index"`
	TaskID            string           `json:"taskId"`
	ExitCode          int              `json:"exitCode"`
	Output            string           `json:"output"`
	Stderr            string           `json:"stderr,omitempty"`
	Truncated         bool             `json:"truncated,omitempty"`
	DurationMs        int64            `json:"durationMs"`
	Tokens            int              `json:"tokens"`
	Usage             wire.Usage       `json:"usage"`
	Error             string           `json:"error,omitempty"`
	Aborted           bool             `json:"aborted,omitempty"`
	ArtifactPaths     []string         `json:"artifactPaths,omitempty"`
	ExtractedToolData map[string][]any `json:"extractedToolData,omitempty"`
}
