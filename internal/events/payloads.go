package events

import (
	"github.com/maximhar/oh-my-pi/internal/wire"
)

type BatchStartedPayload struct {
	BatchID     string `json:"batch_id"`
	TaskCount   int    `json:"task_count"`
	Concurrency int    `json:"concurrency"`
}

func (BatchStartedPayload) EventType() Type { return BatchStarted }

type BatchCompletedPayload struct {
	BatchID    string `json:"batch_id"`
	DurationMs int64  `json:"duration_ms"`
	Failed     int    `json:"failed"`
	Aborted    int    `json:"aborted"`
}

func (BatchCompletedPayload) EventType() Type { return BatchCompleted }

type TaskStartedPayload struct {
	Index  int    `json:"index"`
	TaskID string `json:"task_id"`
	Agent  string `json:"agent"`
}

func (TaskStartedPayload) EventType() Type { return TaskStarted }

type TaskProgressPayload struct {
	Index        int      `json:"index"`
	TaskID       string   `json:"task_id"`
	Status       string   `json:"status"`
	CurrentTool  string   `json:"current_tool,omitempty"`
	RecentTools  []string `json:"recent_tools,omitempty"`
	RecentOutput []string `json:"recent_output,omitempty"`
	ToolCount    int      `json:"tool_count"`
	Tokens       int      `json:"tokens"`
	DurationMs   int64    `json:"duration_ms"`
}

func (TaskProgressPayload) EventType() Type { return TaskProgress }

type TaskCompletedPayload struct {
	Index      int    `json:"index"`
	TaskID     string `json:"task_id"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Tokens     int    `json:"tokens"`
	Truncated  bool   `json:"truncated"`
}

func (TaskCompletedPayload) EventType() Type { return TaskCompleted }

type TaskFailedPayload struct {
	Index  int    `json:"index"`
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

func (TaskFailedPayload) EventType() Type { return TaskFailed }

type TaskAbortedPayload struct {
	Index  int    `json:"index"`
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

func (TaskAbortedPayload) EventType() Type { return TaskAborted }

// StreamEventPayload carries one raw canonical event for live consumers.
type StreamEventPayload struct {
	Index  int        `json:"index"`
	TaskID string     `json:"task_id"`
	Event  wire.Event `json:"event"`
}

func (StreamEventPayload) EventType() Type { return StreamEvent }
