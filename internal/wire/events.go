package wire

// EventType enumerates the canonical stream events.
type EventType string

const (
	EventStart EventType = "start"

	EventTextStart EventType = "text_start"
	EventTextDelta EventType = "text_delta"
	EventTextEnd   EventType = "text_end"

	EventThinkingStart EventType = "thinking_start"
	EventThinkingDelta EventType = "thinking_delta"
	EventThinkingEnd   EventType = "thinking_end"

	EventToolcallStart EventType = "toolcall_start"
	EventToolcallDelta EventType = "toolcall_delta"
	EventToolcallEnd   EventType = "toolcall_end"

	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one canonical, provider-agnostic change to an in-progress model
// response. ContentIndex is a position in Message.Content, which can diverge
// from the provider's own block numbering. Message always references the same
// live AssistantMessage instance for the duration of one stream.
type Event struct {
	Type         EventType         `json:"type"`
	ContentIndex int               `json:"contentIndex,omitempty"`
	Delta        string            `json:"delta,omitempty"`
	Partial      map[string]any    `json:"partial,omitempty"`
	Message      *AssistantMessage `json:"message"`
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
