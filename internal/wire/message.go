// Package wire normalizes the provider's streaming wire protocol into one
// canonical, block-indexed event model consumed by the rest of the platform.
package wire

import (
	"strings"
	"time"
)

// StopReason is the closed set of terminal states for an assistant message.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonLength  StopReason = "length"
	StopReasonToolUse StopReason = "toolUse"
	StopReasonAborted StopReason = "aborted"
	StopReasonError   StopReason = "error"
)

// BlockKind identifies the variant of a ContentBlock.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockToolCall BlockKind = "tool_call"
)

// ContentBlock is one unit of assistant output: text, reasoning, or a tool
// invocation. While a block is streaming, tool-call blocks additionally carry
// a raw-JSON accumulator; it is stripped before the block is final.
type ContentBlock struct {
	Kind BlockKind `json:"kind"`

	// Text block.
	Text string `json:"text,omitempty"`

	// Thinking block.
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Tool-call block.
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// Transient streaming state, dropped on block stop.
	partialJSON *strings.Builder
}

// Cost is the dollar cost of a Usage snapshot, per component.
type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
	Total      float64 `json:"total"`
}

// Usage holds cumulative token counts for one assistant message. The provider
// reports cumulative, not delta, figures: checkpoints overwrite, never add.
type Usage struct {
	Input       int  `json:"input"`
	Output      int  `json:"output"`
	CacheRead   int  `json:"cacheRead"`
	CacheWrite  int  `json:"cacheWrite"`
	TotalTokens int  `json:"totalTokens"`
	Cost        Cost `json:"cost"`
}

// Pricing gives per-million-token rates for one model.
type Pricing struct {
	InputPerMTok      float64 `json:"input"`
	OutputPerMTok     float64 `json:"output"`
	CacheReadPerMTok  float64 `json:"cacheRead"`
	CacheWritePerMTok float64 `json:"cacheWrite"`
}

const mTok = 1_000_000

// checkpoint overwrites the counters from a cumulative provider snapshot.
// Zero fields are treated as "not reported" and left untouched; cumulative
// counters never decrease.
func (u *Usage) checkpoint(input, output, cacheRead, cacheWrite int, pricing Pricing) {
	if input > 0 {
		u.Input = input
	}
	if output > 0 {
		u.Output = output
	}
	if cacheRead > 0 {
		u.CacheRead = cacheRead
	}
	if cacheWrite > 0 {
		u.CacheWrite = cacheWrite
	}
	u.TotalTokens = u.Input + u.Output + u.CacheRead + u.CacheWrite
	u.Cost = Cost{
		Input:      float64(u.Input) * pricing.InputPerMTok / mTok,
		Output:     float64(u.Output) * pricing.OutputPerMTok / mTok,
		CacheRead:  float64(u.CacheRead) * pricing.CacheReadPerMTok / mTok,
		CacheWrite: float64(u.CacheWrite) * pricing.CacheWritePerMTok / mTok,
	}
	u.Cost.Total = u.Cost.Input + u.Cost.Output + u.Cost.CacheRead + u.Cost.CacheWrite
}

// Add folds another usage snapshot into this one additively. Used by callers
// that aggregate across messages; within one message, checkpoints overwrite.
func (u *Usage) Add(other Usage) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
	u.TotalTokens += other.TotalTokens
	u.Cost.Input += other.Cost.Input
	u.Cost.Output += other.Cost.Output
	u.Cost.CacheRead += other.Cost.CacheRead
	u.Cost.CacheWrite += other.Cost.CacheWrite
	u.Cost.Total += other.Cost.Total
}

// AssistantMessage is the live, incrementally built representation of one
// model response. It is mutated only by the Normalizer and must be treated as
// immutable once a done or error event has been emitted.
type AssistantMessage struct {
	Role         string          `json:"role"`
	Content      []*ContentBlock `json:"content"`
	Usage        Usage           `json:"usage"`
	StopReason   StopReason      `json:"stopReason"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Text concatenates the message's text blocks.
func (m *AssistantMessage) Text() string {
	var b strings.Builder
	for _, block := range m.Content {
		if block.Kind == BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the message's tool-call blocks.
func (m *AssistantMessage) ToolCalls() []*ContentBlock {
	var calls []*ContentBlock
	for _, block := range m.Content {
		if block.Kind == BlockToolCall {
			calls = append(calls, block)
		}
	}
	return calls
}
