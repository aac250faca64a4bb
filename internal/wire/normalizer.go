package wire

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// ProtocolError reports a terminal wire signal this layer does not know how
// to map. It is deliberately fatal: guessing a stop reason would corrupt the
// canonical contract for every downstream consumer.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unmapped provider stop reason %q", e.Reason)
}

// Normalizer converts one provider stream into canonical events plus a live
// AssistantMessage. Deltas arrive keyed by a provider-local block index that
// is not globally ordered, so the normalizer keeps its own provider-index to
// content-position mapping. Single producer, single consumer; no locking.
type Normalizer struct {
	pricing   Pricing
	emit      func(Event)
	msg       *AssistantMessage
	positions map[int64]int // provider block index → position in msg.Content
	terminal  bool
}

// NewNormalizer creates a normalizer for one stream. Every canonical event is
// delivered synchronously through emit; back-pressure comes from the caller's
// pacing of HandleEvent.
func NewNormalizer(pricing Pricing, emit func(Event)) *Normalizer {
	return &Normalizer{
		pricing: pricing,
		emit:    emit,
		msg: &AssistantMessage{
			Role:      "assistant",
			Timestamp: time.Now(),
		},
		positions: make(map[int64]int),
	}
}

// Message returns the message under construction. It must be treated as
// read-only, and as immutable once a terminal event has been emitted.
func (n *Normalizer) Message() *AssistantMessage { return n.msg }

// Done reports whether a terminal event (done or error) has been emitted.
func (n *Normalizer) Done() bool { return n.terminal }

// HandleEvent folds one provider wire event into the message and emits the
// corresponding canonical events. The only returned error is a ProtocolError
// for an unmapped terminal signal; the caller must treat it as fatal.
func (n *Normalizer) HandleEvent(event anthropic.MessageStreamEventUnion) error {
	if n.terminal {
		return nil
	}

	switch event.Type {
	case "message_start":
		u := event.Message.Usage
		n.msg.Usage.checkpoint(
			int(u.InputTokens), int(u.OutputTokens),
			int(u.CacheReadInputTokens), int(u.CacheCreationInputTokens),
			n.pricing)
		n.emit(Event{Type: EventStart, Message: n.msg})

	case "content_block_start":
		n.startBlock(event)

	case "content_block_delta":
		n.applyDelta(event)

	case "content_block_stop":
		n.stopBlock(event.Index)

	case "message_delta":
		u := event.Usage
		n.msg.Usage.checkpoint(
			int(u.InputTokens), int(u.OutputTokens),
			int(u.CacheReadInputTokens), int(u.CacheCreationInputTokens),
			n.pricing)
		if event.Delta.StopReason != "" {
			reason, err := mapStopReason(string(event.Delta.StopReason))
			if err != nil {
				return err
			}
			n.msg.StopReason = reason
		}

	case "message_stop":
		if n.msg.StopReason == "" {
			n.msg.StopReason = StopReasonStop
		}
		n.finish()
	}

	return nil
}

// Fail terminates the stream after a failure, including mid-stream
// cancellation. Transient block state is scrubbed, the stop reason is set to
// aborted or error, and exactly one terminal event is emitted.
func (n *Normalizer) Fail(err error) {
	if n.terminal {
		return
	}

	n.scrub()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		n.msg.StopReason = StopReasonAborted
		n.finish()
		return
	}

	n.msg.StopReason = StopReasonError
	n.msg.ErrorMessage = FormatProviderError(err)
	n.terminal = true
	n.emit(Event{Type: EventError, Message: n.msg})
}

func (n *Normalizer) finish() {
	n.terminal = true
	n.emit(Event{Type: EventDone, Message: n.msg})
}

// scrub finalizes any block still accumulating so the message left behind is
// self-consistent: tool arguments get one last best-effort parse and the raw
// accumulators are dropped.
func (n *Normalizer) scrub() {
	for _, block := range n.msg.Content {
		if block.Kind == BlockToolCall && block.partialJSON != nil {
			block.Arguments = parsePartialJSON(block.partialJSON.String())
			block.partialJSON = nil
		}
	}
	n.positions = make(map[int64]int)
}

func (n *Normalizer) startBlock(event anthropic.MessageStreamEventUnion) {
	cb := event.ContentBlock

	var block *ContentBlock
	var eventType EventType

	switch cb.Type {
	case "text":
		block = &ContentBlock{Kind: BlockText, Text: cb.Text}
		eventType = EventTextStart
	case "thinking":
		block = &ContentBlock{Kind: BlockThinking, Thinking: cb.Thinking}
		eventType = EventThinkingStart
	case "tool_use":
		block = &ContentBlock{
			Kind:        BlockToolCall,
			ID:          cb.ID,
			Name:        cb.Name,
			Arguments:   map[string]any{},
			partialJSON: &strings.Builder{},
		}
		eventType = EventToolcallStart
	default:
		// Block kinds outside the canonical contract (e.g. server-side tool
		// results) get no position mapping, so their deltas are dropped too.
		return
	}

	pos := len(n.msg.Content)
	n.msg.Content = append(n.msg.Content, block)
	n.positions[event.Index] = pos
	n.emit(Event{Type: eventType, ContentIndex: pos, Message: n.msg})
}

func (n *Normalizer) applyDelta(event anthropic.MessageStreamEventUnion) {
	pos, ok := n.positions[event.Index]
	if !ok {
		return
	}
	block := n.msg.Content[pos]
	delta := event.Delta

	switch delta.Type {
	case "text_delta":
		block.Text += delta.Text
		n.emit(Event{Type: EventTextDelta, ContentIndex: pos, Delta: delta.Text, Message: n.msg})

	case "thinking_delta":
		block.Thinking += delta.Thinking
		n.emit(Event{Type: EventThinkingDelta, ContentIndex: pos, Delta: delta.Thinking, Message: n.msg})

	case "signature_delta":
		block.Signature += delta.Signature
		n.emit(Event{Type: EventThinkingDelta, ContentIndex: pos, Message: n.msg})

	case "input_json_delta":
		if block.partialJSON == nil {
			block.partialJSON = &strings.Builder{}
		}
		block.partialJSON.WriteString(delta.PartialJSON)
		block.Arguments = parsePartialJSON(block.partialJSON.String())
		n.emit(Event{
			Type:         EventToolcallDelta,
			ContentIndex: pos,
			Delta:        delta.PartialJSON,
			Partial:      block.Arguments,
			Message:      n.msg,
		})
	}
}

func (n *Normalizer) stopBlock(index int64) {
	pos, ok := n.positions[index]
	if !ok {
		return
	}
	delete(n.positions, index)
	block := n.msg.Content[pos]

	var eventType EventType
	switch block.Kind {
	case BlockText:
		eventType = EventTextEnd
	case BlockThinking:
		eventType = EventThinkingEnd
	case BlockToolCall:
		block.Arguments = parsePartialJSON(block.partialJSON.String())
		block.partialJSON = nil
		eventType = EventToolcallEnd
	}
	n.emit(Event{Type: eventType, ContentIndex: pos, Message: n.msg})
}

func mapStopReason(raw string) (StopReason, error) {
	switch raw {
	case "end_turn", "stop_sequence":
		return StopReasonStop, nil
	case "max_tokens":
		return StopReasonLength, nil
	case "tool_use":
		return StopReasonToolUse, nil
	case "refusal":
		return StopReasonError, nil
	default:
		return "", &ProtocolError{Reason: raw}
	}
}

// FormatProviderError renders a transport failure for ErrorMessage, including
// a retry-after hint when the provider sent one.
func FormatProviderError(err error) string {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		msg := fmt.Sprintf("provider request failed (HTTP %d)", apierr.StatusCode)
		if apierr.Response != nil {
			if retry := apierr.Response.Header.Get("Retry-After"); retry != "" {
				msg += fmt.Sprintf(", retry after %ss", retry)
			}
		}
		return msg + ": " + apierr.Error()
	}
	return err.Error()
}
