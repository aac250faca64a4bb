// Package worker hosts one task's agent loop in an isolated goroutine and
// speaks a small serializable message protocol with its owner: Start and
// Abort inbound, Event and Done outbound.
package worker

import (
	"encoding/json"
	"fmt"

	"github.com/maximhar/oh-my-pi/internal/wire"
)

// MessageType discriminates protocol envelopes on the wire.
type MessageType string

const (
	MsgStart MessageType = "start"
	MsgAbort MessageType = "abort"
	MsgEvent MessageType = "event"
	MsgDone  MessageType = "done"
)

// Message is one protocol envelope.
type Message interface {
	MessageType() MessageType
}

// StartPayload carries everything a runtime needs to run one task.
type StartPayload struct {
	Cwd          string            `json:"cwd"`
	Task         string            `json:"task"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	Model        string            `json:"model,omitempty"`
	ToolNames    []string          `json:"toolNames,omitempty"`
	OutputSchema map[string]any    `json:"outputSchema,omitempty"`
	SessionFile  string            `json:"sessionFile,omitempty"`
	SpawnsEnv    map[string]string `json:"spawnsEnv,omitempty"`
}

type Start struct {
	Payload StartPayload `json:"payload"`
}

func (Start) MessageType() MessageType { return MsgStart }

type Abort struct{}

func (Abort) MessageType() MessageType { return MsgAbort }

type EventMsg struct {
	Event wire.Event `json:"event"`
}

func (EventMsg) MessageType() MessageType { return MsgEvent }

type Done struct {
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
	Aborted    bool   `json:"aborted,omitempty"`
}

func (Done) MessageType() MessageType { return MsgDone }

type envelope struct {
	Type MessageType `json:"type"`

	Payload *StartPayload `json:"payload,omitempty"`

	Event *wire.Event `json:"event,omitempty"`

	ExitCode   *int   `json:"exitCode,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Error      string `json:"error,omitempty"`
	Aborted    bool   `json:"aborted,omitempty"`
}

// Encode serializes a message into its wire envelope.
func Encode(msg Message) ([]byte, error) {
	env := envelope{Type: msg.MessageType()}
	switch m := msg.(type) {
	case Start:
		env.Payload = &m.Payload
	case Abort:
	case EventMsg:
		env.Event = &m.Event
	case Done:
		exit := m.ExitCode
		env.ExitCode = &exit
		env.DurationMs = m.DurationMs
		env.Error = m.Error
		env.Aborted = m.Aborted
	default:
		return nil, fmt.Errorf("worker: unknown message %T", msg)
	}
	return json.Marshal(env)
}

// Decode parses a wire envelope back into a message.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("worker: decode envelope: %w", err)
	}
	switch env.Type {
	case MsgStart:
		if env.Payload == nil {
			return nil, fmt.Errorf("worker: start envelope without payload")
		}
		return Start{Payload: *env.Payload}, nil
	case MsgAbort:
		return Abort{}, nil
	case MsgEvent:
		if env.Event == nil {
			return nil, fmt.Errorf("worker: event envelope without event")
		}
		return EventMsg{Event: *env.Event}, nil
	case MsgDone:
		done := Done{DurationMs: env.DurationMs, Error: env.Error, Aborted: env.Aborted}
		if env.ExitCode != nil {
			done.ExitCode = *env.ExitCode
		}
		return done, nil
	default:
		return nil, fmt.Errorf("worker: unknown envelope type %q", env.Type)
	}
}
