package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maximhar/oh-my-pi/internal/session"
	"github.com/maximhar/oh-my-pi/internal/wire"
)

// CompletionTool is the tool a task agent must call to report its result.
const CompletionTool = "finish_task"

// The model occasionally ends a turn without calling CompletionTool. Nudge it
// a bounded number of times instead of looping forever.
const maxReminders = 3

var reminderPrompts = [maxReminders]string{
	"You stopped without calling the " + CompletionTool + " tool. Call it now with your final result.",
	"Reminder: you MUST call the " + CompletionTool + " tool to finish this task. Plain text replies are discarded.",
	"Final warning: call the " + CompletionTool + " tool immediately. This is your last chance to report a result.",
}

var ErrAlreadyStarted = errors.New("worker: start already received")

// SessionFactory creates the agent session a runtime drives. Injected so the
// runtime can be tested without a provider.
type SessionFactory func(ctx context.Context, payload StartPayload) (session.Session, error)

// Runtime runs exactly one task. Feed it messages with Send, consume its
// output from Messages; the channel closes after the single Done.
type Runtime struct {
	newSession SessionFactory

	inbox  chan Message
	outbox chan Message
	halted chan struct{}

	started  atomic.Bool
	doneOnce sync.Once

	mu      sync.Mutex
	cancel  context.CancelFunc
	sess    session.Session
	aborted bool
}

func NewRuntime(factory SessionFactory) *Runtime {
	r := &Runtime{
		newSession: factory,
		inbox:      make(chan Message, 16),
		outbox:     make(chan Message, 256),
		halted:     make(chan struct{}),
	}
	go r.control()
	return r
}

// Messages is the runtime's outbound stream: zero or more Event messages
// followed by exactly one Done. Done is terminal; stop reading after it.
func (r *Runtime) Messages() <-chan Message {
	return r.outbox
}

// Send delivers an inbound message. A second Start is rejected; messages
// after the runtime halts are dropped.
func (r *Runtime) Send(msg Message) error {
	if _, ok := msg.(Start); ok {
		if r.started.Swap(true) {
			return ErrAlreadyStarted
		}
	}
	select {
	case <-r.halted:
		return nil
	case r.inbox <- msg:
		return nil
	}
}

func (r *Runtime) control() {
	for {
		select {
		case <-r.halted:
			return
		case msg := <-r.inbox:
			switch m := msg.(type) {
			case Start:
				go r.run(m.Payload)
			case Abort:
				r.abort()
			default:
				slog.Warn("runtime ignoring inbound message", "type", msg.MessageType())
			}
		}
	}
}

func (r *Runtime) abort() {
	r.mu.Lock()
	r.aborted = true
	cancel := r.cancel
	sess := r.sess
	r.mu.Unlock()

	if cancel == nil {
		// Aborted before Start ever ran.
		r.finish(Done{ExitCode: 1, Aborted: true})
		return
	}
	cancel()
	if sess != nil {
		sess.Abort()
	}
}

func (r *Runtime) run(payload StartPayload) {
	started := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("worker panicked", "panic", rec)
			r.finish(Done{
				ExitCode:   1,
				DurationMs: time.Since(started).Milliseconds(),
				Error:      fmt.Sprintf("worker panic: %v", rec),
			})
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	alreadyAborted := r.aborted
	r.mu.Unlock()
	if alreadyAborted {
		r.finish(Done{ExitCode: 1, Aborted: true, DurationMs: time.Since(started).Milliseconds()})
		return
	}

	sess, err := r.newSession(ctx, payload)
	if err != nil {
		r.finish(Done{
			ExitCode:   1,
			DurationMs: time.Since(started).Milliseconds(),
			Error:      fmt.Sprintf("session setup: %v", err),
		})
		return
	}
	defer sess.Dispose()
	r.mu.Lock()
	r.sess = sess
	r.mu.Unlock()

	unsub := sess.Subscribe(func(ev wire.Event) {
		r.emit(EventMsg{Event: ev})
	})
	defer unsub()

	prompt := payload.Task
	for attempt := 0; ; attempt++ {
		err := sess.Prompt(ctx, prompt)
		elapsed := time.Since(started).Milliseconds()
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			r.finish(Done{ExitCode: 1, Aborted: true, DurationMs: elapsed})
			return
		case err != nil:
			r.finish(Done{ExitCode: 1, Error: err.Error(), DurationMs: elapsed})
			return
		}

		if completionCalled(sess) {
			r.finish(Done{ExitCode: 0, DurationMs: elapsed})
			return
		}
		if attempt >= maxReminders {
			// Give up nudging; the owner falls back to accumulated text.
			r.finish(Done{ExitCode: 0, DurationMs: elapsed})
			return
		}
		slog.Debug("agent stopped without completion tool, reminding", "attempt", attempt+1)
		prompt = reminderPrompts[attempt]
	}
}

func completionCalled(sess session.Session) bool {
	for _, msg := range sess.Messages() {
		for _, call := range msg.ToolCalls() {
			if call.Name == CompletionTool {
				return true
			}
		}
	}
	return false
}

// emit forwards an event without ever blocking the producer.
func (r *Runtime) emit(msg Message) {
	select {
	case <-r.halted:
		return
	default:
	}
	select {
	case r.outbox <- msg:
	default:
		slog.Warn("runtime outbox full, dropping event")
	}
}

// finish halts the runtime and delivers the single Done. Pending events are
// evicted if that is what it takes; Done is never dropped.
func (r *Runtime) finish(done Done) {
	r.doneOnce.Do(func() {
		close(r.halted)
		for {
			select {
			case r.outbox <- done:
				return
			default:
			}
			select {
			case <-r.outbox:
			default:
			}
		}
	})
}
