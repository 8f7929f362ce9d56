package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/convoflow/convoflow/convo"
	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/metrics"
	"github.com/convoflow/convoflow/pipeline"
	"github.com/convoflow/convoflow/router"
	"github.com/convoflow/convoflow/script"
)

// HearsHandler processes a message that matched one of its patterns.
type HearsHandler func(ctx context.Context, bot *Bot, msg *core.Message)

// Hears subscribes a handler to one or more comma-separated event names,
// fired only when the message text matches one of the patterns. Pattern
// handlers always run before generic On handlers and claim the event on
// a match.
func (e *Engine) Hears(patterns []string, events string, h HearsHandler) {
	resolved := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if u, ok := e.utterances[p]; ok {
			p = u
		}
		resolved = append(resolved, p)
	}

	e.router.On(events, func(ctx context.Context, f *pipeline.Frame) router.Disposition {
		msg := f.Message
		if msg == nil || !e.matcher.Match(resolved, msg) {
			return router.Skip
		}
		if err := e.pipeline.Run(ctx, pipeline.StageHeard, f); err != nil {
			e.logger.Error("heard middleware failed", "error", err)
			return router.Stop
		}
		h(ctx, e.Spawn(), msg)
		e.router.Trigger(ctx, "heard_trigger", f)
		return router.Stop
	}, true)
}

// On subscribes a generic handler to one or more comma-separated event
// names. Generic handlers run after pattern handlers and behind the
// triggered middleware stage. Returning true claims the event.
func (e *Engine) On(events string, h func(ctx context.Context, bot *Bot, msg *core.Message) bool) {
	e.router.On(events, func(ctx context.Context, f *pipeline.Frame) router.Disposition {
		if h(ctx, e.Spawn(), f.Message) {
			return router.Stop
		}
		return router.Continue
	}, false)
}

// Trigger dispatches a named event through the router. It reports
// whether any handler claimed it.
func (e *Engine) Trigger(ctx context.Context, event string, msg *core.Message) bool {
	return e.router.Trigger(ctx, event, &pipeline.Frame{Message: msg})
}

// Ingest runs an inbound message through the ingest, normalize,
// categorize and receive stages, then dispatches it: to the active
// conversation for its user and channel first, then to pattern and
// generic handlers, and finally against the script provider's triggers.
func (e *Engine) Ingest(ctx context.Context, bot *Bot, msg *core.Message) error {
	if msg == nil {
		return errors.New("engine: nil message")
	}
	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	if msg.Raw == nil {
		msg.Raw = msg.Clone()
	}

	frame := &pipeline.Frame{Message: msg}
	for _, stage := range []pipeline.Stage{
		pipeline.StageIngest,
		pipeline.StageNormalize,
		pipeline.StageCategorize,
	} {
		if err := e.pipeline.Run(ctx, stage, frame); err != nil {
			return fmt.Errorf("engine: ingest: %w", err)
		}
	}
	if msg.Type == "" {
		msg.Type = "message_received"
	}
	if err := e.pipeline.Run(ctx, pipeline.StageReceive, frame); err != nil {
		return fmt.Errorf("engine: ingest: %w", err)
	}

	e.dispatch(ctx, bot, frame)
	return nil
}

func (e *Engine) dispatch(ctx context.Context, bot *Bot, frame *pipeline.Frame) {
	msg := frame.Message

	if !e.excluded[msg.Type] {
		if c := e.findConversation(msg.User, msg.Channel); c != nil {
			c.Handle(ctx, msg)
			return
		}
	}

	if e.router.Trigger(ctx, msg.Type, frame) {
		return
	}

	if e.scripts == nil || msg.Type != "message_received" {
		return
	}

	s, err := e.scripts.EvaluateTrigger(ctx, msg.Text, msg.User)
	if err != nil {
		if !errors.Is(err, script.ErrNotFound) {
			metrics.ScriptFetches.WithLabelValues("error").Inc()
			e.logger.Error("trigger evaluation failed", "error", err)
		}
		return
	}
	metrics.ScriptFetches.WithLabelValues("hit").Inc()

	if _, err := e.StartScript(ctx, bot, s, msg); err != nil {
		e.logger.Error("script start failed", "command", s.Command, "error", err)
	}
}

// findConversation returns the active conversation addressed by a user
// and channel pair, if any.
func (e *Engine) findConversation(user, channel string) *convo.Conversation {
	for _, task := range e.Tasks() {
		for _, c := range task.Conversations() {
			if !c.IsActive() {
				continue
			}
			if c.Source.User == user && c.Source.Channel == channel {
				return c
			}
		}
	}
	return nil
}

// RunScript fetches a script by name and starts it for msg.
func (e *Engine) RunScript(ctx context.Context, bot *Bot, name string, msg *core.Message) (*convo.Conversation, error) {
	s, err := e.scriptByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.StartScript(ctx, bot, s, msg)
}

func (e *Engine) scriptByName(ctx context.Context, name string) (*script.Script, error) {
	if e.scripts == nil {
		return nil, errors.New("engine: no script provider configured")
	}
	s, err := e.scripts.GetScript(ctx, name)
	if err != nil {
		if errors.Is(err, script.ErrNotFound) {
			metrics.ScriptFetches.WithLabelValues("miss").Inc()
		} else {
			metrics.ScriptFetches.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	metrics.ScriptFetches.WithLabelValues("hit").Inc()
	return s, nil
}

// StartScript compiles a script onto a fresh task and activates the
// resulting conversation. The command_triggered event fires before
// activation and remote_command_end when the conversation finishes.
func (e *Engine) StartScript(ctx context.Context, bot *Bot, s *script.Script, msg *core.Message) (*convo.Conversation, error) {
	task := e.NewTask(bot, msg)
	c, err := e.compiler.Compile(ctx, task, msg, s)
	if err != nil {
		task.EndImmediately(ctx, convo.StatusStopped)
		return nil, fmt.Errorf("engine: compile script %q: %w", s.Command, err)
	}
	e.observe(c)
	c.On("end", func(c *convo.Conversation) {
		e.router.Trigger(ctx, "remote_command_end", &pipeline.Frame{Message: msg, Conversation: c})
	})

	e.router.Trigger(ctx, "command_triggered", &pipeline.Frame{Message: msg, Conversation: c})
	c.Activate(ctx)
	return c, nil
}
