package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/convoflow/convoflow/convo"
	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/eval"
	"github.com/convoflow/convoflow/pipeline"
)

// transition builds the collaborator that execute_script steps use: it
// fetches and compiles the named script onto a fresh task, leaving
// activation to the conversation that requested the hand-off.
func (e *Engine) transition(bot *Bot) convo.TransitionFunc {
	return func(ctx context.Context, name, thread string, src *core.Message) (*convo.Conversation, error) {
		s, err := e.scriptByName(ctx, name)
		if err != nil {
			return nil, err
		}

		task := e.NewTask(bot, src.CloneForTrigger())
		c, err := e.compiler.Compile(ctx, task, src.CloneForTrigger(), s)
		if err != nil {
			task.EndImmediately(ctx, convo.StatusStopped)
			return nil, fmt.Errorf("engine: compile script %q: %w", name, err)
		}
		e.observe(c)
		return c, nil
	}
}

// notify builds the collaborator conversations use to raise engine-level
// events. A dialogue redirect re-enters the selected trigger phrase as a
// fresh inbound message; hand-off events only fan out to subscribers.
func (e *Engine) notify(bot *Bot) convo.NotifyFunc {
	return func(ctx context.Context, event string, msg *core.Message) {
		switch event {
		case convo.EventRedirect:
			e.router.Trigger(ctx, event, &pipeline.Frame{Message: msg})
			if err := e.Ingest(ctx, bot, msg); err != nil {
				e.logger.Error("redirect dispatch failed", "error", err)
			}
		default:
			e.router.Trigger(ctx, event, &pipeline.Frame{Message: msg})
		}
	}
}

// schedule links the user behind src to a subscription group through the
// helper service.
func (e *Engine) schedule(ctx context.Context, link *eval.SubscriptionLink, group eval.SubscriptionGroup, src *core.Message) error {
	if link == nil {
		return errors.New("engine: nil subscription link")
	}
	user, channel := "", ""
	if src != nil {
		user, channel = src.User, src.Channel
	}
	return e.api.LinkSubscription(ctx, link, group, e.scriptToken, user, channel)
}
