package convo

import (
	"context"
	"fmt"
	"time"

	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/eval"
	"github.com/tidwall/gjson"
)

// defaultAPIErrorMessage is sent when an external API call fails and the
// step does not configure its own error text.
const defaultAPIErrorMessage = "An error occured with a request."

// Tick advances the conversation by at most one step. Pending
// completions from background side effects run first. A tick is a no-op
// when the conversation is not active, is waiting for an async side
// effect, or is waiting for an answer that has not timed out; otherwise
// the head of the queue is processed: its directives run in a fixed
// order, its content is dispatched, and its action (if any) is handled.
// An empty queue with nothing to wait for completes the conversation.
func (c *Conversation) Tick(ctx context.Context) {
	c.drainCompletions(ctx)

	now := c.deps.Now()

	if !c.IsActive() || c.processing {
		return
	}

	if c.handler != nil {
		c.checkTimeout(ctx, now)
		return
	}

	if len(c.queue) == 0 {
		if len(c.sent) > 0 {
			c.stop(ctx, StatusCompleted)
		}
		return
	}

	// Gate on the previous message leaving (and, when required, reaching)
	// the network before processing the next step.
	if last := c.lastSent(); last != nil {
		if !last.Sent {
			return
		}
		if c.deps.RequireDelivery && !last.Delivered {
			return
		}
	}

	if due := c.queue[0].dueAt; !due.IsZero() && due.After(now) {
		return
	}

	step := c.queue[0]
	c.queue = c.queue[1:]

	if step.SetVar != nil {
		c.applySetVar(ctx, step.SetVar)
	}
	if step.APICall != nil {
		c.startAPICall(ctx, step)
	}
	if step.Redirect != nil {
		if c.applyRedirect(ctx, step.Redirect) {
			return
		}
	}
	if c.IsActive() && step.Handoff != nil {
		c.raiseHandoff(ctx, step)
	}
	if c.IsActive() && step.Subscription != nil {
		c.startSubscriptionLink(ctx, step.Subscription)
	}
	if c.IsActive() && step.BackToBot != nil {
		c.raiseBackToBot(ctx, step)
	}

	// Stamp the next step's due time now so its delay counts from this
	// step, not from thread activation.
	if len(c.queue) > 0 && c.queue[0].Delay > 0 {
		c.queue[0].dueAt = now.Add(c.queue[0].Delay)
	}

	if step.Kind == StepConditional {
		c.evaluateCondition(ctx, step.Conditional)
		return
	}

	if !c.IsActive() {
		return
	}

	if step.isQuestion() {
		c.handler = &installedHandler{options: step.Options, capture: step.Capture}
	} else {
		c.handler = nil
	}

	c.lastActive = now

	if step.hasContent() {
		c.sendStep(ctx, step)
	}
	if step.hasAction() {
		c.handleAction(ctx, step.Action, step.Execute, step.ActionFunc)
	}

	// End immediately instead of waiting for the next tick, unless a step
	// action already ended or redirected the conversation.
	if c.IsActive() && len(c.queue) == 0 && c.handler == nil && !c.processing {
		c.stop(ctx, StatusCompleted)
	}
}

func (c *Conversation) lastSent() *core.Message {
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

// checkTimeout fires the timeout path when the task's time limit has
// elapsed both since the task started and since the user last typed.
func (c *Conversation) checkTimeout(ctx context.Context, now time.Time) {
	limit := c.Task.timeLimit
	if limit <= 0 {
		return
	}
	sinceStart := now.Sub(c.Task.StartedAt)
	sinceActive := now.Sub(c.lastActive)
	if sinceStart <= limit || sinceActive <= limit {
		return
	}

	switch {
	case c.timeoutHandler != nil:
		c.timeoutHandler(ctx, c)
	case c.HasThread(TimeoutThread):
		c.status = StatusEnding
		c.GotoThread(ctx, TimeoutThread)
	default:
		c.stop(ctx, StatusTimeout)
	}
}

// sendStep dispatches the step's outbound message on a background
// goroutine; the queue stays gated until the completion marks it sent.
func (c *Conversation) sendStep(ctx context.Context, step *Step) {
	outbound := c.cloneStepMessage(step)
	outbound.SentAt = c.deps.Now()
	c.sent = append(c.sent, outbound)
	c.transcript = append(c.transcript, outbound)
	c.lastSentStep = step

	if c.deps.Replier == nil {
		outbound.Sent = true
		outbound.Delivered = true
		return
	}

	src := c.Source
	c.deps.spawn(func() {
		receipt, err := c.deps.Replier.Reply(ctx, src, outbound)
		c.enqueueCompletion(func(ctx context.Context) {
			// A failed send still counts as sent so one broken message does
			// not wedge the whole conversation.
			outbound.Sent = true
			if err != nil {
				c.deps.Logger.Error("message delivery failed", "convo_id", c.ID, "error", err)
				outbound.Outcome = err
				return
			}
			outbound.Outcome = receipt
			if receipt != nil && receipt.Delivered {
				outbound.Delivered = true
			}
			c.trigger("sent")
		})
	})
}

// handleAction interprets a step or conditional action: a built-in verb,
// a callable, or the name of a thread to switch to.
func (c *Conversation) handleAction(ctx context.Context, action string, execute *ScriptCall, fn func(ctx context.Context, c *Conversation)) {
	switch action {
	case ActionExecuteScript:
		if execute != nil {
			c.startScriptTransition(ctx, execute)
		}
	case ActionNext:
		c.Next()
	case ActionRepeat:
		c.Repeat()
		c.Next()
	case ActionStop:
		c.stop(ctx, StatusStopped)
	case ActionWait:
		c.SilentRepeat()
	case ActionComplete:
		c.stop(ctx, StatusCompleted)
	case ActionTimeout:
		c.stop(ctx, StatusTimeout)
	default:
		if fn != nil {
			fn(ctx, c)
			return
		}
		if action != "" {
			c.GotoThread(ctx, action)
		}
	}
}

// evaluateCondition renders both sides of a conditional, applies its
// test, and on success handles its action. The conversation re-ticks
// immediately so branch-only steps do not consume a tick interval.
func (c *Conversation) evaluateCondition(ctx context.Context, cond *Conditional) {
	if cond == nil {
		c.Tick(ctx)
		return
	}

	left := c.ReplaceTokens(cond.Left)
	right := c.ReplaceTokens(cond.Right)

	passed := false
	switch cond.Test {
	case "equals":
		passed = left == right
	case "!equals":
		passed = left != right
	case "exists":
		passed = left != ""
	case "!exists":
		passed = left == ""
	}

	if passed {
		c.handleAction(ctx, cond.Action, cond.Execute, nil)
	}

	c.Tick(ctx)
}

// startScriptTransition fetches the target script in the background and,
// once built, carries responses and variables over into the new
// conversation before activating it.
func (c *Conversation) startScriptTransition(ctx context.Context, execute *ScriptCall) {
	if c.deps.Transition == nil {
		c.deps.Logger.Error("script transition requested but no transition function configured", "convo_id", c.ID, "script", execute.Script)
		return
	}

	c.status = StatusTransitioning
	c.processing = true
	epoch := c.epoch

	script, thread := execute.Script, execute.Thread
	c.deps.spawn(func() {
		next, err := c.deps.Transition(ctx, script, thread, c.Source)
		c.enqueueCompletion(func(ctx context.Context) {
			if c.epoch != epoch {
				return
			}
			c.processing = false
			if err != nil {
				c.deps.Logger.Error("script transition failed", "convo_id", c.ID, "script", script, "error", err)
				c.stop(ctx, StatusStopped)
				return
			}

			for key, msgs := range c.responses {
				next.responses[key] = msgs
			}
			for key, value := range c.Vars {
				next.SetVar(ctx, key, value, false)
			}

			c.stop(ctx, StatusTransitioning)

			// The default thread is where fresh conversations start anyway;
			// switching to it explicitly would bypass the script's own
			// before hooks.
			if thread != "" && thread != DefaultThread {
				next.GotoThread(ctx, thread)
			}
			next.Activate(ctx)
		})
	})
}

// applySetVar resolves the assignment's value source (operation, entity
// or literal) and sets the variable.
func (c *Conversation) applySetVar(ctx context.Context, assign *VarAssignment) {
	value := assign.Value
	switch {
	case assign.Operation != nil:
		v, ok := eval.EvaluateOperation(ctx, assign.Operation, c.lookupVar)
		if !ok {
			c.deps.Logger.Warn("variable operation produced no value", "convo_id", c.ID, "key", assign.Key)
			return
		}
		value = v
	case assign.Entity != nil:
		v, ok := eval.EvaluateEntity(ctx, assign.Entity, c.lookupVar)
		if !ok {
			c.deps.Logger.Warn("variable entity produced no value", "convo_id", c.ID, "key", assign.Key)
			return
		}
		value = v
	}
	c.SetVar(ctx, assign.Key, value, assign.Persist)
}

// applyRedirect evaluates a dialogue redirect. On a match the
// conversation stops and the selected trigger phrase is re-dispatched as
// a new inbound message; the caller must stop processing the step.
func (c *Conversation) applyRedirect(ctx context.Context, redirect *eval.DialogueRedirect) bool {
	phrase, ok := redirect.Resolve(ctx, c.lookupVar, c.deps.Rand)
	if !ok || phrase == "" {
		return false
	}

	msg := c.Source.CloneForTrigger()
	msg.Text = phrase

	c.stop(ctx, StatusStopped)

	if c.deps.Notify != nil {
		c.deps.Notify(ctx, EventRedirect, msg)
	}
	return true
}

func (c *Conversation) raiseHandoff(ctx context.Context, step *Step) {
	if c.deps.Notify == nil {
		return
	}
	msg := c.Source.CloneForTrigger()
	msg.Meta = mergedMeta(step.Meta, map[string]any{
		"replyText":            step.Handoff.Message,
		"waitingMinutes":       step.Handoff.WaitingMinutes,
		"noResponseMessage":    step.Handoff.NoResponseMessage,
		"regainControlMessage": step.Handoff.RegainControlMessage,
	})
	c.deps.Notify(ctx, EventHumanHandoff, msg)
}

func (c *Conversation) raiseBackToBot(ctx context.Context, step *Step) {
	if c.deps.Notify == nil {
		return
	}
	msg := c.Source.CloneForTrigger()
	msg.Meta = mergedMeta(step.Meta, map[string]any{
		"isShowMessage": step.BackToBot.ShowMessage,
		"messageToUser": step.BackToBot.MessageToUser,
	})
	c.deps.Notify(ctx, EventBackToBot, msg)
}

func mergedMeta(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// startSubscriptionLink resolves the link's subscription group and hands
// it to the scheduler on a recorded background goroutine. It never
// pauses the steps that follow.
func (c *Conversation) startSubscriptionLink(ctx context.Context, link *eval.SubscriptionLink) {
	if link.LoopbackURL == "" || link.HelperAPIURL == "" {
		c.deps.Logger.Error("subscription link missing loopback or helper API url", "convo_id", c.ID)
		return
	}
	if c.deps.Scheduler == nil {
		c.deps.Logger.Error("subscription link requested but no scheduler configured", "convo_id", c.ID)
		return
	}

	group, ok := link.Resolve(ctx, c.lookupVar, c.deps.Rand)
	if !ok {
		return
	}

	c.deps.spawn(func() {
		if err := c.deps.Scheduler(ctx, link, group, c.Source); err != nil {
			c.deps.Logger.Error("subscription link failed", "convo_id", c.ID, "error", err)
		}
	})
}

// startAPICall pauses the queue and performs the step's external API
// call in the background. The completion applies the response: variables
// from "varsToSet", messages enqueued ahead of the remaining steps, or,
// for plain object responses, every top-level field stored as an
// "api_"-prefixed variable. Failures enqueue the step's error message.
func (c *Conversation) startAPICall(ctx context.Context, step *Step) {
	call := step.APICall

	req := call.Request
	req.Params = append([]core.APIParam(nil), call.Request.Params...)
	for _, ap := range call.Attributes {
		value, _ := c.lookupVar(ctx, ap.Attribute)
		req.Params = append(req.Params, core.APIParam{
			Key:    ap.Key,
			Value:  fmt.Sprintf("%v", value),
			SendIn: ap.SendIn,
		})
	}

	if c.deps.Invoker == nil {
		c.deps.Logger.Error("api call requested but no invoker configured", "convo_id", c.ID, "url", req.URL)
		return
	}

	c.processing = true
	epoch := c.epoch

	c.deps.spawn(func() {
		res, err := c.deps.Invoker.Do(ctx, req)
		c.enqueueCompletion(func(ctx context.Context) {
			if c.epoch != epoch {
				return
			}
			c.processing = false
			if err != nil {
				c.deps.Logger.Error("api call failed", "convo_id", c.ID, "url", req.URL, "error", err)
				text := call.ErrorMessage
				if text == "" {
					text = defaultAPIErrorMessage
				}
				c.SayFirst(Text(text))
				return
			}
			c.applyAPIResult(ctx, step, res)
		})
	})
}

func (c *Conversation) applyAPIResult(ctx context.Context, step *Step, res *core.APIResult) {
	if res == nil || len(res.Raw) == 0 {
		return
	}
	body := gjson.ParseBytes(res.Raw)

	varsToSet := body.Get("varsToSet")
	if !varsToSet.Exists() {
		varsToSet = body.Get("data.varsToSet")
	}
	if varsToSet.IsArray() {
		varsToSet.ForEach(func(_, item gjson.Result) bool {
			key := item.Get("key").String()
			if key != "" {
				c.SetVar(ctx, key, item.Get("value").Value(), true)
			}
			return true
		})
	}

	messages := body.Get("messages")
	if messages.IsArray() {
		items := messages.Array()
		for i := len(items) - 1; i >= 0; i-- {
			item := items[i]
			reply := &Step{Kind: StepMessage}

			if att := item.Get("attachment"); att.Exists() {
				if m, ok := att.Value().(map[string]any); ok {
					reply.Attachment = core.Attachment(m)
				}
			} else {
				reply.Text = []string{item.Get("text").String()}
			}

			// Script provenance metadata belongs on the final reply only.
			if i == len(items)-1 {
				reply.Meta = step.Meta
			}
			c.SayFirst(reply)
		}
	}

	if !varsToSet.Exists() && !messages.Exists() && body.IsObject() {
		body.ForEach(func(key, value gjson.Result) bool {
			c.SetVar(ctx, "api_"+key.String(), value.Value(), true)
			return true
		})
	}
}
