package convo

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/eval"
	"github.com/convoflow/convoflow/pipeline"
	"github.com/convoflow/convoflow/storage"
)

// Status is a conversation's lifecycle state.
type Status string

const (
	StatusNew           Status = "new"
	StatusActive        Status = "active"
	StatusEnding        Status = "ending"
	StatusTransitioning Status = "transitioning"
	StatusInactive      Status = "inactive"
	StatusStopped       Status = "stopped"
	StatusCompleted     Status = "completed"
	StatusTimeout       Status = "timeout"
	StatusUnknownThread Status = "unknown_thread"
)

// DefaultThread is the thread every conversation starts in.
const DefaultThread = "default"

// TimeoutThread, when present, plays instead of hard-stopping on answer
// timeout.
const TimeoutThread = "on_timeout"

// BeforeHook runs before a thread activates. Returning an error aborts
// the thread change.
type BeforeHook func(ctx context.Context, c *Conversation) error

// QA is one captured question/answer pair.
type QA struct {
	Question string
	Key      string
	Answer   string
}

type installedHandler struct {
	options []AnswerOption
	capture CaptureOptions
}

// Conversation is one scripted exchange with one user in one channel. It
// advances on ticks: each tick processes at most one queued step, and a
// question step pauses the queue until Handle captures an answer.
type Conversation struct {
	ID     string
	Task   *Task
	Source *core.Message

	// Vars holds conversation-scoped variables exposed to templates.
	Vars map[string]any

	deps *Deps

	status     Status
	threads    map[string][]*Step
	thread     string
	queue      []*Step
	sent       []*core.Message
	transcript []*core.Message
	responses  map[string][]*core.Message
	handler    *installedHandler

	lastActive   time.Time
	lastSentStep *Step

	// processing pauses ticks while an async side effect is in flight.
	processing bool

	// epoch invalidates in-flight completions; it advances on stop and on
	// every thread switch.
	epoch uint64

	beforeHooks    map[string][]BeforeHook
	timeoutHandler func(ctx context.Context, c *Conversation)

	events map[string][]func(c *Conversation)

	completionsMu sync.Mutex
	completions   []func(ctx context.Context)
}

func newConversation(ctx context.Context, task *Task, msg *core.Message) *Conversation {
	c := &Conversation{
		ID:          task.deps.NextID(),
		Task:        task,
		Source:      msg,
		Vars:        map[string]any{},
		deps:        task.deps,
		status:      StatusNew,
		threads:     map[string][]*Step{},
		responses:   map[string][]*core.Message{},
		beforeHooks: map[string][]BeforeHook{},
		events:      map[string][]func(c *Conversation){},
		lastActive:  task.deps.Now(),
	}
	c.GotoThread(ctx, DefaultThread)
	return c
}

// Activate runs the conversation-start middleware and marks the
// conversation active, letting ticks process its queue.
func (c *Conversation) Activate(ctx context.Context) {
	if err := c.deps.Pipeline.Run(ctx, pipeline.StageConversationStart, &pipeline.Frame{Conversation: c}); err != nil {
		c.deps.Logger.Error("conversation start middleware failed", "convo_id", c.ID, "error", err)
		return
	}
	c.status = StatusActive
	c.Task.trigger("conversationStarted")
}

// Deactivate parks the conversation without ending it.
func (c *Conversation) Deactivate() { c.status = StatusInactive }

// Status returns the current lifecycle state.
func (c *Conversation) Status() Status { return c.status }

// IsActive reports whether ticks still process this conversation. Ending
// counts as active so timeout threads can play out.
func (c *Conversation) IsActive() bool {
	return c.status == StatusActive || c.status == StatusEnding
}

// Successful reports whether the conversation ran to completion. A still
// active conversation is never successful.
func (c *Conversation) Successful() bool {
	return !c.IsActive() && c.status == StatusCompleted
}

// Say appends a step to the current thread (and the live queue when that
// thread is active).
func (c *Conversation) Say(step *Step) { c.AddStep(step, "") }

// SayFirst pushes a step to the front of the live queue, making it the
// next step processed.
func (c *Conversation) SayFirst(step *Step) {
	c.queue = append([]*Step{step.clone()}, c.queue...)
}

// Ask appends a question step to the current thread.
func (c *Conversation) Ask(step *Step) {
	step.Kind = StepQuestion
	c.AddStep(step, "")
}

// AddQuestion appends a question built from its parts to the named
// thread.
func (c *Conversation) AddQuestion(text string, capture CaptureOptions, thread string, options ...AnswerOption) {
	c.AddStep(Question(text, capture, options...), thread)
}

// AddConditional appends a branch-only step to the named thread.
func (c *Conversation) AddConditional(cond *Conditional, thread string) {
	c.AddStep(ConditionalStep(cond), thread)
}

// AddStep appends a step to the named thread, defaulting to the current
// one. When the thread is the active one, a working copy also joins the
// live queue.
func (c *Conversation) AddStep(step *Step, thread string) {
	if thread == "" {
		thread = c.thread
	}
	c.threads[thread] = append(c.threads[thread], step)
	if thread == c.thread {
		c.queue = append(c.queue, step.clone())
	}
}

// HasThread reports whether a thread exists.
func (c *Conversation) HasThread(thread string) bool {
	_, ok := c.threads[thread]
	return ok
}

// CurrentThread returns the name of the active thread.
func (c *Conversation) CurrentThread() string { return c.thread }

// BeforeThread registers a hook run before the named thread activates.
func (c *Conversation) BeforeThread(thread string, hook BeforeHook) {
	c.beforeHooks[thread] = append(c.beforeHooks[thread], hook)
}

// GotoThread switches to the named thread: before hooks run first, then
// the thread's steps are cloned into the live queue, replacing whatever
// was pending. Switching to a missing thread (other than the default,
// which is created on demand) stops the conversation with
// StatusUnknownThread.
func (c *Conversation) GotoThread(ctx context.Context, thread string) {
	c.processing = true

	for _, hook := range c.beforeHooks[thread] {
		if err := hook(ctx, c); err != nil {
			c.deps.Logger.Error("before-thread hook failed", "convo_id", c.ID, "thread", thread, "error", err)
			c.processing = false
			return
		}
	}

	if !c.HasThread(thread) {
		if thread != DefaultThread {
			c.deps.Logger.Warn("switch to unknown thread", "convo_id", c.ID, "thread", thread)
			c.processing = false
			c.stop(ctx, StatusUnknownThread)
			return
		}
		c.threads[DefaultThread] = []*Step{}
	}

	c.epoch++
	c.thread = thread
	c.queue = make([]*Step, 0, len(c.threads[thread]))
	for _, s := range c.threads[thread] {
		c.queue = append(c.queue, s.clone())
	}
	c.handler = nil
	c.processing = false
}

// TransitionTo plays a bridge message and then switches to the named
// thread once it has been sent.
func (c *Conversation) TransitionTo(ctx context.Context, thread string, step *Step) {
	num := 1
	for c.HasThread("transition_" + strconv.Itoa(num)) {
		num++
	}
	name := "transition_" + strconv.Itoa(num)

	step.Action = thread
	c.AddStep(step, name)
	c.GotoThread(ctx, name)
}

// Next releases the queue after a question; answer handlers call it when
// they are done.
func (c *Conversation) Next() { c.handler = nil }

// Repeat re-enqueues the last sent step. When other steps are already
// pending it goes to the front so the repeat happens before them.
func (c *Conversation) Repeat() {
	if c.lastSentStep == nil {
		return
	}
	if len(c.queue) == 0 {
		c.queue = append(c.queue, c.lastSentStep.clone())
		return
	}
	c.queue = append([]*Step{c.lastSentStep.clone()}, c.queue...)
}

// SilentRepeat keeps waiting for another answer without resending the
// question.
func (c *Conversation) SilentRepeat() {}

// SetTimeout sets how long the bot waits for an answer before the
// timeout path fires.
func (c *Conversation) SetTimeout(d time.Duration) { c.Task.timeLimit = d }

// OnTimeout installs a handler that replaces the default timeout
// behavior. The handler is responsible for ending or redirecting the
// conversation.
func (c *Conversation) OnTimeout(fn func(ctx context.Context, c *Conversation)) {
	c.timeoutHandler = fn
}

// On subscribes to a conversation event ("end", "sent").
func (c *Conversation) On(event string, fn func(c *Conversation)) {
	for _, ev := range strings.Split(event, ",") {
		ev = strings.TrimSpace(ev)
		if ev == "" {
			continue
		}
		c.events[ev] = append(c.events[ev], fn)
	}
}

func (c *Conversation) trigger(event string) {
	for _, fn := range c.events[event] {
		fn(c)
	}
}

// Stop ends the conversation with the given status (StatusStopped when
// empty), clears the queue and handler, and notifies the task.
func (c *Conversation) Stop(ctx context.Context, status Status) {
	c.stop(ctx, status)
}

func (c *Conversation) stop(ctx context.Context, status Status) {
	if status == "" {
		status = StatusStopped
	}
	c.handler = nil
	c.queue = nil
	c.processing = false
	c.epoch++
	c.status = status
	c.deps.Logger.Debug("conversation ended", "convo_id", c.ID, "status", string(status))
	c.Task.conversationEnded(ctx, c)
}

// Handle feeds an inbound answer to the waiting question. It returns
// false when no question is waiting. The answer runs through the capture
// middleware, is recorded under the question's response key, and is then
// dispatched to the first matching answer option (or the default one).
func (c *Conversation) Handle(ctx context.Context, msg *core.Message) bool {
	c.lastActive = c.deps.Now()
	c.transcript = append(c.transcript, msg)

	if c.handler == nil {
		return false
	}
	handler := c.handler

	c.capture(ctx, msg, handler.capture)

	for i := range handler.options {
		opt := &handler.options[i]
		if len(opt.Patterns) == 0 {
			continue
		}
		if c.deps.Matcher.Match(opt.Patterns, msg) {
			c.runAnswerHandler(ctx, opt, msg)
			return true
		}
	}
	for i := range handler.options {
		opt := &handler.options[i]
		if opt.Default {
			c.runAnswerHandler(ctx, opt, msg)
			return true
		}
	}
	return true
}

func (c *Conversation) runAnswerHandler(ctx context.Context, opt *AnswerOption, msg *core.Message) {
	if err := c.deps.Pipeline.Run(ctx, pipeline.StageHeard, &pipeline.Frame{Message: msg, Conversation: c}); err != nil {
		c.deps.Logger.Error("heard middleware failed", "convo_id", c.ID, "error", err)
		return
	}
	if opt.Handler != nil {
		opt.Handler(ctx, msg, c)
	}
}

// capture records an answer. The response key is the capture option key
// when set, otherwise the text of the question that was asked. With
// Multiple set answers accumulate; otherwise the latest answer wins.
func (c *Conversation) capture(ctx context.Context, msg *core.Message, opts CaptureOptions) {
	if err := c.deps.Pipeline.Run(ctx, pipeline.StageCapture, &pipeline.Frame{Message: msg, Conversation: c}); err != nil {
		c.deps.Logger.Error("capture middleware failed", "convo_id", c.ID, "error", err)
	}

	msg.Text = strings.TrimSpace(msg.Text)

	// Key on the rendered text that actually went out, not the raw step
	// template, so templated questions and picked variations stay
	// consistent with what the user saw.
	question := ""
	if last := c.lastSent(); last != nil {
		question = last.Text
	}
	msg.Question = question

	key := question
	if opts.Key != "" {
		key = opts.Key
	}

	if opts.Multiple {
		c.responses[key] = append(c.responses[key], msg)
		return
	}
	c.responses[key] = []*core.Message{msg}
}

// SetVar sets a conversation variable. With persist set the value is
// also appended to the user's attribute history.
func (c *Conversation) SetVar(ctx context.Context, key string, value any, persist bool) {
	if c.Vars == nil {
		c.Vars = map[string]any{}
	}
	c.Vars[key] = value

	if !persist || c.deps.Store == nil {
		return
	}
	err := c.deps.Store.Users().SaveAttribute(ctx, c.Source.User, storage.Attribute{Key: key, Value: value})
	if err != nil {
		c.deps.Logger.Error("persist variable failed", "convo_id", c.ID, "key", key, "error", err)
	}
}

// GetVar returns a conversation variable.
func (c *Conversation) GetVar(key string) (any, bool) {
	v, ok := c.Vars[key]
	return v, ok
}

// lookupVar resolves a variable for condition evaluation, falling back
// to the user's stored attribute when the conversation has no value.
func (c *Conversation) lookupVar(ctx context.Context, name string) (any, bool) {
	if v, ok := c.Vars[name]; ok && v != nil && v != "" {
		return v, true
	}
	if c.deps.Store == nil {
		return nil, false
	}
	attr, err := c.deps.Store.Users().LatestAttribute(ctx, c.Source.User, name)
	if err != nil {
		return nil, false
	}
	return attr.Value, true
}

// ReplaceTokens renders template tokens in text against the
// conversation's identity, responses, origin message and variables.
// Render failures are non-fatal: the raw text is returned and the error
// logged.
func (c *Conversation) ReplaceTokens(text string) string {
	tc := &eval.TemplateContext{
		Identity:  c.deps.Identity,
		Responses: c.ExtractResponses(),
		Origin:    c.Task.Source,
		Vars:      c.Vars,
	}
	rendered, err := eval.RenderTokens(text, tc)
	if err != nil {
		c.deps.Logger.Warn("message template failed", "convo_id", c.ID, "error", err)
		return text
	}
	return rendered
}

func (c *Conversation) replaceAttachmentTokens(a core.Attachment) core.Attachment {
	if a == nil {
		return nil
	}
	out := make(core.Attachment, len(a))
	for k, v := range a {
		out[k] = c.replaceValueTokens(v)
	}
	return out
}

func (c *Conversation) replaceValueTokens(v any) any {
	switch tv := v.(type) {
	case string:
		return c.ReplaceTokens(tv)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = c.replaceValueTokens(item)
		}
		return out
	case core.Attachment:
		return c.replaceAttachmentTokens(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = c.replaceValueTokens(item)
		}
		return out
	default:
		return v
	}
}

// cloneStepMessage builds the outbound message for a step: a random text
// variation with tokens rendered, attachments rendered, and a
// continue-typing hint when more steps follow a non-question.
func (c *Conversation) cloneStepMessage(step *Step) *core.Message {
	out := &core.Message{
		ID:      core.NewID(),
		Type:    "message",
		Channel: c.Source.Channel,
		User:    c.Source.User,
	}

	if len(step.Text) > 0 {
		out.Text = c.ReplaceTokens(step.Text[c.deps.Rand(len(step.Text))])
	}
	if len(step.Attachments) > 0 {
		out.Attachments = make([]core.Attachment, len(step.Attachments))
		for i, a := range step.Attachments {
			out.Attachments[i] = c.replaceAttachmentTokens(a)
		}
	}
	if len(step.Attachment) > 0 {
		out.Attachment = c.replaceAttachmentTokens(step.Attachment)
	}
	if len(step.QuickReplies) > 0 {
		out.QuickReplies = append([]core.QuickReply(nil), step.QuickReplies...)
	}
	if len(step.Meta) > 0 {
		out.Meta = make(map[string]any, len(step.Meta))
		for k, v := range step.Meta {
			out.Meta[k] = v
		}
	}
	if len(c.queue) > 0 && !step.isQuestion() {
		out.ContinueTyping = true
	}
	return out
}

// SeedResponse pre-populates an answer, making script-supplied variables
// addressable as {{.responses.name}} like any captured answer.
func (c *Conversation) SeedResponse(key, text string) {
	c.responses[key] = []*core.Message{{Question: key, Text: text, User: c.Source.User}}
}

// PopResponse discards the most recent answer recorded under key.
func (c *Conversation) PopResponse(key string) {
	if msgs := c.responses[key]; len(msgs) > 0 {
		c.responses[key] = msgs[:len(msgs)-1]
	}
}

// LastResponse returns the most recent answer recorded under key.
func (c *Conversation) LastResponse(key string) *core.Message {
	msgs := c.responses[key]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// ApplyAction handles an answer option's action: a built-in verb, a
// script transition, or a thread name.
func (c *Conversation) ApplyAction(ctx context.Context, action string, execute *ScriptCall) {
	c.handleAction(ctx, action, execute, nil)
}

// ExtractResponse returns the combined answer text recorded under key.
func (c *Conversation) ExtractResponse(key string) string {
	return CombineMessages(c.responses[key])
}

// ExtractResponses returns all answers keyed by question.
func (c *Conversation) ExtractResponses() map[string]string {
	out := make(map[string]string, len(c.responses))
	for key := range c.responses {
		out[key] = c.ExtractResponse(key)
	}
	return out
}

// GetResponses returns the question/answer pairs captured so far.
func (c *Conversation) GetResponses() map[string]QA {
	out := make(map[string]QA, len(c.responses))
	for key, msgs := range c.responses {
		question := ""
		if len(msgs) > 0 {
			question = msgs[0].Question
		}
		out[key] = QA{Question: question, Key: key, Answer: c.ExtractResponse(key)}
	}
	return out
}

// Transcript returns every message sent or received in this
// conversation, in order.
func (c *Conversation) Transcript() []*core.Message {
	return append([]*core.Message(nil), c.transcript...)
}

// Sent returns the outbound messages dispatched so far.
func (c *Conversation) Sent() []*core.Message {
	return append([]*core.Message(nil), c.sent...)
}

// CombineMessages merges captured answers into one string. A single
// answer passes through; answers from multiple users are grouped under
// "<@user>:" headers.
func CombineMessages(messages []*core.Message) string {
	if len(messages) == 0 {
		return ""
	}
	if len(messages) == 1 {
		return messages[0].Text
	}

	multiUser := false
	for _, m := range messages {
		if m.User != messages[0].User {
			multiUser = true
			break
		}
	}

	var txt []string
	lastUser := ""
	for _, m := range messages {
		if multiUser && m.User != lastUser {
			lastUser = m.User
			if len(txt) > 0 {
				txt = append(txt, "")
			}
			txt = append(txt, "<@"+m.User+">:")
		}
		txt = append(txt, m.Text)
	}
	return strings.Join(txt, "\n")
}

// enqueueCompletion schedules fn to run at the start of the next tick,
// on the engine's goroutine.
func (c *Conversation) enqueueCompletion(fn func(ctx context.Context)) {
	c.completionsMu.Lock()
	defer c.completionsMu.Unlock()
	c.completions = append(c.completions, fn)
}

// hasPendingWork reports whether the conversation still owes a tick
// despite not being active: a transition or other async side effect in
// flight, or completions waiting to drain.
func (c *Conversation) hasPendingWork() bool {
	c.completionsMu.Lock()
	pending := len(c.completions) > 0
	c.completionsMu.Unlock()
	return pending || c.processing
}

func (c *Conversation) drainCompletions(ctx context.Context) {
	c.completionsMu.Lock()
	pending := c.completions
	c.completions = nil
	c.completionsMu.Unlock()

	for _, fn := range pending {
		fn(ctx)
	}
}
