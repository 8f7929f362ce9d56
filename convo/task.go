package convo

import (
	"context"
	"strings"
	"time"

	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/pipeline"
)

// Task groups the conversations spawned by one triggering message. It
// stays active while any of its conversations is active and aggregates
// their captured answers.
type Task struct {
	ID     string
	Source *core.Message

	// StartedAt anchors the answer timeout check.
	StartedAt time.Time

	deps      *Deps
	convos    []*Conversation
	status    Status
	timeLimit time.Duration
	events    map[string][]func(t *Task)
}

// NewTask creates an active task for the given triggering message.
func NewTask(source *core.Message, deps *Deps) *Task {
	if deps == nil {
		deps = &Deps{}
	}
	deps.normalize()
	return &Task{
		ID:        deps.NextID(),
		Source:    source,
		StartedAt: deps.Now(),
		deps:      deps,
		status:    StatusActive,
		timeLimit: deps.TimeLimit,
		events:    map[string][]func(t *Task){},
	}
}

// IsActive reports whether the task still has work to do.
func (t *Task) IsActive() bool { return t.status == StatusActive }

// Status returns the task's lifecycle state.
func (t *Task) Status() Status { return t.status }

// TimeLimit returns the current answer timeout.
func (t *Task) TimeLimit() time.Duration { return t.timeLimit }

// SetTimeLimit sets how long conversations wait for an answer.
func (t *Task) SetTimeLimit(d time.Duration) { t.timeLimit = d }

// Conversations returns the task's conversations, active or not.
func (t *Task) Conversations() []*Conversation {
	return append([]*Conversation(nil), t.convos...)
}

// CreateConversation builds a new conversation for msg without
// activating it, so callers can script threads before the queue starts.
func (t *Task) CreateConversation(ctx context.Context, msg *core.Message) *Conversation {
	c := newConversation(ctx, t, msg)
	t.convos = append(t.convos, c)
	t.deps.Logger.Debug("conversation created", "task_id", t.ID, "convo_id", c.ID, "user", msg.User, "channel", msg.Channel)
	return c
}

// StartConversation creates and immediately activates a conversation.
func (t *Task) StartConversation(ctx context.Context, msg *core.Message) *Conversation {
	c := t.CreateConversation(ctx, msg)
	c.Activate(ctx)
	return c
}

// conversationEnded runs the conversation-end middleware and, when the
// last active conversation is gone, ends the task.
func (t *Task) conversationEnded(ctx context.Context, c *Conversation) {
	if err := t.deps.Pipeline.Run(ctx, pipeline.StageConversationEnd, &pipeline.Frame{Conversation: c}); err != nil {
		t.deps.Logger.Error("conversation end middleware failed", "task_id", t.ID, "convo_id", c.ID, "error", err)
	}

	t.trigger("conversationEnded")
	c.trigger("end")

	for _, other := range t.convos {
		if other.IsActive() {
			return
		}
	}
	t.taskEnded()
}

// EndImmediately stops every active conversation with the given status.
// A task with no active conversation, stopped before its first one ever
// activated, is ended outright so it does not linger in the scheduler.
func (t *Task) EndImmediately(ctx context.Context, status Status) {
	stopped := false
	for _, c := range t.convos {
		if c.IsActive() {
			c.stop(ctx, status)
			stopped = true
		}
	}
	if !stopped && t.IsActive() {
		t.taskEnded()
	}
}

func (t *Task) taskEnded() {
	t.deps.Logger.Debug("task ended", "task_id", t.ID)
	t.status = StatusCompleted
	t.trigger("end")
}

// On subscribes to a task event ("conversationEnded", "end").
func (t *Task) On(event string, fn func(t *Task)) {
	for _, ev := range strings.Split(event, ",") {
		ev = strings.TrimSpace(ev)
		if ev == "" {
			continue
		}
		t.events[ev] = append(t.events[ev], fn)
	}
}

func (t *Task) trigger(event string) {
	for _, fn := range t.events[event] {
		fn(t)
	}
}

// GetResponsesByUser aggregates extracted answers per user across all of
// the task's conversations.
func (t *Task) GetResponsesByUser() map[string]map[string]string {
	users := map[string]map[string]string{}
	for _, c := range t.convos {
		users[c.Source.User] = c.ExtractResponses()
	}
	return users
}

// GetResponsesBySubject aggregates extracted answers per question key,
// mapping each answering user to their answer.
func (t *Task) GetResponsesBySubject() map[string]map[string]string {
	answers := map[string]map[string]string{}
	for _, c := range t.convos {
		for key := range c.responses {
			if answers[key] == nil {
				answers[key] = map[string]string{}
			}
			answers[key][c.Source.User] = c.ExtractResponse(key)
		}
	}
	return answers
}

// Tick advances every active conversation by one step. Conversations
// that are no longer active but still owe work, a script transition in
// flight or queued completions from background side effects, are ticked
// too so their completions drain.
func (t *Task) Tick(ctx context.Context) {
	for _, c := range t.convos {
		if c.IsActive() || c.hasPendingWork() {
			c.Tick(ctx)
		}
	}
}
