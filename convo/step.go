package convo

import (
	"context"
	"time"

	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/eval"
)

// StepKind tags what a step fundamentally is. Directives (SetVar,
// APICall, Redirect, ...) may ride on any kind; the kind decides whether
// the step sends, waits for an answer, or only branches.
type StepKind int

const (
	// StepMessage sends its text and moves on.
	StepMessage StepKind = iota
	// StepQuestion sends its text and installs its answer options as the
	// conversation's handler, pausing the queue until an answer arrives.
	StepQuestion
	// StepConditional sends nothing; it evaluates its Conditional and
	// follows the resulting action.
	StepConditional
	// StepAction sends nothing; it executes its Action directly.
	StepAction
)

// Built-in step actions. Any other action value names a thread to switch
// to.
const (
	ActionNext          = "next"
	ActionRepeat        = "repeat"
	ActionWait          = "wait"
	ActionStop          = "stop"
	ActionComplete      = "complete"
	ActionTimeout       = "timeout"
	ActionExecuteScript = "execute_script"
)

// StepHandler is the callback attached to an answer option. Handlers
// must advance the conversation themselves, usually by calling Next.
type StepHandler func(ctx context.Context, msg *core.Message, c *Conversation)

// AnswerOption pairs patterns with the handler to run when an answer
// matches. An option with Default set fires when nothing else matched.
type AnswerOption struct {
	Patterns []string
	Default  bool
	Handler  StepHandler
}

// CaptureOptions controls how an answer is recorded.
type CaptureOptions struct {
	// Key overrides the response key; by default the question text is the
	// key.
	Key string
	// Multiple appends answers to a list instead of keeping the latest.
	Multiple bool
}

// Conditional is a template driven branch. Left and right are rendered
// against the conversation before the test runs; the action of a passing
// conditional is handled like a step action.
type Conditional struct {
	Left  string
	Right string
	// Test is one of "equals", "!equals", "exists" or "!exists".
	Test    string
	Action  string
	Execute *ScriptCall
}

// ScriptCall names a remote script (and thread within it) to transition
// to via the execute_script action.
type ScriptCall struct {
	Script string
	Thread string
}

// VarAssignment sets a conversation variable when its step is processed.
// Exactly one of Operation, Entity or Value supplies the new value;
// Operation wins over Entity, Entity over Value.
type VarAssignment struct {
	Key       string
	Value     any
	Entity    *eval.Entity
	Operation *eval.Operation
	// Persist also writes the value to the user's attribute history.
	Persist bool
}

// AttributeParam is an API call parameter whose value is resolved from a
// conversation variable (falling back to the stored attribute) at call
// time.
type AttributeParam struct {
	Key       string
	Attribute string
	SendIn    string
}

// APICall is a step directive that invokes an external JSON API. The
// queue pauses until the call completes; its response can enqueue
// messages and set variables.
type APICall struct {
	Request    core.APIRequest
	Attributes []AttributeParam
	// ErrorMessage is sent to the user when the call fails.
	ErrorMessage string
}

// HumanHandoff is a step directive that pauses automation and raises a
// handoff event for a human operator.
type HumanHandoff struct {
	Message              string
	WaitingMinutes       float64
	NoResponseMessage    string
	RegainControlMessage string
}

// BackToBot is a step directive that raises the event returning control
// from a human operator to the automation.
type BackToBot struct {
	ShowMessage   bool
	MessageToUser string
}

// Step is one entry of a conversation thread. Working copies of steps
// are cloned into the live queue when a thread activates, so queue-local
// mutation (due times) never leaks back into the thread definition.
type Step struct {
	Kind StepKind

	// Text holds the message text variations; one is picked at random
	// when the step is sent.
	Text         []string
	Attachments  []core.Attachment
	Attachment   core.Attachment
	QuickReplies []core.QuickReply

	// Delay postpones this step relative to the completion of the step
	// before it.
	Delay time.Duration

	// Question fields.
	Options []AnswerOption
	Capture CaptureOptions

	Conditional *Conditional

	// Directives, processed in declaration order when the step is
	// dequeued.
	SetVar       *VarAssignment
	APICall      *APICall
	Redirect     *eval.DialogueRedirect
	Handoff      *HumanHandoff
	Subscription *eval.SubscriptionLink
	BackToBot    *BackToBot

	Action     string
	ActionFunc func(ctx context.Context, c *Conversation)
	Execute    *ScriptCall

	// Meta carries script-authored metadata copied onto outbound
	// messages.
	Meta map[string]any

	// dueAt is queue-local: the earliest time the working copy may be
	// dequeued.
	dueAt time.Time
}

// Text creates a message step. Multiple variations may be given; one is
// chosen at random per send.
func Text(variations ...string) *Step {
	return &Step{Kind: StepMessage, Text: variations}
}

// Question creates a question step with the given capture options and
// answer options.
func Question(text string, capture CaptureOptions, options ...AnswerOption) *Step {
	return &Step{
		Kind:    StepQuestion,
		Text:    []string{text},
		Capture: capture,
		Options: options,
	}
}

// ConditionalStep creates a branch-only step.
func ConditionalStep(c *Conditional) *Step {
	return &Step{Kind: StepConditional, Conditional: c}
}

// ActionStep creates a silent step that executes an action.
func ActionStep(action string) *Step {
	return &Step{Kind: StepAction, Action: action}
}

// clone returns a working copy safe for queue-local mutation. Slices and
// pointers are shared: steps are treated as immutable once authored,
// with dueAt the only queue-local field.
func (s *Step) clone() *Step {
	cp := *s
	cp.dueAt = time.Time{}
	return &cp
}

// isQuestion reports whether processing this step should install a
// handler and pause the queue.
func (s *Step) isQuestion() bool {
	return s.Kind == StepQuestion
}

// hasContent reports whether this step produces an outbound message.
func (s *Step) hasContent() bool {
	return len(s.Text) > 0 || len(s.Attachments) > 0 || len(s.Attachment) > 0
}

// hasAction reports whether this step carries an action to handle after
// sending.
func (s *Step) hasAction() bool {
	return s.Action != "" || s.ActionFunc != nil
}
