package convo

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/eval"
	"github.com/convoflow/convoflow/logging"
	"github.com/convoflow/convoflow/pipeline"
	"github.com/convoflow/convoflow/storage"
)

// Engine-level events raised by conversations through Deps.Notify.
const (
	// EventRedirect re-dispatches a trigger phrase as a new inbound
	// message after a dialogue redirect stopped the conversation.
	EventRedirect = "custom_trigger"
	// EventHumanHandoff hands the channel to a human operator.
	EventHumanHandoff = "human_handoff"
	// EventBackToBot returns the channel from a human operator.
	EventBackToBot = "back_to_bot"
)

// Replier delivers an outbound message in the context of the inbound
// message that started the conversation.
type Replier interface {
	Reply(ctx context.Context, src, outbound *core.Message) (*core.Receipt, error)
}

// ReplierFunc adapts a function to the Replier interface.
type ReplierFunc func(ctx context.Context, src, outbound *core.Message) (*core.Receipt, error)

// Reply calls f.
func (f ReplierFunc) Reply(ctx context.Context, src, outbound *core.Message) (*core.Receipt, error) {
	return f(ctx, src, outbound)
}

// TransitionFunc builds a new, not yet activated conversation for the
// named script, positioned at the named thread's script.
type TransitionFunc func(ctx context.Context, script, thread string, src *core.Message) (*Conversation, error)

// NotifyFunc raises an engine-level event carrying a message payload.
type NotifyFunc func(ctx context.Context, event string, msg *core.Message)

// ScheduleFunc links the user behind src to a subscription group via the
// external scheduler service.
type ScheduleFunc func(ctx context.Context, link *eval.SubscriptionLink, group eval.SubscriptionGroup, src *core.Message) error

// Deps carries the collaborators a task and its conversations need. The
// zero value works for tests: missing fields fall back to no-op or
// in-process defaults.
type Deps struct {
	Replier    Replier
	Store      storage.Store
	Invoker    core.Invoker
	Pipeline   *pipeline.Pipeline
	Matcher    core.Matcher
	Logger     logging.Logger
	Transition TransitionFunc
	Notify     NotifyFunc
	Scheduler  ScheduleFunc

	// Identity is the bot's own identity, exposed to message templates.
	Identity core.Identity

	// RequireDelivery gates the queue on positive delivery confirmation
	// rather than mere dispatch.
	RequireDelivery bool

	// TimeLimit is the default answer timeout applied to new tasks.
	TimeLimit time.Duration

	// Now and Rand exist so tests can pin the clock and the variation
	// picker.
	Now  func() time.Time
	Rand func(n int) int

	// NextID mints conversation and task identifiers.
	NextID func() string

	// Background records fire-and-forget goroutines so a shutdown can
	// wait for them.
	Background *sync.WaitGroup
}

func (d *Deps) normalize() {
	if d.Pipeline == nil {
		d.Pipeline = pipeline.New()
	}
	if d.Matcher == nil {
		d.Matcher = core.NewRegexpMatcher()
	}
	if d.Logger == nil {
		d.Logger = logging.NoOpLogger{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Rand == nil {
		d.Rand = rand.Intn
	}
	if d.NextID == nil {
		d.NextID = core.NewID
	}
}

// spawn runs fn on a recorded background goroutine.
func (d *Deps) spawn(fn func()) {
	if d.Background != nil {
		d.Background.Add(1)
		go func() {
			defer d.Background.Done()
			fn()
		}()
		return
	}
	go fn()
}
