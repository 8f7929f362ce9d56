package convo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/eval"
)

type fakeInvoker struct {
	mu       sync.Mutex
	requests []core.APIRequest
	response []byte
	err      error
	release  chan struct{}
}

func (f *fakeInvoker) Do(ctx context.Context, req core.APIRequest) (*core.APIResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &core.APIResult{Raw: f.response}, nil
}

type notifyRecorder struct {
	mu     sync.Mutex
	events []string
	msgs   []*core.Message
}

func (n *notifyRecorder) Notify(ctx context.Context, event string, msg *core.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.msgs = append(n.msgs, msg)
}

func TestConversationTimeout(t *testing.T) {
	ctx := context.Background()

	ask := func(c *Conversation) {
		c.Ask(Question("still there?", CaptureOptions{}, AnswerOption{
			Default: true,
			Handler: func(ctx context.Context, msg *core.Message, c *Conversation) { c.SilentRepeat() },
		}))
	}

	t.Run("no timeout at exactly the limit", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		deps.TimeLimit = time.Minute
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))
		ask(c)
		c.Activate(ctx)
		c.Tick(ctx)

		clock.Advance(time.Minute)
		c.Tick(ctx)

		assert.Equal(t, StatusActive, c.Status())
	})

	t.Run("times out past the limit", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		deps.TimeLimit = time.Minute
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))
		ask(c)
		c.Activate(ctx)
		c.Tick(ctx)

		clock.Advance(time.Minute + time.Second)
		c.Tick(ctx)

		assert.Equal(t, StatusTimeout, c.Status())
	})

	t.Run("recent activity defers the timeout", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		deps.TimeLimit = time.Minute
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))
		ask(c)
		c.Activate(ctx)
		c.Tick(ctx)

		clock.Advance(50 * time.Second)
		c.Handle(ctx, inbound("still here"))
		c.Tick(ctx)

		// The task limit has elapsed but the user typed recently.
		clock.Advance(20 * time.Second)
		c.Tick(ctx)
		assert.True(t, c.IsActive())
	})

	t.Run("timeout thread plays instead of a hard stop", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		deps.TimeLimit = time.Minute
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))
		ask(c)
		c.AddStep(Text("are you still around?"), TimeoutThread)
		c.Activate(ctx)
		c.Tick(ctx)

		clock.Advance(2 * time.Minute)
		c.Tick(ctx)
		require.Equal(t, StatusEnding, c.Status())

		c.Tick(ctx)
		sent := c.Sent()
		require.Len(t, sent, 2)
		assert.Equal(t, "are you still around?", sent[1].Text)
		assert.Equal(t, StatusCompleted, c.Status())
	})

	t.Run("custom timeout handler replaces the default", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		deps.TimeLimit = time.Minute
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))
		ask(c)

		fired := false
		c.OnTimeout(func(ctx context.Context, c *Conversation) {
			fired = true
			c.Stop(ctx, StatusTimeout)
		})
		c.Activate(ctx)
		c.Tick(ctx)

		clock.Advance(2 * time.Minute)
		c.Tick(ctx)

		assert.True(t, fired)
		assert.Equal(t, StatusTimeout, c.Status())
	})
}

func TestStepDirectives(t *testing.T) {
	ctx := context.Background()

	t.Run("set-var directive assigns before anything else", func(t *testing.T) {
		clock := newFakeClock()
		task := NewTask(inbound("hi"), testDeps(clock))
		c := task.CreateConversation(ctx, inbound("hi"))

		c.Say(&Step{
			Kind:   StepMessage,
			Text:   []string{"your score is {{.vars.score}}"},
			SetVar: &VarAssignment{Key: "score", Value: "42"},
		})
		c.Activate(ctx)
		c.Tick(ctx)

		require.Len(t, c.Sent(), 1)
		assert.Equal(t, "your score is 42", c.Sent()[0].Text)
	})

	t.Run("matching redirect stops and re-dispatches", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		rec := &notifyRecorder{}
		deps.Notify = rec.Notify
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))

		c.Say(&Step{
			Kind:     StepMessage,
			Text:     []string{"never shown"},
			SetVar:   &VarAssignment{Key: "seen", Value: "yes"},
			Redirect: &eval.DialogueRedirect{DialogueGroups: []string{"help me"}},
		})
		c.Activate(ctx)
		c.Tick(ctx)

		assert.Equal(t, StatusStopped, c.Status())
		assert.Empty(t, c.Sent())

		// Directives before the redirect still applied.
		v, ok := c.GetVar("seen")
		require.True(t, ok)
		assert.Equal(t, "yes", v)

		require.Equal(t, []string{EventRedirect}, rec.events)
		assert.Equal(t, "help me", rec.msgs[0].Text)
	})

	t.Run("redirect suppresses later directives on the same step", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		rec := &notifyRecorder{}
		deps.Notify = rec.Notify
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))

		c.Say(&Step{
			Kind:     StepMessage,
			Redirect: &eval.DialogueRedirect{DialogueGroups: []string{"help me"}},
			Handoff:  &HumanHandoff{Message: "operator please"},
		})
		c.Activate(ctx)
		c.Tick(ctx)

		assert.Equal(t, []string{EventRedirect}, rec.events)
	})

	t.Run("handoff raises an event and still sends the step", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		rec := &notifyRecorder{}
		deps.Notify = rec.Notify
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))

		c.Say(&Step{
			Kind:    StepMessage,
			Text:    []string{"connecting you now"},
			Handoff: &HumanHandoff{Message: "user needs help", WaitingMinutes: 5},
		})
		c.Activate(ctx)
		c.Tick(ctx)

		require.Equal(t, []string{EventHumanHandoff}, rec.events)
		assert.Equal(t, "user needs help", rec.msgs[0].Meta["replyText"])
		require.Len(t, c.Sent(), 1)
		assert.Equal(t, "connecting you now", c.Sent()[0].Text)
	})

	t.Run("back-to-bot raises its event", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		rec := &notifyRecorder{}
		deps.Notify = rec.Notify
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))

		c.Say(&Step{
			Kind:      StepMessage,
			BackToBot: &BackToBot{ShowMessage: true, MessageToUser: "I'm back"},
		})
		c.Activate(ctx)
		c.Tick(ctx)

		require.Equal(t, []string{EventBackToBot}, rec.events)
		assert.Equal(t, "I'm back", rec.msgs[0].Meta["messageToUser"])
	})
}

func TestAPICallStep(t *testing.T) {
	ctx := context.Background()

	t.Run("response messages and vars apply to the conversation", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		invoker := &fakeInvoker{response: []byte(`{"varsToSet":[{"key":"score","value":5}],"messages":[{"text":"from api"}]}`)}
		deps.Invoker = invoker
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))

		c.Say(&Step{
			Kind:    StepMessage,
			APICall: &APICall{Request: core.APIRequest{URL: "https://api.example.com/score", Method: "GET"}},
		})
		c.Activate(ctx)

		c.Tick(ctx)
		deps.Background.Wait()

		c.Tick(ctx)

		require.Len(t, c.Sent(), 1)
		assert.Equal(t, "from api", c.Sent()[0].Text)

		v, ok := c.GetVar("score")
		require.True(t, ok)
		assert.EqualValues(t, 5, v)
	})

	t.Run("plain object response stores api_ variables", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		deps.Invoker = &fakeInvoker{response: []byte(`{"city":"Berlin"}`)}
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))

		c.Say(&Step{Kind: StepMessage, APICall: &APICall{Request: core.APIRequest{URL: "https://api.example.com"}}})
		c.Activate(ctx)

		c.Tick(ctx)
		deps.Background.Wait()
		c.Tick(ctx)

		v, ok := c.GetVar("api_city")
		require.True(t, ok)
		assert.Equal(t, "Berlin", v)
	})

	t.Run("failure enqueues the error message", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		deps.Invoker = &fakeInvoker{err: errors.New("boom")}
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))

		c.Say(&Step{
			Kind:    StepMessage,
			APICall: &APICall{Request: core.APIRequest{URL: "https://api.example.com"}, ErrorMessage: "could not reach the service"},
		})
		c.Activate(ctx)

		c.Tick(ctx)
		deps.Background.Wait()
		c.Tick(ctx)

		require.Len(t, c.Sent(), 1)
		assert.Equal(t, "could not reach the service", c.Sent()[0].Text)
	})

	t.Run("attribute params resolve from conversation vars", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		invoker := &fakeInvoker{response: []byte(`{}`)}
		deps.Invoker = invoker
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))
		c.SetVar(ctx, "user_email", "a@b.c", false)

		c.Say(&Step{
			Kind: StepMessage,
			APICall: &APICall{
				Request:    core.APIRequest{URL: "https://api.example.com", Method: "POST"},
				Attributes: []AttributeParam{{Key: "email", Attribute: "user_email"}},
			},
		})
		c.Activate(ctx)

		c.Tick(ctx)
		deps.Background.Wait()

		require.Len(t, invoker.requests, 1)
		require.Len(t, invoker.requests[0].Params, 1)
		assert.Equal(t, "email", invoker.requests[0].Params[0].Key)
		assert.Equal(t, "a@b.c", invoker.requests[0].Params[0].Value)
	})

	t.Run("stale completion after stop is dropped", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		release := make(chan struct{})
		deps.Invoker = &fakeInvoker{response: []byte(`{"varsToSet":[{"key":"late","value":"x"}]}`), release: release}
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))

		c.Say(&Step{Kind: StepMessage, APICall: &APICall{Request: core.APIRequest{URL: "https://api.example.com"}}})
		c.Activate(ctx)
		c.Tick(ctx)

		// The call is in flight; stopping advances the epoch.
		c.Stop(ctx, StatusStopped)

		close(release)
		deps.Background.Wait()
		c.Tick(ctx)

		_, ok := c.GetVar("late")
		assert.False(t, ok)
	})
}

func TestDeliveryGating(t *testing.T) {
	ctx := context.Background()

	t.Run("queue waits for the previous message to be dispatched", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		release := make(chan struct{})
		deps.Replier = ReplierFunc(func(ctx context.Context, src, outbound *core.Message) (*core.Receipt, error) {
			<-release
			return &core.Receipt{ID: core.NewID(), Delivered: true}, nil
		})
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))
		c.Say(Text("one"))
		c.Say(Text("two"))
		c.Activate(ctx)

		c.Tick(ctx)
		// The first send is still in flight; the second step must not be
		// processed.
		c.Tick(ctx)
		require.Len(t, c.Sent(), 1)
		assert.False(t, c.Sent()[0].Sent)

		close(release)
		deps.Background.Wait()
		c.Tick(ctx)
		deps.Background.Wait()
		c.Tick(ctx)

		assert.Len(t, c.Sent(), 2)
	})

	t.Run("require delivery stalls on unconfirmed messages", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		deps.Replier = ReplierFunc(func(ctx context.Context, src, outbound *core.Message) (*core.Receipt, error) {
			return &core.Receipt{ID: core.NewID(), Delivered: false}, nil
		})
		deps.RequireDelivery = true
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))
		c.Say(Text("one"))
		c.Say(Text("two"))
		c.Activate(ctx)

		c.Tick(ctx)
		deps.Background.Wait()

		for i := 0; i < 5; i++ {
			c.Tick(ctx)
		}

		require.Len(t, c.Sent(), 1)
		assert.True(t, c.Sent()[0].Sent)
		assert.False(t, c.Sent()[0].Delivered)
		assert.True(t, c.IsActive())
	})

	t.Run("failed sends do not wedge the conversation", func(t *testing.T) {
		clock := newFakeClock()
		deps := testDeps(clock)
		deps.Replier = ReplierFunc(func(ctx context.Context, src, outbound *core.Message) (*core.Receipt, error) {
			return nil, errors.New("network down")
		})
		task := NewTask(inbound("hi"), deps)
		c := task.CreateConversation(ctx, inbound("hi"))
		c.Say(Text("one"))
		c.Say(Text("two"))
		c.Activate(ctx)

		c.Tick(ctx)
		deps.Background.Wait()
		c.Tick(ctx)
		deps.Background.Wait()
		c.Tick(ctx)

		assert.Len(t, c.Sent(), 2)
	})
}
