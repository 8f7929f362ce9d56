package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/internal/testutil"
	"github.com/convoflow/convoflow/metrics"
	"github.com/convoflow/convoflow/pipeline"
	"github.com/convoflow/convoflow/script"
)

type stubProvider struct {
	scripts map[string]*script.Script
	trigger string
	command string
}

func (p *stubProvider) GetScript(ctx context.Context, name string) (*script.Script, error) {
	for cmd, s := range p.scripts {
		if strings.EqualFold(cmd, name) {
			return s, nil
		}
	}
	return nil, script.ErrNotFound
}

func (p *stubProvider) GetScriptByID(ctx context.Context, id string) (*script.Script, error) {
	for _, s := range p.scripts {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, script.ErrNotFound
}

func (p *stubProvider) EvaluateTrigger(ctx context.Context, text, user string) (*script.Script, error) {
	if p.trigger != "" && strings.EqualFold(text, p.trigger) {
		return p.GetScript(ctx, p.command)
	}
	return nil, script.ErrNotFound
}

// drive ticks the engine until cond holds.
func drive(t *testing.T, e *Engine, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		e.TickOnce(ctx)
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

func inboundText(text string) *core.Message {
	return testutil.NewMessageBuilder().Text(text).Build()
}

func TestEngineIngest(t *testing.T) {
	ctx := context.Background()

	t.Run("fills in id, raw and the default type", func(t *testing.T) {
		e := New()

		var got *core.Message
		e.On("message_received", func(ctx context.Context, bot *Bot, msg *core.Message) bool {
			got = msg
			return true
		})

		msg := &core.Message{User: "u1", Channel: "c1", Text: "hello"}
		require.NoError(t, e.Ingest(ctx, e.Spawn(), msg))

		require.NotNil(t, got)
		assert.Equal(t, "message_received", got.Type)
		assert.NotEmpty(t, got.ID)
		assert.NotNil(t, got.Raw)
	})

	t.Run("rejects a nil message", func(t *testing.T) {
		e := New()
		assert.Error(t, e.Ingest(ctx, e.Spawn(), nil))
	})

	t.Run("routes answers into the active conversation", func(t *testing.T) {
		transport := &testutil.RecordingTransport{}
		survey := testutil.NewScriptBuilder("survey").
			Ask("default", "what is your favorite color?", "color").
			Say("default", "noted: {{.responses.color}}").
			Build()
		e := New(func(o *Options) {
			o.Transport = transport
			o.Scripts = &stubProvider{scripts: map[string]*script.Script{"survey": survey}}
		})

		_, err := e.RunScript(ctx, e.Spawn(), "survey", inboundText("start"))
		require.NoError(t, err)

		drive(t, e, func() bool { return transport.Count() == 1 })
		require.NoError(t, e.Ingest(ctx, e.Spawn(), inboundText("blue")))
		drive(t, e, func() bool { return transport.Count() == 2 })

		assert.Equal(t, []string{"what is your favorite color?", "noted: blue"}, transport.Texts())
	})

	t.Run("excluded events skip active conversations", func(t *testing.T) {
		transport := &testutil.RecordingTransport{}
		survey := testutil.NewScriptBuilder("survey").
			Ask("default", "name?", "name").
			Build()
		e := New(func(o *Options) {
			o.Transport = transport
			o.Scripts = &stubProvider{scripts: map[string]*script.Script{"survey": survey}}
			o.ExcludedEvents = []string{"user_typing"}
		})

		var sawTyping bool
		e.On("user_typing", func(ctx context.Context, bot *Bot, msg *core.Message) bool {
			sawTyping = true
			return true
		})

		_, err := e.RunScript(ctx, e.Spawn(), "survey", inboundText("start"))
		require.NoError(t, err)
		drive(t, e, func() bool { return transport.Count() == 1 })

		typing := testutil.NewMessageBuilder().Type("user_typing").Build()
		require.NoError(t, e.Ingest(ctx, e.Spawn(), typing))

		assert.True(t, sawTyping)
		require.Len(t, e.Tasks(), 1)
		assert.True(t, e.Tasks()[0].IsActive())
	})
}

func TestEngineHandlers(t *testing.T) {
	ctx := context.Background()

	t.Run("utterance patterns resolve by name", func(t *testing.T) {
		e := New()

		var heard *core.Message
		e.Hears([]string{"yes"}, "message_received", func(ctx context.Context, bot *Bot, msg *core.Message) {
			heard = msg
		})

		require.NoError(t, e.Ingest(ctx, e.Spawn(), inboundText("yup")))
		require.NotNil(t, heard)
		assert.Equal(t, "yup", heard.Text)
	})

	t.Run("pattern handlers claim before generic handlers", func(t *testing.T) {
		e := New()

		var order []string
		e.On("message_received", func(ctx context.Context, bot *Bot, msg *core.Message) bool {
			order = append(order, "generic")
			return true
		})
		e.Hears([]string{"^hi$"}, "message_received", func(ctx context.Context, bot *Bot, msg *core.Message) {
			order = append(order, "pattern")
		})

		require.NoError(t, e.Ingest(ctx, e.Spawn(), inboundText("hi")))
		assert.Equal(t, []string{"pattern"}, order)

		order = nil
		require.NoError(t, e.Ingest(ctx, e.Spawn(), inboundText("something else")))
		assert.Equal(t, []string{"generic"}, order)
	})

	t.Run("unclaimed events continue down the chain", func(t *testing.T) {
		e := New()

		var order []string
		e.On("message_received", func(ctx context.Context, bot *Bot, msg *core.Message) bool {
			order = append(order, "first")
			return false
		})
		e.On("message_received", func(ctx context.Context, bot *Bot, msg *core.Message) bool {
			order = append(order, "second")
			return true
		})

		assert.True(t, e.Trigger(ctx, "message_received", inboundText("x")))
		assert.Equal(t, []string{"first", "second"}, order)
	})
}

func TestEngineScripts(t *testing.T) {
	ctx := context.Background()

	newScriptEngine := func(transport *testutil.RecordingTransport) *Engine {
		provider := &stubProvider{
			trigger: "show me the menu",
			command: "menu",
			scripts: map[string]*script.Script{
				"menu":  testutil.NewScriptBuilder("menu").Say("default", "here is the menu").Build(),
				"empty": {Command: "empty"},
			},
		}
		return New(func(o *Options) {
			o.Transport = transport
			o.Scripts = provider
		})
	}

	t.Run("starts a script when a trigger matches", func(t *testing.T) {
		transport := &testutil.RecordingTransport{}
		e := newScriptEngine(transport)

		require.NoError(t, e.Ingest(ctx, e.Spawn(), inboundText("show me the menu")))
		drive(t, e, func() bool { return transport.Count() == 1 })
		assert.Equal(t, []string{"here is the menu"}, transport.Texts())
	})

	t.Run("raises command_triggered and remote_command_end", func(t *testing.T) {
		transport := &testutil.RecordingTransport{}
		e := newScriptEngine(transport)

		var mu sync.Mutex
		events := map[string]bool{}
		record := func(name string) func(ctx context.Context, bot *Bot, msg *core.Message) bool {
			return func(ctx context.Context, bot *Bot, msg *core.Message) bool {
				mu.Lock()
				events[name] = true
				mu.Unlock()
				return true
			}
		}
		e.On("command_triggered", record("command_triggered"))
		e.On("remote_command_end", record("remote_command_end"))

		_, err := e.RunScript(ctx, e.Spawn(), "menu", inboundText("start"))
		require.NoError(t, err)
		drive(t, e, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return events["remote_command_end"]
		})

		mu.Lock()
		defer mu.Unlock()
		assert.True(t, events["command_triggered"])
	})

	t.Run("compile failures end the task", func(t *testing.T) {
		e := newScriptEngine(&testutil.RecordingTransport{})

		_, err := e.RunScript(ctx, e.Spawn(), "empty", inboundText("start"))
		require.Error(t, err)

		e.TickOnce(ctx)
		assert.Empty(t, e.Tasks())
	})

	t.Run("unknown script names report not found", func(t *testing.T) {
		e := newScriptEngine(&testutil.RecordingTransport{})
		_, err := e.RunScript(ctx, e.Spawn(), "does-not-exist", inboundText("start"))
		assert.ErrorIs(t, err, script.ErrNotFound)
	})
}

func TestEngineTick(t *testing.T) {
	ctx := context.Background()

	t.Run("prunes finished tasks", func(t *testing.T) {
		transport := &testutil.RecordingTransport{}
		hello := testutil.NewScriptBuilder("hello").Say("default", "hi").Build()
		e := New(func(o *Options) {
			o.Transport = transport
			o.Scripts = &stubProvider{scripts: map[string]*script.Script{"hello": hello}}
		})

		_, err := e.RunScript(ctx, e.Spawn(), "hello", inboundText("start"))
		require.NoError(t, err)
		require.Len(t, e.Tasks(), 1)

		drive(t, e, func() bool { return len(e.Tasks()) == 0 })
	})

	t.Run("start and shutdown drain cleanly", func(t *testing.T) {
		e := New(func(o *Options) { o.TickInterval = 5 * time.Millisecond })
		e.Start(ctx)

		shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		assert.NoError(t, e.Shutdown(shutdownCtx))
	})
}

func TestBot(t *testing.T) {
	ctx := context.Background()

	t.Run("say defaults the outgoing type and confirms without a transport", func(t *testing.T) {
		e := New()
		msg := core.NewMessage("", "", "c1", "hello")

		receipt, err := e.Spawn().Say(ctx, msg)
		require.NoError(t, err)
		assert.True(t, receipt.Delivered)
		assert.Equal(t, "message_sent", msg.Type)
	})

	t.Run("format middleware shapes only the platform copy", func(t *testing.T) {
		transport := &testutil.RecordingTransport{}
		e := New(func(o *Options) { o.Transport = transport })
		e.Pipeline().Register(pipeline.StageFormat, func(ctx context.Context, f *pipeline.Frame) error {
			f.Platform.Text = "[formatted] " + f.Platform.Text
			return nil
		})

		msg := core.NewMessage("message_sent", "", "c1", "hello")
		_, err := e.Spawn().Reply(ctx, nil, msg)
		require.NoError(t, err)

		assert.Equal(t, []string{"[formatted] hello"}, transport.Texts())
		assert.Equal(t, "hello", msg.Text)
	})

	t.Run("send middleware can veto dispatch", func(t *testing.T) {
		transport := &testutil.RecordingTransport{}
		e := New(func(o *Options) { o.Transport = transport })
		e.Pipeline().Register(pipeline.StageSend, func(ctx context.Context, f *pipeline.Frame) error {
			return errors.New("blocked")
		})

		_, err := e.Spawn().Reply(ctx, nil, core.NewMessage("message_sent", "", "c1", "hello"))
		require.Error(t, err)
		assert.Empty(t, transport.Texts())
	})
}

type stubInvoker struct {
	res *core.APIResult
	err error
}

func (s *stubInvoker) Do(context.Context, core.APIRequest) (*core.APIResult, error) {
	return s.res, s.err
}

func TestMeteredInvoker(t *testing.T) {
	ctx := context.Background()

	t.Run("counts successful calls", func(t *testing.T) {
		before := promtestutil.ToFloat64(metrics.APICalls.WithLabelValues("ok"))

		inv := &meteredInvoker{inner: &stubInvoker{res: &core.APIResult{Raw: []byte(`{}`)}}}
		res, err := inv.Do(ctx, core.APIRequest{URL: "https://api.example.com/v1"})
		require.NoError(t, err)
		require.NotNil(t, res)

		assert.Equal(t, before+1, promtestutil.ToFloat64(metrics.APICalls.WithLabelValues("ok")))
	})

	t.Run("counts failed calls", func(t *testing.T) {
		before := promtestutil.ToFloat64(metrics.APICalls.WithLabelValues("error"))

		inv := &meteredInvoker{inner: &stubInvoker{err: errors.New("boom")}}
		_, err := inv.Do(ctx, core.APIRequest{URL: "https://api.example.com/v1"})
		require.Error(t, err)

		assert.Equal(t, before+1, promtestutil.ToFloat64(metrics.APICalls.WithLabelValues("error")))
	})
}
