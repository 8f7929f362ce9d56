// Package engine owns the runtime around conversations: the middleware
// pipeline, the event router, bot workers bound to a transport, the
// script provider seam, and the scheduler loop that ticks every task.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/convoflow/convoflow/convo"
	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/jsonapi"
	"github.com/convoflow/convoflow/logging"
	"github.com/convoflow/convoflow/metrics"
	"github.com/convoflow/convoflow/pipeline"
	"github.com/convoflow/convoflow/router"
	"github.com/convoflow/convoflow/script"
	"github.com/convoflow/convoflow/storage"
)

// DefaultTickInterval is how often the scheduler drives every active
// task when not configured otherwise.
const DefaultTickInterval = 1500 * time.Millisecond

// Options configures the Engine.
type Options struct {
	// TickInterval is the scheduler period.
	TickInterval time.Duration

	// RequireDelivery gates queue progression on positive delivery
	// confirmation instead of mere dispatch.
	RequireDelivery bool

	// AnswerTimeout is the default answer timeout applied to new tasks.
	AnswerTimeout time.Duration

	// Matcher evaluates hearing patterns and answer options. Defaults to
	// the case-insensitive regex matcher.
	Matcher core.Matcher

	// Store persists users, channels, teams and attributes. Defaults to
	// the in-memory store.
	Store storage.Store

	// Scripts resolves remotely or locally authored scripts. Nil disables
	// script triggering.
	Scripts script.Provider

	// ScriptToken authenticates subscription scheduler calls.
	ScriptToken string

	// HelperAPIURL and LoopbackURL default the endpoints of subscription
	// links that do not carry their own.
	HelperAPIURL string
	LoopbackURL  string

	// Invoker performs external JSON API calls for conversation steps.
	// Defaults to the jsonapi client.
	Invoker core.Invoker

	// Transport delivers outbound messages. Nil short-circuits delivery,
	// which keeps tests and dry runs transport-free.
	Transport core.Transport

	// Identity is the bot persona exposed to templates.
	Identity core.Identity

	// SendRate and SendBurst bound outbound dispatch. The default is
	// unlimited.
	SendRate  rate.Limit
	SendBurst int

	// Utterances extends or overrides the built-in named patterns.
	Utterances map[string]string

	// ExcludedEvents lists message types never routed into conversations.
	ExcludedEvents []string

	Logger logging.Logger
}

// Engine wires conversations to the outside world and drives them.
type Engine struct {
	tickInterval    time.Duration
	requireDelivery bool
	answerTimeout   time.Duration

	pipeline   *pipeline.Pipeline
	router     *router.Router
	matcher    core.Matcher
	store      storage.Store
	scripts    script.Provider
	compiler   *script.Compiler
	invoker    core.Invoker
	api        *jsonapi.Client
	transport  core.Transport
	identity   core.Identity
	logger     logging.Logger
	utterances map[string]string
	excluded   map[string]bool

	scriptToken  string
	helperAPIURL string
	loopbackURL  string

	limiter *rate.Limiter

	mu    sync.Mutex
	tasks []*convo.Task

	seq        atomic.Uint64
	background sync.WaitGroup

	done     chan struct{}
	stopOnce sync.Once
}

// New creates an engine.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		TickInterval:  DefaultTickInterval,
		AnswerTimeout: script.DefaultTimeout,
		SendRate:      rate.Inf,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Matcher == nil {
		opts.Matcher = core.NewRegexpMatcher()
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}

	api := jsonapi.New(func(o *jsonapi.Options) { o.Logger = opts.Logger })
	if opts.Invoker == nil {
		opts.Invoker = api
	}
	opts.Invoker = &meteredInvoker{inner: opts.Invoker}

	utterances := map[string]string{}
	for name, pattern := range script.DefaultUtterances {
		utterances[name] = pattern
	}
	for name, pattern := range opts.Utterances {
		utterances[name] = pattern
	}

	excluded := map[string]bool{}
	for _, ev := range opts.ExcludedEvents {
		excluded[ev] = true
	}

	p := pipeline.New()

	e := &Engine{
		tickInterval:    opts.TickInterval,
		requireDelivery: opts.RequireDelivery,
		answerTimeout:   opts.AnswerTimeout,
		pipeline:        p,
		router:          router.New(p),
		matcher:         opts.Matcher,
		store:           opts.Store,
		scripts:         opts.Scripts,
		invoker:         opts.Invoker,
		api:             api,
		transport:       opts.Transport,
		identity:        opts.Identity,
		logger:          opts.Logger,
		utterances:      utterances,
		excluded:        excluded,
		scriptToken:     opts.ScriptToken,
		helperAPIURL:    opts.HelperAPIURL,
		loopbackURL:     opts.LoopbackURL,
		limiter:         rate.NewLimiter(opts.SendRate, opts.SendBurst),
		done:            make(chan struct{}),
	}

	e.compiler = script.NewCompiler(func(o *script.CompilerOptions) {
		o.Store = e.store
		o.Utterances = e.utterances
		o.Timeout = e.answerTimeout
		o.HelperAPIURL = e.helperAPIURL
		o.LoopbackURL = e.loopbackURL
		o.Logger = e.logger
		o.Redispatch = func(ctx context.Context, msg *core.Message) {
			if err := e.Ingest(ctx, e.Spawn(), msg); err != nil {
				e.logger.Error("redispatch failed", "error", err)
			}
		}
	})

	return e
}

// Pipeline exposes the middleware pipeline for stage registration.
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipeline }

// Compiler exposes the script compiler for hook registration (Before,
// After, BeforeThread, Validate).
func (e *Engine) Compiler() *script.Compiler { return e.compiler }

// Matcher returns the pattern matcher seam.
func (e *Engine) Matcher() core.Matcher { return e.matcher }

// Store returns the persistence collaborator.
func (e *Engine) Store() storage.Store { return e.store }

// Utterance returns a named built-in pattern, or the empty string.
func (e *Engine) Utterance(name string) string { return e.utterances[name] }

// meteredInvoker counts external JSON API call outcomes before handing
// the result back to the conversation step.
type meteredInvoker struct {
	inner core.Invoker
}

func (m *meteredInvoker) Do(ctx context.Context, req core.APIRequest) (*core.APIResult, error) {
	res, err := m.inner.Do(ctx, req)
	if err != nil {
		metrics.APICalls.WithLabelValues("error").Inc()
	} else {
		metrics.APICalls.WithLabelValues("ok").Inc()
	}
	return res, err
}

// nextID mints task and conversation identifiers owned by this engine
// instance.
func (e *Engine) nextID() string {
	return strconv.FormatUint(e.seq.Add(1), 10)
}

// deps assembles the collaborator set handed to a new task.
func (e *Engine) deps(bot *Bot) *convo.Deps {
	return &convo.Deps{
		Replier:         bot,
		Store:           e.store,
		Invoker:         e.invoker,
		Pipeline:        e.pipeline,
		Matcher:         e.matcher,
		Logger:          e.logger,
		Transition:      e.transition(bot),
		Notify:          e.notify(bot),
		Scheduler:       e.schedule,
		Identity:        e.identity,
		RequireDelivery: e.requireDelivery,
		TimeLimit:       e.answerTimeout,
		NextID:          e.nextID,
		Background:      &e.background,
	}
}

// NewTask creates and registers a task driven by the scheduler loop.
func (e *Engine) NewTask(bot *Bot, source *core.Message) *convo.Task {
	task := convo.NewTask(source, e.deps(bot))
	task.On("conversationStarted", func(*convo.Task) { metrics.ConversationsStarted.Inc() })

	e.mu.Lock()
	e.tasks = append(e.tasks, task)
	count := len(e.tasks)
	e.mu.Unlock()

	metrics.TasksActive.Set(float64(count))
	e.logger.Debug("task created", "task_id", task.ID, "user", source.User, "channel", source.Channel)
	return task
}

// CreateConversation builds an inactive conversation on a fresh task.
func (e *Engine) CreateConversation(ctx context.Context, bot *Bot, msg *core.Message) *convo.Conversation {
	c := e.NewTask(bot, msg).CreateConversation(ctx, msg)
	e.observe(c)
	return c
}

// StartConversation builds and activates a conversation on a fresh task.
func (e *Engine) StartConversation(ctx context.Context, bot *Bot, msg *core.Message) *convo.Conversation {
	c := e.CreateConversation(ctx, bot, msg)
	c.Activate(ctx)
	return c
}

// observe registers the metrics end hook on a conversation.
func (e *Engine) observe(c *convo.Conversation) {
	c.On("end", func(c *convo.Conversation) {
		metrics.ConversationsEnded.WithLabelValues(string(c.Status())).Inc()
	})
}

// Tasks returns the currently registered tasks.
func (e *Engine) Tasks() []*convo.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*convo.Task(nil), e.tasks...)
}

// Start launches the scheduler loop. It runs until ctx is canceled or
// Shutdown is called.
func (e *Engine) Start(ctx context.Context) {
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		ticker := time.NewTicker(e.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.done:
				return
			case <-ticker.C:
				e.TickOnce(ctx)
			}
		}
	}()
	e.logger.Info("engine started", "tick_interval", e.tickInterval.String())
}

// TickOnce drives every registered task through one scheduler tick and
// prunes finished tasks. Exposed so tests and embedders can drive the
// engine without the loop.
func (e *Engine) TickOnce(ctx context.Context) {
	start := time.Now()

	tasks := e.Tasks()
	for _, task := range tasks {
		task.Tick(ctx)
	}

	e.mu.Lock()
	kept := e.tasks[:0]
	for _, task := range e.tasks {
		if task.IsActive() {
			kept = append(kept, task)
		}
	}
	e.tasks = kept
	count := len(e.tasks)
	e.mu.Unlock()

	metrics.TasksActive.Set(float64(count))
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	e.router.Trigger(ctx, "tick", &pipeline.Frame{})
}

// Shutdown stops the scheduler loop and waits for in-flight background
// work (deliveries, API calls, transitions) to finish or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.done) })

	finished := make(chan struct{})
	go func() {
		e.background.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		e.logger.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: shutdown: %w", ctx.Err())
	}
}
