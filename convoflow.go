// Package convoflow provides a high-level façade over the conversation
// engine and its collaborators (storage, script providers, transports &
// logging) for building scripted conversational bots. Most applications
// interact with this package by:
//  1. Creating a ConvoFlow via New() (optionally overriding the default
//     in-memory collaborators)
//  2. Registering pattern handlers (Hears), event handlers (On) and
//     compiler hooks (Before, After, Validate)
//  3. Feeding inbound messages through Process and letting the scheduler
//     loop drive the resulting conversations
//
// The façade delegates orchestration to engine.Engine while keeping
// setup and usage ergonomics concise. All defaults are safe for local
// development and testing; production deployments typically supply a
// durable store, a script service and a structured logger.
package convoflow

import (
	"context"
	"fmt"

	"github.com/convoflow/convoflow/config"
	"github.com/convoflow/convoflow/convo"
	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/engine"
	"github.com/convoflow/convoflow/logging"
	"github.com/convoflow/convoflow/script"
	"github.com/convoflow/convoflow/storage"
)

// Version is the library version.
const Version = "0.1.0"

// Options configures the ConvoFlow instance.
type Options struct {
	// Settings supplies scheduler, storage and script service parameters,
	// typically loaded through the config package. Nil uses the built-in
	// defaults.
	Settings *config.Settings

	// Store persists users, channels, teams and attributes (defaults to
	// the in-memory store; Settings may select Redis or SQLite instead).
	Store storage.Store

	// Scripts resolves authored scripts. Defaults to an HTTP or file
	// provider derived from Settings, or nil when neither is configured.
	Scripts script.Provider

	// Transport delivers outbound messages. Nil keeps the engine
	// transport-free, which suits tests and dry runs.
	Transport core.Transport

	// Identity is the bot persona exposed to templates.
	Identity core.Identity

	// Utterances extends or overrides the built-in named patterns.
	Utterances map[string]string

	// ExcludedEvents lists message types never routed into conversations.
	ExcludedEvents []string

	// Logger (defaults to a structured logger built from Settings)
	Logger logging.Logger
}

// ConvoFlow is the high-level façade aggregating the engine and its
// collaborators.
type ConvoFlow struct {
	opts   Options
	engine *engine.Engine
}

// New creates a ConvoFlow instance with optional overrides. Any unset
// collaborator is initialized from Settings, or with an in-memory
// implementation when Settings does not name one.
func New(ctx context.Context, optFns ...func(o *Options)) (*ConvoFlow, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	settings := opts.Settings
	if settings == nil {
		s, err := config.Load("")
		if err != nil {
			return nil, fmt.Errorf("convoflow: load settings: %w", err)
		}
		settings = s
	}
	if err := config.Validate(settings); err != nil {
		return nil, fmt.Errorf("convoflow: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(&logging.LoggerConfig{
			Level:  logging.ParseLevel(settings.Log.Level),
			Format: settings.Log.Format,
			Output: logging.DefaultLoggerConfig().Output,
		})
	}

	if opts.Store == nil {
		store, err := storeFromSettings(ctx, settings)
		if err != nil {
			return nil, err
		}
		opts.Store = store
	}

	if opts.Scripts == nil {
		provider, err := scriptsFromSettings(settings, opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Scripts = provider
	}

	if opts.Identity == (core.Identity{}) {
		opts.Identity = core.Identity{Name: settings.Engine.BotName}
	}

	e := engine.New(func(o *engine.Options) {
		o.TickInterval = settings.TickInterval()
		o.RequireDelivery = settings.Engine.RequireDelivery
		o.AnswerTimeout = settings.AnswerTimeout()
		o.Store = opts.Store
		o.Scripts = opts.Scripts
		o.ScriptToken = settings.Scripts.Token
		o.HelperAPIURL = settings.Subscriptions.HelperAPIURL
		o.LoopbackURL = settings.Subscriptions.LoopbackURL
		o.Transport = opts.Transport
		o.Identity = opts.Identity
		o.Utterances = opts.Utterances
		o.ExcludedEvents = opts.ExcludedEvents
		o.Logger = opts.Logger
	})

	return &ConvoFlow{opts: opts, engine: e}, nil
}

func storeFromSettings(ctx context.Context, s *config.Settings) (storage.Store, error) {
	switch s.Storage.Backend {
	case "redis":
		store, err := storage.NewRedisStore(ctx, s.Storage.DSN, "convoflow")
		if err != nil {
			return nil, fmt.Errorf("convoflow: redis store: %w", err)
		}
		return store, nil
	case "sqlite":
		store, err := storage.NewSQLiteStore(ctx, s.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("convoflow: sqlite store: %w", err)
		}
		return store, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

func scriptsFromSettings(s *config.Settings, logger logging.Logger) (script.Provider, error) {
	switch {
	case s.Scripts.URL != "":
		return script.NewHTTPProvider(s.Scripts.URL, s.Scripts.Token, func(o *script.HTTPProviderOptions) {
			o.Logger = logger
		}), nil
	case s.Scripts.Dir != "":
		provider, err := script.NewFileProvider(s.Scripts.Dir, func(o *script.FileProviderOptions) {
			o.Logger = logger
		})
		if err != nil {
			return nil, fmt.Errorf("convoflow: script dir: %w", err)
		}
		return provider, nil
	default:
		return nil, nil
	}
}

// Engine exposes the underlying engine for advanced wiring.
func (cf *ConvoFlow) Engine() *engine.Engine { return cf.engine }

// Compiler exposes the script compiler for hook registration.
func (cf *ConvoFlow) Compiler() *script.Compiler { return cf.engine.Compiler() }

// Store returns the persistence collaborator.
func (cf *ConvoFlow) Store() storage.Store { return cf.engine.Store() }

// Hears subscribes a handler to messages matching one of the patterns.
// Pattern names registered as utterances resolve to their expression.
func (cf *ConvoFlow) Hears(patterns []string, events string, h engine.HearsHandler) {
	cf.engine.Hears(patterns, events, h)
}

// On subscribes a generic handler to one or more comma-separated events.
func (cf *ConvoFlow) On(events string, h func(ctx context.Context, bot *engine.Bot, msg *core.Message) bool) {
	cf.engine.On(events, h)
}

// Process ingests an inbound message: pipeline stages, conversation
// routing, handler dispatch and script triggering.
func (cf *ConvoFlow) Process(ctx context.Context, msg *core.Message) error {
	return cf.engine.Ingest(ctx, cf.engine.Spawn(), msg)
}

// Say sends a message outside any conversation.
func (cf *ConvoFlow) Say(ctx context.Context, msg *core.Message) (*core.Receipt, error) {
	return cf.engine.Spawn().Say(ctx, msg)
}

// RunScript fetches a script by name and starts it in the context of
// msg's user and channel.
func (cf *ConvoFlow) RunScript(ctx context.Context, name string, msg *core.Message) (*convo.Conversation, error) {
	return cf.engine.RunScript(ctx, cf.engine.Spawn(), name, msg)
}

// StartConversation builds and activates an ad hoc conversation
// addressed at msg's user and channel.
func (cf *ConvoFlow) StartConversation(ctx context.Context, msg *core.Message) *convo.Conversation {
	return cf.engine.StartConversation(ctx, cf.engine.Spawn(), msg)
}

// Start launches the scheduler loop.
func (cf *ConvoFlow) Start(ctx context.Context) { cf.engine.Start(ctx) }

// Shutdown stops the scheduler loop and drains in-flight work.
func (cf *ConvoFlow) Shutdown(ctx context.Context) error { return cf.engine.Shutdown(ctx) }
