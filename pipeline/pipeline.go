// Package pipeline implements the ordered, named extension points that
// messages flow through on their way in and out of the engine. Each stage
// holds a chain of registered functions run in registration order over a
// shared frame; the first function returning an error aborts the remainder
// of the chain and the enclosing operation.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/convoflow/convoflow/core"
)

// Stage names the extension points the engine runs. A stage with no
// registered functions is a no-op pass-through.
type Stage string

const (
	// StageSpawn runs when a new bot worker is spawned.
	StageSpawn Stage = "spawn"
	// StageIngest runs on every raw inbound payload.
	StageIngest Stage = "ingest"
	// StageNormalize runs after ingest to shape the payload into a Message.
	StageNormalize Stage = "normalize"
	// StageCategorize runs after normalize to assign the message type.
	StageCategorize Stage = "categorize"
	// StageReceive runs last before conversation/router dispatch.
	StageReceive Stage = "receive"
	// StageHeard runs only for messages that matched a pattern; the best
	// place for heavy I/O because fewer messages reach it.
	StageHeard Stage = "heard"
	// StageTriggered is like heard, but for generic (non-pattern) events.
	StageTriggered Stage = "triggered"
	// StageCapture runs while recording an answer to a question.
	StageCapture Stage = "capture"
	// StageFormat runs on outbound messages before platform formatting.
	StageFormat Stage = "format"
	// StageSend runs on outbound messages before transport dispatch.
	StageSend Stage = "send"
	// StageConversationStart runs when a conversation is activated.
	StageConversationStart Stage = "conversationStart"
	// StageConversationEnd runs when a conversation ends.
	StageConversationEnd Stage = "conversationEnd"
)

// Frame is the mutable context threaded through a stage's chain. Which
// fields are populated depends on the stage: ingest through receive carry
// Message; format and send carry Message (the logical outbound) and
// Platform (the wire form under construction); conversation start/end and
// capture carry Conversation.
type Frame struct {
	// Message is the inbound or logical outbound message.
	Message *core.Message
	// Platform is the platform-specific outbound form built by format
	// middleware.
	Platform *core.Message
	// Conversation holds the *convo.Conversation for stages that concern
	// one. Typed as any to keep this package free of higher-level imports;
	// middleware type-asserts.
	Conversation any
	// Values is scratch space shared across one run of a chain.
	Values map[string]any
}

// Func is one middleware function. Returning an error aborts the remainder
// of the chain and the enclosing operation; mutating the frame in place is
// the supported way to transform messages.
type Func func(ctx context.Context, f *Frame) error

// Pipeline holds the registered middleware chains, keyed by stage.
// Registration order within one stage is execution order. Safe for
// concurrent use.
type Pipeline struct {
	mu     sync.RWMutex
	stages map[Stage][]Func
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{stages: map[Stage][]Func{}}
}

// Register appends fn to the named stage's chain.
func (p *Pipeline) Register(stage Stage, fn Func) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages[stage] = append(p.stages[stage], fn)
}

// Run executes the named stage's chain in registration order. The first
// error aborts the run and is returned wrapped with the stage name; the
// caller decides whether to log or propagate. Frames are mutated in place.
func (p *Pipeline) Run(ctx context.Context, stage Stage, f *Frame) error {
	p.mu.RLock()
	chain := p.stages[stage]
	p.mu.RUnlock()

	if f.Message != nil {
		f.Message.Stage = string(stage)
	}

	for _, fn := range chain {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s middleware: %w", stage, err)
		}
		if err := fn(ctx, f); err != nil {
			return fmt.Errorf("%s middleware: %w", stage, err)
		}
	}
	return nil
}

// Len reports how many functions are registered on a stage.
func (p *Pipeline) Len(stage Stage) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages[stage])
}
