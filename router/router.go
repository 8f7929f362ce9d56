// Package router maps event names to ordered handler chains, partitioned
// into pattern-matching ("hearing") handlers that are always tried first
// and generic handlers that run only when no pattern claimed the event.
package router

import (
	"context"
	"strings"
	"sync"

	"github.com/convoflow/convoflow/pipeline"
)

// Disposition is a handler's verdict on an event.
type Disposition int

const (
	// Continue lets the next handler in the same tier run.
	Continue Disposition = iota
	// Stop claims the event and halts propagation; for pattern handlers it
	// also suppresses the generic tier.
	Stop
	// Skip signals a pattern handler whose internal match predicate did not
	// fire; the handler had no side effects and the search continues.
	Skip
)

// Handler processes one triggered event. Pattern handlers re-check their
// match predicate internally and return Skip when it fails.
type Handler func(ctx context.Context, f *pipeline.Frame) Disposition

type registration struct {
	handler Handler
	pattern bool
}

// Router dispatches named events. Pattern-tier handlers run before generic
// handlers; a Stop in either tier halts propagation within it, and any
// pattern-tier Stop suppresses the generic tier entirely. The generic tier
// additionally runs behind the "triggered" middleware stage. Safe for
// concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	pipeline *pipeline.Pipeline
}

// New creates a router. The pipeline gates the generic tier through its
// triggered stage; nil disables that gate.
func New(p *pipeline.Pipeline) *Router {
	return &Router{handlers: map[string][]registration{}, pipeline: p}
}

// On subscribes a handler to one or more comma-separated event names.
// Pattern handlers are tried before generic ones on every trigger.
func (r *Router) On(events string, h Handler, pattern bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range strings.Split(events, ",") {
		ev = strings.TrimSpace(ev)
		if ev == "" {
			continue
		}
		r.handlers[ev] = append(r.handlers[ev], registration{handler: h, pattern: pattern})
	}
}

// Trigger dispatches an event. It returns true if any handler claimed the
// event with Stop.
func (r *Router) Trigger(ctx context.Context, event string, f *pipeline.Frame) bool {
	r.mu.RLock()
	regs := append([]registration(nil), r.handlers[event]...)
	r.mu.RUnlock()

	if len(regs) == 0 {
		return false
	}

	var generic []registration
	for _, reg := range regs {
		if !reg.pattern {
			generic = append(generic, reg)
			continue
		}
		switch reg.handler(ctx, f) {
		case Stop:
			return true
		case Skip, Continue:
		}
	}

	if len(generic) == 0 {
		return false
	}

	if r.pipeline != nil {
		if err := r.pipeline.Run(ctx, pipeline.StageTriggered, f); err != nil {
			return false
		}
	}

	for _, reg := range generic {
		if reg.handler(ctx, f) == Stop {
			return true
		}
	}
	return false
}

// HandlerCount reports how many handlers are subscribed to an event.
func (r *Router) HandlerCount(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}
