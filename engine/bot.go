package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/convoflow/convoflow/convo"
	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/metrics"
	"github.com/convoflow/convoflow/pipeline"
)

// Bot is a worker bound to the engine's transport. Every outbound
// message flows through the format and send middleware stages and the
// engine's rate limiter before it reaches the transport.
type Bot struct {
	engine *Engine
}

var _ convo.Replier = (*Bot)(nil)

// Spawn creates a bot worker, running the spawn middleware stage.
func (e *Engine) Spawn() *Bot {
	b := &Bot{engine: e}
	if err := e.pipeline.Run(context.Background(), pipeline.StageSpawn, &pipeline.Frame{}); err != nil {
		e.logger.Error("spawn middleware failed", "error", err)
	}
	return b
}

// Reply dispatches an outbound message in the context of the inbound
// message that started the exchange. A nil transport short-circuits to a
// confirmed delivery, keeping dry runs and tests transport-free.
func (b *Bot) Reply(ctx context.Context, src, outbound *core.Message) (*core.Receipt, error) {
	e := b.engine

	platform := outbound.Clone()
	frame := &pipeline.Frame{Message: outbound, Platform: platform}
	if err := e.pipeline.Run(ctx, pipeline.StageFormat, frame); err != nil {
		return nil, fmt.Errorf("engine: format: %w", err)
	}
	if err := e.pipeline.Run(ctx, pipeline.StageSend, frame); err != nil {
		return nil, fmt.Errorf("engine: send: %w", err)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("engine: rate limit: %w", err)
	}

	metrics.StepsDispatched.Inc()

	if e.transport == nil {
		metrics.Deliveries.WithLabelValues("delivered").Inc()
		return &core.Receipt{ID: outbound.ID, Delivered: true}, nil
	}

	start := time.Now()
	receipt, err := e.transport.Reply(ctx, src, frame.Platform)
	dur := time.Since(start)

	switch {
	case err != nil:
		metrics.Deliveries.WithLabelValues("failed").Inc()
		e.logger.Error("delivery failed", "channel", outbound.Channel, "duration_ms", dur.Milliseconds(), "error", err)
	case receipt != nil && receipt.Delivered:
		metrics.Deliveries.WithLabelValues("delivered").Inc()
		e.logger.Debug("delivered", "channel", outbound.Channel, "duration_ms", dur.Milliseconds())
	default:
		metrics.Deliveries.WithLabelValues("sent").Inc()
		e.logger.Debug("sent", "channel", outbound.Channel, "duration_ms", dur.Milliseconds())
	}

	return receipt, err
}

// Say sends a message outside any conversation.
func (b *Bot) Say(ctx context.Context, msg *core.Message) (*core.Receipt, error) {
	if msg.Type == "" {
		msg.Type = "message_sent"
	}
	return b.Reply(ctx, nil, msg)
}
