package testutil

import (
	"github.com/convoflow/convoflow/core"
)

// MessageBuilder provides a fluent helper for constructing inbound
// messages in tests. Example:
//
//	msg := NewMessageBuilder().User("u1").Text("hello").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type MessageBuilder struct {
	id      string
	typ     string
	user    string
	channel string
	text    string
	meta    map[string]any
}

// NewMessageBuilder creates a builder with default type
// "message_received", user "u1" and channel "c1".
func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{typ: "message_received", user: "u1", channel: "c1"}
}

// ID overrides the auto-generated message ID (chainable).
func (b *MessageBuilder) ID(id string) *MessageBuilder { b.id = id; return b }

// Type sets the message type (chainable).
func (b *MessageBuilder) Type(t string) *MessageBuilder { b.typ = t; return b }

// User sets the sending user (chainable).
func (b *MessageBuilder) User(u string) *MessageBuilder { b.user = u; return b }

// Channel sets the channel (chainable).
func (b *MessageBuilder) Channel(c string) *MessageBuilder { b.channel = c; return b }

// Text sets the message text (chainable).
func (b *MessageBuilder) Text(t string) *MessageBuilder { b.text = t; return b }

// Meta attaches a metadata entry (chainable).
func (b *MessageBuilder) Meta(key string, value any) *MessageBuilder {
	if b.meta == nil {
		b.meta = map[string]any{}
	}
	b.meta[key] = value
	return b
}

// Build constructs the core.Message value.
func (b *MessageBuilder) Build() *core.Message {
	msg := core.NewMessage(b.typ, b.user, b.channel, b.text)
	if b.id != "" {
		msg.ID = b.id
	}
	if b.meta != nil {
		msg.Meta = b.meta
	}
	return msg
}
