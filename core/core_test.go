package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegexpMatcher(t *testing.T) {
	t.Run("matches case-insensitively and records submatches", func(t *testing.T) {
		m := NewRegexpMatcher()
		msg := &Message{Text: "Hello World"}

		require.True(t, m.Match([]string{"^hello (\\w+)$"}, msg))
		assert.Equal(t, []string{"Hello World", "World"}, msg.Match)
	})

	t.Run("explicit case flags are not doubled", func(t *testing.T) {
		m := NewRegexpMatcher()
		assert.True(t, m.Match([]string{"(?i)^HELLO$"}, &Message{Text: "hello"}))
	})

	t.Run("tries each pattern in order", func(t *testing.T) {
		m := NewRegexpMatcher()
		msg := &Message{Text: "nope"}
		assert.True(t, m.Match([]string{"^yes$", "^nope$"}, msg))
		assert.Equal(t, []string{"nope"}, msg.Match)
	})

	t.Run("empty text and nil messages never match", func(t *testing.T) {
		m := NewRegexpMatcher()
		assert.False(t, m.Match([]string{".*"}, &Message{}))
		assert.False(t, m.Match([]string{".*"}, nil))
	})

	t.Run("invalid patterns report through the hook and never match", func(t *testing.T) {
		m := NewRegexpMatcher()
		var bad string
		m.OnError = func(pattern string, err error) { bad = pattern }

		assert.False(t, m.Match([]string{"([unclosed"}, &Message{Text: "anything"}))
		assert.Equal(t, "([unclosed", bad)
	})
}

func TestExactPattern(t *testing.T) {
	m := NewRegexpMatcher()

	assert.True(t, m.Match([]string{ExactPattern("c++ (what?)")}, &Message{Text: "C++ (what?)"}))
	assert.False(t, m.Match([]string{ExactPattern("yes")}, &Message{Text: "yes please"}))
}

func TestMessageClone(t *testing.T) {
	t.Run("copies are independent", func(t *testing.T) {
		msg := NewMessage("message_received", "u1", "c1", "hi")
		msg.Attachment = Attachment{"type": "template", "payload": map[string]any{"kind": "button"}}
		msg.QuickReplies = []QuickReply{{Title: "Yes", Payload: "yes"}}
		msg.Meta = map[string]any{"dialogue": "d1"}

		cp := msg.Clone()
		cp.Text = "changed"
		cp.Attachment["type"] = "other"
		cp.QuickReplies[0].Title = "No"
		cp.Meta["dialogue"] = "d2"

		assert.Equal(t, "hi", msg.Text)
		assert.Equal(t, "template", msg.Attachment["type"])
		assert.Equal(t, "Yes", msg.QuickReplies[0].Title)
		assert.Equal(t, "d1", msg.Meta["dialogue"])
	})

	t.Run("nested attachment maps are deep copied", func(t *testing.T) {
		msg := &Message{Attachment: Attachment{"payload": map[string]any{"kind": "button"}}}
		cp := msg.Clone()

		nested := cp.Attachment["payload"].(Attachment)
		nested["kind"] = "list"
		assert.Equal(t, "button", msg.Attachment["payload"].(map[string]any)["kind"])
	})

	t.Run("nil clones stay nil", func(t *testing.T) {
		var msg *Message
		assert.Nil(t, msg.Clone())
	})

	t.Run("trigger clones drop provenance and raw", func(t *testing.T) {
		msg := NewMessage("message_received", "u1", "c1", "hi")
		msg.ScriptName = "survey"
		msg.ScriptID = "s1"
		msg.Raw = msg.Clone()

		cp := msg.CloneForTrigger()
		assert.Empty(t, cp.ScriptName)
		assert.Empty(t, cp.ScriptID)
		assert.Nil(t, cp.Raw)
		assert.Equal(t, "hi", cp.Text)
	})
}
