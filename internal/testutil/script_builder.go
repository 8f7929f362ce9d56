package testutil

import (
	"github.com/convoflow/convoflow/script"
)

// ScriptBuilder provides a fluent helper for constructing authored
// scripts in tests. Example:
//
//	s := NewScriptBuilder("survey").
//		Say("default", "welcome").
//		Ask("default", "name?", "name").
//		Build()
//
// Steps accumulate per topic in the order they are added.
type ScriptBuilder struct {
	s      script.Script
	topics []string
	steps  map[string][]script.Step
}

// NewScriptBuilder creates a builder for the named command.
func NewScriptBuilder(command string) *ScriptBuilder {
	return &ScriptBuilder{
		s:     script.Script{Command: command},
		steps: map[string][]script.Step{},
	}
}

// ID sets the script identifier (chainable).
func (b *ScriptBuilder) ID(id string) *ScriptBuilder { b.s.ID = id; return b }

// Trigger adds a trigger of the given type and pattern (chainable).
func (b *ScriptBuilder) Trigger(typ, pattern string) *ScriptBuilder {
	b.s.Triggers = append(b.s.Triggers, script.Trigger{Type: typ, Pattern: pattern})
	return b
}

// Variable seeds a script variable (chainable).
func (b *ScriptBuilder) Variable(name, value string) *ScriptBuilder {
	b.s.Variables = append(b.s.Variables, script.Variable{Name: name, Value: value})
	return b
}

// Say appends a plain message step to the topic (chainable).
func (b *ScriptBuilder) Say(topic string, text ...string) *ScriptBuilder {
	return b.Step(topic, script.Step{Text: script.StringList(text)})
}

// Ask appends a question step capturing its answer under key (chainable).
func (b *ScriptBuilder) Ask(topic, text, key string) *ScriptBuilder {
	return b.Step(topic, script.Step{
		Text:    script.StringList{text},
		Collect: &script.Collect{Key: key},
	})
}

// Step appends an arbitrary authored step to the topic (chainable).
func (b *ScriptBuilder) Step(topic string, step script.Step) *ScriptBuilder {
	if _, ok := b.steps[topic]; !ok {
		b.topics = append(b.topics, topic)
	}
	b.steps[topic] = append(b.steps[topic], step)
	return b
}

// Build constructs the script.Script value.
func (b *ScriptBuilder) Build() *script.Script {
	s := b.s
	for _, topic := range b.topics {
		s.Threads = append(s.Threads, script.Thread{Topic: topic, Steps: b.steps[topic]})
	}
	return &s
}
