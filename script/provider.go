package script

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no script matches the requested name, id
// or trigger text.
var ErrNotFound = errors.New("script: not found")

// DefaultUtterances are the built-in named patterns addressable from
// "utterance" type triggers and answer options. Engines may extend or
// replace individual entries.
var DefaultUtterances = map[string]string{
	"yes":  `^(yes|yea|yup|yep|ya|sure|ok|y|yeah|yah)`,
	"no":   `^(no|nah|nope|n)`,
	"quit": `^(quit|cancel|end|stop|done|exit|nevermind|never mind)`,
}

// Provider resolves authored scripts by command name, by id, or by
// matching an inbound text against the scripts' trigger phrases.
type Provider interface {
	// GetScript returns the script whose command matches name, or
	// ErrNotFound.
	GetScript(ctx context.Context, name string) (*Script, error)

	// GetScriptByID returns the script with the given id, or ErrNotFound.
	GetScriptByID(ctx context.Context, id string) (*Script, error)

	// EvaluateTrigger returns the first script whose triggers match the
	// text, or ErrNotFound when no script is triggered.
	EvaluateTrigger(ctx context.Context, text, user string) (*Script, error)
}
