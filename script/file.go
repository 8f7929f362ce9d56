package script

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/logging"
)

// FileProviderOptions configures the local script provider.
type FileProviderOptions struct {
	// Matcher evaluates trigger patterns against inbound text. Defaults to
	// the case-insensitive regex matcher.
	Matcher core.Matcher

	// Utterances resolves "utterance" type triggers to patterns. Defaults
	// to DefaultUtterances.
	Utterances map[string]string

	Logger logging.Logger
}

// FileProvider loads scripts from a directory of YAML or JSON files at
// construction and serves them from memory. Trigger evaluation happens
// locally, unlike the HTTP provider where the authoring service decides.
type FileProvider struct {
	scripts    []*Script
	matcher    core.Matcher
	utterances map[string]string
	logger     logging.Logger
}

var _ Provider = (*FileProvider)(nil)

// NewFileProvider reads every .yaml, .yml and .json file in dir as one
// script. Files that fail to parse abort loading.
func NewFileProvider(dir string, optFns ...func(o *FileProviderOptions)) (*FileProvider, error) {
	opts := FileProviderOptions{
		Matcher:    core.NewRegexpMatcher(),
		Utterances: DefaultUtterances,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("script: read dir: %w", err)
	}

	p := &FileProvider{
		matcher:    opts.Matcher,
		utterances: opts.Utterances,
		logger:     opts.Logger,
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		s, err := loadScriptFile(path, ext)
		if err != nil {
			return nil, err
		}
		if s.Command == "" {
			return nil, fmt.Errorf("script: %s: missing command", entry.Name())
		}
		p.scripts = append(p.scripts, s)
		p.logger.Debug("script loaded", "command", s.Command, "file", entry.Name())
	}
	return p, nil
}

func loadScriptFile(path, ext string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script: read %s: %w", filepath.Base(path), err)
	}
	var s Script
	if ext == ".json" {
		err = json.Unmarshal(data, &s)
	} else {
		err = yaml.Unmarshal(data, &s)
	}
	if err != nil {
		return nil, fmt.Errorf("script: parse %s: %w", filepath.Base(path), err)
	}
	return &s, nil
}

// Scripts returns all loaded scripts.
func (p *FileProvider) Scripts() []*Script {
	return append([]*Script(nil), p.scripts...)
}

// GetScript returns the script whose command matches name, ignoring case.
func (p *FileProvider) GetScript(_ context.Context, name string) (*Script, error) {
	for _, s := range p.scripts {
		if strings.EqualFold(s.Command, name) {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// GetScriptByID returns the script with the given id.
func (p *FileProvider) GetScriptByID(_ context.Context, id string) (*Script, error) {
	for _, s := range p.scripts {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// EvaluateTrigger matches text against every script's triggers, falling
// back to the command name as an exact phrase when a script declares no
// triggers.
func (p *FileProvider) EvaluateTrigger(_ context.Context, text, _ string) (*Script, error) {
	probe := &core.Message{Text: text}
	for _, s := range p.scripts {
		patterns := p.triggerPatterns(s)
		if p.matcher.Match(patterns, probe) {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

func (p *FileProvider) triggerPatterns(s *Script) []string {
	if len(s.Triggers) == 0 {
		return []string{core.ExactPattern(s.Command)}
	}
	patterns := make([]string, 0, len(s.Triggers))
	for _, t := range s.Triggers {
		if pattern, ok := TriggerPattern(t.Type, t.Pattern, p.utterances); ok {
			patterns = append(patterns, pattern)
		}
	}
	return patterns
}

// TriggerPattern resolves a typed pattern to a regular expression:
// "utterance" looks the name up in utterances, "string" anchors the
// escaped literal, anything else is taken as a raw regex.
func TriggerPattern(patternType, pattern string, utterances map[string]string) (string, bool) {
	switch patternType {
	case "utterance":
		p, ok := utterances[pattern]
		return p, ok
	case "string":
		return core.ExactPattern(pattern), true
	default:
		return pattern, true
	}
}
