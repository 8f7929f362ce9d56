package script

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/convoflow/convoflow/convo"
	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/logging"
	"github.com/convoflow/convoflow/storage"
)

// CancelInput is the sentinel answer produced by a question's cancel
// button. The default answer handler stops the conversation when it sees
// it, so scripts never record it as a real response.
const CancelInput = "##cancel**input**loop##"

// DefaultTimeout is the inactivity limit applied to compiled
// conversations unless overridden.
const DefaultTimeout = 15 * time.Minute

// commonAttributes are stored user attributes copied into every compiled
// conversation, so script templates can reference profile data without an
// explicit variable declaration.
var commonAttributes = []string{
	"user_age",
	"user_email",
	"user_phone",
	"fb_gender",
	"fb_username",
	"fb_lastname",
	"fb_fullname",
	"fb_firstname",
}

// CompilerOptions configures script compilation.
type CompilerOptions struct {
	// Store, when set, backs user bookkeeping: compiled conversations get
	// stored profile attributes pre-loaded and validated answers persisted.
	Store storage.Store

	// Utterances resolves "utterance" type answer options. Defaults to
	// DefaultUtterances.
	Utterances map[string]string

	// Timeout is the inactivity limit for compiled conversations.
	Timeout time.Duration

	// HelperAPIURL and LoopbackURL fill in subscription links that do not
	// carry their own endpoints.
	HelperAPIURL string
	LoopbackURL  string

	// Redispatch re-enters a message into the engine as a fresh inbound
	// event, used by quick replies that break out of the conversation.
	Redispatch func(ctx context.Context, msg *core.Message)

	Logger logging.Logger
}

// Compiler turns authored scripts into runnable conversations. Hooks
// registered on the compiler (Before, After, BeforeThread, Validate) are
// attached to every conversation compiled from the named script.
type Compiler struct {
	store        storage.Store
	utterances   map[string]string
	timeout      time.Duration
	helperAPIURL string
	loopbackURL  string
	redispatch   func(ctx context.Context, msg *core.Message)
	logger       logging.Logger

	mu          sync.RWMutex
	beforeHooks map[string][]convo.BeforeHook
	afterHooks  map[string][]func(c *convo.Conversation)
	threadHooks map[string]map[string][]convo.BeforeHook
	answerHooks map[string]map[string][]convo.BeforeHook
}

// NewCompiler creates a script compiler.
func NewCompiler(optFns ...func(o *CompilerOptions)) *Compiler {
	opts := CompilerOptions{
		Utterances: DefaultUtterances,
		Timeout:    DefaultTimeout,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Compiler{
		store:        opts.Store,
		utterances:   opts.Utterances,
		timeout:      opts.Timeout,
		helperAPIURL: opts.HelperAPIURL,
		loopbackURL:  opts.LoopbackURL,
		redispatch:   opts.Redispatch,
		logger:       opts.Logger,
		beforeHooks:  map[string][]convo.BeforeHook{},
		afterHooks:   map[string][]func(c *convo.Conversation){},
		threadHooks:  map[string]map[string][]convo.BeforeHook{},
		answerHooks:  map[string]map[string][]convo.BeforeHook{},
	}
}

// Before registers a hook run after a script compiles but before its
// conversation activates.
func (cp *Compiler) Before(command string, hook convo.BeforeHook) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.beforeHooks[command] = append(cp.beforeHooks[command], hook)
}

// After registers a callback run when a compiled conversation ends.
func (cp *Compiler) After(command string, fn func(c *convo.Conversation)) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.afterHooks[command] = append(cp.afterHooks[command], fn)
}

// BeforeThread registers a hook run before the named thread of a
// compiled conversation activates.
func (cp *Compiler) BeforeThread(command, thread string, hook convo.BeforeHook) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.threadHooks[command] == nil {
		cp.threadHooks[command] = map[string][]convo.BeforeHook{}
	}
	cp.threadHooks[command][thread] = append(cp.threadHooks[command][thread], hook)
}

// Validate registers a hook run when an answer is captured under the
// given key, before the answer's action executes.
func (cp *Compiler) Validate(command, key string, hook convo.BeforeHook) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.answerHooks[command] == nil {
		cp.answerHooks[command] = map[string][]convo.BeforeHook{}
	}
	cp.answerHooks[command][key] = append(cp.answerHooks[command][key], hook)
}

// Compile builds a conversation on the task from the script, triggered by
// msg. The conversation is returned inactive; callers activate it once
// any of their own setup is done.
func (cp *Compiler) Compile(ctx context.Context, task *convo.Task, msg *core.Message, s *Script) (*convo.Conversation, error) {
	if s == nil || len(s.Threads) == 0 {
		return nil, errors.New("script: nothing to compile")
	}

	msg.ScriptName = s.Command
	msg.ScriptID = s.ID

	c := task.CreateConversation(ctx, msg)
	c.SetTimeout(cp.timeout)

	cp.ensureUser(ctx, msg.User)
	cp.seedAttributes(ctx, c, msg.User)
	cp.seedVariables(ctx, c, s, msg.User)

	for _, th := range s.Threads {
		topic := th.Topic
		if topic == "" {
			topic = convo.DefaultThread
		}
		for _, step := range cp.compileThread(c, s.Command, th.Steps) {
			c.AddStep(step, topic)
		}
	}

	cp.mu.RLock()
	threadHooks := cp.threadHooks[s.Command]
	afterHooks := slices.Clone(cp.afterHooks[s.Command])
	beforeHooks := slices.Clone(cp.beforeHooks[s.Command])
	cp.mu.RUnlock()

	for thread, hooks := range threadHooks {
		for _, hook := range hooks {
			c.BeforeThread(thread, hook)
		}
	}
	for _, fn := range afterHooks {
		c.On("end", fn)
	}
	for _, hook := range beforeHooks {
		if err := hook(ctx, c); err != nil {
			return nil, err
		}
	}

	cp.logger.Debug("script compiled", "command", s.Command, "threads", len(s.Threads))
	return c, nil
}

// ensureUser makes sure a user record exists so attribute writes have a
// home.
func (cp *Compiler) ensureUser(ctx context.Context, userID string) {
	if cp.store == nil || userID == "" {
		return
	}
	users := cp.store.Users()
	if _, err := users.Get(ctx, userID); err == nil {
		return
	}
	if err := users.Save(ctx, &storage.User{ID: userID}); err != nil {
		cp.logger.Warn("store user failed", "user", userID, "error", err)
	}
}

// seedAttributes copies the latest stored value of each common profile
// attribute into the conversation's variables.
func (cp *Compiler) seedAttributes(ctx context.Context, c *convo.Conversation, userID string) {
	if cp.store == nil || userID == "" {
		return
	}
	users := cp.store.Users()
	for _, key := range commonAttributes {
		attr, err := users.LatestAttribute(ctx, userID, key)
		if err != nil {
			continue
		}
		c.SetVar(ctx, key, attr.Value, false)
	}
}

// seedVariables applies script-declared variables. A stored attribute
// with the same name wins over the authored value; authored values are
// also registered as responses so {{.responses.name}} resolves.
func (cp *Compiler) seedVariables(ctx context.Context, c *convo.Conversation, s *Script, userID string) {
	for _, v := range s.Variables {
		if cp.store != nil && userID != "" {
			if attr, err := cp.store.Users().LatestAttribute(ctx, userID, v.Name); err == nil {
				c.SetVar(ctx, v.Name, attr.Value, false)
			}
		}
		if v.Value != "" {
			c.SetVar(ctx, v.Name, v.Value, false)
			c.SeedResponse(v.Name, v.Value)
		}
	}
}

func (cp *Compiler) compileThread(c *convo.Conversation, command string, steps []Step) []*convo.Step {
	var out []*convo.Step
	for i := range steps {
		st := &steps[i]

		if st.Conditional != nil {
			out = append(out, convo.ConditionalStep(&convo.Conditional{
				Left:    st.Conditional.Left,
				Right:   st.Conditional.Right,
				Test:    st.Conditional.Test,
				Action:  st.Conditional.Action,
				Execute: scriptCall(st.Conditional.Execute),
			}))
			continue
		}

		if st.QuickReply != nil {
			var prev *convo.Step
			if len(out) > 0 {
				prev = out[len(out)-1]
			}
			cp.attachQuickReply(command, prev, st.QuickReply)
			continue
		}

		step := cp.compileStep(c, command, st)
		if step != nil {
			out = append(out, step)
		}
	}
	return out
}

func (cp *Compiler) compileStep(c *convo.Conversation, command string, st *Step) *convo.Step {
	step := &convo.Step{
		Kind:        convo.StepMessage,
		Text:        []string(st.Text),
		Attachments: st.Attachments,
		Attachment:  st.Attachment,
		Delay:       time.Duration(st.DelayMS) * time.Millisecond,
	}

	if st.SetVar != nil {
		step.SetVar = &convo.VarAssignment{
			Key:       st.SetVar.Key,
			Value:     st.SetVar.Value,
			Entity:    st.SetVar.Entity,
			Operation: st.SetVar.Operation,
			Persist:   st.SetVar.Persist,
		}
	}
	if st.JSONAPI != nil {
		step.APICall = compileAPICall(st.JSONAPI)
	}
	if st.GotoDialogue != nil {
		step.Redirect = st.GotoDialogue
	}
	if st.ContactHuman != nil {
		step.Handoff = &convo.HumanHandoff{
			Message:              st.ContactHuman.Message,
			WaitingMinutes:       st.ContactHuman.WaitingMinutes,
			NoResponseMessage:    st.ContactHuman.NoResponseMessage,
			RegainControlMessage: st.ContactHuman.RegainControlMessage,
		}
	}
	if st.LinkToSubscription != nil {
		link := *st.LinkToSubscription
		if link.HelperAPIURL == "" {
			link.HelperAPIURL = cp.helperAPIURL
		}
		if link.LoopbackURL == "" {
			link.LoopbackURL = cp.loopbackURL
		}
		step.Subscription = &link
	}
	if st.BackToBot != nil {
		step.BackToBot = &convo.BackToBot{
			ShowMessage:   st.BackToBot.IsShowMessage,
			MessageToUser: st.BackToBot.MessageToUser,
		}
	}
	if st.Action != "" {
		step.Action = st.Action
		step.Execute = scriptCall(st.Execute)
	}
	for _, m := range st.Meta {
		if step.Meta == nil {
			step.Meta = map[string]any{}
		}
		step.Meta[m.Key] = m.Value
	}

	if st.Collect != nil {
		return cp.compileQuestion(c, command, step, st.Collect)
	}
	return step
}

// compileQuestion finishes a step whose script entry collects an answer.
// Returns nil when the question is skipped because its variable already
// has a value.
func (cp *Compiler) compileQuestion(c *convo.Conversation, command string, step *convo.Step, collect *Collect) *convo.Step {
	capture := convo.CaptureOptions{Key: collect.Key, Multiple: collect.Multiple}

	if collect.CheckIfAttributeExists {
		if _, ok := c.GetVar(collect.Key); ok {
			return nil
		}
	}

	step.Kind = convo.StepQuestion
	step.Capture = capture

	defaultFound := false
	for i := range collect.Options {
		o := &collect.Options[i]
		if o.QuickReply {
			step.QuickReplies = append(step.QuickReplies, core.QuickReply{
				Title:       o.Pattern,
				Payload:     o.QuickReplyPayload,
				ImageURL:    o.QuickReplyImageURL,
				ContentType: o.QuickReplyContentType,
			})
		}
		step.Options = append(step.Options, cp.makeOption(command, o, capture))
		if o.Default {
			defaultFound = true
		}
	}
	if !defaultFound {
		step.Options = append(step.Options, cp.defaultOption(command, capture, collect))
	}

	if collect.AllowCancelingConversation {
		title := collect.CancelButtonName
		if title == "" {
			title = "cancel"
		}
		var text string
		if len(step.Text) > 0 {
			text = step.Text[0]
		}
		step.Attachment = core.Attachment{
			"type": "template",
			"payload": map[string]any{
				"template_type": "button",
				"text":          text,
				"buttons": []any{map[string]any{
					"type":    "postback",
					"title":   title,
					"payload": CancelInput,
				}},
			},
		}
		step.Text = nil
	}

	return step
}

// makeOption turns one authored answer option into a handler that routes
// the matched answer to its action.
func (cp *Compiler) makeOption(command string, o *CollectOption, capture convo.CaptureOptions) convo.AnswerOption {
	var patterns []string
	if pattern, ok := TriggerPattern(o.Type, o.Pattern, cp.utterances); ok && pattern != "" {
		patterns = []string{pattern}
	}

	action := o.Action
	execute := scriptCall(o.Execute)

	return convo.AnswerOption{
		Patterns: patterns,
		Default:  o.Default,
		Handler: func(ctx context.Context, _ *core.Message, c *convo.Conversation) {
			// A non-wait option consumes the answer without keeping it in a
			// multiple-answer list.
			if action != convo.ActionWait && capture.Multiple {
				c.PopResponse(capture.Key)
			}
			cp.runAnswerHooks(ctx, command, capture.Key, c)
			c.ApplyAction(ctx, action, execute)
		},
	}
}

// defaultOption is the answer handler installed when a question declares
// no default option: it validates the answer, persists it, and moves on.
func (cp *Compiler) defaultOption(command string, capture convo.CaptureOptions, collect *Collect) convo.AnswerOption {
	var re *regexp.Regexp
	if collect.ValidationRegex != "" {
		var err error
		re, err = regexp.Compile(collect.ValidationRegex)
		if err != nil {
			cp.logger.Warn("invalid validation regex", "command", command, "key", capture.Key, "error", err)
		}
	}
	validationMessage := collect.ValidationMessage

	return convo.AnswerOption{
		Default: true,
		Handler: func(ctx context.Context, _ *core.Message, c *convo.Conversation) {
			cp.runAnswerHooks(ctx, command, capture.Key, c)

			var answer string
			if last := c.LastResponse(capture.Key); last != nil {
				answer = last.Text
			}
			if answer == CancelInput {
				c.Stop(ctx, convo.StatusStopped)
				return
			}

			if re == nil {
				c.SetVar(ctx, capture.Key, answer, true)
				c.Next()
				return
			}

			if !strings.EqualFold(capture.Key, "none") && !re.MatchString(answer) {
				// Re-ask: the question goes back on the queue with the
				// validation message ahead of it.
				c.Repeat()
				if validationMessage != "" {
					c.SayFirst(convo.Text(validationMessage))
				}
			} else {
				c.SetVar(ctx, capture.Key, answer, true)
			}
			c.Next()
		},
	}
}

// attachQuickReply converts the previous step into a question answered by
// tapping one of the quick replies. An answer outside the offered set
// stops the conversation and re-enters the text as a fresh inbound
// message.
func (cp *Compiler) attachQuickReply(command string, prev *convo.Step, qr *QuickReply) {
	if prev == nil || (len(prev.Text) == 0 && len(prev.Attachment) == 0) {
		return
	}

	prev.QuickReplies = append(prev.QuickReplies, qr.QuickReplies...)

	valid := map[string]bool{}
	for _, reply := range qr.QuickReplies {
		if reply.Payload != "" {
			valid[reply.Payload] = true
		}
		if reply.Title != "" {
			valid[reply.Title] = true
		}
	}

	capture := convo.CaptureOptions{Key: "quickReplyResponse"}
	saveTo := qr.SaveToAttribute
	triggers := slices.Clone(qr.DialogueTriggers)

	prev.Kind = convo.StepQuestion
	prev.Capture = capture
	prev.Options = []convo.AnswerOption{{
		Default: true,
		Handler: func(ctx context.Context, msg *core.Message, c *convo.Conversation) {
			cp.runAnswerHooks(ctx, command, capture.Key, c)

			var answer string
			if last := c.LastResponse(capture.Key); last != nil {
				answer = last.Text
			}
			if !valid[answer] {
				c.Stop(ctx, convo.StatusStopped)
				cp.redispatchText(ctx, msg, answer)
				return
			}

			if saveTo != "" {
				c.SetVar(ctx, saveTo, answer, true)
			}
			c.Next()

			if slices.Contains(triggers, answer) {
				cp.redispatchText(ctx, msg, answer)
			}
		},
	}}
}

func (cp *Compiler) redispatchText(ctx context.Context, src *core.Message, text string) {
	if cp.redispatch == nil {
		return
	}
	out := src.CloneForTrigger()
	out.Text = text
	cp.redispatch(ctx, out)
}

func (cp *Compiler) runAnswerHooks(ctx context.Context, command, key string, c *convo.Conversation) {
	cp.mu.RLock()
	var hooks []convo.BeforeHook
	if byKey, ok := cp.answerHooks[command]; ok {
		hooks = slices.Clone(byKey[key])
	}
	cp.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, c); err != nil {
			cp.logger.Warn("answer hook failed", "command", command, "key", key, "error", err)
		}
	}
}

func compileAPICall(api *JSONAPI) *convo.APICall {
	call := &convo.APICall{
		Request: core.APIRequest{
			URL:    api.APIURL,
			Method: strings.ToUpper(api.RequestType),
			Params: slices.Clone(api.PropertyObjects),
		},
		ErrorMessage: api.PluginMessages.ErrorOccured,
	}
	for _, attr := range api.AttributeObjects {
		key := attr.Key
		if key == "" {
			key = attr.Name
		}
		call.Attributes = append(call.Attributes, convo.AttributeParam{
			Key:       key,
			Attribute: attr.Name,
			SendIn:    attr.SendIn,
		})
	}
	return call
}

func scriptCall(e *Execute) *convo.ScriptCall {
	if e == nil {
		return nil
	}
	return &convo.ScriptCall{Script: e.Script, Thread: e.Thread}
}
