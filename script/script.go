// Package script loads remotely or locally authored dialogue scripts and
// compiles them into runnable conversations. A script is a set of named
// threads of steps; steps can send messages, collect answers with
// validation, branch, call external APIs and hand off to other scripts.
package script

import (
	"encoding/json"

	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/eval"
)

// StringList accepts either a single string or a list of strings when
// decoding, covering scripts that author one text and scripts that
// author random variations.
type StringList []string

// UnmarshalJSON decodes a string or an array of strings.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = StringList(many)
	return nil
}

// UnmarshalYAML decodes a string or a list of strings.
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var one string
	if err := unmarshal(&one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := unmarshal(&many); err != nil {
		return err
	}
	*s = StringList(many)
	return nil
}

// Script is one authored dialogue.
type Script struct {
	ID          string     `json:"id,omitempty" yaml:"id,omitempty"`
	Command     string     `json:"command" yaml:"command"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Triggers    []Trigger  `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Variables   []Variable `json:"variables,omitempty" yaml:"variables,omitempty"`
	Threads     []Thread   `json:"script" yaml:"script"`
}

// Trigger is one phrase pattern that starts the script.
type Trigger struct {
	// Type is "utterance", "string" or "regex"; it decides how Pattern is
	// interpreted.
	Type    string `json:"type,omitempty" yaml:"type,omitempty"`
	Pattern string `json:"pattern" yaml:"pattern"`
}

// Variable is a script-supplied value seeded into the conversation
// before it starts. A stored user attribute with the same name takes
// precedence over the authored value.
type Variable struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Thread is a named sequence of steps. The thread with an empty or
// "default" topic is where the conversation starts.
type Thread struct {
	Topic string `json:"topic" yaml:"topic"`
	Steps []Step `json:"script" yaml:"script"`
}

// Step is one authored step of a thread.
type Step struct {
	Text        StringList        `json:"text,omitempty" yaml:"text,omitempty"`
	Attachments []core.Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Attachment  core.Attachment   `json:"attachment,omitempty" yaml:"attachment,omitempty"`

	// DelayMS postpones this step relative to the one before it.
	DelayMS int64 `json:"delay,omitempty" yaml:"delay,omitempty"`

	Collect     *Collect     `json:"collect,omitempty" yaml:"collect,omitempty"`
	QuickReply  *QuickReply  `json:"quickReply,omitempty" yaml:"quickReply,omitempty"`
	Conditional *Conditional `json:"conditional,omitempty" yaml:"conditional,omitempty"`

	SetVar             *SetVar                `json:"setVar,omitempty" yaml:"setVar,omitempty"`
	JSONAPI            *JSONAPI               `json:"jsonApi,omitempty" yaml:"jsonApi,omitempty"`
	GotoDialogue       *eval.DialogueRedirect `json:"gotoDialogue,omitempty" yaml:"gotoDialogue,omitempty"`
	ContactHuman       *ContactHuman          `json:"contactHuman,omitempty" yaml:"contactHuman,omitempty"`
	LinkToSubscription *eval.SubscriptionLink `json:"linkToSubscription,omitempty" yaml:"linkToSubscription,omitempty"`
	BackToBot          *BackToBot             `json:"backToBot,omitempty" yaml:"backToBot,omitempty"`

	Action  string   `json:"action,omitempty" yaml:"action,omitempty"`
	Execute *Execute `json:"execute,omitempty" yaml:"execute,omitempty"`

	Meta []MetaEntry `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Collect marks a step as a question and describes how its answer is
// captured and validated.
type Collect struct {
	Key      string          `json:"key" yaml:"key"`
	Multiple bool            `json:"multiple,omitempty" yaml:"multiple,omitempty"`
	Options  []CollectOption `json:"options,omitempty" yaml:"options,omitempty"`

	ValidationRegex   string `json:"validationRegex,omitempty" yaml:"validationRegex,omitempty"`
	ValidationMessage string `json:"validationMessage,omitempty" yaml:"validationMessage,omitempty"`

	// CheckIfAttributeExists skips the question entirely when the
	// conversation already has a value under Key.
	CheckIfAttributeExists bool `json:"checkIfAttributeExists,omitempty" yaml:"checkIfAttributeExists,omitempty"`

	AllowCancelingConversation bool   `json:"allowCancelingConversation,omitempty" yaml:"allowCancelingConversation,omitempty"`
	CancelButtonName           string `json:"cancelButtonName,omitempty" yaml:"cancelButtonName,omitempty"`
}

// CollectOption routes a matching answer to an action.
type CollectOption struct {
	// Type is "utterance", "string" or "regex".
	Type    string   `json:"type,omitempty" yaml:"type,omitempty"`
	Pattern string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Default bool     `json:"default,omitempty" yaml:"default,omitempty"`
	Action  string   `json:"action,omitempty" yaml:"action,omitempty"`
	Execute *Execute `json:"execute,omitempty" yaml:"execute,omitempty"`

	// QuickReply renders this option as a tappable quick-reply button on
	// the question.
	QuickReply            bool   `json:"fb_quick_reply,omitempty" yaml:"fb_quick_reply,omitempty"`
	QuickReplyPayload     string `json:"fb_quick_reply_payload,omitempty" yaml:"fb_quick_reply_payload,omitempty"`
	QuickReplyImageURL    string `json:"fb_quick_reply_image_url,omitempty" yaml:"fb_quick_reply_image_url,omitempty"`
	QuickReplyContentType string `json:"fb_quick_reply_content_type,omitempty" yaml:"fb_quick_reply_content_type,omitempty"`
}

// QuickReply attaches quick-reply buttons to the previous step and
// captures which one the user tapped.
type QuickReply struct {
	SaveToAttribute  string            `json:"saveToAttribute,omitempty" yaml:"saveToAttribute,omitempty"`
	DialogueTriggers []string          `json:"dialogueTriggers,omitempty" yaml:"dialogueTriggers,omitempty"`
	QuickReplies     []core.QuickReply `json:"quickReplies,omitempty" yaml:"quickReplies,omitempty"`
}

// Conditional is an authored branch.
type Conditional struct {
	Left    string   `json:"left" yaml:"left"`
	Right   string   `json:"right,omitempty" yaml:"right,omitempty"`
	Test    string   `json:"test" yaml:"test"`
	Action  string   `json:"action,omitempty" yaml:"action,omitempty"`
	Execute *Execute `json:"execute,omitempty" yaml:"execute,omitempty"`
}

// SetVar is an authored variable assignment.
type SetVar struct {
	Key       string          `json:"key" yaml:"key"`
	Value     any             `json:"value,omitempty" yaml:"value,omitempty"`
	Entity    *eval.Entity    `json:"valueEntity,omitempty" yaml:"valueEntity,omitempty"`
	Operation *eval.Operation `json:"operation,omitempty" yaml:"operation,omitempty"`
	Persist   bool            `json:"isPersist,omitempty" yaml:"isPersist,omitempty"`
}

// JSONAPI is an authored external API call.
type JSONAPI struct {
	APIURL      string `json:"apiUrl" yaml:"apiUrl"`
	RequestType string `json:"requestType,omitempty" yaml:"requestType,omitempty"`

	// PropertyObjects are static parameters; AttributeObjects name
	// conversation variables resolved at call time.
	PropertyObjects  []core.APIParam   `json:"propertyObjects,omitempty" yaml:"propertyObjects,omitempty"`
	AttributeObjects []AttributeObject `json:"attributeObjects,omitempty" yaml:"attributeObjects,omitempty"`

	PluginMessages PluginMessages `json:"pluginMessages,omitempty" yaml:"pluginMessages,omitempty"`
}

// AttributeObject names a variable whose value joins the API call.
type AttributeObject struct {
	Key    string `json:"key,omitempty" yaml:"key,omitempty"`
	Name   string `json:"name" yaml:"name"`
	SendIn string `json:"sendIn,omitempty" yaml:"sendIn,omitempty"`
}

// PluginMessages holds user-facing texts for API call outcomes.
type PluginMessages struct {
	ErrorOccured string `json:"errorOccured,omitempty" yaml:"errorOccured,omitempty"`
}

// ContactHuman is an authored human handoff.
type ContactHuman struct {
	Message              string  `json:"message,omitempty" yaml:"message,omitempty"`
	WaitingMinutes       float64 `json:"waitingMinutes,omitempty" yaml:"waitingMinutes,omitempty"`
	NoResponseMessage    string  `json:"noResponseMessage,omitempty" yaml:"noResponseMessage,omitempty"`
	RegainControlMessage string  `json:"regainControlMessage,omitempty" yaml:"regainControlMessage,omitempty"`
}

// BackToBot is an authored return of control from a human operator.
type BackToBot struct {
	IsShowMessage bool   `json:"isShowMessage,omitempty" yaml:"isShowMessage,omitempty"`
	MessageToUser string `json:"messageToUser,omitempty" yaml:"messageToUser,omitempty"`
}

// Execute names a script (and thread) to transition to.
type Execute struct {
	Script string `json:"script" yaml:"script"`
	Thread string `json:"thread,omitempty" yaml:"thread,omitempty"`
}

// MetaEntry is one key/value of script-authored metadata passed through
// to outbound messages.
type MetaEntry struct {
	Key   string `json:"key" yaml:"key"`
	Value any    `json:"value" yaml:"value"`
}
