package core

import (
	"time"

	"github.com/google/uuid"
)

// Attachment is a platform-flavored rich content block attached to a
// message. It is kept as an open map because attachment schemas are owned
// by the chat networks, not by the engine; the engine only walks string
// fields for token substitution.
type Attachment map[string]any

// Clone returns a deep copy of the attachment, recursing into nested
// attachments and attachment lists.
func (a Attachment) Clone() Attachment {
	if a == nil {
		return nil
	}
	out := make(Attachment, len(a))
	for k, v := range a {
		switch tv := v.(type) {
		case Attachment:
			out[k] = tv.Clone()
		case map[string]any:
			out[k] = Attachment(tv).Clone()
		case []Attachment:
			cp := make([]Attachment, len(tv))
			for i := range tv {
				cp[i] = tv[i].Clone()
			}
			out[k] = cp
		case []any:
			cp := make([]any, len(tv))
			copy(cp, tv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// QuickReply is a tappable shortcut answer offered alongside a question.
type QuickReply struct {
	ContentType string `json:"content_type,omitempty"`
	Title       string `json:"title,omitempty"`
	Payload     string `json:"payload,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

// Message is the unit of communication between the transport, the pipeline
// and conversations. Inbound messages keep an immutable copy of their
// ingested form in Raw for audit and replay; Stage records the pipeline
// stage that last touched the message.
type Message struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	User    string `json:"user"`
	Channel string `json:"channel"`
	Text    string `json:"text"`

	Attachments  []Attachment `json:"attachments,omitempty"`
	Attachment   Attachment   `json:"attachment,omitempty"`
	QuickReplies []QuickReply `json:"quick_replies,omitempty"`

	// Match holds the submatches produced by the matcher when this message
	// was heard against a pattern.
	Match []string `json:"match,omitempty"`

	// Question is the text of the question this message answered, recorded
	// at capture time so transcripts can show Q/A pairs.
	Question string `json:"question,omitempty"`

	// Raw is the unmodified copy retained at ingestion. Nil on outbound
	// messages.
	Raw *Message `json:"raw_message,omitempty"`

	// Stage is the pipeline stage that last touched this message.
	Stage string `json:"-"`

	// Delivery bookkeeping for outbound messages.
	SentAt    time.Time `json:"sent_timestamp,omitempty"`
	Sent      bool      `json:"-"`
	Delivered bool      `json:"-"`
	// Outcome records the transport's receipt, or the delivery error when
	// the send failed.
	Outcome any `json:"-"`

	// ContinueTyping hints the transport to keep a typing indicator alive
	// because more steps follow.
	ContinueTyping bool `json:"-"`

	// Script provenance for messages that started a remote script.
	ScriptName string `json:"script_name,omitempty"`
	ScriptID   string `json:"script_id,omitempty"`

	// Meta carries script-authored metadata (dialogue ids, labels) that the
	// engine passes through untouched.
	Meta map[string]any `json:"meta,omitempty"`
}

// NewMessage creates an inbound text message with a fresh ID.
func NewMessage(msgType, user, channel, text string) *Message {
	return &Message{
		ID:      NewID(),
		Type:    msgType,
		User:    user,
		Channel: channel,
		Text:    text,
	}
}

// NewID generates a unique identifier for messages and invocations.
func NewID() string { return uuid.NewString() }

// Clone returns a deep copy of the message. Raw is shared, not copied: it
// is immutable by contract.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Attachments != nil {
		out.Attachments = make([]Attachment, len(m.Attachments))
		for i := range m.Attachments {
			out.Attachments[i] = m.Attachments[i].Clone()
		}
	}
	out.Attachment = m.Attachment.Clone()
	if m.QuickReplies != nil {
		out.QuickReplies = append([]QuickReply(nil), m.QuickReplies...)
	}
	if m.Match != nil {
		out.Match = append([]string(nil), m.Match...)
	}
	if m.Meta != nil {
		out.Meta = make(map[string]any, len(m.Meta))
		for k, v := range m.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}

// CloneForTrigger returns a copy of the message stripped of script
// provenance and the raw ingest record, suitable for re-dispatch as a new
// trigger.
func (m *Message) CloneForTrigger() *Message {
	out := m.Clone()
	out.ScriptName = ""
	out.ScriptID = ""
	out.Raw = nil
	return out
}

// Identity describes the bot persona exposed to message templates.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
