package testutil

import (
	"context"
	"sync"

	"github.com/convoflow/convoflow/core"
)

// RecordingTransport is a core.Transport that records every outbound
// message and confirms delivery. Safe for concurrent use.
type RecordingTransport struct {
	mu   sync.Mutex
	sent []*core.Message

	// Err, when set, is returned from Reply instead of a receipt.
	Err error

	// Undelivered marks receipts as sent but not delivered.
	Undelivered bool
}

// Reply records outbound and returns a receipt.
func (r *RecordingTransport) Reply(ctx context.Context, src, outbound *core.Message) (*core.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	r.sent = append(r.sent, outbound)
	return &core.Receipt{ID: core.NewID(), Delivered: !r.Undelivered}, nil
}

// Sent returns a copy of the recorded messages.
func (r *RecordingTransport) Sent() []*core.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*core.Message(nil), r.sent...)
}

// Texts returns the text of every recorded message in order.
func (r *RecordingTransport) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.sent {
		out = append(out, m.Text)
	}
	return out
}

// Count returns how many messages have been recorded.
func (r *RecordingTransport) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}
