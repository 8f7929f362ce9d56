package core

import "context"

// Receipt is the transport's acknowledgement of a dispatched message.
// Delivered is set only when the adapter can positively confirm delivery
// to the network, not merely acceptance by its API.
type Receipt struct {
	ID        string
	Timestamp string
	Delivered bool
	Response  any
}

// Transport is the adapter boundary to a chat network. Reply dispatches an
// outbound message in the context of the original inbound message and
// returns a receipt. The engine marks a step "sent" only after Reply
// returns without error, and "delivered" only when the receipt confirms
// it.
type Transport interface {
	Reply(ctx context.Context, src, outbound *Message) (*Receipt, error)
}

// APIParam is one structured parameter of an external API call. SendIn
// routes it into the query string, a header, or the request body.
type APIParam struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	SendIn string `json:"sendIn,omitempty"` // "query_string", "header" or "" (body)
}

// APIRequest describes an external JSON API call issued by a conversation
// step.
type APIRequest struct {
	URL    string
	Method string
	Params []APIParam
}

// APIResult is the parsed body of a successful external API call. Raw
// holds the response bytes for callers that navigate the JSON themselves.
type APIResult struct {
	Raw []byte
}

// Invoker performs external JSON API calls on behalf of conversation
// steps. Failures are surfaced as errors (network, parse, or remote
// error payload) and never swallowed.
type Invoker interface {
	Do(ctx context.Context, req APIRequest) (*APIResult, error)
}
