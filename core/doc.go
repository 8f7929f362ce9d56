// Package core provides the foundational domain types and collaborator
// seams used by ConvoFlow. It defines the core abstractions for:
//
//   - Messages (inbound records flowing through the pipeline, outbound
//     records dispatched by conversations)
//   - Matchers (pluggable predicates deciding whether text matches a
//     registered pattern)
//   - Transports (the adapter boundary that delivers outbound messages to a
//     chat network and reports receipts)
//   - Invokers (the external JSON API boundary used by side-effecting steps)
//
// The package intentionally keeps implementation concerns (conversation
// state machines, engine orchestration, concrete storage) out of scope,
// exposing small interfaces to enable custom backends and extensions.
package core
