// Package convo implements the tick driven conversation state machine:
// scripted threads of steps, answer capture, thread transitions and the
// directives a step can carry (variable assignment, external API calls,
// dialogue redirects, human handoff and subscription links).
//
// A Conversation is not safe for unsynchronized concurrent use. The
// engine serializes handling and ticking; side effects that leave the
// tick (message delivery, API calls, script transitions) run on recorded
// background goroutines and re-enter the conversation through completion
// callbacks drained at the start of the next tick.
package convo
