// Package agent runs the HCS-10 poll loop for one agent instance.
//
// A Runtime owns its cursor, connection registry, and proposal ledger. Each
// poll cycle fetches new messages from every inbound topic, passes them
// through the sequence gate in order, routes the admitted ones, and then
// performs the side effects the router asked for: acknowledgments and
// execution broadcasts go out through a rate-limited outbox, lifecycle
// events go to the configured sink.
//
// Thread-safety model:
//   - PollOnce(): serialized internally; concurrent callers wait their turn
//   - Start()/Stop(): safe from any goroutine
//   - Connections()/Pending()/Executed()/Health(): safe from any goroutine,
//     return point-in-time copies
//
// ERROR HANDLING: nothing a message or a collaborator does is fatal. Poll
// and send failures are logged and the loop retries on the next tick.
// Storage failures are logged, counted, and reported through the health
// monitor while processing continues on the in-memory state.
package agent
