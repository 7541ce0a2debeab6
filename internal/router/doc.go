// Package router classifies one admitted topic message and applies it to
// the connection registry and proposal ledger.
//
// Route is a pure state transition from the caller's point of view: it
// never touches the transport. Everything the caller must do afterwards
// (acknowledgments, broadcasts, events) is returned in the Result, so the
// runtime decides how and when side effects happen.
//
// Terminal states:
//
//	Ignored       foreign protocol, unknown operation or payload type, replayed execution
//	Acknowledged  connection request handled, connection_created queued for the peer
//	Stored        rebalance proposal recorded (or already pending)
//	Broadcast     approval executed, RebalanceExecuted queued for every connection
//	Rejected      approval for an unknown proposal, or no balances to rebalance
//	Malformed     either envelope layer failed to parse, or invalid weights
package router
