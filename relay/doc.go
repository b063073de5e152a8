// Package relay moves rover messages between queue and peers.
//
// Session drives one connection:
// Idle -> Resolving -> Connecting -> Handshaking -> Active (client)
// Idle -> Accepting -> Handshaking -> Active (server)
// any -> Closing -> Closed
//
// Features:
// - relay-out: session pops shared queue and writes one frame per message
// - sessions sharing queue compete, each message goes to exactly one peer
// - inbound frames are decoded and dispatched in order, reads never wait for callbacks
// - Send from any goroutine, writes serialized per session
// - Listener tracks all sessions for broadcast and shutdown
// - Manager keeps one client session, connects asynchronously
//
// Out of scope:
// - retry. Reconnect policy belongs to caller.
// - delivery guarantee. Message popped from queue is lost if write fails.
package relay
