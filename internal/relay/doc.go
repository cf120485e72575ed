// Package relay pairs a client connection with a backend connection and
// forwards messages between them unchanged.
//
// A Relay never looks inside a message. Its lifecycle is an explicit state
// machine:
//
//	Connecting ──Run──▶ Relaying ──first side ends──▶ Closing ──▶ Closed
//	     │
//	     └──Abort──▶ Closed
//
// Closing either side closes the other exactly once. The relay performs no
// retries; reconnecting is a new request to the session registry.
package relay
