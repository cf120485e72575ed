// Package session maps stable session ids to running backends.
//
// A Registry resolves a Connect request into a backend: a new id always
// provisions, a known id reuses its running backend, and a stale id is either
// recreated or rejected depending on the reconnect Policy. Operations on one
// id are serialized; different ids never block each other.
package session
