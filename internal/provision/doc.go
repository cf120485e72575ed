// Package provision starts and stops session backends.
//
// A backend is a process (or, for Local, an in-process server) that runs
// one session's PTY bridge behind an HTTP endpoint with a WebSocket terminal
// route and a health route. Provision returns only once the health route
// answers, so a returned Backend is ready to accept a terminal connection.
//
// Implementations:
//   - Local: bridge.Server on a loopback listener inside the gateway
//   - Exec: the ptyd binary as a child process, handed a pre-bound listener
//
// Provision is slow and must be awaited; the session registry bounds it with
// its startup timeout.
package provision
