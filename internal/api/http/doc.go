/*
Package http implements the gateway API.

Routes:

	GET  /health                          liveness
	POST /api/connect                     resolve or start a session
	POST /api/disconnect                  stop a session
	GET  /api/sessions                    list sessions
	GET  /api/sessions/:sessionId/events  lifecycle history (ledger only)
	GET  /api/terminal/:sessionId         WebSocket relayed to the backend

Errors are returned as {"error": "..."} with a status derived from the
error chain.
*/
package http
