// Package middleware provides the gateway's HTTP middleware: CORS and
// per-client rate limiting.
package middleware
