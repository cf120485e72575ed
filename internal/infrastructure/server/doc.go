// Package server assembles the gateway: configuration, logging, metrics,
// tracing, the backend provisioner, the session registry and the HTTP
// routes.
package server
