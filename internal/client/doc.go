// Package client is the terminal side of the protocol: it turns keystrokes
// and window geometry into frames and decodes what the backend sends back.
// It also talks to the gateway API and keeps the CLI's small state file.
package client
