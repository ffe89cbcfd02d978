// Package client is the Go client for the control plane's admin API.
// It wraps the JSON-over-HTTP endpoints with typed methods and returns
// the server's tagged errors unchanged, so callers can branch on error
// codes the same way in-process code does.
package client
