// Package tools discovers tools advertised by MCP endpoints and invokes them
// on behalf of the conversation loop.
//
// The Registry contacts every configured endpoint once at startup, retrying
// connection failures with exponential backoff and skipping endpoints that
// stay unreachable. Duplicate tool names are rejected in favour of the first
// endpoint that advertised them. The Invoker resolves a name through the
// Registry and performs the remote call with its own linear retry policy and
// a per-attempt timeout.
package tools
