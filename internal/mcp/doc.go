// Package mcp implements the subset of the Model Context Protocol used by the
// conversation service: a JSON-RPC 2.0 client over streamable HTTP for
// initialize, tools/list, tools/call and ping, plus a small in-process server
// for hosting Go tool functions.
package mcp
