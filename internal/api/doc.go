// Package api exposes the chat service over HTTP. It serves blocking and
// server-sent-event chat endpoints backed by the session manager, session
// inspection and reset, the discovered tool catalog, asynchronous chat tasks,
// usage statistics, health and Prometheus metrics.
package api
