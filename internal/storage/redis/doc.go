// Package redis backs chat sessions with Redis: the per-user in-flight
// limiter, transcript snapshots that survive restarts, and the stream mirror
// that lets other readers follow a conversation while it is being streamed.
package redis
