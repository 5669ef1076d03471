// Package session multiplexes conversation loops by session id. The Manager
// admits at most one in-flight conversation per user, restores transcripts
// from a SnapshotStore after eviction or restart, mirrors streamed text to a
// StreamMirror and books usage for every finished conversation.
package session
