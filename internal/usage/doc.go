// Package usage keeps the per-conversation usage ledger: how many rounds,
// tool calls and input/output units each finished conversation consumed and
// what it cost. MemoryRecorder serves single-process deployments and tests;
// SQLRecorder persists records to MySQL or sqlite.
package usage
