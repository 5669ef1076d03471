// Package conversation implements the tool-augmented conversation loop.
//
// A Loop owns one Transcript and one UsageCounter. Each submitted user message
// drives the state machine AwaitingUserInput → InvokingProvider → EmittingText
// or DispatchingTool → InvokingProvider … → Done or Failed. Text deltas are
// forwarded to the caller as they arrive; tool calls are dispatched after the
// provider response completes and their results, successful or not, are
// appended to the transcript before the next round. Stream timeouts and
// retryable provider errors retry the whole round from the unchanged
// transcript; everything else ends the turn with a single error event.
package conversation
