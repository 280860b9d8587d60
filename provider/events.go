// Package provider defines the common contract every provider adapter
// implements (spec §4.6): the AssistantMessageEvent schedule, streaming
// options, and shared cross-cutting behaviors (surrogate sanitization,
// header merging, tool-result coalescing, image gating).
package provider

import (
	"context"

	"agentrt/eventstream"
	"agentrt/message"
)

// EventKind discriminates AssistantMessageEvent.
type EventKind string

const (
	EventStart         EventKind = "start"
	EventTextStart     EventKind = "text_start"
	EventTextDelta     EventKind = "text_delta"
	EventTextEnd       EventKind = "text_end"
	EventThinkingStart EventKind = "thinking_start"
	EventThinkingDelta EventKind = "thinking_delta"
	EventThinkingEnd   EventKind = "thinking_end"
	EventToolCallStart EventKind = "tool_call_start"
	EventToolCallDelta EventKind = "tool_call_delta"
	EventToolCallEnd   EventKind = "tool_call_end"
	EventDone          EventKind = "done"
	EventError         EventKind = "error"
)

// ErrorReason narrows why a terminal Error event was emitted.
type ErrorReason string

const (
	ErrorReasonError   ErrorReason = "error"
	ErrorReasonAborted ErrorReason = "aborted"
)

// AssistantMessageEvent is the single event type every adapter emits
// (spec §4.6 event schedule). Partial always carries the assistant
// message as accumulated up to and including this event.
type AssistantMessageEvent struct {
	Kind         EventKind
	ContentIndex int
	Partial      message.Message

	// *Delta payloads.
	TextDelta     string
	ThinkingDelta string
	ToolCallDelta string // raw partial-JSON fragment

	// *End payloads.
	Block message.ContentBlock

	// Done/Error payloads.
	Message      message.Message
	StopReason   message.StopReason
	ErrorReason  ErrorReason
	ErrorMessage string
}

// IsTerminal reports whether this event is Done or Error — the schedule's
// single terminator (spec §8 property 2).
func (e AssistantMessageEvent) IsTerminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// ReasoningLevel is the coarse, canonical reasoning-effort dial (glossary:
// "Thinking level") translated per-provider by stream-simple.
type ReasoningLevel string

const (
	ReasoningMinimal ReasoningLevel = "minimal"
	ReasoningLow     ReasoningLevel = "low"
	ReasoningMedium  ReasoningLevel = "medium"
	ReasoningHigh    ReasoningLevel = "high"
	ReasoningXHigh   ReasoningLevel = "xhigh"
)

// CacheRetention selects Anthropic/Bedrock prompt-cache behavior.
type CacheRetention string

const (
	CacheNone  CacheRetention = "none"
	CacheShort CacheRetention = "short"
	CacheLong  CacheRetention = "long"
)

// ThinkingOptions carries the resolved low-level thinking configuration an
// adapter understands directly (as opposed to the coarse ReasoningLevel
// StreamSimple translates from).
type ThinkingOptions struct {
	Enable       bool
	Interleaved  bool
	BudgetTokens int
	Effort       string // "low"|"medium"|"high"|"max", adaptive-thinking models only
}

// Options is the low-level per-stream configuration passed to Stream.
type Options struct {
	APIKey           string
	BearerToken      string
	BaseURL          string
	Region           string // Bedrock
	Project          string // Vertex/CloudCode
	Location         string // Vertex
	CacheRetention   CacheRetention
	Thinking         *ThinkingOptions
	Headers          map[string]string
	ThinkingBudgets  map[string]int // per-level overrides, Google adapters
}

// SimpleOptions is the convenience surface: a coarse reasoning level
// instead of a fully resolved ThinkingOptions, and credential resolution
// left to the adapter's own environment/option precedence chain.
type SimpleOptions struct {
	APIKey         string
	BearerToken    string
	BaseURL        string
	Reasoning      ReasoningLevel
	CacheRetention CacheRetention
	Headers        map[string]string
}

// Stream is the concrete event-stream type every adapter returns: an
// unbounded stream of AssistantMessageEvent whose terminal aggregated result is the
// final assistant message (populated by the adapter's own aggregate
// function from the Done/Error event).
type Stream = *eventstream.Stream[AssistantMessageEvent, message.Message]

// IsTerminalEvent is the is-complete predicate every adapter configures
// its eventstream.Stream with.
func IsTerminalEvent(e AssistantMessageEvent) bool {
	return e.IsTerminal()
}

// Aggregate derives the terminal assistant message from the Done/Error
// event every adapter emits last.
func Aggregate(last AssistantMessageEvent, ok bool) (message.Message, bool) {
	if !ok {
		return message.Message{}, false
	}
	return last.Message, true
}

// Adapter is the common contract every provider adapter implements.
type Adapter interface {
	// Stream performs low-level streaming with an explicit Options
	// struct already resolved by the caller.
	Stream(ctx context.Context, model message.Model, ctxMsgs message.Context, opts Options) (Stream, error)
	// StreamSimple resolves credentials and thinking configuration from
	// SimpleOptions before delegating to Stream.
	StreamSimple(ctx context.Context, model message.Model, ctxMsgs message.Context, opts SimpleOptions) (Stream, error)
}
