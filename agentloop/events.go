// Package agentloop implements the cooperative turn engine (spec §4.8):
// it alternates provider streaming with tool execution, drains steering
// and follow-up queues, and emits a deterministic AgentEvent sequence.
package agentloop

import (
	json "github.com/goccy/go-json"

	"agentrt/message"
	"agentrt/provider"
)

// Kind discriminates AgentEvent.
type Kind string

const (
	KindTurnStart           Kind = "turn_start"
	KindMessageStart        Kind = "message_start"
	KindMessageUpdate       Kind = "message_update"
	KindMessageEnd          Kind = "message_end"
	KindTurnEnd             Kind = "turn_end"
	KindAgentEnd            Kind = "agent_end"
	KindToolExecutionStart  Kind = "tool_execution_start"
	KindToolExecutionUpdate Kind = "tool_execution_update"
	KindToolExecutionEnd    Kind = "tool_execution_end"
)

// Event is the single event type the loop emits.
type Event struct {
	Kind Kind

	// MessageStart/MessageUpdate/MessageEnd payload.
	Message        message.Message
	AssistantEvent *provider.AssistantMessageEvent // set on MessageUpdate

	// TurnEnd payload.
	ToolResults []message.Message

	// AgentEnd payload: the full new-messages log produced by this
	// prompt/continue invocation.
	Messages []message.Message

	// ToolExecution* payload.
	ToolCallID    string
	ToolName      string
	Args          json.RawMessage
	PartialResult json.RawMessage
	Result        json.RawMessage
	IsError       bool

	// Set when the loop/turn terminated because of an Aborted or Error
	// assistant response.
	Aborted bool
	Err     error
}

// IsTerminal reports whether this is the loop's single AgentEnd
// terminator.
func (e Event) IsTerminal() bool {
	return e.Kind == KindAgentEnd
}
