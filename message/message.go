package message

import (
	"time"

	json "github.com/goccy/go-json"
)

// StopReason is the closed set of reasons an assistant turn ended.
type StopReason string

const (
	StopReasonStop     StopReason = "stop"
	StopReasonLength   StopReason = "length"
	StopReasonToolUse  StopReason = "toolUse"
	StopReasonError    StopReason = "error"
	StopReasonAborted  StopReason = "aborted"
)

// Cost is the USD cost breakdown for a Usage value.
type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cache_read"`
	CacheWrite float64 `json:"cache_write"`
	Total      float64 `json:"total"`
}

// Usage is token accounting plus derived cost for one assistant turn.
type Usage struct {
	Input       uint64 `json:"input"`
	Output      uint64 `json:"output"`
	CacheRead   uint64 `json:"cache_read"`
	CacheWrite  uint64 `json:"cache_write"`
	TotalTokens uint64 `json:"total_tokens"`
	Cost        Cost   `json:"cost"`
}

// Add accumulates delta into u in place, used for incremental usage updates
// during streaming (message_delta / metadata frames arrive piecemeal).
func (u *Usage) Add(delta Usage) {
	u.Input += delta.Input
	u.Output += delta.Output
	u.CacheRead += delta.CacheRead
	u.CacheWrite += delta.CacheWrite
	u.TotalTokens += delta.TotalTokens
}

// Role discriminates a Message's variant.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// Message is the tagged variant over the three conversation turn kinds.
// Exactly one of the role-specific field groups is meaningful, selected by
// Role. Fields tagged omitempty are left out when empty; Timestamp and
// Usage are always serialized, even for roles that do not use them.
type Message struct {
	Role Role `json:"role"`

	// User fields. Content is either a plain string (Text set, Blocks
	// nil) or an ordered content-block sequence (Blocks set).
	Text      string        `json:"text,omitempty"`
	Blocks    ContentBlocks `json:"blocks,omitempty"`
	Timestamp time.Time     `json:"timestamp"`

	// Assistant fields.
	API          string     `json:"api,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Usage        Usage      `json:"usage,omitempty"`
	StopReason   StopReason `json:"stop_reason,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	// ToolResult fields.
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// NewUserText builds a plain-string user message.
func NewUserText(text string, ts time.Time) Message {
	return Message{Role: RoleUser, Text: text, Timestamp: ts}
}

// NewUserBlocks builds a block-sequence user message (e.g. with images).
func NewUserBlocks(blocks ContentBlocks, ts time.Time) Message {
	return Message{Role: RoleUser, Blocks: blocks, Timestamp: ts}
}

// Content returns the message's content blocks regardless of role,
// synthesizing a single TextBlock for a plain-string user message.
func (m Message) Content() ContentBlocks {
	if m.Role == RoleUser && m.Blocks == nil {
		if m.Text == "" {
			return nil
		}
		return ContentBlocks{TextBlock{Text: m.Text}}
	}
	return m.Blocks
}

// ToolCalls returns the ToolCallBlocks within an assistant message, in
// content order.
func (m Message) ToolCalls() []ToolCallBlock {
	var out []ToolCallBlock
	for _, b := range m.Blocks {
		if tc, ok := b.(ToolCallBlock); ok {
			out = append(out, tc)
		}
	}
	return out
}

// IsEmpty reports whether an assistant message carries no content at all,
// used by the Message Transformer to drop emptied-out assistant turns.
func (m Message) IsEmpty() bool {
	return len(m.Blocks) == 0 && m.Text == ""
}

// Clone returns a deep-enough copy for snapshot semantics: the blocks slice
// header is copied so appending to the original never mutates a prior
// snapshot, matching the "partial is a cloned value" design note.
func (m Message) Clone() Message {
	c := m
	if m.Blocks != nil {
		c.Blocks = make(ContentBlocks, len(m.Blocks))
		copy(c.Blocks, m.Blocks)
	}
	return c
}

// Tool is the set member of Context.Tools: a name plus a JSON-schema
// parameter definition, mirroring ToolDefinition in the Tool Interface.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Context is the provider-agnostic view of a conversation handed to an
// adapter: an optional system prompt, the ordered message log, and the
// optional tool set available this turn.
type Context struct {
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	Tools        []Tool    `json:"tools,omitempty"`
}
