// Package session implements the append-only JSONL Session Store
// (spec §4.10): one file per session, a header line, typed entries, and
// forking that preserves causal ordering.
package session

import (
	"fmt"
	"regexp"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"agentrt/message"
)

// EntryType discriminates SessionEntry.
type EntryType string

const (
	EntryUser       EntryType = "user"
	EntryAssistant  EntryType = "assistant"
	EntryToolUse    EntryType = "toolUse"
	EntryToolResult EntryType = "toolResult"
	EntrySummary    EntryType = "summary"
	EntryFork       EntryType = "fork"
)

// Header is line 1 of every session file.
type Header struct {
	Version       int    `json:"version"`
	SessionID     string `json:"session_id"`
	ParentSession string `json:"parent_session_id,omitempty"`
	ParentEntryID string `json:"parent_entry_id,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	Title         string `json:"title,omitempty"`
}

// Entry is one tagged-variant session-log record.
type Entry struct {
	Type      EntryType `json:"type"`
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Timestamp int64     `json:"timestamp"`

	// user
	Content string `json:"-"`

	// assistant
	Message *message.Message `json:"message,omitempty"`

	// toolUse
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`

	// toolResult (reuses ToolCallID/ToolName above)
	ResultContent message.ContentBlocks `json:"-"`
	IsError       bool                  `json:"is_error,omitempty"`
	Details       json.RawMessage       `json:"details,omitempty"`

	// summary
	Summary       string   `json:"summary,omitempty"`
	SummarizedIDs []string `json:"summarized_ids,omitempty"`

	// fork
	SourceSessionID string `json:"source_session_id,omitempty"`
	SourceEntryID   string `json:"source_entry_id,omitempty"`
}

// wireEntry mirrors Entry's on-disk shape. The user entry's plain-string
// content and the toolResult entry's content-block sequence both go out
// under the single "content" key spec.md names for each — they can never
// both be set on one Entry, since an entry's shape is fixed by its Type,
// but they occupy distinct Go fields (Content, ResultContent) since
// encoding/json would otherwise treat two same-tagged fields of different
// types as ambiguous and silently drop both.
type wireEntry struct {
	Type      EntryType `json:"type"`
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Timestamp int64     `json:"timestamp"`

	Content json.RawMessage `json:"content,omitempty"`

	Message *message.Message `json:"message,omitempty"`

	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`

	IsError bool            `json:"is_error,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`

	Summary       string   `json:"summary,omitempty"`
	SummarizedIDs []string `json:"summarized_ids,omitempty"`

	SourceSessionID string `json:"source_session_id,omitempty"`
	SourceEntryID   string `json:"source_entry_id,omitempty"`
}

// MarshalJSON renders Entry.Content or Entry.ResultContent (whichever
// applies to e.Type) under the shared "content" wire key.
func (e Entry) MarshalJSON() ([]byte, error) {
	w := wireEntry{
		Type: e.Type, ID: e.ID, ParentID: e.ParentID, Timestamp: e.Timestamp,
		Message:    e.Message,
		ToolCallID: e.ToolCallID, ToolName: e.ToolName, Arguments: e.Arguments,
		IsError: e.IsError, Details: e.Details,
		Summary: e.Summary, SummarizedIDs: e.SummarizedIDs,
		SourceSessionID: e.SourceSessionID, SourceEntryID: e.SourceEntryID,
	}
	switch e.Type {
	case EntryUser:
		if e.Content != "" {
			b, err := json.Marshal(e.Content)
			if err != nil {
				return nil, err
			}
			w.Content = b
		}
	case EntryToolResult:
		if len(e.ResultContent) > 0 {
			b, err := json.Marshal(e.ResultContent)
			if err != nil {
				return nil, err
			}
			w.Content = b
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON reverses MarshalJSON, routing the wire "content" key back
// to Content or ResultContent by w.Type.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Entry{
		Type: w.Type, ID: w.ID, ParentID: w.ParentID, Timestamp: w.Timestamp,
		Message:    w.Message,
		ToolCallID: w.ToolCallID, ToolName: w.ToolName, Arguments: w.Arguments,
		IsError: w.IsError, Details: w.Details,
		Summary: w.Summary, SummarizedIDs: w.SummarizedIDs,
		SourceSessionID: w.SourceSessionID, SourceEntryID: w.SourceEntryID,
	}
	if len(w.Content) == 0 {
		return nil
	}
	switch w.Type {
	case EntryUser:
		return json.Unmarshal(w.Content, &e.Content)
	case EntryToolResult:
		return json.Unmarshal(w.Content, &e.ResultContent)
	}
	return nil
}

// Listing is one row of List().
type Listing struct {
	SessionID       string
	Title           string
	CreatedAt       int64
	UpdatedAt       int64
	EntryCount      int
	ParentSessionID string
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateSessionID rejects path-traversal-unsafe ids.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session: session id must not be empty")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("session: session id %q contains characters outside [A-Za-z0-9_-]", id)
	}
	return nil
}

// timeNow is indirected for deterministic tests.
var timeNow = func() time.Time { return time.Now() }

// newEntryID generates the id for a synthesized entry (currently only the
// Fork marker; user/assistant/toolUse/toolResult entries are id'd by their
// callers).
func newEntryID() string {
	return uuid.NewString()
}
