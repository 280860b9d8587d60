package orchestrator

import (
	"time"

	"agentrt/message"
	"agentrt/session"
)

// rebuildConversation replays a session's persisted entries into the
// in-memory conversation shape Prompt/Compact operate on. It is the
// counterpart to compaction and forking: a Summary entry collapses every
// prior entry it names in SummarizedIDs into a single synthetic user
// message, exactly mirroring what Compact did in memory at the time it was
// written; ToolUse and Fork entries carry no standalone conversation
// message and are skipped.
func rebuildConversation(entries []session.Entry) []trackedMessage {
	var out []trackedMessage
	for _, e := range entries {
		switch e.Type {
		case session.EntryUser:
			out = append(out, trackedMessage{
				entryID: e.ID,
				msg:     message.NewUserText(e.Content, time.UnixMilli(e.Timestamp)),
			})
		case session.EntryAssistant:
			if e.Message != nil {
				out = append(out, trackedMessage{entryID: e.ID, msg: *e.Message})
			}
		case session.EntryToolResult:
			out = append(out, trackedMessage{
				entryID: e.ID,
				msg: message.Message{
					Role:       message.RoleToolResult,
					ToolCallID: e.ToolCallID,
					ToolName:   e.ToolName,
					Blocks:     e.ResultContent,
					IsError:    e.IsError,
					Details:    e.Details,
					Timestamp:  time.UnixMilli(e.Timestamp),
				},
			})
		case session.EntrySummary:
			summarized := make(map[string]bool, len(e.SummarizedIDs))
			for _, id := range e.SummarizedIDs {
				summarized[id] = true
			}
			kept := make([]trackedMessage, 0, len(out))
			for _, t := range out {
				if !summarized[t.entryID] {
					kept = append(kept, t)
				}
			}
			summary := trackedMessage{entryID: e.ID, msg: message.NewUserText(e.Summary, time.UnixMilli(e.Timestamp))}
			out = append([]trackedMessage{summary}, kept...)
		case session.EntryToolUse, session.EntryFork:
			// Informational/marker entries; no standalone message.
		}
	}
	return out
}
