// Package transform implements the Message Transformer (spec §4.5): a pure
// pre-serialization pass preparing a message sequence for one provider's
// wire shape.
package transform

import "agentrt/message"

// NormalizeID maps an internal tool-call id to the form a given provider
// requires (see provider-specific normalizers: Mistral 9-char, Anthropic
// ≤64 of [A-Za-z0-9_-], OpenAI ≤40 preserving _/-, etc).
type NormalizeID func(id string) string

// Apply normalizes tool-call ids, drops empty thinking blocks, drops
// duplicate-id tool calls within one assistant message, and drops
// assistant messages left with no content. User and tool-result messages
// are returned unchanged in structure (their ToolCallID is still
// renormalized so it keeps referencing its call).
func Apply(messages []message.Message, normalize NormalizeID) []message.Message {
	out := make([]message.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case message.RoleAssistant:
			transformed, keep := transformAssistant(m, normalize)
			if keep {
				out = append(out, transformed)
			}
		case message.RoleToolResult:
			c := m
			if normalize != nil && c.ToolCallID != "" {
				c.ToolCallID = normalize(c.ToolCallID)
			}
			out = append(out, c)
		default:
			out = append(out, m)
		}
	}
	return out
}

func transformAssistant(m message.Message, normalize NormalizeID) (message.Message, bool) {
	seenIDs := make(map[string]bool)
	var kept message.ContentBlocks

	for _, b := range m.Blocks {
		switch v := b.(type) {
		case message.ThinkingBlock:
			if isBlank(v.Thinking) {
				continue
			}
			kept = append(kept, v)
		case message.ToolCallBlock:
			id := v.ID
			if normalize != nil {
				id = normalize(id)
			}
			if seenIDs[id] {
				continue // retain only the first occurrence of a colliding id
			}
			seenIDs[id] = true
			v.ID = id
			kept = append(kept, v)
		default:
			kept = append(kept, b)
		}
	}

	out := m
	out.Blocks = kept
	if out.IsEmpty() {
		return out, false
	}
	return out, true
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
