package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentrt/message"
	"agentrt/session"
)

// Compact implements spec §4.11's compact(): split the in-memory
// conversation at the keep-tail boundary, summarize the prefix (via
// Config.SummaryFn, falling back to defaultSummarize), replace the
// conversation with [summary-as-user-message] ++ tail, and persist a
// Summary entry. A conversation at or under the keep-tail boundary is left
// untouched.
func (o *Orchestrator) Compact(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.conversation) <= o.cfg.KeepTail {
		return nil
	}
	if o.sessionID == "" {
		return fmt.Errorf("orchestrator: cannot compact before a session exists")
	}

	cut := len(o.conversation) - o.cfg.KeepTail
	prefix := o.conversation[:cut]
	tail := append([]trackedMessage(nil), o.conversation[cut:]...)

	prefixMessages := make([]message.Message, len(prefix))
	summarizedIDs := make([]string, len(prefix))
	for i, t := range prefix {
		prefixMessages[i] = t.msg
		summarizedIDs[i] = t.entryID
	}

	var summary string
	if o.cfg.SummaryFn != nil {
		s, err := o.cfg.SummaryFn(ctx, prefixMessages)
		if err != nil {
			return fmt.Errorf("orchestrator: summary-fn: %w", err)
		}
		summary = s
	} else {
		summary = defaultSummarize(prefixMessages)
	}

	now := time.Now()
	entryID := uuid.NewString()
	if err := o.cfg.Store.AppendEntry(o.sessionID, session.Entry{
		Type:          session.EntrySummary,
		ID:            entryID,
		Timestamp:     now.UnixMilli(),
		Summary:       summary,
		SummarizedIDs: summarizedIDs,
	}); err != nil {
		return fmt.Errorf("orchestrator: persisting summary entry: %w", err)
	}

	summarized := trackedMessage{entryID: entryID, msg: message.NewUserText(summary, now)}
	o.conversation = append([]trackedMessage{summarized}, tail...)
	return nil
}

// defaultSummarize is the local-structure fallback used when no
// Config.SummaryFn is configured (supplemented from original_source/: a
// deterministic digest naming the message count plus a truncated excerpt
// of the first and last summarized message — not a true semantic
// summary, but enough to keep the conversation grounded after compaction).
func defaultSummarize(messages []message.Message) string {
	if len(messages) == 0 {
		return "Conversation summary: no prior messages."
	}
	if len(messages) == 1 {
		return fmt.Sprintf("Conversation summary: 1 message. First: %q", excerpt(messages[0]))
	}
	return fmt.Sprintf("Conversation summary: %d messages. First: %q Last: %q",
		len(messages), excerpt(messages[0]), excerpt(messages[len(messages)-1]))
}

const excerptMaxLen = 120

func excerpt(m message.Message) string {
	text := textOf(m)
	if len(text) > excerptMaxLen {
		return text[:excerptMaxLen] + "…"
	}
	return text
}

func textOf(m message.Message) string {
	if m.Role == message.RoleUser && m.Text != "" {
		return m.Text
	}
	for _, b := range m.Content() {
		if t, ok := b.(message.TextBlock); ok && t.Text != "" {
			return t.Text
		}
	}
	return ""
}
