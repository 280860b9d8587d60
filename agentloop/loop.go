package agentloop

import (
	"context"
	"fmt"

	"agentrt/message"
	"agentrt/provider"
	"agentrt/toolkit"
)

// StreamFn drives one assistant turn against a provider adapter, given the
// context already converted to LLM-compatible messages.
type StreamFn func(ctx context.Context, llmContext message.Context) (provider.Stream, error)

// ConvertToLLM filters/maps the agent's message log into the
// provider-compatible message slice handed to StreamFn.
type ConvertToLLM func([]message.Message) []message.Message

// TransformContext is an optional caller hook applied to the message log
// before conversion (e.g. compaction-aware truncation).
type TransformContext func(ctx context.Context, messages []message.Message) []message.Message

// Config configures one Loop.
type Config struct {
	StreamFn          StreamFn
	ConvertToLLM      ConvertToLLM
	TransformContext  TransformContext
	GetSteeringMessages  func() []message.Message
	GetFollowUpMessages  func() []message.Message
	Tools             *toolkit.Registry

	// SkipInitialSteeringPoll is consumed exactly once on the first
	// iteration of RunContinue (spec §4.8 step 1 / §4.9's
	// tool-continuation re-entry).
	SkipInitialSteeringPoll bool
}

// Loop drives provider↔tool turns for one conversation.
type Loop struct {
	cfg Config
}

// New builds a Loop with cfg. Only StreamFn is required; with nil Tools
// every tool call gets an error result.
func New(cfg Config) (*Loop, error) {
	if cfg.StreamFn == nil {
		return nil, fmt.Errorf("agentloop: StreamFn is required")
	}
	if cfg.GetSteeringMessages == nil {
		cfg.GetSteeringMessages = func() []message.Message { return nil }
	}
	if cfg.GetFollowUpMessages == nil {
		cfg.GetFollowUpMessages = func() []message.Message { return nil }
	}
	if cfg.ConvertToLLM == nil {
		cfg.ConvertToLLM = func(m []message.Message) []message.Message { return m }
	}
	return &Loop{cfg: cfg}, nil
}

// Run is the outer-loop entry point for a fresh prompt: prompts become the
// first turn's pending messages, appended to base before streaming begins.
func (l *Loop) Run(ctx context.Context, prompts []message.Message, base message.Context, emit func(Event)) ([]message.Message, error) {
	return l.run(ctx, prompts, base, false, emit)
}

// RunContinue re-enters the loop without adding initial prompts; it fails
// fast if the last message in base is already an assistant message (spec
// §4.8 "Continuation entry").
func (l *Loop) RunContinue(ctx context.Context, base message.Context, emit func(Event)) ([]message.Message, error) {
	if n := len(base.Messages); n > 0 && base.Messages[n-1].Role == message.RoleAssistant {
		return nil, fmt.Errorf("agentloop: cannot continue: last message is already an assistant message")
	}
	return l.run(ctx, nil, base, true, emit)
}

func (l *Loop) run(ctx context.Context, initialPending []message.Message, base message.Context, isContinue bool, emit func(Event)) ([]message.Message, error) {
	skipSteeringOnce := isContinue && l.cfg.SkipInitialSteeringPoll

	contextMessages := append([]message.Message(nil), base.Messages...)
	var newMessages []message.Message
	pending := initialPending

	first := true
	for {
		// Step 1: drain steering, unless this is the tool-continuation
		// re-entry and the skip flag has not yet been consumed.
		if !(first && skipSteeringOnce) {
			if steering := l.cfg.GetSteeringMessages(); len(steering) > 0 {
				pending = append(pending, steering...)
			}
		}
		first = false

		// Step 2: emit TurnStart; emit MessageStart/MessageEnd for each
		// pending message; append to context.
		emit(Event{Kind: KindTurnStart})
		for _, p := range pending {
			emit(Event{Kind: KindMessageStart, Message: p})
			contextMessages = append(contextMessages, p)
			newMessages = append(newMessages, p)
			emit(Event{Kind: KindMessageEnd, Message: p})
		}
		pending = nil

		// Step 3: stream the assistant response.
		assistantMsg, streamErr := l.streamAssistant(ctx, message.Context{
			SystemPrompt: base.SystemPrompt,
			Messages:     contextMessages,
			Tools:        base.Tools,
		}, &contextMessages, emit)
		newMessages = append(newMessages, assistantMsg)

		// Step 4: Error/Aborted terminates.
		if assistantMsg.StopReason == message.StopReasonError || assistantMsg.StopReason == message.StopReasonAborted {
			emit(Event{Kind: KindTurnEnd, ToolResults: nil})
			emit(Event{Kind: KindAgentEnd, Messages: newMessages, Aborted: assistantMsg.StopReason == message.StopReasonAborted, Err: streamErr})
			return newMessages, streamErr
		}

		// Step 5/6: execute any tool calls.
		toolCalls := assistantMsg.ToolCalls()
		var toolResults []message.Message
		if len(toolCalls) > 0 {
			results, nextPending := l.executeTools(ctx, assistantMsg, emit)
			toolResults = results
			for _, r := range toolResults {
				contextMessages = append(contextMessages, r)
				newMessages = append(newMessages, r)
			}
			if len(nextPending) > 0 {
				pending = nextPending
			}
		}

		emit(Event{Kind: KindTurnEnd, ToolResults: toolResults})

		// Step 8: if no tool calls and nothing queued by steering, poll
		// follow-up; otherwise continue with whatever is pending.
		if len(toolCalls) == 0 && len(pending) == 0 {
			if followUp := l.cfg.GetFollowUpMessages(); len(followUp) > 0 {
				pending = followUp
				continue
			}
			emit(Event{Kind: KindAgentEnd, Messages: newMessages})
			return newMessages, nil
		}
	}
}

// streamAssistant implements the "Assistant-response streaming" bullet
// list: it never races, awaiting one provider event at a time so
// contextMessages is monotonically consistent at every boundary.
func (l *Loop) streamAssistant(ctx context.Context, loopCtx message.Context, contextMessages *[]message.Message, emit func(Event)) (message.Message, error) {
	messages := loopCtx.Messages
	if l.cfg.TransformContext != nil {
		messages = l.cfg.TransformContext(ctx, messages)
	}
	llmMessages := l.cfg.ConvertToLLM(messages)

	stream, err := l.cfg.StreamFn(ctx, message.Context{
		SystemPrompt: loopCtx.SystemPrompt,
		Messages:     llmMessages,
		Tools:        loopCtx.Tools,
	})
	if err != nil {
		msg := message.Message{Role: message.RoleAssistant, StopReason: message.StopReasonError, ErrorMessage: err.Error()}
		*contextMessages = append(*contextMessages, msg)
		return msg, err
	}

	consumer := stream.Clone()
	assistantIndex := -1

	for {
		ev, ok, nerr := consumer.Next(ctx)
		if nerr != nil {
			msg := message.Message{Role: message.RoleAssistant, StopReason: message.StopReasonAborted, ErrorMessage: nerr.Error()}
			if assistantIndex >= 0 {
				(*contextMessages)[assistantIndex] = msg
			} else {
				*contextMessages = append(*contextMessages, msg)
			}
			emit(Event{Kind: KindMessageEnd, Message: msg})
			return msg, nerr
		}
		if !ok {
			// Stream ended without an explicit terminal event; treat the
			// last known partial as final.
			if assistantIndex >= 0 {
				return (*contextMessages)[assistantIndex], nil
			}
			empty := message.Message{Role: message.RoleAssistant, StopReason: message.StopReasonError, ErrorMessage: "stream ended without a terminal event"}
			*contextMessages = append(*contextMessages, empty)
			return empty, fmt.Errorf("agentloop: %s", empty.ErrorMessage)
		}

		switch {
		case ev.Kind == provider.EventStart:
			*contextMessages = append(*contextMessages, ev.Partial)
			assistantIndex = len(*contextMessages) - 1
			emit(Event{Kind: KindMessageStart, Message: ev.Partial})
		case ev.IsTerminal():
			final := ev.Message
			if assistantIndex >= 0 {
				(*contextMessages)[assistantIndex] = final
			} else {
				*contextMessages = append(*contextMessages, final)
			}
			emit(Event{Kind: KindMessageEnd, Message: final, AssistantEvent: &ev})
			var terr error
			if ev.Kind == provider.EventError {
				terr = fmt.Errorf("agentloop: %s", ev.ErrorMessage)
			}
			return final, terr
		default:
			if assistantIndex >= 0 {
				(*contextMessages)[assistantIndex] = ev.Partial
			}
			emit(Event{Kind: KindMessageUpdate, Message: ev.Partial, AssistantEvent: &ev})
		}
	}
}
