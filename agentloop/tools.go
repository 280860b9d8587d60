package agentloop

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"agentrt/message"
	"agentrt/toolkit"
)

// executeTools runs each of assistantMsg's tool calls in declared order
// (spec §4.9), appending ToolExecutionStart/Update/End and
// MessageStart/MessageEnd events, and polling steering after each call.
// It returns the produced ToolResult messages and, if steering preempted
// execution, the steering messages that should become the next turn's
// pending messages.
func (l *Loop) executeTools(ctx context.Context, assistantMsg message.Message, emit func(Event)) ([]message.Message, []message.Message) {
	calls := assistantMsg.ToolCalls()
	var results []message.Message

	for i, call := range calls {
		emit(Event{Kind: KindToolExecutionStart, ToolCallID: call.ID, ToolName: call.Name, Args: call.Arguments})

		result, isError := l.runOneTool(ctx, call, emit)

		emit(Event{Kind: KindToolExecutionEnd, ToolCallID: call.ID, ToolName: call.Name, Result: encodeResult(result), IsError: isError})

		toolResultMsg := message.Message{
			Role:       message.RoleToolResult,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Blocks:     result.Content,
			Details:    result.Details,
			IsError:    isError,
			Timestamp:  time.Now(),
		}
		emit(Event{Kind: KindMessageStart, Message: toolResultMsg})
		emit(Event{Kind: KindMessageEnd, Message: toolResultMsg})
		results = append(results, toolResultMsg)

		if steering := l.cfg.GetSteeringMessages(); len(steering) > 0 {
			skipped := calls[i+1:]
			for _, sc := range skipped {
				emit(Event{Kind: KindToolExecutionStart, ToolCallID: sc.ID, ToolName: sc.Name, Args: sc.Arguments})
				errResult := toolkit.Result{Content: message.ContentBlocks{message.TextBlock{Text: "Skipped due to queued user message."}}}
				emit(Event{Kind: KindToolExecutionEnd, ToolCallID: sc.ID, ToolName: sc.Name, Result: encodeResult(errResult), IsError: true})
				skippedMsg := message.Message{
					Role:       message.RoleToolResult,
					ToolCallID: sc.ID,
					ToolName:   sc.Name,
					Blocks:     errResult.Content,
					IsError:    true,
					Timestamp:  time.Now(),
				}
				emit(Event{Kind: KindMessageStart, Message: skippedMsg})
				emit(Event{Kind: KindMessageEnd, Message: skippedMsg})
				results = append(results, skippedMsg)
			}
			return results, steering
		}
	}
	return results, nil
}

// runOneTool implements steps 2–4 of spec §4.9 for a single call: missing
// tool, schema validation, and execute with partial-result plumbing.
func (l *Loop) runOneTool(ctx context.Context, call message.ToolCallBlock, emit func(Event)) (toolkit.Result, bool) {
	if l.cfg.Tools == nil {
		return errorResult("Tool " + call.Name + " not found"), true
	}
	tool, ok := l.cfg.Tools.Lookup(call.Name)
	if !ok {
		return errorResult("Tool " + call.Name + " not found"), true
	}

	if err := l.cfg.Tools.Validate(call.Name, call.Arguments); err != nil {
		return errorResult(err.Error()), true
	}

	onPartial := func(partial toolkit.Result) {
		emit(Event{Kind: KindToolExecutionUpdate, ToolCallID: call.ID, ToolName: call.Name, Args: call.Arguments, PartialResult: encodeResult(partial)})
	}

	result, err := tool.Execute(ctx, call.ID, call.Arguments, onPartial)
	if err != nil {
		return errorResult(err.Error()), true
	}
	return result, false
}

func errorResult(text string) toolkit.Result {
	return toolkit.Result{Content: message.ContentBlocks{message.TextBlock{Text: text}}}
}

func encodeResult(r toolkit.Result) json.RawMessage {
	enc, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return enc
}
