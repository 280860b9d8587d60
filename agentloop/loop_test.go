package agentloop_test

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"agentrt/agentloop"
	"agentrt/eventstream"
	"agentrt/message"
	"agentrt/provider"
	"agentrt/toolkit"
)

// scriptedStream builds a provider.Stream that emits the given events in
// order, synchronously (test transport, no real network).
func scriptedStream(events []provider.AssistantMessageEvent) provider.Stream {
	s := eventstream.New[provider.AssistantMessageEvent, message.Message](len(events), provider.IsTerminalEvent, provider.Aggregate)
	for _, e := range events {
		s.Push(e)
	}
	return s
}

func textOnlyTurn(text string) []provider.AssistantMessageEvent {
	start := message.Message{Role: message.RoleAssistant}
	withText := start.Clone()
	withText.Blocks = message.ContentBlocks{message.TextBlock{Text: text}}
	final := withText.Clone()
	final.StopReason = message.StopReasonStop
	return []provider.AssistantMessageEvent{
		{Kind: provider.EventStart, Partial: start},
		{Kind: provider.EventTextStart, ContentIndex: 0, Partial: withText},
		{Kind: provider.EventTextEnd, ContentIndex: 0, Partial: withText},
		{Kind: provider.EventDone, Message: final, StopReason: message.StopReasonStop},
	}
}

func toolCallTurn(id, name string, args string) []provider.AssistantMessageEvent {
	start := message.Message{Role: message.RoleAssistant}
	withCall := start.Clone()
	withCall.Blocks = message.ContentBlocks{message.ToolCallBlock{ID: id, Name: name, Arguments: json.RawMessage(args)}}
	final := withCall.Clone()
	final.StopReason = message.StopReasonToolUse
	return []provider.AssistantMessageEvent{
		{Kind: provider.EventStart, Partial: start},
		{Kind: provider.EventToolCallStart, ContentIndex: 0, Partial: withCall},
		{Kind: provider.EventToolCallEnd, ContentIndex: 0, Partial: withCall},
		{Kind: provider.EventDone, Message: final, StopReason: message.StopReasonToolUse},
	}
}

type echoTool struct{}

func (echoTool) Name() string  { return "calc" }
func (echoTool) Label() string { return "calc" }
func (echoTool) Definition() message.Tool {
	return message.Tool{Name: "calc", Description: "test tool"}
}
func (echoTool) Execute(ctx context.Context, id string, args json.RawMessage, onPartial toolkit.OnPartialResult) (toolkit.Result, error) {
	return toolkit.Result{Content: message.ContentBlocks{message.TextBlock{Text: "4"}}}, nil
}

func TestSimpleTextTurnTerminatesWithAgentEnd(t *testing.T) {
	calls := 0
	streamFn := func(ctx context.Context, llmCtx message.Context) (provider.Stream, error) {
		calls++
		return scriptedStream(textOnlyTurn("hi there")), nil
	}
	loop, err := agentloop.New(agentloop.Config{StreamFn: streamFn})
	require.NoError(t, err)

	var events []agentloop.Event
	prompts := []message.Message{message.NewUserText("hello", time.Now())}
	msgs, err := loop.Run(context.Background(), prompts, message.Context{}, func(e agentloop.Event) { events = append(events, e) })
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	require.Equal(t, agentloop.KindAgentEnd, events[len(events)-1].Kind)
	require.Len(t, msgs, 2) // user prompt + assistant
	require.Equal(t, message.RoleAssistant, msgs[1].Role)
	require.Equal(t, message.StopReasonStop, msgs[1].StopReason)
}

func TestToolCallTurnExecutesAndContinues(t *testing.T) {
	reg, err := toolkit.NewRegistry(echoTool{})
	require.NoError(t, err)

	call := 0
	streamFn := func(ctx context.Context, llmCtx message.Context) (provider.Stream, error) {
		call++
		if call == 1 {
			return scriptedStream(toolCallTurn("t1", "calc", `{"a":2,"b":2}`)), nil
		}
		return scriptedStream(textOnlyTurn("the answer is 4")), nil
	}

	loop, err := agentloop.New(agentloop.Config{StreamFn: streamFn, Tools: reg})
	require.NoError(t, err)

	var events []agentloop.Event
	prompts := []message.Message{message.NewUserText("what's 2+2?", time.Now())}
	msgs, err := loop.Run(context.Background(), prompts, message.Context{}, func(e agentloop.Event) { events = append(events, e) })
	require.NoError(t, err)
	require.Equal(t, 2, call)

	var sawToolResult bool
	for _, m := range msgs {
		if m.Role == message.RoleToolResult {
			sawToolResult = true
			require.False(t, m.IsError)
		}
	}
	require.True(t, sawToolResult)
	require.Equal(t, message.StopReasonStop, msgs[len(msgs)-1].StopReason)
}

func TestMissingToolProducesErrorResult(t *testing.T) {
	call := 0
	streamFn := func(ctx context.Context, llmCtx message.Context) (provider.Stream, error) {
		call++
		if call == 1 {
			return scriptedStream(toolCallTurn("t1", "nonexistent", `{}`)), nil
		}
		return scriptedStream(textOnlyTurn("done")), nil
	}
	loop, err := agentloop.New(agentloop.Config{StreamFn: streamFn})
	require.NoError(t, err)

	msgs, err := loop.Run(context.Background(), []message.Message{message.NewUserText("x", time.Now())}, message.Context{}, func(agentloop.Event) {})
	require.NoError(t, err)

	var found bool
	for _, m := range msgs {
		if m.Role == message.RoleToolResult {
			found = true
			require.True(t, m.IsError)
		}
	}
	require.True(t, found)
}

func TestSteeringPreemptionSkipsRemainingToolCalls(t *testing.T) {
	reg, err := toolkit.NewRegistry(echoTool{})
	require.NoError(t, err)

	start := message.Message{Role: message.RoleAssistant}
	withCalls := start.Clone()
	withCalls.Blocks = message.ContentBlocks{
		message.ToolCallBlock{ID: "c1", Name: "calc", Arguments: json.RawMessage(`{}`)},
		message.ToolCallBlock{ID: "c2", Name: "calc", Arguments: json.RawMessage(`{}`)},
	}
	final := withCalls.Clone()
	final.StopReason = message.StopReasonToolUse

	call := 0
	streamFn := func(ctx context.Context, llmCtx message.Context) (provider.Stream, error) {
		call++
		if call == 1 {
			return scriptedStream([]provider.AssistantMessageEvent{
				{Kind: provider.EventStart, Partial: start},
				{Kind: provider.EventDone, Message: final, StopReason: message.StopReasonToolUse},
			}), nil
		}
		return scriptedStream(textOnlyTurn("ok")), nil
	}

	// Poll 1 is the turn-start drain; poll 2 runs after the first tool call,
	// so delivering there must skip c2.
	steeringPolls := 0
	getSteering := func() []message.Message {
		steeringPolls++
		if steeringPolls == 2 {
			return []message.Message{message.NewUserText("wait, stop", time.Now())}
		}
		return nil
	}

	loop, err := agentloop.New(agentloop.Config{StreamFn: streamFn, Tools: reg, GetSteeringMessages: getSteering})
	require.NoError(t, err)

	msgs, err := loop.Run(context.Background(), []message.Message{message.NewUserText("go", time.Now())}, message.Context{}, func(agentloop.Event) {})
	require.NoError(t, err)

	var skippedFound bool
	for _, m := range msgs {
		if m.Role == message.RoleToolResult && m.ToolCallID == "c2" {
			skippedFound = true
			require.True(t, m.IsError)
			tb := m.Blocks[0].(message.TextBlock)
			require.Equal(t, "Skipped due to queued user message.", tb.Text)
		}
	}
	require.True(t, skippedFound)
}

func TestRunContinueFailsWhenLastMessageIsAssistant(t *testing.T) {
	loop, err := agentloop.New(agentloop.Config{StreamFn: func(ctx context.Context, c message.Context) (provider.Stream, error) {
		return scriptedStream(textOnlyTurn("x")), nil
	}})
	require.NoError(t, err)

	base := message.Context{Messages: []message.Message{{Role: message.RoleAssistant, StopReason: message.StopReasonStop}}}
	_, err = loop.RunContinue(context.Background(), base, func(agentloop.Event) {})
	require.Error(t, err)
}
