package googleshared_test

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"agentrt/message"
	"agentrt/provider/googleshared"
)

func TestBuildRequestEncodesSystemPromptAndUserText(t *testing.T) {
	ctx := message.Context{
		SystemPrompt: "be concise",
		Messages:     []message.Message{message.NewUserText("hi", time.Now())},
	}
	req, err := googleshared.BuildRequest(ctx, nil, nil, message.Model{ID: "gemini-2.5-flash"})
	require.NoError(t, err)
	require.Equal(t, "be concise", req.SystemInstruction.Parts[0].Text)
	require.Len(t, req.Contents, 1)
	require.Equal(t, "user", req.Contents[0].Role)
	require.Equal(t, "hi", req.Contents[0].Parts[0].Text)
}

func TestBuildRequestRewritesThinkingAsTextForGemini3(t *testing.T) {
	model := message.Model{ID: "gemini-3-pro-preview", Provider: "google"}
	assistant := message.Message{
		Role:     message.RoleAssistant,
		Provider: "google",
		Model:    "gemini-3-pro-preview",
		Blocks:   message.ContentBlocks{message.ThinkingBlock{Thinking: "reasoning...", Signature: "c2ln8A=="}},
	}
	ctx := message.Context{Messages: []message.Message{
		message.NewUserText("solve this", time.Now()),
		assistant,
	}}

	req, err := googleshared.BuildRequest(ctx, nil, nil, model)
	require.NoError(t, err)
	require.Len(t, req.Contents, 2)
	part := req.Contents[1].Parts[0]
	require.False(t, part.Thought, "gemini-3 must not mark the replayed reasoning as a thought part")
	require.Equal(t, "reasoning...", part.Text)
	require.Equal(t, "c2ln8A==", part.ThoughtSignature)
}

func TestBuildRequestDropsUntrustedSignatureFromDifferentModel(t *testing.T) {
	model := message.Model{ID: "gemini-3-pro-preview", Provider: "google"}
	assistant := message.Message{
		Role:     message.RoleAssistant,
		Provider: "google",
		Model:    "gemini-2.5-pro", // different model than the current request
		Blocks:   message.ContentBlocks{message.ThinkingBlock{Thinking: "reasoning...", Signature: "c2ln8A=="}},
	}
	ctx := message.Context{Messages: []message.Message{
		message.NewUserText("solve this", time.Now()),
		assistant,
	}}

	req, err := googleshared.BuildRequest(ctx, nil, nil, model)
	require.NoError(t, err)
	require.Empty(t, req.Contents[1].Parts[0].ThoughtSignature)
}

func TestBuildRequestKeepsThoughtFlagForNonGemini3(t *testing.T) {
	model := message.Model{ID: "gemini-2.5-pro", Provider: "google"}
	assistant := message.Message{
		Role:     message.RoleAssistant,
		Provider: "google",
		Model:    "gemini-2.5-pro",
		Blocks:   message.ContentBlocks{message.ThinkingBlock{Thinking: "reasoning...", Signature: "c2ln8A=="}},
	}
	ctx := message.Context{Messages: []message.Message{
		message.NewUserText("solve this", time.Now()),
		assistant,
	}}
	req, err := googleshared.BuildRequest(ctx, nil, nil, model)
	require.NoError(t, err)
	require.True(t, req.Contents[1].Parts[0].Thought)
}

func TestBuildRequestRewritesUnsignedToolCallAsTextForGemini3(t *testing.T) {
	model := message.Model{ID: "gemini-3-pro-preview", Provider: "google"}
	assistant := message.Message{
		Role:   message.RoleAssistant,
		Blocks: message.ContentBlocks{message.ToolCallBlock{ID: "t1", Name: "get_weather", Arguments: json.RawMessage(`{}`)}},
	}
	ctx := message.Context{Messages: []message.Message{
		message.NewUserText("what's the weather?", time.Now()),
		assistant,
	}}

	req, err := googleshared.BuildRequest(ctx, nil, nil, model)
	require.NoError(t, err)
	part := req.Contents[1].Parts[0]
	require.Nil(t, part.FunctionCall, "an unsigned historical tool call must not be resubmitted as a function call on gemini-3")
	require.Contains(t, part.Text, "get_weather")
}

func TestBuildRequestCoalescesConsecutiveToolResults(t *testing.T) {
	model := message.Model{ID: "gemini-2.5-flash"}
	ctx := message.Context{Messages: []message.Message{
		message.NewUserText("what's the weather in nyc and sf?", time.Now()),
		{
			Role: message.RoleAssistant,
			Blocks: message.ContentBlocks{
				message.ToolCallBlock{ID: "t1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"nyc"}`)},
				message.ToolCallBlock{ID: "t2", Name: "get_weather", Arguments: json.RawMessage(`{"city":"sf"}`)},
			},
		},
		{Role: message.RoleToolResult, ToolCallID: "t1", ToolName: "get_weather", Blocks: message.ContentBlocks{message.TextBlock{Text: "sunny"}}},
		{Role: message.RoleToolResult, ToolCallID: "t2", ToolName: "get_weather", Blocks: message.ContentBlocks{message.TextBlock{Text: "foggy"}}},
	}}

	req, err := googleshared.BuildRequest(ctx, nil, nil, model)
	require.NoError(t, err)
	require.Len(t, req.Contents, 3)
	toolTurn := req.Contents[2]
	require.Equal(t, "user", toolTurn.Role)
	require.Len(t, toolTurn.Parts, 2)
	require.Equal(t, "t1", toolTurn.Parts[0].FunctionResponse.ID)
	require.Equal(t, "t2", toolTurn.Parts[1].FunctionResponse.ID)
}

func TestPartToBlockSynthesizesToolCallIDWhenMissing(t *testing.T) {
	p := googleshared.Part{FunctionCall: &googleshared.FunctionCall{Name: "get_weather", Args: json.RawMessage(`{}`)}}
	block := googleshared.PartToBlock(p)
	tc, ok := block.(message.ToolCallBlock)
	require.True(t, ok)
	require.Contains(t, tc.ID, "get_weather_")
	require.Equal(t, "get_weather", tc.Name)
}

func TestPartToBlockPreservesProvidedToolCallID(t *testing.T) {
	p := googleshared.Part{FunctionCall: &googleshared.FunctionCall{ID: "call-1", Name: "x", Args: json.RawMessage(`{}`)}}
	block := googleshared.PartToBlock(p)
	tc := block.(message.ToolCallBlock)
	require.Equal(t, "call-1", tc.ID)
}

func TestDecodeChunkAccumulatesUsageAndStopReason(t *testing.T) {
	msg := &message.Message{Role: message.RoleAssistant}
	chunk := googleshared.StreamChunk{
		Candidates: []googleshared.Candidate{{
			Content:      googleshared.Content{Parts: []googleshared.Part{{Text: "hello"}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &googleshared.UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5, TotalTokenCount: 15},
	}
	parts := googleshared.DecodeChunk(msg, chunk)
	require.Len(t, parts, 1)
	require.Equal(t, message.StopReasonStop, msg.StopReason)
	require.Equal(t, uint64(15), msg.Usage.TotalTokens)
}
