package openai_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"agentrt/message"
	"agentrt/provider"
	"agentrt/provider/openai"
)

type fakeDoer struct {
	body   string
	status int
	gotReq *http.Request
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.gotReq = req
	status := f.status
	if status == 0 {
		status = 200
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

// const s3Sequence is scenario S3 from spec.md §8: a compact two-delta chunk
// sequence followed by a usage-only chunk and the [DONE] sentinel.
const s3Sequence = `data: {"choices":[{"delta":{"content":"Hi"}}]}

data: {"choices":[{"delta":{"content":"!"},"finish_reason":"stop"}]}

data: {"usage":{"prompt_tokens":5,"completion_tokens":2}}

data: [DONE]

`

func drain(t *testing.T, stream provider.Stream) message.Message {
	t.Helper()
	consumer := stream.Clone()
	var final message.Message
	for {
		ev, ok, err := consumer.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		if ev.IsTerminal() {
			final = ev.Message
		}
	}
	return final
}

func TestStreamDecodesCompactChunkSequence(t *testing.T) {
	doer := &fakeDoer{body: s3Sequence}
	client := openai.New(doer)
	ctxMsgs := message.Context{Messages: []message.Message{message.NewUserText("hi", time.Now())}}

	stream, err := client.Stream(context.Background(), message.Model{ID: "gpt-4o"}, ctxMsgs, provider.Options{APIKey: "key"})
	require.NoError(t, err)

	final := drain(t, stream)
	require.Equal(t, message.StopReasonStop, final.StopReason)
	require.Len(t, final.Blocks, 1)
	text, ok := final.Blocks[0].(message.TextBlock)
	require.True(t, ok)
	require.Equal(t, "Hi!", text.Text)
	require.Equal(t, uint64(5), final.Usage.Input)
	require.Equal(t, uint64(2), final.Usage.Output)
	require.Equal(t, "Bearer key", doer.gotReq.Header.Get("authorization"))
}

func TestStreamRejectsEmptyMessages(t *testing.T) {
	client := openai.New(&fakeDoer{})
	_, err := client.Stream(context.Background(), message.Model{ID: "gpt-4o"}, message.Context{}, provider.Options{})
	require.Error(t, err)
}

func TestStreamReturnsRateLimitedSentinel(t *testing.T) {
	doer := &fakeDoer{status: http.StatusTooManyRequests, body: `{"error":"slow down"}`}
	client := openai.New(doer)
	ctxMsgs := message.Context{Messages: []message.Message{message.NewUserText("hi", time.Now())}}
	_, err := client.Stream(context.Background(), message.Model{ID: "gpt-4o"}, ctxMsgs, provider.Options{APIKey: "key"})
	require.ErrorIs(t, err, message.ErrRateLimited)
}

func TestStreamNormalizesURLAcrossBaseShapes(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"", "https://api.openai.com/v1/chat/completions"},
		{"https://api.mistral.ai/v1", "https://api.mistral.ai/v1/chat/completions"},
		{"https://my-proxy.example/chat/completions", "https://my-proxy.example/chat/completions"},
		{"https://my-proxy.example", "https://my-proxy.example/v1/chat/completions"},
	}
	for _, tc := range cases {
		doer := &fakeDoer{body: "data: [DONE]\n\n"}
		client := openai.New(doer)
		ctxMsgs := message.Context{Messages: []message.Message{message.NewUserText("hi", time.Now())}}
		_, err := client.Stream(context.Background(), message.Model{ID: "gpt-4o"}, ctxMsgs, provider.Options{APIKey: "key", BaseURL: tc.base})
		require.NoError(t, err)
		require.Equal(t, tc.want, doer.gotReq.URL.String())
	}
}

func TestStreamDecodesToolCallDeltas(t *testing.T) {
	const body = `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]},"finish_reason":"tool_calls"}]}

data: [DONE]

`
	doer := &fakeDoer{body: body}
	client := openai.New(doer)
	ctxMsgs := message.Context{Messages: []message.Message{message.NewUserText("hi", time.Now())}}
	stream, err := client.Stream(context.Background(), message.Model{ID: "gpt-4o"}, ctxMsgs, provider.Options{APIKey: "key"})
	require.NoError(t, err)

	final := drain(t, stream)
	require.Equal(t, message.StopReasonToolUse, final.StopReason)
	require.Len(t, final.Blocks, 1)
	tc, ok := final.Blocks[0].(message.ToolCallBlock)
	require.True(t, ok)
	require.Equal(t, "lookup", tc.Name)
	require.JSONEq(t, `{"q":"x"}`, string(tc.Arguments))
}

func TestStreamSimpleSetsReasoningEffort(t *testing.T) {
	doer := &fakeDoer{body: "data: [DONE]\n\n"}
	client := openai.New(doer)
	ctxMsgs := message.Context{Messages: []message.Message{message.NewUserText("hi", time.Now())}}
	_, err := client.StreamSimple(context.Background(), message.Model{ID: "o1", Reasoning: true}, ctxMsgs, provider.SimpleOptions{APIKey: "key", Reasoning: provider.ReasoningHigh})
	require.NoError(t, err)

	body, err := io.ReadAll(doer.gotReq.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"reasoning_effort":"high"`)
}

func TestStreamSendsEmptyToolsWhenHistoryHasToolCallButNoCurrentTools(t *testing.T) {
	doer := &fakeDoer{body: "data: [DONE]\n\n"}
	client := openai.New(doer)
	past := message.Message{
		Role:   message.RoleAssistant,
		Blocks: message.ContentBlocks{message.ToolCallBlock{ID: "call_1", Name: "lookup", Arguments: []byte(`{}`)}},
	}
	ctxMsgs := message.Context{Messages: []message.Message{message.NewUserText("hi", time.Now()), past}}
	_, err := client.Stream(context.Background(), message.Model{ID: "gpt-4o"}, ctxMsgs, provider.Options{APIKey: "key"})
	require.NoError(t, err)

	body, err := io.ReadAll(doer.gotReq.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"tools":[]`)
}

func TestStreamEmitsOneToolMessagePerResult(t *testing.T) {
	doer := &fakeDoer{body: "data: [DONE]\n\n"}
	client := openai.New(doer)
	ctxMsgs := message.Context{Messages: []message.Message{
		message.NewUserText("what's the weather in nyc and sf?", time.Now()),
		{
			Role: message.RoleAssistant,
			Blocks: message.ContentBlocks{
				message.ToolCallBlock{ID: "t1", Name: "get_weather", Arguments: []byte(`{"city":"nyc"}`)},
				message.ToolCallBlock{ID: "t2", Name: "get_weather", Arguments: []byte(`{"city":"sf"}`)},
			},
		},
		{Role: message.RoleToolResult, ToolCallID: "t1", ToolName: "get_weather", Blocks: message.ContentBlocks{message.TextBlock{Text: "sunny"}}},
		{Role: message.RoleToolResult, ToolCallID: "t2", ToolName: "get_weather", Blocks: message.ContentBlocks{message.TextBlock{Text: "foggy"}}},
	}}

	_, err := client.Stream(context.Background(), message.Model{ID: "gpt-4o"}, ctxMsgs, provider.Options{APIKey: "key"})
	require.NoError(t, err)

	body, err := io.ReadAll(doer.gotReq.Body)
	require.NoError(t, err)

	var decoded struct {
		Messages []struct {
			Role       string `json:"role"`
			Content    string `json:"content"`
			ToolCallID string `json:"tool_call_id"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))

	var toolMsgs []struct {
		Role       string
		Content    string
		ToolCallID string
	}
	for _, m := range decoded.Messages {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, struct {
				Role       string
				Content    string
				ToolCallID string
			}{m.Role, m.Content, m.ToolCallID})
		}
	}
	// Unlike Anthropic/Bedrock/Gemini, the Chat Completions API does not
	// require user/assistant alternation, so each tool result is its own
	// "tool"-role message rather than being merged into one turn.
	require.Len(t, toolMsgs, 2)
	require.Equal(t, "t1", toolMsgs[0].ToolCallID)
	require.Equal(t, "sunny", toolMsgs[0].Content)
	require.Equal(t, "t2", toolMsgs[1].ToolCallID)
	require.Equal(t, "foggy", toolMsgs[1].Content)
}
