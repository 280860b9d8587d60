package googlegenai_test

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
	"agentrt/provider/googlegenai"
)

type fakeDoer struct {
	body   string
	gotReq *http.Request
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.gotReq = req
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

const genaiSSE = `data: {"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":" world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}

`

func TestStreamDecodesTextChunks(t *testing.T) {
	doer := &fakeDoer{body: genaiSSE}
	client := googlegenai.New(doer)
	ctxMsgs := message.Context{Messages: []message.Message{message.NewUserText("hi", time.Now())}}

	stream, err := client.Stream(context.Background(), message.Model{ID: "gemini-2.5-pro"}, ctxMsgs, provider.Options{APIKey: "key"})
	require.NoError(t, err)

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
	require.Equal(t, message.StopReasonStop, final.StopReason)
	require.Len(t, final.Blocks, 2)
	require.Equal(t, uint64(5), final.Usage.TotalTokens)
	// The canonical generativelanguage.googleapis.com endpoint takes the
	// API key as a "key" query parameter, not a header.
	require.Equal(t, "key", doer.gotReq.URL.Query().Get("key"))
	require.Empty(t, doer.gotReq.Header.Get("x-goog-api-key"))
}

func TestStreamRoutesAPIKeyViaHeaderForNonCanonicalBaseURL(t *testing.T) {
	doer := &fakeDoer{body: genaiSSE}
	client := googlegenai.New(doer)
	ctxMsgs := message.Context{Messages: []message.Message{message.NewUserText("hi", time.Now())}}

	_, err := client.Stream(context.Background(), message.Model{ID: "gemini-2.5-pro"}, ctxMsgs, provider.Options{APIKey: "key", BaseURL: "https://my-proxy.example.com"})
	require.NoError(t, err)
	require.Equal(t, "key", doer.gotReq.Header.Get("x-goog-api-key"))
	require.Empty(t, doer.gotReq.URL.Query().Get("key"))
}

func TestStreamSynthesizesToolUseStopReasonWhenToolCallPresent(t *testing.T) {
	const sse = `data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{}}}]},"finishReason":"STOP"}]}

`
	doer := &fakeDoer{body: sse}
	client := googlegenai.New(doer)
	ctxMsgs := message.Context{Messages: []message.Message{message.NewUserText("weather?", time.Now())}}

	stream, err := client.Stream(context.Background(), message.Model{ID: "gemini-2.5-pro"}, ctxMsgs, provider.Options{APIKey: "key"})
	require.NoError(t, err)

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
	require.Equal(t, message.StopReasonToolUse, final.StopReason, "gemini's own STOP finishReason must be overridden when a function call was emitted")
}

func TestStreamCoalescesConsecutiveToolResultsIntoOneTurn(t *testing.T) {
	doer := &fakeDoer{body: genaiSSE}
	client := googlegenai.New(doer)
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

	_, err := client.Stream(context.Background(), message.Model{ID: "gemini-2.5-pro"}, ctxMsgs, provider.Options{APIKey: "key"})
	require.NoError(t, err)

	body, err := io.ReadAll(doer.gotReq.Body)
	require.NoError(t, err)

	var decoded struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				FunctionResponse *struct {
					ID string `json:"id"`
				} `json:"functionResponse"`
			} `json:"parts"`
		} `json:"contents"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))

	require.Len(t, decoded.Contents, 3)
	toolTurn := decoded.Contents[2]
	require.Equal(t, "user", toolTurn.Role)
	require.Len(t, toolTurn.Parts, 2)
	require.Equal(t, "t1", toolTurn.Parts[0].FunctionResponse.ID)
	require.Equal(t, "t2", toolTurn.Parts[1].FunctionResponse.ID)
}
