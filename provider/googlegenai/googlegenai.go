// Package googlegenai implements the Google Generative AI (Gemini API)
// provider adapter (spec §4.6.3) on top of provider/googleshared's wire
// helpers.
package googlegenai

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"

	json "github.com/goccy/go-json"

	"agentrt/eventstream"
	"agentrt/internal/logging"
	"agentrt/message"
	"agentrt/provider"
	"agentrt/provider/googleshared"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// HTTPDoer is the transport seam.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements provider.Adapter against the Gemini generateContent API.
type Client struct {
	http HTTPDoer
}

// New builds a Client. http defaults to http.DefaultClient when nil.
func New(doer HTTPDoer) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{http: doer}
}

func (c *Client) StreamSimple(ctx context.Context, model message.Model, ctxMsgs message.Context, opts provider.SimpleOptions) (provider.Stream, error) {
	full := provider.Options{APIKey: opts.APIKey, BearerToken: opts.BearerToken, BaseURL: opts.BaseURL, Headers: opts.Headers}
	if opts.Reasoning != "" && opts.Reasoning != provider.ReasoningMinimal {
		full.Thinking = &provider.ThinkingOptions{Enable: true, BudgetTokens: reasoningBudget(opts.Reasoning)}
	}
	return c.Stream(ctx, model, ctxMsgs, full)
}

func reasoningBudget(level provider.ReasoningLevel) int {
	switch level {
	case provider.ReasoningLow:
		return 2048
	case provider.ReasoningMedium:
		return 8192
	case provider.ReasoningHigh:
		return 24576
	case provider.ReasoningXHigh:
		return 32768
	default:
		return 0
	}
}

// Stream issues a streamGenerateContent SSE request and decodes it into
// the common event schedule.
func (c *Client) Stream(ctx context.Context, model message.Model, ctxMsgs message.Context, opts provider.Options) (provider.Stream, error) {
	body, err := googleshared.BuildRequest(ctxMsgs, ctxMsgs.Tools, opts.Thinking, model)
	if err != nil {
		return nil, err
	}
	if model.MaxTokens > 0 {
		if body.GenerationConfig == nil {
			body.GenerationConfig = &googleshared.GenerationConfig{}
		}
		body.GenerationConfig.MaxOutputTokens = model.MaxTokens
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("googlegenai: encoding request: %w", err)
	}

	baseURL := opts.BaseURL
	canonical := baseURL == "" || baseURL == defaultBaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", strings.TrimRight(baseURL, "/"), model.ID)
	// The canonical consumer Gemini endpoint accepts the API key as a
	// "key" query parameter; non-canonical base URLs (CloudCode, Vertex,
	// OAuth proxies) route auth through a header instead.
	if canonical && opts.BearerToken == "" && opts.APIKey != "" {
		url += "&key=" + neturl.QueryEscape(opts.APIKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("googlegenai: building request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	if opts.BearerToken != "" {
		req.Header.Set("authorization", "Bearer "+opts.BearerToken)
	} else if opts.APIKey != "" && !canonical {
		req.Header.Set("x-goog-api-key", opts.APIKey)
	}
	merged := map[string]string{}
	provider.MergeHeaders(merged, map[string]bool{"content-type": true, "authorization": true, "x-goog-api-key": true}, opts.Headers)
	for k, v := range merged {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("googlegenai: request failed: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, message.ErrRateLimited
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("googlegenai: status %d: %s", resp.StatusCode, string(data))
	}

	stream := eventstream.New[provider.AssistantMessageEvent, message.Message](64, provider.IsTerminalEvent, provider.Aggregate)
	go c.pump(ctx, resp.Body, stream)
	return stream, nil
}

func (c *Client) pump(ctx context.Context, body io.ReadCloser, stream *eventstream.Stream[provider.AssistantMessageEvent, message.Message]) {
	defer body.Close()
	logger := logging.From(ctx)

	msg := message.Message{Role: message.RoleAssistant}
	started := false
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var chunk googleshared.StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Warn().Err(err).Msg("googlegenai: chunk decode error, skipping")
			continue
		}
		if !started {
			stream.Push(provider.AssistantMessageEvent{Kind: provider.EventStart, Partial: msg.Clone()})
			started = true
		}
		parts := googleshared.DecodeChunk(&msg, chunk)
		for _, p := range parts {
			block := googleshared.PartToBlock(p)
			if tc, ok := block.(message.ToolCallBlock); ok {
				for _, prior := range msg.ToolCalls() {
					if prior.ID == tc.ID {
						tc.ID = googleshared.NewToolCallID(tc.Name)
						block = tc
						break
					}
				}
			}
			idx := len(msg.Blocks)
			msg.Blocks = append(msg.Blocks, block)
			switch block.(type) {
			case message.ThinkingBlock:
				stream.Push(provider.AssistantMessageEvent{Kind: provider.EventThinkingStart, ContentIndex: idx, Partial: msg.Clone()})
				stream.Push(provider.AssistantMessageEvent{Kind: provider.EventThinkingEnd, ContentIndex: idx, Block: block, Partial: msg.Clone()})
			case message.ToolCallBlock:
				stream.Push(provider.AssistantMessageEvent{Kind: provider.EventToolCallStart, ContentIndex: idx, Partial: msg.Clone()})
				stream.Push(provider.AssistantMessageEvent{Kind: provider.EventToolCallEnd, ContentIndex: idx, Block: block, Partial: msg.Clone()})
			default:
				stream.Push(provider.AssistantMessageEvent{Kind: provider.EventTextStart, ContentIndex: idx, Partial: msg.Clone()})
				stream.Push(provider.AssistantMessageEvent{Kind: provider.EventTextEnd, ContentIndex: idx, Block: block, Partial: msg.Clone()})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		errEvent := provider.AssistantMessageEvent{Kind: provider.EventError, ErrorReason: provider.ErrorReasonError, ErrorMessage: err.Error(), Message: msg}
		stream.Push(errEvent)
		return
	}
	if msg.StopReason == "" {
		msg.StopReason = message.StopReasonStop
	}
	// Gemini's finishReason is frequently STOP even when the turn emitted
	// a function call; callers rely on toolUse to decide whether to run
	// tools, so it takes priority over whatever finishReason arrived.
	if len(msg.ToolCalls()) > 0 {
		msg.StopReason = message.StopReasonToolUse
	}
	final := msg.Clone()
	stream.Push(provider.AssistantMessageEvent{Kind: provider.EventDone, Message: final, StopReason: final.StopReason})
}
