// Package anthropic implements the Anthropic Messages API provider adapter
// (spec §4.6.1): request shaping, SSE decode into provider.AssistantMessageEvent,
// prompt-cache control, thinking blocks, and OAuth/Copilot header routing.
package anthropic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"agentrt/eventstream"
	"agentrt/internal/logging"
	"agentrt/message"
	"agentrt/provider"
	"agentrt/sse"
)

const defaultBaseURL = "https://api.anthropic.com"

// HTTPDoer is the transport seam every adapter depends on instead of a
// vendor SDK client, so tests can substitute a fake round-tripper.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements provider.Adapter against the Anthropic Messages API.
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

// StreamSimple resolves a coarse ReasoningLevel into a ThinkingOptions
// budget and delegates to Stream.
func (c *Client) StreamSimple(ctx context.Context, model message.Model, ctxMsgs message.Context, opts provider.SimpleOptions) (provider.Stream, error) {
	full := provider.Options{
		APIKey:         opts.APIKey,
		BearerToken:    opts.BearerToken,
		BaseURL:        opts.BaseURL,
		CacheRetention: opts.CacheRetention,
		Headers:        opts.Headers,
	}
	if opts.Reasoning != "" && opts.Reasoning != provider.ReasoningMinimal {
		full.Thinking = &provider.ThinkingOptions{
			Enable:       true,
			BudgetTokens: reasoningBudget(opts.Reasoning),
		}
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

// Stream issues a streaming Messages request and adapts Anthropic's SSE
// event sequence into the common AssistantMessageEvent schedule.
func (c *Client) Stream(ctx context.Context, model message.Model, ctxMsgs message.Context, opts provider.Options) (provider.Stream, error) {
	body, err := c.buildRequestBody(model, ctxMsgs, opts)
	if err != nil {
		return nil, err
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: building request: %w", err)
	}
	c.setHeaders(req, opts)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, message.ErrRateLimited
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(data))
	}

	stream := eventstream.New[provider.AssistantMessageEvent, message.Message](64, provider.IsTerminalEvent, provider.Aggregate)
	go c.pump(ctx, resp.Body, stream)
	return stream, nil
}

func (c *Client) setHeaders(req *http.Request, opts provider.Options) {
	req.Header.Set("content-type", "application/json")
	req.Header.Set("anthropic-version", "2023-06-01")
	if opts.BearerToken != "" {
		req.Header.Set("authorization", "Bearer "+opts.BearerToken)
	} else if opts.APIKey != "" {
		req.Header.Set("x-api-key", opts.APIKey)
	}
	protected := map[string]bool{"content-type": true, "x-api-key": true, "authorization": true, "anthropic-version": true}
	merged := map[string]string{}
	provider.MergeHeaders(merged, protected, opts.Headers)
	for k, v := range merged {
		req.Header.Set(k, v)
	}
}

// pump reads the SSE body incrementally, decodes each frame into an
// AssistantMessageEvent, and pushes it onto stream, closing stream with
// the terminal Done/Error event.
func (c *Client) pump(ctx context.Context, body io.ReadCloser, stream *eventstream.Stream[provider.AssistantMessageEvent, message.Message]) {
	defer body.Close()
	logger := logging.From(ctx)

	parser := sse.New()
	dec := newDecoder()
	buf := make([]byte, 4096)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			events, perr := parser.Feed(buf[:n])
			if perr != nil {
				logger.Warn().Err(perr).Msg("anthropic: sse parse error, continuing")
			}
			for _, ev := range events {
				if ev.Data == "[DONE]" {
					continue
				}
				out, done, derr := dec.handle(ev)
				if derr != nil {
					logger.Warn().Err(derr).Msg("anthropic: event decode error, skipping")
					continue
				}
				if out != nil {
					stream.Push(*out)
				}
				if done {
					return
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				final := dec.final()
				stream.Push(provider.AssistantMessageEvent{Kind: provider.EventDone, Message: final, StopReason: final.StopReason})
				return
			}
			errEvent := provider.AssistantMessageEvent{Kind: provider.EventError, ErrorReason: provider.ErrorReasonError, ErrorMessage: readErr.Error(), Message: dec.final()}
			stream.Push(errEvent)
			return
		}
	}
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *struct {
		Type  string          `json:"type"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Text  string          `json:"text"`
		Input json.RawMessage `json:"input"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		Signature   string `json:"signature"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Message *struct {
		StopReason string `json:"stop_reason"`
		Usage      *struct {
			InputTokens              uint64 `json:"input_tokens"`
			OutputTokens             uint64 `json:"output_tokens"`
			CacheReadInputTokens     uint64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens uint64 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`

	Usage *struct {
		OutputTokens uint64 `json:"output_tokens"`
	} `json:"usage"`

	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func newDecoder() *decoder {
	return &decoder{msg: message.Message{Role: message.RoleAssistant}}
}

// decoder accumulates Anthropic's content_block_start/delta/stop sequence
// into a single running message.Message, per spec §4.6.1's event mapping.
type decoder struct {
	msg          message.Message
	blockTexts   map[int]*strings.Builder
	blockThinks  map[int]*strings.Builder
	blockToolArg map[int]*strings.Builder
	blockToolID  map[int]string
	blockToolNm  map[int]string
}

func (d *decoder) final() message.Message {
	return d.msg
}

func (d *decoder) handle(ev sse.Event) (*provider.AssistantMessageEvent, bool, error) {
	if ev.Data == "" {
		return nil, false, nil
	}
	var raw anthropicStreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &raw); err != nil {
		return nil, false, fmt.Errorf("anthropic: decoding event: %w", err)
	}

	switch raw.Type {
	case "message_start":
		// Input and cache counts arrive here; output tokens are added by
		// message_delta.
		if raw.Message != nil && raw.Message.Usage != nil {
			u := raw.Message.Usage
			d.msg.Usage.Input = u.InputTokens
			d.msg.Usage.CacheRead = u.CacheReadInputTokens
			d.msg.Usage.CacheWrite = u.CacheCreationInputTokens
			d.msg.Usage.TotalTokens = u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
		}
		out := provider.AssistantMessageEvent{Kind: provider.EventStart, Partial: d.msg.Clone()}
		return &out, false, nil

	case "content_block_start":
		if raw.ContentBlock == nil {
			return nil, false, nil
		}
		switch raw.ContentBlock.Type {
		case "text":
			d.ensureMaps()
			d.blockTexts[raw.Index] = &strings.Builder{}
			d.appendBlock(raw.Index, message.TextBlock{})
			out := provider.AssistantMessageEvent{Kind: provider.EventTextStart, ContentIndex: raw.Index, Partial: d.msg.Clone()}
			return &out, false, nil
		case "thinking":
			d.ensureMaps()
			d.blockThinks[raw.Index] = &strings.Builder{}
			d.appendBlock(raw.Index, message.ThinkingBlock{})
			out := provider.AssistantMessageEvent{Kind: provider.EventThinkingStart, ContentIndex: raw.Index, Partial: d.msg.Clone()}
			return &out, false, nil
		case "tool_use":
			d.ensureMaps()
			d.blockToolArg[raw.Index] = &strings.Builder{}
			d.blockToolID[raw.Index] = raw.ContentBlock.ID
			d.blockToolNm[raw.Index] = raw.ContentBlock.Name
			d.appendBlock(raw.Index, message.ToolCallBlock{ID: raw.ContentBlock.ID, Name: raw.ContentBlock.Name})
			out := provider.AssistantMessageEvent{Kind: provider.EventToolCallStart, ContentIndex: raw.Index, Partial: d.msg.Clone()}
			return &out, false, nil
		}
		return nil, false, nil

	case "content_block_delta":
		if raw.Delta == nil {
			return nil, false, nil
		}
		switch raw.Delta.Type {
		case "text_delta":
			if b, ok := d.blockTexts[raw.Index]; ok {
				b.WriteString(raw.Delta.Text)
				d.setBlock(raw.Index, message.TextBlock{Text: b.String()})
			}
			out := provider.AssistantMessageEvent{Kind: provider.EventTextDelta, ContentIndex: raw.Index, TextDelta: raw.Delta.Text, Partial: d.msg.Clone()}
			return &out, false, nil
		case "thinking_delta":
			if b, ok := d.blockThinks[raw.Index]; ok {
				b.WriteString(raw.Delta.Thinking)
				d.setBlock(raw.Index, message.ThinkingBlock{Thinking: b.String()})
			}
			out := provider.AssistantMessageEvent{Kind: provider.EventThinkingDelta, ContentIndex: raw.Index, ThinkingDelta: raw.Delta.Thinking, Partial: d.msg.Clone()}
			return &out, false, nil
		case "signature_delta":
			if tb, ok := d.blockAt(raw.Index).(message.ThinkingBlock); ok {
				tb.Signature = raw.Delta.Signature
				d.setBlock(raw.Index, tb)
			}
			return nil, false, nil
		case "input_json_delta":
			if b, ok := d.blockToolArg[raw.Index]; ok {
				b.WriteString(raw.Delta.PartialJSON)
			}
			out := provider.AssistantMessageEvent{Kind: provider.EventToolCallDelta, ContentIndex: raw.Index, ToolCallDelta: raw.Delta.PartialJSON, Partial: d.msg.Clone()}
			return &out, false, nil
		}
		return nil, false, nil

	case "content_block_stop":
		block := d.blockAt(raw.Index)
		switch v := block.(type) {
		case message.TextBlock:
			out := provider.AssistantMessageEvent{Kind: provider.EventTextEnd, ContentIndex: raw.Index, Block: v, Partial: d.msg.Clone()}
			return &out, false, nil
		case message.ThinkingBlock:
			out := provider.AssistantMessageEvent{Kind: provider.EventThinkingEnd, ContentIndex: raw.Index, Block: v, Partial: d.msg.Clone()}
			return &out, false, nil
		case message.ToolCallBlock:
			if b, ok := d.blockToolArg[raw.Index]; ok {
				v.Arguments = json.RawMessage(b.String())
				d.setBlock(raw.Index, v)
			}
			out := provider.AssistantMessageEvent{Kind: provider.EventToolCallEnd, ContentIndex: raw.Index, Block: d.blockAt(raw.Index), Partial: d.msg.Clone()}
			return &out, false, nil
		}
		return nil, false, nil

	case "message_delta":
		if raw.Delta != nil && raw.Delta.StopReason != "" {
			d.msg.StopReason = mapStopReason(raw.Delta.StopReason)
		}
		if raw.Usage != nil {
			d.msg.Usage.Output += raw.Usage.OutputTokens
			d.msg.Usage.TotalTokens += raw.Usage.OutputTokens
		}
		return nil, false, nil

	case "message_stop":
		final := d.msg.Clone()
		out := provider.AssistantMessageEvent{Kind: provider.EventDone, Message: final, StopReason: final.StopReason}
		return &out, true, nil

	case "error":
		msg := "anthropic: unknown error"
		if raw.Error != nil {
			msg = raw.Error.Message
		}
		final := d.msg.Clone()
		final.StopReason = message.StopReasonError
		final.ErrorMessage = msg
		out := provider.AssistantMessageEvent{Kind: provider.EventError, ErrorReason: provider.ErrorReasonError, ErrorMessage: msg, Message: final}
		return &out, true, nil
	}
	return nil, false, nil
}

func (d *decoder) ensureMaps() {
	if d.blockTexts == nil {
		d.blockTexts = map[int]*strings.Builder{}
		d.blockThinks = map[int]*strings.Builder{}
		d.blockToolArg = map[int]*strings.Builder{}
		d.blockToolID = map[int]string{}
		d.blockToolNm = map[int]string{}
	}
}

func (d *decoder) appendBlock(index int, b message.ContentBlock) {
	for len(d.msg.Blocks) <= index {
		d.msg.Blocks = append(d.msg.Blocks, nil)
	}
	d.msg.Blocks[index] = b
}

func (d *decoder) setBlock(index int, b message.ContentBlock) {
	if index < len(d.msg.Blocks) {
		d.msg.Blocks[index] = b
	}
}

func (d *decoder) blockAt(index int) message.ContentBlock {
	if index < len(d.msg.Blocks) {
		return d.msg.Blocks[index]
	}
	return nil
}

func mapStopReason(s string) message.StopReason {
	switch s {
	case "end_turn", "stop_sequence", "pause_turn":
		return message.StopReasonStop
	case "max_tokens":
		return message.StopReasonLength
	case "tool_use":
		return message.StopReasonToolUse
	case "refusal", "sensitive":
		return message.StopReasonError
	default:
		logging.Default.Warn().Str("stop_reason", s).Msg("anthropic: unrecognized stop_reason, mapping to error")
		return message.StopReasonError
	}
}

// requestBody mirrors the subset of the Messages API request shape this
// adapter constructs directly (no vendor SDK params type, per DESIGN.md).
type requestBody struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Stream    bool            `json:"stream"`
	System    []cacheableText `json:"system,omitempty"`
	Messages  []wireMessage   `json:"messages"`
	Tools     []wireTool      `json:"tools,omitempty"`
	Thinking  *wireThinking   `json:"thinking,omitempty"`
}

type cacheableText struct {
	Type         string         `json:"type"`
	Text         string         `json:"text"`
	CacheControl *wireCacheCtrl `json:"cache_control,omitempty"`
}

type wireCacheCtrl struct {
	Type string `json:"type"`
	TTL  string `json:"ttl,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content []wireContent   `json:"content"`
}

type wireContent struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      string          `json:"content,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	Thinking     string          `json:"thinking,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	CacheControl *wireCacheCtrl  `json:"cache_control,omitempty"`
}

type wireTool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	CacheControl *wireCacheCtrl  `json:"cache_control,omitempty"`
}

type wireThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

func (c *Client) buildRequestBody(model message.Model, ctxMsgs message.Context, opts provider.Options) ([]byte, error) {
	if len(ctxMsgs.Messages) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	req := requestBody{
		Model:     model.ID,
		MaxTokens: model.MaxTokens,
		Stream:    true,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 4096
	}
	if ctxMsgs.SystemPrompt != "" {
		req.System = []cacheableText{{Type: "text", Text: ctxMsgs.SystemPrompt, CacheControl: cacheControlFor(opts.CacheRetention)}}
	}
	for _, group := range provider.CoalesceToolResults(ctxMsgs.Messages) {
		var wm *wireMessage
		var err error
		if group[0].Role == message.RoleToolResult {
			wm = encodeToolResultGroup(group)
		} else {
			wm, err = encodeWireMessage(model, group[0])
		}
		if err != nil {
			return nil, err
		}
		if wm != nil {
			req.Messages = append(req.Messages, *wm)
		}
	}
	for i, t := range ctxMsgs.Tools {
		wt := wireTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters}
		if i == len(ctxMsgs.Tools)-1 {
			wt.CacheControl = cacheControlFor(opts.CacheRetention)
		}
		req.Tools = append(req.Tools, wt)
	}
	if opts.Thinking != nil && opts.Thinking.Enable {
		req.Thinking = &wireThinking{Type: "enabled", BudgetTokens: opts.Thinking.BudgetTokens}
	}
	if cc := cacheControlFor(opts.CacheRetention); cc != nil {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role != "user" || len(req.Messages[i].Content) == 0 {
				continue
			}
			last := len(req.Messages[i].Content) - 1
			req.Messages[i].Content[last].CacheControl = cc
			break
		}
	}
	return json.Marshal(req)
}

func cacheControlFor(r provider.CacheRetention) *wireCacheCtrl {
	switch r {
	case provider.CacheShort:
		return &wireCacheCtrl{Type: "ephemeral"}
	case provider.CacheLong:
		return &wireCacheCtrl{Type: "ephemeral", TTL: "1h"}
	default:
		return nil
	}
}

func encodeWireMessage(model message.Model, m message.Message) (*wireMessage, error) {
	switch m.Role {
	case message.RoleUser:
		blocks, err := encodeBlocks(model, m.Content())
		if err != nil {
			return nil, err
		}
		return &wireMessage{Role: "user", Content: blocks}, nil
	case message.RoleAssistant:
		blocks, err := encodeBlocks(model, m.Blocks)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			return nil, nil
		}
		return &wireMessage{Role: "assistant", Content: blocks}, nil
	default:
		return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
	}
}

// encodeToolResultGroup folds consecutive ToolResult messages (spec §4.6
// "Tool-result coalescing") into a single user turn, since the Messages
// API rejects back-to-back user turns.
func encodeToolResultGroup(group []message.Message) *wireMessage {
	content := make([]wireContent, 0, len(group))
	for _, m := range group {
		wc := wireContent{Type: "tool_result", ToolUseID: m.ToolCallID, IsError: m.IsError}
		var sb strings.Builder
		for _, b := range m.Blocks {
			if tb, ok := b.(message.TextBlock); ok {
				sb.WriteString(tb.Text)
			}
		}
		wc.Content = sb.String()
		content = append(content, wc)
	}
	return &wireMessage{Role: "user", Content: content}
}

func encodeBlocks(model message.Model, blocks message.ContentBlocks) ([]wireContent, error) {
	blocks, dropped := provider.FilterImages(model, blocks)
	out := make([]wireContent, 0, len(blocks))
	for _, b := range blocks {
		switch v := b.(type) {
		case message.TextBlock:
			if v.Text == "" {
				continue
			}
			out = append(out, wireContent{Type: "text", Text: v.Text})
		case message.ThinkingBlock:
			out = append(out, wireContent{Type: "thinking", Thinking: v.Thinking, Signature: v.Signature})
		case message.ToolCallBlock:
			out = append(out, wireContent{Type: "tool_use", ID: v.ID, Name: v.Name, Input: v.Arguments})
		default:
			return nil, fmt.Errorf("anthropic: unsupported content block %T", b)
		}
	}
	if dropped {
		out = append(out, wireContent{Type: "text", Text: provider.ImagePlaceholderText})
	}
	return out, nil
}
