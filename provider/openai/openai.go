// Package openai implements the OpenAI Chat Completions provider adapter
// (spec §4.6.6): URL normalization across OpenAI-compatible hosts, a
// compat-table-driven message/request conversion, and SSE decode of the
// `choices[].delta` streaming chunk shape into the common
// provider.AssistantMessageEvent schedule.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/sjson"

	"agentrt/eventstream"
	"agentrt/internal/logging"
	"agentrt/message"
	"agentrt/provider"
	"agentrt/sse"
	"agentrt/streamjson"
)

const defaultBaseURL = "https://api.openai.com/v1"

// HTTPDoer is the transport seam every adapter depends on instead of a
// vendor SDK client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements provider.Adapter against an OpenAI-compatible Chat
// Completions endpoint.
type Client struct {
	http HTTPDoer
}

// New builds a Client. doer defaults to http.DefaultClient when nil.
func New(doer HTTPDoer) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{http: doer}
}

func (c *Client) StreamSimple(ctx context.Context, model message.Model, ctxMsgs message.Context, opts provider.SimpleOptions) (provider.Stream, error) {
	full := provider.Options{
		APIKey:      opts.APIKey,
		BearerToken: opts.BearerToken,
		BaseURL:     opts.BaseURL,
		Headers:     opts.Headers,
	}
	if opts.Reasoning != "" {
		full.Thinking = &provider.ThinkingOptions{Enable: opts.Reasoning != provider.ReasoningMinimal, Effort: string(opts.Reasoning)}
	}
	return c.Stream(ctx, model, ctxMsgs, full)
}

// Stream issues a streaming Chat Completions request and adapts the
// choices[].delta sequence into the common AssistantMessageEvent
// schedule.
func (c *Client) Stream(ctx context.Context, model message.Model, ctxMsgs message.Context, opts provider.Options) (provider.Stream, error) {
	if len(ctxMsgs.Messages) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}

	compat, err := resolveCompat(model, opts)
	if err != nil {
		return nil, err
	}

	body, err := buildRequestBody(model, ctxMsgs, opts, compat)
	if err != nil {
		return nil, err
	}

	url := normalizeURL(opts.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: building request: %w", err)
	}
	setHeaders(req, opts)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, message.ErrRateLimited
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(data))
	}

	stream := eventstream.New[provider.AssistantMessageEvent, message.Message](64, provider.IsTerminalEvent, provider.Aggregate)
	go pump(ctx, resp.Body, stream, normalizerFor(model, compat))
	return stream, nil
}

// normalizeURL implements the spec's three-way suffix rule: use as-is,
// append only the missing path segment, or append the full path.
func normalizeURL(base string) string {
	if base == "" {
		base = defaultBaseURL
	}
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasSuffix(base, "/chat/completions"):
		return base
	case strings.HasSuffix(base, "/v1"):
		return base + "/chat/completions"
	default:
		return base + "/v1/chat/completions"
	}
}

func setHeaders(req *http.Request, opts provider.Options) {
	req.Header.Set("content-type", "application/json")
	token := opts.BearerToken
	if token == "" {
		token = opts.APIKey
	}
	if token != "" {
		req.Header.Set("authorization", "Bearer "+token)
	}
	protected := map[string]bool{"content-type": true, "authorization": true}
	merged := map[string]string{}
	provider.MergeHeaders(merged, protected, opts.Headers)
	for k, v := range merged {
		req.Header.Set(k, v)
	}
}

// resolveCompat detects the provider/base-url compat row then merges the
// model's own compat override on top, per spec §4.6.6's "pure detect plus
// shallow merge" design note.
func resolveCompat(model message.Model, opts provider.Options) (provider.Compat, error) {
	base := opts.BaseURL
	if base == "" {
		base = model.BaseURL
	}
	c := provider.Detect(model.Provider, base)
	return provider.MergeModelCompat(c, model.Compat)
}

// normalizerFor selects the tool-call id normalizer this model's provider
// requires (spec §4.3).
func normalizerFor(model message.Model, compat provider.Compat) func(string) string {
	if compat.RequiresMistralToolIDs {
		return provider.NormalizeMistral
	}
	if strings.EqualFold(model.Provider, "responses-api") {
		return provider.NormalizeResponsesAPI
	}
	return provider.NormalizeOpenAI
}

// pump reads the SSE body incrementally, decodes choices[].delta chunks
// into AssistantMessageEvents, and pushes them onto stream.
func pump(ctx context.Context, body io.ReadCloser, stream *eventstream.Stream[provider.AssistantMessageEvent, message.Message], normalizeID func(string) string) {
	defer body.Close()
	logger := logging.From(ctx)

	parser := sse.New()
	dec := newDecoder(normalizeID)
	buf := make([]byte, 4096)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			events, perr := parser.Feed(buf[:n])
			if perr != nil {
				logger.Warn().Err(perr).Msg("openai: sse parse error, continuing")
			}
			for _, ev := range events {
				if strings.TrimSpace(ev.Data) == "[DONE]" {
					final := dec.close()
					stream.Push(provider.AssistantMessageEvent{Kind: provider.EventDone, Message: final, StopReason: final.StopReason})
					return
				}
				out, err := dec.handle(ev)
				if err != nil {
					logger.Warn().Err(err).Msg("openai: chunk decode error, skipping")
					continue
				}
				for _, e := range out {
					stream.Push(e)
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				final := dec.close()
				stream.Push(provider.AssistantMessageEvent{Kind: provider.EventDone, Message: final, StopReason: final.StopReason})
				return
			}
			errEvent := provider.AssistantMessageEvent{Kind: provider.EventError, ErrorReason: provider.ErrorReasonError, ErrorMessage: readErr.Error(), Message: dec.msg.Clone()}
			stream.Push(errEvent)
			return
		}
	}
}

// blockKind discriminates the decoder's single current_block, per the
// spec's "tracks exactly one current_block at a time" design note.
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
)

// decoder accumulates a Chat Completions stream into a single running
// message.Message. Unlike Anthropic/Bedrock's explicit block-index
// framing, OpenAI chunks carry no block boundaries for text/reasoning, so
// the decoder infers block transitions itself.
type decoder struct {
	msg         message.Message
	normalizeID func(string) string

	current      blockKind
	currentIndex int
	textBuf      strings.Builder
	thinkBuf     strings.Builder
	thinkField   string // which delta field name fed thinkBuf, replayed as signature

	toolByIndex map[int]*toolCallAccum
	toolOrder   []int
}

type toolCallAccum struct {
	id       string
	name     string
	argsBuf  strings.Builder
	blockIdx int
}

func newDecoder(normalizeID func(string) string) *decoder {
	return &decoder{
		msg:         message.Message{Role: message.RoleAssistant},
		normalizeID: normalizeID,
		toolByIndex: map[int]*toolCallAccum{},
	}
}

// chunk mirrors the OpenAI streaming ChatCompletionChunk shape.
type chunk struct {
	Choices []chunkChoice `json:"choices"`
	Usage   *chunkUsage   `json:"usage"`
	Error   *chunkError   `json:"error"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkDelta struct {
	Content          string            `json:"content"`
	ReasoningContent string            `json:"reasoning_content"`
	Reasoning        string            `json:"reasoning"`
	ReasoningText    string            `json:"reasoning_text"`
	ReasoningDetails []reasoningDetail `json:"reasoning_details"`
	ToolCalls        []chunkToolCall   `json:"tool_calls"`
}

type chunkToolCall struct {
	Index    int               `json:"index"`
	ID       string            `json:"id"`
	Function chunkToolCallFunc `json:"function"`
}

type chunkToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chunkUsage struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
	TotalTokens      uint64 `json:"total_tokens"`
}

type chunkError struct {
	Message string `json:"message"`
}

type reasoningDetail struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// handle decodes one SSE data payload into zero or more
// AssistantMessageEvents, closing whatever block is open before opening a
// differently-kinded one, per the spec's current_block transition rule.
func (d *decoder) handle(ev sse.Event) ([]provider.AssistantMessageEvent, error) {
	if strings.TrimSpace(ev.Data) == "" {
		return nil, nil
	}
	var c chunk
	if err := json.Unmarshal([]byte(ev.Data), &c); err != nil {
		return nil, fmt.Errorf("openai: decoding chunk: %w", err)
	}

	var out []provider.AssistantMessageEvent

	if c.Error != nil {
		d.msg.StopReason = message.StopReasonError
		d.msg.ErrorMessage = c.Error.Message
		out = append(out, provider.AssistantMessageEvent{Kind: provider.EventError, ErrorReason: provider.ErrorReasonError, ErrorMessage: c.Error.Message, Message: d.msg.Clone()})
		return out, nil
	}

	if c.Usage != nil {
		d.msg.Usage.Input += c.Usage.PromptTokens
		d.msg.Usage.Output += c.Usage.CompletionTokens
		d.msg.Usage.TotalTokens += c.Usage.TotalTokens
	}

	for _, choice := range c.Choices {
		delta := choice.Delta

		if delta.Content != "" {
			out = append(out, d.appendText(delta.Content)...)
		}

		reasoningText, field := firstNonEmptyReasoning(delta)
		if reasoningText != "" {
			out = append(out, d.appendThinking(reasoningText, field)...)
		}

		for _, tc := range delta.ToolCalls {
			out = append(out, d.appendToolCallDelta(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)...)
		}

		for _, rd := range delta.ReasoningDetails {
			if rd.Type == "reasoning.encrypted" {
				d.attachEncryptedSignature(rd.ID, ev.Data)
			}
		}

		if choice.FinishReason != "" {
			d.msg.StopReason = mapFinishReason(choice.FinishReason)
		}
	}

	return out, nil
}

func firstNonEmptyReasoning(delta chunkDelta) (string, string) {
	switch {
	case delta.ReasoningContent != "":
		return delta.ReasoningContent, "reasoning_content"
	case delta.Reasoning != "":
		return delta.Reasoning, "reasoning"
	case delta.ReasoningText != "":
		return delta.ReasoningText, "reasoning_text"
	default:
		return "", ""
	}
}

func (d *decoder) appendText(delta string) []provider.AssistantMessageEvent {
	var out []provider.AssistantMessageEvent
	if d.current != blockText {
		out = append(out, d.closeCurrent()...)
		d.current = blockText
		d.currentIndex = len(d.msg.Blocks)
		d.textBuf.Reset()
		d.msg.Blocks = append(d.msg.Blocks, message.TextBlock{})
		out = append(out, provider.AssistantMessageEvent{Kind: provider.EventTextStart, ContentIndex: d.currentIndex, Partial: d.msg.Clone()})
	}
	d.textBuf.WriteString(delta)
	d.msg.Blocks[d.currentIndex] = message.TextBlock{Text: d.textBuf.String()}
	out = append(out, provider.AssistantMessageEvent{Kind: provider.EventTextDelta, ContentIndex: d.currentIndex, TextDelta: delta, Partial: d.msg.Clone()})
	return out
}

func (d *decoder) appendThinking(delta, field string) []provider.AssistantMessageEvent {
	var out []provider.AssistantMessageEvent
	if d.current != blockThinking {
		out = append(out, d.closeCurrent()...)
		d.current = blockThinking
		d.currentIndex = len(d.msg.Blocks)
		d.thinkBuf.Reset()
		d.thinkField = field
		d.msg.Blocks = append(d.msg.Blocks, message.ThinkingBlock{})
		out = append(out, provider.AssistantMessageEvent{Kind: provider.EventThinkingStart, ContentIndex: d.currentIndex, Partial: d.msg.Clone()})
	}
	d.thinkBuf.WriteString(delta)
	// The originating delta field name is round-tripped as the block's
	// signature so a later turn re-emits the same field (spec §4.6.6).
	d.msg.Blocks[d.currentIndex] = message.ThinkingBlock{Thinking: d.thinkBuf.String(), Signature: d.thinkField}
	out = append(out, provider.AssistantMessageEvent{Kind: provider.EventThinkingDelta, ContentIndex: d.currentIndex, ThinkingDelta: delta, Partial: d.msg.Clone()})
	return out
}

func (d *decoder) appendToolCallDelta(index int, id, name, args string) []provider.AssistantMessageEvent {
	var out []provider.AssistantMessageEvent
	acc, ok := d.toolByIndex[index]
	if !ok {
		out = append(out, d.closeCurrent()...)
		d.current = blockNone
		acc = &toolCallAccum{blockIdx: len(d.msg.Blocks)}
		d.toolByIndex[index] = acc
		d.toolOrder = append(d.toolOrder, index)
		d.msg.Blocks = append(d.msg.Blocks, message.ToolCallBlock{})
		out = append(out, provider.AssistantMessageEvent{Kind: provider.EventToolCallStart, ContentIndex: acc.blockIdx, Partial: d.msg.Clone()})
	}
	if id != "" {
		acc.id = d.normalizeID(id)
	}
	if name != "" {
		acc.name = name
	}
	acc.argsBuf.WriteString(args)
	d.msg.Blocks[acc.blockIdx] = message.ToolCallBlock{ID: acc.id, Name: acc.name, Arguments: partialArgs(acc.argsBuf.String())}
	out = append(out, provider.AssistantMessageEvent{Kind: provider.EventToolCallDelta, ContentIndex: acc.blockIdx, ToolCallDelta: args, Partial: d.msg.Clone()})
	return out
}

func partialArgs(text string) json.RawMessage {
	healed, err := streamjson.Parse(text)
	if err != nil || healed == nil {
		return nil
	}
	return json.RawMessage(healed)
}

func (d *decoder) attachEncryptedSignature(toolCallID, rawChunk string) {
	if toolCallID == "" {
		return
	}
	for _, idx := range d.toolOrder {
		acc := d.toolByIndex[idx]
		if acc.id != toolCallID {
			continue
		}
		if tc, ok := d.msg.Blocks[acc.blockIdx].(message.ToolCallBlock); ok {
			tc.ThoughtSignature = rawChunk
			d.msg.Blocks[acc.blockIdx] = tc
		}
	}
}

// closeCurrent emits the *End event for whatever text/thinking block is
// open, if any; tool-call blocks close individually in the final pass
// since they do not share the single current_block slot.
func (d *decoder) closeCurrent() []provider.AssistantMessageEvent {
	switch d.current {
	case blockText:
		block := d.msg.Blocks[d.currentIndex]
		d.current = blockNone
		return []provider.AssistantMessageEvent{{Kind: provider.EventTextEnd, ContentIndex: d.currentIndex, Block: block, Partial: d.msg.Clone()}}
	case blockThinking:
		block := d.msg.Blocks[d.currentIndex]
		d.current = blockNone
		return []provider.AssistantMessageEvent{{Kind: provider.EventThinkingEnd, ContentIndex: d.currentIndex, Block: block, Partial: d.msg.Clone()}}
	default:
		return nil
	}
}

// close finalizes the decoder at end-of-stream: closes any still-open
// text/thinking block, re-parses each tool call's accumulated argument
// text as the authoritative final value, and returns the closed message.
func (d *decoder) close() message.Message {
	for _, ev := range d.closeCurrent() {
		_ = ev // emitted end events are informational only at shutdown
	}
	for _, idx := range d.toolOrder {
		acc := d.toolByIndex[idx]
		tc, ok := d.msg.Blocks[acc.blockIdx].(message.ToolCallBlock)
		if !ok {
			continue
		}
		final, err := streamjson.Parse(acc.argsBuf.String())
		if err == nil && final != nil {
			tc.Arguments = final
		}
		d.msg.Blocks[acc.blockIdx] = tc
	}
	if len(d.msg.Blocks) > 0 && d.msg.StopReason == "" {
		d.msg.StopReason = message.StopReasonStop
	}
	return d.msg.Clone()
}

func mapFinishReason(s string) message.StopReason {
	switch s {
	case "stop":
		return message.StopReasonStop
	case "length":
		return message.StopReasonLength
	case "tool_calls":
		return message.StopReasonToolUse
	case "content_filter":
		return message.StopReasonError
	default:
		return message.StopReasonStop
	}
}

// requestBody mirrors the Chat Completions request shape this adapter
// constructs directly (no vendor SDK params type).
type requestBody struct {
	Model           string          `json:"model"`
	Messages        []wireMessage   `json:"messages"`
	Stream          bool            `json:"stream"`
	StreamOptions   *streamOptions  `json:"stream_options,omitempty"`
	Store           *bool           `json:"store,omitempty"`
	Tools           []wireTool      `json:"tools,omitempty"`
	MaxTokens       int             `json:"max_tokens,omitempty"`
	MaxCompletion   int             `json:"max_completion_tokens,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	Thinking        json.RawMessage `json:"thinking,omitempty"`
	EnableThinking  *bool           `json:"enable_thinking,omitempty"`
	Provider        *routingPayload `json:"provider,omitempty"`
	ProviderOptions json.RawMessage `json:"providerOptions,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type routingPayload struct {
	Only  []string `json:"only,omitempty"`
	Order []string `json:"order,omitempty"`
}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    any             `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	Signature  string          `json:"signature,omitempty"`
	Reasoning  json.RawMessage `json:"reasoning_details,omitempty"`
}

type wireTextPart struct {
	Type         string         `json:"type"`
	Text         string         `json:"text"`
	CacheControl map[string]any `json:"cache_control,omitempty"`
}

type wireImagePart struct {
	Type     string       `json:"type"`
	ImageURL wireImageURL `json:"image_url"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireToolCallFunc `json:"function"`
}

type wireToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

func buildRequestBody(model message.Model, ctxMsgs message.Context, opts provider.Options, compat provider.Compat) ([]byte, error) {
	req := requestBody{
		Model:  model.ID,
		Stream: true,
	}
	if compat.SupportsUsageInStreaming {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if compat.SupportsStore {
		f := false
		req.Store = &f
	}

	messages, err := encodeMessages(model, ctxMsgs, compat)
	if err != nil {
		return nil, err
	}
	req.Messages = messages

	maxTokens := model.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if compat.MaxTokensField == "max_tokens" {
		req.MaxTokens = maxTokens
	} else {
		req.MaxCompletion = maxTokens
	}

	forceEmptyTools := false
	if len(ctxMsgs.Tools) > 0 {
		req.Tools = encodeTools(ctxMsgs.Tools, compat)
	} else if hasHistoricalToolCall(ctxMsgs.Messages) {
		forceEmptyTools = true
	}

	applyThinking(&req, opts, compat)
	applyOpenRouterCache(&req, model)
	applyRouting(&req, compat)

	out, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if forceEmptyTools {
		// encoding/json's omitempty drops a zero-length slice regardless
		// of nilness, so the "required even when empty" tools array
		// (Anthropic-compatible proxies reject a missing key once the
		// conversation already contains a tool call) is injected after
		// the fact via sjson instead.
		out, err = sjson.SetRawBytes(out, "tools", []byte("[]"))
		if err != nil {
			return nil, fmt.Errorf("openai: forcing empty tools array: %w", err)
		}
	}
	return out, nil
}

func hasHistoricalToolCall(messages []message.Message) bool {
	for _, m := range messages {
		if m.Role == message.RoleAssistant && len(m.ToolCalls()) > 0 {
			return true
		}
	}
	return false
}

func applyThinking(req *requestBody, opts provider.Options, compat provider.Compat) {
	if opts.Thinking == nil || !opts.Thinking.Enable {
		return
	}
	switch compat.ThinkingFormat {
	case "zai":
		req.Thinking = json.RawMessage(`{"type":"enabled"}`)
	case "qwen":
		enable := true
		req.EnableThinking = &enable
	default:
		if compat.SupportsReasoningEffort {
			effort := opts.Thinking.Effort
			if effort == "" {
				effort = "medium"
			}
			req.ReasoningEffort = effort
		}
	}
}

// applyOpenRouterCache attaches an ephemeral cache_control to the last
// text part of the last user/assistant message for OpenRouter
// anthropic/* models, per spec §4.6.6.
func applyOpenRouterCache(req *requestBody, model message.Model) {
	if !strings.HasPrefix(model.ID, "anthropic/") {
		return
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := &req.Messages[i]
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		promoteCacheControl(m)
		return
	}
}

func promoteCacheControl(m *wireMessage) {
	ephemeral := map[string]any{"type": "ephemeral"}
	switch content := m.Content.(type) {
	case string:
		m.Content = []any{wireTextPart{Type: "text", Text: content, CacheControl: ephemeral}}
	case []any:
		for i := len(content) - 1; i >= 0; i-- {
			if part, ok := content[i].(wireTextPart); ok {
				part.CacheControl = ephemeral
				content[i] = part
				return
			}
		}
	}
}

func applyRouting(req *requestBody, compat provider.Compat) {
	if compat.OpenRouterRouting {
		req.Provider = &routingPayload{}
	}
	if compat.VercelGatewayRouting {
		req.ProviderOptions = json.RawMessage(`{"gateway":{}}`)
	}
}

func encodeTools(tools []message.Tool, compat provider.Compat) []wireTool {
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		wt := wireTool{Type: "function", Function: wireFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters}}
		if compat.SupportsStrictMode {
			f := false
			wt.Function.Strict = &f
		}
		out = append(out, wt)
	}
	return out
}

func encodeMessages(model message.Model, ctxMsgs message.Context, compat provider.Compat) ([]wireMessage, error) {
	var out []wireMessage

	if ctxMsgs.SystemPrompt != "" {
		role := "system"
		if model.Reasoning && compat.SupportsDeveloperRole {
			role = "developer"
		}
		out = append(out, wireMessage{Role: role, Content: ctxMsgs.SystemPrompt})
	}

	i := 0
	for i < len(ctxMsgs.Messages) {
		m := ctxMsgs.Messages[i]
		switch m.Role {
		case message.RoleUser:
			out = append(out, encodeUserMessage(m))
			i++
		case message.RoleAssistant:
			wm, err := encodeAssistantMessage(m, compat)
			if err != nil {
				return nil, err
			}
			out = append(out, wm)
			i++
		case message.RoleToolResult:
			group, next := takeToolResultGroup(ctxMsgs.Messages, i)
			wms := encodeToolResultGroup(group, compat)
			if compat.RequiresAssistantAfterToolResult && len(wms) > 1 {
				wms = append(wms, wireMessage{Role: "assistant", Content: "I have processed the tool results."})
			}
			out = append(out, wms...)
			i = next
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func takeToolResultGroup(messages []message.Message, start int) ([]message.Message, int) {
	end := start
	for end < len(messages) && messages[end].Role == message.RoleToolResult {
		end++
	}
	return messages[start:end], end
}

func encodeUserMessage(m message.Message) wireMessage {
	blocks := m.Content()
	if m.Blocks == nil {
		return wireMessage{Role: "user", Content: m.Text}
	}
	var parts []any
	for _, b := range blocks {
		switch v := b.(type) {
		case message.TextBlock:
			parts = append(parts, wireTextPart{Type: "text", Text: v.Text})
		case message.ImageBlock:
			parts = append(parts, wireImagePart{Type: "image_url", ImageURL: wireImageURL{URL: "data:" + v.MimeType + ";base64," + v.Data}})
		}
	}
	return wireMessage{Role: "user", Content: parts}
}

// encodeAssistantMessage flattens thinking blocks per compat.RequiresThinkingAsText,
// and serializes tool calls into tool_calls, per spec §4.6.6.
func encodeAssistantMessage(m message.Message, compat provider.Compat) (wireMessage, error) {
	var textParts []string
	var thinkingParts []string
	var hasSignature bool
	var reasoningDetails []json.RawMessage

	for _, b := range m.Blocks {
		switch v := b.(type) {
		case message.TextBlock:
			if v.Text != "" {
				textParts = append(textParts, v.Text)
			}
		case message.ThinkingBlock:
			if compat.RequiresThinkingAsText {
				thinkingParts = append(thinkingParts, v.Thinking)
				if len(thinkingParts) == 1 && v.Signature != "" {
					hasSignature = true
				}
			}
		}
	}

	wm := wireMessage{Role: "assistant"}
	thinkingText := strings.Join(thinkingParts, "")
	wm.Content = thinkingText + strings.Join(textParts, "")
	if hasSignature {
		wm.Signature = thinkingText
	}

	for _, tc := range m.ToolCalls() {
		args := "{}"
		if len(tc.Arguments) > 0 {
			args = string(tc.Arguments)
		}
		wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: wireToolCallFunc{
				Name:      tc.Name,
				Arguments: args,
			},
		})
		if tc.ThoughtSignature != "" {
			reasoningDetails = append(reasoningDetails, json.RawMessage(tc.ThoughtSignature))
		}
	}
	if len(reasoningDetails) > 0 {
		raw, err := json.Marshal(reasoningDetails)
		if err != nil {
			return wireMessage{}, fmt.Errorf("openai: marshaling reasoning details: %w", err)
		}
		wm.Reasoning = raw
	}
	return wm, nil
}

func encodeToolResultGroup(group []message.Message, compat provider.Compat) []wireMessage {
	out := make([]wireMessage, 0, len(group))
	var imageTurn []any
	for _, m := range group {
		var sb strings.Builder
		for _, b := range m.Blocks {
			switch v := b.(type) {
			case message.TextBlock:
				sb.WriteString(v.Text)
			case message.ImageBlock:
				imageTurn = append(imageTurn, wireImagePart{Type: "image_url", ImageURL: wireImageURL{URL: "data:" + v.MimeType + ";base64," + v.Data}})
			}
		}
		wm := wireMessage{Role: "tool", Content: sb.String(), ToolCallID: m.ToolCallID}
		if compat.RequiresToolResultName {
			wm.Name = m.ToolName
		}
		out = append(out, wm)
	}
	if len(imageTurn) > 0 {
		out = append(out, wireMessage{Role: "user", Content: imageTurn})
	}
	return out
}
