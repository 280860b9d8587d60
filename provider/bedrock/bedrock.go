// Package bedrock implements the AWS Bedrock Converse-Stream provider
// adapter (spec §4.6.2): request shaping against the Converse API shape,
// SigV4-signed HTTP, and AWS binary event-stream decode into
// provider.AssistantMessageEvent.
package bedrock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
	json "github.com/goccy/go-json"

	"agentrt/awsevent"
	"agentrt/eventstream"
	"agentrt/internal/logging"
	"agentrt/message"
	"agentrt/provider"
)

// HTTPDoer is the transport seam (see provider/anthropic.HTTPDoer).
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements provider.Adapter against Bedrock's Converse-Stream API.
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

// StreamSimple resolves region from the environment (AWS_REGION then
// AWS_DEFAULT_REGION, spec §2 AMBIENT STACK env precedence) and a coarse
// reasoning level into a thinking budget.
func (c *Client) StreamSimple(ctx context.Context, model message.Model, ctxMsgs message.Context, opts provider.SimpleOptions) (provider.Stream, error) {
	full := provider.Options{
		BearerToken:    opts.BearerToken,
		BaseURL:        opts.BaseURL,
		CacheRetention: opts.CacheRetention,
		Headers:        opts.Headers,
		Region:         resolveRegion(""),
	}
	if opts.Reasoning != "" && opts.Reasoning != provider.ReasoningMinimal {
		full.Thinking = &provider.ThinkingOptions{Enable: true, BudgetTokens: reasoningBudget(opts.Reasoning)}
	}
	return c.Stream(ctx, model, ctxMsgs, full)
}

func resolveRegion(requested string) string {
	if requested != "" {
		return requested
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		return v
	}
	if v := os.Getenv("AWS_DEFAULT_REGION"); v != "" {
		return v
	}
	return "us-east-1"
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

// Stream signs and issues a Converse-Stream request and decodes the AWS
// binary event-stream response into the common event schedule.
func (c *Client) Stream(ctx context.Context, model message.Model, ctxMsgs message.Context, opts provider.Options) (provider.Stream, error) {
	// spec S2: Bedrock rejects a conversation whose first message is not
	// user-role — Converse requires the turn sequence to start with user.
	if len(ctxMsgs.Messages) == 0 || ctxMsgs.Messages[0].Role != message.RoleUser {
		return nil, errors.New("bedrock: conversation must start with a user message")
	}

	region := resolveRegion(opts.Region)
	creds, err := resolveCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("bedrock: resolving AWS credentials: %w", err)
	}

	body, err := buildConverseBody(model, ctxMsgs, opts)
	if err != nil {
		return nil, err
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	}
	url := fmt.Sprintf("%s/model/%s/converse-stream", strings.TrimRight(baseURL, "/"), model.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bedrock: building request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "application/vnd.amazon.eventstream")
	host := req.URL.Host
	req.Host = host

	if err := signRequest(req, body, region, creds, time.Now()); err != nil {
		return nil, fmt.Errorf("bedrock: signing request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: request failed: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, message.ErrRateLimited
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("bedrock: status %d: %s", resp.StatusCode, string(data))
	}

	stream := eventstream.New[provider.AssistantMessageEvent, message.Message](64, provider.IsTerminalEvent, provider.Aggregate)
	go c.pump(ctx, resp.Body, stream)
	return stream, nil
}

func resolveCredentials(ctx context.Context) (credentials, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return credentials{}, err
	}
	v, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return credentials{}, err
	}
	return credentials{AccessKeyID: v.AccessKeyID, SecretAccessKey: v.SecretAccessKey, SessionToken: v.SessionToken}, nil
}

func (c *Client) pump(ctx context.Context, body io.ReadCloser, stream *eventstream.Stream[provider.AssistantMessageEvent, message.Message]) {
	defer body.Close()
	logger := logging.From(ctx)

	dec := awsevent.New()
	cdec := newConverseDecoder()
	buf := make([]byte, 4096)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			frames, ferr := dec.Decode(buf[:n])
			if ferr != nil {
				logger.Warn().Err(ferr).Msg("bedrock: event-stream decode error, aborting")
				errEvent := provider.AssistantMessageEvent{Kind: provider.EventError, ErrorReason: provider.ErrorReasonError, ErrorMessage: ferr.Error(), Message: cdec.final()}
				stream.Push(errEvent)
				return
			}
			for _, f := range frames {
				out, done, derr := cdec.handle(f)
				if derr != nil {
					logger.Warn().Err(derr).Msg("bedrock: frame decode error, skipping")
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
				final := cdec.final()
				stream.Push(provider.AssistantMessageEvent{Kind: provider.EventDone, Message: final, StopReason: final.StopReason})
				return
			}
			errEvent := provider.AssistantMessageEvent{Kind: provider.EventError, ErrorReason: provider.ErrorReasonError, ErrorMessage: readErr.Error(), Message: cdec.final()}
			stream.Push(errEvent)
			return
		}
	}
}

// converseDecoder accumulates Converse-Stream's contentBlockStart/Delta/Stop
// frames into a running message.Message.
type converseDecoder struct {
	msg          message.Message
	blockText    map[int]*strings.Builder
	blockThink   map[int]*strings.Builder
	blockToolArg map[int]*strings.Builder
}

func newConverseDecoder() *converseDecoder {
	return &converseDecoder{
		msg:          message.Message{Role: message.RoleAssistant},
		blockText:    map[int]*strings.Builder{},
		blockThink:   map[int]*strings.Builder{},
		blockToolArg: map[int]*strings.Builder{},
	}
}

func (d *converseDecoder) final() message.Message { return d.msg }

type contentBlockStartPayload struct {
	ContentBlockIndex int `json:"contentBlockIndex"`
	Start             struct {
		ToolUse *struct {
			ToolUseID string `json:"toolUseId"`
			Name      string `json:"name"`
		} `json:"toolUse"`
	} `json:"start"`
}

type contentBlockDeltaPayload struct {
	ContentBlockIndex int `json:"contentBlockIndex"`
	Delta             struct {
		Text         string `json:"text"`
		ToolUse      *struct {
			Input string `json:"input"`
		} `json:"toolUse"`
		ReasoningContent *struct {
			Text      string `json:"text"`
			Signature string `json:"signature"`
		} `json:"reasoningContent"`
	} `json:"delta"`
}

type contentBlockStopPayload struct {
	ContentBlockIndex int `json:"contentBlockIndex"`
}

type messageStopPayload struct {
	StopReason string `json:"stopReason"`
}

type metadataPayload struct {
	Usage struct {
		InputTokens  uint64 `json:"inputTokens"`
		OutputTokens uint64 `json:"outputTokens"`
		TotalTokens  uint64 `json:"totalTokens"`
	} `json:"usage"`
}

func (d *converseDecoder) handle(f awsevent.Message) (*provider.AssistantMessageEvent, bool, error) {
	if f.MessageType() == "exception" {
		final := d.msg.Clone()
		final.StopReason = message.StopReasonError
		final.ErrorMessage = f.ExceptionType()
		out := provider.AssistantMessageEvent{Kind: provider.EventError, ErrorReason: provider.ErrorReasonError, ErrorMessage: final.ErrorMessage, Message: final}
		return &out, true, nil
	}

	switch f.EventType() {
	case "messageStart":
		out := provider.AssistantMessageEvent{Kind: provider.EventStart, Partial: d.msg.Clone()}
		return &out, false, nil

	case "contentBlockStart":
		var p contentBlockStartPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, false, err
		}
		idx := p.ContentBlockIndex
		if p.Start.ToolUse != nil {
			d.blockToolArg[idx] = &strings.Builder{}
			d.appendBlock(idx, message.ToolCallBlock{ID: p.Start.ToolUse.ToolUseID, Name: p.Start.ToolUse.Name})
			out := provider.AssistantMessageEvent{Kind: provider.EventToolCallStart, ContentIndex: idx, Partial: d.msg.Clone()}
			return &out, false, nil
		}
		d.blockText[idx] = &strings.Builder{}
		d.appendBlock(idx, message.TextBlock{})
		out := provider.AssistantMessageEvent{Kind: provider.EventTextStart, ContentIndex: idx, Partial: d.msg.Clone()}
		return &out, false, nil

	case "contentBlockDelta":
		var p contentBlockDeltaPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, false, err
		}
		idx := p.ContentBlockIndex
		switch {
		case p.Delta.ReasoningContent != nil:
			b, ok := d.blockThink[idx]
			if !ok {
				b = &strings.Builder{}
				d.blockThink[idx] = b
				d.appendBlock(idx, message.ThinkingBlock{})
			}
			b.WriteString(p.Delta.ReasoningContent.Text)
			tb := message.ThinkingBlock{Thinking: b.String(), Signature: p.Delta.ReasoningContent.Signature}
			d.setBlock(idx, tb)
			out := provider.AssistantMessageEvent{Kind: provider.EventThinkingDelta, ContentIndex: idx, ThinkingDelta: p.Delta.ReasoningContent.Text, Partial: d.msg.Clone()}
			return &out, false, nil
		case p.Delta.ToolUse != nil:
			if b, ok := d.blockToolArg[idx]; ok {
				b.WriteString(p.Delta.ToolUse.Input)
			}
			out := provider.AssistantMessageEvent{Kind: provider.EventToolCallDelta, ContentIndex: idx, ToolCallDelta: p.Delta.ToolUse.Input, Partial: d.msg.Clone()}
			return &out, false, nil
		default:
			if b, ok := d.blockText[idx]; ok {
				b.WriteString(p.Delta.Text)
				d.setBlock(idx, message.TextBlock{Text: b.String()})
			}
			out := provider.AssistantMessageEvent{Kind: provider.EventTextDelta, ContentIndex: idx, TextDelta: p.Delta.Text, Partial: d.msg.Clone()}
			return &out, false, nil
		}

	case "contentBlockStop":
		var p contentBlockStopPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, false, err
		}
		idx := p.ContentBlockIndex
		if tc, ok := d.blockAt(idx).(message.ToolCallBlock); ok {
			if b, ok := d.blockToolArg[idx]; ok {
				tc.Arguments = json.RawMessage(b.String())
				d.setBlock(idx, tc)
			}
		}
		out := provider.AssistantMessageEvent{Kind: eventEndKindFor(d.blockAt(idx)), ContentIndex: idx, Block: d.blockAt(idx), Partial: d.msg.Clone()}
		return &out, false, nil

	case "messageStop":
		var p messageStopPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, false, err
		}
		d.msg.StopReason = mapStopReason(p.StopReason)
		return nil, false, nil

	case "metadata":
		var p metadataPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, false, err
		}
		d.msg.Usage.Input = p.Usage.InputTokens
		d.msg.Usage.Output = p.Usage.OutputTokens
		d.msg.Usage.TotalTokens = p.Usage.TotalTokens
		final := d.msg.Clone()
		out := provider.AssistantMessageEvent{Kind: provider.EventDone, Message: final, StopReason: final.StopReason}
		return &out, true, nil
	}
	return nil, false, nil
}

func eventEndKindFor(b message.ContentBlock) provider.EventKind {
	switch b.(type) {
	case message.ThinkingBlock:
		return provider.EventThinkingEnd
	case message.ToolCallBlock:
		return provider.EventToolCallEnd
	default:
		return provider.EventTextEnd
	}
}

func (d *converseDecoder) appendBlock(index int, b message.ContentBlock) {
	for len(d.msg.Blocks) <= index {
		d.msg.Blocks = append(d.msg.Blocks, nil)
	}
	d.msg.Blocks[index] = b
}

func (d *converseDecoder) setBlock(index int, b message.ContentBlock) {
	if index < len(d.msg.Blocks) {
		d.msg.Blocks[index] = b
	}
}

func (d *converseDecoder) blockAt(index int) message.ContentBlock {
	if index < len(d.msg.Blocks) {
		return d.msg.Blocks[index]
	}
	return nil
}

func mapStopReason(s string) message.StopReason {
	switch s {
	case "end_turn", "stop_sequence", "complete":
		return message.StopReasonStop
	case "max_tokens", "model_context_window_exceeded":
		return message.StopReasonLength
	case "tool_use":
		return message.StopReasonToolUse
	default:
		logging.Default.Warn().Str("stop_reason", s).Msg("bedrock: unrecognized stop reason, mapping to error")
		return message.StopReasonError
	}
}

type converseBody struct {
	System          []converseText `json:"system,omitempty"`
	Messages        []converseMsg  `json:"messages"`
	ToolConfig      *converseTools `json:"toolConfig,omitempty"`
	InferenceConfig *inferenceCfg  `json:"inferenceConfig,omitempty"`
}

type converseText struct {
	Text string `json:"text"`
}

type converseMsg struct {
	Role    string          `json:"role"`
	Content []converseBlock `json:"content"`
}

type converseBlock struct {
	Text       string              `json:"text,omitempty"`
	ToolUse    *converseToolUse    `json:"toolUse,omitempty"`
	ToolResult *converseToolResult `json:"toolResult,omitempty"`
}

type converseToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type converseToolResult struct {
	ToolUseID string               `json:"toolUseId"`
	Content   []converseResultItem `json:"content"`
	Status    string               `json:"status,omitempty"`
}

type converseResultItem struct {
	Text string `json:"text"`
}

type converseTools struct {
	Tools []converseToolSpec `json:"tools"`
}

type converseToolSpec struct {
	ToolSpec struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		InputSchema struct {
			JSON json.RawMessage `json:"json"`
		} `json:"inputSchema"`
	} `json:"toolSpec"`
}

type inferenceCfg struct {
	MaxTokens int `json:"maxTokens,omitempty"`
}

func buildConverseBody(model message.Model, ctxMsgs message.Context, opts provider.Options) ([]byte, error) {
	body := converseBody{}
	if ctxMsgs.SystemPrompt != "" {
		body.System = []converseText{{Text: ctxMsgs.SystemPrompt}}
	}
	for _, group := range provider.CoalesceToolResults(ctxMsgs.Messages) {
		var cm *converseMsg
		var err error
		if group[0].Role == message.RoleToolResult {
			cm = encodeConverseToolResultGroup(group)
		} else {
			cm, err = encodeConverseMessage(model, group[0])
		}
		if err != nil {
			return nil, err
		}
		if cm != nil {
			body.Messages = append(body.Messages, *cm)
		}
	}
	if len(ctxMsgs.Tools) > 0 {
		tc := &converseTools{}
		for _, t := range ctxMsgs.Tools {
			spec := converseToolSpec{}
			spec.ToolSpec.Name = t.Name
			spec.ToolSpec.Description = t.Description
			spec.ToolSpec.InputSchema.JSON = t.Parameters
			tc.Tools = append(tc.Tools, spec)
		}
		body.ToolConfig = tc
	}
	if model.MaxTokens > 0 {
		body.InferenceConfig = &inferenceCfg{MaxTokens: model.MaxTokens}
	}
	return json.Marshal(body)
}

func encodeConverseMessage(model message.Model, m message.Message) (*converseMsg, error) {
	switch m.Role {
	case message.RoleUser:
		blocks := encodeConverseBlocks(model, m.Content())
		return &converseMsg{Role: "user", Content: blocks}, nil
	case message.RoleAssistant:
		blocks := encodeConverseBlocks(model, m.Blocks)
		if len(blocks) == 0 {
			return nil, nil
		}
		return &converseMsg{Role: "assistant", Content: blocks}, nil
	default:
		return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
	}
}

// encodeConverseToolResultGroup folds consecutive ToolResult messages into
// a single user turn (spec §4.6 "Tool-result coalescing"); Bedrock's
// Converse API requires strict user/assistant alternation, so one turn per
// result would break any request with more than one tool call.
func encodeConverseToolResultGroup(group []message.Message) *converseMsg {
	content := make([]converseBlock, 0, len(group))
	for _, m := range group {
		status := "success"
		if m.IsError {
			status = "error"
		}
		var items []converseResultItem
		for _, b := range m.Blocks {
			if tb, ok := b.(message.TextBlock); ok {
				items = append(items, converseResultItem{Text: tb.Text})
			}
		}
		content = append(content, converseBlock{ToolResult: &converseToolResult{ToolUseID: m.ToolCallID, Content: items, Status: status}})
	}
	return &converseMsg{Role: "user", Content: content}
}

func encodeConverseBlocks(model message.Model, blocks message.ContentBlocks) []converseBlock {
	blocks, dropped := provider.FilterImages(model, blocks)
	out := make([]converseBlock, 0, len(blocks))
	for _, b := range blocks {
		switch v := b.(type) {
		case message.TextBlock:
			if v.Text == "" {
				continue
			}
			out = append(out, converseBlock{Text: v.Text})
		case message.ToolCallBlock:
			out = append(out, converseBlock{ToolUse: &converseToolUse{ToolUseID: v.ID, Name: v.Name, Input: v.Arguments}})
		case message.ThinkingBlock:
			continue
		}
	}
	if dropped {
		out = append(out, converseBlock{Text: provider.ImagePlaceholderText})
	}
	return out
}
