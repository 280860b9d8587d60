// Package googleshared holds the Gemini wire-format helpers shared by the
// googlegenai, googlecloudcode, and googlevertex adapters (spec §4.6.3-5):
// request/response shaping against the generateContent/streamGenerateContent
// JSON shape, thought-signature round-tripping, the Gemini-3
// rewrite-reasoning-as-text behavior, and synthetic tool-call id generation
// when the API omits one. No teacher file covers Google directly; grounded
// on the original_source's shared google_shared module (see DESIGN.md).
package googleshared

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"agentrt/message"
	"agentrt/provider"
)

// Request is the generateContent/streamGenerateContent request body shape
// common to all three Google surfaces (they differ only in URL/auth).
type Request struct {
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Contents          []Content         `json:"contents"`
	Tools             []Tool            `json:"tools,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text             string        `json:"text,omitempty"`
	Thought          bool          `json:"thought,omitempty"`
	ThoughtSignature string        `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResp `json:"functionResponse,omitempty"`
}

type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type FunctionResp struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type Tool struct {
	FunctionDeclarations []FunctionDecl `json:"functionDeclarations"`
}

type FunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type GenerationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

// Candidate is one streamGenerateContent response chunk's candidate.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type UsageMetadata struct {
	PromptTokenCount     uint64 `json:"promptTokenCount"`
	CandidatesTokenCount uint64 `json:"candidatesTokenCount"`
	TotalTokenCount      uint64 `json:"totalTokenCount"`
}

type StreamChunk struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// isGemini3 reports whether modelID names a Gemini 3 model, which rejects
// an unsigned historical function-call part resubmitted on the next turn.
func isGemini3(modelID string) bool {
	return strings.Contains(modelID, "gemini-3")
}

// BuildRequest translates the canonical Context into a Google request body.
// For Gemini 3 models, encodeBlocks enables the rewrite-reasoning-as-text
// behavior: Gemini 3 rejects a bare "thought" part on the next turn unless
// it is re-submitted as ordinary text carrying its thought signature, so a
// prior ThinkingBlock is flattened into a text part instead of a thought
// part, and an untrusted historical tool call is rewritten as plain text
// instead of being resubmitted as a FunctionCall.
func BuildRequest(ctxMsgs message.Context, tools []message.Tool, thinking *provider.ThinkingOptions, model message.Model) (*Request, error) {
	req := &Request{}
	if ctxMsgs.SystemPrompt != "" {
		req.SystemInstruction = &Content{Parts: []Part{{Text: ctxMsgs.SystemPrompt}}}
	}
	gemini3 := isGemini3(model.ID)
	for _, group := range provider.CoalesceToolResults(ctxMsgs.Messages) {
		var c *Content
		var err error
		if group[0].Role == message.RoleToolResult {
			c = encodeToolResultGroup(group)
		} else {
			c, err = encodeMessage(model, group[0], gemini3)
		}
		if err != nil {
			return nil, err
		}
		if c != nil {
			req.Contents = append(req.Contents, *c)
		}
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, Tool{FunctionDeclarations: []FunctionDecl{{Name: t.Name, Description: t.Description, Parameters: t.Parameters}}})
	}
	if thinking != nil && thinking.Enable {
		req.GenerationConfig = &GenerationConfig{ThinkingConfig: &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: thinking.BudgetTokens}}
	}
	return req, nil
}

func encodeMessage(model message.Model, m message.Message, gemini3 bool) (*Content, error) {
	switch m.Role {
	case message.RoleUser:
		return &Content{Role: "user", Parts: encodeBlocks(model, m, m.Content(), gemini3)}, nil
	case message.RoleAssistant:
		parts := encodeBlocks(model, m, m.Blocks, gemini3)
		if len(parts) == 0 {
			return nil, nil
		}
		return &Content{Role: "model", Parts: parts}, nil
	default:
		return nil, fmt.Errorf("googleshared: unsupported message role %q", m.Role)
	}
}

// encodeToolResultGroup folds consecutive ToolResult messages into a
// single "user" Content (spec §4.6 "Tool-result coalescing"), matching how
// Gemini expects a single turn to carry every FunctionResponse produced by
// a prior multi-tool-call turn.
func encodeToolResultGroup(group []message.Message) *Content {
	parts := make([]Part, 0, len(group))
	for _, m := range group {
		var response json.RawMessage
		for _, b := range m.Blocks {
			if tb, ok := b.(message.TextBlock); ok {
				response = json.RawMessage(fmt.Sprintf(`{"result":%q}`, tb.Text))
			}
		}
		if response == nil {
			response = json.RawMessage(`{}`)
		}
		parts = append(parts, Part{FunctionResponse: &FunctionResp{ID: m.ToolCallID, Name: m.ToolName, Response: response}})
	}
	return &Content{Role: "user", Parts: parts}
}

// base64SigRe matches the character set a thought signature must be
// composed of; combined with a length-divisible-by-4 check it is the
// spec-required validation for trusting a round-tripped signature.
var base64SigRe = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// signatureTrusted reports whether sig was produced by this exact
// {provider, model} pair and is syntactically a plausible base64 payload.
// A signature from a different provider/model or a malformed one is
// dropped rather than round-tripped, since Google rejects signatures it
// cannot itself verify.
func signatureTrusted(model message.Model, m message.Message, sig string) bool {
	if sig == "" {
		return false
	}
	if m.Provider != model.Provider || m.Model != model.ID {
		return false
	}
	return len(sig)%4 == 0 && base64SigRe.MatchString(sig)
}

func encodeBlocks(model message.Model, m message.Message, blocks message.ContentBlocks, gemini3 bool) []Part {
	blocks, dropped := provider.FilterImages(model, blocks)
	out := make([]Part, 0, len(blocks))
	for _, b := range blocks {
		switch v := b.(type) {
		case message.TextBlock:
			if v.Text == "" {
				continue
			}
			out = append(out, Part{Text: v.Text})
		case message.ThinkingBlock:
			sig := v.Signature
			if !signatureTrusted(model, m, sig) {
				sig = ""
			}
			if gemini3 {
				out = append(out, Part{Text: v.Thinking, ThoughtSignature: sig})
				continue
			}
			out = append(out, Part{Text: v.Thinking, Thought: true, ThoughtSignature: sig})
		case message.ToolCallBlock:
			trusted := signatureTrusted(model, m, v.ThoughtSignature)
			if gemini3 && !trusted {
				out = append(out, Part{Text: fmt.Sprintf("Called tool %s.", v.Name)})
				continue
			}
			sig := v.ThoughtSignature
			if !trusted {
				sig = ""
			}
			out = append(out, Part{FunctionCall: &FunctionCall{ID: v.ID, Name: v.Name, Args: v.Arguments}, ThoughtSignature: sig})
		}
	}
	if dropped {
		out = append(out, Part{Text: provider.ImagePlaceholderText})
	}
	return out
}

// DecodeChunk maps one streamGenerateContent chunk onto the running msg,
// returning the chunk's response parts for the caller to turn into
// blocks and events (nil when the chunk has no candidate). Tool-call id synthesis for an
// omitted FunctionCall.ID happens downstream in PartToBlock.
func DecodeChunk(msg *message.Message, chunk StreamChunk) []Part {
	if len(chunk.Candidates) == 0 {
		return nil
	}
	cand := chunk.Candidates[0]
	if chunk.UsageMetadata != nil {
		msg.Usage.Input = chunk.UsageMetadata.PromptTokenCount
		msg.Usage.Output = chunk.UsageMetadata.CandidatesTokenCount
		msg.Usage.TotalTokens = chunk.UsageMetadata.TotalTokenCount
	}
	if cand.FinishReason != "" {
		msg.StopReason = mapFinishReason(cand.FinishReason)
	}
	return cand.Content.Parts
}

func mapFinishReason(r string) message.StopReason {
	switch strings.ToUpper(r) {
	case "STOP":
		return message.StopReasonStop
	case "MAX_TOKENS":
		return message.StopReasonLength
	case "SAFETY", "RECITATION", "MALFORMED_FUNCTION_CALL", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return message.StopReasonError
	default:
		return message.StopReasonStop
	}
}

// toolCallSeq is a monotonic tiebreaker for NewToolCallID so two ids
// generated within the same millisecond never collide.
var toolCallSeq atomic.Int64

// NewToolCallID generates a fallback id, in the form
// "{name}_{unix-millis}_{seq}", when the API response omits one or an id
// collides with one already seen.
func NewToolCallID(name string) string {
	return fmt.Sprintf("%s_%d_%d", name, time.Now().UnixMilli(), toolCallSeq.Add(1))
}

// PartToBlock converts one response Part into a ContentBlock, synthesizing
// a tool-call id via NewToolCallID when FunctionCall.ID is empty.
func PartToBlock(p Part) message.ContentBlock {
	switch {
	case p.FunctionCall != nil:
		id := p.FunctionCall.ID
		if id == "" {
			id = NewToolCallID(p.FunctionCall.Name)
		}
		args := p.FunctionCall.Args
		if args == nil {
			args = json.RawMessage(`{}`)
		}
		return message.ToolCallBlock{ID: id, Name: p.FunctionCall.Name, Arguments: args}
	case p.Thought:
		return message.ThinkingBlock{Thinking: p.Text, Signature: p.ThoughtSignature}
	default:
		return message.TextBlock{Text: p.Text, Signature: p.ThoughtSignature}
	}
}
