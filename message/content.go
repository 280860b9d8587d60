// Package message defines the provider-agnostic conversation data model:
// content blocks, messages, usage accounting, stop reasons, and model
// metadata. These are value objects; once an adapter or the agent loop
// hands one to a consumer it is never mutated in place again.
package message

import (
	json "github.com/goccy/go-json"
)

// ContentBlock is a tagged variant over the four block kinds a message can
// carry. Implementations are unexported-method-gated so the set is closed.
type ContentBlock interface {
	isContentBlock()
}

// TextBlock carries plain assistant or user text.
type TextBlock struct {
	Text string `json:"text"`
	// Signature is an opaque provider-attested string some adapters must
	// echo back verbatim on subsequent turns (e.g. OpenRouter encrypted
	// reasoning riding along with a text block). Empty when unused.
	Signature string `json:"signature,omitempty"`
}

func (TextBlock) isContentBlock() {}

// ThinkingBlock carries a provider's chain-of-thought text.
type ThinkingBlock struct {
	Thinking string `json:"thinking"`
	// Signature is the opaque provider-attested string (Anthropic
	// thinking signature, Google thought signature) that must be
	// replayed on later turns for the provider to trust the prior
	// reasoning. Empty when the provider did not issue one.
	Signature string `json:"signature,omitempty"`
}

func (ThinkingBlock) isContentBlock() {}

// ImageBlock carries inline image bytes.
type ImageBlock struct {
	// Data is base64-encoded image payload.
	Data string `json:"data"`
	// MimeType is e.g. "image/png".
	MimeType string `json:"mime_type"`
}

func (ImageBlock) isContentBlock() {}

// ToolCallBlock is an assistant-emitted invocation request.
type ToolCallBlock struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Arguments is the call's JSON argument value, fully parsed once the
	// call has closed (see streamjson for the in-flight partial form).
	Arguments json.RawMessage `json:"arguments"`
	// ThoughtSignature is an opaque provider-attested string some
	// providers (Google) attach to function-call parts; empty otherwise.
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

func (ToolCallBlock) isContentBlock() {}

// blockEnvelope is the wire shape used to discriminate ContentBlock
// implementations during JSON decode.
type blockEnvelope struct {
	Type             string          `json:"type"`
	Text             string          `json:"text,omitempty"`
	Signature        string          `json:"signature,omitempty"`
	Thinking         string          `json:"thinking,omitempty"`
	Data             string          `json:"data,omitempty"`
	MimeType         string          `json:"mime_type,omitempty"`
	ID               string          `json:"id,omitempty"`
	Name             string          `json:"name,omitempty"`
	Arguments        json.RawMessage `json:"arguments,omitempty"`
	ThoughtSignature string          `json:"thought_signature,omitempty"`
}

// MarshalContentBlock encodes a ContentBlock with its discriminator.
func MarshalContentBlock(b ContentBlock) ([]byte, error) {
	switch v := b.(type) {
	case TextBlock:
		return json.Marshal(blockEnvelope{Type: "text", Text: v.Text, Signature: v.Signature})
	case ThinkingBlock:
		return json.Marshal(blockEnvelope{Type: "thinking", Thinking: v.Thinking, Signature: v.Signature})
	case ImageBlock:
		return json.Marshal(blockEnvelope{Type: "image", Data: v.Data, MimeType: v.MimeType})
	case ToolCallBlock:
		return json.Marshal(blockEnvelope{Type: "tool_call", ID: v.ID, Name: v.Name, Arguments: v.Arguments, ThoughtSignature: v.ThoughtSignature})
	default:
		return nil, errUnknownBlockType
	}
}

// UnmarshalContentBlock decodes a ContentBlock from its discriminated form.
func UnmarshalContentBlock(data []byte) (ContentBlock, error) {
	var env blockEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case "text":
		return TextBlock{Text: env.Text, Signature: env.Signature}, nil
	case "thinking":
		return ThinkingBlock{Thinking: env.Thinking, Signature: env.Signature}, nil
	case "image":
		return ImageBlock{Data: env.Data, MimeType: env.MimeType}, nil
	case "tool_call":
		return ToolCallBlock{ID: env.ID, Name: env.Name, Arguments: env.Arguments, ThoughtSignature: env.ThoughtSignature}, nil
	default:
		return nil, errUnknownBlockType
	}
}

// ContentBlocks is a slice of ContentBlock with custom JSON codec support
// so Message can round-trip through encoding/json-compatible libraries.
type ContentBlocks []ContentBlock

func (b ContentBlocks) MarshalJSON() ([]byte, error) {
	raws := make([]json.RawMessage, len(b))
	for i, blk := range b {
		enc, err := MarshalContentBlock(blk)
		if err != nil {
			return nil, err
		}
		raws[i] = enc
	}
	return json.Marshal(raws)
}

func (b *ContentBlocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(ContentBlocks, len(raws))
	for i, raw := range raws {
		blk, err := UnmarshalContentBlock(raw)
		if err != nil {
			return err
		}
		out[i] = blk
	}
	*b = out
	return nil
}
