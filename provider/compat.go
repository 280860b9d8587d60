package provider

import (
	"strings"

	json "github.com/goccy/go-json"
)

// Compat is the OpenAI-adapter compat table (spec §4.6.6): a value struct
// produced by a pure Detect(provider, baseURL) and then shallow-merged
// with a model's compat JSON override, per the Design Notes.
type Compat struct {
	SupportsStore                     bool   `json:"supports_store"`
	SupportsDeveloperRole              bool   `json:"supports_developer_role"`
	SupportsReasoningEffort            bool   `json:"supports_reasoning_effort"`
	SupportsUsageInStreaming           bool   `json:"supports_usage_in_streaming"`
	MaxTokensField                     string `json:"max_tokens_field"`
	RequiresToolResultName             bool   `json:"requires_tool_result_name"`
	RequiresAssistantAfterToolResult   bool   `json:"requires_assistant_after_tool_result"`
	RequiresThinkingAsText             bool   `json:"requires_thinking_as_text"`
	RequiresMistralToolIDs             bool   `json:"requires_mistral_tool_ids"`
	ThinkingFormat                     string `json:"thinking_format"`
	SupportsStrictMode                 bool   `json:"supports_strict_mode"`
	OpenRouterRouting                  bool   `json:"open_router_routing"`
	VercelGatewayRouting               bool   `json:"vercel_gateway_routing"`
}

// DefaultCompat is the table's default row.
func DefaultCompat() Compat {
	return Compat{
		SupportsStore:            true,
		SupportsDeveloperRole:    true,
		SupportsReasoningEffort:  true,
		SupportsUsageInStreaming: true,
		MaxTokensField:           "max_completion_tokens",
		ThinkingFormat:           "openai",
		SupportsStrictMode:       true,
	}
}

// noStoreProviders lack supports_store and supports_developer_role.
var noStoreProviders = map[string]bool{
	"cerebras": true, "xai": true, "mistral": true, "chutes": true,
	"deepseek": true, "zai": true, "opencode": true,
}

var noReasoningEffortProviders = map[string]bool{"xai": true, "zai": true}
var maxTokensProviders = map[string]bool{"mistral": true, "chutes": true}

// Detect returns the compat row for a given provider name and base URL,
// before any model-level compat override is merged in.
func Detect(providerName, baseURL string) Compat {
	c := DefaultCompat()
	p := strings.ToLower(providerName)

	if noStoreProviders[p] {
		c.SupportsStore = false
		c.SupportsDeveloperRole = false
	}
	if noReasoningEffortProviders[p] {
		c.SupportsReasoningEffort = false
	}
	if maxTokensProviders[p] {
		c.MaxTokensField = "max_tokens"
	}
	if p == "mistral" {
		c.RequiresToolResultName = true
		c.RequiresThinkingAsText = true
		c.RequiresMistralToolIDs = true
	}
	if p == "mistral-devstral" {
		c.RequiresAssistantAfterToolResult = true
	}
	if p == "zai" {
		c.ThinkingFormat = "zai"
	}
	if p == "qwen" {
		c.ThinkingFormat = "qwen"
	}

	base := strings.ToLower(baseURL)
	if strings.Contains(base, "openrouter.ai") {
		c.OpenRouterRouting = true
	}
	if strings.Contains(base, "vercel") || strings.Contains(base, "ai-gateway") {
		c.VercelGatewayRouting = true
	}
	return c
}

// MergeModelCompat shallow-merges a model's compat JSON override on top of
// base, returning the merged row. Unknown/absent fields in override leave
// base's value untouched.
func MergeModelCompat(base Compat, override json.RawMessage) (Compat, error) {
	if len(override) == 0 {
		return base, nil
	}
	merged := base
	if err := json.Unmarshal(override, &merged); err != nil {
		return base, err
	}
	return merged, nil
}
