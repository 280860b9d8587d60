package toolkit_test

import (
	"context"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"agentrt/message"
	"agentrt/toolkit"
)

type calcTool struct{}

func (calcTool) Name() string  { return "calc" }
func (calcTool) Label() string { return "Calculator" }
func (calcTool) Definition() message.Tool {
	return message.Tool{
		Name:        "calc",
		Description: "adds two numbers",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"a": {"type": "number"}, "b": {"type": "number"}},
			"required": ["a", "b"]
		}`),
	}
}
func (calcTool) Execute(ctx context.Context, id string, args json.RawMessage, onPartial toolkit.OnPartialResult) (toolkit.Result, error) {
	return toolkit.Result{Content: message.ContentBlocks{message.TextBlock{Text: "4"}}}, nil
}

func TestRegistryValidatesArguments(t *testing.T) {
	reg, err := toolkit.NewRegistry(calcTool{})
	require.NoError(t, err)

	require.NoError(t, reg.Validate("calc", json.RawMessage(`{"a":2,"b":2}`)))
	require.Error(t, reg.Validate("calc", json.RawMessage(`{"a":2}`)))
	require.Error(t, reg.Validate("missing-tool", json.RawMessage(`{}`)))
}

func TestRegistryExecute(t *testing.T) {
	reg, err := toolkit.NewRegistry(calcTool{})
	require.NoError(t, err)

	tool, ok := reg.Lookup("calc")
	require.True(t, ok)
	result, err := tool.Execute(context.Background(), "t1", json.RawMessage(`{"a":2,"b":2}`), nil)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
}

func TestDefinitionsListsAllTools(t *testing.T) {
	reg, err := toolkit.NewRegistry(calcTool{})
	require.NoError(t, err)
	defs := reg.Definitions()
	require.Len(t, defs, 1)
	require.Equal(t, "calc", defs[0].Name)
}
