// Package toolkit implements the Tool Interface (spec §4.7): an abstract
// capability set with cooperative cancellation, partial-result callbacks,
// and JSON-schema argument validation ahead of execution.
package toolkit

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"agentrt/message"
)

// Result is what execute returns: a content-block sequence plus optional
// structured details.
type Result struct {
	Content message.ContentBlocks
	Details json.RawMessage
}

// OnPartialResult is invoked zero or more times during a long-running
// execute call to report incremental progress.
type OnPartialResult func(partial Result)

// Tool is a stable capability registered with the agent loop.
type Tool interface {
	// Name is the stable tool identifier referenced by ToolCallBlock.Name.
	Name() string
	// Label is a human-readable display name.
	Label() string
	// Definition returns {name, description, parameters} for the
	// provider's tool-list payload.
	Definition() message.Tool
	// Execute runs the tool. Implementations MUST honor ctx cancellation
	// at progress points and SHOULD call onPartial during long
	// operations when onPartial is non-nil.
	Execute(ctx context.Context, toolCallID string, args json.RawMessage, onPartial OnPartialResult) (Result, error)
}

// Registry is a read-mostly set of Tools keyed by name, bound to the
// orchestrator/agent loop for one conversation.
type Registry struct {
	tools map[string]registeredTool
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// NewRegistry compiles each tool's declared parameter schema up front so
// validation failures surface at registration time rather than mid-turn.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]registeredTool, len(tools))}
	for _, t := range tools {
		def := t.Definition()
		compiled, err := compileSchema(def.Name, def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("toolkit: compiling schema for %q: %w", def.Name, err)
		}
		r.tools[def.Name] = registeredTool{tool: t, schema: compiled}
	}
	return r, nil
}

func compileSchema(name string, params json.RawMessage) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return nil, err
	}
	resourceName := "tool://" + name
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, err
	}
	return c.Compile(resourceName)
}

// Lookup returns the tool registered under name, or false.
func (r *Registry) Lookup(name string) (Tool, bool) {
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// Definitions returns every registered tool's Definition, for the
// Context.Tools set handed to a provider adapter.
func (r *Registry) Definitions() []message.Tool {
	out := make([]message.Tool, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, rt.tool.Definition())
	}
	return out
}

// Validate checks args against name's declared schema. A tool with no
// declared schema accepts any arguments.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	rt, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("toolkit: tool %q not found", name)
	}
	if rt.schema == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("validation failed: arguments are not valid JSON: %w", err)
	}
	if err := rt.schema.Validate(doc); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
