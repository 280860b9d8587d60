// Package orchestrator implements the Session Orchestrator (spec §4.11):
// it binds a session store, a model registry, and a tool registry to one
// live conversation, drives the agent loop per prompt, persists entries as
// they are produced, and owns compaction and forking.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentrt/agentloop"
	"agentrt/internal/logging"
	"agentrt/message"
	"agentrt/provider"
	"agentrt/session"
	"agentrt/toolkit"
	"agentrt/transform"
)

// CredentialsResolver returns the per-stream Options (API key, base URL,
// thinking config, ...) for a given model. Implementations typically read
// environment variables or a settings/auth store; the core has no opinion
// on where credentials live.
type CredentialsResolver func(model message.Model) (provider.Options, error)

// SummaryFn produces a prefix summary during compaction. When nil,
// defaultSummarize is used instead.
type SummaryFn func(ctx context.Context, messages []message.Message) (string, error)

// defaultKeepTail is the compaction keep-tail boundary (spec §4.11).
const defaultKeepTail = 6

// Config binds the orchestrator's collaborators. Store, Models, and
// Adapters are required; everything else has a sensible default.
type Config struct {
	Store    *session.Store
	Models   *message.Registry
	Tools    *toolkit.Registry
	Adapters map[string]provider.Adapter // keyed by Model.API

	Credentials CredentialsResolver
	SummaryFn   SummaryFn
	KeepTail    int

	Model        string
	SystemPrompt string
}

// trackedMessage pairs a conversation message with the session-entry id it
// was persisted under, so compaction and re-forking can reference entries
// by id without threading a parallel id field through message.Message.
type trackedMessage struct {
	entryID string
	msg     message.Message
}

// Orchestrator binds one live conversation to its session file. It is not
// safe for concurrent Prompt calls on the same instance — spec §5 gives the
// orchestrator exclusive mutable access to the conversation during a
// prompt, guarded here by a streaming flag.
type Orchestrator struct {
	cfg Config

	mu           sync.Mutex
	sessionID    string
	conversation []trackedMessage
	modelID      string
	systemPrompt string
	turnCount    int
	streaming    bool
}

// New builds an Orchestrator with no session yet bound; the first Prompt
// call generates a session id and creates the session file (spec §4.11
// step 2). Use Resume to attach to an existing session instead.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("orchestrator: Store is required")
	}
	if cfg.Models == nil {
		return nil, fmt.Errorf("orchestrator: Models is required")
	}
	if len(cfg.Adapters) == 0 {
		return nil, fmt.Errorf("orchestrator: at least one Adapter is required")
	}
	if cfg.KeepTail <= 0 {
		cfg.KeepTail = defaultKeepTail
	}
	return &Orchestrator{cfg: cfg, modelID: cfg.Model, systemPrompt: cfg.SystemPrompt}, nil
}

// Resume builds an Orchestrator and loads sessionID's entries into memory,
// reconstructing the in-memory conversation exactly as Fork does.
func Resume(cfg Config, sessionID string) (*Orchestrator, error) {
	o, err := New(cfg)
	if err != nil {
		return nil, err
	}
	_, entries, err := cfg.Store.OpenSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resuming %q: %w", sessionID, err)
	}
	o.sessionID = sessionID
	o.conversation = rebuildConversation(entries)
	return o, nil
}

// SessionID returns the currently bound session id, or "" if no prompt has
// run yet and no session was resumed.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Messages returns a snapshot of the in-memory conversation.
func (o *Orchestrator) Messages() []message.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]message.Message, len(o.conversation))
	for i, t := range o.conversation {
		out[i] = t.msg
	}
	return out
}

// SetModel changes the current model id used by subsequent Prompt calls
// that do not supply a ModelOverride.
func (o *Orchestrator) SetModel(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.modelID = id
}

// SetSystemPrompt changes the current system prompt.
func (o *Orchestrator) SetSystemPrompt(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.systemPrompt = text
}

// TurnCount returns the number of prompts this orchestrator has processed.
func (o *Orchestrator) TurnCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turnCount
}

// PromptOptions narrows a single Prompt call's deviations from the
// orchestrator's current model/system-prompt.
type PromptOptions struct {
	// ModelOverride, when non-empty, is used in place of the current
	// model for this turn only; it does not change SetModel's effect.
	ModelOverride string
	// SystemPromptSuffix is appended to the current system prompt for
	// this turn only.
	SystemPromptSuffix string
}

// Event is the union of everything Prompt can emit to its caller: the two
// session-lifecycle markers (spec §4.11 steps 2 and 7) plus every
// agentloop.Event the bound loop produces, unwrapped as Agent.
type Event struct {
	Kind      EventKind
	SessionID string

	// SessionStart payload.
	IsNew bool

	// SessionEnd payload: the full set of messages this Prompt call
	// added to the conversation.
	Messages []message.Message

	// Agent payload, set when Kind == KindAgent.
	Agent agentloop.Event
}

// EventKind discriminates Event.
type EventKind string

const (
	KindSessionStart EventKind = "session_start"
	KindSessionEnd   EventKind = "session_end"
	KindAgent        EventKind = "agent"
)

// Prompt implements spec §4.11's numbered steps: resolve the session and
// model, persist the user entry, drive one agent-loop turn, persist
// assistant/tool entries as they complete, and fold the results back into
// the in-memory conversation.
func (o *Orchestrator) Prompt(ctx context.Context, text string, opts PromptOptions, emit func(Event)) ([]message.Message, error) {
	if emit == nil {
		emit = func(Event) {}
	}

	o.mu.Lock()
	if o.streaming {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator: a prompt is already in flight on this session")
	}
	o.streaming = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.streaming = false
		o.mu.Unlock()
	}()

	o.mu.Lock()
	isNew := false
	if o.sessionID == "" {
		id := uuid.NewString()
		if _, err := o.cfg.Store.Create(id, ""); err != nil {
			o.mu.Unlock()
			return nil, fmt.Errorf("orchestrator: creating session: %w", err)
		}
		o.sessionID = id
		isNew = true
	}
	sessionID := o.sessionID
	modelID := opts.ModelOverride
	if modelID == "" {
		modelID = o.modelID
	}
	systemPrompt := o.systemPrompt
	o.mu.Unlock()
	emit(Event{Kind: KindSessionStart, SessionID: sessionID, IsNew: isNew})

	model, err := o.cfg.Models.Lookup(modelID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolving model: %w", err)
	}
	adapter, ok := o.cfg.Adapters[model.API]
	if !ok {
		return nil, fmt.Errorf("orchestrator: no adapter registered for api %q", model.API)
	}

	if opts.SystemPromptSuffix != "" {
		systemPrompt = strings.TrimSpace(systemPrompt + "\n" + opts.SystemPromptSuffix)
	}

	now := time.Now()
	userEntryID := uuid.NewString()
	if err := o.cfg.Store.AppendEntry(sessionID, session.Entry{
		Type: session.EntryUser, ID: userEntryID, Timestamp: now.UnixMilli(), Content: text,
	}); err != nil {
		return nil, fmt.Errorf("orchestrator: persisting user entry: %w", err)
	}
	o.mu.Lock()
	o.turnCount++
	o.mu.Unlock()
	userMsg := message.NewUserText(text, now)

	streamFn := func(ctx context.Context, llmCtx message.Context) (provider.Stream, error) {
		var resolved provider.Options
		if o.cfg.Credentials != nil {
			r, err := o.cfg.Credentials(model)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: resolving credentials: %w", err)
			}
			resolved = r
		}
		return adapter.Stream(ctx, model, llmCtx, resolved)
	}

	normalize := normalizerFor(model)
	loop, err := agentloop.New(agentloop.Config{
		StreamFn:     streamFn,
		ConvertToLLM: func(messages []message.Message) []message.Message { return transform.Apply(messages, normalize) },
		Tools:        o.cfg.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: building agent loop: %w", err)
	}

	var toolDefs []message.Tool
	if o.cfg.Tools != nil {
		toolDefs = o.cfg.Tools.Definitions()
	}

	o.mu.Lock()
	base := message.Context{SystemPrompt: systemPrompt, Messages: o.messagesLocked(), Tools: toolDefs}
	o.mu.Unlock()

	tracked := []trackedMessage{{entryID: userEntryID, msg: userMsg}}
	newMessages, runErr := loop.Run(ctx, []message.Message{userMsg}, base, func(ev agentloop.Event) {
		switch ev.Kind {
		case agentloop.KindMessageEnd:
			switch ev.Message.Role {
			case message.RoleAssistant:
				tracked = append(tracked, trackedMessage{entryID: o.persistAssistant(sessionID, ev.Message), msg: ev.Message})
			case message.RoleToolResult:
				tracked = append(tracked, trackedMessage{entryID: o.persistToolResult(sessionID, ev.Message), msg: ev.Message})
			}
		case agentloop.KindToolExecutionStart:
			o.persistToolUse(sessionID, ev.ToolCallID, ev.ToolName, ev.Args)
		}
		emit(Event{Kind: KindAgent, SessionID: sessionID, Agent: ev})
	})

	o.mu.Lock()
	o.conversation = append(o.conversation, tracked...)
	o.mu.Unlock()

	emit(Event{Kind: KindSessionEnd, SessionID: sessionID, Messages: newMessages})
	return newMessages, runErr
}

// messagesLocked returns the conversation's messages. Callers must hold mu.
func (o *Orchestrator) messagesLocked() []message.Message {
	out := make([]message.Message, len(o.conversation))
	for i, t := range o.conversation {
		out[i] = t.msg
	}
	return out
}

func (o *Orchestrator) persistAssistant(sessionID string, m message.Message) string {
	id := uuid.NewString()
	msg := m
	entry := session.Entry{Type: session.EntryAssistant, ID: id, Timestamp: time.Now().UnixMilli(), Message: &msg}
	if err := o.cfg.Store.AppendEntry(sessionID, entry); err != nil {
		logging.Default.Error().Err(err).Str("session_id", sessionID).Msg("orchestrator: failed to persist assistant entry")
	}
	return id
}

func (o *Orchestrator) persistToolUse(sessionID, toolCallID, toolName string, args []byte) string {
	id := uuid.NewString()
	entry := session.Entry{
		Type: session.EntryToolUse, ID: id, Timestamp: time.Now().UnixMilli(),
		ToolCallID: toolCallID, ToolName: toolName, Arguments: args,
	}
	if err := o.cfg.Store.AppendEntry(sessionID, entry); err != nil {
		logging.Default.Error().Err(err).Str("session_id", sessionID).Msg("orchestrator: failed to persist toolUse entry")
	}
	return id
}

func (o *Orchestrator) persistToolResult(sessionID string, m message.Message) string {
	id := uuid.NewString()
	entry := session.Entry{
		Type: session.EntryToolResult, ID: id, Timestamp: time.Now().UnixMilli(),
		ToolCallID: m.ToolCallID, ToolName: m.ToolName,
		ResultContent: m.Blocks, IsError: m.IsError, Details: m.Details,
	}
	if err := o.cfg.Store.AppendEntry(sessionID, entry); err != nil {
		logging.Default.Error().Err(err).Str("session_id", sessionID).Msg("orchestrator: failed to persist toolResult entry")
	}
	return id
}

// Fork implements spec §4.11's fork(entry_id): delegate to the store,
// switch the active session id, and rebuild the in-memory conversation
// from the forked entries. Returns the new session id.
func (o *Orchestrator) Fork(entryID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sessionID == "" {
		return "", fmt.Errorf("orchestrator: cannot fork before a session exists")
	}
	newID := uuid.NewString()
	_, entries, err := o.cfg.Store.ForkFrom(o.sessionID, entryID, newID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: forking: %w", err)
	}
	o.sessionID = newID
	o.conversation = rebuildConversation(entries)
	return newID, nil
}

// normalizerFor picks the tool-call-id normalizer for model's adapter,
// mirroring the dispatch each adapter's own Stream performs internally
// (spec §4.5 Message Transformer ids table).
func normalizerFor(model message.Model) func(string) string {
	if !strings.EqualFold(model.API, "openai") {
		return provider.NormalizeGeneric
	}
	compat, err := provider.MergeModelCompat(provider.Detect(model.Provider, model.BaseURL), model.Compat)
	if err != nil {
		compat = provider.Detect(model.Provider, model.BaseURL)
	}
	if compat.RequiresMistralToolIDs {
		return provider.NormalizeMistral
	}
	if strings.EqualFold(model.Provider, "responses-api") {
		return provider.NormalizeResponsesAPI
	}
	return provider.NormalizeOpenAI
}
