// Package gateway provides uniform invocation of retrieval and web-search
// tools. Every call is schema-validated, bounded by a per-call timeout, and
// normalized into a ToolResult; the gateway never lets a tool error escape
// its boundary. Batches run concurrently with results returned in input
// order.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"
	"github.com/xeipuuv/gojsonschema"

	"github.com/normanking/scholar/internal/conversation"
)

// Tool names the gateway registers by default.
const (
	ToolRetrieveLocal = "retrieve_local"
	ToolSearchWeb     = "search_web"
)

// DefaultCallTimeout bounds one tool invocation when the config does not say
// otherwise.
const DefaultCallTimeout = 30 * time.Second

// ToolCall is one requested invocation, produced by a specialist's reasoning
// step.
type ToolCall struct {
	InvocationID string
	Name         string
	Args         json.RawMessage
}

// Status tells whether an invocation produced a payload or an error.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// ErrorKind is the typed detail carried by failed invocations.
type ErrorKind string

const (
	ErrorKindUnknownTool ErrorKind = "unknown_tool"
	ErrorKindInvalidArgs ErrorKind = "invalid_args"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindCancelled   ErrorKind = "cancelled"
	ErrorKindUpstream    ErrorKind = "upstream"
	// ErrorKindPolicy marks calls the executor refused to dispatch, e.g.
	// web search while local evidence is still sufficient.
	ErrorKindPolicy ErrorKind = "policy_denied"
	// ErrorKindIsolation marks a partition-key violation. Unlike every
	// other kind it is fatal to the turn, never merely omitted evidence.
	ErrorKindIsolation ErrorKind = "isolation"
)

// ToolError is the normalized failure detail of one invocation.
type ToolError struct {
	Kind    ErrorKind
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ToolResult pairs 1:1 with a ToolCall.
type ToolResult struct {
	InvocationID string
	Tool         string
	Status       Status
	Documents    []conversation.Document
	Err          *ToolError
	Latency      time.Duration
}

// OK reports whether the invocation succeeded.
func (r ToolResult) OK() bool { return r.Status == StatusOK }

// Tool is the runtime executing one registered tool.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema the arguments are validated against.
	Schema() json.RawMessage
	Invoke(ctx context.Context, args json.RawMessage) ([]conversation.Document, error)
}

// Gateway dispatches tool calls to registered tools.
type Gateway struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*gojsonschema.Schema

	timeout time.Duration
	log     zerolog.Logger
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithCallTimeout sets the per-invocation timeout.
func WithCallTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// New creates an empty gateway.
func New(log zerolog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*gojsonschema.Schema),
		timeout: DefaultCallTimeout,
		log:     log.With().Str("component", "gateway").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register adds a tool, compiling its argument schema.
func (g *Gateway) Register(tool Tool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	name := tool.Name()
	if _, exists := g.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	g.tools[name] = tool
	g.schemas[name] = schema
	return nil
}

// Specs returns the tool declarations to expose to the reasoning model.
func (g *Gateway) Specs() []ToolSpec {
	g.mu.RLock()
	defer g.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(g.tools))
	for _, tool := range g.tools {
		specs = append(specs, ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return specs
}

// ToolSpec mirrors the declaration shape the provider layer expects.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Invoke runs one tool call. It always returns a ToolResult; failures are
// carried as status=error with a typed detail, never as a panic or a Go
// error to the caller.
func (g *Gateway) Invoke(ctx context.Context, call ToolCall) ToolResult {
	start := time.Now()

	g.mu.RLock()
	tool, ok := g.tools[call.Name]
	schema := g.schemas[call.Name]
	g.mu.RUnlock()

	if !ok {
		return g.fail(call, start, ErrorKindUnknownTool, fmt.Sprintf("unknown tool: %s", call.Name))
	}

	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	validation, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return g.fail(call, start, ErrorKindInvalidArgs, fmt.Sprintf("arguments are not valid JSON: %v", err))
	}
	if !validation.Valid() {
		return g.fail(call, start, ErrorKindInvalidArgs, validationDetail(validation))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	docs, err := tool.Invoke(callCtx, args)
	if err != nil {
		kind := classifyError(callCtx, err)
		return g.fail(call, start, kind, err.Error())
	}

	g.log.Debug().
		Str("tool", call.Name).
		Str("invocation_id", call.InvocationID).
		Int("documents", len(docs)).
		Dur("latency", time.Since(start)).
		Msg("tool call succeeded")

	return ToolResult{
		InvocationID: call.InvocationID,
		Tool:         call.Name,
		Status:       StatusOK,
		Documents:    docs,
		Latency:      time.Since(start),
	}
}

// InvokeAll executes the calls concurrently and returns results in the same
// order as the input, regardless of completion order.
func (g *Gateway) InvokeAll(ctx context.Context, calls []ToolCall) []ToolResult {
	if len(calls) == 0 {
		return nil
	}
	return iter.Map(calls, func(call *ToolCall) ToolResult {
		return g.Invoke(ctx, *call)
	})
}

func (g *Gateway) fail(call ToolCall, start time.Time, kind ErrorKind, msg string) ToolResult {
	g.log.Warn().
		Str("tool", call.Name).
		Str("invocation_id", call.InvocationID).
		Str("kind", string(kind)).
		Str("error", msg).
		Msg("tool call failed")

	return ToolResult{
		InvocationID: call.InvocationID,
		Tool:         call.Name,
		Status:       StatusError,
		Err:          &ToolError{Kind: kind, Message: msg},
		Latency:      time.Since(start),
	}
}

// classifyError maps a tool failure to its typed detail.
func classifyError(ctx context.Context, err error) ErrorKind {
	switch {
	case errors.Is(err, conversation.ErrIsolation):
		return ErrorKindIsolation
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return ErrorKindCancelled
	default:
		return ErrorKindUpstream
	}
}

func validationDetail(result *gojsonschema.Result) string {
	errs := result.Errors()
	if len(errs) == 0 {
		return "invalid arguments"
	}
	return errs[0].String()
}
