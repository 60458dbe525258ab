// Package specialist runs the domain-expert response generation pass. There
// is one Executor implementation; the four domains differ only in the prompt
// profile it is parameterized with.
package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/scholar/internal/conversation"
	"github.com/normanking/scholar/internal/gateway"
	"github.com/normanking/scholar/internal/llm"
	"github.com/normanking/scholar/internal/prompts"
)

const (
	// DefaultMaxToolRounds bounds reasoning/tool iterations per
	// specialization pass. Independent of the critique retry bound.
	DefaultMaxToolRounds = 3

	// DefaultTopK is how many local documents one retrieval returns.
	DefaultTopK = 5

	// DefaultMinScore is the relevance floor below which local results do
	// not count as evidence.
	DefaultMinScore = 0.25
)

// Draft is the output of one specialization pass, handed to the critique
// evaluator.
type Draft struct {
	Text string

	// ToolRounds is how many tool dispatch rounds the pass used.
	ToolRounds int

	// Exhausted is set when the tool budget ran out before the model
	// volunteered a final answer.
	Exhausted bool
}

// Executor drives the reasoning loop for one domain.
type Executor struct {
	provider llm.Provider
	gw       *gateway.Gateway
	profile  prompts.Profile

	model         string
	maxToolRounds int
	topK          int
	minScore      float64
	temperature   float64
	maxTokens     int

	log zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxToolRounds sets the tool iteration bound.
func WithMaxToolRounds(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxToolRounds = n
		}
	}
}

// WithTopK sets how many documents local retrieval asks for.
func WithTopK(k int) Option {
	return func(e *Executor) {
		if k > 0 {
			e.topK = k
		}
	}
}

// WithMinScore sets the local relevance floor.
func WithMinScore(s float64) Option {
	return func(e *Executor) {
		if s >= 0 {
			e.minScore = s
		}
	}
}

// WithSampling sets the generation parameters.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(e *Executor) {
		e.temperature = temperature
		e.maxTokens = maxTokens
	}
}

// New creates the executor for one domain profile.
func New(provider llm.Provider, gw *gateway.Gateway, profile prompts.Profile, model string, log zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		provider:      provider,
		gw:            gw,
		profile:       profile,
		model:         model,
		maxToolRounds: DefaultMaxToolRounds,
		topK:          DefaultTopK,
		minScore:      DefaultMinScore,
		temperature:   0.7,
		maxTokens:     2048,
		log:           log.With().Str("component", "specialist").Str("domain", profile.Domain.String()).Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Domain returns the domain this executor answers for.
func (e *Executor) Domain() conversation.Domain { return e.profile.Domain }

// Run executes one specialization pass: a bounded loop of reasoning steps
// and tool dispatches ending in a draft answer. Tool failures are folded
// into the turn as error results; only reasoning failures, isolation
// violations, and context cancellation bubble up as errors.
func (e *Executor) Run(ctx context.Context, state *conversation.State) (*Draft, error) {
	feedback := ""
	if state.LastCritique != nil {
		feedback = state.LastCritique.Feedback
	}

	// Evidence tracking for the web-search gate: search_web is
	// dispatched only after a retrieve_local round, and only when that
	// most recent round produced nothing above the relevance floor.
	localAttempted := false
	localEvidence := false

	var lastText string
	rounds := 0

	for rounds < e.maxToolRounds {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("specialization cancelled: %w", err)
		}

		resp, err := e.chat(ctx, state, feedback, true)
		if err != nil {
			return nil, fmt.Errorf("specialist reasoning (%s): %w", e.profile.Domain, err)
		}

		if len(resp.ToolCalls) == 0 {
			state.Append(conversation.Message{
				Role:    conversation.RoleAssistant,
				Content: resp.Content,
			})
			return &Draft{Text: resp.Content, ToolRounds: rounds}, nil
		}

		if resp.Content != "" {
			lastText = resp.Content
		}

		// Calls without ids (some local backends omit them) get one here,
		// before the assistant message is recorded, so the message's
		// tool_use entries and the tool results share the same id.
		calls := make([]llm.ToolCall, len(resp.ToolCalls))
		uses := make([]conversation.ToolUse, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			if tc.ID == "" {
				tc.ID = uuid.NewString()
			}
			calls[i] = tc
			uses[i] = conversation.ToolUse{ID: tc.ID, Name: tc.Name, Args: tc.Args}
		}
		state.Append(conversation.Message{
			Role:      conversation.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: uses,
		})

		results, err := e.dispatch(ctx, state, calls, localAttempted, localEvidence)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if r.Tool == gateway.ToolRetrieveLocal {
				localAttempted = true
				localEvidence = r.OK() && len(r.Documents) > 0
			}
		}
		rounds++
	}

	// Budget spent. Fall back to the last reasoning text, or force a
	// final toolless generation when the model never produced one.
	if lastText == "" {
		resp, err := e.chat(ctx, state, feedback, false)
		if err != nil {
			return nil, fmt.Errorf("specialist final answer (%s): %w", e.profile.Domain, err)
		}
		lastText = resp.Content
	}
	state.Append(conversation.Message{
		Role:    conversation.RoleAssistant,
		Content: lastText,
	})
	e.log.Warn().Int("rounds", rounds).Msg("tool budget exhausted before final answer")
	return &Draft{Text: lastText, ToolRounds: rounds, Exhausted: true}, nil
}

// chat runs one reasoning step against the provider.
func (e *Executor) chat(ctx context.Context, state *conversation.State, feedback string, withTools bool) (*llm.ChatResponse, error) {
	system, err := prompts.Specialist(e.profile, state.Question(), state.Documents(), feedback)
	if err != nil {
		return nil, err
	}

	req := &llm.ChatRequest{
		Model:        e.model,
		SystemPrompt: system,
		Messages:     toProviderMessages(state.Messages()),
		MaxTokens:    e.maxTokens,
		Temperature:  llm.Temp(e.temperature),
	}
	if withTools {
		req.Tools = e.toolSpecs()
	}
	return e.provider.Chat(ctx, req)
}

// dispatch runs one round of tool calls through the gateway, applying the
// web-search gate and injecting the partition key into retrieval arguments.
// Results are appended to the state in call order.
func (e *Executor) dispatch(ctx context.Context, state *conversation.State, calls []llm.ToolCall, localAttempted, localEvidence bool) ([]gateway.ToolResult, error) {
	results := make([]gateway.ToolResult, len(calls))
	dispatchable := make([]gateway.ToolCall, 0, len(calls))
	positions := make([]int, 0, len(calls))

	for i, tc := range calls {
		id := tc.ID

		if tc.Name == gateway.ToolSearchWeb && (!localAttempted || localEvidence) {
			results[i] = gateway.ToolResult{
				InvocationID: id,
				Tool:         tc.Name,
				Status:       gateway.StatusError,
				Err: &gateway.ToolError{
					Kind:    gateway.ErrorKindPolicy,
					Message: "web search requires a prior local retrieval that found nothing relevant",
				},
			}
			continue
		}

		args := tc.Args
		if tc.Name == gateway.ToolRetrieveLocal {
			rewritten, err := e.rewriteRetrieveArgs(state.Key, tc.Args)
			if err != nil {
				results[i] = gateway.ToolResult{
					InvocationID: id,
					Tool:         tc.Name,
					Status:       gateway.StatusError,
					Err:          &gateway.ToolError{Kind: gateway.ErrorKindInvalidArgs, Message: err.Error()},
				}
				continue
			}
			args = rewritten
		}

		dispatchable = append(dispatchable, gateway.ToolCall{InvocationID: id, Name: tc.Name, Args: args})
		positions = append(positions, i)
	}

	dispatched := e.gw.InvokeAll(ctx, dispatchable)
	for j, r := range dispatched {
		results[positions[j]] = r
	}

	for _, r := range results {
		if r.Err != nil && r.Err.Kind == gateway.ErrorKindIsolation {
			return nil, fmt.Errorf("tool %s: %s: %w", r.Tool, r.Err.Message, conversation.ErrIsolation)
		}
		state.Append(conversation.Message{
			Role:         conversation.RoleTool,
			Content:      summarizeResult(r),
			ToolName:     r.Tool,
			InvocationID: r.InvocationID,
		})
		if r.OK() {
			state.AddDocuments(r.Documents...)
		}
	}
	return results, nil
}

// retrieveArgs is the argument shape the model is allowed to control. The
// partition key always comes from the turn state, never from the model.
type retrieveArgs struct {
	Query    string   `json:"query"`
	UserID   string   `json:"user_id"`
	TopK     int      `json:"top_k,omitempty"`
	MinScore *float64 `json:"min_score,omitempty"`
}

func (e *Executor) rewriteRetrieveArgs(key conversation.Key, raw json.RawMessage) (json.RawMessage, error) {
	var args retrieveArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("parse retrieve_local arguments: %w", err)
		}
	}
	args.UserID = key.UserID
	if args.TopK <= 0 {
		args.TopK = e.topK
	}
	// A model-supplied floor may tighten the filter but never loosen it;
	// zero-relevance hits must not count as evidence for the search gate.
	if args.MinScore == nil || *args.MinScore < e.minScore {
		floor := e.minScore
		args.MinScore = &floor
	}
	out, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode retrieve_local arguments: %w", err)
	}
	return out, nil
}

func (e *Executor) toolSpecs() []llm.ToolSpec {
	specs := e.gw.Specs()
	out := make([]llm.ToolSpec, len(specs))
	for i, s := range specs {
		out[i] = llm.ToolSpec{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema}
	}
	return out
}

// toProviderMessages maps the turn log onto the provider wire shape,
// preserving the call/result pairing both hosted APIs require.
func toProviderMessages(msgs []conversation.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		pm := llm.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.InvocationID,
		}
		for _, u := range m.ToolCalls {
			pm.ToolCalls = append(pm.ToolCalls, llm.ToolCall{ID: u.ID, Name: u.Name, Args: u.Args})
		}
		out = append(out, pm)
	}
	return out
}

func summarizeResult(r gateway.ToolResult) string {
	if !r.OK() {
		return fmt.Sprintf("%s failed (%s): %s", r.Tool, r.Err.Kind, r.Err.Message)
	}
	if len(r.Documents) == 0 {
		return fmt.Sprintf("%s returned no documents", r.Tool)
	}
	return fmt.Sprintf("%s returned %d document(s) in %s", r.Tool, len(r.Documents), r.Latency.Round(time.Millisecond))
}
