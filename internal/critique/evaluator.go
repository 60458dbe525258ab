// Package critique scores draft answers against a fixed rubric and decides
// accept or retry. The evaluator only judges quality; the retry budget lives
// in the orchestrator and is never delegated to the model.
package critique

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/scholar/internal/conversation"
	"github.com/normanking/scholar/internal/llm"
	"github.com/normanking/scholar/internal/prompts"
)

// DefaultTimeout bounds one critique call.
const DefaultTimeout = 20 * time.Second

// Evaluator reviews drafts with the query model.
type Evaluator struct {
	provider llm.Provider
	model    string
	timeout  time.Duration
	log      zerolog.Logger
}

// Option configures the Evaluator.
type Option func(*Evaluator)

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New creates a critique evaluator backed by the given provider and model.
func New(provider llm.Provider, model string, log zerolog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		provider: provider,
		model:    model,
		timeout:  DefaultTimeout,
		log:      log.With().Str("component", "critique").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// critiqueReply is the JSON shape the rubric prompt asks for.
type critiqueReply struct {
	Decision string             `json:"decision"`
	Feedback string             `json:"feedback"`
	Scores   map[string]float64 `json:"scores"`
}

// Evaluate reviews one draft. It never returns an error: when the model
// call fails or the reply does not parse, the draft is accepted, since
// blocking a deliverable answer on a broken reviewer helps nobody. The
// fail-open path is logged.
func (e *Evaluator) Evaluate(ctx context.Context, state *conversation.State, draft string) *conversation.Critique {
	prompt, err := prompts.Critique(state.Question(), draft, state.Documents())
	if err != nil {
		return e.failOpen("render rubric prompt", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.provider.Chat(ctx, &llm.ChatRequest{
		Model:       e.model,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: llm.Temp(0),
		MaxTokens:   512,
	})
	if err != nil {
		return e.failOpen("critique model call", err)
	}

	verdict, ok := parseVerdict(resp.Content)
	if !ok {
		e.log.Warn().Str("reply", truncate(resp.Content, 200)).Msg("unparseable critique reply, accepting draft")
		return &conversation.Critique{Decision: conversation.DecisionAccept}
	}

	e.log.Debug().
		Str("decision", string(verdict.Decision)).
		Interface("scores", verdict.RubricScores).
		Msg("draft reviewed")
	return verdict
}

func (e *Evaluator) failOpen(stage string, err error) *conversation.Critique {
	e.log.Warn().Err(err).Str("stage", stage).Msg("critique unavailable, accepting draft")
	return &conversation.Critique{Decision: conversation.DecisionAccept}
}

// parseVerdict extracts the JSON verdict from the model reply, tolerating
// surrounding prose.
func parseVerdict(reply string) (*conversation.Critique, bool) {
	payload := extractJSON(reply)
	if payload == "" {
		return nil, false
	}

	var parsed critiqueReply
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, false
	}

	var decision conversation.CritiqueDecision
	switch strings.ToLower(strings.TrimSpace(parsed.Decision)) {
	case "accept":
		decision = conversation.DecisionAccept
	case "retry", "reject", "improve_query":
		decision = conversation.DecisionRetry
	default:
		return nil, false
	}

	return &conversation.Critique{
		Decision:     decision,
		Feedback:     strings.TrimSpace(parsed.Feedback),
		RubricScores: parsed.Scores,
	}, true
}

// extractJSON returns the first balanced top-level JSON object in s.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
