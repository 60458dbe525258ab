// Package classify maps the latest user message to one of the fixed subject
// domains using a cheap query model. Classification never aborts a turn: any
// model error or unparseable label fails open to the general domain.
package classify

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

// DefaultTimeout bounds one classification call. Classification uses a small
// model and should be fast; a slow call is treated like a failed one.
const DefaultTimeout = 10 * time.Second

// Result is the outcome of one classification.
type Result struct {
	Domain     conversation.Domain
	Confidence float64
}

// Classifier labels user questions with a subject domain.
type Classifier struct {
	llm        llm.Provider
	model      string
	confidence float64 // minimum confidence to honor a non-general label
	timeout    time.Duration
	log        zerolog.Logger
}

// Option configures the Classifier.
type Option func(*Classifier)

// WithConfidenceFloor sets the minimum confidence below which labels fall
// open to general.
func WithConfidenceFloor(floor float64) Option {
	return func(c *Classifier) {
		c.confidence = floor
	}
}

// WithTimeout sets a custom per-call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Classifier) {
		c.timeout = timeout
	}
}

// New creates a classifier backed by the given provider and query model.
func New(provider llm.Provider, queryModel string, log zerolog.Logger, opts ...Option) *Classifier {
	c := &Classifier{
		llm:        provider,
		model:      queryModel,
		confidence: 0.5,
		timeout:    DefaultTimeout,
		log:        log.With().Str("component", "classify").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify labels the question. It always returns a valid domain; on any
// failure the result is general with confidence 0.
func (c *Classifier) Classify(ctx context.Context, question string) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.llm.Chat(ctx, &llm.ChatRequest{
		Model:    c.model,
		Messages: []llm.Message{{Role: "user", Content: prompts.Classification(question)}},
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("classification call failed, falling back to general")
		return Result{Domain: conversation.DomainGeneral, Confidence: 0}
	}

	result, ok := parseLabel(resp.Content)
	if !ok {
		c.log.Warn().Str("reply", truncate(resp.Content, 120)).Msg("unparseable classification, falling back to general")
		return Result{Domain: conversation.DomainGeneral, Confidence: 0}
	}

	if result.Confidence < c.confidence {
		c.log.Debug().
			Str("domain", result.Domain.String()).
			Float64("confidence", result.Confidence).
			Msg("classification below confidence floor")
		return Result{Domain: conversation.DomainGeneral, Confidence: result.Confidence}
	}

	c.log.Debug().
		Str("domain", result.Domain.String()).
		Float64("confidence", result.Confidence).
		Msg("classified")
	return result
}

// classificationReply is the JSON shape the classification prompt requests.
type classificationReply struct {
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
}

// parseLabel extracts a classification from the model reply. Models
// sometimes wrap the JSON in prose or code fences, so the first JSON object
// in the reply is used. A bare label ("science") is also accepted.
func parseLabel(reply string) (Result, bool) {
	if raw, ok := extractJSON(reply); ok {
		var parsed classificationReply
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			d := conversation.Domain(strings.ToLower(strings.TrimSpace(parsed.Domain)))
			if d.IsValid() && parsed.Confidence >= 0 && parsed.Confidence <= 1 {
				return Result{Domain: d, Confidence: parsed.Confidence}, true
			}
		}
	}

	// Bare-label fallback: the whole reply is just the domain name.
	d := conversation.Domain(strings.ToLower(strings.Trim(strings.TrimSpace(reply), ".")))
	if d.IsValid() {
		return Result{Domain: d, Confidence: 0.75}, true
	}
	return Result{}, false
}

// extractJSON returns the first balanced top-level JSON object in s. Braces
// inside string literals do not count toward nesting.
func extractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
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
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
