// Package orchestrator drives one conversation turn through its phases:
// classify, route, specialize, critique, and the bounded retry loop between
// the last two. All control flow lives here; the models under it only
// produce labels, drafts, and verdicts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/normanking/scholar/internal/classify"
	"github.com/normanking/scholar/internal/conversation"
	"github.com/normanking/scholar/internal/critique"
	"github.com/normanking/scholar/internal/router"
	"github.com/normanking/scholar/internal/session"
)

// DefaultMaxRetries is the critique retry budget per turn. A turn therefore
// makes at most DefaultMaxRetries+1 specialization passes.
const DefaultMaxRetries = 2

// Phase is the turn state machine position. Accepted and Exhausted are the
// terminal phases of a completed turn.
type Phase string

const (
	PhaseClassifying  Phase = "classifying"
	PhaseRouting      Phase = "routing"
	PhaseSpecializing Phase = "specializing"
	PhaseCritiquing   Phase = "critiquing"
	PhaseRetrying     Phase = "retrying_specializing"
	PhaseAccepted     Phase = "accepted"
	PhaseExhausted    Phase = "exhausted"
)

// Answer is the outcome of one turn.
type Answer struct {
	Text       string
	Domain     conversation.Domain
	Confidence float64

	// RetryCount is how many critique-forced retries the turn used.
	RetryCount int

	// Flagged marks an answer delivered after the retry budget ran out
	// without an accepting verdict.
	Flagged bool

	Phase Phase
}

// Orchestrator wires the turn pipeline together.
type Orchestrator struct {
	classifier *classify.Classifier
	router     *router.Router
	critic     *critique.Evaluator
	sessions   *session.Store

	maxRetries int
	log        zerolog.Logger
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithMaxRetries sets the critique retry budget.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// New assembles the orchestrator.
func New(classifier *classify.Classifier, rt *router.Router, critic *critique.Evaluator, sessions *session.Store, log zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		classifier: classifier,
		router:     rt,
		critic:     critic,
		sessions:   sessions,
		maxRetries: DefaultMaxRetries,
		log:        log.With().Str("component", "orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleTurn runs one complete turn. It returns an error only for faults
// that invalidate the turn itself: an isolation violation, cancellation, a
// busy thread, or storage failure. Model and tool trouble degrade inside the
// pipeline instead.
func (o *Orchestrator) HandleTurn(ctx context.Context, userID, threadID, question string) (*Answer, error) {
	key := conversation.Key{UserID: userID, ThreadID: threadID}

	state, release, err := o.sessions.Begin(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	state.Append(conversation.Message{Role: conversation.RoleUser, Content: question})

	log := o.log.With().Str("user", userID).Str("thread", threadID).Logger()

	log.Debug().Str("phase", string(PhaseClassifying)).Msg("turn started")
	cls := o.classifier.Classify(ctx, question)
	state.Domain = cls.Domain

	log.Debug().
		Str("phase", string(PhaseRouting)).
		Str("domain", cls.Domain.String()).
		Float64("confidence", cls.Confidence).
		Msg("routing to specialist")
	exec := o.router.Route(cls.Domain)

	answer := &Answer{Domain: cls.Domain, Confidence: cls.Confidence}

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("turn cancelled: %w", err)
		}

		log.Debug().Str("phase", string(PhaseSpecializing)).Int("retry", state.RetryCount).Msg("generating draft")
		draft, err := exec.Run(ctx, state)

		var verdict *conversation.Critique
		var text string
		switch {
		case err != nil && errors.Is(err, conversation.ErrIsolation):
			return nil, err
		case err != nil && ctx.Err() != nil:
			return nil, fmt.Errorf("turn cancelled: %w", ctx.Err())
		case err != nil:
			// Reasoning failures behave like a rejected draft so the
			// retry budget, not the error, decides the turn's fate.
			log.Warn().Err(err).Msg("specialization pass failed")
			text = fmt.Sprintf("I could not produce an answer: %v", err)
			verdict = &conversation.Critique{
				Decision: conversation.DecisionRetry,
				Feedback: fmt.Sprintf("the previous attempt failed with an internal error: %v", err),
			}
		default:
			text = draft.Text
			log.Debug().Str("phase", string(PhaseCritiquing)).Msg("reviewing draft")
			verdict = o.critic.Evaluate(ctx, state, draft.Text)
		}

		state.LastCritique = verdict
		answer.Text = text
		answer.RetryCount = state.RetryCount

		if verdict.Decision == conversation.DecisionAccept {
			answer.Phase = PhaseAccepted
			break
		}

		if state.RetryCount >= o.maxRetries {
			answer.Phase = PhaseExhausted
			answer.Flagged = true
			log.Warn().Int("retries", state.RetryCount).Msg("retry budget exhausted, delivering flagged answer")
			break
		}

		state.RetryCount++
		log.Debug().
			Str("phase", string(PhaseRetrying)).
			Int("retry", state.RetryCount).
			Str("feedback", verdict.Feedback).
			Msg("critique requested retry")
	}

	if err := o.sessions.RecordTurn(ctx, key, question, answer.Text); err != nil {
		return nil, err
	}

	log.Info().
		Str("phase", string(answer.Phase)).
		Str("domain", answer.Domain.String()).
		Int("retries", answer.RetryCount).
		Bool("flagged", answer.Flagged).
		Msg("turn completed")
	return answer, nil
}
