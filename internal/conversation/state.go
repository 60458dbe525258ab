// Package conversation holds the per-turn mutable state threaded through
// every orchestration step: the message log, retrieved documents, the
// classified domain and critique bookkeeping. State is owned by exactly one
// turn at a time; the session layer guarantees turns on one thread never
// overlap.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrIsolation signals a retrieval or state access without a matching user
// partition key. This is a programmer error and is never silently corrected.
var ErrIsolation = errors.New("partition key violation")

// Key identifies one conversational thread. All retrieval and state are
// partitioned by this key.
type Key struct {
	UserID   string
	ThreadID string
}

// Validate rejects keys that would break partition isolation.
func (k Key) Validate() error {
	if k.UserID == "" {
		return fmt.Errorf("%w: empty user id", ErrIsolation)
	}
	if k.ThreadID == "" {
		return fmt.Errorf("thread id required")
	}
	return nil
}

func (k Key) String() string {
	return k.UserID + "/" + k.ThreadID
}

// Domain is the fixed set of subject areas a query can be routed to.
type Domain string

const (
	DomainScience    Domain = "science"
	DomainHistory    Domain = "history"
	DomainLiterature Domain = "literature"
	// DomainGeneral is the fail-open default for unrecognized or
	// low-confidence classifications.
	DomainGeneral Domain = "general"
)

// AllDomains returns every valid domain. The router is validated against
// this list at start-up.
func AllDomains() []Domain {
	return []Domain{DomainScience, DomainHistory, DomainLiterature, DomainGeneral}
}

func (d Domain) String() string { return string(d) }

// IsValid reports whether d is a member of the fixed domain set.
func (d Domain) IsValid() bool {
	switch d {
	case DomainScience, DomainHistory, DomainLiterature, DomainGeneral:
		return true
	}
	return false
}

// ParseDomain maps a raw label to a domain, falling open to general for
// anything outside the fixed set.
func ParseDomain(label string) Domain {
	d := Domain(strings.ToLower(strings.TrimSpace(label)))
	if d.IsValid() {
		return d
	}
	return DomainGeneral
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the append-only turn log. Messages are immutable
// once appended.
type Message struct {
	Role    Role
	Content string

	// ToolName and InvocationID are set on tool result messages so they
	// can be paired with the call that produced them.
	ToolName     string
	InvocationID string

	// ToolCalls records the invocations an assistant message requested.
	// Providers need the structured calls to pair later tool results with
	// them on the wire.
	ToolCalls []ToolUse

	CreatedAt time.Time
}

// ToolUse is one tool invocation requested by an assistant message.
type ToolUse struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Source tells where a retrieved document came from.
type Source string

const (
	SourceLocal Source = "local"
	SourceWeb   Source = "web"
)

// Document is a piece of retrieved evidence attached to the turn.
type Document struct {
	ID      string
	Content string
	Score   float64
	Source  Source
	Title   string
	URL     string
}

// Critique is the verdict the critique evaluator attaches to a draft answer.
type Critique struct {
	Decision CritiqueDecision
	Feedback string
	// RubricScores maps criterion name (grounding, completeness, clarity)
	// to a 0-1 score.
	RubricScores map[string]float64
}

// CritiqueDecision is accept or retry; the original improve_query outcome
// collapses into retry since both re-enter specialization with feedback.
type CritiqueDecision string

const (
	DecisionAccept CritiqueDecision = "accept"
	DecisionRetry  CritiqueDecision = "retry"
)

const (
	// maxDocumentChars caps individual document content appended to state
	// so repeated tool rounds cannot blow up the model context.
	maxDocumentChars = 3000

	// maxRetainedDocuments is the rolling window of evidence kept on the
	// state; older documents fall off.
	maxRetainedDocuments = 5
)

// State is the record threaded through one turn. It is created when the turn
// starts, seeded with prior thread history, and discarded when the turn
// terminates.
type State struct {
	Key Key

	// Domain is empty until the classifier has run.
	Domain Domain

	// RetryCount counts critique-forced specialization retries. It is
	// monotonic and enforced by the orchestrator, never by the critique
	// model.
	RetryCount int

	// LastCritique carries feedback from the most recent retry decision
	// into the next specialization pass.
	LastCritique *Critique

	messages  []Message
	documents []Document
}

// New creates the state for one turn.
func New(key Key, history []Message) (*State, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s := &State{Key: key}
	s.messages = append(s.messages, history...)
	return s, nil
}

// Append adds a message to the turn log. Past messages are never mutated or
// removed.
func (s *State) Append(msg Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, msg)
}

// Messages returns a copy of the turn log.
func (s *State) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Question returns the first user message of the turn, which anchors
// classification and the specialist prompts.
func (s *State) Question() string {
	for _, m := range s.messages {
		if m.Role == RoleUser {
			return m.Content
		}
	}
	if len(s.messages) > 0 {
		return s.messages[0].Content
	}
	return ""
}

// AddDocuments appends retrieved evidence, truncating oversized content and
// keeping only the most recent window.
func (s *State) AddDocuments(docs ...Document) {
	for _, d := range docs {
		if len(d.Content) > maxDocumentChars {
			d.Content = d.Content[:maxDocumentChars] + "... [truncated]"
		}
		s.documents = append(s.documents, d)
	}
	if len(s.documents) > maxRetainedDocuments {
		s.documents = s.documents[len(s.documents)-maxRetainedDocuments:]
	}
}

// Documents returns a copy of the retained evidence window.
func (s *State) Documents() []Document {
	out := make([]Document, len(s.documents))
	copy(out, s.documents)
	return out
}
