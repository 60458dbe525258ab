// Package session keys conversation state by {user, thread} and serializes
// turns per thread. Concurrent turns on different threads proceed
// independently; a second turn on an active thread is rejected, not queued.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/scholar/internal/conversation"
	"github.com/normanking/scholar/internal/knowledge"
)

// ErrTurnInProgress is returned when a thread already has an active turn.
var ErrTurnInProgress = errors.New("turn already in progress for this thread")

// DefaultHistoryLimit is how many prior messages seed a new turn.
const DefaultHistoryLimit = 20

// Store tracks active turns and persists thread history.
type Store struct {
	store        *knowledge.Store
	historyLimit int
	log          zerolog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// Option configures the Store.
type Option func(*Store)

// WithHistoryLimit sets how much prior history seeds a turn.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// New creates a session store over the persistent thread log.
func New(store *knowledge.Store, log zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		store:        store,
		historyLimit: DefaultHistoryLimit,
		active:       make(map[string]struct{}),
		log:          log.With().Str("component", "session").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin claims the thread for one turn and returns the state seeded with its
// history. The returned release func must be called when the turn
// terminates, on every path.
func (s *Store) Begin(ctx context.Context, key conversation.Key) (*conversation.State, func(), error) {
	if err := key.Validate(); err != nil {
		return nil, nil, err
	}

	id := key.String()
	s.mu.Lock()
	if _, busy := s.active[id]; busy {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrTurnInProgress, id)
	}
	s.active[id] = struct{}{}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	}

	history, err := s.store.History(ctx, key, s.historyLimit)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("load thread history: %w", err)
	}

	state, err := conversation.New(key, history)
	if err != nil {
		release()
		return nil, nil, err
	}
	return state, release, nil
}

// RecordTurn persists the user question and the final answer to the thread
// log. Intermediate tool traffic is turn-local and not persisted.
func (s *Store) RecordTurn(ctx context.Context, key conversation.Key, question, answer string) error {
	if err := s.store.AppendTurn(ctx, key, conversation.Message{
		Role:    conversation.RoleUser,
		Content: question,
	}); err != nil {
		return fmt.Errorf("persist question: %w", err)
	}
	if err := s.store.AppendTurn(ctx, key, conversation.Message{
		Role:    conversation.RoleAssistant,
		Content: answer,
	}); err != nil {
		return fmt.Errorf("persist answer: %w", err)
	}
	return nil
}
