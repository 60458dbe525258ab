// Package router maps a classified domain to the specialist executor that
// answers it. The mapping is total over the domain enum and validated at
// construction, so routing can never fail at request time for a valid label.
package router

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/normanking/scholar/internal/conversation"
	"github.com/normanking/scholar/internal/specialist"
)

// ErrNoExecutor is returned at construction when a domain has no specialist.
var ErrNoExecutor = errors.New("no specialist executor for domain")

// Router resolves domains to executors.
type Router struct {
	executors map[conversation.Domain]*specialist.Executor
	log       zerolog.Logger
}

// New builds a router over the given executors. It fails when any domain of
// the enum is left without an executor, or when an executor is registered
// under a domain it was not built for.
func New(log zerolog.Logger, executors map[conversation.Domain]*specialist.Executor) (*Router, error) {
	for _, d := range conversation.AllDomains() {
		exec, ok := executors[d]
		if !ok || exec == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoExecutor, d)
		}
		if exec.Domain() != d {
			return nil, fmt.Errorf("executor for domain %s is profiled for %s", d, exec.Domain())
		}
	}
	return &Router{
		executors: executors,
		log:       log.With().Str("component", "router").Logger(),
	}, nil
}

// Route returns the executor for the domain. Unknown labels fall back to the
// general specialist rather than failing the turn.
func (r *Router) Route(domain conversation.Domain) *specialist.Executor {
	if exec, ok := r.executors[domain]; ok {
		return exec
	}
	r.log.Warn().Str("domain", domain.String()).Msg("unroutable domain, using general specialist")
	return r.executors[conversation.DomainGeneral]
}
