package settlement

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Registry holds the scheme of every configured ledger and, once started, its actor.
type Registry struct {
	mu      sync.RWMutex
	schemes []Scheme
	actors  map[string]Actor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{actors: make(map[string]Actor)}
}

// Register adds s. Ledger ids must be unique.
func (r *Registry) Register(s Scheme) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.schemes {
		if existing.LedgerID() == s.LedgerID() {
			return errors.Errorf("ledger %s already registered", s.LedgerID())
		}
	}
	r.schemes = append(r.schemes, s)
	return nil
}

// Modules returns the registered schemes in registration order.
func (r *Registry) Modules() []Scheme {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Scheme(nil), r.schemes...)
}

// Start instantiates every actor concurrently. Ledgers whose actor cannot be
// built are served by Unavailable actors, so Start only fails on a cancelled ctx.
func (r *Registry) Start(ctx context.Context, host Host) error {
	schemes := r.Modules()
	actors := make([]Actor, len(schemes))

	var g errgroup.Group
	for i, s := range schemes {
		i, s := i, s
		g.Go(func() error {
			actors[i] = Instantiate(ctx, s, host)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.mu.Lock()
	for i, s := range schemes {
		r.actors[s.LedgerID()] = actors[i]
	}
	r.mu.Unlock()
	return ctx.Err()
}

// Actor returns the actor of ledgerID.
func (r *Registry) Actor(ledgerID string) (Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[ledgerID]
	return a, ok
}

// Unavailable returns the ids of ledgers served by Unavailable actors.
func (r *Registry) Unavailable() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, s := range r.schemes {
		if _, ok := r.actors[s.LedgerID()].(*Unavailable); ok {
			out = append(out, s.LedgerID())
		}
	}
	return out
}

// Close closes every actor and returns the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for id, a := range r.actors {
		if err := a.Close(); err != nil {
			log.Errorf("failed to close actor of %s: %s", id, err)
			if first == nil {
				first = err
			}
		}
	}
	r.actors = make(map[string]Actor)
	return first
}
