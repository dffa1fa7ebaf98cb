package casestore

import (
	"context"
	"errors"

	"github.com/MrWong99/fixline/internal/resilience"
	"github.com/MrWong99/fixline/internal/session"
)

var _ Store = (*Fallback)(nil)

// Fallback spreads a case store over several backends. Saves go to the
// first healthy backend. Reads try every backend until one has the case, so
// a case saved to the fallback while the primary was down stays reachable.
type Fallback struct {
	group  *resilience.FallbackGroup[Store]
	stores []Store
}

// NewFallback returns a Fallback with primary preferred over fallbacks, in
// order. cfg tunes the breaker of each backend; a missing or oversized case
// never counts against a breaker.
func NewFallback(primary Store, primaryName string, cfg resilience.FallbackConfig, fallbacks ...Named) *Fallback {
	inner := cfg.CircuitBreaker.IsFailure
	cfg.CircuitBreaker.IsFailure = func(err error) bool {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTooLarge) {
			return false
		}
		if inner != nil {
			return inner(err)
		}
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	f := &Fallback{group: resilience.NewFallbackGroup(primary, primaryName, cfg), stores: []Store{primary}}
	for _, n := range fallbacks {
		f.group.AddFallback(n.Name, n.Store)
		f.stores = append(f.stores, n.Store)
	}
	return f
}

// Named pairs a store with the name used in logs.
type Named struct {
	Name  string
	Store Store
}

// SaveCase implements [session.CaseStore].
func (f *Fallback) SaveCase(ctx context.Context, c session.Case) (string, error) {
	return resilience.Call(ctx, f.group, func(ctx context.Context, s Store) (string, error) {
		return s.SaveCase(ctx, c)
	})
}

// GetCase implements [Store].
func (f *Fallback) GetCase(ctx context.Context, id string) (session.Case, error) {
	c, err := resilience.Call(ctx, f.group, func(ctx context.Context, s Store) (session.Case, error) {
		return s.GetCase(ctx, id)
	})
	if err != nil && errors.Is(err, ErrNotFound) {
		return session.Case{}, ErrNotFound
	}
	return c, err
}

// ListCases implements [Store] using the first healthy backend.
func (f *Fallback) ListCases(ctx context.Context, opts ListOpts) ([]CaseRef, error) {
	return resilience.Call(ctx, f.group, func(ctx context.Context, s Store) ([]CaseRef, error) {
		return s.ListCases(ctx, opts)
	})
}

// States reports the breaker state of every backend.
func (f *Fallback) States() map[string]resilience.State { return f.group.States() }

// Close closes every backend.
func (f *Fallback) Close() error {
	var errs []error
	for _, s := range f.stores {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
