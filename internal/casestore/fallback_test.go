package casestore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/fixline/internal/casestore"
	"github.com/MrWong99/fixline/internal/resilience"
	"github.com/MrWong99/fixline/internal/session"
)

// brokenStore fails every call.
type brokenStore struct {
	calls  int
	closed bool
}

var errDown = errors.New("database down")

func (b *brokenStore) SaveCase(context.Context, session.Case) (string, error) {
	b.calls++
	return "", errDown
}

func (b *brokenStore) GetCase(context.Context, string) (session.Case, error) {
	b.calls++
	return session.Case{}, errDown
}

func (b *brokenStore) ListCases(context.Context, casestore.ListOpts) ([]casestore.CaseRef, error) {
	b.calls++
	return nil, errDown
}

func (b *brokenStore) Close() error {
	b.closed = true
	return nil
}

func fallbackCfg() resilience.FallbackConfig {
	return resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}}
}

func TestFallback_SavesToFallbackWhenPrimaryDown(t *testing.T) {
	t.Parallel()
	primary := &brokenStore{}
	file := newFileStore(t)
	f := casestore.NewFallback(primary, "postgres", fallbackCfg(), casestore.Named{Name: "file", Store: file})
	ctx := context.Background()

	id, err := f.SaveCase(ctx, testCase("c1", "u1", t0, "hello"))
	if err != nil {
		t.Fatalf("SaveCase: %v", err)
	}
	if id != "c1" {
		t.Errorf("id = %q", id)
	}
	if _, err := file.GetCase(ctx, "c1"); err != nil {
		t.Errorf("case not in fallback: %v", err)
	}
	got, err := f.GetCase(ctx, "c1")
	if err != nil || got.ID != "c1" {
		t.Errorf("GetCase = %+v, %v", got, err)
	}
	refs, err := f.ListCases(ctx, casestore.ListOpts{})
	if err != nil || len(refs) != 1 {
		t.Errorf("ListCases = %+v, %v", refs, err)
	}

	if st := f.States()["postgres"]; st != resilience.StateOpen {
		t.Errorf("primary state = %v, want open", st)
	}
	before := primary.calls
	if _, err := f.SaveCase(ctx, testCase("c2", "u1", t0, "again")); err != nil {
		t.Fatal(err)
	}
	if primary.calls != before {
		t.Error("open breaker still called the primary")
	}
}

func TestFallback_NotFoundDoesNotTripBreaker(t *testing.T) {
	t.Parallel()
	primary := newFileStore(t)
	secondary := newFileStore(t)
	f := casestore.NewFallback(primary, "primary", fallbackCfg(), casestore.Named{Name: "secondary", Store: secondary})
	ctx := context.Background()

	for range 5 {
		_, err := f.GetCase(ctx, "missing")
		if !errors.Is(err, casestore.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	}
	for name, st := range f.States() {
		if st != resilience.StateClosed {
			t.Errorf("%s state = %v, want closed", name, st)
		}
	}
}

// sizeLimitedStore refuses every save as too large.
type sizeLimitedStore struct{ brokenStore }

func (s *sizeLimitedStore) SaveCase(context.Context, session.Case) (string, error) {
	s.calls++
	return "", casestore.ErrTooLarge
}

func TestFallback_TooLargeDoesNotTripBreaker(t *testing.T) {
	t.Parallel()
	primary := &sizeLimitedStore{}
	secondary := newFileStore(t)
	f := casestore.NewFallback(primary, "primary", fallbackCfg(), casestore.Named{Name: "secondary", Store: secondary})
	ctx := context.Background()

	for i := range 5 {
		id, err := f.SaveCase(ctx, testCase(fmt.Sprintf("c%d", i), "u1", t0))
		if err != nil {
			t.Fatalf("SaveCase #%d: %v", i, err)
		}
		if _, err := secondary.GetCase(ctx, id); err != nil {
			t.Errorf("secondary missing %s: %v", id, err)
		}
	}
	if primary.calls != 5 {
		t.Errorf("primary calls = %d, want 5", primary.calls)
	}
	if st := f.States()["primary"]; st != resilience.StateClosed {
		t.Errorf("primary state = %v, want closed", st)
	}
}

func TestFallback_FindsCaseInLaterBackend(t *testing.T) {
	t.Parallel()
	primary := newFileStore(t)
	secondary := newFileStore(t)
	ctx := context.Background()
	if _, err := secondary.SaveCase(ctx, testCase("old", "u1", t0, "hi")); err != nil {
		t.Fatal(err)
	}
	f := casestore.NewFallback(primary, "primary", fallbackCfg(), casestore.Named{Name: "secondary", Store: secondary})

	got, err := f.GetCase(ctx, "old")
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if got.ID != "old" {
		t.Errorf("ID = %q", got.ID)
	}
}

func TestFallback_AllDown(t *testing.T) {
	t.Parallel()
	a, b := &brokenStore{}, &brokenStore{}
	f := casestore.NewFallback(a, "a", fallbackCfg(), casestore.Named{Name: "b", Store: b})

	_, err := f.SaveCase(context.Background(), testCase("c", "u", t0))
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errDown) {
		t.Errorf("err = %v, want wrapped backend error", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if !a.closed || !b.closed {
		t.Error("Close did not close every backend")
	}
}
