// Package casestore persists finished support cases.
//
// Two backends are provided: [PostgresStore] for deployments with a
// database and [FileStore], which appends JSON lines to a local file. Both
// can be combined with [Fallback] so a case is never lost when the primary
// store is unreachable.
package casestore

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/fixline/internal/session"
	"github.com/MrWong99/fixline/pkg/live"
)

// ErrNotFound is returned by GetCase for an unknown case ID.
var ErrNotFound = errors.New("case store: case not found")

// ErrTooLarge is returned by SaveCase when a case exceeds what the backend
// can store.
var ErrTooLarge = errors.New("case store: case too large")

// Store saves and loads cases.
type Store interface {
	session.CaseStore

	// GetCase loads a case by ID. It returns [ErrNotFound] for an unknown ID.
	GetCase(ctx context.Context, id string) (session.Case, error)

	// ListCases returns the most recently ended cases matching opts, newest
	// first.
	ListCases(ctx context.Context, opts ListOpts) ([]CaseRef, error)

	// Close releases the store's resources.
	Close() error
}

// defaultListLimit applies when ListOpts.Limit is zero.
const defaultListLimit = 50

// ListOpts filters [Store.ListCases].
type ListOpts struct {
	// UserID restricts results to one user.
	UserID string

	// Query is a free-text search over the transcript.
	Query string

	// Limit caps the number of results. Zero means 50.
	Limit int
}

func (o ListOpts) limit() int {
	if o.Limit <= 0 {
		return defaultListLimit
	}
	return o.Limit
}

// CaseRef is the listing view of a case.
type CaseRef struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	UserID    string            `json:"userId,omitempty"`
	Mode      live.Mode         `json:"mode"`
	EndedAt   time.Time         `json:"endedAt"`
	EndReason session.EndReason `json:"endReason"`
	Issue     string            `json:"issue"`
}

// RefOf returns the listing view of c.
func RefOf(c session.Case) CaseRef {
	return CaseRef{
		ID:        c.ID,
		SessionID: c.SessionID,
		UserID:    c.UserID,
		Mode:      c.Mode,
		EndedAt:   c.EndedAt,
		EndReason: c.EndReason,
		Issue:     c.Summary.Issue,
	}
}
