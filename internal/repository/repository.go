package repository

import (
	"context"

	"github.com/iliyamo/contract-drafting/internal/model"
)

// SessionRepository persists drafting sessions. Implementations must make
// Save all-or-nothing and must serialize RunExclusive calls per session id:
// the callback owns the session record exclusively for its duration while
// operations on distinct ids proceed in parallel.
//
// RunExclusive implements the engine's critical section: load the session,
// hand it to fn, and persist it only when fn returns nil. An error from fn
// aborts the save so failed operations never leave partial mutations
// behind.
type SessionRepository interface {
	// GetOrCreate loads the session or creates an empty one owned by
	// ownerUserID if no record exists.
	GetOrCreate(ctx context.Context, id, ownerUserID string) (*model.Session, error)

	// Load returns the session or ErrSessionNotFound.
	Load(ctx context.Context, id string) (*model.Session, error)

	// Save persists the session atomically, refreshing its UpdatedAt.
	Save(ctx context.Context, s *model.Session) error

	// RunExclusive executes fn under the session-scoped lock.
	RunExclusive(ctx context.Context, id string, fn func(*model.Session) error) error

	// Delete removes the session record. Deleting a missing session is a
	// no-op.
	Delete(ctx context.Context, id string) error

	// ListByOwner returns summaries of the sessions a user participates
	// in, newest first.
	ListByOwner(ctx context.Context, userID string) ([]model.SessionSummary, error)
}

// participants collects the user ids attached to a session: the owner plus
// every role claimant. Used to maintain per-user indexes.
func participants(s *model.Session) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(s.OwnerUserID)
	for _, uid := range s.RoleOwners {
		add(uid)
	}
	return out
}

// summaryOf projects a session onto its listing shape.
func summaryOf(s *model.Session) model.SessionSummary {
	return model.SessionSummary{
		SessionID:  s.SessionID,
		CategoryID: s.CategoryID,
		TemplateID: s.TemplateID,
		State:      s.State,
		UpdatedAt:  s.UpdatedAt,
	}
}
