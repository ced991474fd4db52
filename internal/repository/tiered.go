package repository

import (
	"context"
	"errors"
	"log"

	"github.com/iliyamo/contract-drafting/internal/model"
)

// TieredStore chains a primary store (Redis) with a fallback (memory).
// Backend failures — and only those — divert to the fallback; domain
// errors such as ErrSessionNotFound are final. The engine stays
// indifferent to which physical store answered.
type TieredStore struct {
	primary  SessionRepository
	fallback SessionRepository
}

// NewTieredStore returns a store that prefers primary and degrades to
// fallback on ErrRepositoryUnavailable. fallback must not be nil; pass
// the memory store.
func NewTieredStore(primary, fallback SessionRepository) *TieredStore {
	return &TieredStore{primary: primary, fallback: fallback}
}

// divert reports whether the fallback tier should take over.
func divert(err error) bool {
	return err != nil && errors.Is(err, ErrRepositoryUnavailable)
}

// GetOrCreate prefers the primary tier.
func (t *TieredStore) GetOrCreate(ctx context.Context, id, ownerUserID string) (*model.Session, error) {
	s, err := t.primary.GetOrCreate(ctx, id, ownerUserID)
	if divert(err) {
		log.Printf("store: primary get_or_create failed, falling back: %v", err)
		return t.fallback.GetOrCreate(ctx, id, ownerUserID)
	}
	return s, err
}

// Load prefers the primary tier; a session missing from the primary is
// not retried against the fallback so reads stay consistent with the
// committed write path.
func (t *TieredStore) Load(ctx context.Context, id string) (*model.Session, error) {
	s, err := t.primary.Load(ctx, id)
	if divert(err) {
		log.Printf("store: primary load failed, falling back: %v", err)
		return t.fallback.Load(ctx, id)
	}
	return s, err
}

// Save prefers the primary tier.
func (t *TieredStore) Save(ctx context.Context, s *model.Session) error {
	err := t.primary.Save(ctx, s)
	if divert(err) {
		log.Printf("store: primary save failed, falling back: %v", err)
		return t.fallback.Save(ctx, s)
	}
	return err
}

// RunExclusive runs the critical section on the primary; if the primary
// cannot even take the lock, the whole section reruns on the fallback.
func (t *TieredStore) RunExclusive(ctx context.Context, id string, fn func(*model.Session) error) error {
	err := t.primary.RunExclusive(ctx, id, fn)
	if divert(err) {
		log.Printf("store: primary critical section failed, falling back: %v", err)
		return t.fallback.RunExclusive(ctx, id, fn)
	}
	return err
}

// Delete removes the session from both tiers.
func (t *TieredStore) Delete(ctx context.Context, id string) error {
	err := t.primary.Delete(ctx, id)
	if divert(err) {
		log.Printf("store: primary delete failed: %v", err)
		err = nil
	}
	if ferr := t.fallback.Delete(ctx, id); ferr != nil {
		return ferr
	}
	return err
}

// ListByOwner prefers the primary tier.
func (t *TieredStore) ListByOwner(ctx context.Context, userID string) ([]model.SessionSummary, error) {
	out, err := t.primary.ListByOwner(ctx, userID)
	if divert(err) {
		log.Printf("store: primary list failed, falling back: %v", err)
		return t.fallback.ListByOwner(ctx, userID)
	}
	return out, err
}
