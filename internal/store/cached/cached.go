// Package cached wraps a RunStore with an LRU read cache for GetRun.
// Artifact serving and the chat UI fetch the same finished runs repeatedly.
package cached

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

// RunStore caches finished runs; running ones always go to the backend.
type RunStore struct {
	next  store.RunStore
	cache *lru.Cache[string, *store.RunRecord]
}

// New wraps next with an LRU of the given capacity.
func New(next store.RunStore, size int) (*RunStore, error) {
	c, err := lru.New[string, *store.RunRecord](size)
	if err != nil {
		return nil, err
	}
	return &RunStore{next: next, cache: c}, nil
}

func (s *RunStore) SaveRun(ctx context.Context, run *store.RunRecord) error {
	if err := s.next.SaveRun(ctx, run); err != nil {
		return err
	}
	if run.Status == store.RunStatusRunning {
		s.cache.Remove(run.ID)
		return nil
	}
	s.cache.Add(run.ID, run.Clone())
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (*store.RunRecord, error) {
	if run, ok := s.cache.Get(id); ok {
		return run.Clone(), nil
	}
	run, err := s.next.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunStatusRunning {
		s.cache.Add(id, run.Clone())
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error) {
	return s.next.ListRuns(ctx, filter)
}

func (s *RunStore) DeleteRun(ctx context.Context, id string) error {
	s.cache.Remove(id)
	return s.next.DeleteRun(ctx, id)
}

// Len reports the number of cached runs.
func (s *RunStore) Len() int { return s.cache.Len() }
