package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// LaneConfig names a lane and bounds how many runs it executes at once.
type LaneConfig struct {
	Name        string `json:"name" yaml:"name"`
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
}

// Lane names used by the gateway.
const (
	LaneMain = "main" // WebSocket chat
	LaneAPI  = "api"  // OpenAI-compatible HTTP endpoint
	LaneMCP  = "mcp"  // MCP tool calls
)

// DefaultLanes returns the lanes created when none are configured.
func DefaultLanes() []LaneConfig {
	return []LaneConfig{
		{Name: LaneMain, Concurrency: 4},
		{Name: LaneAPI, Concurrency: 4},
		{Name: LaneMCP, Concurrency: 2},
	}
}

// LaneStats is a utilization snapshot.
type LaneStats struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Active      int    `json:"active"`
	Waiting     int    `json:"waiting"`
}

// Lane runs submitted functions with bounded concurrency.
type Lane struct {
	name        string
	concurrency int
	sem         *semaphore.Weighted

	active  atomic.Int32
	waiting atomic.Int32
	stopped atomic.Bool
}

// NewLane creates a lane; concurrency below 1 is treated as 1.
func NewLane(name string, concurrency int) *Lane {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Lane{
		name:        name,
		concurrency: concurrency,
		sem:         semaphore.NewWeighted(int64(concurrency)),
	}
}

// Submit queues fn without blocking. fn runs exactly once: normally after a
// slot frees up, or immediately if ctx ends while waiting so the caller can
// observe the cancellation.
func (l *Lane) Submit(ctx context.Context, fn func()) error {
	if l.stopped.Load() {
		return ErrLaneStopped
	}
	l.waiting.Add(1)
	go func() {
		acquired := l.sem.Acquire(ctx, 1) == nil
		l.waiting.Add(-1)
		if acquired {
			defer l.sem.Release(1)
		}
		l.active.Add(1)
		defer l.active.Add(-1)
		fn()
	}()
	return nil
}

// Stats returns the current utilization.
func (l *Lane) Stats() LaneStats {
	return LaneStats{
		Name:        l.name,
		Concurrency: l.concurrency,
		Active:      int(l.active.Load()),
		Waiting:     int(l.waiting.Load()),
	}
}

// Stop rejects further submissions. Running functions are not interrupted.
func (l *Lane) Stop() {
	l.stopped.Store(true)
}

// LaneManager holds the named lanes.
type LaneManager struct {
	mu    sync.RWMutex
	lanes map[string]*Lane
}

func NewLaneManager(configs []LaneConfig) *LaneManager {
	lm := &LaneManager{lanes: make(map[string]*Lane, len(configs))}
	for _, c := range configs {
		lm.lanes[c.Name] = NewLane(c.Name, c.Concurrency)
	}
	return lm
}

// Get returns the named lane, falling back to the main lane. Nil if neither exists.
func (lm *LaneManager) Get(name string) *Lane {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if l, ok := lm.lanes[name]; ok {
		return l
	}
	return lm.lanes[LaneMain]
}

// GetOrCreate returns the named lane, creating it with concurrency if missing.
func (lm *LaneManager) GetOrCreate(name string, concurrency int) *Lane {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if l, ok := lm.lanes[name]; ok {
		return l
	}
	l := NewLane(name, concurrency)
	lm.lanes[name] = l
	return l
}

func (lm *LaneManager) StopAll() {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	for _, l := range lm.lanes {
		l.Stop()
	}
}

// AllStats returns stats for every lane, sorted by name.
func (lm *LaneManager) AllStats() []LaneStats {
	lm.mu.RLock()
	out := make([]LaneStats, 0, len(lm.lanes))
	for _, l := range lm.lanes {
		out = append(out, l.Stats())
	}
	lm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
