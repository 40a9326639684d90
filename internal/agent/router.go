package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/cloudserve/internal/sessions"
)

// ResolverFunc builds an agent that is not cached yet.
type ResolverFunc func(agentID string) (Agent, error)

const defaultRouterTTL = 10 * time.Minute

type agentEntry struct {
	agent    Agent
	cachedAt time.Time
}

// Router holds the configured agents and the runs currently in flight.
// Entries created by the resolver expire after the TTL so config reloads are picked up.
type Router struct {
	agents     map[string]*agentEntry
	mu         sync.RWMutex
	activeRuns sync.Map // runID → *ActiveRun
	resolver   ResolverFunc
	ttl        time.Duration
}

func NewRouter() *Router {
	return &Router{
		agents: make(map[string]*agentEntry),
		ttl:    defaultRouterTTL,
	}
}

// SetResolver installs a fallback used by Get for unknown or expired IDs.
func (r *Router) SetResolver(fn ResolverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver = fn
}

// SetTTL changes the cache lifetime; 0 keeps entries forever.
func (r *Router) SetTTL(ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ttl = ttl
}

// Register adds or replaces an agent.
func (r *Router) Register(ag Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[ag.ID()] = &agentEntry{agent: ag, cachedAt: time.Now()}
}

// Get returns an agent by ID, consulting the resolver when it is missing or stale.
// Without a resolver, registered agents never expire.
func (r *Router) Get(agentID string) (Agent, error) {
	r.mu.RLock()
	entry, ok := r.agents[agentID]
	resolver := r.resolver
	ttl := r.ttl
	r.mu.RUnlock()

	if ok && (resolver == nil || ttl == 0 || time.Since(entry.cachedAt) < ttl) {
		return entry.agent, nil
	}
	if resolver == nil {
		return nil, fmt.Errorf("agent not found: %s", agentID)
	}

	ag, err := resolver(agentID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[agentID]; ok && existing != entry {
		return existing.agent, nil
	}
	r.agents[agentID] = &agentEntry{agent: ag, cachedAt: time.Now()}
	return ag, nil
}

// Remove drops an agent from the cache.
func (r *Router) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// List returns registered agent IDs, sorted.
func (r *Router) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AgentInfo is lightweight metadata about an agent.
type AgentInfo struct {
	ID        string `json:"id"`
	Model     string `json:"model"`
	IsRunning bool   `json:"isRunning"`
}

// ListInfo returns metadata for all agents, sorted by ID.
func (r *Router) ListInfo() []AgentInfo {
	r.mu.RLock()
	infos := make([]AgentInfo, 0, len(r.agents))
	for _, entry := range r.agents {
		infos = append(infos, AgentInfo{
			ID:        entry.agent.ID(),
			Model:     entry.agent.Model(),
			IsRunning: entry.agent.IsRunning(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// ActiveRun is a run that chat.abort can cancel.
type ActiveRun struct {
	RunID      string
	SessionKey string
	AgentID    string
	Cancel     context.CancelFunc
	StartedAt  time.Time
}

// RegisterRun tracks an in-flight run.
func (r *Router) RegisterRun(runID, sessionKey, agentID string, cancel context.CancelFunc) {
	r.activeRuns.Store(runID, &ActiveRun{
		RunID:      runID,
		SessionKey: sessionKey,
		AgentID:    agentID,
		Cancel:     cancel,
		StartedAt:  time.Now(),
	})
}

// UnregisterRun stops tracking a finished run.
func (r *Router) UnregisterRun(runID string) {
	r.activeRuns.Delete(runID)
}

// AbortRun cancels one run. A non-empty sessionKey must match the run's session.
func (r *Router) AbortRun(runID, sessionKey string) bool {
	val, ok := r.activeRuns.Load(runID)
	if !ok {
		return false
	}
	run := val.(*ActiveRun)
	if sessionKey != "" && run.SessionKey != sessionKey {
		return false
	}
	run.Cancel()
	r.activeRuns.Delete(runID)
	return true
}

// AbortRunsForSession cancels every run of a session and returns their IDs.
func (r *Router) AbortRunsForSession(sessionKey string) []string {
	var aborted []string
	r.activeRuns.Range(func(key, val interface{}) bool {
		run := val.(*ActiveRun)
		if run.SessionKey == sessionKey {
			run.Cancel()
			r.activeRuns.Delete(key)
			aborted = append(aborted, run.RunID)
		}
		return true
	})
	return aborted
}

// ActiveRunCount reports how many runs are in flight.
func (r *Router) ActiveRunCount() int {
	n := 0
	r.activeRuns.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// RunSession runs req on the agent named by its session key
// ("agent:<id>:<suffix>"). It is the scheduler's run function.
func (r *Router) RunSession(ctx context.Context, req RunRequest) (*RunResult, error) {
	agentID, _, ok := sessions.ParseSessionKey(req.SessionKey)
	if !ok {
		return nil, fmt.Errorf("invalid session key %q", req.SessionKey)
	}
	ag, err := r.Get(agentID)
	if err != nil {
		return nil, err
	}
	return ag.Run(ctx, req)
}
