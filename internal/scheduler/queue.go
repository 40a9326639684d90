// Package scheduler serializes agent runs per session and bounds total
// concurrency with named lanes.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/cloudserve/internal/agent"
)

// QueueMode decides what happens to a message that arrives while its session is busy.
type QueueMode string

const (
	// QueueModeQueue runs messages one after another in arrival order.
	QueueModeQueue QueueMode = "queue"

	// QueueModeFollowup collapses everything queued behind the active run into
	// one follow-up run with the messages joined.
	QueueModeFollowup QueueMode = "followup"

	// QueueModeInterrupt cancels the active run and discards the backlog.
	QueueModeInterrupt QueueMode = "interrupt"
)

// DropPolicy picks the victim when a session queue is full.
type DropPolicy string

const (
	DropOld DropPolicy = "old" // evict the oldest queued message
	DropNew DropPolicy = "new" // reject the incoming message
)

// QueueConfig configures per-session queuing.
type QueueConfig struct {
	Mode       QueueMode  `json:"mode" yaml:"mode"`
	Cap        int        `json:"cap" yaml:"cap"`
	Drop       DropPolicy `json:"drop" yaml:"drop"`
	DebounceMs int        `json:"debounce_ms" yaml:"debounce_ms"`
}

// DefaultQueueConfig returns the defaults used when the config omits them.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Mode:       QueueModeQueue,
		Cap:        10,
		Drop:       DropOld,
		DebounceMs: 300,
	}
}

// RunFunc executes one agent run when its turn comes.
type RunFunc func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)

// PendingRequest is a queued run. Each request keeps the context it was
// enqueued with so a cancelled caller never poisons later runs.
type PendingRequest struct {
	Ctx      context.Context
	Req      agent.RunRequest
	ResultCh chan RunOutcome
}

// RunOutcome is the result of a scheduled run.
type RunOutcome struct {
	Result *agent.RunResult
	Err    error
}

func (p *PendingRequest) finish(out RunOutcome) {
	p.ResultCh <- out
	close(p.ResultCh)
}

// SessionQueue serializes runs for one session key.
type SessionQueue struct {
	key     string
	config  QueueConfig
	runFn   RunFunc
	laneMgr *LaneManager
	lane    string

	mu     sync.Mutex
	queue  []*PendingRequest
	active bool
	cancel context.CancelFunc // cancels the active run
	timer  *time.Timer        // debounce
}

func NewSessionQueue(key, lane string, cfg QueueConfig, laneMgr *LaneManager, runFn RunFunc) *SessionQueue {
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultQueueConfig().Cap
	}
	return &SessionQueue{
		key:     key,
		config:  cfg,
		runFn:   runFn,
		laneMgr: laneMgr,
		lane:    lane,
	}
}

// Enqueue adds a request and returns a channel that receives its outcome.
func (sq *SessionQueue) Enqueue(ctx context.Context, req agent.RunRequest) <-chan RunOutcome {
	outcome := make(chan RunOutcome, 1)
	pending := &PendingRequest{Ctx: ctx, Req: req, ResultCh: outcome}

	sq.mu.Lock()
	defer sq.mu.Unlock()

	if sq.config.Mode == QueueModeInterrupt {
		if sq.active && sq.cancel != nil {
			sq.cancel()
		}
		sq.drainQueue(RunOutcome{Err: context.Canceled})
		sq.queue = append(sq.queue, pending)
	} else if len(sq.queue) >= sq.config.Cap {
		sq.applyDropPolicy(pending)
	} else {
		sq.queue = append(sq.queue, pending)
	}

	if !sq.active {
		sq.scheduleNext()
	}
	return outcome
}

// scheduleNext starts the head of the queue after the debounce window.
// Must be called with sq.mu held.
func (sq *SessionQueue) scheduleNext() {
	if len(sq.queue) == 0 {
		return
	}
	debounce := time.Duration(sq.config.DebounceMs) * time.Millisecond
	if debounce <= 0 {
		sq.startNext()
		return
	}
	if sq.timer != nil {
		sq.timer.Stop()
	}
	sq.timer = time.AfterFunc(debounce, func() {
		sq.mu.Lock()
		defer sq.mu.Unlock()
		if !sq.active && len(sq.queue) > 0 {
			sq.startNext()
		}
	})
}

// startNext pops the next request (or, in followup mode, the whole backlog)
// and submits it to the lane. Must be called with sq.mu held.
func (sq *SessionQueue) startNext() {
	if len(sq.queue) == 0 {
		return
	}

	batch := sq.queue[:1]
	if sq.config.Mode == QueueModeFollowup {
		batch = sq.queue
	}
	sq.queue = append([]*PendingRequest(nil), sq.queue[len(batch):]...)
	sq.active = true

	head := batch[len(batch)-1]
	req := head.Req
	if len(batch) > 1 {
		msgs := make([]string, len(batch))
		for i, p := range batch {
			msgs[i] = p.Req.Message
		}
		req.Message = strings.Join(msgs, "\n\n")
	}

	runCtx, cancel := context.WithCancel(head.Ctx)
	sq.cancel = cancel

	lane := sq.laneMgr.Get(sq.lane)
	if lane == nil {
		go sq.executeRun(runCtx, cancel, req, batch)
		return
	}
	if err := lane.Submit(runCtx, func() { sq.executeRun(runCtx, cancel, req, batch) }); err != nil {
		cancel()
		for _, p := range batch {
			p.finish(RunOutcome{Err: err})
		}
		sq.active = false
		sq.cancel = nil
	}
}

// executeRun runs the agent, fans the outcome out to every request in the
// batch, then schedules whatever queued up meanwhile.
func (sq *SessionQueue) executeRun(ctx context.Context, cancel context.CancelFunc, req agent.RunRequest, batch []*PendingRequest) {
	var out RunOutcome
	if err := ctx.Err(); err != nil {
		out.Err = err
	} else {
		out.Result, out.Err = sq.runFn(ctx, req)
	}
	cancel()
	for _, p := range batch {
		p.finish(out)
	}

	sq.mu.Lock()
	sq.active = false
	sq.cancel = nil
	sq.scheduleNext()
	sq.mu.Unlock()
}

// applyDropPolicy handles a full queue. Must be called with sq.mu held.
func (sq *SessionQueue) applyDropPolicy(incoming *PendingRequest) {
	if sq.config.Drop == DropNew {
		slog.Debug("session queue full, rejecting message", "session", sq.key)
		incoming.finish(RunOutcome{Err: ErrQueueFull})
		return
	}
	if len(sq.queue) > 0 {
		slog.Debug("session queue full, dropping oldest", "session", sq.key, "run", sq.queue[0].Req.RunID)
		sq.queue[0].finish(RunOutcome{Err: ErrQueueDropped})
		sq.queue = sq.queue[1:]
	}
	sq.queue = append(sq.queue, incoming)
}

// drainQueue resolves every queued request with outcome. Must be called with sq.mu held.
func (sq *SessionQueue) drainQueue(outcome RunOutcome) {
	for _, p := range sq.queue {
		p.finish(outcome)
	}
	sq.queue = nil
}

// Cancel aborts the active run and discards the backlog. Returns whether anything was cancelled.
func (sq *SessionQueue) Cancel() bool {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	hit := len(sq.queue) > 0
	if sq.timer != nil {
		sq.timer.Stop()
	}
	sq.drainQueue(RunOutcome{Err: context.Canceled})
	if sq.active && sq.cancel != nil {
		sq.cancel()
		hit = true
	}
	return hit
}

// IsActive reports whether a run is executing.
func (sq *SessionQueue) IsActive() bool {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.active
}

// QueueLen returns the number of waiting requests.
func (sq *SessionQueue) QueueLen() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.queue)
}

func (sq *SessionQueue) setConfig(cfg QueueConfig) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	sq.config = cfg
}

// Scheduler owns the lanes and one SessionQueue per session key.
type Scheduler struct {
	lanes    *LaneManager
	sessions map[string]*SessionQueue
	config   QueueConfig
	runFn    RunFunc
	mu       sync.RWMutex
}

// NewScheduler creates a scheduler. nil laneConfigs selects DefaultLanes.
func NewScheduler(laneConfigs []LaneConfig, queueCfg QueueConfig, runFn RunFunc) *Scheduler {
	if laneConfigs == nil {
		laneConfigs = DefaultLanes()
	}
	return &Scheduler{
		lanes:    NewLaneManager(laneConfigs),
		sessions: make(map[string]*SessionQueue),
		config:   queueCfg,
		runFn:    runFn,
	}
}

// Schedule enqueues req on its session queue and returns the outcome channel.
func (s *Scheduler) Schedule(ctx context.Context, lane string, req agent.RunRequest) <-chan RunOutcome {
	return s.session(req.SessionKey, lane).Enqueue(ctx, req)
}

// Run schedules req and waits for its outcome.
func (s *Scheduler) Run(ctx context.Context, lane string, req agent.RunRequest) (*agent.RunResult, error) {
	select {
	case out := <-s.Schedule(ctx, lane, req):
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) session(sessionKey, lane string) *SessionQueue {
	s.mu.RLock()
	sq, ok := s.sessions[sessionKey]
	s.mu.RUnlock()
	if ok {
		return sq
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sq, ok := s.sessions[sessionKey]; ok {
		return sq
	}
	sq = NewSessionQueue(sessionKey, lane, s.config, s.lanes, s.runFn)
	s.sessions[sessionKey] = sq
	slog.Debug("session queue created", "session", sessionKey, "lane", lane)
	return sq
}

// CancelSession aborts the active run and backlog of a session.
func (s *Scheduler) CancelSession(sessionKey string) bool {
	s.mu.RLock()
	sq, ok := s.sessions[sessionKey]
	s.mu.RUnlock()
	return ok && sq.Cancel()
}

// UpdateConfig applies a new queue config to new and existing sessions.
func (s *Scheduler) UpdateConfig(cfg QueueConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
	for _, sq := range s.sessions {
		sq.setConfig(cfg)
	}
}

// SessionStatus is a snapshot of one session queue.
type SessionStatus struct {
	SessionKey string `json:"sessionKey"`
	Active     bool   `json:"active"`
	Queued     int    `json:"queued"`
}

// ActiveSessions lists sessions that are running or have queued work, sorted by key.
func (s *Scheduler) ActiveSessions() []SessionStatus {
	s.mu.RLock()
	var out []SessionStatus
	for key, sq := range s.sessions {
		active, queued := sq.IsActive(), sq.QueueLen()
		if active || queued > 0 {
			out = append(out, SessionStatus{SessionKey: key, Active: active, Queued: queued})
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out
}

// Stop rejects new work on every lane.
func (s *Scheduler) Stop() {
	s.lanes.StopAll()
}

// LaneStats returns utilization for all lanes.
func (s *Scheduler) LaneStats() []LaneStats {
	return s.lanes.AllStats()
}

func (s *Scheduler) Lanes() *LaneManager {
	return s.lanes
}
