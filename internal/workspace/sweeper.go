package workspace

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Sweeper runs Manager.Sweep on a cron schedule.
type Sweeper struct {
	manager *Manager
	expr    string
	maxAge  time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper validates the cron expression (e.g. "*/15 * * * *").
func NewSweeper(m *Manager, expr string, maxAge time.Duration) (*Sweeper, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep schedule %q", expr)
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("sweep max age must be positive")
	}
	return &Sweeper{manager: m, expr: expr, maxAge: maxAge, stopCh: make(chan struct{})}, nil
}

// Start launches the background loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop ends the loop and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	for {
		next, err := gronx.NextTickAfter(s.expr, time.Now(), false)
		if err != nil {
			slog.Error("workspace sweeper: next tick", "expr", s.expr, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		n, err := s.manager.Sweep(s.maxAge)
		if err != nil {
			slog.Warn("workspace sweep failed", "error", err)
			continue
		}
		if n > 0 {
			slog.Info("workspace swept", "removed", n, "max_age", s.maxAge)
		}
	}
}
