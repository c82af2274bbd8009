package session

import (
	"context"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"
)

const (
	DefaultLockMaxAge    = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Sweeper periodically reclaims idle session locks. It plugs into the aqm
// lifecycle through Start and Stop.
type Sweeper struct {
	locks    *LockRegistry
	maxAge   time.Duration
	interval time.Duration
	logger   aqm.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(locks *LockRegistry, maxAge, interval time.Duration, logger aqm.Logger) *Sweeper {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	if maxAge < 0 {
		maxAge = DefaultLockMaxAge
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		locks:    locks,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, s.done)

	s.logger.Info("lock sweeper started", "interval", s.interval.String(), "max_age", s.maxAge.String())
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one cleanup pass. Failures are logged and never propagated.
func (s *Sweeper) Sweep() (removed int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("lock sweep panicked", "panic", r)
			removed = 0
		}
	}()
	removed = s.locks.CleanupExpired(s.maxAge)
	s.logger.Debug("lock sweep finished", "removed", removed, "remaining", s.locks.Len())
	return removed
}
