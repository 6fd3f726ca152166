// Package sweeper expires stale escalation requests on a cron schedule.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Target is the sweep operation the sweeper drives.
type Target interface {
	Sweep() (int, error)
}

// Sweeper runs the expiration sweep whenever its cron schedule fires.
// Expiration is reactive: a pending request past its deadline stays
// pending in storage until a sweep or a review touches it.
type Sweeper struct {
	schedule cron.Schedule
	target   Target
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}

	// checkInterval is how often the loop wakes to compare against the
	// schedule. Overridden in tests.
	checkInterval time.Duration

	nextRun time.Time

	mu           sync.Mutex
	runCount     int64
	expiredTotal int64
	lastError    string
}

// New creates a sweeper from a standard five-field cron expression.
func New(expr string, target Target, log *slog.Logger) (*Sweeper, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		schedule:      schedule,
		target:        target,
		logger:        log.With("component", "sweeper"),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		checkInterval: time.Minute,
	}, nil
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called. An immediate sweep runs on startup to catch requests that
// expired while the process was down.
func (s *Sweeper) Start(ctx context.Context) {
	defer close(s.doneCh)

	s.runSweep()
	s.nextRun = s.schedule.Next(time.Now())
	s.logger.Info("sweeper started", "next_run", s.nextRun.Format(time.RFC3339))

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped (context cancelled)")
			return
		case <-s.stopCh:
			s.logger.Info("sweeper stopped")
			return
		case now := <-ticker.C:
			if now.Before(s.nextRun) {
				continue
			}
			s.runSweep()
			s.nextRun = s.schedule.Next(time.Now())
			s.logger.Debug("next sweep scheduled", "next_run", s.nextRun.Format(time.RFC3339))
		}
	}
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) runSweep() {
	start := time.Now()
	expired, err := s.target.Sweep()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runCount++
	if err != nil {
		s.lastError = err.Error()
		s.logger.Error("sweep failed", "error", err, "duration", time.Since(start))
		return
	}

	s.lastError = ""
	s.expiredTotal += int64(expired)
	if expired > 0 {
		s.logger.Info("sweep completed",
			"expired", expired,
			"duration", time.Since(start),
			"run_count", s.runCount)
	} else {
		s.logger.Debug("sweep completed, nothing expired", "duration", time.Since(start))
	}
}

// Stats reports the sweeper's counters.
func (s *Sweeper) Stats() (runs, expired int64, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCount, s.expiredTotal, s.lastError
}
