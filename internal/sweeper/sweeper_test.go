package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type countingTarget struct {
	calls   atomic.Int64
	expired int
	err     error
}

func (c *countingTarget) Sweep() (int, error) {
	c.calls.Add(1)
	return c.expired, c.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New("every five minutes", &countingTarget{}, testLogger()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	if _, err := New("*/5 * * * *", &countingTarget{}, testLogger()); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
}

func TestStartSweepsImmediately(t *testing.T) {
	target := &countingTarget{expired: 2}
	s, err := New("*/5 * * * *", target, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)

	deadline := time.After(2 * time.Second)
	for target.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("startup sweep never ran")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	cancel()
	<-s.doneCh

	runs, expired, lastError := s.Stats()
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
	if expired != 2 {
		t.Errorf("expired = %d, want 2", expired)
	}
	if lastError != "" {
		t.Errorf("lastError = %q, want empty", lastError)
	}
}

// immediateSchedule always fires on the next check.
type immediateSchedule struct{}

func (immediateSchedule) Next(t time.Time) time.Time { return t }

func TestSweepFiresOnSchedule(t *testing.T) {
	target := &countingTarget{}
	s, err := New("* * * * *", target, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.schedule = immediateSchedule{}
	s.checkInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)
	defer func() {
		cancel()
		<-s.doneCh
	}()

	// Startup sweep plus at least one scheduled sweep.
	deadline := time.After(2 * time.Second)
	for target.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("scheduled sweep never ran")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestSweepErrorRecorded(t *testing.T) {
	target := &countingTarget{err: errors.New("store offline")}
	s, err := New("*/5 * * * *", target, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.runSweep()

	runs, expired, lastError := s.Stats()
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
	if expired != 0 {
		t.Errorf("expired = %d, want 0", expired)
	}
	if lastError != "store offline" {
		t.Errorf("lastError = %q", lastError)
	}
}

func TestStop(t *testing.T) {
	s, err := New("*/5 * * * *", &countingTarget{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
