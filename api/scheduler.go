/*
scheduler.go - Background sweep and settlement scheduler

PURPOSE:
  Periodically runs the expiry sweep and the monthly settlement check.
  Both jobs are idempotent by construction (terminal entry statuses,
  unique (agent, period) batches), so the scheduler is a dumb ticker:
  it never tracks what has been processed, it just calls the jobs and
  lets their own guards skip completed work.

DESIGN:
  - One background goroutine per job, each on its own ticker
  - Runs immediately on start, then on the configured interval
  - Stop() waits for in-flight runs to finish

USAGE:
  scheduler := NewScheduler(sweeper, batcher)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/sweeper.go:       RunDailyExpirySweep
  - commission/settlement.go: RunMonthlySettlement
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/salonhub/ledger-engine/commission"
	"github.com/salonhub/ledger-engine/ledger"
)

// Scheduler drives the periodic maintenance jobs.
type Scheduler struct {
	Sweeper            *ledger.ExpirySweeper
	Batcher            *commission.SettlementBatcher
	SweepInterval      time.Duration
	SettlementInterval time.Duration
	Enabled            bool

	stop chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
	on   bool
}

// NewScheduler creates a scheduler with hourly sweeps and six-hourly
// settlement checks.
func NewScheduler(sweeper *ledger.ExpirySweeper, batcher *commission.SettlementBatcher) *Scheduler {
	return &Scheduler{
		Sweeper:            sweeper,
		Batcher:            batcher,
		SweepInterval:      1 * time.Hour,
		SettlementInterval: 6 * time.Hour,
		Enabled:            true,
		stop:               make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}
	if s.on {
		return
	}
	s.on = true

	s.wg.Add(2)
	go s.loop("sweep", s.SweepInterval, s.runSweep)
	go s.loop("settlement", s.SettlementInterval, s.runSettlement)

	log.Printf("[Scheduler] Started: sweep every %v, settlement check every %v",
		s.SweepInterval, s.SettlementInterval)
}

// Stop stops the scheduler and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.on {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.on = false
	log.Println("[Scheduler] Stopped")
}

func (s *Scheduler) loop(name string, interval time.Duration, job func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start
	job()

	for {
		select {
		case <-ticker.C:
			job()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) runSweep() {
	if _, err := s.Sweeper.RunDailyExpirySweep(context.Background()); err != nil {
		log.Printf("[Scheduler] sweep failed: %v", err)
	}
}

func (s *Scheduler) runSettlement() {
	if _, err := s.Batcher.RunMonthlySettlement(context.Background()); err != nil {
		log.Printf("[Scheduler] settlement failed: %v", err)
	}
}

// RunNow triggers both jobs immediately (for testing/admin).
func (s *Scheduler) RunNow() {
	s.runSweep()
	s.runSettlement()
}
