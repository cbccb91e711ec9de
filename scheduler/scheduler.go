package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"pulse/checker"
	"pulse/model"
)

// Store is the slice of the persistence collaborator the scheduler needs.
type Store interface {
	ActiveServices(ctx context.Context) ([]*model.Service, error)
	GetService(ctx context.Context, id string) (*model.Service, error)
}

// Ingestor consumes completed check results. Satisfied by *status.Aggregator.
type Ingestor interface {
	Ingest(ctx context.Context, result *model.CheckResult)
	State(serviceID string) model.ServiceState
}

// Alerter surfaces operational conditions (store unavailable) to the
// event stream.
type Alerter interface {
	Alert(message string)
}

// Options tune the scheduling loop.
type Options struct {
	TickInterval  time.Duration // cadence of due-service scans, default 1s
	MaxConcurrent int64         // outstanding probes across all services, default 50
}

// Scheduler scans for due services on a fixed tick and dispatches probes.
// Dispatch is fire-and-forget with respect to the tick: a slow check for
// one service never delays scheduling for another. The next due time is
// measured from check completion, and a service with a check still in
// flight is skipped rather than queued.
type Scheduler struct {
	store    Store
	executor checker.Checker
	ingestor Ingestor
	alerter  Alerter
	tick     time.Duration
	sem      *semaphore.Weighted

	mu            sync.Mutex
	lastCompleted map[string]time.Time
	inFlight      map[string]bool
	storeDown     bool
}

func New(store Store, executor checker.Checker, ingestor Ingestor, alerter Alerter, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 50
	}
	return &Scheduler{
		store:         store,
		executor:      executor,
		ingestor:      ingestor,
		alerter:       alerter,
		tick:          opts.TickInterval,
		sem:           semaphore.NewWeighted(opts.MaxConcurrent),
		lastCompleted: make(map[string]time.Time),
		inFlight:      make(map[string]bool),
	}
}

// Run drives the scheduling loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.dispatchDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

// dispatchDue selects services whose due time has elapsed and launches a
// probe for each. If the store cannot be read, scheduling pauses for the
// tick and the condition is surfaced once as an alert instead of silently
// dropping work.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	services, err := s.listWithRetry(ctx)
	if err != nil {
		s.mu.Lock()
		wasDown := s.storeDown
		s.storeDown = true
		s.mu.Unlock()
		log.Printf("scheduler: list services: %v", err)
		if !wasDown {
			s.alerter.Alert("configuration store unavailable, scheduling paused")
		}
		return
	}

	s.mu.Lock()
	if s.storeDown {
		s.storeDown = false
		log.Printf("scheduler: configuration store recovered")
	}
	s.mu.Unlock()

	now := time.Now()
	for _, svc := range services {
		if !s.claim(svc, now) {
			continue
		}
		go s.runCheck(ctx, svc)
	}
}

// claim decides whether a service is due and marks it in flight. Overruns
// skip missed ticks rather than building a backlog.
func (s *Scheduler) claim(svc *model.Service, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight[svc.ID] {
		return false
	}
	if last, ok := s.lastCompleted[svc.ID]; ok && now.Before(last.Add(svc.IntervalOrDefault())) {
		return false
	}
	s.inFlight[svc.ID] = true
	return true
}

func (s *Scheduler) runCheck(ctx context.Context, svc *model.Service) {
	defer func() {
		s.mu.Lock()
		s.lastCompleted[svc.ID] = time.Now()
		delete(s.inFlight, svc.ID)
		s.mu.Unlock()
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	result, err := s.executor.Check(ctx, svc)
	if err != nil {
		// Definition is unusable; validation should have caught this.
		log.Printf("scheduler: check %s (%s): %v", svc.Name, svc.ID, err)
		return
	}
	s.ingestor.Ingest(ctx, result)
}

// TriggerNow runs an immediate check outside the schedule and returns the
// result synchronously. The regular cadence is not perturbed: the next
// scheduled due time stays where it was. Probe failures come back as a
// normal failed CheckResult, not an error.
func (s *Scheduler) TriggerNow(ctx context.Context, serviceID string) (*model.CheckResult, error) {
	svc, err := s.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("load service %s: %w", serviceID, err)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	result, err := s.executor.Check(ctx, svc)
	if err != nil {
		return nil, err
	}
	s.ingestor.Ingest(ctx, result)
	return result, nil
}

// Drop clears scheduling state for a deleted service.
func (s *Scheduler) Drop(serviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastCompleted, serviceID)
}

// listWithRetry reads the active, unpaused service set with a short
// backoff against transient store failures. Paused services never enter
// the dispatch set.
func (s *Scheduler) listWithRetry(ctx context.Context) ([]*model.Service, error) {
	var services []*model.Service
	var err error
	for attempt, delay := 0, 200*time.Millisecond; attempt < 3; attempt, delay = attempt+1, delay*2 {
		services, err = s.store.ActiveServices(ctx)
		if err == nil {
			return s.excludePaused(services), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, err
}

func (s *Scheduler) excludePaused(services []*model.Service) []*model.Service {
	out := services[:0]
	for _, svc := range services {
		if s.ingestor.State(svc.ID).Status == model.StatusPaused {
			continue
		}
		out = append(out, svc)
	}
	return out
}
