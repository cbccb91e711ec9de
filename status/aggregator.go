package status

import (
	"context"
	"log"
	"sync"
	"time"

	"pulse/model"
)

// Store is the slice of the persistence collaborator the aggregator needs.
type Store interface {
	InsertCheckResult(ctx context.Context, r *model.CheckResult) error
	RecentChecks(ctx context.Context, serviceID string, window time.Duration) ([]*model.CheckResult, error)
	UpdateServiceState(ctx context.Context, state *model.ServiceState) error
}

// Broadcaster receives the events the aggregator emits. Satisfied by
// hub.Events.
type Broadcaster interface {
	StatusChanged(serviceID string, old, new model.Status)
	CheckCompleted(r *model.CheckResult)
	Alert(message string)
}

// Options tune the status machine.
type Options struct {
	FailureThreshold int           // consecutive failures before unhealthy, default 3
	UptimeWindow     time.Duration // trailing window for uptime percent, default 24h
}

// Aggregator ingests check results, maintains per-service state, and emits
// exactly one status-change event per observed transition. Ingestion for a
// given service is serialized; distinct services proceed in parallel.
type Aggregator struct {
	store     Store
	events    Broadcaster
	threshold int
	window    time.Duration

	mu        sync.Mutex
	states    map[string]*model.ServiceState
	locks     map[string]*sync.Mutex
	storeDown bool
}

func New(store Store, events Broadcaster, opts Options) *Aggregator {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.UptimeWindow <= 0 {
		opts.UptimeWindow = 24 * time.Hour
	}
	return &Aggregator{
		store:     store,
		events:    events,
		threshold: opts.FailureThreshold,
		window:    opts.UptimeWindow,
		states:    make(map[string]*model.ServiceState),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Restore primes in-memory state from a persisted snapshot, so restarts do
// not re-announce transitions that already happened.
func (a *Aggregator) Restore(states []*model.ServiceState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range states {
		copied := *s
		a.states[s.ServiceID] = &copied
	}
}

// State returns a copy of the current state for a service, or an unknown
// placeholder if the service has never been checked.
func (a *Aggregator) State(serviceID string) model.ServiceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.states[serviceID]; ok {
		return *s
	}
	return model.ServiceState{ServiceID: serviceID, Status: model.StatusUnknown, UptimePercent: 100}
}

// SetPaused enters or leaves the paused state for a service. Pausing
// overrides the health status; resuming returns to unknown until the next
// check lands.
func (a *Aggregator) SetPaused(ctx context.Context, serviceID string, paused bool) {
	lock := a.serviceLock(serviceID)
	lock.Lock()
	defer lock.Unlock()

	state := a.snapshot(serviceID)
	old := state.Status
	if paused {
		if old == model.StatusPaused {
			return
		}
		state.Status = model.StatusPaused
	} else {
		if old != model.StatusPaused {
			return
		}
		state.Status = model.StatusUnknown
		state.ConsecutiveFailures = 0
	}

	a.commit(ctx, state)
	a.events.StatusChanged(serviceID, old, state.Status)
}

// Forget drops in-memory state for a deleted service.
func (a *Aggregator) Forget(serviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.states, serviceID)
	delete(a.locks, serviceID)
}

// Ingest records one check result and applies the transition rule. Paused
// services keep their results out of the live status entirely.
func (a *Aggregator) Ingest(ctx context.Context, result *model.CheckResult) {
	lock := a.serviceLock(result.ServiceID)
	lock.Lock()
	defer lock.Unlock()

	state := a.snapshot(result.ServiceID)
	old := state.Status

	state.LastCheckAt = result.CheckedAt
	state.LastLatencyMs = result.LatencyMs

	if old == model.StatusPaused {
		// Paused checks are operator feedback only: they are not written
		// to history and never enter the uptime window.
		a.commit(ctx, state)
		a.events.CheckCompleted(result)
		return
	}

	if err := a.persistResult(ctx, result); err != nil {
		log.Printf("status: persist result for %s: %v", result.ServiceID, err)
		a.noteStoreDown()
		return
	}
	a.noteStoreUp()

	if result.Success {
		state.ConsecutiveFailures = 0
	} else {
		state.ConsecutiveFailures++
	}
	state.Status = nextStatus(old, result.Success, state.ConsecutiveFailures, a.threshold)

	if pct, err := a.uptime(ctx, result.ServiceID); err == nil {
		state.UptimePercent = pct
	} else {
		log.Printf("status: uptime for %s: %v", result.ServiceID, err)
	}

	a.commit(ctx, state)

	a.events.CheckCompleted(result)
	if state.Status != old {
		a.events.StatusChanged(result.ServiceID, old, state.Status)
	}
}

// noteStoreDown raises a single alert per history-store outage; the latch
// resets when a write succeeds again.
func (a *Aggregator) noteStoreDown() {
	a.mu.Lock()
	wasDown := a.storeDown
	a.storeDown = true
	a.mu.Unlock()
	if !wasDown {
		a.events.Alert("check history store unavailable, results are being dropped")
	}
}

func (a *Aggregator) noteStoreUp() {
	a.mu.Lock()
	wasDown := a.storeDown
	a.storeDown = false
	a.mu.Unlock()
	if wasDown {
		log.Printf("status: check history store recovered")
	}
}

// nextStatus implements the hysteresis rule. A single failure degrades a
// healthy service; the threshold of consecutive failures marks it
// unhealthy. Recovery is two-step: unhealthy services pass through
// degraded before they read healthy again.
func nextStatus(current model.Status, success bool, consecutive, threshold int) model.Status {
	if success {
		switch current {
		case model.StatusUnhealthy:
			return model.StatusDegraded
		default:
			return model.StatusHealthy
		}
	}
	if consecutive >= threshold {
		return model.StatusUnhealthy
	}
	return model.StatusDegraded
}

// uptime computes success percentage over the trailing window. An empty
// window reads 100%.
func (a *Aggregator) uptime(ctx context.Context, serviceID string) (float64, error) {
	checks, err := a.store.RecentChecks(ctx, serviceID, a.window)
	if err != nil {
		return 0, err
	}
	if len(checks) == 0 {
		return 100, nil
	}
	ok := 0
	for _, c := range checks {
		if c.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(checks)) * 100, nil
}

func (a *Aggregator) serviceLock(serviceID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[serviceID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[serviceID] = lock
	}
	return lock
}

// snapshot returns a working copy of the stored state. Callers must hold
// the service lock.
func (a *Aggregator) snapshot(serviceID string) *model.ServiceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.states[serviceID]; ok {
		copied := *s
		return &copied
	}
	return &model.ServiceState{ServiceID: serviceID, Status: model.StatusUnknown, UptimePercent: 100}
}

// commit stores the new state in memory and persists it. Persistence
// failures are retried by the store layer; a final failure only logs, the
// in-memory state is already authoritative for the event stream.
func (a *Aggregator) commit(ctx context.Context, state *model.ServiceState) {
	a.mu.Lock()
	a.states[state.ServiceID] = state
	a.mu.Unlock()

	if err := a.store.UpdateServiceState(ctx, state); err != nil {
		log.Printf("status: persist state for %s: %v", state.ServiceID, err)
	}
}

// persistResult appends the check to history with a short retry, since a
// lost sample skews the uptime window.
func (a *Aggregator) persistResult(ctx context.Context, r *model.CheckResult) error {
	var err error
	for attempt, delay := 0, 100*time.Millisecond; attempt < 3; attempt, delay = attempt+1, delay*2 {
		if err = a.store.InsertCheckResult(ctx, r); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
