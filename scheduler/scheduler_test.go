package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"pulse/model"
)

type fakeStore struct {
	mu       sync.Mutex
	services []*model.Service
	fail     bool
}

func (f *fakeStore) ActiveServices(context.Context) ([]*model.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("store down")
	}
	return append([]*model.Service(nil), f.services...), nil
}

func (f *fakeStore) GetService(_ context.Context, id string) (*model.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.services {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("service %s: not found", id)
}

type fakeExecutor struct {
	mu      sync.Mutex
	checks  map[string]int
	succeed bool
}

func (f *fakeExecutor) Check(_ context.Context, svc *model.Service) (*model.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checks == nil {
		f.checks = make(map[string]int)
	}
	f.checks[svc.ID]++
	return &model.CheckResult{
		ID:        fmt.Sprintf("%s-%d", svc.ID, f.checks[svc.ID]),
		ServiceID: svc.ID,
		CheckedAt: time.Now().UTC(),
		Success:   f.succeed,
		Error:     map[bool]string{false: "connection refused"}[f.succeed],
	}, nil
}

func (f *fakeExecutor) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks[id]
}

type fakeIngestor struct {
	mu      sync.Mutex
	results []*model.CheckResult
	paused  map[string]bool
}

func (f *fakeIngestor) Ingest(_ context.Context, r *model.CheckResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
}

func (f *fakeIngestor) State(serviceID string) model.ServiceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := model.StatusHealthy
	if f.paused[serviceID] {
		status = model.StatusPaused
	}
	return model.ServiceState{ServiceID: serviceID, Status: status}
}

func (f *fakeIngestor) ingested() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (f *fakeAlerter) Alert(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, msg)
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func testService(id string, interval time.Duration) *model.Service {
	return &model.Service{
		ID:       id,
		Name:     id,
		Type:     model.TypeHTTP,
		Target:   "http://example.test/health",
		Interval: interval,
		Active:   true,
	}
}

func newTestScheduler(store *fakeStore, exec *fakeExecutor, ing *fakeIngestor, al *fakeAlerter) *Scheduler {
	return New(store, exec, ing, al, Options{TickInterval: 10 * time.Millisecond, MaxConcurrent: 10})
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestClaimRespectsIntervalFromCompletion(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(store, &fakeExecutor{succeed: true}, &fakeIngestor{}, &fakeAlerter{})
	svc := testService("a", time.Minute)
	now := time.Now()

	if !s.claim(svc, now) {
		t.Fatal("never-checked service should be due")
	}
	// In flight: a second tick must not double-dispatch.
	if s.claim(svc, now) {
		t.Fatal("in-flight service claimed twice")
	}

	s.mu.Lock()
	delete(s.inFlight, svc.ID)
	s.lastCompleted[svc.ID] = now
	s.mu.Unlock()

	if s.claim(svc, now.Add(30*time.Second)) {
		t.Fatal("service claimed before interval elapsed")
	}
	if !s.claim(svc, now.Add(61*time.Second)) {
		t.Fatal("service not claimed after interval elapsed")
	}
}

func TestDispatchRunsDueChecks(t *testing.T) {
	store := &fakeStore{services: []*model.Service{
		testService("a", time.Minute),
		testService("b", time.Minute),
	}}
	exec := &fakeExecutor{succeed: true}
	ing := &fakeIngestor{}
	s := newTestScheduler(store, exec, ing, &fakeAlerter{})

	s.dispatchDue(context.Background())
	waitFor(t, time.Second, func() bool { return ing.ingested() == 2 })

	// Immediately after completion, neither service is due again.
	s.dispatchDue(context.Background())
	time.Sleep(50 * time.Millisecond)
	if got := ing.ingested(); got != 2 {
		t.Fatalf("got %d ingested results, want 2", got)
	}
}

func TestPausedServicesNeverDispatched(t *testing.T) {
	store := &fakeStore{services: []*model.Service{
		testService("a", time.Minute),
		testService("b", time.Minute),
	}}
	exec := &fakeExecutor{succeed: true}
	ing := &fakeIngestor{paused: map[string]bool{"a": true}}
	s := newTestScheduler(store, exec, ing, &fakeAlerter{})

	s.dispatchDue(context.Background())
	waitFor(t, time.Second, func() bool { return ing.ingested() == 1 })

	if exec.count("a") != 0 {
		t.Fatal("paused service was dispatched")
	}
	if exec.count("b") != 1 {
		t.Fatalf("unpaused service checked %d times, want 1", exec.count("b"))
	}
}

func TestManualTriggerDoesNotPerturbSchedule(t *testing.T) {
	svc := testService("a", time.Minute)
	store := &fakeStore{services: []*model.Service{svc}}
	exec := &fakeExecutor{succeed: true}
	ing := &fakeIngestor{}
	s := newTestScheduler(store, exec, ing, &fakeAlerter{})

	due := time.Now().Add(-55 * time.Second)
	s.mu.Lock()
	s.lastCompleted[svc.ID] = due
	s.mu.Unlock()

	result, err := s.TriggerNow(context.Background(), "a")
	if err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	if !result.Success {
		t.Fatal("expected successful result")
	}
	if ing.ingested() != 1 {
		t.Fatalf("manual result not ingested")
	}

	// The regular cadence still fires from the old completion time.
	s.mu.Lock()
	got := s.lastCompleted[svc.ID]
	s.mu.Unlock()
	if !got.Equal(due) {
		t.Fatalf("manual trigger moved the due time: %v -> %v", due, got)
	}
	if s.claim(svc, due.Add(61*time.Second)) == false {
		t.Fatal("regular cadence no longer due after manual trigger")
	}
}

func TestManualTriggerReturnsFailedResultNotError(t *testing.T) {
	store := &fakeStore{services: []*model.Service{testService("a", time.Minute)}}
	s := newTestScheduler(store, &fakeExecutor{succeed: false}, &fakeIngestor{}, &fakeAlerter{})

	result, err := s.TriggerNow(context.Background(), "a")
	if err != nil {
		t.Fatalf("probe failure must not be an API error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failed result")
	}
	if result.Error == "" {
		t.Fatal("failed result should carry a reason")
	}
}

func TestStoreOutagePausesSchedulingAndAlertsOnce(t *testing.T) {
	store := &fakeStore{fail: true, services: []*model.Service{testService("a", time.Minute)}}
	exec := &fakeExecutor{succeed: true}
	al := &fakeAlerter{}
	s := newTestScheduler(store, exec, &fakeIngestor{}, al)

	ctx := context.Background()
	s.dispatchDue(ctx)
	s.dispatchDue(ctx)

	if exec.count("a") != 0 {
		t.Fatal("checks dispatched while store was down")
	}
	if got := al.count(); got != 1 {
		t.Fatalf("got %d alerts, want exactly 1", got)
	}

	// Recovery resumes dispatch and clears the alert condition.
	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	s.dispatchDue(ctx)
	waitFor(t, time.Second, func() bool { return exec.count("a") == 1 })

	store.mu.Lock()
	store.fail = true
	store.mu.Unlock()
	s.dispatchDue(ctx)
	if got := al.count(); got != 2 {
		t.Fatalf("second outage should alert again, got %d", got)
	}
}
