package devicekeeper

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultStatusInterval = time.Minute

// SchedulerConfig controls FleetScheduler behavior.
type SchedulerConfig struct {
	Registry       *Registry
	Sessions       SessionClient
	Recovery       Recoverer
	Audit          AuditLog
	Recorders      []EventRecorder
	DeviceRecorder DeviceRecorder
	Concurrency    int
	// Gate overrides the semaphore built from Concurrency.
	Gate           Gate
	Runner         RunnerConfig
	StatusInterval time.Duration
	HostUUID       string
}

// FleetScheduler runs one lifecycle runner per registered device behind a shared admission gate.
type FleetScheduler struct {
	cfg     SchedulerConfig
	gate    Gate
	status  *fleetStatus
	runners []*Runner

	mu       sync.Mutex
	live     map[string]int
	started  bool
	launched chan struct{}
	done     chan struct{}
}

// NewFleetScheduler builds one runner per device in registry order.
func NewFleetScheduler(cfg SchedulerConfig) (*FleetScheduler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("scheduler: registry cannot be nil")
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	gate := cfg.Gate
	if gate == nil {
		gate = NewAdmissionGate(cfg.Concurrency)
	}
	status := newFleetStatus(cfg.DeviceRecorder, cfg.HostUUID)

	s := &FleetScheduler{
		cfg:      cfg,
		gate:     gate,
		status:   status,
		live:     make(map[string]int),
		launched: make(chan struct{}),
		done:     make(chan struct{}),
	}
	deps := RunnerDeps{
		Sessions:  cfg.Sessions,
		Recovery:  cfg.Recovery,
		Gate:      gate,
		Audit:     cfg.Audit,
		Recorders: cfg.Recorders,
		Observer:  status,
	}
	for _, device := range cfg.Registry.Devices() {
		runner, err := NewRunner(device, deps, cfg.Runner)
		if err != nil {
			return nil, errors.Wrapf(err, "scheduler: build runner for %s", device.ID)
		}
		status.Register(device.ID)
		s.runners = append(s.runners, runner)
	}
	return s, nil
}

// Start launches every runner and returns once all of them have been launched.
// Runners keep going until ctx is cancelled; use Wait to block on that.
func (s *FleetScheduler) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	if len(s.runners) == 0 {
		log.Info().Msg("no devices registered, nothing to schedule")
		close(s.launched)
		close(s.done)
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, runner := range s.runners {
		runner := runner
		id := runner.Device().ID
		s.markLive(id, 1)
		group.Go(func() error {
			defer s.markLive(id, -1)
			supervise(groupCtx, "runner "+id, runner.Run)
			return nil
		})
	}
	goSupervised(groupCtx, group, "status flusher", s.flushLoop)

	log.Info().
		Int("devices", len(s.runners)).
		Int("concurrency", s.concurrency()).
		Msg("all device runners launched")
	close(s.launched)

	go func() {
		_ = group.Wait()
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.status.Flush(flushCtx)
		cancel()
		log.Info().Msg("fleet scheduler stopped")
		close(s.done)
	}()
	return nil
}

// Run starts the fleet and blocks until ctx is cancelled and every runner has stopped.
func (s *FleetScheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.Wait()
	return nil
}

// RunOnce runs a single cycle on every device concurrently, still behind the gate,
// and returns the results in registry order.
func (s *FleetScheduler) RunOnce(ctx context.Context) []CycleResult {
	results := make([]CycleResult, len(s.runners))
	var group errgroup.Group
	for i, runner := range s.runners {
		i, runner := i, runner
		group.Go(func() error {
			if p, stack := runRecovered(ctx, func(ctx context.Context) {
				results[i] = runner.RunCycle(ctx)
			}); p != nil {
				log.Error().Str("device", runner.Device().ID).Interface("panic", p).
					Bytes("stack", stack).Msg("single cycle panicked")
			}
			return nil
		})
	}
	_ = group.Wait()
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	s.status.Flush(flushCtx)
	cancel()
	return results
}

// Launched is closed once every runner has been launched.
func (s *FleetScheduler) Launched() <-chan struct{} { return s.launched }

// Wait blocks until all runners have exited.
func (s *FleetScheduler) Wait() { <-s.done }

// Runners lists device ids that currently have a live runner.
func (s *FleetScheduler) Runners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.live))
	for id, n := range s.live {
		if n > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// RunnerCount reports how many runners are live for deviceID.
func (s *FleetScheduler) RunnerCount(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[deviceID]
}

// Snapshot returns the status of every device in registry order.
func (s *FleetScheduler) Snapshot() []DeviceStatus { return s.status.Snapshot() }

// Gate exposes the admission gate shared by the runners.
func (s *FleetScheduler) Gate() Gate { return s.gate }

func (s *FleetScheduler) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	s.status.Flush(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.status.Flush(ctx)
		}
	}
}

func (s *FleetScheduler) markLive(id string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[id] += delta
	if s.live[id] <= 0 {
		delete(s.live, id)
	}
}

func (s *FleetScheduler) concurrency() int {
	if g, ok := s.gate.(*AdmissionGate); ok {
		return g.Capacity()
	}
	return s.cfg.Concurrency
}
