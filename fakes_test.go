package devicekeeper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type memAudit struct {
	mu    sync.Mutex
	lines map[string][]string
}

func newMemAudit() *memAudit { return &memAudit{lines: make(map[string][]string)} }

func (a *memAudit) Append(deviceID, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lines[deviceID] = append(a.lines[deviceID], message)
}

func (a *memAudit) Lines(deviceID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.lines[deviceID]...)
}

type fakeHandle struct {
	id       string
	deviceID string
	released atomic.Int32
}

func (h *fakeHandle) SessionID() string { return h.id }

// fakeSessions fails Acquire while failNext is positive and tracks every handle it hands out.
type fakeSessions struct {
	mu        sync.Mutex
	failNext  map[string]int
	failAll   map[string]bool
	partial   bool
	handles   []*fakeHandle
	acquires  map[string]int
	seq       int
	onAcquire func(deviceID string)
	timeline  []sessionCall
}

// sessionCall marks when Acquire was entered or Release returned for a device.
type sessionCall struct {
	op       string
	deviceID string
	at       time.Time
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		failNext: make(map[string]int),
		failAll:  make(map[string]bool),
		acquires: make(map[string]int),
	}
}

func (s *fakeSessions) Acquire(ctx context.Context, device Device) (SessionHandle, error) {
	s.mark("acquire", device.ID)
	if s.onAcquire != nil {
		s.onAcquire(device.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquires[device.ID]++
	s.seq++
	if s.failAll[device.ID] || s.failNext[device.ID] > 0 {
		if s.failNext[device.ID] > 0 {
			s.failNext[device.ID]--
		}
		err := &AcquisitionError{DeviceID: device.ID, Stage: StageConnect, Err: errors.New("hub unreachable")}
		if s.partial {
			h := &fakeHandle{id: fmt.Sprintf("partial-%d", s.seq), deviceID: device.ID}
			s.handles = append(s.handles, h)
			return h, err
		}
		return nil, err
	}
	h := &fakeHandle{id: fmt.Sprintf("session-%d", s.seq), deviceID: device.ID}
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeSessions) Release(ctx context.Context, handle SessionHandle) error {
	if h, ok := handle.(*fakeHandle); ok && h != nil {
		h.released.Add(1)
		s.mark("release", h.deviceID)
	}
	return nil
}

func (s *fakeSessions) mark(op, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeline = append(s.timeline, sessionCall{op: op, deviceID: deviceID, at: time.Now()})
}

func (s *fakeSessions) Timeline() []sessionCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sessionCall(nil), s.timeline...)
}

func (s *fakeSessions) Handles() []*fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeHandle(nil), s.handles...)
}

func (s *fakeSessions) Acquires(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquires[deviceID]
}

type fakeRecoverer struct {
	calls atomic.Int32
}

func (r *fakeRecoverer) Unlock(ctx context.Context, device Device) UnlockResult {
	r.calls.Add(1)
	return UnlockResult{Unlocked: true, Attempts: 1}
}

type scriptedUnlocker struct {
	mu      sync.Mutex
	replies []UnlockOutcome
	errs    []error
	calls   int
}

func (u *scriptedUnlocker) RequestUnlock(ctx context.Context, deviceID string) (UnlockOutcome, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	i := u.calls
	u.calls++
	if i < len(u.errs) && u.errs[i] != nil {
		return UnlockOutcomeUnknown, u.errs[i]
	}
	if i < len(u.replies) {
		return u.replies[i], nil
	}
	return UnlockOutcomeUnknown, nil
}

// sleepRecorder replaces real waits; it still honors ctx.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) RecordEvent(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSink) Count(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
