package devicekeeper

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DeviceStatus is a point-in-time view of one device.
type DeviceStatus struct {
	DeviceID     string
	State        string
	Cycles       int64
	Successes    int64
	Exhaustions  int64
	LastResult   string
	LastError    string
	LastChangeAt time.Time
	HostUUID     string
}

// DeviceRecorder mirrors device status to an external store.
type DeviceRecorder interface {
	UpsertDevices(ctx context.Context, devices []DeviceStatus) error
}

type noopRecorder struct{}

func (noopRecorder) UpsertDevices(ctx context.Context, devices []DeviceStatus) error { return nil }

// fleetStatus tracks runner progress and syncs it to a DeviceRecorder.
type fleetStatus struct {
	recorder DeviceRecorder
	hostUUID string
	clock    func() time.Time

	mu      sync.Mutex
	devices map[string]*DeviceStatus
	order   []string
	dirty   map[string]struct{}
}

func newFleetStatus(recorder DeviceRecorder, hostUUID string) *fleetStatus {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &fleetStatus{
		recorder: recorder,
		hostUUID: hostUUID,
		devices:  make(map[string]*DeviceStatus),
		dirty:    make(map[string]struct{}),
	}
}

// Register adds a device in the idle state.
func (s *fleetStatus) Register(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; ok {
		return
	}
	s.devices[deviceID] = &DeviceStatus{
		DeviceID:     deviceID,
		State:        StateIdle.String(),
		LastChangeAt: s.now(),
		HostUUID:     s.hostUUID,
	}
	s.order = append(s.order, deviceID)
	s.dirty[deviceID] = struct{}{}
}

func (s *fleetStatus) ObserveState(deviceID string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[deviceID]
	if !ok {
		return
	}
	dev.State = state.String()
	dev.LastChangeAt = s.now()
	s.dirty[deviceID] = struct{}{}
}

func (s *fleetStatus) ObserveCycle(deviceID string, res CycleResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[deviceID]
	if !ok {
		return
	}
	dev.Cycles++
	if res.Succeeded {
		dev.Successes++
		dev.LastResult = "succeeded"
		dev.LastError = ""
	} else {
		dev.Exhaustions++
		dev.LastResult = "exhausted"
		dev.LastError = errString(res.LastErr)
	}
	dev.LastChangeAt = s.now()
	s.dirty[deviceID] = struct{}{}
}

// Snapshot returns every device in registration order.
func (s *fleetStatus) Snapshot() []DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceStatus, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.devices[id])
	}
	return out
}

// Flush pushes devices changed since the last flush.
func (s *fleetStatus) Flush(ctx context.Context) {
	s.mu.Lock()
	updates := make([]DeviceStatus, 0, len(s.dirty))
	for id := range s.dirty {
		updates = append(updates, *s.devices[id])
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	if len(updates) == 0 {
		return
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].DeviceID < updates[j].DeviceID })
	if err := s.recorder.UpsertDevices(ctx, updates); err != nil {
		log.Error().Err(err).Int("devices", len(updates)).Msg("device recorder upsert failed")
		s.mu.Lock()
		for _, u := range updates {
			s.dirty[u.DeviceID] = struct{}{}
		}
		s.mu.Unlock()
	}
}

func (s *fleetStatus) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}
