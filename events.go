package devicekeeper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// EventKind names one step of a device lifecycle.
type EventKind string

const (
	EventCycleStarted     EventKind = "cycle_started"
	EventAcquireStarted   EventKind = "acquire_started"
	EventSessionAcquired  EventKind = "session_acquired"
	EventAcquireFailed    EventKind = "acquire_failed"
	EventHoldStarted      EventKind = "hold_started"
	EventSessionReleased  EventKind = "session_released"
	EventReleaseFailed    EventKind = "release_failed"
	EventRecoveryStarted  EventKind = "recovery_started"
	EventRecoveryFinished EventKind = "recovery_finished"
	EventCycleSucceeded   EventKind = "cycle_succeeded"
	EventCycleExhausted   EventKind = "cycle_exhausted"
	EventRunnerPanic      EventKind = "runner_panic"
	EventStateChanged     EventKind = "state_changed"
)

// Event is the structured counterpart of an audit line.
type Event struct {
	DeviceID string
	Kind     EventKind
	Cycle    int64
	Attempt  int
	State    State
	Message  string
	Err      string
	At       time.Time
}

// EventRecorder persists or aggregates lifecycle events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev Event) error
}

// journal fans one event out to the audit trail and every recorder.
type journal struct {
	audit     AuditLog
	recorders []EventRecorder
	clock     func() time.Time
}

func (j *journal) emit(ctx context.Context, ev Event, auditLine bool) {
	if ev.At.IsZero() {
		if j.clock != nil {
			ev.At = j.clock()
		} else {
			ev.At = time.Now()
		}
	}
	if auditLine && ev.Message != "" && j.audit != nil {
		j.audit.Append(ev.DeviceID, ev.Message)
	}
	for _, rec := range j.recorders {
		if rec == nil {
			continue
		}
		if err := rec.RecordEvent(context.WithoutCancel(ctx), ev); err != nil {
			log.Warn().Err(err).
				Str("device", ev.DeviceID).
				Str("kind", string(ev.Kind)).
				Msg("event recorder failed")
		}
	}
}
