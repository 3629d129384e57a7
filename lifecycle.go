package devicekeeper

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxAttempts = 3
	defaultDwell       = 15 * time.Second
	defaultCooldown    = 5 * time.Second
)

// State is where a device's runner currently is.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateHolding
	StateReleasing
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateHolding:
		return "holding"
	case StateReleasing:
		return "releasing"
	case StateRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState is the inverse of State.String; unknown names map to StateIdle.
func ParseState(name string) State {
	for st := StateIdle; st <= StateRecovering; st++ {
		if st.String() == name {
			return st
		}
	}
	return StateIdle
}

// HoldFunc uses an acquired session. The default sleeps for the dwell.
type HoldFunc func(ctx context.Context, device Device, handle SessionHandle) error

// RunnerConfig holds the per-device timing policy.
type RunnerConfig struct {
	MaxAttempts int
	Dwell       time.Duration
	Cooldown    time.Duration
	Hold        HoldFunc
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Dwell <= 0 {
		c.Dwell = defaultDwell
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	return c
}

// StateObserver is told about every transition and finished cycle.
type StateObserver interface {
	ObserveState(deviceID string, state State)
	ObserveCycle(deviceID string, res CycleResult)
}

// RunnerDeps are the collaborators shared by every runner of a fleet.
type RunnerDeps struct {
	Sessions  SessionClient
	Recovery  Recoverer
	Gate      Gate
	Audit     AuditLog
	Recorders []EventRecorder
	Observer  StateObserver
}

// CycleResult summarizes one outer iteration.
type CycleResult struct {
	Cycle      int64
	Succeeded  bool
	Attempts   int
	Recoveries int
	LastErr    error
}

// Runner drives one device through acquire, hold and release forever.
type Runner struct {
	device   Device
	sessions SessionClient
	recovery Recoverer
	gate     Gate
	observer StateObserver
	journal  *journal
	cfg      RunnerConfig
	sleep    sleepFunc

	cycles atomic.Int64
	state  atomic.Int32
}

// NewRunner validates deps and applies the default timing policy.
func NewRunner(device Device, deps RunnerDeps, cfg RunnerConfig) (*Runner, error) {
	if deps.Sessions == nil {
		return nil, errors.New("runner: session client cannot be nil")
	}
	if deps.Recovery == nil {
		return nil, errors.New("runner: recovery client cannot be nil")
	}
	if deps.Gate == nil {
		return nil, errors.New("runner: admission gate cannot be nil")
	}
	audit := deps.Audit
	if audit == nil {
		audit = noopAudit{}
	}
	r := &Runner{
		device:   device,
		sessions: deps.Sessions,
		recovery: deps.Recovery,
		gate:     deps.Gate,
		observer: deps.Observer,
		journal:  &journal{audit: audit, recorders: deps.Recorders},
		cfg:      cfg.withDefaults(),
		sleep:    sleepCtx,
	}
	if r.cfg.Hold == nil {
		r.cfg.Hold = r.dwell
	}
	return r, nil
}

// Device returns the descriptor this runner owns.
func (r *Runner) Device() Device { return r.device }

// State returns the current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Run loops cycles until ctx is done. It never returns early on failure.
func (r *Runner) Run(ctx context.Context) {
	log.Info().Str("device", r.device.ID).Msg("lifecycle runner started")
	for ctx.Err() == nil {
		r.safeCycle(ctx)
		if ctx.Err() != nil {
			break
		}
		if err := r.sleep(ctx, r.cfg.Cooldown); err != nil {
			break
		}
	}
	r.setState(ctx, StateIdle)
	log.Info().Str("device", r.device.ID).Msg("lifecycle runner stopped")
}

func (r *Runner) safeCycle(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.emit(ctx, Event{
				Kind:    EventRunnerPanic,
				Cycle:   r.cycles.Load(),
				Message: fmt.Sprintf("Cycle aborted by panic: %v", p),
				Err:     string(debug.Stack()),
			})
			log.Error().Str("device", r.device.ID).Interface("panic", p).Msg("lifecycle cycle panicked")
			r.setState(ctx, StateIdle)
		}
	}()
	r.RunCycle(ctx)
}

// RunCycle performs one outer iteration with up to MaxAttempts inner attempts.
func (r *Runner) RunCycle(ctx context.Context) CycleResult {
	res := CycleResult{Cycle: r.cycles.Add(1)}
	r.setState(ctx, StateIdle)
	r.emit(ctx, Event{Kind: EventCycleStarted, Cycle: res.Cycle, Message: fmt.Sprintf("Cycle %d starting", res.Cycle)})

	retries := 0
	for retries < r.cfg.MaxAttempts {
		attempt := retries + 1
		res.Attempts = attempt
		err := r.attempt(ctx, res.Cycle, attempt)
		if err == nil {
			res.Succeeded = true
			res.LastErr = nil
			break
		}
		res.LastErr = err
		if ctx.Err() != nil {
			r.setState(ctx, StateIdle)
			return res
		}

		r.setState(ctx, StateRecovering)
		r.emit(ctx, Event{
			Kind:    EventRecoveryStarted,
			Cycle:   res.Cycle,
			Attempt: attempt,
			Message: fmt.Sprintf("Attempt %d failed, force unlocking device and retrying...", attempt),
		})
		unlock := r.recovery.Unlock(ctx, r.device)
		res.Recoveries++
		r.emit(ctx, Event{
			Kind:    EventRecoveryFinished,
			Cycle:   res.Cycle,
			Attempt: attempt,
			Message: fmt.Sprintf("Force unlock finished: unlocked=%t after %d calls", unlock.Unlocked, unlock.Attempts),
			Err:     errString(unlock.Err),
		})
		retries++
	}

	switch {
	case res.Succeeded:
		r.emit(ctx, Event{Kind: EventCycleSucceeded, Cycle: res.Cycle, Attempt: res.Attempts,
			Message: fmt.Sprintf("Cycle %d finished after %d attempt(s)", res.Cycle, res.Attempts)})
	case ctx.Err() == nil:
		r.emit(ctx, Event{Kind: EventCycleExhausted, Cycle: res.Cycle, Attempt: res.Attempts,
			Message: fmt.Sprintf("Script failed to run after %d attempts. Timestamp: %s",
				res.Attempts, time.Now().Format(time.RFC3339)),
			Err: errString(res.LastErr)})
		log.Warn().Err(res.LastErr).Str("device", r.device.ID).Int64("cycle", res.Cycle).Msg("device cycle exhausted")
	}
	r.setState(ctx, StateIdle)
	if r.observer != nil {
		r.observer.ObserveCycle(r.device.ID, res)
	}
	return res
}

// attempt holds one gate permit from acquisition until the session is released.
func (r *Runner) attempt(ctx context.Context, cycle int64, n int) (err error) {
	if err := r.gate.Acquire(ctx); err != nil {
		return errors.Wrap(err, "wait admission gate")
	}
	defer r.gate.Release()

	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic during attempt %d: %v", n, p)
			r.emit(ctx, Event{Kind: EventRunnerPanic, Cycle: cycle, Attempt: n,
				Message: err.Error(), Err: string(debug.Stack())})
		}
	}()

	var handle SessionHandle
	defer func() { r.release(ctx, cycle, n, handle) }()

	r.setState(ctx, StateAcquiring)
	r.emit(ctx, Event{Kind: EventAcquireStarted, Cycle: cycle, Attempt: n, Message: "Session starting"})
	handle, err = r.sessions.Acquire(ctx, r.device)
	if err == nil && handle == nil {
		err = &AcquisitionError{DeviceID: r.device.ID, Stage: StageNegotiate, Err: errors.New("no session handle returned")}
	}
	if err != nil {
		r.emit(ctx, Event{Kind: EventAcquireFailed, Cycle: cycle, Attempt: n, Message: err.Error(), Err: err.Error()})
		return err
	}
	r.emit(ctx, Event{Kind: EventSessionAcquired, Cycle: cycle, Attempt: n,
		Message: fmt.Sprintf("Session started: %s", handle.SessionID())})

	r.setState(ctx, StateHolding)
	r.emit(ctx, Event{Kind: EventHoldStarted, Cycle: cycle, Attempt: n,
		Message: fmt.Sprintf("Sleeping for %s", r.cfg.Dwell)})
	if err := r.cfg.Hold(ctx, r.device, handle); err != nil {
		return errors.Wrap(err, "hold session")
	}
	return nil
}

func (r *Runner) release(ctx context.Context, cycle int64, n int, handle SessionHandle) {
	r.journal.audit.Append(r.device.ID, "We now end the driver session")
	if handle == nil {
		return
	}
	r.setState(ctx, StateReleasing)
	if err := r.sessions.Release(context.WithoutCancel(ctx), handle); err != nil {
		r.emit(ctx, Event{Kind: EventReleaseFailed, Cycle: cycle, Attempt: n,
			Message: fmt.Sprintf("End session failed: %v", err), Err: err.Error()})
		return
	}
	r.emit(ctx, Event{Kind: EventSessionReleased, Cycle: cycle, Attempt: n, Message: "Session ended"})
}

func (r *Runner) dwell(ctx context.Context, _ Device, _ SessionHandle) error {
	return r.sleep(ctx, r.cfg.Dwell)
}

func (r *Runner) setState(ctx context.Context, st State) {
	prev := State(r.state.Swap(int32(st)))
	if prev == st {
		return
	}
	if r.observer != nil {
		r.observer.ObserveState(r.device.ID, st)
	}
	r.journal.emit(ctx, Event{
		DeviceID: r.device.ID,
		Kind:     EventStateChanged,
		Cycle:    r.cycles.Load(),
		State:    st,
		Message:  prev.String() + " -> " + st.String(),
	}, false)
}

func (r *Runner) emit(ctx context.Context, ev Event) {
	ev.DeviceID = r.device.ID
	ev.State = r.State()
	r.journal.emit(ctx, ev, true)
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
