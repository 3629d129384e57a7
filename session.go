package devicekeeper

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// SessionHandle is one live remote session bound to a device.
type SessionHandle interface {
	SessionID() string
}

// SessionClient acquires and tears down device sessions.
//
// Acquire may return a partially initialised handle together with an error; callers hand it to
// Release anyway. Release must accept nil and already-released handles.
type SessionClient interface {
	Acquire(ctx context.Context, device Device) (SessionHandle, error)
	Release(ctx context.Context, handle SessionHandle) error
}

// AcquireStage tells where session establishment broke.
type AcquireStage string

const (
	StageEndpoint     AcquireStage = "endpoint"
	StageConnect      AcquireStage = "connect"
	StageNegotiate    AcquireStage = "negotiate"
	StageCapabilities AcquireStage = "capabilities"
)

// AcquisitionError is returned when a session could not be established.
type AcquisitionError struct {
	DeviceID string
	Stage    AcquireStage
	Err      error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire session for %s failed at %s: %v", e.DeviceID, e.Stage, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// IsAcquisitionError reports whether err wraps an *AcquisitionError.
func IsAcquisitionError(err error) bool {
	var target *AcquisitionError
	return errors.As(err, &target)
}
