package devicekeeper

import (
	"context"
	"net/http"
	"time"

	"github.com/httprunner/DeviceKeeper/internal/webdriver"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultAcquireTimeout = 90 * time.Second
	releaseTimeout        = 30 * time.Second
)

// Capabilities is the fixed payload sent with every session request.
type Capabilities struct {
	AutomationName    string
	PlatformName      string
	AppPackage        string
	AppActivity       string
	ControlLock       bool
	ResetDriver       bool
	NewCommandTimeout int
	// Extra is merged last and may override any rendered key.
	Extra map[string]any
}

// DefaultCapabilities opens Android settings under an exclusive vendor lock.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		AutomationName:    "uiautomator2",
		PlatformName:      "android",
		AppPackage:        "com.android.settings",
		AppActivity:       "com.android.settings.Settings",
		ControlLock:       true,
		ResetDriver:       true,
		NewCommandTimeout: 200,
	}
}

// ForDevice renders the capability map for one device.
func (c Capabilities) ForDevice(deviceID string) map[string]any {
	caps := map[string]any{
		"platformName":               c.PlatformName,
		"appium:udid":                deviceID,
		"appium:automationName":      c.AutomationName,
		"appium:appPackage":          c.AppPackage,
		"appium:appActivity":         c.AppActivity,
		"appium:newCommandTimeout":   c.NewCommandTimeout,
		"headspin:controlLock":       c.ControlLock,
		"headspin:resetUiAutomator2": c.ResetDriver,
		"headspin:newCommandTimeout": c.NewCommandTimeout,
	}
	for k, v := range c.Extra {
		caps[k] = v
	}
	return caps
}

type webDriverHandle struct {
	session *webdriver.Session
}

func (h *webDriverHandle) SessionID() string {
	if h == nil || h.session == nil {
		return ""
	}
	return h.session.ID
}

// WebDriverSessionClient implements SessionClient on a WebDriver hub.
type WebDriverSessionClient struct {
	client         *webdriver.Client
	caps           Capabilities
	acquireTimeout time.Duration
}

// NewWebDriverSessionClient builds a client; acquireTimeout <= 0 uses 90s.
func NewWebDriverSessionClient(httpClient *http.Client, caps Capabilities, acquireTimeout time.Duration) *WebDriverSessionClient {
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	return &WebDriverSessionClient{
		client:         webdriver.NewClient(httpClient),
		caps:           caps,
		acquireTimeout: acquireTimeout,
	}
}

func (c *WebDriverSessionClient) Acquire(ctx context.Context, device Device) (SessionHandle, error) {
	ep, err := webdriver.ParseEndpoint(device.Endpoint)
	if err != nil {
		return nil, &AcquisitionError{DeviceID: device.ID, Stage: StageEndpoint, Err: err}
	}
	acquireCtx, cancel := context.WithTimeout(ctx, c.acquireTimeout)
	defer cancel()

	session, err := c.client.NewSession(acquireCtx, ep, c.caps.ForDevice(device.ID))
	if err != nil {
		return nil, &AcquisitionError{DeviceID: device.ID, Stage: stageOf(err), Err: err}
	}
	return &webDriverHandle{session: session}, nil
}

func (c *WebDriverSessionClient) Release(ctx context.Context, handle SessionHandle) error {
	h, ok := handle.(*webDriverHandle)
	if !ok || h == nil || h.session == nil {
		return nil
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := c.client.DeleteSession(releaseCtx, h.session); err != nil {
		log.Warn().Err(err).Str("session_id", h.session.ID).Msg("delete webdriver session failed")
		return errors.Wrap(err, "delete session")
	}
	return nil
}

func stageOf(err error) AcquireStage {
	var wdErr *webdriver.Error
	if !errors.As(err, &wdErr) {
		return StageConnect
	}
	switch wdErr.Kind {
	case webdriver.KindRejected:
		return StageCapabilities
	case webdriver.KindProtocol:
		return StageNegotiate
	default:
		return StageConnect
	}
}
