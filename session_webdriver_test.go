package devicekeeper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestCapabilitiesForDevice(t *testing.T) {
	caps := DefaultCapabilities()
	caps.Extra = map[string]any{"appium:noReset": true}
	rendered := caps.ForDevice("R5CN20T5YYV")

	expect := map[string]any{
		"platformName":               "android",
		"appium:udid":                "R5CN20T5YYV",
		"appium:automationName":      "uiautomator2",
		"appium:appPackage":          "com.android.settings",
		"appium:appActivity":         "com.android.settings.Settings",
		"headspin:controlLock":       true,
		"headspin:resetUiAutomator2": true,
		"headspin:newCommandTimeout": 200,
		"appium:noReset":             true,
	}
	for key, want := range expect {
		if got := rendered[key]; got != want {
			t.Errorf("capability %s = %v, want %v", key, got, want)
		}
	}
}

type fakeHub struct {
	server  *httptest.Server
	creates atomic.Int32
	deletes atomic.Int32
	reject  bool
	udid    atomic.Value
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	hub := &fakeHub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/wd/hub/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		hub.creates.Add(1)
		var body struct {
			Capabilities struct {
				AlwaysMatch map[string]any `json:"alwaysMatch"`
			} `json:"capabilities"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if udid, ok := body.Capabilities.AlwaysMatch["appium:udid"].(string); ok {
			hub.udid.Store(udid)
		}
		w.Header().Set("Content-Type", "application/json")
		if hub.reject {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"value":{"error":"session not created","message":"device is locked"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"value":{"sessionId":"abc123","capabilities":{}}}`))
	})
	mux.HandleFunc("/wd/hub/session/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || !strings.HasSuffix(r.URL.Path, "/abc123") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		hub.deletes.Add(1)
		_, _ = w.Write([]byte(`{"value":null}`))
	})
	hub.server = httptest.NewServer(mux)
	t.Cleanup(hub.server.Close)
	return hub
}

func TestWebDriverSessionClientAcquireAndRelease(t *testing.T) {
	hub := newFakeHub(t)
	client := NewWebDriverSessionClient(hub.server.Client(), DefaultCapabilities(), time.Second)
	device := Device{ID: "dev-1", Endpoint: hub.server.URL + "/wd/hub/"}

	handle, err := client.Acquire(context.Background(), device)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if handle.SessionID() != "abc123" {
		t.Fatalf("session id = %q", handle.SessionID())
	}
	if got, _ := hub.udid.Load().(string); got != "dev-1" {
		t.Fatalf("udid sent = %q", got)
	}

	for i := 0; i < 2; i++ {
		if err := client.Release(context.Background(), handle); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if got := hub.deletes.Load(); got != 1 {
		t.Fatalf("expected exactly one DELETE, got %d", got)
	}
	if err := client.Release(context.Background(), nil); err != nil {
		t.Fatalf("release nil: %v", err)
	}
}

func TestWebDriverSessionClientReleaseIgnoresCancelledContext(t *testing.T) {
	hub := newFakeHub(t)
	client := NewWebDriverSessionClient(hub.server.Client(), DefaultCapabilities(), time.Second)
	handle, err := client.Acquire(context.Background(), Device{ID: "dev-1", Endpoint: hub.server.URL + "/wd/hub"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.Release(ctx, handle); err != nil {
		t.Fatalf("release after cancel: %v", err)
	}
	if hub.deletes.Load() != 1 {
		t.Fatal("teardown must still reach the hub after cancellation")
	}
}

func TestWebDriverSessionClientAcquireStages(t *testing.T) {
	hub := newFakeHub(t)
	hub.reject = true
	client := NewWebDriverSessionClient(hub.server.Client(), DefaultCapabilities(), time.Second)

	cases := []struct {
		name     string
		endpoint string
		stage    AcquireStage
	}{
		{name: "bad scheme", endpoint: "ftp://hub/wd/hub", stage: StageEndpoint},
		{name: "rejected", endpoint: hub.server.URL + "/wd/hub", stage: StageCapabilities},
		{name: "unreachable", endpoint: "http://127.0.0.1:1/wd/hub", stage: StageConnect},
	}
	for _, tc := range cases {
		_, err := client.Acquire(context.Background(), Device{ID: "dev-1", Endpoint: tc.endpoint})
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		var acqErr *AcquisitionError
		if !errors.As(err, &acqErr) {
			t.Fatalf("%s: expected AcquisitionError, got %T", tc.name, err)
		}
		if acqErr.Stage != tc.stage {
			t.Fatalf("%s: stage = %s, want %s", tc.name, acqErr.Stage, tc.stage)
		}
	}
}

func TestFailedAcquireKeepsHubKeyOutOfAuditTrail(t *testing.T) {
	const key = "TOPSECRETKEY"
	client := NewWebDriverSessionClient(&http.Client{Timeout: time.Second}, DefaultCapabilities(), time.Second)
	audit := newMemAudit()
	events := &eventSink{}
	runner, err := NewRunner(Device{ID: "dev-1", Endpoint: "http://127.0.0.1:1/v0/" + key + "/wd/hub"}, RunnerDeps{
		Sessions:  client,
		Recovery:  &fakeRecoverer{},
		Gate:      NewAdmissionGate(1),
		Audit:     audit,
		Recorders: []EventRecorder{events},
	}, RunnerConfig{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	runner.sleep = (&sleepRecorder{}).sleep

	res := runner.RunCycle(context.Background())
	if res.Succeeded || res.LastErr == nil {
		t.Fatalf("unreachable hub must fail, got %+v", res)
	}
	if strings.Contains(res.LastErr.Error(), key) {
		t.Fatalf("error leaks hub key: %v", res.LastErr)
	}
	if !strings.Contains(res.LastErr.Error(), "127.0.0.1:1") {
		t.Fatalf("error should still name the hub host: %v", res.LastErr)
	}
	for _, line := range audit.Lines("dev-1") {
		if strings.Contains(line, key) {
			t.Fatalf("audit line leaks hub key: %q", line)
		}
	}
	events.mu.Lock()
	defer events.mu.Unlock()
	for _, ev := range events.events {
		if strings.Contains(ev.Message, key) || strings.Contains(ev.Err, key) {
			t.Fatalf("event %s leaks hub key: %+v", ev.Kind, ev)
		}
	}
}
