package adb

import (
	"context"
	"testing"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
)

func TestDevicesFromStatesKeepsOnlineSorted(t *testing.T) {
	states := map[string]string{
		"emulator-5556": string(gadb.StateOnline),
		"offline-1":     string(gadb.StateOffline),
		"emulator-5554": string(gadb.StateOnline),
	}
	devices := devicesFromStates(states, "http://127.0.0.1:4723/{api_key}/wd/hub?udid={serial}", "k1")
	if len(devices) != 2 {
		t.Fatalf("expected 2 online devices, got %+v", devices)
	}
	if devices[0].ID != "emulator-5554" || devices[1].ID != "emulator-5556" {
		t.Fatalf("devices not sorted: %+v", devices)
	}
	if want := "http://127.0.0.1:4723/k1/wd/hub?udid=emulator-5554"; devices[0].Endpoint != want {
		t.Fatalf("endpoint = %q, want %q", devices[0].Endpoint, want)
	}
}

func TestDiscoverRequiresTemplate(t *testing.T) {
	p := &Provider{}
	if _, err := p.Discover(context.Background(), " ", ""); err == nil {
		t.Fatal("expected error for empty template")
	}
}

func TestNilProviderFails(t *testing.T) {
	var p *Provider
	if _, err := p.ListDevicesWithState(context.Background()); err == nil {
		t.Fatal("expected error for nil provider")
	}
}
