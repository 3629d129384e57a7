package headspin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	devicekeeper "github.com/httprunner/DeviceKeeper"
)

func newUnlockServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/devices/unlock" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization header = %q", got)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload["device_id"] != "dev-1" {
			t.Errorf("unexpected payload %v (%v)", payload, err)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRequestUnlockClassifiesReplies(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		outcome devicekeeper.UnlockOutcome
		wantErr bool
	}{
		{name: "unlocked", status: 200, body: `{"statuses":[{"message":"Device unlocked."}]}`, outcome: devicekeeper.UnlockOutcomeUnlocked},
		{name: "already", status: 200, body: `{"statuses":[{"message":"Device is already unlocked."}]}`, outcome: devicekeeper.UnlockOutcomeAlreadyUnlocked},
		{name: "unknown message", status: 200, body: `{"statuses":[{"message":"Device busy."}]}`, wantErr: true},
		{name: "no statuses", status: 200, body: `{"statuses":[]}`, wantErr: true},
		{name: "server error", status: 500, body: `oops`, wantErr: true},
		{name: "bad json", status: 200, body: `not json`, wantErr: true},
	}
	for _, tc := range cases {
		srv := newUnlockServer(t, tc.status, tc.body)
		client, err := NewClient(srv.URL+"/", "secret", srv.Client())
		if err != nil {
			t.Fatalf("%s: new client: %v", tc.name, err)
		}
		outcome, err := client.RequestUnlock(context.Background(), "dev-1")
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			if outcome != devicekeeper.UnlockOutcomeUnknown {
				t.Fatalf("%s: failures must report unknown, got %s", tc.name, outcome)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if outcome != tc.outcome {
			t.Fatalf("%s: outcome = %s, want %s", tc.name, outcome, tc.outcome)
		}
	}
}

func TestNewClientValidates(t *testing.T) {
	if _, err := NewClient("", "key", nil); err == nil {
		t.Fatal("expected error for empty base url")
	}
	if _, err := NewClient("https://api-dev.headspin.io", " ", nil); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestRecoveryClientOverHTTP(t *testing.T) {
	srv := newUnlockServer(t, 200, `{"statuses":[{"message":"Device unlocked."}]}`)
	api, err := NewClient(srv.URL, "secret", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	recovery, err := devicekeeper.NewRecoveryClient(api, nil, devicekeeper.RecoveryConfig{})
	if err != nil {
		t.Fatalf("new recovery client: %v", err)
	}
	res := recovery.Unlock(context.Background(), devicekeeper.Device{ID: "dev-1"})
	if !res.Unlocked || res.Attempts != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}
