package devicekeeper

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func newTestRecovery(t *testing.T, api Unlocker, audit AuditLog) (*RecoveryClient, *sleepRecorder) {
	t.Helper()
	client, err := NewRecoveryClient(api, audit, RecoveryConfig{})
	if err != nil {
		t.Fatalf("new recovery client: %v", err)
	}
	sleeper := &sleepRecorder{}
	client.sleep = sleeper.sleep
	return client, sleeper
}

func TestClassifyUnlockMessage(t *testing.T) {
	cases := map[string]UnlockOutcome{
		"Device unlocked.":              UnlockOutcomeUnlocked,
		" Device is already unlocked. ": UnlockOutcomeAlreadyUnlocked,
		"Device not found.":             UnlockOutcomeUnknown,
		"":                              UnlockOutcomeUnknown,
	}
	for msg, want := range cases {
		if got := ClassifyUnlockMessage(msg); got != want {
			t.Errorf("ClassifyUnlockMessage(%q) = %s, want %s", msg, got, want)
		}
	}
}

func TestRecoveryRetriesUntilUnlocked(t *testing.T) {
	api := &scriptedUnlocker{
		errs:    []error{errors.New("connection reset")},
		replies: []UnlockOutcome{UnlockOutcomeUnknown, UnlockOutcomeAlreadyUnlocked, UnlockOutcomeUnlocked},
	}
	audit := newMemAudit()
	client, sleeper := newTestRecovery(t, api, audit)

	res := client.Unlock(context.Background(), Device{ID: "dev-1"})
	if !res.Unlocked {
		t.Fatalf("expected unlock success, got %+v", res)
	}
	if res.Attempts != 3 || api.calls != 3 {
		t.Fatalf("expected success on the 3rd call, attempts=%d calls=%d", res.Attempts, api.calls)
	}
	waits := sleeper.Waits()
	if len(waits) != 2 {
		t.Fatalf("expected 2 waits, got %v", waits)
	}
	for _, w := range waits {
		if w != 5*time.Second {
			t.Fatalf("unexpected backoff %s", w)
		}
	}
	lines := audit.Lines("dev-1")
	if len(lines) != 2 {
		t.Fatalf("expected 2 audit lines, got %v", lines)
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "Error releasing device: ") {
			t.Fatalf("unexpected audit line %q", line)
		}
	}
}

func TestRecoveryAcceptsAlreadyUnlockedOnLastAttempt(t *testing.T) {
	api := &scriptedUnlocker{replies: []UnlockOutcome{
		UnlockOutcomeAlreadyUnlocked,
		UnlockOutcomeAlreadyUnlocked,
		UnlockOutcomeAlreadyUnlocked,
		UnlockOutcomeAlreadyUnlocked,
		UnlockOutcomeAlreadyUnlocked,
	}}
	audit := newMemAudit()
	client, sleeper := newTestRecovery(t, api, audit)

	res := client.Unlock(context.Background(), Device{ID: "dev-1"})
	if !res.Unlocked || res.Attempts != 5 {
		t.Fatalf("expected acceptance on the 5th reply, got %+v", res)
	}
	if got := len(sleeper.Waits()); got != 4 {
		t.Fatalf("expected 4 waits, got %d", got)
	}
	if got := len(audit.Lines("dev-1")); got != 4 {
		t.Fatalf("expected 4 audit lines, got %d", got)
	}
}

func TestRecoveryExhaustsWithoutTrailingWait(t *testing.T) {
	api := &scriptedUnlocker{}
	audit := newMemAudit()
	client, sleeper := newTestRecovery(t, api, audit)

	res := client.Unlock(context.Background(), Device{ID: "dev-1"})
	if res.Unlocked {
		t.Fatal("unknown replies must never count as unlocked")
	}
	if res.Attempts != 5 || api.calls != 5 {
		t.Fatalf("expected 5 attempts, got attempts=%d calls=%d", res.Attempts, api.calls)
	}
	if res.Err == nil {
		t.Fatal("expected last error to be reported")
	}
	if got := len(sleeper.Waits()); got != 4 {
		t.Fatalf("expected no wait after the final attempt, got %d waits", got)
	}
	if got := len(audit.Lines("dev-1")); got != 5 {
		t.Fatalf("expected one audit line per failure, got %d", got)
	}
}

func TestRecoveryStopsOnCancelledContext(t *testing.T) {
	api := &scriptedUnlocker{}
	audit := newMemAudit()
	client, sleeper := newTestRecovery(t, api, audit)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := client.Unlock(ctx, Device{ID: "dev-1"})
	if res.Unlocked {
		t.Fatal("cancelled recovery must not report success")
	}
	if res.Attempts != 1 {
		t.Fatalf("expected to stop after the first attempt, got %d", res.Attempts)
	}
	if len(sleeper.Waits()) != 0 {
		t.Fatal("cancelled recovery must not wait")
	}
}

func TestNewRecoveryClientRequiresUnlocker(t *testing.T) {
	if _, err := NewRecoveryClient(nil, nil, RecoveryConfig{}); err == nil {
		t.Fatal("expected error for nil unlocker")
	}
}
