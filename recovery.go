package devicekeeper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultUnlockAttempts = 5
	defaultUnlockBackoff  = 5 * time.Second
)

// UnlockOutcome classifies the vendor reply to an unlock request.
type UnlockOutcome int

const (
	UnlockOutcomeUnknown UnlockOutcome = iota
	UnlockOutcomeUnlocked
	UnlockOutcomeAlreadyUnlocked
)

func (o UnlockOutcome) String() string {
	switch o {
	case UnlockOutcomeUnlocked:
		return "unlocked"
	case UnlockOutcomeAlreadyUnlocked:
		return "already_unlocked"
	default:
		return "unknown"
	}
}

var unlockMessages = map[string]UnlockOutcome{
	"Device unlocked.":            UnlockOutcomeUnlocked,
	"Device is already unlocked.": UnlockOutcomeAlreadyUnlocked,
}

// ClassifyUnlockMessage maps a status message to an outcome. Unlisted messages are Unknown.
func ClassifyUnlockMessage(msg string) UnlockOutcome {
	if outcome, ok := unlockMessages[strings.TrimSpace(msg)]; ok {
		return outcome
	}
	return UnlockOutcomeUnknown
}

// Unlocker issues one forced unlock call.
type Unlocker interface {
	RequestUnlock(ctx context.Context, deviceID string) (UnlockOutcome, error)
}

// Recoverer is what a lifecycle runner needs from recovery.
type Recoverer interface {
	Unlock(ctx context.Context, device Device) UnlockResult
}

// UnlockResult reports how recovery ended. Unlocked=false means the attempts were exhausted
// (or ctx ended); callers carry on either way.
type UnlockResult struct {
	Unlocked bool
	Attempts int
	Err      error
}

var errAlreadyUnlocked = errors.New("Device is already unlocked.")

// RecoveryConfig tunes RecoveryClient.
type RecoveryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	// Limiter is shared by every runner so the fleet never bursts the vendor API.
	Limiter *rate.Limiter
}

// RecoveryClient forces stuck devices back to an unlocked state.
type RecoveryClient struct {
	api   Unlocker
	audit AuditLog
	cfg   RecoveryConfig
	sleep sleepFunc
}

// NewRecoveryClient wires an Unlocker with the retry policy.
func NewRecoveryClient(api Unlocker, audit AuditLog, cfg RecoveryConfig) (*RecoveryClient, error) {
	if api == nil {
		return nil, errors.New("recovery: unlocker cannot be nil")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultUnlockAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultUnlockBackoff
	}
	if audit == nil {
		audit = noopAudit{}
	}
	return &RecoveryClient{api: api, audit: audit, cfg: cfg, sleep: sleepCtx}, nil
}

// Unlock retries the vendor unlock call. An "already unlocked" reply is distrusted until the
// final attempt, where it is accepted.
func (c *RecoveryClient) Unlock(ctx context.Context, device Device) UnlockResult {
	res := UnlockResult{}
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		err := c.tryOnce(ctx, device, attempt == c.cfg.MaxAttempts)
		if err == nil {
			res.Unlocked = true
			res.Err = nil
			log.Info().Str("device", device.ID).Int("attempts", attempt).Msg("device unlocked")
			return res
		}
		res.Err = err
		if ctx.Err() != nil {
			return res
		}
		c.audit.Append(device.ID, fmt.Sprintf("Error releasing device: %v", err))
		log.Warn().Err(err).
			Str("device", device.ID).
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxAttempts).
			Msg("unlock attempt failed")
		if attempt == c.cfg.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, c.cfg.Backoff); err != nil {
			res.Err = err
			return res
		}
	}
	log.Warn().Str("device", device.ID).Int("attempts", res.Attempts).Msg("unlock attempts exhausted")
	return res
}

func (c *RecoveryClient) tryOnce(ctx context.Context, device Device, last bool) error {
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "wait unlock rate limit")
		}
	}
	outcome, err := c.api.RequestUnlock(ctx, device.ID)
	if err != nil {
		return err
	}
	switch outcome {
	case UnlockOutcomeUnlocked:
		return nil
	case UnlockOutcomeAlreadyUnlocked:
		if last {
			return nil
		}
		return errAlreadyUnlocked
	default:
		return errors.Errorf("unexpected unlock status %s", outcome)
	}
}
