package devicekeeper

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	restartBackoffMin = 200 * time.Millisecond
	restartBackoffMax = 30 * time.Second
)

// goSupervised runs supervise on group.
func goSupervised(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context)) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() error {
		supervise(ctx, name, fn)
		return nil
	})
}

// supervise calls fn and starts it again when it panics, backing off exponentially
// between restarts. A normal return or ctx cancellation ends supervision. Panics go
// to stderr because the logger itself may be what panicked.
func supervise(ctx context.Context, name string, fn func(context.Context)) {
	backoff := restartBackoffMin
	for ctx.Err() == nil {
		recovered, stack := runRecovered(ctx, fn)
		if recovered == nil {
			return
		}
		_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked, restarting in %s: %v\n%s\n", name, backoff, recovered, stack)
		if err := sleepCtx(ctx, backoff+jitter(backoff)); err != nil {
			return
		}
		backoff *= 2
		if backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
	}
}

func runRecovered(ctx context.Context, fn func(context.Context)) (recovered any, stack []byte) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			stack = debug.Stack()
		}
	}()
	fn(ctx)
	return nil, nil
}

// jitter adds up to half of d without seeding math/rand.
func jitter(d time.Duration) time.Duration {
	limit := d / 2
	if limit <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % int64(limit))
}
