package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// failureThreshold is the number of consecutive pull failures on the same
// image, within a window, that escalates to a reported error rather than a
// silently retried step.
const failureThreshold = 3

// FailureWindow tracks consecutive pull failures per image_ref using Redis
// INCR+EXPIRE, the same sliding-window shape as internal/auth.RateLimiter
// (there: failed logins per IP; here: failed pulls per image_ref).
type FailureWindow struct {
	rdb    *redis.Client
	window time.Duration
}

// NewFailureWindow creates a FailureWindow tracking failures within window.
func NewFailureWindow(rdb *redis.Client, window time.Duration) *FailureWindow {
	return &FailureWindow{rdb: rdb, window: window}
}

func (f *FailureWindow) key(imageRef string) string {
	return fmt.Sprintf("reconciler:pull_failures:%s", imageRef)
}

// RecordFailure records a pull failure for imageRef and reports whether the
// failure count within the window has reached failureThreshold.
func (f *FailureWindow) RecordFailure(ctx context.Context, imageRef string) (escalate bool, err error) {
	key := f.key(imageRef)

	pipe := f.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, f.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("recording pull failure: %w", err)
	}

	return incr.Val() >= failureThreshold, nil
}

// Reset clears the failure count for imageRef, called after a successful pull.
func (f *FailureWindow) Reset(ctx context.Context, imageRef string) error {
	if err := f.rdb.Del(ctx, f.key(imageRef)).Err(); err != nil {
		return fmt.Errorf("resetting pull failure window: %w", err)
	}
	return nil
}
