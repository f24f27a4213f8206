package stage

import (
	"context"
	"fmt"
	"time"

	"loom/internal/generator"
)

const retryBaseDelay = 250 * time.Millisecond

// GenerateWithRetry performs one generator invocation, retrying transient
// failures up to maxRetries additional attempts. A generator implementing
// generator.Backoff (the production Client) drives the delay, so a server
// Retry-After is honored; other generators fall back to exponential
// doubling. The error returned after the budget is exhausted is meant to
// become a sub-unit entry in the stage's assessment, not to abort the
// whole stage.
func GenerateWithRetry(ctx context.Context, gen generator.Generator, systemPrompt, userPrompt string, params generator.Params, maxRetries int) (string, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff, _ := gen.(generator.Backoff)
	var lastErr error
	fallback := retryBaseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := fallback
			fallback *= 2
			if backoff != nil {
				delay = backoff.RetryDelay(lastErr, attempt)
			}
			if err := waitRetry(ctx, backoff, delay); err != nil {
				return "", err
			}
		}
		content, err := gen.Generate(ctx, systemPrompt, userPrompt, params)
		if err == nil {
			return content, nil
		}
		if !generator.IsTransient(err) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("generation failed after %d attempt(s): %w", maxRetries+1, lastErr)
}

func waitRetry(ctx context.Context, backoff generator.Backoff, delay time.Duration) error {
	if backoff != nil {
		return backoff.Sleep(ctx, delay)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CheckStage guards against wiring a processor to the wrong queue status.
// A mismatch is a programming error and is never retried.
func CheckStage(got, want string) error {
	if got != want {
		return fmt.Errorf("stage mismatch: processor for %q received item in %q", want, got)
	}
	return nil
}
