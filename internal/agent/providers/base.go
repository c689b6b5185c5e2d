package providers

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/nexus/internal/retry"
)

// BaseProvider holds the retry configuration shared by providers that don't
// need per-attempt control over stream construction (GoogleProvider, in
// particular, whose SSE equivalent is a Go iterator rather than a
// ssestream.Stream). It composes internal/retry rather than re-implementing
// backoff, so a provider using it gets the same Config/Permanent semantics
// AnthropicProvider and OpenAIProvider call directly.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider creates a base provider with sane defaults.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{name: name, maxRetries: maxRetries, retryDelay: retryDelay}
}

// Retry runs op under an exponential backoff schedule (retryDelay *
// 2^attempt), honoring context cancellation between attempts. isRetryable
// classifies op's error; when it reports false the error is treated as
// permanent and returned on the first attempt, matching the other
// providers' "fail fast on auth/validation errors" behavior.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}

	ceiling := b.retryDelay
	for i := 0; i < b.maxRetries; i++ {
		ceiling *= 2
	}
	cfg := retry.Config{
		MaxAttempts:  b.maxRetries + 1,
		InitialDelay: b.retryDelay,
		MaxDelay:     ceiling,
		Factor:       2.0,
		Jitter:       false,
	}

	result := retry.Do(ctx, cfg, func() error {
		err := op()
		if err != nil && isRetryable != nil && !isRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if result.Err == nil {
		return nil
	}

	var perm *retry.PermanentError
	if errors.As(result.Err, &perm) {
		return perm.Unwrap()
	}
	return result.Err
}
