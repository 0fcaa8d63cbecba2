package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lvonguyen/iocforge/internal/enrichment"
)

// RetryPolicy bounds how a single provider call is retried.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	// MaxDelay caps both the computed backoff and a provider's Retry-After.
	MaxDelay time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(max(p.MaxRetries, 0))), ctx)
}

type lookupFunc func(ctx context.Context) (*enrichment.NormalizedVerdict, error)

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. Each attempt gets its own timeout. It returns the
// number of attempts made.
func (p RetryPolicy) retry(ctx context.Context, provider string, timeout time.Duration, fn lookupFunc) (*enrichment.NormalizedVerdict, int, error) {
	b := p.backOff(ctx)
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		v, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return v, attempt, nil
		}

		pe := asProviderError(provider, err)
		if !pe.Retryable() {
			return nil, attempt, pe
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, attempt, pe
		}
		if pe.RetryAfter > wait {
			wait = min(pe.RetryAfter, p.MaxDelay)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempt, pe
		case <-timer.C:
		}
	}
}

// asProviderError normalizes foreign errors, e.g. from adapters that return
// ctx.Err() directly.
func asProviderError(provider string, err error) *enrichment.ProviderError {
	var pe *enrichment.ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	kind := enrichment.KindUpstream
	if errors.Is(err, context.DeadlineExceeded) {
		kind = enrichment.KindTimeout
	}
	return &enrichment.ProviderError{Provider: provider, Kind: kind, Err: err}
}

// unsupportedFor reports whether err says the provider cannot handle the IOC.
func unsupportedFor(err error) bool {
	return enrichment.IsKind(err, enrichment.KindUnsupportedType)
}
