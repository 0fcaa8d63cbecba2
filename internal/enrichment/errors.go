package enrichment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/lvonguyen/iocforge/internal/entity"
)

// ErrorKind classifies provider failures for retry and reporting decisions.
type ErrorKind string

const (
	KindAuth            ErrorKind = "auth"
	KindRateLimited     ErrorKind = "rate_limited"
	KindNotFound        ErrorKind = "not_found"
	KindNetwork         ErrorKind = "network"
	KindTimeout         ErrorKind = "timeout"
	KindUnsupportedType ErrorKind = "unsupported_type"
	KindUpstream        ErrorKind = "upstream"
)

// ProviderError is the error type returned by every Provider.Lookup.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindNetwork, KindTimeout:
		return true
	case KindUpstream:
		return e.StatusCode == 0 || e.StatusCode >= 500
	default:
		return false
	}
}

// KindOf extracts the kind of a provider error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err is a provider error of kind k.
func IsKind(err error, k ErrorKind) bool {
	return KindOf(err) == k
}

func newError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

func unsupported(provider string, t entity.IOCType) *ProviderError {
	return newError(provider, KindUnsupportedType, fmt.Errorf("IOC type %q not supported", t))
}

func notFound(provider string, status int) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindNotFound, StatusCode: status}
}

// classifyTransport maps an http.Client error onto network or timeout.
func classifyTransport(provider string, err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(provider, KindTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return newError(provider, KindTimeout, err)
	}
	return newError(provider, KindNetwork, err)
}

// classifyStatus maps a non-2xx HTTP response onto an error kind.
func classifyStatus(provider string, resp *http.Response, now time.Time) *ProviderError {
	pe := &ProviderError{Provider: provider, StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		pe.Kind = KindAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		pe.Kind = KindRateLimited
		pe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	case resp.StatusCode == http.StatusNotFound:
		pe.Kind = KindNotFound
	default:
		pe.Kind = KindUpstream
	}
	return pe
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
