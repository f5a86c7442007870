package provider

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// RetryPolicy configures automatic retries for transient provider failures.
//
// The delay before attempt n is min(BaseDelay * 2^n, MaxDelay) plus jitter
// in [0, BaseDelay), which spreads synchronized retries apart.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// A value of 1 disables retries.
	MaxAttempts int

	// BaseDelay is the base for exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used for model calls: three attempts
// with 500ms base backoff capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Backoff computes the delay before the given zero-based retry attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base * (1 << attempt)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security
	return delay + jitter
}

// transientMarker lets adapters flag errors as retryable without the neutral
// layer knowing the underlying SDK type.
type transientMarker struct {
	cause error
}

func (e *transientMarker) Error() string { return e.cause.Error() }

func (e *transientMarker) Unwrap() error { return e.cause }

func (e *transientMarker) Transient() bool { return true }

// MarkTransient wraps an error so IsTransient reports true for it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientMarker{cause: err}
}

// IsTransient reports whether an error is worth retrying: throttling,
// rate limits, 5xx responses, and network-level failures. Context
// cancellation and deadline expiry are never transient — the caller asked
// to stop.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var marked interface{ Transient() bool }
	if errors.As(err, &marked) && marked.Transient() {
		return true
	}

	// AWS SDK errors carry structured codes.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException",
			"ServiceUnavailableException", "ModelNotReadyException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == http.StatusTooManyRequests || code >= 500 {
			return true
		}
	}

	// Fall back to common transient error patterns. Provider SDKs embed the
	// HTTP status in their error strings.
	msgLower := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"network",
		"connection",
		"temporary",
		"rate limit",
		"overloaded",
		"429",
		"503",
		"502",
		"500",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msgLower, pattern) {
			return true
		}
	}
	return false
}

// Retrying wraps a Client with transient-failure retries.
//
// Complete retries up to the policy's attempt budget. Stream only retries
// while no chunk has been emitted yet; once output reached the caller a
// retry would duplicate it.
type Retrying struct {
	inner  Client
	policy RetryPolicy
}

// NewRetrying wraps client with the given retry policy. A zero-valued
// policy falls back to DefaultRetryPolicy.
func NewRetrying(client Client, policy RetryPolicy) *Retrying {
	if policy.MaxAttempts < 1 {
		policy = DefaultRetryPolicy()
	}
	return &Retrying{inner: client, policy: policy}
}

// Complete implements Client.
func (r *Retrying) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, r.policy.Backoff(attempt-1)); err != nil {
				return Response{}, err
			}
		}
		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
	}
	return Response{}, lastErr
}

// Stream implements Client.
func (r *Retrying) Stream(ctx context.Context, req Request, emit func(Chunk) error) (Response, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, r.policy.Backoff(attempt-1)); err != nil {
				return Response{}, err
			}
		}
		emitted := false
		observing := func(c Chunk) error {
			emitted = true
			return emit(c)
		}
		resp, err := r.inner.Stream(ctx, req, observing)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if emitted || !IsTransient(err) {
			break
		}
	}
	return Response{}, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
