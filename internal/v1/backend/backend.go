// Package backend calls out to the gateway's origin HTTP service, wrapping
// every request in retry-with-backoff and a circuit breaker the same way
// the gateway's other outbound client wraps its own peer.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/messagegateway/gateway/internal/v1/gatewayerr"
	"github.com/messagegateway/gateway/internal/v1/metrics"
	"github.com/sony/gobreaker"
)

// RetryLocker is the subset of bus.Service distributed retry coordination
// needs. Nil is a valid value (disables distributed coordination).
type RetryLocker interface {
	TryAcquireRetryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Config tunes the client's pool, retry policy, and circuit breaker.
type Config struct {
	BaseURL          string
	Timeout          time.Duration
	MaxConns         int
	MaxRetries       int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	BackoffFactor    float64
	JitterFactor     float64
	FailureThreshold uint32
	ResetTimeout     time.Duration

	DistributedRetryEnabled bool
	DistributedRetryLockTTL time.Duration
	InstanceID              string
}

// Client calls the backend service over HTTP.
type Client struct {
	cfg          Config
	http         *http.Client
	cb           *gobreaker.CircuitBreaker
	locker       RetryLocker
	instanceBias float64
}

// instanceJitterBias derives a deterministic value in [-1, 1) from
// instanceID, so distinct instances retrying the same logical call bias
// their backoff delays apart instead of drifting back into lockstep.
func instanceJitterBias(instanceID string) float64 {
	if instanceID == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(instanceID))
	return float64(h.Sum32()%2000)/1000 - 1
}

// New builds a Client. locker may be nil; distributed retry coordination
// is then silently skipped in favor of purely local retries.
func New(cfg Config, locker RetryLocker) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost: cfg.MaxConns,
		MaxConnsPerHost:     cfg.MaxConns,
		IdleConnTimeout:     90 * time.Second,
	}

	st := gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("backend").Set(stateVal)
		},
	}

	return &Client{
		cfg:          cfg,
		http:         &http.Client{Transport: transport, Timeout: cfg.Timeout},
		cb:           gobreaker.NewCircuitBreaker(st),
		locker:       locker,
		instanceBias: instanceJitterBias(cfg.InstanceID),
	}
}

// Request performs method against path (relative to the configured base
// URL) with body marshaled as the request body (nil for none), retrying
// per the configured backoff policy. requestKey identifies this logical
// request for distributed retry coordination; pass "" to disable it for
// this call even if the client has it enabled.
func (c *Client) Request(ctx context.Context, method, path, requestKey string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.waitBeforeRetry(ctx, requestKey, attempt); err != nil {
				return nil, err
			}
			metrics.BackendRetries.Inc()
		}

		resp, err := c.attempt(ctx, method, path, body)
		if err == nil {
			metrics.BackendRequestsTotal.WithLabelValues("ok").Inc()
			return resp, nil
		}
		lastErr = err

		if !isRetryable(err) {
			metrics.BackendRequestsTotal.WithLabelValues("client-error").Inc()
			return nil, err
		}
	}
	metrics.BackendRequestsTotal.WithLabelValues("exhausted").Inc()
	return nil, lastErr
}

type statusError struct {
	status int
}

func (e *statusError) Error() string { return fmt.Sprintf("backend responded with status %d", e.status) }

// isRetryable reports whether a failed attempt should be retried: network
// errors and timeouts always are, 5xx responses are, 4xx responses and an
// open circuit are not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var gwErr *gatewayerr.Error
	if errors.As(err, &gwErr) {
		if gwErr.Kind == gatewayerr.KindConnection {
			return false
		}
		if se, ok := asStatusError(gwErr.Unwrap()); ok {
			return se.status >= 500
		}
	}
	return true
}

func asStatusError(err error) (*statusError, bool) {
	se, ok := err.(*statusError)
	return se, ok
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, &statusError{status: resp.StatusCode}
		}
		return resp, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("backend").Inc()
			return nil, gatewayerr.New(gatewayerr.KindConnection, "circuit-open", "backend circuit breaker is open")
		}
		if se, ok := asStatusError(err); ok {
			return nil, gatewayerr.Wrap(gatewayerr.KindBackendService, "backend-service-error", fmt.Sprintf("backend returned %d", se.status), err)
		}
		return nil, gatewayerr.Wrap(gatewayerr.KindTimeout, "timeout", "backend request failed", err)
	}
	return res.(*http.Response), nil
}

func (c *Client) waitBeforeRetry(ctx context.Context, requestKey string, attempt int) error {
	delay := backoffDelay(c.cfg.InitialDelay, c.cfg.MaxDelay, c.cfg.BackoffFactor, c.cfg.JitterFactor, attempt, c.instanceBias)

	if c.cfg.DistributedRetryEnabled && c.locker != nil && requestKey != "" {
		lockKey := fmt.Sprintf("%s:%d", requestKey, attempt)
		acquired, err := c.locker.TryAcquireRetryLock(ctx, lockKey, c.cfg.DistributedRetryLockTTL)
		if err != nil {
			slog.Warn("distributed retry lock check failed, falling back to local retry", "error", err)
		} else if !acquired {
			delay = time.Duration(float64(delay)*0.5) + time.Duration(rand.Float64()*0.3*float64(delay))
		}
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

// backoffDelay computes exponential backoff with jitter. instanceBias, a
// deterministic per-instance value in [-1, 1), is blended in alongside the
// random component so that distinct instances retrying the same deadline
// don't resynchronize onto the same retry cadence.
func backoffDelay(initial, max time.Duration, factor, jitterFactor float64, attempt int, instanceBias float64) time.Duration {
	base := float64(initial) * math.Pow(factor, float64(attempt))
	if base > float64(max) {
		base = float64(max)
	}
	random := (rand.Float64()*2 - 1) * jitterFactor * base
	biased := instanceBias * jitterFactor * base * 0.5
	delay := time.Duration(base + random + biased)
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Healthy reports whether the circuit breaker is currently closed or
// half-open (i.e. not refusing calls outright).
func (c *Client) Healthy() bool {
	return c.cb.State() != gobreaker.StateOpen
}
