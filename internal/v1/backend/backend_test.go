package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/messagegateway/gateway/internal/v1/gatewayerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:          baseURL,
		Timeout:          2 * time.Second,
		MaxConns:         10,
		MaxRetries:       3,
		InitialDelay:     1 * time.Millisecond,
		MaxDelay:         10 * time.Millisecond,
		BackoffFactor:    2,
		JitterFactor:     0.1,
		FailureThreshold: 5,
		ResetTimeout:     50 * time.Millisecond,
	}
}

func TestRequestSucceedsOnFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil)
	resp, err := c.Request(context.Background(), http.MethodGet, "/ping", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil)
	resp, err := c.Request(context.Background(), http.MethodGet, "/flaky", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRequestDoesNotRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil)
	_, err := c.Request(context.Background(), http.MethodGet, "/bad", "", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var gwErr *gatewayerr.Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, gatewayerr.KindBackendService, gwErr.Kind)
}

func TestRequestExhaustsRetriesOnPersistent5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.FailureThreshold = 100
	c := New(cfg, nil)
	_, err := c.Request(context.Background(), http.MethodGet, "/down", "", nil)
	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 2
	c := New(cfg, nil)

	for i := 0; i < 3; i++ {
		_, _ = c.Request(context.Background(), http.MethodGet, "/down", "", nil)
	}

	_, err := c.Request(context.Background(), http.MethodGet, "/down", "", nil)
	require.Error(t, err)
	var gwErr *gatewayerr.Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, gatewayerr.KindConnection, gwErr.Kind)
	assert.False(t, c.Healthy())
}

func TestBackoffDelayRespectsMaxAndNeverNegative(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(10*time.Millisecond, 50*time.Millisecond, 2, 0.5, attempt, 1)
		assert.True(t, d >= 0)
		assert.True(t, d <= 88*time.Millisecond)
	}
}

func TestInstanceJitterBiasIsDeterministicAndDiffersAcrossInstances(t *testing.T) {
	a := instanceJitterBias("instance-a")
	b := instanceJitterBias("instance-b")
	assert.Equal(t, a, instanceJitterBias("instance-a"))
	assert.NotEqual(t, a, b)
	assert.True(t, a >= -1 && a < 1)
	assert.Equal(t, 0.0, instanceJitterBias(""))
}

type fakeLocker struct {
	acquire bool
}

func (f *fakeLocker) TryAcquireRetryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return f.acquire, nil
}

func TestDistributedRetryFallsBackLocallyWhenLockLost(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.DistributedRetryEnabled = true
	cfg.DistributedRetryLockTTL = time.Second
	c := New(cfg, &fakeLocker{acquire: false})

	resp, err := c.Request(context.Background(), http.MethodGet, "/flaky", "request-key", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
