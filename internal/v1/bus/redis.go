// Package bus carries events and shared state between gateway instances
// over Redis: pub/sub for cross-instance message fan-out, and small
// key/value documents for instance presence, connection state, and
// distributed retry locks. Every method degrades gracefully if the store
// is unavailable: nil receivers, nil clients, and an open circuit breaker
// are all treated as "store unavailable" rather than a hard failure.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/messagegateway/gateway/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const (
	broadcastChannel = "cross-instance:broadcast"
	directPrefix     = "cross-instance:direct:"
)

// Envelope is the wire format for every cross-instance event.
type Envelope struct {
	Event            string          `json:"event"`
	Data             json.RawMessage `json:"data"`
	SourceInstanceID string          `json:"sourceInstanceId"`
	Timestamp        int64           `json:"timestamp"`
}

// Service wraps a Redis client and a circuit breaker guarding every call
// against it.
type Service struct {
	client *redis.Client
	prefix string
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client, or nil if the service is
// running in single-instance (no store) mode.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to Redis at addr and returns a Service wrapping it
// in a circuit breaker. prefix namespaces every key and channel this
// service touches (e.g. "gateway").
func NewService(addr, password, prefix string, db int, useTLS bool) (*Service, error) {
	opts := &redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
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
			metrics.CircuitBreakerState.WithLabelValues("bus").Set(stateVal)
		},
	}

	slog.Info("connected to shared store", "addr", addr, "prefix", prefix)
	return &Service{
		client: rdb,
		prefix: prefix,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

func (s *Service) key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

func (s *Service) execute(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	res, err := s.cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
			metrics.StoreOperationsTotal.WithLabelValues(op, "circuit-open").Inc()
			slog.Warn("bus circuit breaker open, degrading gracefully", "op", op)
			return nil, nil
		}
		metrics.StoreOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.StoreOperationsTotal.WithLabelValues(op, "ok").Inc()
	return res, nil
}

// Publish fans an event out to every other instance subscribed to the
// shared broadcast channel.
func (s *Service) Publish(ctx context.Context, sourceInstanceID, event string, data any) error {
	if s == nil || s.client == nil {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	envelope := Envelope{
		Event:            event,
		Data:             payload,
		SourceInstanceID: sourceInstanceID,
		Timestamp:        time.Now().UnixMilli(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = s.execute(ctx, "publish", func() (interface{}, error) {
		return nil, s.client.Publish(ctx, s.key(broadcastChannel), body).Err()
	})
	if err != nil {
		slog.Error("bus publish failed", "event", event, "error", err)
	}
	return err
}

// PublishDirect sends an event to exactly one instance's private channel.
func (s *Service) PublishDirect(ctx context.Context, sourceInstanceID, targetInstanceID, event string, data any) error {
	if s == nil || s.client == nil {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	envelope := Envelope{
		Event:            event,
		Data:             payload,
		SourceInstanceID: sourceInstanceID,
		Timestamp:        time.Now().UnixMilli(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = s.execute(ctx, "publish_direct", func() (interface{}, error) {
		return nil, s.client.Publish(ctx, s.key(directPrefix+targetInstanceID), body).Err()
	})
	if err != nil {
		slog.Error("bus direct publish failed", "target", targetInstanceID, "event", event, "error", err)
	}
	return err
}

// Subscribe starts a background goroutine delivering every envelope
// received on channel to handler, until ctx is cancelled. channel is
// either "cross-instance:broadcast" or "cross-instance:direct:<instanceId>",
// the channels Publish and PublishDirect write to.
func (s *Service) Subscribe(ctx context.Context, channel string, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return
	}
	fullChannel := s.key(channel)
	pubsub := s.client.Subscribe(ctx, fullChannel)

	go func() {
		defer pubsub.Close()
		slog.Info("subscribed to channel", "channel", fullChannel)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("subscription channel closed", "channel", fullChannel)
					return
				}
				var envelope Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
					slog.Error("failed to unmarshal envelope", "error", err)
					continue
				}
				handler(envelope)
			}
		}
	}()
}

// SetInstance writes an instance's presence record as a hash with a TTL.
func (s *Service) SetInstance(ctx context.Context, instanceID string, fields map[string]string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	key := s.key("instances", instanceID)
	_, err := s.execute(ctx, "set_instance", func() (interface{}, error) {
		if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
			return nil, err
		}
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	return err
}

// GetInstance reads back an instance's presence record, or an empty map
// if it doesn't exist or the store is degraded.
func (s *Service) GetInstance(ctx context.Context, instanceID string) (map[string]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	res, err := s.execute(ctx, "get_instance", func() (interface{}, error) {
		return s.client.HGetAll(ctx, s.key("instances", instanceID)).Result()
	})
	if err != nil || res == nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

// DeleteInstance removes an instance's presence record immediately,
// called during graceful shutdown so peers stop counting it as live
// before its TTL would otherwise expire.
func (s *Service) DeleteInstance(ctx context.Context, instanceID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute(ctx, "delete_instance", func() (interface{}, error) {
		return nil, s.client.Del(ctx, s.key("instances", instanceID)).Err()
	})
	return err
}

// ListInstances returns the ids of every currently-registered instance by
// scanning the instances:* hash keys.
func (s *Service) ListInstances(ctx context.Context) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	prefix := s.key("instances", "")
	res, err := s.execute(ctx, "list_instances", func() (interface{}, error) {
		var ids []string
		iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			ids = append(ids, strings.TrimPrefix(iter.Val(), prefix))
		}
		return ids, iter.Err()
	})
	if err != nil || res == nil {
		return nil, err
	}
	return res.([]string), nil
}

// SetConnectionState persists a connection's serialized state with a TTL,
// so another instance can adopt it if this one goes away.
func (s *Service) SetConnectionState(ctx context.Context, socketID string, state any, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal connection state: %w", err)
	}
	key := s.key("connections", socketID)
	_, err = s.execute(ctx, "set_connection_state", func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, body, ttl).Err()
	})
	return err
}

// GetConnectionState reads back a connection's serialized state into out.
// Returns false if no state is found (or the store is degraded).
func (s *Service) GetConnectionState(ctx context.Context, socketID string, out any) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}
	res, err := s.execute(ctx, "get_connection_state", func() (interface{}, error) {
		return s.client.Get(ctx, s.key("connections", socketID)).Result()
	})
	if err != nil || res == nil {
		return false, err
	}
	raw, ok := res.(string)
	if !ok || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to unmarshal connection state: %w", err)
	}
	return true, nil
}

// TryAcquireRetryLock attempts to take an exclusive, TTL-bounded lock for
// a distributed retry coordination key. Returns true if this caller
// acquired it.
func (s *Service) TryAcquireRetryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return true, nil
	}
	res, err := s.execute(ctx, "retry_lock", func() (interface{}, error) {
		return s.client.SetNX(ctx, s.key("retry", key), "1", ttl).Result()
	})
	if err != nil || res == nil {
		return false, err
	}
	return res.(bool), nil
}

// Ping checks store connectivity.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute(ctx, "ping", func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Healthy reports whether the store is reachable right now.
func (s *Service) Healthy(ctx context.Context) bool {
	return s.Ping(ctx) == nil
}

// Close releases the underlying connection pool.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
