// Package instance manages this process's own presence record in the
// shared store and exposes the admission check that lets the rest of the
// gateway ask "can I accept another connection".
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/messagegateway/gateway/internal/v1/clock"
)

const heartbeatInterval = 15 * time.Second

// Bus is the subset of bus.Service the instance manager needs.
type Bus interface {
	SetInstance(ctx context.Context, instanceID string, fields map[string]string, ttl time.Duration) error
	ListInstances(ctx context.Context) ([]string, error)
	DeleteInstance(ctx context.Context, instanceID string) error
}

// Manager owns this process's InstanceInfo and its heartbeat loop.
type Manager struct {
	clock               *clock.Clock
	bus                 Bus
	group               string
	maxConns            int
	loadBalancingOn     bool
	startedAt           time.Time
	connectionCount     func() int
	stop                chan struct{}
	done                chan struct{}
}

// New builds a Manager. connectionCount reports the instance's current
// live connection count; maxConns <= 0 means no cap.
func New(clk *clock.Clock, bus Bus, group string, maxConns int, loadBalancingOn bool, connectionCount func() int) *Manager {
	return &Manager{
		clock:           clk,
		bus:             bus,
		group:           group,
		maxConns:        maxConns,
		loadBalancingOn: loadBalancingOn,
		connectionCount: connectionCount,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start writes the instance's initial presence record and begins the
// heartbeat loop. The initial write is tried once; if it fails, Start
// returns the error and no loop is started.
func (m *Manager) Start(ctx context.Context) error {
	m.startedAt = m.clock.Now()
	if err := m.heartbeat(ctx); err != nil {
		return fmt.Errorf("failed to publish initial instance record: %w", err)
	}

	go m.loop(ctx)
	return nil
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.heartbeat(ctx); err != nil {
				slog.Warn("instance heartbeat failed", "error", err)
			}
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context) error {
	if m.bus == nil {
		return nil
	}
	fields := map[string]string{
		"group":         m.group,
		"connections":   strconv.Itoa(m.connectionCount()),
		"uptimeSeconds": strconv.FormatInt(int64(m.clock.Now().Sub(m.startedAt).Seconds()), 10),
		"lastHeartbeat": m.clock.NowISO(),
	}
	return m.bus.SetInstance(ctx, m.clock.InstanceID(), fields, 2*heartbeatInterval)
}

// Stop ends the heartbeat loop and deletes this instance's presence record,
// so peers drop it immediately instead of waiting out its heartbeat TTL.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done

	if m.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.bus.DeleteInstance(ctx, m.clock.InstanceID()); err != nil {
		slog.Warn("failed to delete instance presence record on shutdown", "error", err)
	}
}

// CanAcceptConnections reports whether this instance should accept another
// connection. Always true when load balancing is disabled or no cap is
// configured.
func (m *Manager) CanAcceptConnections() bool {
	if !m.loadBalancingOn || m.maxConns <= 0 {
		return true
	}
	return m.connectionCount() < m.maxConns
}

// ListInstances enumerates every live peer known to the shared store.
func (m *Manager) ListInstances(ctx context.Context) ([]string, error) {
	if m.bus == nil {
		return nil, nil
	}
	return m.bus.ListInstances(ctx)
}
