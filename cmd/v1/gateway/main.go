package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/messagegateway/gateway/internal/v1/auth"
	"github.com/messagegateway/gateway/internal/v1/backend"
	"github.com/messagegateway/gateway/internal/v1/bus"
	"github.com/messagegateway/gateway/internal/v1/clock"
	"github.com/messagegateway/gateway/internal/v1/config"
	"github.com/messagegateway/gateway/internal/v1/gateway"
	"github.com/messagegateway/gateway/internal/v1/health"
	"github.com/messagegateway/gateway/internal/v1/httpapi"
	"github.com/messagegateway/gateway/internal/v1/instance"
	"github.com/messagegateway/gateway/internal/v1/load"
	"github.com/messagegateway/gateway/internal/v1/logging"
	"github.com/messagegateway/gateway/internal/v1/push"
	"github.com/messagegateway/gateway/internal/v1/ratelimit"
	"github.com/messagegateway/gateway/internal/v1/registry"
	"github.com/messagegateway/gateway/internal/v1/room"
	"github.com/messagegateway/gateway/internal/v1/tracing"
)

// drainDeadline bounds how long shutdown waits for in-flight connections
// and requests to finish once the instance stops accepting new work.
const drainDeadline = 10 * time.Second

func main() {
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	development := cfg.GoEnv != "production"
	if err := logging.Initialize(development); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New(cfg.InstanceID)

	if collector := os.Getenv("OTEL_COLLECTOR_ADDR"); collector != "" {
		tp, err := tracing.InitTracer(ctx, "messaging-gateway", clk.InstanceID(), collector)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to initialize tracer")
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	var sharedBus *bus.Service
	if cfg.StoreEnabled {
		sharedBus, err = bus.NewService(cfg.StoreAddr, cfg.StorePassword, cfg.StatePrefix, cfg.StoreDB, cfg.StoreTLS)
		if err != nil {
			logging.Error(ctx, "failed to connect to shared store, continuing in single-instance mode")
			sharedBus = nil
		}
	}

	reg := registry.New(clk)
	rooms := room.New(clk, roomBusOrNil(sharedBus))

	var verifier gateway.Verifier
	if cfg.GoEnv == "development" && os.Getenv("SKIP_AUTH") == "true" {
		logging.Warn(ctx, "authentication disabled via SKIP_AUTH, do not use in production")
		verifier = &auth.MockVerifier{}
	} else {
		verifier = auth.NewVerifier(cfg.JWTSecret)
	}

	instanceMgr := instance.New(clk, instanceBusOrNil(sharedBus), cfg.InstanceGroup, cfg.MaxConnsPerInstance, cfg.LoadBalancingOn, reg.Count)
	if err := instanceMgr.Start(ctx); err != nil {
		logging.Error(ctx, "failed to start instance manager")
	}
	defer instanceMgr.Stop()

	loadMgr := load.New(load.NewHostSampler(reg.Count), load.Config{
		Interval: time.Duration(cfg.CheckIntervalMs) * time.Millisecond,
		Thresholds: load.Thresholds{
			CPUElevated: cfg.CPUElevated, CPUHigh: cfg.CPUHigh, CPUCritical: cfg.CPUCritical,
			MemElevated: cfg.MemElevated, MemHigh: cfg.MemHigh, MemCritical: cfg.MemCritical,
			ConnElevated: cfg.ConnElevated, ConnHigh: cfg.ConnHigh, ConnCritical: cfg.ConnCritical,
			LagElevatedMs: cfg.LagElevatedMs, LagHighMs: cfg.LagHighMs, LagCriticalMs: cfg.LagCriticalMs,
		},
		MaxConnectionsUnderLoad: cfg.MaxConnectionsUnderLoad,
		MaxMessageRateUnderLoad: cfg.MaxMessageRateUnderLoad,
		OnLevelChanged: func(old, new load.Level) {
			logging.Info(ctx, "load level changed")
		},
	})
	loadMgr.Start(ctx)
	defer loadMgr.Stop()

	var backendClient *backend.Client
	if cfg.BackendBaseURL != "" {
		backendClient = backend.New(backend.Config{
			BaseURL:                 cfg.BackendBaseURL,
			Timeout:                 cfg.BackendTimeout,
			MaxConns:                cfg.BackendMaxConns,
			MaxRetries:              cfg.BackendMaxRetries,
			InitialDelay:            cfg.BackendInitialDelay,
			MaxDelay:                cfg.BackendMaxDelay,
			BackoffFactor:           cfg.BackendBackoffFactor,
			JitterFactor:            cfg.BackendJitterFactor,
			FailureThreshold:        cfg.BackendFailureThreshold,
			ResetTimeout:            cfg.BackendResetTimeout,
			DistributedRetryEnabled: cfg.DistributedRetryEnabled,
			DistributedRetryLockTTL: cfg.DistributedRetryLockTTL,
			InstanceID:              clk.InstanceID(),
		}, backendLockerOrNil(sharedBus))
	}

	hub := gateway.New(gateway.Config{
		AllowedOrigins:  strings.Split(cfg.AllowedOrigins, ","),
		DevMode:         development,
		BatchMaxSize:    cfg.BatchMaxSize,
		BatchMaxDelay:   cfg.BatchMaxDelay,
		BatchMaxPayload: cfg.BatchMaxPayload,
	}, verifier, reg, rooms, busOrNilGateway(sharedBus), loadMgr, instanceMgr, backendOrNil(backendClient), clk)
	hub.Start(ctx)

	pushSvc := push.New(hub, reg, rooms, busOrNilPush(sharedBus), clk)

	go runInactivitySweeper(ctx, reg, hub, cfg.InactivityTimeout, cfg.InactivitySweepInterval)

	limiter, err := ratelimit.New(cfg, sharedBus.Client())
	if err != nil {
		logging.Error(ctx, "failed to initialize rate limiter")
		os.Exit(1)
	}

	healthHandler := health.NewHandler(healthBusOrNil(sharedBus), healthBackendOrNil(backendClient))

	router := httpapi.NewRouter(httpapi.RouterConfig{
		AllowedOrigins: strings.Split(cfg.AllowedOrigins, ","),
		Hub:            hub,
		Push:           pushSvc,
		Limiter:        limiter,
		Health:         healthHandler,
		ServiceName:    "messaging-gateway",
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: router,
	}

	go func() {
		slog.Info("gateway listening", "port", cfg.Port, "instanceId", clk.InstanceID())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if sharedBus != nil {
		_ = sharedBus.Close()
	}
	slog.Info("gateway exited")
}

// Each of the following returns a genuinely nil interface value (never a
// non-nil interface wrapping a nil *bus.Service or *backend.Client) when no
// shared store or backend is configured, so every downstream "if x == nil"
// admission check degrades correctly to single-instance mode instead of
// tripping over Go's typed-nil-in-interface gotcha.

func roomBusOrNil(b *bus.Service) room.Bus {
	if b == nil {
		return nil
	}
	return b
}

func instanceBusOrNil(b *bus.Service) instance.Bus {
	if b == nil {
		return nil
	}
	return b
}

func backendLockerOrNil(b *bus.Service) backend.RetryLocker {
	if b == nil {
		return nil
	}
	return b
}

func busOrNilGateway(b *bus.Service) gateway.Bus {
	if b == nil {
		return nil
	}
	return b
}

func busOrNilPush(b *bus.Service) push.Bus {
	if b == nil {
		return nil
	}
	return b
}

func backendOrNil(c *backend.Client) gateway.BackendForwarder {
	if c == nil {
		return nil
	}
	return c
}

func healthBusOrNil(b *bus.Service) health.BusChecker {
	if b == nil {
		return nil
	}
	return b
}

func healthBackendOrNil(c *backend.Client) health.BackendChecker {
	if c == nil {
		return nil
	}
	return c
}

// runInactivitySweeper periodically evicts sockets that haven't sent or
// received traffic within idleTimeout, closing their transport the same way
// a cross-instance "disconnect" envelope would. It returns when ctx is
// cancelled.
func runInactivitySweeper(ctx context.Context, reg *registry.Registry, hub *gateway.Hub, idleTimeout, interval time.Duration) {
	if idleTimeout <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, socketID := range reg.DisconnectInactive(idleTimeout) {
				hub.ForceDisconnectSocket(string(socketID))
			}
		}
	}
}
