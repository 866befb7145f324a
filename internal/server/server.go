// Package server orchestrates all components: trust root, NATS client, DB,
// dispatcher, telemetry events and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/edge-cluster-frontend/internal/config"
	"github.com/morezero/edge-cluster-frontend/pkg/auth"
	"github.com/morezero/edge-cluster-frontend/pkg/broker"
	"github.com/morezero/edge-cluster-frontend/pkg/commsutil"
	"github.com/morezero/edge-cluster-frontend/pkg/db"
	"github.com/morezero/edge-cluster-frontend/pkg/dispatcher"
	"github.com/morezero/edge-cluster-frontend/pkg/events"
	"github.com/morezero/edge-cluster-frontend/pkg/metrics"
)

const logPrefix = "server:server"

// Server is the edge-cluster-frontend orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
	loadSub    *comms.Subscription
}

// SetupLogging installs the default slog handler for level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	SetupLogging(cfg.LogLevel)

	slog.Info(fmt.Sprintf("%s - Starting edge-cluster-frontend", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg}
	defer s.close()

	// Step 1: Load the verification key. Serving without a trust root is not allowed.
	keySource := auth.NewHTTPKeySource(cfg.CognitFrontendURL, cfg.KeyFetchRetries)
	gate := auth.NewGate(auth.NewKeyCell(), keySource)
	if err := gate.LoadKey(ctx); err != nil {
		return fmt.Errorf("%s - failed to load verification key from %s: %w", logPrefix, keySource.URL(), err)
	}
	slog.Info(fmt.Sprintf("%s - Trust root v%d from %s", logPrefix, gate.KeyVersion(), keySource.URL()))

	// Step 2: Connect to NATS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	s.nc = nc
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	// Step 3: Connect to database
	pool, err := db.ConnectWithRetry(ctx, cfg.DatabaseURL, cfg.DBConnectWait)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	// Step 3b: Run migrations if enabled
	if cfg.RunMigrations {
		migrations, err := db.LoadMigrations(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	store := db.NewStore(pool, db.StoreOptions{VMPrefix: cfg.WorkerVMPrefix})

	// Step 4: Dispatch transport
	transport, err := newTransport(ctx, cfg, nc)
	if err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Dispatching over %s", logPrefix, transport.Name()))

	disp := dispatcher.NewDispatcher(gate, store, transport, dispatcher.Config{
		Timeout:   cfg.DispatchTimeout,
		Threshold: cfg.LoadThreshold,
		Scheme:    cfg.WorkerScheme,
		Port:      cfg.WorkerPort,
	})

	// Step 5: Telemetry events
	publisher := events.NewCommsPublisher(nc, &events.CommsPublisherOpts{GlobalDeviceSubject: cfg.DeviceMetricsSubject})
	if cfg.RecordWorkerLoad {
		sub, err := events.SubscribeVMLoad(nc, store, cfg.HealthCheckTimeout)
		if err != nil {
			return err
		}
		s.loadSub = sub
	}

	// Step 6: Start HTTP API
	metrics.RegisterMetrics()
	handlers := NewHandlers(disp, publisher, map[string]HealthCheck{
		"database": store.Ping,
		"broker":   func(ctx context.Context) error { return commsutil.Ping(ctx, nc) },
	}, cfg.HealthCheckTimeout)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handlers.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP API listening on %s", logPrefix, cfg.Addr()))
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	slog.Info(fmt.Sprintf("%s - Edge-cluster-frontend is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))
	case err := <-serveErr:
		return fmt.Errorf("%s - HTTP server error: %w", logPrefix, err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func (s *Server) close() {
	if s.loadSub != nil {
		s.loadSub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Drain()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func newTransport(ctx context.Context, cfg *config.Config, nc *comms.Conn) (dispatcher.Transport, error) {
	switch cfg.DispatchTransport {
	case config.TransportHTTP:
		return dispatcher.NewHTTPTransport(&http.Client{}, cfg.WorkerPathPrefix), nil
	default:
		b, err := broker.NewNATSBroker(ctx, nc, broker.NATSOptions{
			ResultsSubject: cfg.ResultsSubject,
			OffloadPrefix:  cfg.OffloadPrefix,
			JetStream:      cfg.BrokerJetStream,
			StreamName:     cfg.StreamName,
			MaxCallAge:     cfg.MaxCallAge,
		})
		if err != nil {
			return nil, fmt.Errorf("%s - failed to set up broker: %w", logPrefix, err)
		}
		return dispatcher.NewBrokerTransport(broker.NewChannel(b)), nil
	}
}
