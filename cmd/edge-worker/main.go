// Package main is the entrypoint for an edge worker: it consumes offload calls
// of one flavour, runs them on the local serverless runtime and reports the
// VM's CPU load.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/morezero/edge-cluster-frontend/internal/config"
	"github.com/morezero/edge-cluster-frontend/internal/server"
	"github.com/morezero/edge-cluster-frontend/pkg/commsutil"
	"github.com/morezero/edge-cluster-frontend/pkg/events"
	"github.com/morezero/edge-cluster-frontend/pkg/worker"
)

const logPrefix = "edge-worker:main"

func main() {
	if err := run(); err != nil {
		log.Fatalf("edge-worker: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	server.SetupLogging(cfg.LogLevel)

	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return err
	}
	defer nc.Close()

	runtime := worker.NewHTTPRuntime(cfg.RuntimeEndpoint, cfg.RuntimePathPrefix, &http.Client{})
	w, err := worker.New(nc, runtime, workerOptions(cfg))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.VMID > 0 {
		publisher := events.NewCommsPublisher(nc, nil)
		go worker.ReportLoad(ctx, publisher, worker.NewProcStatSampler(), cfg.VMID, cfg.LoadReportInterval)
		slog.Info(fmt.Sprintf("%s - Reporting load of VM %d every %v", logPrefix, cfg.VMID, cfg.LoadReportInterval))
	}

	slog.Info(fmt.Sprintf("%s - Worker for flavour %s using runtime %s", logPrefix, cfg.Flavour, cfg.RuntimeEndpoint))
	if err := w.Run(ctx); err != nil {
		return err
	}
	if err := nc.Drain(); err != nil {
		slog.Warn(fmt.Sprintf("%s - drain: %v", logPrefix, err))
	}
	slog.Info(fmt.Sprintf("%s - Stopped", logPrefix))
	return nil
}

func workerOptions(cfg *config.WorkerConfig) worker.Options {
	return worker.Options{
		Flavour:        cfg.Flavour,
		ResultsSubject: cfg.ResultsSubject,
		OffloadPrefix:  cfg.OffloadPrefix,
		JetStream:      cfg.BrokerJetStream,
		StreamName:     cfg.StreamName,
		RuntimeTimeout: cfg.RuntimeTimeout,
	}
}
