// Package main implements the vehicle control container entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vehicle-control/vcc/internal/api"
	"github.com/vehicle-control/vcc/internal/audit"
	"github.com/vehicle-control/vcc/internal/auth"
	"github.com/vehicle-control/vcc/internal/config"
	"github.com/vehicle-control/vcc/internal/dispatch"
	"github.com/vehicle-control/vcc/internal/ingest"
	"github.com/vehicle-control/vcc/internal/mapping"
	"github.com/vehicle-control/vcc/internal/metrics"
	"github.com/vehicle-control/vcc/internal/script"
	"github.com/vehicle-control/vcc/internal/seqstore"
	"github.com/vehicle-control/vcc/internal/sequence"
	"github.com/vehicle-control/vcc/internal/state"
	"github.com/vehicle-control/vcc/internal/telemetry"
)

const Version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	log.Printf("Starting vehicle control container v%s", Version)

	// Step 1: configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// Step 2: metrics and audit trail
	m := metrics.New(prometheus.DefaultRegisterer)
	auditLogger, err := audit.NewLogger(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to initialize audit logger: %v", err)
	}
	log.Printf("Audit log at %s", auditLogger.Path())

	// Step 3: node mapping table and vehicle state store
	table := mapping.NewTable()
	if cfg.MappingFile != "" {
		if err := table.LoadFile(cfg.MappingFile); err != nil {
			log.Fatalf("Failed to load mapping file %s: %v", cfg.MappingFile, err)
		}
		log.Printf("Loaded %d node mappings from %s", table.Len(), cfg.MappingFile)
	}
	store := state.NewStore(m)

	// Step 4: telemetry hub
	hub := telemetry.NewHub(store,
		telemetry.WithSnapshotInterval(cfg.Timing.SnapshotInterval),
		telemetry.WithHeartbeatInterval(cfg.Timing.HeartbeatInterval),
		telemetry.WithBufferSize(cfg.Timing.EventBufferSize),
	)
	hub.Start()
	log.Println("Telemetry hub started")

	// Step 5: board dispatcher
	dispatcher := dispatch.NewNetworkDispatcher(table, store,
		dispatch.WithBoardPort(cfg.BoardPort),
		dispatch.WithSendTimeout(cfg.Timing.DispatchTimeout),
		dispatch.WithAudit(auditLogger),
		dispatch.WithMetrics(m),
		dispatch.WithEvents(hub),
	)

	// Step 6: sequence persistence and engine
	seqStore, err := seqstore.Open(filepath.Join(cfg.DataDir, "vcc.db"))
	if err != nil {
		log.Fatalf("Failed to open sequence store: %v", err)
	}
	engine := sequence.NewEngine(table, dispatcher, seqStore,
		func() sequence.Runner { return script.NewRunner() },
		sequence.WithAuditLogger(auditLogger),
		sequence.WithMetrics(m),
	)

	// Step 7: trigger monitor, rehydrated from persistence
	monitor := sequence.NewTriggerMonitor(engine,
		script.NewEvaluator(table, dispatcher), cfg.Timing.TriggerInterval)
	triggers, err := seqStore.ListTriggers(context.Background())
	if err != nil {
		log.Fatalf("Failed to list persisted triggers: %v", err)
	}
	for _, trig := range triggers {
		monitor.Set(trig)
	}
	monitor.Start(context.Background())
	log.Printf("Trigger monitor started with %d triggers", len(triggers))

	// Step 8: board telemetry ingest
	listener, err := ingest.Listen(cfg.IngestAddr, ingest.NewHandler(table, store, m))
	if err != nil {
		log.Fatalf("Failed to start telemetry ingest: %v", err)
	}
	log.Printf("Ingesting board telemetry on %s", listener.Addr())

	// Step 9: control API
	var verifier *auth.Verifier
	if cfg.AuthKey != "" {
		verifier, err = auth.NewVerifier(cfg.AuthKey, cfg.AuthIssuer)
		if err != nil {
			log.Fatalf("Failed to initialize auth: %v", err)
		}
		log.Println("API authentication enabled")
	} else {
		log.Println("WARNING: API authentication disabled (no auth_key configured)")
	}
	server := api.NewServer(table, store, dispatcher, engine, seqStore, monitor, hub,
		auth.NewMiddleware(verifier))

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.APIAddr); err != nil {
			serverErr <- fmt.Errorf("control API failed: %w", err)
		}
	}()
	log.Printf("Control API on %s", cfg.APIAddr)

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-shutdown:
		log.Printf("Received signal %v, shutting down", sig)
	case err := <-serverErr:
		log.Printf("Server error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := listener.Close(); err != nil {
		log.Printf("Error closing ingest listener: %v", err)
	}
	monitor.Stop()
	hub.Stop()
	if err := server.Stop(ctx); err != nil {
		log.Printf("Error stopping control API: %v", err)
	}
	if err := dispatcher.Close(); err != nil {
		log.Printf("Error closing board socket: %v", err)
	}
	if err := seqStore.Close(); err != nil {
		log.Printf("Error closing sequence store: %v", err)
	}
	if err := auditLogger.Close(); err != nil {
		log.Printf("Error closing audit logger: %v", err)
	}
	log.Println("Shutdown complete")
}
