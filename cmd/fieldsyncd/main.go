// FieldSync daemon. Hosts the offline-first mutation pipeline behind a
// local HTTP API plus a WebSocket event stream for UI clients.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/relieflabs/fieldsync/cmd/fieldsyncd/handlers"
	"github.com/relieflabs/fieldsync/internal/config"
	"github.com/relieflabs/fieldsync/internal/connectivity"
	"github.com/relieflabs/fieldsync/internal/crypto"
	"github.com/relieflabs/fieldsync/internal/db"
	apperrors "github.com/relieflabs/fieldsync/internal/errors"
	"github.com/relieflabs/fieldsync/internal/export"
	"github.com/relieflabs/fieldsync/internal/logging"
	"github.com/relieflabs/fieldsync/internal/services"
	syncpkg "github.com/relieflabs/fieldsync/internal/sync"
	"github.com/relieflabs/fieldsync/internal/sync/scheduler"
	"github.com/relieflabs/fieldsync/internal/validate"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logLevel := logging.LevelInfo
	if os.Getenv("FIELDSYNC_DEBUG") != "" {
		logLevel = logging.LevelDebug
	}
	logging.Init(os.Stdout, logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("Failed to load configuration", err, nil)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logging.Error("Daemon exited with error", err, nil)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		return err
	}
	if err := migrator.Up(); err != nil {
		return err
	}

	store := db.NewStore(database.DB)

	// A crash can leave operations marked in_flight; they would never
	// become eligible again and would block their document's group.
	recovered, err := store.RecoverInFlight()
	if err != nil {
		return err
	}
	if recovered > 0 {
		logging.Warn("Recovered interrupted operations",
			map[string]interface{}{"count": recovered})
	}

	validator := validate.New()
	registerRules(validator)

	sealKey := string(crypto.DeriveKey(os.Getenv("FIELDSYNC_DEVICE_ID")))
	gateway := &gatewayProxy{callTimeout: cfg.Sync.CallTimeout.Std()}
	if err := gateway.loadFromStore(store, sealKey); err != nil {
		if !apperrors.Is(err, apperrors.ErrSyncNotConfigured) {
			return err
		}
		logging.Warn("No gateway credential configured, queue will hold until one is saved", nil)
	}

	policy := syncpkg.NewRetryPolicy(
		cfg.Retry.BaseDelay.Std(),
		cfg.Retry.MaxDelay.Std(),
		cfg.Retry.JitterFraction,
	)
	engine := syncpkg.NewEngine(store, gateway, policy, syncpkg.EngineConfig{
		Workers:     cfg.Sync.Workers,
		CallTimeout: cfg.Sync.CallTimeout.Std(),
	})

	probe := connectivity.NewHTTPProbe(cfg.Connectivity.ProbeURL, 5*time.Second)
	// With no explicit probe_url the probe follows the gateway endpoint,
	// both the one loaded at startup and any credential saved later.
	probeFollowsGateway := cfg.Connectivity.ProbeURL == ""
	if probeFollowsGateway {
		probe.SetURL(gateway.endpoint())
	}
	onCredential := credentialCallback(gateway, probe, probeFollowsGateway)
	monitor := connectivity.NewMonitor(probe,
		cfg.Connectivity.ProbeInterval.Std(),
		cfg.Connectivity.DebounceWindow.Std(),
	)

	service := services.NewMutationService(store, validator, engine, monitor, services.MutationConfig{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		FastPathTimeout: cfg.Sync.FastPathTimeout.Std(),
	})

	hub := NewWSHub()
	wireEvents(hub, service, monitor, store)

	sched := scheduler.New(
		&reportingEngine{engine: engine, hub: hub, store: store},
		monitor,
		&scheduler.Config{
			DrainInterval: cfg.Sync.DrainInterval.Std(),
			DrainTimeout:  2 * cfg.Sync.DrainInterval.Std(),
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor.Start(ctx)
	defer monitor.Stop()
	sched.Start(ctx)
	defer sched.Stop()

	exporter := export.NewService(store)

	mux := newRouter(service, sched, store, sealKey, onCredential, hub, exporter, filepath.Join(cfg.DataDir, "exports"))

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // forced syncs and websocket streams run long
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("FieldSync daemon listening", map[string]interface{}{
			"addr":     cfg.ListenAddr,
			"data_dir": cfg.DataDir,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newRouter(
	service *services.MutationService,
	sched *scheduler.Scheduler,
	store *db.Store,
	sealKey string,
	onCredential func(endpoint, token string),
	hub *WSHub,
	exporter *export.Service,
	exportDir string,
) *http.ServeMux {
	mutations := handlers.NewMutationHandler(service)
	queue := handlers.NewQueueHandler(service)
	syncH := handlers.NewSyncHandler(service, sched)
	creds := handlers.NewCredentialHandler(store, sealKey, onCredential)
	exports := handlers.NewExportHandler(exporter, exportDir)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/mutations", mutations.Submit)
	mux.HandleFunc("GET /api/entities/{collection}", mutations.ListEntities)
	mux.HandleFunc("GET /api/entities/{collection}/{id}", mutations.GetEntity)
	mux.HandleFunc("GET /api/queue", queue.Pending)
	mux.HandleFunc("GET /api/queue/stats", queue.Stats)
	mux.HandleFunc("GET /api/queue/dead-letters", queue.DeadLetters)
	mux.HandleFunc("POST /api/queue/dead-letters/{id}/retry", queue.Retry)
	mux.HandleFunc("DELETE /api/queue/dead-letters", queue.ClearDeadLetters)
	mux.HandleFunc("GET /api/conflicts", queue.Conflicts)
	mux.HandleFunc("POST /api/conflicts/resolve", queue.ResolveConflict)
	mux.HandleFunc("POST /api/sync", syncH.ForceSync)
	mux.HandleFunc("GET /api/sync/status", syncH.Status)
	mux.HandleFunc("GET /api/credentials", creds.Get)
	mux.HandleFunc("PUT /api/credentials", creds.Save)
	mux.HandleFunc("POST /api/export", exports.Export)
	mux.HandleFunc("POST /api/import", exports.Import)
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/ws", HandleWebSocket(hub))
	return mux
}

// credentialCallback builds the hook run when a credential is saved:
// the gateway client is swapped, and when the probe follows the
// gateway (no explicit probe_url) it is re-pointed at the new
// endpoint so connectivity reflects the endpoint that matters.
func credentialCallback(gateway *gatewayProxy, probe *connectivity.HTTPProbe, followGateway bool) func(endpoint, token string) {
	return func(endpoint, token string) {
		gateway.swap(endpoint, token)
		if followGateway {
			probe.SetURL(endpoint)
		}
	}
}

// wireEvents connects pipeline callbacks to the WebSocket hub.
func wireEvents(hub *WSHub, service *services.MutationService, monitor *connectivity.Monitor, store *db.Store) {
	service.OnQueueChanged(func() {
		stats, err := store.Stats()
		if err != nil {
			logging.Warn("Failed to read queue stats for broadcast",
				map[string]interface{}{"error": err.Error()})
			return
		}
		hub.BroadcastQueueChanged(stats)
	})

	monitor.Subscribe(func(state connectivity.State) {
		hub.BroadcastConnectivityChanged(state == connectivity.StateOnline)
	})
}

// registerRules installs validation rule sets for the collections the
// relief workflows mutate. Unregistered collections still pass the
// baseline checks.
func registerRules(v *validate.Validator) {
	v.Register(validate.RuleSet{
		Kind: "resources",
		Fields: []validate.FieldRule{
			{Name: "name", Type: validate.TypeString, Required: true, MaxLen: 120},
			{Name: "category", Type: validate.TypeString, MaxLen: 60},
			{Name: "quantity", Type: validate.TypeNumber},
			{Name: "unit", Type: validate.TypeString, MaxLen: 30},
			{Name: "status", Type: validate.TypeString, Enum: []string{"available", "reserved", "depleted"}},
		},
	})
	v.Register(validate.RuleSet{
		Kind: "requests",
		Fields: []validate.FieldRule{
			{Name: "summary", Type: validate.TypeString, Required: true, MaxLen: 240},
			{Name: "priority", Type: validate.TypeString, Enum: []string{"low", "normal", "high", "critical"}},
			{Name: "resource_id", Type: validate.TypeString, MaxLen: 64},
			{Name: "fulfilled", Type: validate.TypeBool},
		},
	})
	v.Register(validate.RuleSet{
		Kind: "reports",
		Fields: []validate.FieldRule{
			{Name: "title", Type: validate.TypeString, Required: true, MaxLen: 160},
			{Name: "body", Type: validate.TypeString, MaxLen: 8000},
			{Name: "location", Type: validate.TypeString, MaxLen: 200},
		},
		AllowUnknown: true,
	})
}

// reportingEngine wraps the sync engine so scheduled drains publish
// lifecycle events to connected clients.
type reportingEngine struct {
	engine *syncpkg.Engine
	hub    *WSHub
	store  *db.Store
}

func (e *reportingEngine) Drain(ctx context.Context) (*syncpkg.SyncReport, error) {
	start := time.Now().Unix()
	e.hub.BroadcastSyncStarted("scheduler")

	report, err := e.engine.Drain(ctx)
	if err != nil {
		e.hub.BroadcastSyncFailed(err.Error())
		return report, err
	}

	e.hub.BroadcastSyncCompleted(report)
	if report.DeadLettered > 0 {
		e.broadcastNewConflicts(start)
	}
	return report, nil
}

func (e *reportingEngine) IsDraining() bool {
	return e.engine.IsDraining()
}

func (e *reportingEngine) broadcastNewConflicts(since int64) {
	log, err := e.store.ListConflictLog()
	if err != nil {
		return
	}
	for _, cl := range log {
		if cl.DetectedAt >= since {
			e.hub.BroadcastConflictDetected(cl.Collection, cl.DocumentID, cl.Reason)
		}
	}
}
