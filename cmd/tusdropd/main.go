// cmd/tusdropd/main.go - Production entrypoint for tusdrop.
//
// Wires configuration, storage backend, the tus engine, the
// management API and the ambient middleware stack into a single HTTP
// server, then performs graceful shutdown on signals.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tusdrop/internal/audittrail"
	"tusdrop/internal/audittrail/migrations"
	"tusdrop/internal/auth"
	"tusdrop/internal/config"
	"tusdrop/internal/httpmw"
	"tusdrop/internal/logging"
	"tusdrop/internal/management"
	"tusdrop/internal/metrics"
	"tusdrop/internal/scratch"
	"tusdrop/internal/storage"
	"tusdrop/internal/tusengine"
	"tusdrop/internal/webhook"
)

// buildVersion and buildCommit are overridden at link time
// (-ldflags "-X main.buildVersion=... -X main.buildCommit=...").
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

func main() {
	configPath := flag.String("config", getenvDefault("TUSDROP_CONFIG", "tusdrop.toml"), "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tusdropd: load config: %v\n", err)
		os.Exit(1)
	}

	logging.SetDefault(logging.New(os.Stdout, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format == "json"))
	logging.Info("starting", map[string]any{"version": buildVersion, "commit": buildCommit, "storage_type": cfg.StorageType})

	backend, err := newBackend(cfg)
	if err != nil {
		logging.Error("backend init failed", nil, err)
		os.Exit(1)
	}
	breaker := httpmw.NewCircuitBreaker(5, 30*time.Second)
	guardedBackend := httpmw.WithCircuitBreaker(backend, breaker)

	store, err := scratch.New(cfg.Tus.FilesDir)
	if err != nil {
		logging.Error("scratch store init failed", map[string]any{"files_dir": cfg.Tus.FilesDir}, err)
		os.Exit(1)
	}

	dispatcher := webhook.New(cfg.Webhooks.URL)

	var trail *audittrail.Trail
	if cfg.Audit.DatabaseURL != "" {
		if err := migrations.Apply(cfg.Audit.DatabaseURL); err != nil {
			logging.Error("audit migrations failed", nil, err)
			os.Exit(1)
		}
		db, err := audittrail.Open(cfg.Audit.DatabaseURL)
		if err != nil {
			logging.Error("audit db connect failed", nil, err)
			os.Exit(1)
		}
		defer db.Close()
		trail = audittrail.New(db)
		logging.Info("audit trail enabled", nil)
	}

	authFn := auth.New(cfg.Auth.BearerTokenHash)

	onDone := func(file *storage.StoredFile) {
		dispatcher.Notify(file)
	}

	// Every engine state transition lands in the audit trail when one
	// is configured; a failed insert is logged and dropped, never
	// surfaced to the client whose request caused it.
	var events tusengine.EventHook
	if trail != nil {
		events = func(event, uid string, offset int64) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := trail.Record(ctx, audittrail.Event{
				UID:    uid,
				Kind:   audittrail.EventKind(event),
				Offset: offset,
			}); err != nil {
				logging.Warn("audit record failed", map[string]any{"uid": uid, "event": event, "error": err.Error()})
			}
		}
	}

	engine := tusengine.New(tusengine.Config{
		Prefix:           cfg.Tus.Prefix,
		MaxSize:          cfg.Tus.MaxSize,
		DaysToKeep:       daysToKeep(cfg.Tus.ExpirationPeriod),
		ExpirationPeriod: sweepInterval(cfg.Tus.ExpirationPeriod),
		Auth:             authFn,
		Events:           events,
	}, store, guardedBackend, onDone)

	mgmt := management.New(guardedBackend, authFn)
	exporter := metrics.NewExporter(engine)

	mux := http.NewServeMux()
	engine.RegisterRoutes(mux)
	mgmt.RegisterRoutes(mux, cfg.API.Prefix)
	mux.HandleFunc("/metrics", exporter.Handler())
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/ready", handleReady(store, guardedBackend))
	mux.HandleFunc("/version", handleVersion)
	mux.HandleFunc("/config", handleConfig(cfg))
	mux.HandleFunc("/signature", handleSignature)

	var handler http.Handler = mux
	handler = httpmw.Compression(handler)
	handler = httpmw.NewEndpointLimits(120, 300).Middleware(handler)
	handler = httpmw.CORS(httpmw.CORSConfig{Origins: cfg.API.CORSOrigins, Headers: cfg.API.CORSHeaders})(handler)
	handler = httpmw.SecurityHeaders(handler)
	handler = httpmw.Tracing(handler)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	go engine.StartExpirationSweep(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		logging.Info("listening", map[string]any{"addr": cfg.ListenAddr})
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			errCh <- err
			return
		}
		errCh <- srv.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("shutting down", map[string]any{"signal": sig.String()})
		cancelSweep()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.Error("shutdown error", nil, err)
			os.Exit(1)
		}
		logging.Info("shutdown complete", nil)
	case err := <-errCh:
		cancelSweep()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("server error", nil, err)
			os.Exit(1)
		}
	}
}

// newBackend constructs the storage backend selected by
// storage_type.
func newBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageType {
	case "local":
		return storage.NewLocal(cfg.LocalStorage.BasePath)
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return storage.NewS3(ctx, storage.S3Config{
			BucketName:      cfg.S3Storage.BucketName,
			EndpointURL:     cfg.S3Storage.EndpointURL,
			RegionName:      cfg.S3Storage.RegionName,
			AccessKeyID:     cfg.S3Storage.AccessKeyID,
			SecretAccessKey: cfg.S3Storage.SecretAccessKey,
			SearchScanLimit: cfg.S3Storage.SearchScanLimit,
		})
	default:
		return nil, fmt.Errorf("tusdropd: unknown storage_type %q", cfg.StorageType)
	}
}

// daysToKeep converts the configured expiration period (seconds) into
// whole days, with a floor of one day so a short period still expires
// descriptors rather than never.
func daysToKeep(expirationPeriodSeconds int64) int {
	days := expirationPeriodSeconds / 86400
	if days < 1 {
		days = 1
	}
	return int(days)
}

// sweepInterval derives how often the expiration sweep runs from the
// configured expiration period: a tenth of the period, clamped to
// [1m, 1h] so neither a very short nor very long period produces a
// pathological tick rate.
func sweepInterval(expirationPeriodSeconds int64) time.Duration {
	d := time.Duration(expirationPeriodSeconds) * time.Second / 10
	if d < time.Minute {
		return time.Minute
	}
	if d > time.Hour {
		return time.Hour
	}
	return d
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

// handleReady reports scratch and backend reachability, dependency
// by dependency.
func handleReady(store *scratch.Store, backend storage.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type componentStatus struct {
			Status  string `json:"status"`
			Message string `json:"message,omitempty"`
		}
		components := map[string]componentStatus{}
		ok := true

		if _, err := store.ListSidecars(); err != nil {
			components["scratch"] = componentStatus{Status: "error", Message: err.Error()}
			ok = false
		} else {
			components["scratch"] = componentStatus{Status: "ok"}
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := backend.List(ctx, "", storage.ListParams{Limit: 1}); err != nil {
			components["backend"] = componentStatus{Status: "error", Message: err.Error()}
			ok = false
		} else {
			components["backend"] = componentStatus{Status: "ok"}
		}

		status := "ok"
		if !ok {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "components": components})
	}
}

func handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"version": buildVersion, "commit": buildCommit})
}

// handleConfig exposes the non-secret parts of the running
// configuration, for operational debugging.
func handleConfig(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		httpmw.MaxUploadSizeHeader(w, cfg.Tus.MaxSize)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"app_name":     cfg.AppName,
			"storage_type": cfg.StorageType,
			"tus": map[string]any{
				"prefix":            cfg.Tus.Prefix,
				"max_size":          cfg.Tus.MaxSize,
				"expiration_period": cfg.Tus.ExpirationPeriod,
			},
			"api_prefix": cfg.API.Prefix,
		})
	}
}

// handleSignature answers the PUT /signature capability probe: a cheap
// way for a client to confirm it is talking to this server and which
// protocol version it speaks, without starting an upload.
func handleSignature(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"verifier":            "tusdrop",
		"version":             buildVersion,
		"compatible_versions": []string{"1.0.0"},
	})
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
