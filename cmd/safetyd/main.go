// Command safetyd scores intersection safety indices from normalized sensor
// observations, fans the records out to the configured destinations, and
// serves the query API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/safety.report/internal/aggregate"
	"github.com/banshee-data/safety.report/internal/api"
	"github.com/banshee-data/safety.report/internal/correlate"
	"github.com/banshee-data/safety.report/internal/fsutil"
	"github.com/banshee-data/safety.report/internal/httputil"
	"github.com/banshee-data/safety.report/internal/index"
	"github.com/banshee-data/safety.report/internal/pipeline"
	"github.com/banshee-data/safety.report/internal/storage/archive"
	"github.com/banshee-data/safety.report/internal/storage/columnar"
	"github.com/banshee-data/safety.report/internal/storage/sqlite"
	"github.com/banshee-data/safety.report/internal/timeutil"
	"github.com/banshee-data/safety.report/internal/version"
)

var (
	devMode       = flag.Bool("dev", false, "Run in dev mode with a synthetic observation feed")
	listen        = flag.String("listen", "", "Listen address (overrides config)")
	dbPath        = flag.String("db", "", "SQLite database path (overrides config)")
	dataDir       = flag.String("data-dir", "", "Columnar file directory (overrides config)")
	configPath    = flag.String("config", "", "Path to JSON config file")
	intersections = flag.String("intersections", "", "Path to JSON intersection directory (id -> [lat, lon])")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("safetyd %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg := &pipeline.Config{}
	if *configPath != "" {
		loaded, err := pipeline.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	if *dataDir != "" {
		cfg.DataDir = dataDir
	}

	db, err := sqlite.Open(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.MigrateUp(); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	plugins, err := loadOrSeedPlugins(db)
	if err != nil {
		log.Fatalf("failed to load plugins: %v", err)
	}
	registry, err := index.NewRegistry(plugins, db)
	if err != nil {
		log.Fatalf("failed to build plugin registry: %v", err)
	}
	if v := registry.ValidateWeights(); !v.Valid {
		log.Printf("warning: enabled plugin weights sum to %.4f, composite scores will be reported anyway", v.Sum)
	}

	adjuster := index.NewAdjuster(db, cfg.GetEBPriorStrength())
	calc := index.NewCalculator(registry, adjuster)

	columnarStore := columnar.NewStore(fsutil.OSFileSystem{}, cfg.GetDataDir())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	writer := pipeline.NewMultiWriter(cfg)
	writer.AddBackend(db, cfg.GetRelationalEnabled())
	writer.AddBackend(columnarStore, cfg.GetColumnarEnabled())
	if cfg.GetArchiveEnabled() {
		if cfg.GetArchiveBucket() == "" {
			log.Fatalf("archive backend enabled but no bucket configured")
		}
		archiveStore, err := archive.NewStore(ctx, cfg.GetArchiveBucket())
		if err != nil {
			log.Fatalf("failed to open archive bucket: %v", err)
		}
		defer archiveStore.Close()
		if err := archiveStore.EnsureLifecycle(ctx); err != nil {
			log.Printf("failed to apply archive lifecycle rules: %v", err)
		}
		writer.AddBackend(archiveStore, true)
	}

	var fallback aggregate.RecordSource
	if cfg.GetReadFallback() {
		fallback = columnarStore
	}
	agg := aggregate.NewService(db, fallback, cfg.GetHighRiskThreshold())

	directory, err := loadDirectory(*intersections, *devMode)
	if err != nil {
		log.Fatalf("failed to load intersection directory: %v", err)
	}

	var incidentSource correlate.IncidentSource
	if url := cfg.GetIncidentURL(); url != "" {
		incidentSource = correlate.NewHTTPIncidentSource(httputil.NewStandardClient(nil), url)
	} else {
		incidentSource = &correlate.StaticIncidentSource{}
	}
	engine := correlate.NewEngine(agg, incidentSource, directory, db)

	var wg sync.WaitGroup

	// scoring worker; in dev mode a synthetic feed drives the full
	// score-and-persist path so the API has data to serve
	if *devMode {
		source := pipeline.NewDemoSource(directory.Intersections())
		worker := pipeline.NewIntervalWorker(calc, writer, source, timeutil.RealClock{}, cfg.GetScoreInterval())
		worker.Start(ctx)
		defer worker.Stop()
		log.Printf("dev mode: scoring %d synthetic intersections every %s", len(directory.Intersections()), cfg.GetScoreInterval())
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(agg, engine, registry, writer, db, db).ServeMux()

		// mount the admin SQL debugging routes (dev / trusted network only)
		if err := db.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach admin routes: %v", err)
		}

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("safetyd %s listening on %s", version.Version, cfg.GetListen())
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Println("safetyd stopped")
}

// loadOrSeedPlugins reads the plugin roster from the database, writing the
// default telemetry and weather plugins on first boot.
func loadOrSeedPlugins(db *sqlite.Store) ([]index.FeaturePlugin, error) {
	plugins, err := db.LoadPlugins()
	if err != nil {
		return nil, err
	}
	if len(plugins) > 0 {
		return plugins, nil
	}
	plugins = []index.FeaturePlugin{
		{Name: "telemetry", Kind: index.KindTelemetry, Version: "1.0.0", Enabled: true, Weight: 0.6},
		{Name: "weather", Kind: index.KindWeather, Version: "1.0.0", Enabled: true, Weight: 0.4},
	}
	for i := range plugins {
		if err := db.SavePlugin(&plugins[i]); err != nil {
			return nil, fmt.Errorf("seed plugin %s: %w", plugins[i].Name, err)
		}
	}
	log.Printf("seeded %d default plugins", len(plugins))
	return plugins, nil
}

// loadDirectory reads the intersection directory from a JSON file mapping
// intersection ID to [lat, lon]. Dev mode falls back to a small built-in
// set when no file is given.
func loadDirectory(path string, dev bool) (*correlate.StaticDirectory, error) {
	if path == "" {
		if dev {
			return &correlate.StaticDirectory{Entries: map[string][2]float64{
				"int-041": {45.5231, -122.6765},
				"int-117": {45.5152, -122.6784},
				"int-203": {45.5308, -122.6587},
			}}, nil
		}
		return &correlate.StaticDirectory{Entries: map[string][2]float64{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries map[string][2]float64
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &correlate.StaticDirectory{Entries: entries}, nil
}
