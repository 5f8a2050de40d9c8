package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/vision.report/internal/api"
	"github.com/banshee-data/vision.report/internal/config"
	"github.com/banshee-data/vision.report/internal/db"
	"github.com/banshee-data/vision.report/internal/fsutil"
	"github.com/banshee-data/vision.report/internal/version"
	"github.com/banshee-data/vision.report/internal/vision"
	"github.com/banshee-data/vision.report/internal/vision/feed"
	"github.com/banshee-data/vision.report/internal/vision/infer"
	"github.com/banshee-data/vision.report/internal/vision/monitorplot"
	"github.com/banshee-data/vision.report/internal/vision/source"
)

var (
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	dbFile      = flag.String("db", "vision.db", "Path to the SQLite database file")
	sourceSpec  = flag.String("source", "", "Frame source: video path, camera:N, dir:PATH, or static")
	modelURL    = flag.String("model-url", "http://localhost:8580", "Model server base URL")
	labelsPath  = flag.String("labels", "", "YAML label map resolving model class IDs to names")
	configPath  = flag.String("config", "", "Tuning config JSON file")
	feedListen  = flag.String("feed-listen", "localhost:50052", "gRPC overlay feed listen address")
	exportDir   = flag.String("export-dir", "", "Directory for export documents (default: OS temp dir)")
	plotDir     = flag.String("plot", "", "Render confidence timeline plots under this directory on stop")
	devMode     = flag.Bool("dev", false, "Run in dev mode (working-tree migrations, static test source by default)")
	debugLog    = flag.String("debug-log", "", "Write pipeline diagnostic logs to this file ('-' for stderr)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	// Schema subcommands run before flag.Parse so `vision migrate up` works
	// without the daemon flags.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(os.Args[2:])
		return
	}

	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	setupDebugLog()

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		log.Printf("loaded tuning config from %s", *configPath)
	}
	if *exportDir != "" {
		tuning.ExportDir = exportDir
	}

	srcSpec := *sourceSpec
	if srcSpec == "" && *devMode {
		srcSpec = "static"
	}
	if srcSpec == "" {
		log.Fatal("Source is required: -source video.mp4 | camera:N | dir:path | static")
	}

	db.DevMode = *devMode
	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	var labels *infer.Labels
	if *labelsPath != "" {
		labels, err = infer.LoadLabels(fsutil.OSFileSystem{}, *labelsPath)
		if err != nil {
			log.Fatalf("Failed to load labels: %v", err)
		}
		log.Printf("loaded %d class labels from %s", labels.Count(), *labelsPath)
	}

	publisher := feed.NewPublisher(feed.Config{
		ListenAddr:    *feedListen,
		BufferSize:    tuning.GetFeedBufferSize(),
		StatsInterval: tuning.GetFeedStatsInterval(),
	})
	if err := publisher.Start(); err != nil {
		log.Fatalf("Failed to start overlay feed: %v", err)
	}
	log.Printf("overlay feed listening on %s", publisher.Addr())

	// Timeline plotting is off unless a plot directory is configured.
	plotBase := *plotDir
	if plotBase == "" && tuning.GetPlotOnStop() {
		plotBase = tuning.GetExportDir()
	}
	sampler := monitorplot.NewTimelineSampler()

	var listeners []vision.PublishListener
	var onSessionStart, onSessionEnd func(vision.SessionMeta)
	if plotBase != "" {
		listeners = append(listeners, sampler.Listener())
		onSessionStart = func(meta vision.SessionMeta) {
			dir := monitorplot.MakePlotOutputDir(plotBase, meta.SourceLabel, meta.StartedAt)
			if err := sampler.Start(dir); err != nil {
				log.Printf("failed to start timeline sampler: %v", err)
			}
		}
		onSessionEnd = func(meta vision.SessionMeta) {
			sampler.Stop()
			n, err := sampler.GeneratePlots()
			if err != nil {
				log.Printf("failed to render timeline plots: %v", err)
			} else if n > 0 {
				log.Printf("rendered %d timeline plots under %s", n, sampler.OutputDir())
			}
		}
	}

	manager := vision.NewManager(vision.ManagerConfig{
		Store:  database,
		Sink:   publisher,
		Tuning: tuning,
		NewSource: func() (vision.FrameSource, error) {
			return source.Open(srcSpec, source.Config{
				Loop:   true,
				FPSCap: tuning.GetSourceFPSCap(),
			})
		},
		NewClient: func() (vision.InferenceClient, error) {
			return infer.NewHTTP(infer.Config{
				BaseURL: *modelURL,
				Labels:  labels,
				Timeout: tuning.GetInferTimeout(),
			})
		},
		SourceLabel:    srcSpec,
		Listeners:      listeners,
		OnSessionStart: onSessionStart,
		OnSessionEnd:   onSessionEnd,
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stop the active session on shutdown so its row is closed and its
	// resources released before the process exits.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := manager.Stop(); err == nil {
			log.Printf("pipeline stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		publisher.Stop()
		log.Printf("overlay feed stopped")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		// Sessions stop through the manager goroutine above, not through
		// context cancellation, so their store rows are closed before exit.
		mux := api.NewServer(context.Background(), manager, database, tuning).ServeMux()
		database.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("%s serving HTTP on %s (source %s, model %s)", version.String(), *listen, srcSpec, *modelURL)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// setupDebugLog routes the vision package's diagnostic streams. By default
// only operational warnings reach stderr; -debug-log (or the
// VISION_DEBUG_LOG environment fallback) turns on the full diag and trace
// streams.
func setupDebugLog() {
	target := *debugLog
	if target == "" {
		target = os.Getenv("VISION_DEBUG_LOG")
	}

	switch target {
	case "":
		vision.SetLogWriters(os.Stderr, nil, nil)
	case "-":
		vision.SetLegacyLogger(os.Stderr)
	default:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open debug log %s: %v", target, err)
		}
		vision.SetLegacyLogger(f)
	}
}

// runMigrate handles `vision migrate <action>` with its own flag set.
func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dbPath := fs.String("db", "vision.db", "Path to the SQLite database file")
	dev := fs.Bool("dev", false, "Use working-tree migration files instead of the embedded copies")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	db.DevMode = *dev
	db.RunMigrateCommand(fs.Args(), *dbPath)
}
