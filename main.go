package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamrelay/work/cache"
	"streamrelay/work/client"
	"streamrelay/work/config"
	"streamrelay/work/database"
	"streamrelay/work/downloader"
	"streamrelay/work/encoder"
	"streamrelay/work/handlers"
	"streamrelay/work/logger"
	"streamrelay/work/provider"
	"streamrelay/work/proxy"
	"streamrelay/work/types"
)

var (
	Version = "v0.1.0" // default version
)

const shutdownTimeout = 10 * time.Second

// catalogue is what the prompt and admin API need from the site scraper.
type catalogue interface {
	BaseURL() string
	Search(ctx context.Context, query string) ([]types.MediaItem, error)
	MediaInfo(ctx context.Context, item types.MediaItem) (*types.MediaInfo, error)
}

// app bundles the long-lived components shared by the HTTP server and the
// interactive prompt.
type app struct {
	cfg        *config.Config
	gw         *client.Gateway
	sp         *proxy.StreamProxy
	db         *database.DB // nil when history could not be opened
	catalogue  catalogue
	downloader *downloader.Downloader
	launch     func(playerPath, url string) error
}

// newRouter wires the player routes, metrics and the admin API.
func newRouter(a *app) *mux.Router {
	router := mux.NewRouter()
	handlers.Routes(router, a.sp)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	setupAdminRoutes(router, a)
	return router
}

// our main app worker
func main() {
	configPath := flag.String("config", "", "path to config.json (overrides STREAMRELAY_CONFIG)")
	serveOnly := flag.Bool("serve", false, "serve the active session over HTTP without the interactive prompt")
	examplePath := flag.String("write-example-config", "", "write an example config file to this path and exit")
	flag.Parse()

	if err := config.LoadEnv(); err != nil {
		logger.Warn("{main - main} %v", err)
	}
	if *examplePath != "" {
		if err := config.CreateExampleConfig(*examplePath); err != nil {
			logger.Fatal("{main - main} Failed to write example config: %v", err)
		}
		fmt.Printf("Example config written to %s\n", *examplePath)
		return
	}
	if *configPath != "" {
		os.Setenv("STREAMRELAY_CONFIG", *configPath)
	}

	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := client.NewGateway(client.OptionsFromConfig(cfg))
	if err != nil {
		logger.Fatal("{main - main} Failed to create origin gateway: %v", err)
	}
	defer gw.Close()

	lordfilm := provider.NewLordfilm(gw, cfg)
	if _, err := lordfilm.ResolveMirror(ctx); err != nil {
		logger.Warn("{main - main} Mirror discovery failed, using %s: %v", lordfilm.BaseURL(), err)
	}
	if err := gw.Ping(ctx, lordfilm.BaseURL(), cfg.ReachabilityTimeout); err != nil {
		var se *types.StartupError
		if errors.As(err, &se) {
			logger.Error("{main - main} %s is not reachable, check DOMAIN and the network: %v", se.URL, se.Err)
		} else {
			logger.Error("{main - main} %v", err)
		}
		os.Exit(1)
	}

	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true), ants.WithNonblocking(true))
	if err != nil {
		logger.Fatal("{main - main} Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	sp := proxy.New(cfg, gw, cache.NewSegmentCache(cfg.SegmentCacheTTL), workerPool)

	db, err := database.Open(filepath.Join(cfg.UserDataDir, database.FileName))
	if err != nil {
		logger.Warn("{main - main} History disabled: %v", err)
		db = nil
	} else {
		defer db.Close()
	}

	ffmpeg := encoder.New(cfg.FFmpegPath)
	if version, err := ffmpeg.CheckVersion(ctx); err != nil {
		logger.Warn("{main - main} ffmpeg unavailable, downloads will fail: %v", err)
	} else {
		logger.Info("{main - main} Using ffmpeg %s", version)
	}

	a := &app{
		cfg:        cfg,
		gw:         gw,
		sp:         sp,
		db:         db,
		catalogue:  lordfilm,
		downloader: downloader.New(gw, ffmpeg, cfg.UserDataDir),
		launch:     encoder.LaunchPlayer,
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("{main - main} Starting streamrelay %s", Version)
	logger.Info("{main - main} Server configuration:")
	logger.Info("{main - main}   - Playlist URL: %s", cfg.PlaylistURL())
	logger.Info("{main - main}   - Mirror: %s", lordfilm.BaseURL())
	logger.Info("{main - main}   - Request Cooldown: %s", cfg.RequestCooldown)
	logger.Info("{main - main}   - Segment Cache TTL: %s", cfg.SegmentCacheTTL)
	logger.Info("{main - main}   - Prefetch Segments: %d", cfg.PrefetchSegments)
	logger.Info("{main - main}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{main - main}   - User Data: %s", cfg.UserDataDir)
	logger.Info("{main - main}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("{main - main} Server failed: %v", err)
			stop()
		}
	}()

	if !*serveOnly {
		go func() {
			sh := newShell(a, os.Stdin, os.Stdout)
			if err := sh.run(ctx); err != nil {
				logger.Error("{main - main} Prompt failed: %v", err)
			}
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info("{main - main} Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("{main - main} Shutdown error: %v", err)
	}
	sp.Unregister()
	logger.Info("{main - main} Server stopped")
}
