package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"axion-tv/work/client"
	"axion-tv/work/config"
	"axion-tv/work/epg"
	"axion-tv/work/handlers"
	"axion-tv/work/library"
	"axion-tv/work/logger"
	"axion-tv/work/middleware"
	"axion-tv/work/parser"
	"axion-tv/work/playlist"
	"axion-tv/work/registry"
	"axion-tv/work/session"
	"axion-tv/work/store"
	"axion-tv/work/xtream"
)

var (
	Version = "v0.1.0" // default version
)

// connectivityExchange dispatches the pre-login credential check to the
// protocol client that matches the server type. It implements
// session.Authenticator and holds no state of its own.
type connectivityExchange struct {
	xc   *xtream.Client
	http *client.HeaderSettingClient
}

func (c *connectivityExchange) Authenticate(ctx context.Context, identifier, secret, serverURL string, serverType registry.ServerType) error {
	switch serverType {
	case registry.ServerTypeXtream:
		return c.xc.Authenticate(ctx, identifier, secret, serverURL)
	case registry.ServerTypeM3U:
		return parser.CheckPlaylist(ctx, c.http, serverURL)
	default:
		return fmt.Errorf("unknown server type %q", serverType)
	}
}

// our main app worker
func main() {

	configPath := flag.String("config", "/settings/config.json", "path to the JSON configuration file")
	flag.Parse()

	// load our config
	cfg := config.LoadConfig(*configPath)
	logger.SetLogLevel(cfg.LogLevel)

	// Open the persistent key-value store
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open store at %s: %v", cfg.DatabasePath, err)
	}
	defer db.Close()

	// Initialize HTTP client
	httpClient := client.New(cfg)

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// Protocol clients and catalog
	xtreamClient := xtream.New(httpClient, cfg)
	catalog, err := playlist.NewManager(cfg, httpClient, xtreamClient, workerPool)
	if err != nil {
		log.Fatalf("Failed to create catalog manager: %v", err)
	}
	defer catalog.Close()

	guide, err := epg.NewGuide(cfg, httpClient)
	if err != nil {
		log.Fatalf("Failed to create EPG guide: %v", err)
	}
	defer guide.Close()

	userLibrary := library.New(db)

	// Daily store maintenance: compact the database file and stamp the run
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Vacuum(); err != nil {
				logger.Warn("Store maintenance failed: %v", err)
				continue
			}
			if err := db.Set("axion_tv_last_vacuum", time.Now().UTC().Format(time.RFC3339)); err != nil {
				logger.Warn("Failed to record maintenance run: %v", err)
			}
		}
	}()

	// Session manager with the protocol-dispatching authenticator
	sess := session.New(db, &connectivityExchange{xc: xtreamClient, http: httpClient})

	app := &handlers.App{
		Config:  cfg,
		Session: sess,
		Catalog: catalog,
		Guide:   guide,
		Library: userLibrary,
	}

	// Restore any previous session, then import its catalog before serving
	ctx := context.Background()
	sess.Restore(ctx)
	if state := sess.Snapshot(); state.IsAuthenticated && state.User != nil {
		userLibrary.Bind(state.User.ID)
		app.RefreshCatalog(ctx)
	}

	// Scheduled catalog refresh from whatever server is active at tick time
	catalog.StartAutoRefresh(ctx, func() (registry.Server, bool) {
		state := sess.Snapshot()
		if state.User == nil {
			return registry.Server{}, false
		}
		return state.User.ActiveServer()
	})
	defer catalog.StopAutoRefresh()

	// Setup HTTP routes
	router := mux.NewRouter()

	// Session lifecycle
	router.HandleFunc("/api/session/login", handlers.HandleLogin(app)).Methods("POST")
	router.HandleFunc("/api/session/logout", handlers.HandleLogout(app)).Methods("POST")
	router.HandleFunc("/api/session", handlers.HandleSession(app)).Methods("GET")
	router.HandleFunc("/api/session/clear-error", handlers.HandleClearError(app)).Methods("POST")

	// Server registry
	router.HandleFunc("/api/servers", handlers.HandleListServers(app)).Methods("GET")
	router.HandleFunc("/api/servers", handlers.HandleAddServer(app)).Methods("POST")
	router.HandleFunc("/api/servers/{id}", handlers.HandleRemoveServer(app)).Methods("DELETE")

	// Catalog listings
	router.HandleFunc("/api/channels", middleware.Gzip(handlers.HandleChannels(app))).Methods("GET")
	router.HandleFunc("/api/movies", middleware.Gzip(handlers.HandleMovies(app))).Methods("GET")
	router.HandleFunc("/api/series", middleware.Gzip(handlers.HandleSeries(app))).Methods("GET")
	router.HandleFunc("/api/categories", handlers.HandleCategories(app)).Methods("GET")

	// Playlist routes (all channels, then group-based)
	router.HandleFunc("/playlist", middleware.Gzip(handlers.HandlePlaylist(app))).Methods("GET")
	router.HandleFunc("/{group}/playlist", middleware.Gzip(handlers.HandleGroupPlaylist(app))).Methods("GET")

	// EPG coverage and now/next
	router.HandleFunc("/api/epg", handlers.HandleEPGChannels(app)).Methods("GET")
	router.HandleFunc("/api/epg/{channel}", handlers.HandleEPG(app)).Methods("GET")

	// Favorites and watch history
	router.HandleFunc("/api/favorites", handlers.HandleListFavorites(app)).Methods("GET")
	router.HandleFunc("/api/favorites", handlers.HandleAddFavorite(app)).Methods("POST")
	router.HandleFunc("/api/favorites/{id}", handlers.HandleRemoveFavorite(app)).Methods("DELETE")
	router.HandleFunc("/api/history", handlers.HandleListHistory(app)).Methods("GET")
	router.HandleFunc("/api/history", handlers.HandleRecordWatch(app)).Methods("POST")
	router.HandleFunc("/api/history", handlers.HandleClearHistory(app)).Methods("DELETE")

	// First-run marker
	router.HandleFunc("/api/launched", handlers.HandleGetLaunched(app)).Methods("GET")
	router.HandleFunc("/api/launched", handlers.HandleSetLaunched(app)).Methods("POST")

	// Status and metrics
	router.HandleFunc("/api/status", handlers.HandleStatus(app)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// show info
	logger.Info("Starting AxionTV %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Address: %s", cfg.ListenAddr)
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Database Path: %s", cfg.DatabasePath)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Cache Enabled: %v", cfg.CacheEnabled)
	logger.Info("  - Cache Duration: %s", cfg.CacheDuration)
	logger.Info("  - Catalog Refresh Rate: %s", cfg.ImportRefreshInterval)
	logger.Info("  - Catalog Sort Attr.: %s", cfg.SortField)
	logger.Info("  - Catalog Sort Dir.: %s", cfg.SortDirection)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)
	if keys, err := db.Keys("axion_tv_"); err == nil {
		logger.Info("  - Stored Keys: %d", len(keys))
	}

	// Reload config and re-import on SIGHUP
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)
	go func() {

		// start a loop
		for {
			<-reloadChan

			if cfg.Debug {
				logger.Debug("Graceful reload requested...")
			}

			// CLEAR CONFIG CACHE FIRST
			config.ClearConfigCache()

			// Reload into the shared Config instance so every component
			// holding the pointer sees the new values
			newConfig := config.LoadConfig(*configPath)
			*cfg = *newConfig
			logger.SetLogLevel(cfg.LogLevel)
			httpClient.Client.Timeout = cfg.StreamTimeout
			if err := catalog.ReloadFilter(); err != nil {
				logger.Error("Reload kept previous catalog filter: %v", err)
			}

			catalog.Clear()
			app.RefreshCatalog(ctx)

			if cfg.Debug {
				logger.Debug("Graceful reload completed")
			}

		}

	}()

	// fire us up
	if err := http.ListenAndServe(cfg.ListenAddr, router); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

}
