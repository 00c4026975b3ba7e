package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/go-co-op/gocron"

	"github.com/vrsandeep/streamdl/internal/artwork"
	"github.com/vrsandeep/streamdl/internal/config"
	"github.com/vrsandeep/streamdl/internal/db"
	"github.com/vrsandeep/streamdl/internal/downloader"
	"github.com/vrsandeep/streamdl/internal/jobs"
	"github.com/vrsandeep/streamdl/internal/models"
	"github.com/vrsandeep/streamdl/internal/sources"
	"github.com/vrsandeep/streamdl/internal/sources/httpsource"
	"github.com/vrsandeep/streamdl/internal/sources/mockstream"
	"github.com/vrsandeep/streamdl/internal/store"
	"github.com/vrsandeep/streamdl/internal/watcher"
	"github.com/vrsandeep/streamdl/internal/websocket"
)

// Keys of runtime settings persisted in app_settings.
const (
	SettingMaxConcurrent = "downloads.max_concurrent"
	SettingCleanupPolicy = "downloads.cleanup"
)

// App holds the core components of the application that are shared
// between the server and the CLI.
type App struct {
	Version string

	config     *config.Config
	db         *sql.DB
	store      *store.Store
	sources    *sources.Registry
	network    *downloader.NetworkState
	downloads  *downloader.Manager
	wsHub      *websocket.Hub
	jobManager *jobs.JobManager
	artwork    *artwork.Cache
	watcher    *watcher.WatcherService
	scheduler  *gocron.Scheduler
	opts       Options
}

// Options customises how New builds the App. The zero value is production.
type Options struct {
	// Statter overrides the disk statistics of the downloads device.
	Statter downloader.DiskStatter
	// Sources are registered in addition to the configured ones.
	Sources []models.Source
	// NoWatcher disables the downloads directory watcher.
	NoWatcher bool
	// NoScheduler disables periodic background jobs.
	NoScheduler bool
}

// New sets up and returns a new App instance. It handles loading the
// configuration, initializing the database connection, and running migrations.
func New() (*App, error) {
	// Load configuration from config.yml
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewWithConfig(cfg, Options{})
}

// NewWithConfig builds the App from an already loaded configuration.
func NewWithConfig(cfg *config.Config, opts Options) (*App, error) {
	settings, err := cfg.DownloadSettings()
	if err != nil {
		return nil, fmt.Errorf("invalid download configuration: %w", err)
	}

	// Initialize the database connection
	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Run database migrations
	if err := db.RunMigrations(database); err != nil {
		// We can't proceed without a valid database schema.
		// Close the DB connection before failing.
		database.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	app := &App{
		Version: "dev",
		config:  cfg,
		db:      database,
		store:   store.New(database),
		sources: sources.NewRegistry(),
		network: downloader.NewNetworkState(cfg.Network.WiFi),
		wsHub:   websocket.NewHub(),
		opts:    opts,
	}

	if err := app.registerSources(opts.Sources); err != nil {
		database.Close()
		return nil, err
	}
	if err := app.applyPersistedSettings(&settings); err != nil {
		database.Close()
		return nil, err
	}

	app.downloads, err = downloader.NewManager(downloader.Options{
		Settings:   settings,
		Dir:        cfg.Downloads.Path,
		Sources:    app.sources,
		Repository: app.store,
		Statter:    opts.Statter,
		Network:    app.network,
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	app.jobManager = jobs.NewManager(app)
	jobs.RegisterAll(app.jobManager)
	app.artwork = artwork.NewCache(cfg.Artwork.Path, cfg.Artwork.Width, nil)
	if !opts.NoWatcher {
		app.watcher = watcher.NewWatcherService(cfg.Downloads.Path, app.downloads, 0)
	}

	log.Println("Core application setup complete.")
	return app, nil
}

func (a *App) registerSources(extra []models.Source) error {
	src := a.config.Sources
	if src.HTTP.BaseURL != "" {
		bps, err := a.config.HTTPBytesPerSecond()
		if err != nil {
			return err
		}
		httpSrc, err := httpsource.New(httpsource.Options{
			BaseURL:        src.HTTP.BaseURL,
			BytesPerSecond: bps,
			UserAgent:      src.HTTP.UserAgent,
		})
		if err != nil {
			return fmt.Errorf("failed to configure http source: %w", err)
		}
		a.sources.Register(httpSrc)
	}
	if src.Mock.Enabled {
		a.sources.Register(mockstream.New())
	}
	for _, s := range extra {
		a.sources.Register(s)
	}
	if len(a.sources.GetAll()) == 0 {
		log.Println("Warning: no download sources configured; set sources.http.base_url or enable sources.mock.")
	}
	return nil
}

// applyPersistedSettings overlays settings changed at runtime on the configured ones.
func (a *App) applyPersistedSettings(s *models.DownloadSettings) error {
	ctx := context.Background()
	if v, ok, err := a.store.GetSetting(ctx, SettingMaxConcurrent); err != nil {
		return fmt.Errorf("failed to read persisted settings: %w", err)
	} else if ok {
		if k, err := strconv.Atoi(v); err == nil && k >= 1 {
			s.MaxConcurrent = k
		}
	}
	if v, ok, err := a.store.GetSetting(ctx, SettingCleanupPolicy); err != nil {
		return fmt.Errorf("failed to read persisted settings: %w", err)
	} else if ok {
		var p models.CleanupPolicy
		if err := json.Unmarshal([]byte(v), &p); err == nil && p.Validate() == nil {
			s.Cleanup = p
		}
	}
	return nil
}

// Start restores the download queue and starts every background service.
func (a *App) Start(ctx context.Context) error {
	go a.wsHub.Run()

	// Subscribe before starting so restored items are seen too.
	relay, _ := a.downloads.Subscribe()
	go a.wsHub.Relay(relay)
	art, _ := a.downloads.Subscribe()
	go a.artwork.Run(art)

	if err := a.downloads.Start(ctx); err != nil {
		return fmt.Errorf("failed to start download manager: %w", err)
	}
	if a.watcher != nil {
		if err := a.watcher.Start(); err != nil {
			log.Printf("Warning: could not watch downloads directory: %v", err)
			a.watcher = nil
		}
	}
	if !a.opts.NoScheduler {
		a.scheduler = jobs.StartJobs(a)
	}
	return nil
}

// SetConcurrency changes the concurrency limit and persists it.
func (a *App) SetConcurrency(ctx context.Context, k int) error {
	if err := a.downloads.SetConcurrency(k); err != nil {
		return err
	}
	return a.store.SetSetting(ctx, SettingMaxConcurrent, strconv.Itoa(k))
}

// SetCleanupPolicy changes the cleanup policy and persists it.
func (a *App) SetCleanupPolicy(ctx context.Context, p models.CleanupPolicy) error {
	if err := a.downloads.SetCleanupPolicy(p); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return a.store.SetSetting(ctx, SettingCleanupPolicy, string(data))
}

// SetNetwork records the connection type and re-runs admission if it changed.
func (a *App) SetNetwork(onWiFi bool) {
	if a.network.Set(onWiFi) {
		log.Printf("Network changed, on wifi: %v", onWiFi)
		a.downloads.NetworkChanged()
	}
}

func (a *App) Config() *config.Config            { return a.config }
func (a *App) DB() *sql.DB                       { return a.db }
func (a *App) Store() *store.Store               { return a.store }
func (a *App) Sources() *sources.Registry        { return a.sources }
func (a *App) Network() *downloader.NetworkState { return a.network }
func (a *App) Downloads() *downloader.Manager    { return a.downloads }
func (a *App) WsHub() *websocket.Hub             { return a.wsHub }
func (a *App) JobManager() *jobs.JobManager      { return a.jobManager }
func (a *App) Artwork() *artwork.Cache           { return a.artwork }

// Close gracefully stops background services and closes the database.
func (a *App) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.downloads != nil {
		a.downloads.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
