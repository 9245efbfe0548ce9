// Package app wires the durable store, event hub, session store, worker
// supervisor, coordinator and replay registry into one running service.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"panopticon/internal/config"
	"panopticon/internal/coordinator"
	"panopticon/internal/db"
	"panopticon/internal/decompose"
	"panopticon/internal/domain"
	"panopticon/internal/events"
	"panopticon/internal/migrate"
	"panopticon/internal/objstore"
	"panopticon/internal/replay"
	"panopticon/internal/repo"
	"panopticon/internal/store"
	"panopticon/internal/worker"
)

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	InMemory  bool
	// Decomposer overrides the configured provider.
	Decomposer decompose.Decomposer
}

type App struct {
	Workspace   string
	Config      *config.Config
	Logger      *slog.Logger
	DB          *sql.DB
	Repo        repo.Repo
	Journal     events.Writer
	Hub         *events.Hub
	Store       *store.Store
	Supervisor  *worker.Supervisor
	Coordinator *coordinator.Coordinator
	Replays     replay.Registry
	// Presigner is nil when no storage bucket is configured.
	Presigner *objstore.Presigner
}

// LoadConfig reads path when given, else the workspace config or defaults,
// then applies environment overrides for secrets.
func LoadConfig(workspace, path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(os.Getenv("PANOPTICON_JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	return cfg, nil
}

// NewLogger builds the service logger from log.level and log.format.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewDecomposer picks the decomposer named by decomposer.provider.
func NewDecomposer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (decompose.Decomposer, error) {
	switch cfg.Decomposer.Provider {
	case "static":
		return decompose.Static{}, nil
	case "anthropic", "bedrock", "":
		return decompose.NewAnthropic(ctx, decompose.ClientConfig{
			Model:      cfg.Decomposer.Model,
			MaxTokens:  int64(cfg.Decomposer.MaxTokens),
			UseBedrock: cfg.Decomposer.Provider == "bedrock",
			AWSRegion:  cfg.Decomposer.AWSRegion,
			AWSProfile: cfg.Decomposer.AWSProfile,
			Logger:     logger,
		})
	default:
		return nil, fmt.Errorf("unknown decomposer provider %q", cfg.Decomposer.Provider)
	}
}

// processHub returns the configured process-wide hub, installing one on
// first use.
func processHub(logger *slog.Logger) (*events.Hub, error) {
	if h, err := events.Default(); err == nil {
		return h, nil
	}
	if err := events.Configure(events.NewHub(logger)); err != nil {
		logger.Debug("event hub configured concurrently", "err", err)
	}
	return events.Default()
}

func apiBaseURL(cfg *config.Config) string {
	return strings.TrimRight(cfg.Server.PublicURL, "/") + cfg.Server.BasePath
}

// New opens the workspace database, runs migrations and builds the service.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, InMemory: opts.InMemory})
	if err != nil {
		return nil, err
	}
	a, err := build(ctx, conn, cfg, opts, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, conn *sql.DB, cfg *config.Config, opts Options, logger *slog.Logger) (*App, error) {
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database ready", "schema_version", version)

	hub, err := processHub(logger)
	if err != nil {
		return nil, err
	}
	dec := opts.Decomposer
	if dec == nil {
		dec, err = NewDecomposer(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}
	var presigner *objstore.Presigner
	if cfg.Storage.Enabled() {
		presigner, err = objstore.New(ctx, objstore.Config{
			Bucket:          cfg.Storage.Bucket,
			Endpoint:        cfg.Storage.Endpoint,
			Region:          cfg.Storage.Region,
			PublicURL:       cfg.Storage.PublicURL,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			Expiry:          cfg.PresignExpiry(),
			PathStyle:       cfg.Storage.PathStyle,
		})
		if err != nil {
			return nil, err
		}
	}

	publicReplays := cfg.Replay.PublicBaseURL
	if publicReplays == "" {
		publicReplays = apiBaseURL(cfg) + "/replays/files"
	}
	r := repo.Repo{DB: conn}
	journal := events.Writer{DB: conn}
	st := store.New()
	registry := replay.New(conn, cfg.ReplayRoot(opts.Workspace), publicReplays, logger)
	sup := worker.NewSupervisor(worker.Config{
		Command:   cfg.Workers.Command,
		Args:      cfg.Workers.Args,
		Env:       cfg.Workers.Env,
		Dir:       cfg.Workers.Dir,
		PublicURL: apiBaseURL(cfg),
		KillGrace: cfg.KillGrace(),
	}, st, hub, logger)
	coord := coordinator.New(coordinator.Options{
		Store:       st,
		Hub:         hub,
		Workers:     sup,
		Decomposer:  dec,
		Sessions:    r,
		Journal:     journal,
		Replays:     registry,
		IdleTimeout: cfg.IdleTimeout(),
		MaxAgents:   cfg.Session.MaxAgents,
		Logger:      logger,
	})
	sup.Bind(coord)

	return &App{
		Workspace:   opts.Workspace,
		Config:      cfg,
		Logger:      logger,
		DB:          conn,
		Repo:        r,
		Journal:     journal,
		Hub:         hub,
		Store:       st,
		Supervisor:  sup,
		Coordinator: coord,
		Replays:     registry,
		Presigner:   presigner,
	}, nil
}

// ReplayWatcher watches the replay root and announces recorded manifests on
// the session's event stream.
func (a *App) ReplayWatcher() (*replay.Watcher, error) {
	w, err := replay.NewWatcher(a.Replays, nil, a.Logger)
	if err != nil {
		return nil, err
	}
	w.OnRecord = func(rp domain.Replay) {
		a.Hub.Publish(rp.SessionID, events.ReplayReady, events.ReplayReadyEvent{
			AgentID:     rp.AgentID,
			ManifestURL: rp.ManifestURL,
			FrameCount:  rp.FrameCount,
		})
	}
	return w, nil
}

// Close kills workers, flushes pending writes and closes the database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Supervisor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown workers: %w", err))
	}
	if err := a.Coordinator.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush writes: %w", err))
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
