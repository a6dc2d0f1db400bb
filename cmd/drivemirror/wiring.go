package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/vonshlovens/drivemirror/internal/audit"
	"github.com/vonshlovens/drivemirror/internal/config"
	"github.com/vonshlovens/drivemirror/internal/db"
	"github.com/vonshlovens/drivemirror/internal/db/sqlite"
	"github.com/vonshlovens/drivemirror/internal/logging"
	"github.com/vonshlovens/drivemirror/internal/metrics"
	"github.com/vonshlovens/drivemirror/internal/remote"
	"github.com/vonshlovens/drivemirror/internal/remote/gdrive"
	"github.com/vonshlovens/drivemirror/internal/remote/memstore"
	"github.com/vonshlovens/drivemirror/internal/remote/s3store"
	"github.com/vonshlovens/drivemirror/internal/sync"
)

// mirrorStore is what both database backends provide.
type mirrorStore interface {
	sync.Mirror
	audit.Store
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context) error
	MigrationStatus(ctx context.Context) ([]db.MigrationState, error)
	Close() error
}

// app holds everything a command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	mirror mirrorStore
	engine *sync.Engine
	state  *sync.StateTracker
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	logger := logging.NewLogger(cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openMirror(ctx context.Context, cfg *config.Config) (mirrorStore, error) {
	switch cfg.Database.Driver {
	case "postgres":
		database, err := db.New(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return database, nil
	default:
		database, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// The embedded database is private to this process, so keep it current
		if err := database.RunMigrations(ctx); err != nil {
			database.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		return database, nil
	}
}

func openGateway(ctx context.Context, cfg *config.Config) (remote.Gateway, error) {
	switch cfg.Remote.Backend {
	case "s3":
		store, err := s3store.New(ctx, s3store.Config{
			Endpoint:  cfg.Remote.S3.Endpoint,
			Region:    cfg.Remote.S3.Region,
			Bucket:    cfg.Remote.S3.Bucket,
			AccessKey: cfg.Remote.S3.AccessKey,
			SecretKey: cfg.Remote.S3.SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		return store, nil
	case "memory":
		slog.Warn("Using the in-memory remote store; nothing is persisted remotely")
		return memstore.New(), nil
	default:
		g := cfg.Remote.GDrive
		client := gdrive.NewHTTPClient(ctx, g.ClientID, g.ClientSecret, g.RefreshToken,
			time.Duration(g.TimeoutSeconds)*time.Second)
		var opts []gdrive.Option
		if g.RootFolderID != "" {
			opts = append(opts, gdrive.WithRootFolder(g.RootFolderID))
		}
		return gdrive.New(client, opts...), nil
	}
}

func auditSink(cfg *config.Config, store audit.Store, logger *slog.Logger) audit.Sink {
	switch cfg.Audit.Sink {
	case "log":
		return audit.NewLogSink(logger)
	case "both":
		return audit.Multi{audit.NewDatabaseSink(store), audit.NewLogSink(logger)}
	case "none":
		return audit.Discard{}
	default:
		return audit.NewDatabaseSink(store)
	}
}

// setup loads config and opens the mirror, remote store and engine.
func setup(ctx context.Context, opts ...sync.Option) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	mirror, err := openMirror(ctx, cfg)
	if err != nil {
		return nil, err
	}

	gateway, err := openGateway(ctx, cfg)
	if err != nil {
		mirror.Close()
		return nil, err
	}

	stateDir, err := cfg.GetStateDir()
	if err != nil {
		mirror.Close()
		return nil, err
	}
	state, err := sync.NewStateTracker(stateDir, cfg.StateKey())
	if err != nil {
		mirror.Close()
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	base := []sync.Option{
		sync.WithAuditSink(auditSink(cfg, mirror, logger)),
		sync.WithStateTracker(state),
		sync.WithMetrics(metrics.Recorder{}),
		sync.WithLogger(logger),
	}
	engine := sync.NewEngine(metrics.Instrument(gateway), mirror, cfg.Sync, append(base, opts...)...)

	return &app{cfg: cfg, logger: logger, mirror: mirror, engine: engine, state: state}, nil
}

func (a *app) Close() {
	if err := a.mirror.Close(); err != nil {
		a.logger.Warn("Failed to close database", "error", err)
	}
}

func actorContext(ctx context.Context) context.Context {
	id := actor
	if id == "" {
		id = os.Getenv("USER")
	}
	return audit.WithActor(ctx, id)
}
