package cli

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"

	"dimhist/internal/config"
	"dimhist/internal/db"
	"dimhist/internal/domain"
	"dimhist/internal/engine"
	"dimhist/internal/export"
	"dimhist/internal/ingestion"
	"dimhist/internal/repository"
)

// app bundles everything a command needs once configuration is loaded.
type app struct {
	cfg        config.Config
	logger     zerolog.Logger
	classifier *domain.Classifier
	store      repository.Store
	engine     *engine.Engine
	ingest     *ingestion.Service
	exporter   *export.Service
}

// loadApp loads configuration, applies any command-level overrides and wires
// the services over the configured store.
func loadApp(ctx context.Context, opts *RootOptions, overrides ...func(*config.Config)) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	for _, override := range overrides {
		override(&cfg)
	}
	logger := newLogger(cfg.Logging, opts.Verbose)

	classifier, err := cfg.Classifier()
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	eng := engine.New(classifier, store, engine.Config{
		DeleteMissing: cfg.Dimension.DeleteMissing,
		Workers:       cfg.Engine.Workers,
	}, logger)

	exportOpts := []export.Option{
		export.WithDimensionName(cfg.Dimension.Name),
		export.WithPageSize(cfg.Export.PageSize),
	}
	if cfg.Export.Directory != "" {
		exportOpts = append(exportOpts, export.WithExportDirectory(cfg.Export.Directory))
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		classifier: classifier,
		store:      store,
		engine:     eng,
		ingest:     ingestion.NewService(classifier),
		exporter:   export.NewService(store, classifier, exportOpts...),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close store")
	}
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (repository.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		logger.Info().Str("driver", "sqlite").Str("path", cfg.Storage.Path).Msg("opening store")
		return repository.NewSQLiteStore(cfg.Storage.Path)
	case config.DriverPostgres:
		logger.Info().
			Str("driver", "postgres").
			Str("host", cfg.Storage.Database.Host).
			Str("database", cfg.Storage.Database.DBName).
			Msg("opening store")
		conn, err := db.NewConnection(ctx, cfg.Storage.Database)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresStore(conn), nil
	default:
		return nil, domain.NewConfigurationError("unknown storage.driver %q", cfg.Storage.Driver)
	}
}

func newLogger(cfg config.LoggingConfig, verbose bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	var writer io.Writer = os.Stderr
	if cfg.Pretty {
		writer = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(writer).With().Timestamp().Logger().Level(level)
}
