package framework

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/rollup-archive-indexer/internal/api"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/config"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/database"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/indexer"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/upstream"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const shutdownTimeout = 10 * time.Second

type CLIArgs struct {
	ConfigFile  string `arg:"--config,env:CONFIG_FILE" default:"config.toml"`
	AckBackfill bool   `arg:"--ack-backfill" help:"confirm that backfill mode may ingest the full history of every account"`
}

func Run() error {
	var args CLIArgs
	arg.MustParse(&args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runWithArgs(ctx, args)
}

func runWithArgs(ctx context.Context, args CLIArgs) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	logger.Set(cfg.Logger)

	db, err := database.New(&cfg.DB)
	if err != nil {
		return errors.Wrap(err, "database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warnf("closing database: %v", err)
		}
	}()

	saveVersion(ctx, db, cfg)

	if cfg.Indexer.Backfill() {
		logger.Warnf("backfill mode: the full visible history of every tracked account will be ingested")
	}

	requestTimeout := time.Duration(cfg.Timeout.RequestTimeoutMillis) * time.Millisecond
	source := upstream.WithBackoff(
		upstream.NewGraphQLClient(requestTimeout),
		time.Duration(cfg.Timeout.BackoffMaxElapsedTimeSeconds)*time.Second,
		requestTimeout,
	)

	engine := indexer.NewEngine(&cfg.Indexer, db, source)

	scheduler, err := indexer.NewScheduler(&cfg.Indexer, engine, db, indexer.NewStatusRegistry())
	if err != nil {
		return err
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewController(db, scheduler, &cfg.Indexer).NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("api listening on %s", cfg.Server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "api server")
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return server.Shutdown(shutdownCtx)
}

// loadConfig layers defaults, the toml file, a local .env file, process
// environment and CLI flags, in that order.
func loadConfig(args CLIArgs) (*config.BaseConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	cfg := config.DefaultBaseConfig
	if err := config.ReadFile(args.ConfigFile, &cfg); err != nil {
		return nil, errors.Wrapf(err, "read config %s", args.ConfigFile)
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}

	if args.AckBackfill {
		cfg.Indexer.BackfillAcknowledged = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	return &cfg, nil
}

// saveVersion stamps the database with the running build. Missing build
// files are not an error.
func saveVersion(ctx context.Context, db *database.DB, cfg *config.BaseConfig) {
	version := database.InitVersion()
	version.Mode = string(cfg.Indexer.Mode)
	version.StartedAt = time.Now()

	build, err := config.ReadBuildVersion(".")
	if err != nil {
		logger.Debugf("no build version: %v", err)
	} else {
		version.GitTag = build.GitTag
		version.GitHash = build.GitHash
		version.BuildDate = build.BuildDate
	}

	if err := db.SaveVersion(ctx, version); err != nil {
		logger.Warnf("saving version: %v", err)
	}
}
