package database

import (
	"context"
	"fmt"
	"net/url"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/config"
	"github.com/pkg/errors"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	transactionBatchSize = 1000
	globalVersionID      = 1
)

var (
	ErrAccountNotFound     = errors.New("tracked account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyInitialized  = errors.New("tracked account already initialized")
)

type DB struct {
	g *gorm.DB
}

func InitVersion() *Version {
	return &Version{
		ID: globalVersionID,
	}
}

// New connects to postgres and migrates the schema.
func New(cfg *config.DB) (*DB, error) {
	return Open(postgres.Open(formatDSN(cfg)), cfg)
}

// Open migrates the schema on an arbitrary gorm dialector.
func Open(dialector gorm.Dialector, cfg *config.DB) (*DB, error) {
	db, err := connect(dialector, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}

	logger.Debug("connected to the DB")

	if cfg.DropTableAtStart {
		logger.Info("DB tables dropped at start")

		if err := db.Migrator().DropTable(entities...); err != nil {
			return nil, errors.Wrap(err, "drop tables")
		}
	}

	if err := db.AutoMigrate(entities...); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}

	logger.Debug("migrated DB entities")

	return &DB{g: db}, nil
}

// Connect opens a postgres connection without migrating.
func Connect(cfg *config.DB) (*gorm.DB, error) {
	return connect(postgres.Open(formatDSN(cfg)), cfg)
}

func connect(dialector gorm.Dialector, cfg *config.DB) (*gorm.DB, error) {
	gormLogLevel := getGormLogLevel(cfg)
	gormCfg := gorm.Config{
		Logger:          gormlogger.Default.LogMode(gormLogLevel),
		CreateBatchSize: transactionBatchSize,
	}

	return gorm.Open(dialector, &gormCfg)
}

func getGormLogLevel(cfg *config.DB) gormlogger.LogLevel {
	if cfg.LogQueries {
		return gormlogger.Info
	}

	return gormlogger.Silent
}

func formatDSN(cfg *config.DB) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   cfg.DBName,
	}

	if cfg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{cfg.SSLMode}}.Encode()
	}

	return u.String()
}

func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.g.DB()
	if err != nil {
		return err
	}

	return sqlDB.PingContext(ctx)
}

func (db *DB) Close() error {
	sqlDB, err := db.g.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func (db *DB) SaveVersion(ctx context.Context, version *Version) error {
	return db.g.WithContext(ctx).Save(version).Error
}

func (db *DB) GetVersion(ctx context.Context) (*Version, error) {
	version := new(Version)

	if err := db.g.WithContext(ctx).First(version, globalVersionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return InitVersion(), nil
		}

		return nil, err
	}

	return version, nil
}
