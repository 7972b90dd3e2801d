package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
)

// Mode selects how never-synced accounts are treated.
type Mode string

const (
	// ModeLatest skips the history of an account on first sight and only
	// ingests records above the head observed at that moment.
	ModeLatest Mode = "latest"
	// ModeBackfill ingests the full visible history of every account.
	ModeBackfill Mode = "backfill"
)

var (
	ErrInvalidMode          = errors.New("invalid indexer mode")
	ErrBackfillNotAcked     = errors.New("backfill mode requires backfill_acknowledged = true")
	ErrInvalidSourceURL     = errors.New("invalid sequencer url")
	ErrMissingSweepSchedule = errors.New("missing sweep schedule")
	ErrInvalidEnv           = errors.New("invalid environment override")
)

func ReadFile(filepath string, cfg interface{}) error {
	_, err := toml.DecodeFile(filepath, cfg)
	return err
}

type BaseConfig struct {
	DB      DB            `toml:"db"`
	Indexer Indexer       `toml:"indexer"`
	Timeout Timeout       `toml:"timeout"`
	Server  Server        `toml:"server"`
	Logger  logger.Config `toml:"logger"`
}

var DefaultBaseConfig = BaseConfig{
	DB:      defaultDB,
	Indexer: defaultIndexer,
	Timeout: defaultTimeout,
	Server:  defaultServer,
	Logger:  defaultLogger,
}

type DB struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	Username         string `toml:"username"`
	Password         string `toml:"password"`
	DBName           string `toml:"db_name"`
	SSLMode          string `toml:"ssl_mode"`
	LogQueries       bool   `toml:"log_queries"`
	DropTableAtStart bool   `toml:"drop_table_at_start"`
}

var defaultDB = DB{
	Host: "localhost",
	Port: 5432,
}

type Indexer struct {
	Mode                 Mode   `toml:"mode"`
	BackfillAcknowledged bool   `toml:"backfill_acknowledged"`
	SweepSchedule        string `toml:"sweep_schedule"`
	SweepTimeoutSeconds  uint64 `toml:"sweep_timeout_seconds"`
	DefaultSequencerURL  string `toml:"default_sequencer_url"`
}

var defaultIndexer = Indexer{
	Mode:                ModeLatest,
	SweepSchedule:       "@every 30s",
	SweepTimeoutSeconds: 600,
}

type Timeout struct {
	RequestTimeoutMillis         uint64 `toml:"request_timeout_millis"`
	BackoffMaxElapsedTimeSeconds uint64 `toml:"backoff_max_elapsed_time_seconds"`
}

var defaultTimeout = Timeout{
	RequestTimeoutMillis:         15000,
	BackoffMaxElapsedTimeSeconds: 30,
}

type Server struct {
	Addr string `toml:"addr"`
}

var defaultServer = Server{
	Addr: ":8080",
}

var defaultLogger = logger.Config{
	Level:   "INFO",
	Console: true,
}

// ApplyEnvOverrides lets deployments inject secrets and endpoints without
// editing the toml file.
func (c *BaseConfig) ApplyEnvOverrides() error {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.DB.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return errors.Wrapf(ErrInvalidEnv, "DB_PORT=%q", v)
		}
		c.DB.Port = port
	}
	if v := os.Getenv("DB_USERNAME"); v != "" {
		c.DB.Username = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.DB.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.DB.DBName = v
	}
	if v := os.Getenv("SEQUENCER_URL"); v != "" {
		c.Indexer.DefaultSequencerURL = v
	}
	if v := os.Getenv("INDEXER_MODE"); v != "" {
		c.Indexer.Mode = Mode(strings.ToLower(v))
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		c.Server.Addr = v
	}

	return nil
}

// Validate rejects configurations the indexer must not start with.
func (c *BaseConfig) Validate() error {
	switch c.Indexer.Mode {
	case ModeLatest:
	case ModeBackfill:
		if !c.Indexer.BackfillAcknowledged {
			return ErrBackfillNotAcked
		}
	default:
		return errors.Wrapf(ErrInvalidMode, "%q", c.Indexer.Mode)
	}

	if c.Indexer.SweepSchedule == "" {
		return ErrMissingSweepSchedule
	}

	if c.Indexer.DefaultSequencerURL != "" {
		if err := ValidateSourceURL(c.Indexer.DefaultSequencerURL); err != nil {
			return errors.Wrap(err, "indexer.default_sequencer_url")
		}
	}

	return nil
}

// ValidateSourceURL accepts absolute http(s) URLs only.
func ValidateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(ErrInvalidSourceURL, "%q: %v", raw, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Wrapf(ErrInvalidSourceURL, "%q: scheme must be http or https", raw)
	}

	if u.Host == "" {
		return errors.Wrapf(ErrInvalidSourceURL, "%q: missing host", raw)
	}

	return nil
}

func (c *Indexer) Backfill() bool {
	return c.Mode == ModeBackfill
}
