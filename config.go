package go_dispatch_lite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go-dispatch-lite/adapters/mysql"
	"go-dispatch-lite/adapters/pg"
	"go-dispatch-lite/adapters/redis"
	"go-dispatch-lite/adapters/sqlite"
	"go-dispatch-lite/backoff"
	"go-dispatch-lite/core"
	"go-dispatch-lite/sources/memory"
)

type DriverName string

const (
	DriverMemory   DriverName = "memory"
	DriverPostgres DriverName = "postgres"
	DriverMySQL    DriverName = "mysql"
	DriverSQLite   DriverName = "sqlite"
	DriverRedis    DriverName = "redis"
)

type Config struct {
	Driver DriverName // "memory" (default)

	DSN            string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string
	SkipMigrations bool
	ConnectTimeout time.Duration

	DefaultQueue       string
	DefaultMaxAttempts int
	DefaultTimeout     time.Duration
	DefaultPriority    core.Priority
	DefaultBackoff     backoff.Strategy
	DefaultUniqueTTL   time.Duration

	Concurrency     int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	// StaleAfter releases reservations older than this when a worker
	// starts. Zero disables it.
	StaleAfter time.Duration

	// Disabled turns Dispatch into a no-op returning DispatchDisabled.
	Disabled bool

	Logger *slog.Logger
}

func (c *Config) SetDefaults() {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}
	if c.Driver == DriverRedis && c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = redis.DefaultPrefix
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.DefaultQueue == "" {
		c.DefaultQueue = core.DefaultQueue
	}
	if c.DefaultMaxAttempts == 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.DefaultBackoff.IsZero() {
		c.DefaultBackoff = backoff.Default()
	}
	if c.DefaultUniqueTTL == 0 {
		c.DefaultUniqueTTL = time.Hour
	}
	if c.Concurrency == 0 {
		c.Concurrency = 10
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

func (c *Config) Validate() error {
	switch c.Driver {
	case DriverMemory, DriverRedis:
	case DriverPostgres, DriverMySQL, DriverSQLite:
		if c.DSN == "" {
			return &core.ValidationError{Field: "DSN", Message: fmt.Sprintf("required for driver %s", c.Driver)}
		}
	default:
		return &core.ValidationError{Field: "Driver", Message: fmt.Sprintf("%v: %s", core.ErrDriverUnsupported, c.Driver)}
	}
	if c.DefaultMaxAttempts < 1 {
		return &core.ValidationError{Field: "DefaultMaxAttempts", Message: "must be >= 1"}
	}
	if c.DefaultTimeout < 0 {
		return &core.ValidationError{Field: "DefaultTimeout", Message: "must not be negative"}
	}
	if err := c.DefaultBackoff.Validate(); err != nil {
		return &core.ValidationError{Field: "DefaultBackoff", Message: err.Error()}
	}
	if c.Concurrency < 1 {
		return &core.ValidationError{Field: "Concurrency", Message: "must be >= 1"}
	}
	if c.PollInterval <= 0 {
		return &core.ValidationError{Field: "PollInterval", Message: "must be positive"}
	}
	if c.ShutdownTimeout < 0 {
		return &core.ValidationError{Field: "ShutdownTimeout", Message: "must not be negative"}
	}
	if c.StaleAfter < 0 {
		return &core.ValidationError{Field: "StaleAfter", Message: "must not be negative"}
	}
	return nil
}

type migrator interface {
	Up() error
}

// OpenDriver connects the configured driver. When a persistent backend is
// unreachable, or its migrations fail, it logs a warning and returns an
// in-memory driver instead.
func (c *Config) OpenDriver(ctx context.Context, logger *slog.Logger) (core.Driver, error) {
	if logger == nil {
		logger, _ = newLogger(nil)
		ctx = WithEnabled(ctx, false)
	}

	if c.Driver == DriverMemory {
		return memory.NewMemorySource(), nil
	}

	driver, err := c.openPersistent(ctx)
	if err == nil {
		return driver, nil
	}

	logger.WarnContext(ctx, "persistent driver unavailable, falling back to memory",
		slog.String("driver", string(c.Driver)),
		slog.Any("error", err),
	)
	return memory.NewMemorySource(), nil
}

func (c *Config) openPersistent(ctx context.Context) (core.Driver, error) {
	ctx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()

	var (
		driver core.Driver
		err    error
	)
	switch c.Driver {
	case DriverPostgres:
		driver, err = pg.NewPostgresSource(ctx, c.DSN)
	case DriverMySQL:
		driver, err = mysql.NewMySQLSource(ctx, c.DSN)
	case DriverSQLite:
		driver, err = sqlite.NewSQLiteSource(ctx, c.DSN)
	case DriverRedis:
		driver, err = redis.NewRedisSource(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB, c.RedisPrefix)
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrDriverUnsupported, c.Driver)
	}
	if err != nil {
		return nil, err
	}

	if m, ok := driver.(migrator); ok && !c.SkipMigrations {
		if err = m.Up(); err != nil {
			_ = driver.Close()
			return nil, fmt.Errorf("migrate %s: %w", c.Driver, err)
		}
	}
	return driver, nil
}
