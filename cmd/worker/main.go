package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	dispatch "go-dispatch-lite"
	"go-dispatch-lite/core"
	"go-dispatch-lite/middleware"
)

type echoPayload struct {
	Message string `json:"message"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

// run owns every resource so deferred cleanup happens before main exits.
func run(logger *slog.Logger) error {
	cfg, queues, err := configFromEnv()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Logger = logger

	// Create context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engine, err := dispatch.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("close engine", "error", err)
		}
	}()

	engine.Use(middleware.Logging(nil))
	err = engine.Register(dispatch.Definition{
		Name: "echo",
		Handler: core.Handle(func(jc *core.JobContext, p echoPayload) error {
			jc.Logger().InfoContext(jc, "echo", slog.String("message", p.Message))
			return nil
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to register job: %w", err)
	}

	worker := engine.NewWorker(dispatch.WorkerOptions{Queues: queues})
	if err = worker.Run(ctx); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}

	logger.Info("worker stopped", slog.Any("metrics", worker.Metrics()))
	return nil
}

// configFromEnv is the only place environment variables are read.
func configFromEnv() (dispatch.Config, []string, error) {
	cfg := dispatch.Config{
		Driver:       dispatch.DriverName(os.Getenv("DISPATCH_DRIVER")),
		DSN:          os.Getenv("DISPATCH_DSN"),
		RedisAddr:    os.Getenv("DISPATCH_REDIS_ADDR"),
		DefaultQueue: os.Getenv("DISPATCH_DEFAULT_QUEUE"),
	}

	var err error
	if cfg.Concurrency, err = envInt("DISPATCH_CONCURRENCY"); err != nil {
		return cfg, nil, err
	}
	if cfg.DefaultMaxAttempts, err = envInt("DISPATCH_MAX_ATTEMPTS"); err != nil {
		return cfg, nil, err
	}
	if cfg.PollInterval, err = envDuration("DISPATCH_POLL_INTERVAL"); err != nil {
		return cfg, nil, err
	}
	if cfg.ShutdownTimeout, err = envDuration("DISPATCH_SHUTDOWN_TIMEOUT"); err != nil {
		return cfg, nil, err
	}
	if cfg.DefaultTimeout, err = envDuration("DISPATCH_TIMEOUT"); err != nil {
		return cfg, nil, err
	}

	var queues []string
	for _, q := range strings.Split(os.Getenv("DISPATCH_QUEUES"), ",") {
		if q = strings.TrimSpace(q); q != "" {
			queues = append(queues, q)
		}
	}

	return cfg, queues, nil
}

func envInt(name string) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func envDuration(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}
