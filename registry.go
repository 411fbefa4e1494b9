package go_dispatch_lite

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go-dispatch-lite/backoff"
	"go-dispatch-lite/core"
	"go-dispatch-lite/middleware"
)

// FailureFunc runs once a job has exhausted its attempts.
type FailureFunc func(ctx context.Context, job *core.Job, err error) error

// Definition binds a job name to its handler and execution defaults.
// Zero-valued fields are filled from the engine configuration on Register.
type Definition struct {
	Name    string
	Handler core.HandlerFunc
	Queue   string
	// Priority nil means the configured default.
	Priority    *core.Priority
	MaxAttempts int
	Backoff     backoff.Strategy
	// Timeout bounds one attempt. Negative disables it.
	Timeout    time.Duration
	Middleware []middleware.Middleware
	OnFailure  FailureFunc
}

type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	global []middleware.Middleware

	cfg        Config
	logger     *slog.Logger
	logEnabled bool
}

// NewRegistry returns an empty registry applying cfg's defaults. cfg is
// expected to have had SetDefaults called.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	lg, enabled := newLogger(logger)
	return &Registry{
		defs:       make(map[string]*Definition),
		cfg:        cfg,
		logger:     lg,
		logEnabled: enabled,
	}
}

// Register stores def under its name. Registering a name twice replaces
// the earlier definition and logs a warning.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return &core.ValidationError{Field: "Name", Message: "must not be empty"}
	}
	if def.Handler == nil {
		return &core.ValidationError{Field: "Handler", Message: "must not be nil"}
	}
	if def.MaxAttempts < 0 {
		return &core.ValidationError{Field: "MaxAttempts", Message: "must not be negative"}
	}
	if err := def.Backoff.Validate(); err != nil {
		return &core.ValidationError{Field: "Backoff", Message: err.Error()}
	}

	if def.Queue == "" {
		def.Queue = r.cfg.DefaultQueue
	}
	priority := r.cfg.DefaultPriority
	if def.Priority != nil {
		priority = *def.Priority
	}
	def.Priority = &priority
	if def.MaxAttempts == 0 {
		def.MaxAttempts = r.cfg.DefaultMaxAttempts
	}
	if def.Backoff.IsZero() {
		def.Backoff = r.cfg.DefaultBackoff
	}
	if def.Timeout == 0 {
		def.Timeout = r.cfg.DefaultTimeout
	}
	def.Middleware = append([]middleware.Middleware(nil), def.Middleware...)

	r.mu.Lock()
	_, exists := r.defs[def.Name]
	r.defs[def.Name] = &def
	r.mu.Unlock()

	ctx := WithLogJobName(WithEnabled(context.Background(), r.logEnabled), def.Name)
	if exists {
		r.logger.WarnContext(ctx, "job re-registered, replacing previous definition")
	} else {
		r.logger.DebugContext(ctx, "register job", slog.String("queue", def.Queue))
	}
	return nil
}

// Get returns a copy of the definition registered under name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return Definition{}, false
	}
	c := *def
	priority := *def.Priority
	c.Priority = &priority
	return c, true
}

// Middleware returns the global middleware followed by the job's own, so
// global wrappers run outermost.
func (r *Registry) Middleware(name string) []middleware.Middleware {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]middleware.Middleware, 0, len(r.global))
	out = append(out, r.global...)
	if def, ok := r.defs[name]; ok {
		out = append(out, def.Middleware...)
	}
	return out
}

// Use appends global middleware applied to every job.
func (r *Registry) Use(mws ...middleware.Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, mws...)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops every definition and global middleware.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = make(map[string]*Definition)
	r.global = nil
}
