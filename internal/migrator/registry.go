package migrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/plugin-migrate/internal/schema"
	"github.com/ksred/plugin-migrate/internal/utils"
)

// Plugin is anything that can declare tables. Plugins that return a nil
// schema own no tables and are skipped.
type Plugin interface {
	Name() string
	Schema() *schema.PluginSchema
}

// PluginOutcome is one plugin's part of a batch run.
type PluginOutcome struct {
	Plugin string  `json:"plugin"`
	Result *Result `json:"result,omitempty"`
	Err    error   `json:"-"`
	Error  string  `json:"error,omitempty"`
}

// BatchResult collects the outcome of RunAll, sorted by plugin name.
type BatchResult struct {
	Outcomes []PluginOutcome `json:"outcomes"`
	Duration time.Duration   `json:"duration"`
}

// Failed returns the outcomes that ended in an error.
func (b *BatchResult) Failed() []PluginOutcome {
	var out []PluginOutcome
	for _, o := range b.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Registry holds the schemas to migrate at startup.
type Registry struct {
	runner      *Runner
	concurrency int
	logger      zerolog.Logger

	mu      sync.Mutex
	schemas map[string]schema.PluginSchema
}

// NewRegistry creates a registry that migrates through runner, at most
// concurrency plugins at a time. Zero or less means no limit.
func NewRegistry(runner *Runner, concurrency int, logger zerolog.Logger) *Registry {
	return &Registry{
		runner:      runner,
		concurrency: concurrency,
		logger:      utils.ForComponent(logger, "registry"),
		schemas:     make(map[string]schema.PluginSchema),
	}
}

// Register adds a plugin schema. Names must be unique.
func (r *Registry) Register(name string, s schema.PluginSchema) error {
	if err := schema.ValidatePluginName(name); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return wrapPlugin(name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schemas[name]; exists {
		return utils.WrapConflictError("plugin schema", "name", name)
	}
	r.schemas[name] = s
	return nil
}

// Discover registers every plugin that declares a schema and returns how
// many were registered. A plugin that fails to register is logged and
// skipped.
func (r *Registry) Discover(plugins ...Plugin) int {
	registered := 0
	for _, p := range plugins {
		s := p.Schema()
		if s == nil {
			r.logger.Debug().Str("plugin", p.Name()).Msg("Plugin declares no schema, skipping")
			continue
		}
		if err := r.Register(p.Name(), *s); err != nil {
			r.logger.Error().Err(err).Str("plugin", p.Name()).Msg("Failed to register plugin schema")
			continue
		}
		registered++
	}
	return registered
}

// DiscoverDir registers every schema declaration file in dir.
func (r *Registry) DiscoverDir(dir string) (int, error) {
	decls, err := schema.LoadDir(dir)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, d := range decls {
		if err := r.Register(d.Plugin, d.PluginSchema); err != nil {
			errs = append(errs, err)
			continue
		}
	}
	return len(decls) - len(errs), errors.Join(errs...)
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema returns a registered schema.
func (r *Registry) Schema(name string) (schema.PluginSchema, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schemas[name]
	return s, ok
}

// RunAll migrates every registered plugin. Different plugins run in
// parallel; a failing plugin does not stop the others. The returned error
// joins every plugin failure.
func (r *Registry) RunAll(ctx context.Context) (*BatchResult, error) {
	start := time.Now()
	names := r.Names()
	outcomes := make([]PluginOutcome, len(names))

	g, gctx := errgroup.WithContext(ctx)
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}

	for i, name := range names {
		s, _ := r.Schema(name)
		g.Go(func() error {
			res, err := r.runner.Migrate(gctx, name, s)
			outcomes[i] = PluginOutcome{Plugin: name, Result: res, Err: err}
			if err != nil {
				outcomes[i].Error = err.Error()
			}
			// Never cancel the siblings.
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	applied := 0
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
			continue
		}
		if o.Result.Status == StatusApplied {
			applied++
		}
	}

	batch := &BatchResult{Outcomes: outcomes, Duration: time.Since(start)}
	r.logger.Info().
		Int("plugins", len(names)).
		Int("applied", applied).
		Int("failed", len(errs)).
		Dur("duration", batch.Duration).
		Msg("Plugin migrations finished")

	return batch, errors.Join(errs...)
}
