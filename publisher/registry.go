package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/waltail/cfg"
	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/walaccess"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the publisher registry
type RegistryConfig struct {
	DataDir     string // Parent of the cursor store
	Access      walaccess.WalAccess
	Hub         Subscriber // Optional head signals
	ServerID    uint64
	ChunkSize   int // Default marker bytes per tail call
	SinkConfigs []cfg.SinkConfiguration
}

// Registry manages the lifecycle of all replication workers
type Registry struct {
	config  RegistryConfig
	cursors *CursorStore
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry opens the cursor store and creates a worker per sink
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if config.Access == nil {
		return nil, fmt.Errorf("wal access is required")
	}

	cursors, err := OpenCursorStore(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor store: %w", err)
	}

	registry := &Registry{
		config:  config,
		cursors: cursors,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			cursors.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Publisher registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.workers {
		if w.Name() == config.Name {
			return fmt.Errorf("duplicate sink name %q", config.Name)
		}
	}

	snk, err := NewSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	format := config.Format
	if format == "" {
		format = "json"
	}
	trans, err := createTransformer(format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterTables, config.FilterDatabases)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	chunkSize := int(config.ChunkSize)
	if chunkSize <= 0 {
		chunkSize = r.config.ChunkSize
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Access:          r.config.Access,
		Cursors:         r.cursors,
		Hub:             r.config.Hub,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		Scope:           walaccess.Filter{IncludeSystem: config.IncludeSystem},
		TopicPrefix:     config.TopicPrefix,
		ChunkSize:       chunkSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		ServerID:        r.config.ServerID,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", format).
		Msg("Added replication sink")

	return nil
}

// Workers returns the registered workers
func (r *Registry) Workers() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Worker(nil), r.workers...)
}

// MinTick is the smallest cursor over all sinks. Ticks below it may be
// trimmed without breaking any sink.
func (r *Registry) MinTick() (tick.Tick, bool) {
	return r.cursors.MinTick()
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting publisher registry")

	for _, worker := range r.workers {
		worker.Start()
	}

	r.running.Store(true)

	return nil
}

// Stop stops all workers, closes their sinks and the cursor store
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	log.Info().Msg("Stopping publisher registry")

	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.Name()).Msg("Failed to close sink")
		}
	}

	if err := r.cursors.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close cursor store")
	}

	log.Info().Msg("Publisher registry stopped")
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// HasSink reports whether a factory is registered for sinkType
func HasSink(sinkType string) bool {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	_, ok := sinkFactories[sinkType]
	return ok
}

// NewSink creates a sink from its configuration
func NewSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
