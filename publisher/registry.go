package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ao-apps/aoserv-master/cfg"
	"github.com/ao-apps/aoserv-master/invalidate"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the invalidation mirror
type RegistryConfig struct {
	NodeID      uint64
	BufferSize  int
	SinkConfigs []cfg.SinkConfiguration
}

// Registry owns one worker per sink and fans mirrored ledgers out to them
type Registry struct {
	nodeID     uint64
	bufferSize int
	seq        atomic.Uint64
	workers    []*Worker
	running    atomic.Bool
	mu         sync.Mutex
	now        func() time.Time
}

// NewRegistry creates the registry and its sinks. Sinks are connected but
// workers do not run until Start.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	registry := &Registry{
		nodeID:     config.NodeID,
		bufferSize: config.BufferSize,
		workers:    make([]*Worker, 0, len(config.SinkConfigs)),
		now:        time.Now,
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Invalidation mirror initialized")

	return registry, nil
}

// AddSink creates the sink described by config and a worker for it
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	filter, err := NewGlobFilter(config.Tables)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:        config.Name,
		Sink:        snk,
		Filter:      filter,
		TopicPrefix: config.TopicPrefix,
		BufferSize:  r.bufferSize,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.AddWorker(worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Strs("tables", config.Tables).
		Msg("Added invalidation sink")

	return nil
}

// AddWorker adds a prepared worker. It is started if the registry runs.
func (r *Registry) AddWorker(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = append(r.workers, w)
	if r.running.Load() {
		w.Start()
	}
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	for _, worker := range r.workers {
		worker.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	for _, worker := range r.workers {
		worker.Stop()
	}
	log.Info().Msg("Invalidation mirror stopped")
}

// Mirror converts a committed ledger and queues it on every worker. It never
// blocks; a full queue drops the event for that sink.
func (r *Registry) Mirror(originator *protocol.Source, ledger *invalidate.List) {
	if !r.running.Load() {
		return
	}

	events := EventsFromLedger(r.nodeID, originator, ledger, r.now())

	r.mu.Lock()
	workers := r.workers
	r.mu.Unlock()

	for i := range events {
		events[i].Seq = r.seq.Add(1)
		for _, w := range workers {
			if !w.enqueue(events[i]) {
				log.Warn().
					Str("worker", w.config.Name).
					Str("table", events[i].Table).
					Msg("Mirror queue full, dropping event")
			}
		}
	}
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}
