package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ao-apps/aoserv-master/encoding"
	"github.com/ao-apps/aoserv-master/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default number of events a worker queues before dropping
	DefaultBufferSize = 1024
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 5 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of attempts before an event is dropped
	DefaultMaxRetries = 10
)

// WorkerConfig configures one sink worker
type WorkerConfig struct {
	Name            string        // Sink name (for logs and metrics)
	Sink            Sink          // Destination sink
	Filter          Filter        // Table filter
	TopicPrefix     string        // Topic prefix (e.g., "aoserv.invalidations")
	BufferSize      int           // Queued events before dropping
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Attempts per event
}

// Worker drains its queue into a sink
type Worker struct {
	config      WorkerConfig
	queue       chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a stopped worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		queue:  make(chan Event, config.BufferSize),
	}, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().Str("worker", w.config.Name).Msg("Starting invalidation mirror worker")

	go w.loop()
}

// Stop stops the worker. Queued events that were not yet published are
// dropped.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	if err := w.config.Sink.Close(); err != nil {
		log.Warn().Err(err).Str("worker", w.config.Name).Msg("Failed to close sink")
	}
	log.Info().Str("worker", w.config.Name).Msg("Invalidation mirror worker stopped")
}

// enqueue offers an event without blocking. Filtered events are accepted
// and discarded.
func (w *Worker) enqueue(event Event) bool {
	if !w.config.Filter.Match(event.Table) {
		telemetry.MirrorEventsTotal.With(w.config.Name, "filtered").Inc()
		return true
	}
	select {
	case w.queue <- event:
		return true
	default:
		telemetry.MirrorEventsTotal.With(w.config.Name, "dropped").Inc()
		return false
	}
}

func (w *Worker) loop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case event := <-w.queue:
			if err := w.process(event); err != nil {
				telemetry.MirrorEventsTotal.With(w.config.Name, "failed").Inc()
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Uint64("seq", event.Seq).
					Str("table", event.Table).
					Msg("Failed to mirror invalidation")
				continue
			}
			telemetry.MirrorEventsTotal.With(w.config.Name, "published").Inc()
		}
	}
}

func (w *Worker) process(event Event) error {
	data, err := encoding.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return w.publishWithRetry(w.buildTopic(event.Table), PartitionKey(event), data)
}

func (w *Worker) buildTopic(table string) string {
	if w.config.TopicPrefix == "" {
		return table
	}
	return w.config.TopicPrefix + "." + table
}

// publishWithRetry publishes data with exponential backoff retry
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep returns false if the worker was stopped first
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
