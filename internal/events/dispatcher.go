package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	QueueSize      int           // Buffered events (default: 256)
	Workers        int           // Publishing goroutines (default: 2)
	PublishTimeout time.Duration // Per-publish timeout (default: 5s)
}

// DispatcherStats counts dispatcher activity
type DispatcherStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Dispatcher fans events out to publishers from a worker pool. Emit never
// blocks: when the queue is full the event is dropped and logged.
type Dispatcher struct {
	config     DispatcherConfig
	publishers []Publisher
	queue      chan Event
	stopCh     chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatcher creates a dispatcher over the given publishers
func NewDispatcher(config DispatcherConfig, publishers ...Publisher) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	return &Dispatcher{
		config:     config,
		publishers: publishers,
		queue:      make(chan Event, config.QueueSize),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker pool
func (d *Dispatcher) Start() {
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	slog.Info("event dispatcher started", "workers", d.config.Workers, "publishers", len(d.publishers))
}

// Emit queues an event for publishing
func (d *Dispatcher) Emit(event Event) {
	if len(d.publishers) == 0 {
		return
	}
	select {
	case <-d.stopCh:
		d.dropped.Add(1)
		return
	default:
	}

	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
		slog.Warn("event queue full, dropping event", "type", event.Type, "session_id", event.SessionID)
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			d.drain()
			slog.Debug("event worker stopped", "worker", id)
			return
		case event := <-d.queue:
			d.publish(event)
		}
	}
}

// drain publishes whatever is still queued at shutdown
func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.queue:
			d.publish(event)
		default:
			return
		}
	}
}

func (d *Dispatcher) publish(event Event) {
	for _, p := range d.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.PublishTimeout)
		err := p.Publish(ctx, event)
		cancel()
		if err != nil {
			d.failed.Add(1)
			slog.Warn("failed to publish event", "type", event.Type, "session_id", event.SessionID, "error", err)
			continue
		}
		d.published.Add(1)
	}
}

// Stop drains the queue, stops the workers and closes the publishers
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
		for _, p := range d.publishers {
			if err := p.Close(); err != nil {
				slog.Warn("failed to close event publisher", "error", err)
			}
		}
		slog.Info("event dispatcher stopped",
			"published", d.published.Load(), "dropped", d.dropped.Load(), "failed", d.failed.Load())
	})
}

// Stats returns dispatcher counters
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Published: d.published.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
	}
}
