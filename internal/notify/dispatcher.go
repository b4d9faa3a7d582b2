package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/adred-codev/agentsync/internal/monitoring"
	"github.com/adred-codev/agentsync/internal/types"
	"github.com/rs/zerolog"
)

var errQueueFull = errors.New("notification queue full")

// Dispatcher runs Bridge deliveries off the caller's goroutine.
//
//   - Fixed number of workers pulling from a buffered queue
//   - Queue full or dispatcher closed: the notification is written to the
//     fallback log synchronously instead, so nothing is lost
//   - Notifications below MinSeverity are dropped unless Always is set
//   - Close stops intake and drains what is queued
type Dispatcher struct {
	bridge      *Bridge
	minSeverity types.Severity
	queue       chan Notification
	logger      zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type DispatcherConfig struct {
	Bridge      *Bridge
	Workers     int            // default 1
	QueueSize   int            // default 256
	MinSeverity types.Severity // default info (nothing filtered)
	Logger      zerolog.Logger
}

// NewDispatcher creates the dispatcher and starts its workers.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = types.SeverityInfo
	}
	d := &Dispatcher{
		bridge:      cfg.Bridge,
		minSeverity: cfg.MinSeverity,
		queue:       make(chan Notification, cfg.QueueSize),
		logger:      cfg.Logger.With().Str("component", "notify_dispatcher").Logger(),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return d
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for n := range d.queue {
		monitoring.NotificationQueueDepth.Set(float64(len(d.queue)))
		func() {
			defer monitoring.RecoverPanic(d.logger, "notify_worker", map[string]any{"worker_id": id})
			d.bridge.Deliver(context.Background(), n)
		}()
	}
}

// Submit queues n for delivery. always bypasses the severity filter. Returns
// false when n was filtered out.
func (d *Dispatcher) Submit(n Notification, always bool) bool {
	if !always && n.Severity.Rank() < d.minSeverity.Rank() {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.bridge.FallBack(n, errors.New("notification dispatcher closed"))
		return true
	}
	select {
	case d.queue <- n:
		monitoring.NotificationQueueDepth.Set(float64(len(d.queue)))
	default:
		monitoring.NotificationsDiverted.Inc()
		d.bridge.FallBack(n, errQueueFull)
	}
	return true
}

// Close stops intake and waits until queued notifications are delivered or
// ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
