package relayqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/eaf/logger"
	"github.com/migadu/eaf/pkg/circuitbreaker"
	"github.com/migadu/eaf/pkg/metrics"
	"github.com/migadu/eaf/server/delivery"
)

// RelayQueue is the part of DiskQueue the worker drives.
type RelayQueue interface {
	AcquireNext() (*QueuedMessage, []byte, error)
	MarkSuccess(messageID string) error
	MarkFailure(messageID string, errorMsg string) error
	MarkPermanentFailure(messageID string, errorMsg string) error
	Release(messageID string) error
	GetStats() (pending, processing, failed int, err error)
}

// CircuitBreakerProvider is implemented by relays that guard the next hop
// with a circuit breaker.
type CircuitBreakerProvider interface {
	CircuitBreaker() *circuitbreaker.CircuitBreaker
}

// Worker delivers spooled messages in the background, a batch per interval
// or as soon as NotifyQueued is called.
type Worker struct {
	queue       RelayQueue
	relay       delivery.Relay
	interval    time.Duration
	batchSize   int
	concurrency int
	notifyCh    chan struct{}
	stopCh      chan struct{}
	errCh       chan<- error
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// NewWorker creates a worker. errCh may be nil.
func NewWorker(queue RelayQueue, relay delivery.Relay, interval time.Duration, batchSize, concurrency int, errCh chan<- error) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Worker{
		queue:       queue,
		relay:       relay,
		interval:    interval,
		batchSize:   batchSize,
		concurrency: concurrency,
		notifyCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		errCh:       errCh,
	}
}

// Start begins background processing. Calling it again is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)
	logger.Info("RelayQueue: worker started", "interval", w.interval, "batch_size", w.batchSize, "concurrency", w.concurrency)
}

// Stop waits for in-flight deliveries and stops the worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	logger.Info("RelayQueue: worker stopped")
}

// NotifyQueued asks for an immediate pass without blocking.
func (w *Worker) NotifyQueued() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pass(ctx)
		case <-w.notifyCh:
			w.pass(ctx)
		}
	}
}

func (w *Worker) pass(ctx context.Context) {
	if err := w.processQueue(ctx); err != nil {
		w.reportError(err)
	}
}

func (w *Worker) breakerState() (circuitbreaker.State, bool) {
	if provider, ok := w.relay.(CircuitBreakerProvider); ok {
		if cb := provider.CircuitBreaker(); cb != nil {
			return cb.State(), true
		}
	}
	return circuitbreaker.StateClosed, false
}

// processQueue acquires up to batchSize due messages and delivers them with
// at most concurrency deliveries in flight. While the breaker is open only
// one message is attempted, which lets the breaker probe the next hop.
func (w *Worker) processQueue(ctx context.Context) error {
	limit := w.batchSize
	if state, ok := w.breakerState(); ok && state != circuitbreaker.StateClosed {
		logger.Info("RelayQueue: circuit breaker not closed, probing with one message", "state", state.String())
		limit = 1
	}

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	processed := 0
	for processed < limit {
		if ctx.Err() != nil {
			return nil
		}
		msg, data, err := w.queue.AcquireNext()
		if err != nil {
			return fmt.Errorf("failed to acquire message: %w", err)
		}
		if msg == nil {
			break
		}

		select {
		case <-ctx.Done():
			if err := w.queue.Release(msg.ID); err != nil {
				logger.Error("RelayQueue: failed to release message", "id", msg.ID, "error", err)
			}
			return nil
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(msg *QueuedMessage, data []byte) {
			defer wg.Done()
			defer func() { <-sem }()
			w.processMessage(ctx, msg, data)
		}(msg, data)
		processed++
	}

	wg.Wait()
	w.updateDepth()
	return nil
}

func (w *Worker) updateDepth() {
	pending, processing, failed, err := w.queue.GetStats()
	if err != nil {
		logger.Warn("RelayQueue: failed to read queue stats", "error", err)
		return
	}
	metrics.RelayQueueDepth.WithLabelValues("pending").Set(float64(pending))
	metrics.RelayQueueDepth.WithLabelValues("processing").Set(float64(processing))
	metrics.RelayQueueDepth.WithLabelValues("failed").Set(float64(failed))
}

func (w *Worker) processMessage(ctx context.Context, msg *QueuedMessage, data []byte) {
	age := time.Since(msg.QueuedAt)
	metrics.RelayQueueAge.Observe(age.Seconds())
	logger.Info("RelayQueue: delivering", "id", msg.ID, "from", msg.From,
		"recipients", len(msg.To), "attempt", msg.Attempts+1, "age", age)

	err := w.relay.Send(ctx, delivery.Envelope{From: msg.From, To: msg.To, Source: delivery.SourceQueue}, data)
	switch {
	case err == nil:
		if markErr := w.queue.MarkSuccess(msg.ID); markErr != nil {
			logger.Error("RelayQueue: failed to mark success", "id", msg.ID, "error", markErr)
		}

	case circuitbreaker.IsRejection(err):
		// The breaker decided, not the next hop: no attempt is counted.
		if relErr := w.queue.Release(msg.ID); relErr != nil {
			logger.Error("RelayQueue: failed to release message", "id", msg.ID, "error", relErr)
		}

	case delivery.IsPermanentError(err):
		if markErr := w.queue.MarkPermanentFailure(msg.ID, err.Error()); markErr != nil {
			logger.Error("RelayQueue: failed to mark permanent failure", "id", msg.ID, "error", markErr)
		}

	default:
		if markErr := w.queue.MarkFailure(msg.ID, err.Error()); markErr != nil {
			logger.Error("RelayQueue: failed to mark failure", "id", msg.ID, "error", markErr)
		}
	}
}

func (w *Worker) reportError(err error) {
	if w.errCh != nil {
		select {
		case w.errCh <- err:
			return
		default:
		}
	}
	logger.Error("RelayQueue: worker error", "error", err)
}
