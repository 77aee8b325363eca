package notifier

import (
	"context"
	"sync"
	"time"

	"sitewatch/internal/metrics"
	"sitewatch/internal/models"

	"go.uber.org/zap"
)

// Sink one delivery target of events
type Sink interface {
	Name() string
	Publish(ctx context.Context, event models.Event) error
}

// Options delivery tuning
type Options struct {
	QueueSize          int           // events kept while sinks are slow; the oldest is dropped beyond it
	MaxAttempts        int           // per sink and event before it moves to the sink's backlog
	RetryBackoff       time.Duration // first retry delay, doubled per attempt
	PublishTimeout     time.Duration
	RedeliveryInterval time.Duration // how often a sink's backlog is retried

	Metrics *metrics.Metrics // optional
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 10000
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 10 * time.Second
	}
	if o.RedeliveryInterval <= 0 {
		o.RedeliveryInterval = 5 * time.Second
	}
}

// Notifier fans events out to its sinks from a background goroutine. Emit
// never blocks the caller. Each sink sees events in emission order, at least
// once while the process runs: an event a sink keeps rejecting waits in that
// sink's backlog, together with everything emitted after it, and is retried
// every RedeliveryInterval. Delivery is bounded, not guaranteed: the queue and
// each backlog drop their oldest event beyond QueueSize, and a backlog still
// pending at Stop is discarded.
type Notifier struct {
	sinks  []Sink
	opts   Options
	logger *zap.Logger

	backlog [][]models.Event // per sink, owned by the delivery goroutine

	mu      sync.Mutex
	queue   []models.Event
	dropped uint64
	wake    chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewNotifier creates a notifier
func NewNotifier(opts Options, logger *zap.Logger, sinks ...Sink) *Notifier {
	opts.setDefaults()
	return &Notifier{
		sinks:   sinks,
		opts:    opts,
		logger:  logger,
		backlog: make([][]models.Event, len(sinks)),
		wake:    make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Emit queues an event for delivery
func (n *Notifier) Emit(event models.Event) {
	n.mu.Lock()
	if len(n.queue) >= n.opts.QueueSize {
		n.queue = n.queue[1:]
		n.dropLocked(1, "Event queue full, dropping oldest events")
	}
	n.queue = append(n.queue, event)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Notifier) dropLocked(count int, msg string) {
	for i := 0; i < count; i++ {
		n.dropped++
		n.opts.Metrics.EventDropped()
		if n.dropped == 1 || n.dropped%1000 == 0 {
			n.logger.Warn(msg,
				zap.Uint64("dropped_total", n.dropped),
				zap.Int("queue_size", n.opts.QueueSize),
			)
		}
	}
}

// Dropped number of events discarded by a full queue or backlog, or at Stop
func (n *Notifier) Dropped() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Pending number of queued events
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Start runs the delivery loop until ctx is cancelled or Stop is called
func (n *Notifier) Start(ctx context.Context) {
	n.wg.Add(1)
	go n.run(ctx)
}

// Stop delivers what is still queued and stops the delivery loop
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	n.wg.Wait()
}

func (n *Notifier) run(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.opts.RedeliveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.wake:
			n.drain(ctx)
		case <-ticker.C:
			n.redeliver(ctx)
		case <-n.stopCh:
			n.drain(context.Background())
			n.discardBacklog()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (n *Notifier) drain(ctx context.Context) {
	n.redeliver(ctx)
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		batch := n.queue
		n.queue = nil
		n.mu.Unlock()

		for _, ev := range batch {
			n.deliver(ctx, ev)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, event models.Event) {
	for i, sink := range n.sinks {
		// keep order behind events the sink has not taken yet
		if len(n.backlog[i]) > 0 {
			n.pushBacklog(i, event)
			continue
		}
		attempts, err := n.publish(ctx, sink, event, n.opts.MaxAttempts)
		if err == nil {
			continue
		}
		n.opts.Metrics.DeliveryFailed(sink.Name())
		n.logger.Error("Failed to deliver event, will redeliver",
			zap.String("sink", sink.Name()),
			zap.String("kind", string(event.Kind)),
			zap.String("site_id", event.SiteID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		n.pushBacklog(i, event)
	}
}

// redeliver retries each sink's backlog in order, one attempt per event,
// and stops at the first event the sink still rejects
func (n *Notifier) redeliver(ctx context.Context) {
	for i, sink := range n.sinks {
		pending := n.backlog[i]
		sent := 0
		for _, ev := range pending {
			if _, err := n.publish(ctx, sink, ev, 1); err != nil {
				n.logger.Debug("Redelivery failed",
					zap.String("sink", sink.Name()),
					zap.Int("backlog", len(pending)-sent),
					zap.Error(err),
				)
				break
			}
			sent++
		}
		if sent > 0 {
			n.backlog[i] = append([]models.Event(nil), pending[sent:]...)
			n.logger.Info("Redelivered events",
				zap.String("sink", sink.Name()),
				zap.Int("delivered", sent),
				zap.Int("backlog", len(n.backlog[i])),
			)
		}
	}
}

func (n *Notifier) pushBacklog(i int, event models.Event) {
	if len(n.backlog[i]) >= n.opts.QueueSize {
		n.backlog[i] = n.backlog[i][1:]
		n.mu.Lock()
		n.dropLocked(1, "Sink backlog full, dropping oldest events")
		n.mu.Unlock()
	}
	n.backlog[i] = append(n.backlog[i], event)
}

func (n *Notifier) discardBacklog() {
	for i, sink := range n.sinks {
		if len(n.backlog[i]) == 0 {
			continue
		}
		n.logger.Error("Discarding undelivered events at shutdown",
			zap.String("sink", sink.Name()),
			zap.Int("events", len(n.backlog[i])),
		)
		n.mu.Lock()
		n.dropLocked(len(n.backlog[i]), "Dropping undelivered events")
		n.mu.Unlock()
		n.backlog[i] = nil
	}
}

func (n *Notifier) publish(ctx context.Context, sink Sink, event models.Event, maxAttempts int) (int, error) {
	backoff := n.opts.RetryBackoff
	for attempt := 1; ; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, n.opts.PublishTimeout)
		err := sink.Publish(pctx, event)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			return attempt, err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		backoff *= 2
	}
}
