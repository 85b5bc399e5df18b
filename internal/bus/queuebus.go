package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/media-orchestrator/internal/clock"
	"github.com/basket/media-orchestrator/internal/dedup"
	orchotel "github.com/basket/media-orchestrator/internal/otel"
	"github.com/basket/media-orchestrator/internal/retry"
)

// QueueBusConfig tunes one QueueBus instance, mirroring config.QueueBusConfig.
type QueueBusConfig struct {
	BatchSize          int
	BatchTimeout       time.Duration
	MaxBufferSize      int
	DedupWindow        time.Duration
	DedupCacheSize     int
	MaxRetryAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	Breaker            BreakerConfig
	DeadLetterCapacity int
	InstanceID         string
	DebugCallerContext bool
}

func (c QueueBusConfig) normalized() QueueBusConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 500 * time.Millisecond
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 1000
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.DedupCacheSize <= 0 {
		c.DedupCacheSize = 10000
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = 500
	}
	return c
}

// PublishOptions modifies how a single Publish call is handled.
type PublishOptions struct {
	ForceDirect   bool   // bypass the batching buffer entirely
	CallerContext string // attached to Metadata.CallerContext only if the config debug flag is set
}

type pendingMessage struct {
	msg    Message
	future *Future
}

type topicQueue struct {
	mu      sync.Mutex
	pending []pendingMessage
	timer   clock.Timer
}

// QueueBus is the at-least-once topical publisher (spec §4.7): a per-topic
// batching buffer, idempotency suppression, retrying delivery, a
// per-destination circuit breaker, and a dead-letter queue for what's left
// over.
type QueueBus struct {
	cfg    QueueBusConfig
	clock  clock.Source
	logger *slog.Logger
	sink   Sink
	dedup  *dedup.Suppressor
	dlq    *DeadLetterQueue

	mu       sync.Mutex
	queues   map[string]*topicQueue
	breakers map[string]*circuitBreaker

	mirror *Bus // optional: in-process pub/sub fan-out for an operator console

	metrics *orchotel.Metrics // optional: nil leaves publish/DLQ/breaker counters unrecorded
	tracer  trace.Tracer      // optional: nil leaves delivery spans unstarted
}

// SetMirror attaches an in-process Bus that every Publish and delivery
// outcome is echoed to, for the gateway's operator websocket stream
// (SPEC_FULL §4.12). Must be called before Start-time traffic begins; not
// safe to change concurrently with Publish.
func (q *QueueBus) SetMirror(b *Bus) {
	q.mirror = b
}

// SetTelemetry attaches the orchestrator.queuebus.* instruments (SPEC_FULL
// §4.11) and a tracer for per-delivery client spans. Either argument may be
// nil to leave that half of telemetry disabled; must be called before
// Start-time traffic begins, mirroring SetMirror.
func (q *QueueBus) SetTelemetry(metrics *orchotel.Metrics, tracer trace.Tracer) {
	q.metrics = metrics
	q.tracer = tracer
}

// New builds a QueueBus delivering to sink.
func New(sink Sink, src clock.Source, logger *slog.Logger, cfg QueueBusConfig) *QueueBus {
	if src == nil {
		src = clock.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.normalized()
	return &QueueBus{
		cfg:      cfg,
		clock:    src,
		logger:   logger.With("component", "queuebus"),
		sink:     sink,
		dedup:    dedup.New(cfg.DedupCacheSize, cfg.DedupWindow, src),
		dlq:      NewDeadLetterQueue(cfg.DeadLetterCapacity, src),
		queues:   make(map[string]*topicQueue),
		breakers: make(map[string]*circuitBreaker),
	}
}

// DeadLetterQueue exposes the underlying DLQ for list/retry/clear operations.
func (q *QueueBus) DeadLetterQueue() *DeadLetterQueue {
	return q.dlq
}

func (q *QueueBus) queueFor(topic string) *topicQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	tq, ok := q.queues[topic]
	if !ok {
		tq = &topicQueue{}
		q.queues[topic] = tq
	}
	return tq
}

func (q *QueueBus) breakerFor(topic string) *circuitBreaker {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.breakers[topic]
	if !ok {
		b = newCircuitBreaker(q.clock, q.cfg.Breaker)
		q.breakers[topic] = b
	}
	return b
}

func (q *QueueBus) buildMetadata(opts PublishOptions) Metadata {
	m := Metadata{
		TriggerSource:    "queuebus",
		InstanceIDPrefix: instancePrefix(q.cfg.InstanceID),
		Timestamp:        q.clock.Now(),
	}
	if q.cfg.DebugCallerContext {
		m.CallerContext = opts.CallerContext
	}
	return m
}

func instancePrefix(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Publish submits one message on topic. The returned Future resolves once
// the message has been delivered, dropped, or fallback-resolved.
func (q *QueueBus) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) (*Future, error) {
	if q.metrics != nil {
		q.metrics.QueuePublishTotal.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("topic", topic)))
	}

	fingerprint := fingerprintFor(topic, payload)
	if q.dedup.Seen(fingerprint) {
		return resolvedFuture(Result{Delivered: true, Duplicate: true}), nil
	}

	msg := Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     append([]byte(nil), payload...),
		Metadata:    q.buildMetadata(opts),
		Fingerprint: fingerprint,
	}
	future := newFuture()

	if q.mirror != nil {
		q.mirror.Publish(topic, map[string]any{"message_id": msg.ID, "payload": msg.Payload})
	}

	if opts.ForceDirect {
		go q.deliverOne(ctx, msg, future)
		return future, nil
	}

	q.enqueue(topic, msg, future)
	return future, nil
}

// BatchPublish submits several messages at once; each is still subject to
// its own topic's batching buffer unless opts.ForceDirect is set.
func (q *QueueBus) BatchPublish(ctx context.Context, topic string, payloads [][]byte, opts PublishOptions) ([]*Future, error) {
	futures := make([]*Future, 0, len(payloads))
	for _, p := range payloads {
		f, err := q.Publish(ctx, topic, p, opts)
		if err != nil {
			return futures, err
		}
		futures = append(futures, f)
	}
	return futures, nil
}

// enqueue appends msg to topic's buffer, applying overflow eviction and
// flushing when the size or age threshold is reached.
func (q *QueueBus) enqueue(topic string, msg Message, future *Future) {
	tq := q.queueFor(topic)

	tq.mu.Lock()
	q.evictOverflowLocked(tq, topic)

	tq.pending = append(tq.pending, pendingMessage{msg: msg, future: future})
	if len(tq.pending) == 1 {
		tq.timer = q.clock.NewTimer(q.cfg.BatchTimeout)
		go q.awaitTimer(topic, tq, tq.timer)
	}

	var batch []pendingMessage
	if len(tq.pending) >= q.cfg.BatchSize {
		batch = tq.pending
		tq.pending = nil
		if tq.timer != nil {
			tq.timer.Stop()
			tq.timer = nil
		}
	}
	tq.mu.Unlock()

	if batch != nil {
		go q.deliverBatch(context.Background(), topic, batch)
	}
}

// evictOverflowLocked drops the oldest 10% (at least one) of topic's buffer
// into the dead-letter queue when it has reached max_buffer_size, per spec
// §4.7's buffer overflow policy. Caller holds tq.mu.
func (q *QueueBus) evictOverflowLocked(tq *topicQueue, topic string) {
	if len(tq.pending) < q.cfg.MaxBufferSize {
		return
	}
	dropCount := q.cfg.MaxBufferSize / 10
	if dropCount < 1 {
		dropCount = 1
	}
	if dropCount > len(tq.pending) {
		dropCount = len(tq.pending)
	}
	evicted := tq.pending[:dropCount]
	tq.pending = tq.pending[dropCount:]

	for _, pm := range evicted {
		q.dlq.Add(pm.msg, "buffer_overflow")
		q.dedup.Forget(pm.msg.Fingerprint)
		pm.future.resolve(Result{Dropped: true})
	}
	q.logger.Warn("queuebus buffer overflow, dropped oldest entries",
		slog.String("topic", topic), slog.Int("dropped", len(evicted)))
}

func (q *QueueBus) awaitTimer(topic string, tq *topicQueue, timer clock.Timer) {
	<-timer.C()

	tq.mu.Lock()
	if tq.timer != timer {
		// Already flushed (and re-armed, or not) by a size-triggered flush.
		tq.mu.Unlock()
		return
	}
	batch := tq.pending
	tq.pending = nil
	tq.timer = nil
	tq.mu.Unlock()

	if len(batch) > 0 {
		q.deliverBatch(context.Background(), topic, batch)
	}
}

// deliverBatch delivers each pending message in order, preserving per-topic
// FIFO within the flush (spec §5).
func (q *QueueBus) deliverBatch(ctx context.Context, topic string, batch []pendingMessage) {
	for _, pm := range batch {
		q.deliverOne(ctx, pm.msg, pm.future)
	}
}

func (q *QueueBus) deliverOne(ctx context.Context, msg Message, future *Future) {
	if q.tracer != nil {
		var span trace.Span
		ctx, span = orchotel.StartClientSpan(ctx, q.tracer, "queuebus.deliver",
			orchotel.AttrTopic.String(msg.Topic))
		defer span.End()
	}

	breaker := q.breakerFor(msg.Topic)
	wasOpen := breaker.State() == BreakerOpen
	if !breaker.Allow() {
		future.resolve(Result{Fallback: true})
		return
	}

	retryOpts := retry.Options{
		MaxAttempts: q.cfg.MaxRetryAttempts,
		BaseDelay:   q.cfg.RetryBaseDelay,
		MaxDelay:    q.cfg.RetryMaxDelay,
	}
	err := retry.Do(ctx, retryOpts, func() error {
		return q.sink.Deliver(ctx, msg)
	})

	if err == nil {
		breaker.RecordSuccess()
		future.resolve(Result{Delivered: true})
		return
	}

	breaker.RecordFailure()
	q.dedup.Forget(msg.Fingerprint)
	q.dlq.Add(msg, "delivery_failed")
	q.logger.Warn("queuebus delivery failed", slog.String("topic", msg.Topic), slog.Any("error", err))
	if q.metrics != nil {
		q.metrics.QueueDeadLettered.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("topic", msg.Topic)))
	}
	nowOpen := breaker.State() == BreakerOpen
	if nowOpen && !wasOpen {
		if q.metrics != nil {
			q.metrics.CircuitBreakerTrips.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("topic", msg.Topic)))
		}
		if q.mirror != nil {
			q.mirror.Publish("circuit-breaker", map[string]any{"topic": msg.Topic, "state": BreakerOpen.String()})
		}
	}
	future.resolve(Result{Dropped: true, Err: err})
}
