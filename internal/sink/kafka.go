package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/alert"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/observability"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	sinkQueueSize = 1024
	sinkMaxBatch  = 64
	publishTimeout = 5 * time.Second
)

// KafkaSink republishes Store change events onto a Kafka topic, keyed by
// product_id so that downstream consumers can compact on the latest state
// of a given alert. Enqueue only ever appends to a bounded channel; the
// actual broker write happens on run's own goroutine, so the Store's
// subscription callback (which runs under the Store's writer lock) never
// blocks on network I/O.
type KafkaSink struct {
	writer  *kafkago.Writer
	logger  *slog.Logger
	metrics *observability.Metrics

	queue chan changeEnvelope
	done  chan struct{}
}

// NewKafkaSink creates a producer for the given brokers and topic and
// starts its publishing goroutine. The sink is only constructed when
// KAFKA_BROKERS is configured; a nil *KafkaSink is never passed to the
// Store subscription. Call Close to drain the queue and stop the writer.
func NewKafkaSink(brokers []string, topic string, metrics *observability.Metrics, logger *slog.Logger) *KafkaSink {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	s := &KafkaSink{
		writer:  w,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan changeEnvelope, sinkQueueSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// changeEnvelope wraps an alert.Alert with the kind of Store mutation that
// produced it, so consumers can distinguish upserts from removals without
// re-deriving it from Status alone.
type changeEnvelope struct {
	Kind      string       `json:"kind"` // "upsert" or "remove"
	ProductID string       `json:"product_id"`
	Alert     *alert.Alert `json:"alert,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// EnqueueUpsert queues an upserted alert for publishing. Non-blocking:
// this is the method the Store's subscription callback calls, so it must
// never wait on the broker.
func (s *KafkaSink) EnqueueUpsert(a *alert.Alert) {
	s.enqueue(changeEnvelope{Kind: "upsert", ProductID: a.ProductID, Alert: a, Timestamp: time.Now().UTC()})
}

// EnqueueRemove queues a removal notice for a product_id.
func (s *KafkaSink) EnqueueRemove(productID string) {
	s.enqueue(changeEnvelope{Kind: "remove", ProductID: productID, Timestamp: time.Now().UTC()})
}

// enqueue drops the event and counts it rather than blocking when the
// queue is full, mirroring the Broadcast Hub's bounded per-subscriber
// queue back-pressure contract.
func (s *KafkaSink) enqueue(ev changeEnvelope) {
	select {
	case s.queue <- ev:
		if s.metrics != nil {
			s.metrics.SinkQueueDepth.Set(float64(len(s.queue)))
		}
	default:
		if s.metrics != nil {
			s.metrics.SinkDropped.Inc()
		}
		s.logger.Warn("kafka sink queue full, dropping change event", "product_id", ev.ProductID, "kind", ev.Kind)
	}
}

// run drains the queue off the Store's writer path, opportunistically
// coalescing whatever has piled up (up to sinkMaxBatch) into a single
// PublishBatch call so a burst of upserts costs one broker round trip
// instead of one per event.
func (s *KafkaSink) run() {
	defer close(s.done)
	batch := make([]changeEnvelope, 0, sinkMaxBatch)
	for ev := range s.queue {
		batch = append(batch, ev)
	drain:
		for len(batch) < sinkMaxBatch {
			select {
			case next := <-s.queue:
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if s.metrics != nil {
			s.metrics.SinkQueueDepth.Set(float64(len(s.queue)))
		}
		s.flush(batch)
		batch = batch[:0]
	}
	if len(batch) > 0 {
		s.flush(batch)
	}
}

func (s *KafkaSink) flush(batch []changeEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.PublishBatch(ctx, batch); err != nil {
		if s.metrics != nil {
			s.metrics.SinkPublishError.Inc()
		}
		s.logger.Warn("kafka publish failed", "error", err, "batch_size", len(batch))
		return
	}
	if s.metrics != nil {
		s.metrics.SinkPublished.Add(float64(len(batch)))
	}
}

// PublishBatch serializes and publishes multiple change events in a
// single WriteMessages call. Exported for the publishing goroutine's own
// use and for tests that want to bypass the queue and assert on a
// synchronous write.
func (s *KafkaSink) PublishBatch(ctx context.Context, events []changeEnvelope) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(events))
	for i := range events {
		msg, err := serializeToMessage(events[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d change events: %w", len(events), err)
	}
	return nil
}

// Close stops accepting new events, drains and publishes whatever is
// still queued, and closes the underlying Kafka connection.
func (s *KafkaSink) Close() error {
	close(s.queue)
	<-s.done
	return s.writer.Close()
}

func serializeToMessage(ev changeEnvelope) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize change event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(ev.ProductID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "timestamp", Value: []byte(ev.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}
